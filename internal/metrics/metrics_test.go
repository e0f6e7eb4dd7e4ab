package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveUnitAndRows(t *testing.T) {
	m := New(false)
	m.ObserveUnit("spot", OutcomeUpdated)
	m.ObserveUnit("spot", OutcomeUpdated)
	m.ObserveUnit("spot", OutcomeNotAvailable)
	m.AddRows("spot", 1500)
	m.AddRows("spot", 0)

	if got := testutil.ToFloat64(m.units.WithLabelValues("spot", OutcomeUpdated)); got != 2 {
		t.Fatalf("expected 2 updated units, got %v", got)
	}
	if got := testutil.ToFloat64(m.units.WithLabelValues("spot", OutcomeNotAvailable)); got != 1 {
		t.Fatalf("expected 1 not available unit, got %v", got)
	}
	if got := testutil.ToFloat64(m.rowsAppended.WithLabelValues("spot")); got != 1500 {
		t.Fatalf("expected 1500 rows, got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveUnit("fno", OutcomeFailed)
	m.AddRows("fno", 1)
	m.ObserveFetch("fno", time.Second)
	m.MarkRun(time.Now())
	if err := m.Push("http://localhost:1", "job"); err != nil {
		t.Fatalf("nil metrics must not push: %v", err)
	}
}

func TestPushToGateway(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || !strings.Contains(r.URL.Path, "/metrics/job/bhavflow") {
			t.Errorf("unexpected push %s %s", r.Method, r.URL.Path)
		}
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New(false)
	m.ObserveUnit("idx", OutcomeUpdated)
	m.MarkRun(time.Unix(1700000000, 0))
	if err := m.Push(srv.URL, "bhavflow"); err != nil {
		t.Fatalf("push: %v", err)
	}
	if !strings.Contains(body, "bhavflow_units_total") {
		t.Fatalf("pushed payload lacks unit counter")
	}
}
