// Registers:
//
//	#bhavflow_units_total{table,outcome}
//	#bhavflow_rows_appended_total{table}
//	#bhavflow_fetch_duration_seconds{table}
//	#bhavflow_last_run_timestamp_seconds
//	#go_* and process_* system metrics
//
// bhavflow runs as a batch job, so nothing is served; the registry is pushed
// to a Prometheus pushgateway at the end of a run when one is configured.
package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Unit outcomes, matching the run report.
const (
	OutcomeUpdated      = "updated"
	OutcomePresent      = "skipped_present"
	OutcomeNotAvailable = "not_available"
	OutcomeFailed       = "failed"
)

// Metrics holds the run counters on their own registry.
type Metrics struct {
	Registry      *prometheus.Registry
	units         *prometheus.CounterVec
	rowsAppended  *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	lastRun       prometheus.Gauge
}

// New registers a fresh set of metrics. withRuntime adds the Go and process
// collectors.
func New(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		units: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bhavflow_units_total",
				Help: "Units of work processed, by table and outcome",
			},
			[]string{"table", "outcome"},
		),
		rowsAppended: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bhavflow_rows_appended_total",
				Help: "Rows committed to the store",
			},
			[]string{"table"},
		),
		fetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bhavflow_fetch_duration_seconds",
				Help:    "Upstream fetch latency including retries",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
			},
			[]string{"table"},
		),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bhavflow_last_run_timestamp_seconds",
			Help: "Unix time the last run finished",
		}),
	}
	reg.MustRegister(m.units, m.rowsAppended, m.fetchDuration, m.lastRun)
	if withRuntime {
		reg.MustRegister(collectors.NewGoCollector())
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return m
}

var (
	once     sync.Once
	defaults *Metrics
)

// Init creates the process-wide metrics once.
func Init() *Metrics {
	once.Do(func() {
		defaults = New(true)
	})
	return defaults
}

// ObserveUnit counts one unit outcome for table.
func (m *Metrics) ObserveUnit(table, outcome string) {
	if m == nil {
		return
	}
	m.units.WithLabelValues(table, outcome).Inc()
}

// AddRows counts rows committed to table.
func (m *Metrics) AddRows(table string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rowsAppended.WithLabelValues(table).Add(float64(n))
}

// ObserveFetch records the latency of one upstream fetch.
func (m *Metrics) ObserveFetch(table string, d time.Duration) {
	if m == nil {
		return
	}
	m.fetchDuration.WithLabelValues(table).Observe(d.Seconds())
}

// MarkRun stamps the end of a run.
func (m *Metrics) MarkRun(t time.Time) {
	if m == nil {
		return
	}
	m.lastRun.Set(float64(t.Unix()))
}

// Push sends the registry to the pushgateway at url under job.
func (m *Metrics) Push(url, job string) error {
	if m == nil || url == "" {
		return nil
	}
	if err := push.New(url, job).Gatherer(m.Registry).Push(); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}
