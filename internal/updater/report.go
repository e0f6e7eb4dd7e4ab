package updater

import (
	"fmt"
	"io"
	"strings"
	"time"

	"bhavflow/logger"
	"bhavflow/models"
)

// Failure kinds.
const (
	FailTransport = "transport_failure"
	FailParse     = "parse_failure"
	FailStorage   = "storage_failure"
)

// Failure is one unit that could not be loaded.
type Failure struct {
	Unit     string
	Kind     string
	URL      string
	Reason   string
	Recovery []string
}

// Report summarizes one run over a table.
type Report struct {
	RunID          string
	Table          models.Table
	Range          *models.DateRange
	Updated        int
	SkippedPresent int
	NotAvailable   int
	Failed         []Failure
	RowsAppended   int
	Started        time.Time
	Finished       time.Time
}

func newReport(runID string, table models.Table) *Report {
	return &Report{RunID: runID, Table: table, Started: time.Now()}
}

// OK reports whether every unit either loaded or was legitimately absent.
func (r *Report) OK() bool { return len(r.Failed) == 0 }

// Units returns the number of units the run visited.
func (r *Report) Units() int {
	return r.Updated + r.SkippedPresent + r.NotAvailable + len(r.Failed)
}

func (r *Report) widen(dr models.DateRange) {
	if r.Range == nil {
		cp := dr
		r.Range = &cp
		return
	}
	if dr.Start.Before(r.Range.Start) {
		r.Range.Start = dr.Start
	}
	if dr.End.After(r.Range.End) {
		r.Range.End = dr.End
	}
}

func (r *Report) String() string {
	span := "-"
	if r.Range != nil {
		span = r.Range.String()
	}
	return fmt.Sprintf("%s %s: updated=%d skipped_present=%d not_available=%d failed=%d rows=%d",
		r.Table, span, r.Updated, r.SkippedPresent, r.NotAvailable, len(r.Failed), r.RowsAppended)
}

// Print writes the summary and one line per failed unit.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintln(w, r.String())
	for _, f := range r.Failed {
		line := fmt.Sprintf("  FAILED %s [%s] %s", f.Unit, f.Kind, f.Reason)
		if f.URL != "" {
			line += " url=" + f.URL
		}
		if len(f.Recovery) > 0 {
			line += " recovery=" + strings.Join(f.Recovery, ",")
		}
		fmt.Fprintln(w, line)
	}
}

func (r *Report) log(log *logger.Log) {
	entry := log.WithComponent("updater").WithFields(logger.Fields{
		"run_id":          r.RunID,
		"table":           string(r.Table),
		"updated":         r.Updated,
		"skipped_present": r.SkippedPresent,
		"not_available":   r.NotAvailable,
		"failed":          len(r.Failed),
		"rows_appended":   r.RowsAppended,
		"duration_ms":     r.Finished.Sub(r.Started).Milliseconds(),
	})
	if r.OK() {
		entry.Info("update finished")
	} else {
		units := make([]string, len(r.Failed))
		for i, f := range r.Failed {
			units[i] = f.Unit
		}
		entry.WithFields(logger.Fields{"failed_units": strings.Join(units, ",")}).Warn("update finished with failures")
	}

	dims := logger.Fields{"table": string(r.Table)}
	log.LogMetric("updater", "units_updated", r.Updated, "counter", copyFields(dims))
	log.LogMetric("updater", "units_failed", len(r.Failed), "counter", copyFields(dims))
	log.LogMetric("updater", "rows_appended", r.RowsAppended, "counter", copyFields(dims))
}

func copyFields(f logger.Fields) logger.Fields {
	out := make(logger.Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}
