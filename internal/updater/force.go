package updater

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/golang-sql/civil"

	"bhavflow/logger"
	"bhavflow/models"
	"bhavflow/reader/nse"
)

// TableDiff compares freshly fetched rows with the stored rows of one
// physical table at one date.
type TableDiff struct {
	Physical  string
	Added     []string
	Removed   []string
	Changed   []string
	Unchanged int
}

// Empty reports whether the stored rows already match upstream.
func (d TableDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Diff is the outcome of ForceUpdate.
type Diff struct {
	Table    models.Table
	Date     civil.Date
	Status   nse.Status
	Tables   []TableDiff
	Replaced bool
}

// Empty reports whether no physical table differs.
func (d *Diff) Empty() bool {
	for _, t := range d.Tables {
		if !t.Empty() {
			return false
		}
	}
	return true
}

// Print writes a per-table summary of the diff.
func (d *Diff) Print(w io.Writer) {
	fmt.Fprintf(w, "%s %s: status=%s replaced=%v\n", d.Table, d.Date, d.Status, d.Replaced)
	for _, t := range d.Tables {
		fmt.Fprintf(w, "  %s: added=%d removed=%d changed=%d unchanged=%d\n",
			t.Physical, len(t.Added), len(t.Removed), len(t.Changed), t.Unchanged)
	}
}

func diffRows(schema *models.Schema, physical string, stored, fresh []models.Row) TableDiff {
	d := TableDiff{Physical: physical}
	old := make(map[string]models.Row, len(stored))
	for _, r := range stored {
		old[schema.KeyOf(r)] = r
	}
	seen := make(map[string]struct{}, len(fresh))
	for _, r := range fresh {
		k := schema.KeyOf(r)
		seen[k] = struct{}{}
		prev, ok := old[k]
		switch {
		case !ok:
			d.Added = append(d.Added, k)
		case !models.Equal(prev, r):
			d.Changed = append(d.Changed, k)
		default:
			d.Unchanged++
		}
	}
	for k := range old {
		if _, ok := seen[k]; !ok {
			d.Removed = append(d.Removed, k)
		}
	}
	sort.Strings(d.Removed)
	return d
}

// ForceUpdate re-fetches date for table even when it is stored, diffs the
// result against the store and, when replace is set, swaps the stored rows
// of that date for the fetched ones. An upstream NotAvailable never deletes
// stored rows.
func (u *Updater) ForceUpdate(ctx context.Context, table models.Table, date civil.Date, replace bool) (*Diff, error) {
	if err := u.Check(ctx); err != nil {
		return nil, err
	}
	log := u.log.WithComponent("updater").WithFields(logger.Fields{
		"table":   string(table),
		"date":    date.String(),
		"replace": replace,
	})

	var reqs []nse.Request
	switch {
	case table.Daily():
		reqs = []nse.Request{{Table: table, Date: date}}
	case table == models.TableIndex:
		for _, idx := range u.indices {
			reqs = append(reqs, nse.Request{Table: table, Range: models.DateRange{Start: date, End: date}, Index: idx})
		}
	default:
		reqs = []nse.Request{{Table: table, Range: models.DateRange{Start: date, End: date}}}
	}

	diff := &Diff{Table: table, Date: date, Status: nse.StatusNotAvailable}
	schema := table.Schema()
	fresh := make(map[string][]models.Row)
	// Index symbols the upstream had nothing for keep their stored rows.
	covered := make(map[string]bool)

	for _, req := range reqs {
		res := u.fetch(ctx, req)
		switch res.Status {
		case nse.StatusNotAvailable:
			continue
		case nse.StatusTransportFailure:
			return nil, fmt.Errorf("fetch %s: %s", req, res.Reason)
		case nse.StatusParseFailure:
			if _, err := u.recovery.WriteRaw(string(table), date, nil, res.Payload); err != nil {
				log.WithError(err).Error("failed to save raw payload")
			}
			return nil, fmt.Errorf("parse %s: %s", req, res.Reason)
		}
		batch, err := u.normalizer.Normalize(res.Batch, table)
		if err != nil {
			if _, werr := u.recovery.WriteRaw(string(table), date, res.Batch, res.Batch.Payload); werr != nil {
				log.WithError(werr).Error("failed to save raw payload")
			}
			return nil, fmt.Errorf("normalize %s: %w", req, err)
		}
		diff.Status = nse.StatusData
		covered[req.Index.Symbol] = true
		if batch == nil {
			continue
		}
		for _, part := range u.planner.Partitioner(table).Split(batch) {
			for _, r := range part.Rows {
				if schema.Date(r) == date {
					fresh[part.Physical] = append(fresh[part.Physical], r)
				}
			}
		}
	}

	if diff.Status == nse.StatusNotAvailable {
		log.Info("upstream has no data for date, nothing to compare")
		return diff, nil
	}

	for _, physical := range u.planner.Partitioner(table).Tables() {
		stored, err := u.store.Query(ctx, physical, schema, models.OnDate(date))
		if err != nil {
			return nil, fmt.Errorf("query %s at %s: %w", physical, date, err)
		}
		rows := fresh[physical]
		var kept []models.Row
		if table == models.TableIndex {
			var compared []models.Row
			for _, r := range stored.Rows {
				if covered[schema.String(r, "SYMBOL")] {
					compared = append(compared, r)
				} else {
					kept = append(kept, r)
				}
			}
			stored.Rows = compared
		}
		td := diffRows(schema, physical, stored.Rows, rows)
		diff.Tables = append(diff.Tables, td)
		if !replace || td.Empty() {
			continue
		}
		replacement := append(kept, rows...)
		if err := u.store.Replace(ctx, physical, schema, date, replacement); err != nil {
			if p, werr := u.recovery.WriteBatch(physical, date, schema, replacement); werr != nil {
				log.WithError(werr).Error("failed to save batch for recovery")
			} else {
				log.WithFields(logger.Fields{"recovery": p}).Warn("replacement saved for recovery")
			}
			return diff, fmt.Errorf("replace %s at %s: %w", physical, date, err)
		}
		diff.Replaced = true
		log.WithFields(logger.Fields{
			"physical": physical,
			"added":    len(td.Added),
			"removed":  len(td.Removed),
			"changed":  len(td.Changed),
		}).Warn("stored rows replaced")
	}

	if diff.Empty() {
		log.Info("stored rows match upstream")
	}
	return diff, nil
}
