package updater

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-sql/civil"

	"bhavflow/config"
	"bhavflow/internal/metrics"
	"bhavflow/internal/planner"
	"bhavflow/logger"
	"bhavflow/models"
	"bhavflow/reader/nse"
	"bhavflow/writer"
)

// runDays processes one bhavcopy per business day of plan.
func (u *Updater) runDays(ctx context.Context, r *Report, plan *planner.Plan) error {
	for _, d := range plan.BusinessDays {
		if err := ctx.Err(); err != nil {
			return err
		}
		u.runDay(ctx, r, plan.Table, d)
	}
	return nil
}

// present reports whether the progress marker of table already has a row at
// d. A failed query counts as absent: the key constraint on append still
// guards against duplicates.
func (u *Updater) present(ctx context.Context, table models.Table, d civil.Date) bool {
	marker := u.planner.MarkerFor(table, "")
	pred := marker.Predicate
	pred.Dates = &models.DateRange{Start: d, End: d}
	_, ok, err := u.store.MaxTimestamp(ctx, marker.Physical, table.Schema(), pred)
	if err != nil {
		u.log.WithComponent("updater").WithError(err).WithFields(logger.Fields{
			"table": marker.Physical,
			"date":  d.String(),
		}).Warn("dedup query failed, treating date as not present")
		return false
	}
	return ok
}

func (u *Updater) runDay(ctx context.Context, r *Report, table models.Table, d civil.Date) {
	unit := fmt.Sprintf("%s %s", table, d)
	log := u.log.WithComponent("updater").WithFields(logger.Fields{"table": string(table), "date": d.String()})

	if u.present(ctx, table, d) {
		r.SkippedPresent++
		u.metrics.ObserveUnit(string(table), metrics.OutcomePresent)
		log.Debug("date already stored, skipping")
		return
	}

	res := u.fetch(ctx, nse.Request{Table: table, Date: d})
	batch, ok := u.accept(r, table, unit, d, res)
	if !ok {
		return
	}

	// The marker partition goes last so a date only reads as present once
	// every partition has been committed.
	marker := u.planner.MarkerFor(table, "").Physical
	parts := u.planner.Partitioner(table).Split(batch)
	ordered := make([]*models.NormalizedBatch, 0, len(parts))
	var last *models.NormalizedBatch
	for _, p := range parts {
		if p.Physical == marker {
			last = p
			continue
		}
		ordered = append(ordered, p)
	}
	if last != nil {
		ordered = append(ordered, last)
	}
	u.commit(ctx, r, unit, d, ordered)
}

// runWindows processes plan window by window for idx (one index) or vix.
func (u *Updater) runWindows(ctx context.Context, r *Report, plan *planner.Plan, idx config.IndexSpec) error {
	table := plan.Table
	schema := table.Schema()
	for _, w := range plan.Chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		days := w.BusinessDays()
		if len(days) == 0 {
			continue
		}
		unit := fmt.Sprintf("%s %s", table, w)
		if idx.Symbol != "" {
			unit = fmt.Sprintf("%s[%s] %s", table, idx.Symbol, w)
		}
		log := u.log.WithComponent("updater").WithFields(logger.Fields{"unit": unit})

		window := w
		pred := models.Predicate{Dates: &window}
		if idx.Symbol != "" {
			pred = pred.With("SYMBOL", idx.Symbol)
		}
		existing, err := u.store.Query(ctx, string(table), schema, pred)
		if err != nil {
			log.WithError(err).Warn("dedup query failed, treating window as not present")
			existing = &models.RowSet{Schema: schema}
		}
		if coversDays(schema, existing, days) {
			r.SkippedPresent++
			u.metrics.ObserveUnit(string(table), metrics.OutcomePresent)
			log.Debug("window already stored, skipping")
			continue
		}

		res := u.fetch(ctx, nse.Request{Table: table, Range: w, Index: idx})
		batch, ok := u.accept(r, table, unit, w.Start, res)
		if !ok {
			continue
		}

		stored := existing.Keys()
		fresh := batch.Rows[:0:0]
		for _, row := range batch.Rows {
			if _, dup := stored[schema.KeyOf(row)]; !dup {
				fresh = append(fresh, row)
			}
		}
		if len(fresh) == 0 {
			r.SkippedPresent++
			u.metrics.ObserveUnit(string(table), metrics.OutcomePresent)
			log.Debug("window holds no new rows")
			continue
		}
		batch.Rows = fresh
		u.commit(ctx, r, unit, w.Start, []*models.NormalizedBatch{batch})
	}
	return nil
}

// coversDays reports whether rs reaches both the first and the last
// business day of days. Business days missing in between are exchange
// holidays the upstream had no rows for.
func coversDays(schema *models.Schema, rs *models.RowSet, days []civil.Date) bool {
	if rs.Len() == 0 || len(days) == 0 {
		return false
	}
	first, last := schema.Date(rs.Rows[0]), schema.Date(rs.Rows[0])
	for _, row := range rs.Rows[1:] {
		d := schema.Date(row)
		if d.Before(first) {
			first = d
		}
		if d.After(last) {
			last = d
		}
	}
	return !first.After(days[0]) && !last.Before(days[len(days)-1])
}

func (u *Updater) fetch(ctx context.Context, req nse.Request) nse.FetchResult {
	start := time.Now()
	res := u.fetcher.Fetch(ctx, req)
	u.metrics.ObserveFetch(string(req.Table), time.Since(start))
	return res
}

func (u *Updater) fail(r *Report, table models.Table, f Failure) {
	r.Failed = append(r.Failed, f)
	u.metrics.ObserveUnit(string(table), metrics.OutcomeFailed)
}

// accept classifies a fetch result and normalizes its payload. It returns
// false when the unit ends here.
func (u *Updater) accept(r *Report, table models.Table, unit string, date civil.Date, res nse.FetchResult) (*models.NormalizedBatch, bool) {
	log := u.log.WithComponent("updater").WithFields(logger.Fields{"unit": unit, "url": res.URL})

	switch res.Status {
	case nse.StatusNotAvailable:
		r.NotAvailable++
		u.metrics.ObserveUnit(string(table), metrics.OutcomeNotAvailable)
		log.WithFields(logger.Fields{"reason": res.Reason}).Info("no upstream data for unit")
		return nil, false

	case nse.StatusTransportFailure:
		u.fail(r, table, Failure{Unit: unit, Kind: FailTransport, URL: res.URL, Reason: res.Reason})
		log.WithFields(logger.Fields{"reason": res.Reason}).Error("unit skipped after transport failure")
		return nil, false

	case nse.StatusParseFailure:
		files, err := u.recovery.WriteRaw(string(table), date, nil, res.Payload)
		if err != nil {
			log.WithError(err).Error("failed to save raw payload")
		}
		u.fail(r, table, Failure{Unit: unit, Kind: FailParse, URL: res.URL, Reason: res.Reason, Recovery: files})
		return nil, false
	}

	batch, err := u.normalizer.Normalize(res.Batch, table)
	if err != nil {
		files, werr := u.recovery.WriteRaw(string(table), date, res.Batch, res.Batch.Payload)
		if werr != nil {
			log.WithError(werr).Error("failed to save raw payload")
		}
		u.fail(r, table, Failure{Unit: unit, Kind: FailParse, URL: res.URL, Reason: err.Error(), Recovery: files})
		log.WithError(err).Warn("payload could not be normalized")
		return nil, false
	}
	if batch == nil {
		r.NotAvailable++
		u.metrics.ObserveUnit(string(table), metrics.OutcomeNotAvailable)
		log.Info("payload held no rows for this table")
		return nil, false
	}
	return batch, true
}

// commit appends each batch. A failed batch goes to the recovery directory
// and fails the unit; the other batches are still attempted.
func (u *Updater) commit(ctx context.Context, r *Report, unit string, date civil.Date, batches []*models.NormalizedBatch) {
	table := batches[0].Table
	var (
		rows     int
		failures []Failure
	)
	for _, b := range batches {
		n, err := u.appendBatch(ctx, b)
		rows += n
		if err == nil {
			continue
		}
		log := u.log.WithComponent("updater").WithError(err).WithFields(logger.Fields{
			"unit":      unit,
			"table":     b.Physical,
			"row_count": b.Len(),
		})
		log.Error("append failed")
		f := Failure{Unit: unit, Kind: FailStorage, Reason: fmt.Sprintf("%s: %v", b.Physical, err)}
		if p, werr := u.recovery.WriteBatch(b.Physical, date, b.Schema, b.Rows); werr != nil {
			log.WithError(werr).Error("failed to save batch for recovery")
		} else {
			f.Recovery = []string{p}
		}
		failures = append(failures, f)
	}

	r.RowsAppended += rows
	if len(failures) > 0 {
		for _, f := range failures {
			u.fail(r, table, f)
		}
		return
	}
	r.Updated++
	u.metrics.ObserveUnit(string(table), metrics.OutcomeUpdated)
	u.log.WithComponent("updater").WithFields(logger.Fields{"unit": unit, "rows": rows}).Info("unit stored")
}

// appendBatch appends b. When some keys are already stored (a retry after a
// partially committed unit) only the missing rows are appended.
func (u *Updater) appendBatch(ctx context.Context, b *models.NormalizedBatch) (int, error) {
	rows := b.Rows
	err := u.store.Append(ctx, b.Physical, b.Schema, rows)
	if errors.Is(err, writer.ErrDuplicateKey) {
		span := b.Span()
		existing, qerr := u.store.Query(ctx, b.Physical, b.Schema, models.Predicate{Dates: &span})
		if qerr != nil {
			return 0, err
		}
		stored := existing.Keys()
		rows = rows[:0:0]
		for _, row := range b.Rows {
			if _, dup := stored[b.Schema.KeyOf(row)]; !dup {
				rows = append(rows, row)
			}
		}
		err = nil
		if len(rows) > 0 {
			err = u.store.Append(ctx, b.Physical, b.Schema, rows)
		}
	}
	if err != nil {
		return 0, err
	}
	logger.RecordAppend(b.Physical, len(rows))
	u.metrics.AddRows(string(b.Table), len(rows))
	return len(rows), nil
}
