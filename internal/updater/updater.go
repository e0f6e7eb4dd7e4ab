package updater

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-sql/civil"
	"github.com/google/uuid"

	"bhavflow/config"
	"bhavflow/internal/metrics"
	"bhavflow/internal/planner"
	"bhavflow/logger"
	"bhavflow/models"
	"bhavflow/processor"
	"bhavflow/reader/nse"
	"bhavflow/writer"
)

// Fetcher retrieves one unit of upstream data.
type Fetcher interface {
	Fetch(ctx context.Context, req nse.Request) nse.FetchResult
}

// Updater drives planning, fetching, normalization and storage for the
// four logical tables. Units run one after another.
type Updater struct {
	store      writer.Store
	fetcher    Fetcher
	planner    *planner.Planner
	normalizer *processor.Normalizer
	recovery   *writer.RecoveryWriter
	metrics    *metrics.Metrics
	indices    []config.IndexSpec
	log        *logger.Log
}

type Option func(*Updater)

// WithMetrics records unit outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(u *Updater) { u.metrics = m }
}

// WithNormalizer replaces the default alias table.
func WithNormalizer(n *processor.Normalizer) Option {
	return func(u *Updater) { u.normalizer = n }
}

// New wires an Updater from its collaborators.
func New(cfg *config.Config, store writer.Store, fetcher Fetcher, p *planner.Planner, opts ...Option) *Updater {
	u := &Updater{
		store:      store,
		fetcher:    fetcher,
		planner:    p,
		normalizer: processor.NewNormalizer(processor.AliasVersions),
		recovery:   writer.NewRecoveryWriter(cfg.Recovery.Dir),
		indices:    cfg.Tables.Index.Indices,
		log:        logger.GetLogger(),
	}
	for _, o := range opts {
		o(u)
	}
	return u
}

// Check verifies the store can be reached.
func (u *Updater) Check(ctx context.Context) error {
	if err := u.store.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", planner.ErrStorageUnavailable, err)
	}
	return nil
}

func (u *Updater) finish(r *Report) *Report {
	r.Finished = time.Now()
	r.log(u.log)
	u.metrics.MarkRun(r.Finished)
	return r
}

// UpdateToDate loads everything missing from table up to today.
func (u *Updater) UpdateToDate(ctx context.Context, table models.Table) (*Report, error) {
	if err := u.Check(ctx); err != nil {
		return nil, err
	}
	r := newReport(uuid.NewString(), table)

	if table == models.TableIndex {
		for _, idx := range u.indices {
			plan, err := u.planner.PlanIndex(ctx, idx.Symbol)
			if err != nil {
				return nil, err
			}
			if plan == nil {
				continue
			}
			r.widen(plan.Range)
			if err := u.runWindows(ctx, r, plan, idx); err != nil {
				return u.finish(r), err
			}
		}
		return u.finish(r), nil
	}

	plan, err := u.planner.PlanNext(ctx, table)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		u.log.WithComponent("updater").WithFields(logger.Fields{"table": string(table)}).Info("table is up to date")
		return u.finish(r), nil
	}
	r.widen(plan.Range)
	err = u.run(ctx, r, plan)
	return u.finish(r), err
}

// UpdateBetween loads the explicit range [start, end], start included. Units
// already present are skipped, so the call is safe over loaded dates.
func (u *Updater) UpdateBetween(ctx context.Context, table models.Table, start, end civil.Date) (*Report, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("invalid range %s..%s", start, end)
	}
	if err := u.Check(ctx); err != nil {
		return nil, err
	}
	r := newReport(uuid.NewString(), table)
	plan, err := u.planner.PlanRange(table, start, end)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return u.finish(r), nil
	}
	r.widen(plan.Range)
	if table != models.TableIndex {
		err = u.run(ctx, r, plan)
		return u.finish(r), err
	}
	for _, idx := range u.indices {
		p := *plan
		p.Symbol = idx.Symbol
		if err := u.runWindows(ctx, r, &p, idx); err != nil {
			return u.finish(r), err
		}
	}
	return u.finish(r), nil
}

// RebuildFrom drops every physical table of table and reloads it from start
// (the configured start date when start is zero) up to today.
func (u *Updater) RebuildFrom(ctx context.Context, table models.Table, start civil.Date) (*Report, error) {
	if err := u.Check(ctx); err != nil {
		return nil, err
	}
	if !start.IsValid() {
		s, err := u.planner.Start(table)
		if err != nil {
			return nil, err
		}
		start = s
	}
	for _, physical := range u.planner.Partitioner(table).Tables() {
		if err := u.store.Drop(ctx, physical); err != nil {
			return nil, fmt.Errorf("%w: drop %s: %v", planner.ErrStorageUnavailable, physical, err)
		}
		u.log.WithComponent("updater").WithFields(logger.Fields{"table": physical}).Warn("table dropped for rebuild")
	}
	return u.UpdateBetween(ctx, table, start, u.planner.Today())
}

// UpdateAll brings each table up to date. A StorageUnavailable error stops
// the run; the reports gathered so far are returned with it.
func (u *Updater) UpdateAll(ctx context.Context, tables ...models.Table) ([]*Report, error) {
	if len(tables) == 0 {
		tables = models.AllTables
	}
	var reports []*Report
	for _, t := range tables {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		r, err := u.UpdateToDate(ctx, t)
		if err != nil {
			if ctx.Err() != nil {
				if r != nil {
					reports = append(reports, r)
				}
				return reports, err
			}
			if errors.Is(err, planner.ErrStorageUnavailable) {
				return reports, err
			}
			u.log.WithComponent("updater").WithError(err).WithFields(logger.Fields{"table": string(t)}).Error("table update failed")
			r = newReport("", t)
			r.Failed = append(r.Failed, Failure{Unit: string(t), Kind: FailStorage, Reason: err.Error()})
			r.Finished = time.Now()
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// run processes the units of plan for a table without indices.
func (u *Updater) run(ctx context.Context, r *Report, plan *planner.Plan) error {
	if plan.Table.Daily() {
		return u.runDays(ctx, r, plan)
	}
	return u.runWindows(ctx, r, plan, config.IndexSpec{})
}
