package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-sql/civil"

	"bhavflow/config"
	"bhavflow/logger"
	"bhavflow/models"
	"bhavflow/processor"
	"bhavflow/writer"
)

// ErrStorageUnavailable marks a store that could not be queried while
// planning. It aborts the run.
var ErrStorageUnavailable = errors.New("storage unavailable")

// Plan is the work left for one table (or one index of idx).
type Plan struct {
	Table        models.Table
	Symbol       string
	Range        models.DateRange
	ChunkDays    int
	Chunks       []models.DateRange
	BusinessDays []civil.Date
	// Last is the latest stored date the plan resumes from; zero when the
	// table was empty.
	Last civil.Date
}

// NeedsChunking reports whether the range is wider than one upstream window
// and must be fetched chunk by chunk.
func (p *Plan) NeedsChunking() bool {
	return p.ChunkDays > 0 && p.Range.Days() > p.ChunkDays
}

func (p *Plan) String() string {
	s := fmt.Sprintf("%s %s", p.Table, p.Range)
	if p.Symbol != "" {
		s = fmt.Sprintf("%s[%s] %s", p.Table, p.Symbol, p.Range)
	}
	return s
}

// Marker is the physical table and filter whose latest TIMESTAMP marks how far
// a table has been loaded.
type Marker struct {
	Physical  string
	Predicate models.Predicate
}

// Planner computes the next range to fetch from what the store holds.
type Planner struct {
	store     writer.Store
	tables    config.TablesConfig
	chunkDays int
	loc       *time.Location
	now       func() time.Time
	log       *logger.Log
}

type Option func(*Planner)

// WithClock overrides the wall clock used to determine today.
func WithClock(now func() time.Time) Option {
	return func(p *Planner) { p.now = now }
}

// New returns a Planner over store configured by cfg.
func New(store writer.Store, cfg *config.Config, opts ...Option) (*Planner, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	p := &Planner{
		store:     store,
		tables:    cfg.Tables,
		chunkDays: cfg.Source.ChunkDays,
		loc:       loc,
		now:       time.Now,
		log:       logger.GetLogger(),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Today returns the current date in the exchange time zone.
func (p *Planner) Today() civil.Date {
	return models.Today(p.now(), p.loc)
}

// IndexSymbols lists the configured idx symbols in load order.
func (p *Planner) IndexSymbols() []string {
	out := make([]string, len(p.tables.Index.Indices))
	for i, idx := range p.tables.Index.Indices {
		out[i] = idx.Symbol
	}
	return out
}

// Start returns the first date the table is loaded from.
func (p *Planner) Start(table models.Table) (civil.Date, error) {
	var s string
	switch table {
	case models.TableIndex:
		s = p.tables.Index.Start
	case models.TableVIX:
		s = p.tables.VIX.Start
	case models.TableEquity:
		s = p.tables.Equity.Start
	case models.TableDerivatives:
		s = p.tables.Derivatives.Start
	default:
		return civil.Date{}, fmt.Errorf("unknown table %q", table)
	}
	d, err := civil.ParseDate(s)
	if err != nil {
		return civil.Date{}, fmt.Errorf("tables.%s.start: %w", table, err)
	}
	return d, nil
}

// Partitioner returns the physical layout of table.
func (p *Planner) Partitioner(table models.Table) processor.Partitioner {
	if table == models.TableDerivatives && p.tables.Derivatives.PartitionBySymbol {
		return processor.NewPartitioner(table, p.tables.Derivatives.Partitions)
	}
	return processor.NewPartitioner(table, nil)
}

// MarkerFor returns where the load progress of table (and symbol, for idx)
// is read. Derivatives progress is the NIFTY index future, which trades on
// every session.
func (p *Planner) MarkerFor(table models.Table, symbol string) Marker {
	switch table {
	case models.TableDerivatives:
		return Marker{
			Physical:  p.Partitioner(table).TableFor("NIFTY"),
			Predicate: models.Predicate{}.With("SYMBOL", "NIFTY").With("INSTRUMENT", "FUTIDX"),
		}
	case models.TableIndex:
		if symbol != "" {
			return Marker{Physical: string(table), Predicate: models.Predicate{}.With("SYMBOL", symbol)}
		}
	}
	return Marker{Physical: string(table)}
}

// LastStored returns the latest stored date for table/symbol.
func (p *Planner) LastStored(ctx context.Context, table models.Table, symbol string) (civil.Date, bool, error) {
	marker := p.MarkerFor(table, symbol)
	last, ok, err := p.store.MaxTimestamp(ctx, marker.Physical, table.Schema(), marker.Predicate)
	if err != nil {
		return civil.Date{}, false, fmt.Errorf("%w: max timestamp of %s: %v", ErrStorageUnavailable, marker.Physical, err)
	}
	return last, ok, nil
}

// PlanNext returns the range still missing from table, or nil when the table
// is up to date.
func (p *Planner) PlanNext(ctx context.Context, table models.Table) (*Plan, error) {
	return p.plan(ctx, table, "")
}

// PlanIndex plans a single index of the idx table.
func (p *Planner) PlanIndex(ctx context.Context, symbol string) (*Plan, error) {
	return p.plan(ctx, models.TableIndex, symbol)
}

func (p *Planner) plan(ctx context.Context, table models.Table, symbol string) (*Plan, error) {
	start, err := p.Start(table)
	if err != nil {
		return nil, err
	}
	last, ok, err := p.LastStored(ctx, table, symbol)
	if err != nil {
		return nil, err
	}
	if ok {
		start = last.AddDays(1)
	}
	plan, err := p.PlanRange(table, start, p.Today())
	if err != nil || plan == nil {
		return nil, err
	}
	plan.Symbol = symbol
	plan.Last = last

	log := p.log.WithComponent("planner").WithFields(logger.Fields{
		"table":         string(table),
		"range":         plan.Range.String(),
		"business_days": len(plan.BusinessDays),
		"chunks":        len(plan.Chunks),
	})
	if symbol != "" {
		log = log.WithFields(logger.Fields{"symbol": symbol})
	}
	if plan.NeedsChunking() {
		log.Info("range spans multiple upstream windows")
	} else {
		log.Debug("planned range")
	}
	return plan, nil
}

// PlanRange builds the plan for an explicit range. It returns nil when the
// range is empty or holds no business day.
func (p *Planner) PlanRange(table models.Table, start, end civil.Date) (*Plan, error) {
	if end.Before(start) {
		return nil, nil
	}
	r, err := models.NewDateRange(start, end)
	if err != nil {
		return nil, err
	}
	days := r.BusinessDays()
	if len(days) == 0 {
		return nil, nil
	}
	return &Plan{
		Table:        table,
		Range:        r,
		ChunkDays:    p.chunkDays,
		Chunks:       r.Chunks(p.chunkDays),
		BusinessDays: days,
	}, nil
}
