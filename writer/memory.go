package writer

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang-sql/civil"

	"bhavflow/models"
)

type memTable struct {
	rows []models.Row
	keys map[string]struct{}
}

// MemoryStore keeps tables in process memory. It backs -dry-run and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]*memTable
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string]*memTable)}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) TableExists(_ context.Context, table string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tables[table]
	return ok, nil
}

func (m *MemoryStore) MaxTimestamp(_ context.Context, table string, schema *models.Schema, p models.Predicate) (civil.Date, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[table]
	if !ok {
		return civil.Date{}, false, nil
	}
	return maxMatching(schema, t.rows, p)
}

func (m *MemoryStore) Query(_ context.Context, table string, schema *models.Schema, p models.Predicate) (*models.RowSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := &models.RowSet{Schema: schema}
	if t, ok := m.tables[table]; ok {
		out.Rows = filterRows(schema, t.rows, p)
	}
	return out, nil
}

func (m *MemoryStore) Append(_ context.Context, table string, schema *models.Schema, rows []models.Row) error {
	keys, err := checkRows(table, schema, rows)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(table)
	for _, k := range keys {
		if _, dup := t.keys[k]; dup {
			return fmt.Errorf("%s: %w %s", table, ErrDuplicateKey, k)
		}
	}
	for i, r := range rows {
		t.rows = append(t.rows, r)
		t.keys[keys[i]] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) Replace(_ context.Context, table string, schema *models.Schema, date civil.Date, rows []models.Row) error {
	keys, err := checkRows(table, schema, rows)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if schema.Date(r) != date {
			return fmt.Errorf("%s: %w: row dated %s in replacement for %s", table, ErrSchemaMismatch, schema.Date(r), date)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(table)
	kept := t.rows[:0:0]
	t.keys = make(map[string]struct{}, len(t.rows))
	for _, r := range t.rows {
		if schema.Date(r) == date {
			continue
		}
		kept = append(kept, r)
		t.keys[schema.KeyOf(r)] = struct{}{}
	}
	for i, r := range rows {
		kept = append(kept, r)
		t.keys[keys[i]] = struct{}{}
	}
	t.rows = kept
	return nil
}

func (m *MemoryStore) Drop(_ context.Context, table string) error {
	m.mu.Lock()
	delete(m.tables, table)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) table(name string) *memTable {
	t, ok := m.tables[name]
	if !ok {
		t = &memTable{keys: make(map[string]struct{})}
		m.tables[name] = t
	}
	return t
}

func filterRows(schema *models.Schema, rows []models.Row, p models.Predicate) []models.Row {
	var out []models.Row
	for _, r := range rows {
		if p.Match(schema, r) {
			out = append(out, r)
		}
	}
	return out
}

func maxMatching(schema *models.Schema, rows []models.Row, p models.Predicate) (civil.Date, bool, error) {
	var (
		max   civil.Date
		found bool
	)
	for _, r := range rows {
		if !p.Match(schema, r) {
			continue
		}
		if d := schema.Date(r); !found || d.After(max) {
			max, found = d, true
		}
	}
	return max, found, nil
}
