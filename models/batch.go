package models

import (
	"github.com/golang-sql/civil"
)

// RawRecordBatch is a fetched payload before normalization. Header and
// Records keep the source column names and text values.
type RawRecordBatch struct {
	Table   Table
	URL     string
	Date    civil.Date
	Range   DateRange
	Symbol  string
	Header  []string
	Records [][]string
	Payload []byte
}

// Len returns the number of data records.
func (b *RawRecordBatch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Records)
}

// NormalizedBatch is a set of canonical rows bound for one physical table.
type NormalizedBatch struct {
	Table    Table
	Physical string
	Schema   *Schema
	Rows     []Row
}

// Len returns the number of rows.
func (b *NormalizedBatch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Rows)
}

// Span returns the date range covered by the batch.
func (b *NormalizedBatch) Span() DateRange {
	var span DateRange
	for i, r := range b.Rows {
		d := b.Schema.Date(r)
		if i == 0 || d.Before(span.Start) {
			span.Start = d
		}
		if i == 0 || d.After(span.End) {
			span.End = d
		}
	}
	return span
}

// RowSet is the result of a store query.
type RowSet struct {
	Schema *Schema
	Rows   []Row
}

// Len returns the number of rows.
func (s *RowSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Rows)
}

// Keys returns the set of uniqueness keys in the row set.
func (s *RowSet) Keys() map[string]Row {
	keys := make(map[string]Row, len(s.Rows))
	for _, r := range s.Rows {
		keys[s.Schema.KeyOf(r)] = r
	}
	return keys
}

// Predicate filters rows by date range and exact string column values.
type Predicate struct {
	Dates  *DateRange
	Equals map[string]string
}

// OnDate returns a predicate restricted to a single date.
func OnDate(d civil.Date) Predicate {
	return Predicate{Dates: &DateRange{Start: d, End: d}}
}

// With returns a copy of p with an added equality filter.
func (p Predicate) With(column, value string) Predicate {
	eq := make(map[string]string, len(p.Equals)+1)
	for k, v := range p.Equals {
		eq[k] = v
	}
	eq[column] = value
	p.Equals = eq
	return p
}

// Match reports whether row satisfies the predicate under schema s.
func (p Predicate) Match(s *Schema, row Row) bool {
	if p.Dates != nil && !p.Dates.Contains(s.Date(row)) {
		return false
	}
	for col, want := range p.Equals {
		i := s.Index(col)
		if i < 0 || FormatValue(row[i]) != want {
			return false
		}
	}
	return true
}
