package models

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-sql/civil"
)

// ColumnKind is the semantic type of a canonical column.
type ColumnKind int

const (
	KindString ColumnKind = iota
	KindFloat
	KindDate
)

func (k ColumnKind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindDate:
		return "date"
	default:
		return "string"
	}
}

// Column is a single canonical column.
type Column struct {
	Name string
	Kind ColumnKind
}

// Schema is the ordered canonical column list of a logical table together
// with its uniqueness key. Columns listed in Required must be present in a
// source payload; the rest default to their zero value.
type Schema struct {
	Table    Table
	Columns  []Column
	Key      []string
	Required []string
}

// Row holds one record with values aligned to Schema.Columns: civil.Date for
// date columns, string for string columns and float64 for float columns.
type Row []any

// Names returns the column names in canonical order.
func (s *Schema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Index returns the position of the named column or -1.
func (s *Schema) Index(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Zero returns the zero value for the column at position i.
func (s *Schema) Zero(i int) any {
	switch s.Columns[i].Kind {
	case KindFloat:
		return float64(0)
	case KindDate:
		return civil.Date{}
	default:
		return ""
	}
}

// Date returns the TIMESTAMP value of row.
func (s *Schema) Date(row Row) civil.Date {
	d, _ := row[s.Index("TIMESTAMP")].(civil.Date)
	return d
}

// String returns the string value of the named column, empty when absent.
func (s *Schema) String(row Row, name string) string {
	i := s.Index(name)
	if i < 0 {
		return ""
	}
	return FormatValue(row[i])
}

// KeyOf renders the uniqueness key of row as a comparable string.
func (s *Schema) KeyOf(row Row) string {
	parts := make([]string, len(s.Key))
	for i, name := range s.Key {
		parts[i] = FormatValue(row[s.Index(name)])
	}
	return strings.Join(parts, "|")
}

// Check verifies that row matches the schema's width and value kinds.
func (s *Schema) Check(row Row) error {
	if len(row) != len(s.Columns) {
		return fmt.Errorf("%s: row has %d values, schema has %d columns", s.Table, len(row), len(s.Columns))
	}
	for i, c := range s.Columns {
		ok := false
		switch c.Kind {
		case KindDate:
			_, ok = row[i].(civil.Date)
		case KindFloat:
			_, ok = row[i].(float64)
		default:
			_, ok = row[i].(string)
		}
		if !ok {
			return fmt.Errorf("%s: column %s expects %s, got %T", s.Table, c.Name, c.Kind, row[i])
		}
	}
	return nil
}

// Equal reports whether two rows carry the same values.
func Equal(a, b Row) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if FormatValue(a[i]) != FormatValue(b[i]) {
			return false
		}
	}
	return true
}

// FormatValue renders a row value the way keys, recovery sheets and the
// query tool print it.
func FormatValue(v any) string {
	switch x := v.(type) {
	case civil.Date:
		if !x.IsValid() {
			return ""
		}
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case string:
		return x
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}
