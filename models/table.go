package models

import (
	"fmt"
	"strings"
)

// Table identifies one of the logical tables maintained by bhavflow. The value
// doubles as the default physical table name in the store.
type Table string

const (
	TableIndex       Table = "idx"
	TableVIX         Table = "vix"
	TableEquity      Table = "spot"
	TableDerivatives Table = "fno"
)

// AllTables lists the logical tables in the order a full update runs them.
var AllTables = []Table{TableEquity, TableDerivatives, TableIndex, TableVIX}

var tableAliases = map[string]Table{
	"idx":         TableIndex,
	"index":       TableIndex,
	"vix":         TableVIX,
	"volatility":  TableVIX,
	"spot":        TableEquity,
	"stk":         TableEquity,
	"eq":          TableEquity,
	"equity":      TableEquity,
	"fno":         TableDerivatives,
	"fo":          TableDerivatives,
	"derivatives": TableDerivatives,
}

// ParseTable resolves a table name or one of its aliases.
func ParseTable(name string) (Table, error) {
	if t, ok := tableAliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown table %q", name)
}

func (t Table) String() string { return string(t) }

// Daily reports whether the table is fetched one archive per business day
// (bhavcopies) rather than by date windows (index levels).
func (t Table) Daily() bool {
	return t == TableEquity || t == TableDerivatives
}

// Schema returns the canonical schema of the table.
func (t Table) Schema() *Schema {
	switch t {
	case TableIndex:
		return indexSchema
	case TableVIX:
		return vixSchema
	case TableEquity:
		return equitySchema
	case TableDerivatives:
		return derivativesSchema
	default:
		return nil
	}
}

var indexSchema = &Schema{
	Table: TableIndex,
	Columns: []Column{
		{Name: "TIMESTAMP", Kind: KindDate},
		{Name: "SYMBOL", Kind: KindString},
		{Name: "OPEN", Kind: KindFloat},
		{Name: "HIGH", Kind: KindFloat},
		{Name: "LOW", Kind: KindFloat},
		{Name: "CLOSE", Kind: KindFloat},
		{Name: "VOLUME", Kind: KindFloat},
		{Name: "TURNOVER", Kind: KindFloat},
	},
	Key:      []string{"TIMESTAMP", "SYMBOL"},
	Required: []string{"TIMESTAMP", "OPEN", "HIGH", "LOW", "CLOSE"},
}

var vixSchema = &Schema{
	Table: TableVIX,
	Columns: []Column{
		{Name: "TIMESTAMP", Kind: KindDate},
		{Name: "SYMBOL", Kind: KindString},
		{Name: "OPEN", Kind: KindFloat},
		{Name: "HIGH", Kind: KindFloat},
		{Name: "LOW", Kind: KindFloat},
		{Name: "CLOSE", Kind: KindFloat},
		{Name: "PCLOSE", Kind: KindFloat},
		{Name: "CHANGE", Kind: KindFloat},
		{Name: "PERCENTAGE_CHANGE", Kind: KindFloat},
	},
	Key:      []string{"TIMESTAMP", "SYMBOL"},
	Required: []string{"TIMESTAMP", "OPEN", "HIGH", "LOW", "CLOSE"},
}

var equitySchema = &Schema{
	Table: TableEquity,
	Columns: []Column{
		{Name: "TIMESTAMP", Kind: KindDate},
		{Name: "SYMBOL", Kind: KindString},
		{Name: "SERIES", Kind: KindString},
		{Name: "OPEN", Kind: KindFloat},
		{Name: "HIGH", Kind: KindFloat},
		{Name: "LOW", Kind: KindFloat},
		{Name: "CLOSE", Kind: KindFloat},
		{Name: "LAST", Kind: KindFloat},
		{Name: "PREVCLOSE", Kind: KindFloat},
		{Name: "TOTTRDQTY", Kind: KindFloat},
		{Name: "TOTTRDVAL", Kind: KindFloat},
		{Name: "TOTALTRADES", Kind: KindFloat},
	},
	Key:      []string{"TIMESTAMP", "SYMBOL", "SERIES"},
	Required: []string{"TIMESTAMP", "SYMBOL", "SERIES", "OPEN", "HIGH", "LOW", "CLOSE"},
}

var derivativesSchema = &Schema{
	Table: TableDerivatives,
	Columns: []Column{
		{Name: "TIMESTAMP", Kind: KindDate},
		{Name: "INSTRUMENT", Kind: KindString},
		{Name: "SYMBOL", Kind: KindString},
		{Name: "EXPIRY_DT", Kind: KindDate},
		{Name: "STRIKE_PR", Kind: KindFloat},
		{Name: "OPTION_TYP", Kind: KindString},
		{Name: "OPEN", Kind: KindFloat},
		{Name: "HIGH", Kind: KindFloat},
		{Name: "LOW", Kind: KindFloat},
		{Name: "CLOSE", Kind: KindFloat},
		{Name: "SETTLE_PR", Kind: KindFloat},
		{Name: "CONTRACTS", Kind: KindFloat},
		{Name: "VAL_INLAKH", Kind: KindFloat},
		{Name: "OPEN_INT", Kind: KindFloat},
		{Name: "CHG_IN_OI", Kind: KindFloat},
	},
	Key:      []string{"TIMESTAMP", "SYMBOL", "INSTRUMENT", "EXPIRY_DT", "STRIKE_PR", "OPTION_TYP"},
	Required: []string{"TIMESTAMP", "INSTRUMENT", "SYMBOL", "EXPIRY_DT", "STRIKE_PR", "OPTION_TYP", "CLOSE"},
}
