package processor

import (
	"sort"

	"github.com/samber/lo"

	"bhavflow/models"
)

// Partitioner routes rows of a logical table to physical tables by SYMBOL.
// Symbols without an entry stay in the base table.
type Partitioner struct {
	Base    string
	Symbols map[string]string
}

// NewPartitioner returns a Partitioner for table. A nil or empty symbol map
// keeps every row in the base table.
func NewPartitioner(table models.Table, symbols map[string]string) Partitioner {
	return Partitioner{Base: string(table), Symbols: symbols}
}

// TableFor returns the physical table that stores rows of symbol.
func (p Partitioner) TableFor(symbol string) string {
	if t, ok := p.Symbols[symbol]; ok && t != "" {
		return t
	}
	return p.Base
}

// Tables lists the base table followed by the partition tables, sorted.
func (p Partitioner) Tables() []string {
	extra := lo.Uniq(lo.Values(p.Symbols))
	extra = lo.Filter(extra, func(t string, _ int) bool { return t != "" && t != p.Base })
	sort.Strings(extra)
	return append([]string{p.Base}, extra...)
}

// Split divides batch into one batch per physical table, in Tables order.
// Empty partitions are omitted.
func (p Partitioner) Split(batch *models.NormalizedBatch) []*models.NormalizedBatch {
	if batch == nil || len(batch.Rows) == 0 {
		return nil
	}
	if len(p.Symbols) == 0 {
		return []*models.NormalizedBatch{batch}
	}
	groups := lo.GroupBy(batch.Rows, func(r models.Row) string {
		return p.TableFor(batch.Schema.String(r, "SYMBOL"))
	})
	var out []*models.NormalizedBatch
	for _, name := range p.Tables() {
		rows, ok := groups[name]
		if !ok {
			continue
		}
		out = append(out, &models.NormalizedBatch{
			Table:    batch.Table,
			Physical: name,
			Schema:   batch.Schema,
			Rows:     rows,
		})
	}
	return out
}
