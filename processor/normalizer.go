package processor

import (
	"errors"
	"fmt"
	"strings"

	"bhavflow/logger"
	"bhavflow/models"
)

// ErrParse marks a payload that was retrieved but cannot be read as the
// table's schema.
var ErrParse = errors.New("parse failure")

// defaultSymbols fills SYMBOL for tables whose payload carries none.
var defaultSymbols = map[models.Table]string{
	models.TableVIX: "INDIAVIX",
}

// Normalizer canonicalizes raw batches using a list of alias versions.
type Normalizer struct {
	versions []AliasVersion
	log      *logger.Log
}

// NewNormalizer returns a Normalizer over versions. A nil list uses
// AliasVersions.
func NewNormalizer(versions []AliasVersion) *Normalizer {
	if versions == nil {
		versions = AliasVersions
	}
	return &Normalizer{versions: versions, log: logger.GetLogger()}
}

var defaultNormalizer = NewNormalizer(nil)

// Normalize canonicalizes raw with the default alias versions.
func Normalize(raw *models.RawRecordBatch, table models.Table) (*models.NormalizedBatch, error) {
	return defaultNormalizer.Normalize(raw, table)
}

// Normalize maps raw onto the canonical schema of table. It returns nil
// without error when no row survives filtering. Errors wrap ErrParse.
func (n *Normalizer) Normalize(raw *models.RawRecordBatch, table models.Table) (*models.NormalizedBatch, error) {
	schema := table.Schema()
	if schema == nil {
		return nil, fmt.Errorf("%w: unknown table %q", ErrParse, table)
	}
	if raw == nil || len(raw.Header) == 0 {
		return nil, nil
	}

	aliases := resolveAliases(n.versions, table, raw.Header)
	source := make(map[string]int, len(raw.Header))
	for i, h := range raw.Header {
		name := aliases.canonical(h)
		if _, dup := source[name]; !dup {
			source[name] = i
		}
	}

	symbol := strings.TrimSpace(raw.Symbol)
	if symbol == "" {
		symbol = defaultSymbols[table]
	}
	for _, req := range schema.Required {
		if _, ok := source[req]; ok {
			continue
		}
		return nil, fmt.Errorf("%w: %s payload lacks column %s (header %v)", ErrParse, table, req, raw.Header)
	}
	if _, ok := source["SYMBOL"]; !ok && symbol == "" {
		return nil, fmt.Errorf("%w: %s payload has no SYMBOL column and no symbol was given", ErrParse, table)
	}

	log := n.log.WithComponent("normalizer").WithFields(logger.Fields{
		"table":    string(table),
		"versions": strings.Join(aliases.names, ","),
		"records":  len(raw.Records),
	})

	rows := make([]models.Row, 0, len(raw.Records))
	seen := make(map[string]struct{}, len(raw.Records))
	dropped := 0
	for line, rec := range raw.Records {
		if blank(rec) {
			continue
		}
		row, err := n.buildRow(schema, aliases, source, rec, symbol)
		if err != nil {
			return nil, fmt.Errorf("%w: %s record %d: %v", ErrParse, table, line+1, err)
		}
		if !keep(table, schema, row) {
			continue
		}
		key := schema.KeyOf(row)
		if _, dup := seen[key]; dup {
			dropped++
			continue
		}
		seen[key] = struct{}{}
		rows = append(rows, row)
	}

	if dropped > 0 {
		log.WithFields(logger.Fields{"dropped": dropped}).Warn("dropped duplicate keys within batch")
	}
	if len(rows) == 0 {
		log.Debug("batch empty after filtering")
		return nil, nil
	}
	log.WithFields(logger.Fields{"rows": len(rows)}).Debug("batch normalized")

	return &models.NormalizedBatch{
		Table:    table,
		Physical: string(table),
		Schema:   schema,
		Rows:     rows,
	}, nil
}

func (n *Normalizer) buildRow(schema *models.Schema, aliases *aliasSet, source map[string]int, rec []string, symbol string) (models.Row, error) {
	row := make(models.Row, len(schema.Columns))
	for i, col := range schema.Columns {
		idx, ok := source[col.Name]
		value := ""
		if ok && idx < len(rec) {
			value = strings.TrimSpace(rec[idx])
		}
		switch col.Kind {
		case models.KindDate:
			if !ok {
				row[i] = schema.Zero(i)
				continue
			}
			d, err := ParseDate(value)
			if err != nil {
				return nil, fmt.Errorf("column %s: %v", col.Name, err)
			}
			row[i] = d
		case models.KindFloat:
			f := ParseNumber(value)
			if d, ok := aliases.divide[col.Name]; ok && d != 0 {
				f /= d
			}
			row[i] = f
		default:
			if col.Name == "SYMBOL" && !ok {
				value = symbol
			}
			if m, ok := aliases.values[col.Name]; ok {
				if mapped, ok := m[value]; ok {
					value = mapped
				}
			}
			row[i] = value
		}
	}
	return row, nil
}

// keep applies per-table row filters and fills defaults that depend on
// other columns.
func keep(table models.Table, schema *models.Schema, row models.Row) bool {
	switch table {
	case models.TableEquity:
		return schema.String(row, "SERIES") == "EQ"
	case models.TableDerivatives:
		i := schema.Index("OPTION_TYP")
		if row[i] == "" && strings.HasPrefix(schema.String(row, "INSTRUMENT"), "FUT") {
			row[i] = "XX"
		}
	}
	return true
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
