package writer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-sql/civil"
	"github.com/xuri/excelize/v2"

	"bhavflow/logger"
	"bhavflow/models"
)

const recoverySheet = "Sheet1"

// RecoveryWriter dumps batches that could not be stored so an operator can
// inspect and replay them. Files are named <table>_<02-Jan-2006>.xlsx.
type RecoveryWriter struct {
	dir string
	log *logger.Log
}

// NewRecoveryWriter returns a writer rooted at dir. The directory is created
// on first write.
func NewRecoveryWriter(dir string) *RecoveryWriter {
	return &RecoveryWriter{dir: dir, log: logger.GetLogger()}
}

// path returns a free file name for table/date/ext. Earlier dumps for the
// same unit are kept and later ones get a numeric suffix.
func (w *RecoveryWriter) path(table string, date civil.Date, ext string) (string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("create recovery dir: %w", err)
	}
	stem := fmt.Sprintf("%s_%s", table, date.In(time.UTC).Format("02-Jan-2006"))
	p := filepath.Join(w.dir, stem+ext)
	for n := 2; ; n++ {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return p, nil
		}
		p = filepath.Join(w.dir, fmt.Sprintf("%s_%d%s", stem, n, ext))
	}
}

func writeSheet(path string, header []string, rows [][]any) error {
	f := excelize.NewFile()
	defer f.Close()

	head := make([]any, len(header))
	for i, h := range header {
		head[i] = h
	}
	if err := f.SetSheetRow(recoverySheet, "A1", &head); err != nil {
		return err
	}
	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(recoverySheet, cell, &r); err != nil {
			return err
		}
	}
	return f.SaveAs(path)
}

// WriteBatch saves normalized rows that failed to append.
func (w *RecoveryWriter) WriteBatch(table string, date civil.Date, schema *models.Schema, rows []models.Row) (string, error) {
	p, err := w.path(table, date, ".xlsx")
	if err != nil {
		return "", err
	}
	out := make([][]any, len(rows))
	for i, r := range rows {
		cells := make([]any, len(r))
		for j, v := range r {
			if f, ok := v.(float64); ok {
				cells[j] = f
				continue
			}
			cells[j] = models.FormatValue(v)
		}
		out[i] = cells
	}
	if err := writeSheet(p, schema.Names(), out); err != nil {
		return "", fmt.Errorf("write recovery sheet %s: %w", p, err)
	}
	w.log.WithComponent("recovery").WithFields(logger.Fields{
		"table":     table,
		"date":      date.String(),
		"row_count": len(rows),
		"path":      p,
	}).Warn("batch saved for recovery")
	return p, nil
}

// WriteRaw saves an unparseable payload verbatim, plus a sheet of its
// records when the payload was at least split into rows.
func (w *RecoveryWriter) WriteRaw(table string, date civil.Date, raw *models.RawRecordBatch, payload []byte) ([]string, error) {
	var written []string
	if len(payload) > 0 {
		p, err := w.path(table, date, ".raw")
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(p, payload, 0o644); err != nil {
			return nil, fmt.Errorf("write raw payload: %w", err)
		}
		written = append(written, p)
	}
	if raw != nil && len(raw.Header) > 0 {
		p, err := w.path(table, date, ".xlsx")
		if err != nil {
			return written, err
		}
		out := make([][]any, len(raw.Records))
		for i, rec := range raw.Records {
			cells := make([]any, len(rec))
			for j, v := range rec {
				cells[j] = v
			}
			out[i] = cells
		}
		if err := writeSheet(p, raw.Header, out); err != nil {
			return written, fmt.Errorf("write raw sheet %s: %w", p, err)
		}
		written = append(written, p)
	}
	if len(written) > 0 {
		w.log.WithComponent("recovery").WithFields(logger.Fields{
			"table": table,
			"date":  date.String(),
			"files": strings.Join(written, ","),
		}).Warn("raw payload saved for inspection")
	}
	return written, nil
}
