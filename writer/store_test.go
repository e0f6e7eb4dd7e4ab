package writer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang-sql/civil"

	appconfig "bhavflow/config"
	"bhavflow/models"
)

func d(day int) civil.Date { return civil.Date{Year: 2024, Month: 1, Day: day} }

func futRow(day int, symbol string, close float64) models.Row {
	return models.Row{d(day), "FUTIDX", symbol, d(25), 0.0, "XX", 1.0, 2.0, 0.5, close, close, 10.0, 100.0, 1000.0, -5.0}
}

func idxRow(day int, symbol string, close float64) models.Row {
	return models.Row{d(day), symbol, 1.0, 2.0, 0.5, close, 100.0, 10.0}
}

type storeFactory func(t *testing.T) Store

func stores() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"parquet": func(t *testing.T) Store {
			s, err := newParquetStore(t.TempDir(), appconfig.ParquetConfig{Compression: "snappy"}, nil)
			if err != nil {
				t.Fatalf("parquet store: %v", err)
			}
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLStore(context.Background(), DialectSQLite, filepath.Join(t.TempDir(), "bhav.db"))
			if err != nil {
				t.Fatalf("sqlite store: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func TestStoreAppendQueryMax(t *testing.T) {
	schema := models.TableDerivatives.Schema()
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			if ok, err := s.TableExists(ctx, "fno_nifty"); err != nil || ok {
				t.Fatalf("expected missing table, got %v %v", ok, err)
			}
			if _, ok, err := s.MaxTimestamp(ctx, "fno_nifty", schema, models.Predicate{}); err != nil || ok {
				t.Fatalf("expected no max on missing table, got %v %v", ok, err)
			}

			if err := s.Append(ctx, "fno_nifty", schema, []models.Row{futRow(10, "NIFTY", 100), futRow(11, "NIFTY", 101)}); err != nil {
				t.Fatalf("append: %v", err)
			}
			if ok, _ := s.TableExists(ctx, "fno_nifty"); !ok {
				t.Fatalf("expected table to exist after append")
			}

			max, ok, err := s.MaxTimestamp(ctx, "fno_nifty", schema, models.Predicate{}.With("SYMBOL", "NIFTY"))
			if err != nil || !ok || max != d(11) {
				t.Fatalf("unexpected max %v %v %v", max, ok, err)
			}

			rs, err := s.Query(ctx, "fno_nifty", schema, models.OnDate(d(10)).With("INSTRUMENT", "FUTIDX"))
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if rs.Len() != 1 || !models.Equal(rs.Rows[0], futRow(10, "NIFTY", 100)) {
				t.Fatalf("unexpected rows %v", rs.Rows)
			}
		})
	}
}

func TestStoreRejectsDuplicateKeys(t *testing.T) {
	schema := models.TableIndex.Schema()
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			if err := s.Append(ctx, "idx", schema, []models.Row{idxRow(10, "NIFTY", 1)}); err != nil {
				t.Fatalf("append: %v", err)
			}
			err := s.Append(ctx, "idx", schema, []models.Row{idxRow(11, "NIFTY", 2), idxRow(10, "NIFTY", 3)})
			if !errors.Is(err, ErrDuplicateKey) {
				t.Fatalf("expected duplicate key, got %v", err)
			}
			rs, _ := s.Query(ctx, "idx", schema, models.Predicate{})
			if rs.Len() != 1 {
				t.Fatalf("failed append must not write rows, got %d", rs.Len())
			}
		})
	}
}

func TestStoreRejectsSchemaMismatch(t *testing.T) {
	schema := models.TableIndex.Schema()
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			err := open(t).Append(context.Background(), "idx", schema, []models.Row{{d(10), "NIFTY"}})
			if !errors.Is(err, ErrSchemaMismatch) {
				t.Fatalf("expected schema mismatch, got %v", err)
			}
		})
	}
}

func TestStoreReplaceAndDrop(t *testing.T) {
	schema := models.TableIndex.Schema()
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			rows := []models.Row{idxRow(10, "NIFTY", 1), idxRow(11, "NIFTY", 2), idxRow(12, "NIFTY", 3)}
			if err := s.Append(ctx, "idx", schema, rows); err != nil {
				t.Fatalf("append: %v", err)
			}
			if err := s.Replace(ctx, "idx", schema, d(11), []models.Row{idxRow(11, "NIFTY", 20)}); err != nil {
				t.Fatalf("replace: %v", err)
			}
			rs, err := s.Query(ctx, "idx", schema, models.Predicate{})
			if err != nil || rs.Len() != 3 {
				t.Fatalf("expected 3 rows after replace, got %v %v", rs, err)
			}
			got := rs.Keys()[schema.KeyOf(idxRow(11, "NIFTY", 0))]
			if got == nil || got[5] != 20.0 {
				t.Fatalf("replacement not visible: %v", got)
			}

			if err := s.Drop(ctx, "idx"); err != nil {
				t.Fatalf("drop: %v", err)
			}
			if ok, _ := s.TableExists(ctx, "idx"); ok {
				t.Fatalf("expected table to be gone")
			}
		})
	}
}

func TestParquetStoreReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	schema := models.TableDerivatives.Schema()

	s, err := newParquetStore(dir, appconfig.ParquetConfig{Compression: "gzip"}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Append(ctx, "fno", schema, []models.Row{futRow(10, "RELIANCE", 2500.5)}); err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, _ := os.ReadDir(filepath.Join(dir, "fno"))
	if len(entries) != 1 || filepath.Ext(entries[0].Name()) != ".parquet" {
		t.Fatalf("expected one committed part, got %v", entries)
	}
	if span, err := parseSpan(entries[0].Name()); err != nil || span.Start != d(10) || span.End != d(10) {
		t.Fatalf("unexpected part name %s: %v", entries[0].Name(), err)
	}

	reopened, err := newParquetStore(dir, appconfig.ParquetConfig{}, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	rs, err := reopened.Query(ctx, "fno", schema, models.Predicate{})
	if err != nil || rs.Len() != 1 {
		t.Fatalf("expected persisted row, got %v %v", rs, err)
	}
	if !models.Equal(rs.Rows[0], futRow(10, "RELIANCE", 2500.5)) {
		t.Fatalf("row changed across reopen: %v", rs.Rows[0])
	}
	if err := reopened.Append(ctx, "fno", schema, []models.Row{futRow(10, "RELIANCE", 1)}); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected duplicate key after reopen, got %v", err)
	}
}

func partFor(t *testing.T, dir string, day int) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, d(day).String()+"_*.parquet"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one part for %s, got %v %v", d(day), matches, err)
	}
	return matches[0]
}

func TestParquetStoreDecodesOnlyOverlappingParts(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	schema := models.TableIndex.Schema()

	s, err := newParquetStore(dir, appconfig.ParquetConfig{}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, day := range []int{10, 11} {
		if err := s.Append(ctx, "idx", schema, []models.Row{idxRow(day, "NIFTY", float64(day))}); err != nil {
			t.Fatalf("append %d: %v", day, err)
		}
	}

	reopened, err := newParquetStore(dir, appconfig.ParquetConfig{}, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	nifty := models.Predicate{}.With("SYMBOL", "NIFTY")
	if max, ok, err := reopened.MaxTimestamp(ctx, "idx", schema, nifty); err != nil || !ok || max != d(11) {
		t.Fatalf("unexpected max %v %v %v", max, ok, err)
	}

	// The older part can no longer be read; calls that do not need it must not notice.
	if err := os.Remove(partFor(t, filepath.Join(dir, "idx"), 10)); err != nil {
		t.Fatalf("remove part: %v", err)
	}
	if max, ok, err := reopened.MaxTimestamp(ctx, "idx", schema, nifty); err != nil || !ok || max != d(11) {
		t.Fatalf("max must stop at the newest part, got %v %v %v", max, ok, err)
	}
	if err := reopened.Append(ctx, "idx", schema, []models.Row{idxRow(12, "NIFTY", 12)}); err != nil {
		t.Fatalf("append outside stored spans: %v", err)
	}
	if rs, err := reopened.Query(ctx, "idx", schema, models.OnDate(d(11))); err != nil || rs.Len() != 1 {
		t.Fatalf("expected the 11th from its own part, got %v %v", rs, err)
	}
	if _, err := reopened.Query(ctx, "idx", schema, models.Predicate{}); err == nil {
		t.Fatalf("expected full scan to reach the missing part")
	}
}

func TestParquetStoreReplaceCleansUpOnFailure(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	schema := models.TableIndex.Schema()

	s, err := newParquetStore(dir, appconfig.ParquetConfig{}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	rows := []models.Row{idxRow(10, "NIFTY", 1), idxRow(11, "NIFTY", 2), idxRow(12, "NIFTY", 3)}
	if err := s.Append(ctx, "idx", schema, rows); err != nil {
		t.Fatalf("append: %v", err)
	}
	original := partFor(t, filepath.Join(dir, "idx"), 10)

	// The rewritten part commits, the replacement does not.
	commits := 0
	s.rename = func(oldpath, newpath string) error {
		commits++
		if commits > 1 {
			return errors.New("disk full")
		}
		return os.Rename(oldpath, newpath)
	}
	if err := s.Replace(ctx, "idx", schema, d(11), []models.Row{idxRow(11, "NIFTY", 20)}); err == nil {
		t.Fatalf("expected replace to fail")
	}
	if commits != 2 {
		t.Fatalf("expected two commit attempts, got %d", commits)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "idx"))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if len(names) != 1 || names[0] != filepath.Base(original) {
		t.Fatalf("expected only the original part to remain, got %v", names)
	}

	s.rename = os.Rename
	rs, err := s.Query(ctx, "idx", schema, models.Predicate{})
	if err != nil || rs.Len() != 3 {
		t.Fatalf("expected original rows after failed replace, got %v %v", rs, err)
	}
	if got := rs.Keys()[schema.KeyOf(idxRow(11, "NIFTY", 0))]; got == nil || got[5] != 2.0 {
		t.Fatalf("original row of the 11th lost: %v", got)
	}
}


type fakeMirror struct {
	puts    []string
	deletes []string
}

func (m *fakeMirror) Put(_ context.Context, key string, _ []byte, _ map[string]string) error {
	m.puts = append(m.puts, key)
	return nil
}

func (m *fakeMirror) Delete(_ context.Context, key string) error {
	m.deletes = append(m.deletes, key)
	return nil
}

func TestParquetStoreMirrorsParts(t *testing.T) {
	ctx := context.Background()
	mirror := &fakeMirror{}
	s, err := newParquetStore(t.TempDir(), appconfig.ParquetConfig{}, mirror)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	schema := models.TableIndex.Schema()
	if err := s.Append(ctx, "idx", schema, []models.Row{idxRow(10, "NIFTY", 1)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Replace(ctx, "idx", schema, d(10), []models.Row{idxRow(10, "NIFTY", 2)}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if len(mirror.puts) != 2 || len(mirror.deletes) != 1 || mirror.deletes[0] != mirror.puts[0] {
		t.Fatalf("unexpected mirror traffic puts=%v deletes=%v", mirror.puts, mirror.deletes)
	}
}

func TestRecoveryWriter(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "recovery")
	w := NewRecoveryWriter(dir)
	schema := models.TableIndex.Schema()

	p, err := w.WriteBatch("idx", d(11), schema, []models.Row{idxRow(11, "NIFTY", 1)})
	if err != nil {
		t.Fatalf("write batch: %v", err)
	}
	if filepath.Base(p) != "idx_11-Jan-2024.xlsx" {
		t.Fatalf("unexpected recovery name %s", p)
	}
	p2, err := w.WriteBatch("idx", d(11), schema, nil)
	if err != nil || filepath.Base(p2) != "idx_11-Jan-2024_2.xlsx" {
		t.Fatalf("expected suffixed second dump, got %s %v", p2, err)
	}

	raw := &models.RawRecordBatch{Header: []string{"A", "B"}, Records: [][]string{{"1", "x"}}}
	files, err := w.WriteRaw("fno", d(12), raw, []byte("A,B\n1,x\n"))
	if err != nil || len(files) != 2 {
		t.Fatalf("expected raw and sheet dumps, got %v %v", files, err)
	}
	if b, _ := os.ReadFile(files[0]); string(b) != "A,B\n1,x\n" {
		t.Fatalf("raw payload not preserved: %q", b)
	}
}
