package writer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/golang-sql/civil"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "bhavflow/config"
	"bhavflow/logger"
	"bhavflow/models"
)

const partExt = ".parquet"

// memoryFileWriter implements source.ParquetFile over a buffer so a part can
// be encoded once and then written locally and mirrored.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(string) (source.ParquetFile, error)   { return mfw, nil }

// Seek is never needed while writing; it reports the current size.
func (mfw *memoryFileWriter) Seek(int64, int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// part is one immutable parquet file of a table. Its span comes from the file
// name; rows are decoded on first use and kept afterwards.
type part struct {
	name   string
	span   models.DateRange
	rows   []models.Row
	loaded bool
}

type parquetTable struct {
	parts []*part
}

// overlapping returns the parts whose span shares a date with r, or every
// part when r is nil.
func (t *parquetTable) overlapping(r *models.DateRange) []*part {
	var out []*part
	for _, p := range t.parts {
		if r == nil || p.span.Overlaps(*r) {
			out = append(out, p)
		}
	}
	return out
}

// ParquetStore keeps each table as a directory of parquet part files named
// <from>_<to>_<uuid>.parquet. Parts are written to a hidden temp file and
// renamed into place, so a reader never sees a partial part. The part list of
// a table is built from file names alone; a part is only decoded when a call
// needs rows from its date span.
type ParquetStore struct {
	dir         string
	compression string
	np          int64
	mirror      objectMirror
	log         *logger.Log
	rename      func(oldpath, newpath string) error

	mu     sync.Mutex
	tables map[string]*parquetTable
}

// NewParquetStore opens (creating if needed) the data directory of cfg and,
// when cfg.S3.Enabled, an S3 mirror for committed parts.
func NewParquetStore(ctx context.Context, cfg appconfig.StorageConfig) (*ParquetStore, error) {
	var mirror objectMirror
	if cfg.S3.Enabled {
		m, err := NewS3Mirror(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		mirror = m
	}
	return newParquetStore(cfg.DataDir, cfg.Parquet, mirror)
}

func newParquetStore(dir string, pc appconfig.ParquetConfig, mirror objectMirror) (*ParquetStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	np := pc.Parallel
	if np < 1 {
		np = 4
	}
	return &ParquetStore{
		dir:         dir,
		compression: pc.Compression,
		np:          np,
		mirror:      mirror,
		log:         logger.GetLogger(),
		rename:      os.Rename,
		tables:      make(map[string]*parquetTable),
	}, nil
}

func (s *ParquetStore) tableDir(table string) string { return filepath.Join(s.dir, table) }

func (s *ParquetStore) Ping(context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", s.dir)
	}
	return nil
}

func (s *ParquetStore) TableExists(_ context.Context, table string) (bool, error) {
	info, err := os.Stat(s.tableDir(table))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// MaxTimestamp walks the parts newest span first and stops once no remaining
// part can end after the best date found.
func (s *ParquetStore) MaxTimestamp(_ context.Context, table string, schema *models.Schema, p models.Predicate) (civil.Date, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.load(table)
	if err != nil {
		return civil.Date{}, false, err
	}
	parts := t.overlapping(p.Dates)
	sort.SliceStable(parts, func(i, j int) bool {
		return parts[i].span.End.After(parts[j].span.End)
	})

	var (
		max   civil.Date
		found bool
	)
	for _, pt := range parts {
		if found && !pt.span.End.After(max) {
			break
		}
		rows, err := s.rowsOf(table, schema, pt)
		if err != nil {
			return civil.Date{}, false, err
		}
		d, ok, _ := maxMatching(schema, rows, p)
		if ok && (!found || d.After(max)) {
			max, found = d, true
		}
	}
	return max, found, nil
}

func (s *ParquetStore) Query(_ context.Context, table string, schema *models.Schema, p models.Predicate) (*models.RowSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.load(table)
	if err != nil {
		return nil, err
	}
	rows, err := s.rowsIn(table, schema, t.overlapping(p.Dates))
	if err != nil {
		return nil, err
	}
	rows = filterRows(schema, rows, p)
	sort.SliceStable(rows, func(i, j int) bool {
		return schema.Date(rows[i]).Before(schema.Date(rows[j]))
	})
	return &models.RowSet{Schema: schema, Rows: rows}, nil
}

// Append checks keys only against parts overlapping the batch span; every key
// carries TIMESTAMP, so no other part can hold a duplicate.
func (s *ParquetStore) Append(ctx context.Context, table string, schema *models.Schema, rows []models.Row) error {
	keys, err := checkRows(table, schema, rows)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.load(table)
	if err != nil {
		return err
	}
	span := (&models.NormalizedBatch{Schema: schema, Rows: rows}).Span()
	stored, err := s.rowsIn(table, schema, t.overlapping(&span))
	if err != nil {
		return err
	}
	existing := make(map[string]struct{}, len(stored))
	for _, r := range stored {
		existing[schema.KeyOf(r)] = struct{}{}
	}
	for _, k := range keys {
		if _, dup := existing[k]; dup {
			return fmt.Errorf("%s: %w %s", table, ErrDuplicateKey, k)
		}
	}
	p, err := s.writePart(ctx, table, schema, rows)
	if err != nil {
		return err
	}
	t.parts = append(t.parts, p)
	return nil
}

// Replace rewrites every part overlapping date without that date's rows and
// commits rows as a new part. New parts are committed before old ones are
// removed; a crash in between leaves both on disk. When a write fails, the
// parts already written by this call are removed again.
func (s *ParquetStore) Replace(ctx context.Context, table string, schema *models.Schema, date civil.Date, rows []models.Row) error {
	if _, err := checkRows(table, schema, rows); err != nil {
		return err
	}
	for _, r := range rows {
		if schema.Date(r) != date {
			return fmt.Errorf("%s: %w: row dated %s in replacement for %s", table, ErrSchemaMismatch, schema.Date(r), date)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.load(table)
	if err != nil {
		return err
	}

	var kept, stale, written []*part
	abort := func(err error) error {
		for _, p := range written {
			s.removePart(ctx, table, p)
		}
		return err
	}
	for _, p := range t.parts {
		if !p.span.Contains(date) {
			kept = append(kept, p)
			continue
		}
		stored, err := s.rowsOf(table, schema, p)
		if err != nil {
			return abort(err)
		}
		stale = append(stale, p)
		var remaining []models.Row
		for _, r := range stored {
			if schema.Date(r) != date {
				remaining = append(remaining, r)
			}
		}
		if len(remaining) == 0 {
			continue
		}
		rewritten, err := s.writePart(ctx, table, schema, remaining)
		if err != nil {
			return abort(err)
		}
		written = append(written, rewritten)
		kept = append(kept, rewritten)
	}
	if len(rows) > 0 {
		replacement, err := s.writePart(ctx, table, schema, rows)
		if err != nil {
			return abort(err)
		}
		kept = append(kept, replacement)
	}
	for _, p := range stale {
		s.removePart(ctx, table, p)
	}
	t.parts = kept
	return nil
}

func (s *ParquetStore) Drop(ctx context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mirror != nil {
		if names, err := s.partNames(table); err == nil {
			for _, name := range names {
				if err := s.mirror.Delete(ctx, table+"/"+name); err != nil {
					s.log.WithComponent("parquet_store").WithError(err).Warn("failed to delete mirrored part")
				}
			}
		}
	}
	delete(s.tables, table)
	if err := os.RemoveAll(s.tableDir(table)); err != nil {
		return fmt.Errorf("drop %s: %w", table, err)
	}
	return nil
}

func (s *ParquetStore) Close() error { return nil }

func (s *ParquetStore) partNames(table string) ([]string, error) {
	entries, err := os.ReadDir(s.tableDir(table))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !strings.HasSuffix(e.Name(), partExt) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// load returns the cached part list of table, building it from the file
// names on first use. Callers hold s.mu.
func (s *ParquetStore) load(table string) (*parquetTable, error) {
	if t, ok := s.tables[table]; ok {
		return t, nil
	}
	t := &parquetTable{}
	names, err := s.partNames(table)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("list %s parts: %w", table, err)
	}
	for _, name := range names {
		span, err := parseSpan(name)
		if err != nil {
			return nil, err
		}
		t.parts = append(t.parts, &part{name: name, span: span})
	}
	s.tables[table] = t
	return t, nil
}

func parseSpan(name string) (models.DateRange, error) {
	fields := strings.SplitN(strings.TrimSuffix(name, partExt), "_", 3)
	if len(fields) != 3 {
		return models.DateRange{}, fmt.Errorf("malformed part name %q", name)
	}
	from, err := civil.ParseDate(fields[0])
	if err != nil {
		return models.DateRange{}, fmt.Errorf("part %q: %w", name, err)
	}
	to, err := civil.ParseDate(fields[1])
	if err != nil {
		return models.DateRange{}, fmt.Errorf("part %q: %w", name, err)
	}
	return models.NewDateRange(from, to)
}

// rowsOf decodes p on first use. Callers hold s.mu.
func (s *ParquetStore) rowsOf(table string, schema *models.Schema, p *part) ([]models.Row, error) {
	if p.loaded {
		return p.rows, nil
	}
	rows, err := s.readPart(table, p.name, schema)
	if err != nil {
		return nil, err
	}
	p.rows, p.loaded = rows, true
	return rows, nil
}

func (s *ParquetStore) rowsIn(table string, schema *models.Schema, parts []*part) ([]models.Row, error) {
	var out []models.Row
	for _, p := range parts {
		rows, err := s.rowsOf(table, schema, p)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func (s *ParquetStore) readPart(table, name string, schema *models.Schema) ([]models.Row, error) {
	codec, err := codecFor(schema)
	if err != nil {
		return nil, err
	}
	fr, err := local.NewLocalFileReader(filepath.Join(s.tableDir(table), name))
	if err != nil {
		return nil, fmt.Errorf("open part %s/%s: %w", table, name, err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, codec.prototype(), s.np)
	if err != nil {
		return nil, fmt.Errorf("read part %s/%s: %w", table, name, err)
	}
	defer pr.ReadStop()

	var rows []models.Row
	if n := int(pr.GetNumRows()); n > 0 {
		if rows, err = codec.decode(pr, n); err != nil {
			return nil, fmt.Errorf("decode part %s/%s: %w", table, name, err)
		}
	}
	return rows, nil
}

func (s *ParquetStore) encode(schema *models.Schema, rows []models.Row) ([]byte, error) {
	codec, err := codecFor(schema)
	if err != nil {
		return nil, err
	}
	fw := newMemoryFileWriter()
	pw, err := writer.NewParquetWriter(fw, codec.prototype(), s.np)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch s.compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	case "zstd":
		pw.CompressionType = parquet.CompressionCodec_ZSTD
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, r := range rows {
		if err := pw.Write(codec.encode(r)); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}

func (s *ParquetStore) writePart(ctx context.Context, table string, schema *models.Schema, rows []models.Row) (*part, error) {
	span := (&models.NormalizedBatch{Schema: schema, Rows: rows}).Span()
	name := fmt.Sprintf("%s_%s_%s%s", span.Start, span.End, uuid.New(), partExt)
	log := s.log.WithComponent("parquet_store").WithFields(logger.Fields{
		"table":     table,
		"part":      name,
		"row_count": len(rows),
	})

	data, err := s.encode(schema, rows)
	if err != nil {
		return nil, err
	}

	dir := s.tableDir(table)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create table dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".part-*")
	if err != nil {
		return nil, fmt.Errorf("create temp part: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("write part: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("sync part: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("close part: %w", err)
	}
	if err := s.rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("commit part: %w", err)
	}
	log.WithFields(logger.Fields{"file_size": len(data), "compression": s.compression}).Debug("part committed")

	if s.mirror != nil {
		meta := map[string]string{
			"content-type": "parquet",
			"compression":  s.compression,
			"table":        table,
		}
		// Mirror failures do not fail the append.
		if err := s.mirror.Put(ctx, table+"/"+name, data, meta); err != nil {
			log.WithError(err).Warn("part not mirrored")
		}
	}
	return &part{name: name, span: span, rows: rows, loaded: true}, nil
}

func (s *ParquetStore) removePart(ctx context.Context, table string, p *part) {
	log := s.log.WithComponent("parquet_store").WithFields(logger.Fields{"table": table, "part": p.name})
	if err := os.Remove(filepath.Join(s.tableDir(table), p.name)); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("failed to remove replaced part")
	}
	if s.mirror != nil {
		if err := s.mirror.Delete(ctx, table+"/"+p.name); err != nil {
			log.WithError(err).Warn("failed to delete mirrored part")
		}
	}
}
