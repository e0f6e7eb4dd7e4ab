package writer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-sql/civil"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"bhavflow/logger"
	"bhavflow/models"
)

// Dialect captures the differences between the supported SQL engines.
type Dialect struct {
	Name       string
	DriverName string
	// Dates are bound as time.Time on engines with a native DATE type and as
	// ISO text otherwise.
	NativeDate bool
	Numbered   bool
	FloatType  string
	DateType   string
	TextType   string
	ExistsSQL  string
}

var (
	DialectPostgres = Dialect{
		Name:       "postgres",
		DriverName: "pgx",
		NativeDate: true,
		Numbered:   true,
		FloatType:  "DOUBLE PRECISION",
		DateType:   "DATE",
		TextType:   "TEXT",
		ExistsSQL:  "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1",
	}
	DialectSQLite = Dialect{
		Name:       "sqlite",
		DriverName: "sqlite",
		FloatType:  "REAL",
		DateType:   "TEXT",
		TextType:   "TEXT",
		ExistsSQL:  "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?",
	}
)

func (d Dialect) placeholder(n int) string {
	if d.Numbered {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

func (d Dialect) columnType(k models.ColumnKind) string {
	switch k {
	case models.KindFloat:
		return d.FloatType
	case models.KindDate:
		return d.DateType
	default:
		return d.TextType
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// SQLStore keeps one SQL table per physical table with the uniqueness key as
// primary key. Appends run in a single transaction.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	log     *logger.Log
}

// NewSQLStore opens dsn with the dialect's database/sql driver and verifies
// the connection.
func NewSQLStore(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	db, err := sql.Open(dialect.DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect.Name, err)
	}
	if dialect.Name == DialectSQLite.Name {
		// SQLite allows one writer at a time.
		db.SetMaxOpenConns(1)
	}
	s := &SQLStore{db: db, dialect: dialect, log: logger.GetLogger()}
	if err := s.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", s.dialect.Name, err)
	}
	return nil
}

func (s *SQLStore) TableExists(ctx context.Context, table string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, s.dialect.ExistsSQL, table).Scan(&n); err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return n > 0, nil
}

func (s *SQLStore) ensureTable(ctx context.Context, exec interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, table string, schema *models.Schema) error {
	defs := make([]string, 0, len(schema.Columns)+1)
	for _, c := range schema.Columns {
		defs = append(defs, fmt.Sprintf("%s %s NOT NULL", quoteIdent(c.Name), s.dialect.columnType(c.Kind)))
	}
	keys := make([]string, len(schema.Key))
	for i, k := range schema.Key {
		keys[i] = quoteIdent(k)
	}
	defs = append(defs, "PRIMARY KEY ("+strings.Join(keys, ", ")+")")
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(table), strings.Join(defs, ", "))
	if _, err := exec.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return nil
}

// bind converts a row value to its driver argument.
func (s *SQLStore) bind(v any) any {
	if d, ok := v.(civil.Date); ok {
		if s.dialect.NativeDate {
			return d.In(time.UTC)
		}
		return d.String()
	}
	return v
}

// bindText converts a predicate value of column kind k.
func (s *SQLStore) bindText(k models.ColumnKind, v string) (any, error) {
	switch k {
	case models.KindFloat:
		return strconv.ParseFloat(v, 64)
	case models.KindDate:
		d, err := civil.ParseDate(v)
		if err != nil {
			return nil, err
		}
		return s.bind(d), nil
	default:
		return v, nil
	}
}

func (s *SQLStore) where(schema *models.Schema, p models.Predicate) (string, []any, error) {
	var (
		conds []string
		args  []any
	)
	if p.Dates != nil {
		args = append(args, s.bind(p.Dates.Start), s.bind(p.Dates.End))
		conds = append(conds, fmt.Sprintf(`"TIMESTAMP" BETWEEN %s AND %s`,
			s.dialect.placeholder(len(args)-1), s.dialect.placeholder(len(args))))
	}
	for col, val := range p.Equals {
		i := schema.Index(col)
		if i < 0 {
			return "", nil, fmt.Errorf("%w: unknown column %s", ErrSchemaMismatch, col)
		}
		arg, err := s.bindText(schema.Columns[i].Kind, val)
		if err != nil {
			return "", nil, fmt.Errorf("predicate %s=%q: %w", col, val, err)
		}
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf("%s = %s", quoteIdent(col), s.dialect.placeholder(len(args))))
	}
	if len(conds) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func scanDate(v any) (civil.Date, error) {
	switch x := v.(type) {
	case time.Time:
		return civil.DateOf(x), nil
	case string:
		return civil.ParseDate(x[:min(len(x), len("2006-01-02"))])
	case []byte:
		return scanDate(string(x))
	case nil:
		return civil.Date{}, nil
	}
	return civil.Date{}, fmt.Errorf("unexpected date value %T", v)
}

func scanFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case []byte:
		return strconv.ParseFloat(string(x), 64)
	case string:
		return strconv.ParseFloat(x, 64)
	case nil:
		return 0, nil
	}
	return 0, fmt.Errorf("unexpected numeric value %T", v)
}

func scanString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

func (s *SQLStore) MaxTimestamp(ctx context.Context, table string, schema *models.Schema, p models.Predicate) (civil.Date, bool, error) {
	exists, err := s.TableExists(ctx, table)
	if err != nil || !exists {
		return civil.Date{}, false, err
	}
	where, args, err := s.where(schema, p)
	if err != nil {
		return civil.Date{}, false, err
	}
	var v any
	q := fmt.Sprintf(`SELECT MAX("TIMESTAMP") FROM %s%s`, quoteIdent(table), where)
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&v); err != nil {
		return civil.Date{}, false, fmt.Errorf("max timestamp %s: %w", table, err)
	}
	if v == nil {
		return civil.Date{}, false, nil
	}
	d, err := scanDate(v)
	if err != nil {
		return civil.Date{}, false, err
	}
	return d, true, nil
}

func (s *SQLStore) Query(ctx context.Context, table string, schema *models.Schema, p models.Predicate) (*models.RowSet, error) {
	out := &models.RowSet{Schema: schema}
	exists, err := s.TableExists(ctx, table)
	if err != nil || !exists {
		return out, err
	}
	where, args, err := s.where(schema, p)
	if err != nil {
		return nil, err
	}
	cols := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		cols[i] = quoteIdent(c.Name)
	}
	q := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY "TIMESTAMP"`, strings.Join(cols, ", "), quoteIdent(table), where)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		raw := make([]any, len(schema.Columns))
		ptrs := make([]any, len(raw))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		row := make(models.Row, len(raw))
		for i, c := range schema.Columns {
			switch c.Kind {
			case models.KindDate:
				if row[i], err = scanDate(raw[i]); err != nil {
					return nil, fmt.Errorf("scan %s.%s: %w", table, c.Name, err)
				}
			case models.KindFloat:
				if row[i], err = scanFloat(raw[i]); err != nil {
					return nil, fmt.Errorf("scan %s.%s: %w", table, c.Name, err)
				}
			default:
				row[i] = scanString(raw[i])
			}
		}
		out.Rows = append(out.Rows, row)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLStore) insertAll(ctx context.Context, tx *sql.Tx, table string, schema *models.Schema, rows []models.Row) error {
	cols := make([]string, len(schema.Columns))
	marks := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		cols[i] = quoteIdent(c.Name)
		marks[i] = s.dialect.placeholder(i + 1)
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table), strings.Join(cols, ", "), strings.Join(marks, ", ")))
	if err != nil {
		return fmt.Errorf("prepare insert %s: %w", table, err)
	}
	defer stmt.Close()

	args := make([]any, len(schema.Columns))
	for _, r := range rows {
		for i, v := range r {
			args[i] = s.bind(v)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%s: %w %s", table, ErrDuplicateKey, schema.KeyOf(r))
			}
			return fmt.Errorf("insert %s: %w", table, err)
		}
	}
	return nil
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.WithComponent("sql_store").WithError(rbErr).Warn("rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLStore) Append(ctx context.Context, table string, schema *models.Schema, rows []models.Row) error {
	if _, err := checkRows(table, schema, rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureTable(ctx, tx, table, schema); err != nil {
			return err
		}
		return s.insertAll(ctx, tx, table, schema, rows)
	})
}

func (s *SQLStore) Replace(ctx context.Context, table string, schema *models.Schema, date civil.Date, rows []models.Row) error {
	if _, err := checkRows(table, schema, rows); err != nil {
		return err
	}
	for _, r := range rows {
		if schema.Date(r) != date {
			return fmt.Errorf("%s: %w: row dated %s in replacement for %s", table, ErrSchemaMismatch, schema.Date(r), date)
		}
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureTable(ctx, tx, table, schema); err != nil {
			return err
		}
		del := fmt.Sprintf(`DELETE FROM %s WHERE "TIMESTAMP" = %s`, quoteIdent(table), s.dialect.placeholder(1))
		if _, err := tx.ExecContext(ctx, del, s.bind(date)); err != nil {
			return fmt.Errorf("delete %s at %s: %w", table, date, err)
		}
		return s.insertAll(ctx, tx, table, schema, rows)
	})
}

func (s *SQLStore) Drop(ctx context.Context, table string) error {
	if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(table)); err != nil {
		return fmt.Errorf("drop %s: %w", table, err)
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }
