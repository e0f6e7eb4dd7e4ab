package writer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-sql/civil"

	appconfig "bhavflow/config"
	"bhavflow/logger"
	"bhavflow/models"
)

var (
	// ErrDuplicateKey is returned when an append carries a row whose key is
	// already stored (or repeated within the call). Nothing is written.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrSchemaMismatch is returned when rows do not fit the table schema.
	ErrSchemaMismatch = errors.New("schema mismatch")
)

// Store is the persistent home of the bhavflow tables. Table arguments are
// physical names (idx, fno_nifty, ...); schema is the logical table's
// canonical schema. Append and Replace are atomic per call.
type Store interface {
	Ping(ctx context.Context) error
	TableExists(ctx context.Context, table string) (bool, error)
	// MaxTimestamp returns the latest TIMESTAMP among rows matching p. The
	// boolean is false when the table is missing or no row matches.
	MaxTimestamp(ctx context.Context, table string, schema *models.Schema, p models.Predicate) (civil.Date, bool, error)
	Query(ctx context.Context, table string, schema *models.Schema, p models.Predicate) (*models.RowSet, error)
	Append(ctx context.Context, table string, schema *models.Schema, rows []models.Row) error
	// Replace deletes every row stored at date and appends rows in their place.
	Replace(ctx context.Context, table string, schema *models.Schema, date civil.Date, rows []models.Row) error
	Drop(ctx context.Context, table string) error
	Close() error
}

// Open builds the store selected by cfg.Storage.Driver.
func Open(ctx context.Context, cfg *appconfig.Config) (Store, error) {
	log := logger.GetLogger().WithComponent("store").WithFields(logger.Fields{
		"driver": cfg.Storage.Driver,
	})

	var (
		st  Store
		err error
	)
	switch strings.ToLower(cfg.Storage.Driver) {
	case "memory":
		st = NewMemoryStore()
	case "", "parquet":
		st, err = NewParquetStore(ctx, cfg.Storage)
	case "postgres", "pgx":
		st, err = NewSQLStore(ctx, DialectPostgres, cfg.Storage.DSN)
	case "sqlite":
		st, err = NewSQLStore(ctx, DialectSQLite, cfg.Storage.DSN)
	default:
		err = fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
	if err != nil {
		log.WithError(err).Error("failed to open store")
		return nil, err
	}
	log.Info("store opened")
	return st, nil
}

// checkRows validates rows against schema and rejects keys repeated within
// the call. It returns the keys in row order.
func checkRows(table string, schema *models.Schema, rows []models.Row) ([]string, error) {
	if schema == nil {
		return nil, fmt.Errorf("%s: %w: no schema", table, ErrSchemaMismatch)
	}
	keys := make([]string, len(rows))
	seen := make(map[string]struct{}, len(rows))
	for i, r := range rows {
		if err := schema.Check(r); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
		}
		k := schema.KeyOf(r)
		if _, dup := seen[k]; dup {
			return nil, fmt.Errorf("%s: %w %s within batch", table, ErrDuplicateKey, k)
		}
		seen[k] = struct{}{}
		keys[i] = k
	}
	return keys, nil
}
