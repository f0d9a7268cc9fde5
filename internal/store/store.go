// Package store provides storage backends for MailPipe.
//
// Two backends implement the same repositories: SQLite for single-node deployments and
// PostgreSQL for shared deployments. Besides message records the store hosts the durable job
// table that drives every background step, the singleton scheduler run marker, the last known
// send configuration, and inbound notification dedup records.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrNoRetry marks a job failure that must not be retried. Wrap it with %w.
var ErrNoRetry = errors.New("job failed permanently")

// Store is the full set of repositories the service needs.
type Store interface {
	MessageRepo
	MarkerRepo
	JobRepo
	DedupRepo
	Ping(ctx context.Context) error
	Close() error
}

// Compile-time checks that both backends implement Store.
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// Option configures a store constructor.
type Option func(*Opts)

// Opts holds store configuration collected from options.
type Opts struct {
	DSN     string
	Backend string
}

// WithSQLiteDSN selects the SQLite backend with the given database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Backend = "sqlite"
	}
}

// WithPostgresDSN selects the PostgreSQL backend with the given connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Backend = "postgres"
	}
}

// DetectDSNType returns "postgres" for PostgreSQL URLs and key/value DSNs, "sqlite" otherwise.
func DetectDSNType(dsn string) string {
	trimmed := strings.TrimSpace(dsn)
	switch {
	case strings.HasPrefix(trimmed, "postgres://"), strings.HasPrefix(trimmed, "postgresql://"):
		return "postgres"
	case strings.Contains(trimmed, "host=") && strings.Contains(trimmed, "dbname="):
		return "postgres"
	default:
		return "sqlite"
	}
}

// New opens the backend selected by the options.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Backend == "" && cfg.DSN != "" {
		cfg.Backend = DetectDSNType(cfg.DSN)
	}
	slog.Debug("store.New: opening store", "backend", cfg.Backend, "DSN_set", cfg.DSN != "")

	switch cfg.Backend {
	case "postgres":
		return NewPostgresStore(opts...)
	case "sqlite":
		return NewSQLiteStore(opts...)
	default:
		return nil, fmt.Errorf("database DSN not set")
	}
}

// openDB opens a connection pool, applies configure, checks connectivity and runs the
// idempotent schema script.
func openDB(driver, dsn, migrations string, configure func(*sql.DB)) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	configure(db)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to %s database: %w", driver, err)
	}
	if _, err := db.Exec(migrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}
