package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite connection parameters appended to plain file paths.
const sqliteParams = "_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore implements Store on a single SQLite database file.
// All access goes through one connection, so transactions never contend with each other.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database file named by the DSN, creating its directory and schema
// as needed. Plain paths get WAL journaling and immediate write transactions; DSNs that
// already carry a "file:" scheme or query are used as given.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN not set")
	}

	dsn := cfg.DSN
	if !strings.HasPrefix(dsn, "file:") && !strings.Contains(dsn, "?") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = "file:" + dsn + "?" + sqliteParams
	}

	db, err := openDB("sqlite3", dsn, sqliteMigrations, func(db *sql.DB) {
		db.SetMaxOpenConns(1)
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("SQLiteStore: opened", "path", cfg.DSN)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
