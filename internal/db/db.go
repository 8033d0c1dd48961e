// Package db provides SQLite database access for the hub.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/codernetes/hub/internal/logging"
)

// DB wraps a SQLite database handle with hub-specific helpers.
type DB struct {
	*sql.DB
	path   string
	logger zerolog.Logger
}

// Options controls database opening behaviour.
type Options struct {
	// MaxConnections caps the connection pool size.
	MaxConnections int

	// BusyTimeoutMs is how long SQLite waits on a locked database.
	BusyTimeoutMs int
}

// DefaultOptions returns the default database options.
func DefaultOptions() Options {
	return Options{
		MaxConnections: 10,
		BusyTimeoutMs:  5000,
	}
}

// Open opens (or creates) the database at the given path.
func Open(path string, opts Options) (*DB, error) {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 10
	}
	if opts.BusyTimeoutMs <= 0 {
		opts.BusyTimeoutMs = 5000
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)",
		path, opts.BusyTimeoutMs,
	)

	handle, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	handle.SetMaxOpenConns(opts.MaxConnections)

	if err := handle.Ping(); err != nil {
		handle.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{
		DB:     handle,
		path:   path,
		logger: logging.Component("db"),
	}, nil
}

// OpenInMemory opens an in-memory database, used by tests.
func OpenInMemory() (*DB, error) {
	handle, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}

	// A single connection so every statement sees the same memory database.
	handle.SetMaxOpenConns(1)

	return &DB{
		DB:     handle,
		path:   ":memory:",
		logger: logging.Component("db"),
	}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Transaction runs fn inside a transaction, rolling back on error.
func (db *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			db.logger.Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
