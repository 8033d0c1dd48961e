package db

import (
	"context"
	"fmt"
)

// migrations are applied in order. Each entry is one schema version.
var migrations = []string{
	// v1: initial schema
	`
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		prompt TEXT NOT NULL,
		status TEXT NOT NULL,
		target_node_id TEXT,
		requested_tags_json TEXT,
		repositories_json TEXT,
		metadata_json TEXT,
		log_path TEXT,
		result_summary TEXT,
		error_message TEXT,
		created_at TEXT NOT NULL,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);

	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		host TEXT NOT NULL,
		port INTEGER NOT NULL DEFAULT 0,
		tags_json TEXT,
		status TEXT NOT NULL,
		last_seen TEXT,
		notes TEXT
	);

	CREATE TABLE IF NOT EXISTS job_logs (
		job_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		timestamp TEXT NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		PRIMARY KEY (job_id, seq)
	);

	CREATE TABLE IF NOT EXISTS user_tokens (
		user_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		token TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (user_id, provider)
	);
	`,
}

// MigrateUp applies pending migrations and returns the resulting schema version.
func (db *DB) MigrateUp(ctx context.Context) (int, error) {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	version, err := db.schemaVersion(ctx)
	if err != nil {
		return 0, err
	}

	for i := version; i < len(migrations); i++ {
		if _, err := db.ExecContext(ctx, migrations[i]); err != nil {
			return version, fmt.Errorf("migration %d failed: %w", i+1, err)
		}
		if _, err := db.ExecContext(ctx, `DELETE FROM schema_version`); err != nil {
			return version, fmt.Errorf("failed to clear schema version: %w", err)
		}
		if _, err := db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, i+1); err != nil {
			return version, fmt.Errorf("failed to record schema version: %w", err)
		}
		version = i + 1
		db.logger.Debug().Int("version", version).Msg("applied migration")
	}

	return version, nil
}

func (db *DB) schemaVersion(ctx context.Context) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}
