package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/codernetes/hub/internal/models"
)

// LogRepository handles persisted job log lines.
type LogRepository struct {
	db *DB
}

// NewLogRepository creates a new LogRepository.
func NewLogRepository(db *DB) *LogRepository {
	return &LogRepository{db: db}
}

// Append stores a log entry, assigning the next sequence number for the
// job. Sequence numbers start at 0 and are gapless per job; assignment and
// insert happen in one transaction so concurrent appends cannot collide.
// The entry's Seq and Timestamp are filled in.
func (r *LogRepository) Append(ctx context.Context, entry *models.LogEntry) error {
	if entry.JobID == "" {
		return fmt.Errorf("log entry requires a job id")
	}

	entry.Level = models.NormalizeLogLevel(string(entry.Level))
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	} else {
		entry.Timestamp = entry.Timestamp.UTC()
	}

	return r.db.RetryTransaction(ctx, func(tx *sql.Tx) error {
		var next int64
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq) + 1, 0) FROM job_logs WHERE job_id = ?`,
			entry.JobID,
		).Scan(&next)
		if err != nil {
			return fmt.Errorf("failed to read log sequence: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO job_logs (job_id, seq, timestamp, level, message)
			VALUES (?, ?, ?, ?, ?)
		`,
			entry.JobID,
			next,
			entry.Timestamp.Format(time.RFC3339Nano),
			string(entry.Level),
			entry.Message,
		); err != nil {
			return fmt.Errorf("failed to insert log entry: %w", err)
		}

		entry.Seq = next
		return nil
	})
}

// List retrieves a job's log entries with seq > afterSeq, in sequence
// order. Pass afterSeq = -1 to read from the beginning.
func (r *LogRepository) List(ctx context.Context, jobID string, afterSeq int64, limit int) ([]*models.LogEntry, error) {
	if limit <= 0 {
		limit = 500
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT job_id, seq, timestamp, level, message
		FROM job_logs
		WHERE job_id = ? AND seq > ?
		ORDER BY seq
		LIMIT ?
	`, jobID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query job logs: %w", err)
	}
	defer rows.Close()

	var entries []*models.LogEntry
	for rows.Next() {
		var entry models.LogEntry
		var timestamp, level string
		if err := rows.Scan(&entry.JobID, &entry.Seq, &timestamp, &level, &entry.Message); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		entry.Level = models.LogLevel(level)
		if t, err := time.Parse(time.RFC3339Nano, timestamp); err == nil {
			entry.Timestamp = t
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job logs: %w", err)
	}

	return entries, nil
}

// Count returns the number of log entries stored for a job.
func (r *LogRepository) Count(ctx context.Context, jobID string) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM job_logs WHERE job_id = ?`, jobID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count job logs: %w", err)
	}
	return count, nil
}
