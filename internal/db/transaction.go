package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// SQLite allows a single writer. Under concurrent job and log writes a
// transaction can still fail with SQLITE_BUSY even with a busy timeout
// set, so write paths go through RetryTransaction rather than
// Transaction directly.
const (
	busyRetryAttempts = 3
	busyRetryBackoff  = 50 * time.Millisecond
)

// RetryTransaction runs fn in a transaction, retrying a small number of
// times with doubling backoff when the database reports it is busy. Any
// other error, or context cancellation, aborts immediately.
func (db *DB) RetryTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	backoff := busyRetryBackoff

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := db.Transaction(ctx, fn)
		if err == nil {
			return nil
		}
		if attempt >= busyRetryAttempts || !retryableError(err) {
			return err
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
}

// retryableError reports whether err is a transient sqlite busy or
// locked condition worth retrying.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	message := strings.ToLower(err.Error())
	return strings.Contains(message, "database is locked") ||
		strings.Contains(message, "database is busy") ||
		strings.Contains(message, "sqlite_busy")
}
