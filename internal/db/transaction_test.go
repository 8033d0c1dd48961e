package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"
)

func TestRetryTransactionRetriesBusyErrors(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	attempts := 0
	err := database.RetryTransaction(ctx, func(*sql.Tx) error {
		attempts++
		if attempts < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RetryTransaction: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestRetryTransactionStopsOnPermanentError(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	attempts := 0
	wantErr := errors.New("constraint failed")
	err := database.RetryTransaction(ctx, func(*sql.Tx) error {
		attempts++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestRetryTransactionGivesUpAfterMaxAttempts(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	attempts := 0
	err := database.RetryTransaction(ctx, func(*sql.Tx) error {
		attempts++
		return errors.New("SQLITE_BUSY")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != busyRetryAttempts {
		t.Fatalf("attempts = %d, want %d", attempts, busyRetryAttempts)
	}
}

func TestRetryableError(t *testing.T) {
	if retryableError(nil) {
		t.Fatal("nil should not be retryable")
	}
	if retryableError(context.Canceled) {
		t.Fatal("cancellation should not be retryable")
	}
	if !retryableError(errors.New("database is busy")) {
		t.Fatal("busy should be retryable")
	}
}
