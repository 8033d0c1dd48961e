package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrTokenNotFound is returned when no token is stored for a user/provider pair.
var ErrTokenNotFound = errors.New("token not found")

// TokenRepository stores per-user provider credentials, keyed by
// (user_id, provider). Used to attach GitHub tokens to jobs that clone
// private repositories.
type TokenRepository struct {
	db *DB
}

// NewTokenRepository creates a new TokenRepository.
func NewTokenRepository(db *DB) *TokenRepository {
	return &TokenRepository{db: db}
}

// Set stores or replaces a user's token for a provider.
func (r *TokenRepository) Set(ctx context.Context, userID, provider, token string) error {
	if userID == "" || provider == "" {
		return fmt.Errorf("user id and provider are required")
	}
	if token == "" {
		return fmt.Errorf("token must not be empty")
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_tokens (user_id, provider, token, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, provider) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at
	`, userID, provider, token, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	return nil
}

// Get retrieves a user's token for a provider.
func (r *TokenRepository) Get(ctx context.Context, userID, provider string) (string, error) {
	var token string
	err := r.db.QueryRowContext(ctx, `
		SELECT token FROM user_tokens WHERE user_id = ? AND provider = ?
	`, userID, provider).Scan(&token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrTokenNotFound
		}
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	return token, nil
}

// Delete removes a user's token for a provider.
func (r *TokenRepository) Delete(ctx context.Context, userID, provider string) error {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM user_tokens WHERE user_id = ? AND provider = ?
	`, userID, provider)
	if err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return ErrTokenNotFound
	}

	return nil
}
