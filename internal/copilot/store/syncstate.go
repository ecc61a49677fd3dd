package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetSyncState returns the stored gateway sync value for (userID, key),
// or "" when no value has been stored yet.
func (s *Store) GetSyncState(ctx context.Context, userID, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM matrix_sync_state WHERE user_id = ? AND key = ?", userID, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get sync state %s/%s: %w", userID, key, err)
	}
	return value, nil
}

// SetSyncState stores a gateway sync value, replacing any previous one.
func (s *Store) SetSyncState(ctx context.Context, userID, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO matrix_sync_state (user_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, userID, key, value, time.Now())
	if err != nil {
		return fmt.Errorf("store: set sync state %s/%s: %w", userID, key, err)
	}
	return nil
}
