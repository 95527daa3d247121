package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// KVSet stores a value under key, replacing any previous value.
func (s *Store) KVSet(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_store (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP;
		`, key, value)
		if err != nil {
			return fmt.Errorf("kv set %s: %w", key, err)
		}
		return nil
	})
}

// KVGet returns the value for key. The second return is false when the key
// is absent.
func (s *Store) KVGet(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?;`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv get %s: %w", key, err)
	}
	return value.String, true, nil
}

// KVDelete removes a key. Deleting an absent key is not an error.
func (s *Store) KVDelete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?;`, key); err != nil {
			return fmt.Errorf("kv delete %s: %w", key, err)
		}
		return nil
	})
}
