package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNoCredentials is returned when no credential qualifies for selection.
var ErrNoCredentials = errors.New("no eligible credentials")

// Provider carries default host, protocol family, and auth conventions for
// the credentials that belong to it.
type Provider struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	DefaultHost string    `json:"default_host"`
	Protocol    string    `json:"protocol"` // openai or anthropic
	AuthHeader  string    `json:"auth_header"`
	CreatedAt   time.Time `json:"created_at"`
}

// Credential is one API key in a provider's rotating pool.
type Credential struct {
	ID                string     `json:"id"`
	ProviderID        string     `json:"provider_id"`
	APIHost           string     `json:"api_host,omitempty"`
	Secret            string     `json:"-"`
	Enabled           bool       `json:"enabled"`
	DisabledReason    string     `json:"disabled_reason,omitempty"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	CreatedAt         time.Time  `json:"created_at"`
}

// UpsertProvider inserts or updates a provider row.
func (s *Store) UpsertProvider(ctx context.Context, p Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Protocol == "" {
		p.Protocol = "openai"
	}
	if p.AuthHeader == "" {
		p.AuthHeader = "Authorization"
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO providers (id, display_name, default_host, protocol, auth_header)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				display_name = excluded.display_name,
				default_host = excluded.default_host,
				protocol = excluded.protocol,
				auth_header = excluded.auth_header;
		`, p.ID, p.DisplayName, p.DefaultHost, p.Protocol, p.AuthHeader)
		if err != nil {
			return fmt.Errorf("upsert provider: %w", err)
		}
		return nil
	})
}

// GetProvider loads one provider.
func (s *Store) GetProvider(ctx context.Context, id string) (Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var p Provider
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, default_host, protocol, auth_header, created_at
		FROM providers WHERE id = ?;
	`, id).Scan(&p.ID, &p.DisplayName, &p.DefaultHost, &p.Protocol, &p.AuthHeader, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Provider{}, fmt.Errorf("provider %q not found", id)
	}
	if err != nil {
		return Provider{}, fmt.Errorf("query provider: %w", err)
	}
	return p, nil
}

// ListProviders returns every registered provider.
func (s *Store) ListProviders(ctx context.Context) ([]Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, default_host, protocol, auth_header, created_at
		FROM providers ORDER BY id;
	`)
	if err != nil {
		return nil, fmt.Errorf("query providers: %w", err)
	}
	defer rows.Close()

	var out []Provider
	for rows.Next() {
		var p Provider
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.DefaultHost, &p.Protocol, &p.AuthHeader, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AddCredential inserts a credential.
func (s *Store) AddCredential(ctx context.Context, c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO credentials (id, provider_id, api_host, secret, enabled)
			VALUES (?, ?, ?, ?, ?);
		`, c.ID, c.ProviderID, nullable(c.APIHost), c.Secret, boolToInt(c.Enabled))
		if err != nil {
			return fmt.Errorf("insert credential: %w", err)
		}
		return nil
	})
}

// NextCredential picks the next eligible credential for a provider using
// round-robin over enabled rows ordered by (last_used_at ASC, id ASC), and
// stamps last_used_at inside the same critical section so one scheduling
// pass stays fair.
func (s *Store) NextCredential(ctx context.Context, providerID string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c Credential
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin credential tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var lastUsed sql.NullTime
		var apiHost sql.NullString
		err = tx.QueryRowContext(ctx, `
			SELECT id, provider_id, api_host, secret, consecutive_errors, last_used_at
			FROM credentials
			WHERE provider_id = ? AND enabled = 1
			ORDER BY last_used_at ASC NULLS FIRST, id ASC
			LIMIT 1;
		`, providerID).Scan(&c.ID, &c.ProviderID, &apiHost, &c.Secret, &c.ConsecutiveErrors, &lastUsed)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNoCredentials
		}
		if err != nil {
			return fmt.Errorf("select credential: %w", err)
		}
		c.APIHost = apiHost.String
		c.Enabled = true
		if lastUsed.Valid {
			t := lastUsed.Time
			c.LastUsedAt = &t
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE credentials SET last_used_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, c.ID); err != nil {
			return fmt.Errorf("stamp credential: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return Credential{}, err
	}
	return c, nil
}

// RecordCredentialSuccess resets error bookkeeping after a successful call.
func (s *Store) RecordCredentialSuccess(ctx context.Context, credentialID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE credentials
			SET last_used_at = CURRENT_TIMESTAMP, consecutive_errors = 0
			WHERE id = ?;
		`, credentialID)
		if err != nil {
			return fmt.Errorf("record credential success: %w", err)
		}
		return nil
	})
}

// RecordCredentialError bumps consecutive_errors and disables the credential
// once the threshold is reached. Returns the new error count and whether the
// credential was disabled.
func (s *Store) RecordCredentialError(ctx context.Context, credentialID string, threshold int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	var disabled bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin credential tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			UPDATE credentials SET consecutive_errors = consecutive_errors + 1 WHERE id = ?;
		`, credentialID); err != nil {
			return fmt.Errorf("bump credential errors: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `
			SELECT consecutive_errors FROM credentials WHERE id = ?;
		`, credentialID).Scan(&count); err != nil {
			return fmt.Errorf("read credential errors: %w", err)
		}
		if threshold > 0 && count >= threshold {
			if _, err := tx.ExecContext(ctx, `
				UPDATE credentials SET enabled = 0, disabled_reason = 'consecutive errors' WHERE id = ?;
			`, credentialID); err != nil {
				return fmt.Errorf("disable credential: %w", err)
			}
			disabled = true
		}
		return tx.Commit()
	})
	return count, disabled, err
}

// SetCredentialEnabled re-enables (or disables) a credential by hand.
// Re-enabling clears the error counter and reason.
func (s *Store) SetCredentialEnabled(ctx context.Context, credentialID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return retryOnBusy(ctx, 5, func() error {
		var err error
		if enabled {
			_, err = s.db.ExecContext(ctx, `
				UPDATE credentials SET enabled = 1, consecutive_errors = 0, disabled_reason = NULL WHERE id = ?;
			`, credentialID)
		} else {
			_, err = s.db.ExecContext(ctx, `
				UPDATE credentials SET enabled = 0, disabled_reason = 'disabled by admin' WHERE id = ?;
			`, credentialID)
		}
		if err != nil {
			return fmt.Errorf("set credential enabled: %w", err)
		}
		return nil
	})
}

// ListCredentials returns every credential for a provider, including disabled
// ones, for audit. Secrets are not included.
func (s *Store) ListCredentials(ctx context.Context, providerID string) ([]Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider_id, api_host, enabled, COALESCE(disabled_reason, ''), last_used_at, consecutive_errors, created_at
		FROM credentials WHERE provider_id = ?
		ORDER BY id;
	`, providerID)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var out []Credential
	for rows.Next() {
		var c Credential
		var apiHost sql.NullString
		var lastUsed sql.NullTime
		var enabled int
		if err := rows.Scan(&c.ID, &c.ProviderID, &apiHost, &enabled, &c.DisabledReason, &lastUsed, &c.ConsecutiveErrors, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		c.APIHost = apiHost.String
		c.Enabled = enabled != 0
		if lastUsed.Valid {
			t := lastUsed.Time
			c.LastUsedAt = &t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteCredential removes a credential permanently.
func (s *Store) DeleteCredential(ctx context.Context, credentialID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?;`, credentialID)
		if err != nil {
			return fmt.Errorf("delete credential: %w", err)
		}
		return nil
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
