package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrSessionNotFound is returned when a session id does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Session is the user-facing conversation thread.
type Session struct {
	ID           string    `json:"id"`
	Mode         string    `json:"mode"` // chat or agent
	Title        string    `json:"title,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Model        string    `json:"model,omitempty"`
	WorkspaceID  string    `json:"workspace_id,omitempty"`
	Strategy     string    `json:"strategy"` // react, code_orchestrated, auto
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mode := strings.ToLower(strings.TrimSpace(sess.Mode))
	if mode == "" {
		mode = "chat"
	}
	strategy := sess.Strategy
	if strategy == "" {
		strategy = "auto"
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, mode, title, system_prompt, model, workspace_id, strategy)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, sess.ID, mode, nullable(sess.Title), nullable(sess.SystemPrompt), nullable(sess.Model), nullable(sess.WorkspaceID), strategy)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

// EnsureSession creates the session if it does not already exist.
func (s *Store) EnsureSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id) VALUES (?)
			ON CONFLICT(id) DO NOTHING;
		`, sessionID)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sess Session
	var title, systemPrompt, model, workspaceID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, mode, title, system_prompt, model, workspace_id, strategy, created_at, updated_at
		FROM sessions WHERE id = ?;
	`, sessionID).Scan(&sess.ID, &sess.Mode, &title, &systemPrompt, &model, &workspaceID, &sess.Strategy, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("query session: %w", err)
	}
	sess.Title = title.String
	sess.SystemPrompt = systemPrompt.String
	sess.Model = model.String
	sess.WorkspaceID = workspaceID.String
	return sess, nil
}

// ListSessions returns sessions ordered by last update, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	return s.listSessions(ctx, "", limit)
}

// ListSessionsByMode returns sessions of one mode ordered by last update.
func (s *Store) ListSessionsByMode(ctx context.Context, mode string, limit int) ([]Session, error) {
	return s.listSessions(ctx, mode, limit)
}

func (s *Store) listSessions(ctx context.Context, mode string, limit int) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if mode != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, mode, title, system_prompt, model, workspace_id, strategy, created_at, updated_at
			FROM sessions WHERE mode = ?
			ORDER BY updated_at DESC LIMIT ?;
		`, mode, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, mode, title, system_prompt, model, workspace_id, strategy, created_at, updated_at
			FROM sessions
			ORDER BY updated_at DESC LIMIT ?;
		`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var title, systemPrompt, model, workspaceID sql.NullString
		if err := rows.Scan(&sess.ID, &sess.Mode, &title, &systemPrompt, &model, &workspaceID, &sess.Strategy, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Title = title.String
		sess.SystemPrompt = systemPrompt.String
		sess.Model = model.String
		sess.WorkspaceID = workspaceID.String
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateSessionModel records a model change on the session.
func (s *Store) UpdateSessionModel(ctx context.Context, sessionID, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET model = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, model, sessionID)
		if err != nil {
			return fmt.Errorf("update session model: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrSessionNotFound
		}
		return nil
	})
}

// TouchSession bumps updated_at.
func (s *Store) TouchSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, sessionID)
		return err
	})
}

// DeleteSession removes a session; messages cascade.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?;`, sessionID)
		if err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrSessionNotFound
		}
		return nil
	})
}

// MessageCount returns the number of messages in a session.
func (s *Store) MessageCount(ctx context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = ?;`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
