package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMemoryNotFound is returned when a memory entry id does not exist.
var ErrMemoryNotFound = errors.New("memory entry not found")

// Session-scoped memory kinds.
const (
	MemoryKindTaskPlan = "task_plan"
	MemoryKindFindings = "findings"
	MemoryKindProgress = "progress"
	MemoryKindErrorLog = "error_log"
)

// MemoryEntry is a session-scoped working-memory record. error_log entries
// carry attempted solutions so the agent can avoid repeating failures.
type MemoryEntry struct {
	ID                 string    `json:"id"`
	SessionID          string    `json:"session_id"`
	Kind               string    `json:"kind"`
	Title              string    `json:"title"`
	Content            string    `json:"content"`
	Tags               []string  `json:"tags,omitempty"`
	Priority           int       `json:"priority"`
	Archived           bool      `json:"archived"`
	AttemptedSolutions []string  `json:"attempted_solutions,omitempty"`
	FailureCount       int       `json:"failure_count"`
	Resolved           bool      `json:"resolved"`
	Resolution         string    `json:"resolution,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// UnifiedMemoryEntry is a long-lived cross-session memory record.
type UnifiedMemoryEntry struct {
	ID             string     `json:"id"`
	Type           string     `json:"type"`
	Category       string     `json:"category,omitempty"`
	Title          string     `json:"title"`
	Content        string     `json:"content"`
	Summary        string     `json:"summary,omitempty"`
	Tags           []string   `json:"tags,omitempty"`
	Confidence     float64    `json:"confidence"`
	Importance     int        `json:"importance"`
	AccessCount    int        `json:"access_count"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	Source         string     `json:"source"`
	Archived       bool       `json:"archived"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// SaveMemoryEntry inserts or replaces a session memory entry.
func (s *Store) SaveMemoryEntry(ctx context.Context, e MemoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Priority == 0 {
		e.Priority = 5
	}
	tags, err := json.Marshal(tagsOrEmpty(e.Tags))
	if err != nil {
		return fmt.Errorf("marshal memory tags: %w", err)
	}
	var attempts any
	if len(e.AttemptedSolutions) > 0 {
		b, err := json.Marshal(e.AttemptedSolutions)
		if err != nil {
			return fmt.Errorf("marshal attempted solutions: %w", err)
		}
		attempts = string(b)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO memory_entries (id, session_id, kind, title, content, tags, priority, archived, attempted_solutions, failure_count, resolved, resolution)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				title = excluded.title,
				content = excluded.content,
				tags = excluded.tags,
				priority = excluded.priority,
				archived = excluded.archived,
				attempted_solutions = excluded.attempted_solutions,
				failure_count = excluded.failure_count,
				resolved = excluded.resolved,
				resolution = excluded.resolution,
				updated_at = CURRENT_TIMESTAMP;
		`, e.ID, e.SessionID, e.Kind, e.Title, e.Content, string(tags), e.Priority,
			boolToInt(e.Archived), attempts, e.FailureCount, boolToInt(e.Resolved), nullable(e.Resolution))
		if err != nil {
			return fmt.Errorf("save memory entry: %w", err)
		}
		return nil
	})
}

// ListMemoryEntries returns non-archived entries for a session, highest
// priority first. kind filters when non-empty.
func (s *Store) ListMemoryEntries(ctx context.Context, sessionID, kind string) ([]MemoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		SELECT id, session_id, kind, title, content, tags, priority, archived,
			attempted_solutions, failure_count, resolved, COALESCE(resolution, ''), created_at, updated_at
		FROM memory_entries
		WHERE session_id = ? AND archived = 0`
	args := []any{sessionID}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY priority DESC, updated_at DESC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memory entries: %w", err)
	}
	defer rows.Close()

	var out []MemoryEntry
	for rows.Next() {
		var e MemoryEntry
		var tags string
		var attempts sql.NullString
		var archived, resolved int
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Kind, &e.Title, &e.Content, &tags, &e.Priority,
			&archived, &attempts, &e.FailureCount, &resolved, &e.Resolution, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.Archived = archived != 0
		e.Resolved = resolved != 0
		if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
			return nil, fmt.Errorf("decode memory tags for %s: %w", e.ID, err)
		}
		if attempts.Valid && attempts.String != "" {
			if err := json.Unmarshal([]byte(attempts.String), &e.AttemptedSolutions); err != nil {
				return nil, fmt.Errorf("decode attempted solutions for %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordMemoryFailure appends an attempted solution to an error_log entry
// and bumps its failure count.
func (s *Store) RecordMemoryFailure(ctx context.Context, id, attempt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin memory tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var raw sql.NullString
		err = tx.QueryRowContext(ctx, `SELECT attempted_solutions FROM memory_entries WHERE id = ?;`, id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMemoryNotFound
		}
		if err != nil {
			return fmt.Errorf("read attempted solutions: %w", err)
		}
		var attempts []string
		if raw.Valid && raw.String != "" {
			if err := json.Unmarshal([]byte(raw.String), &attempts); err != nil {
				return fmt.Errorf("decode attempted solutions: %w", err)
			}
		}
		attempts = append(attempts, attempt)
		b, err := json.Marshal(attempts)
		if err != nil {
			return fmt.Errorf("marshal attempted solutions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE memory_entries
			SET attempted_solutions = ?, failure_count = failure_count + 1, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, string(b), id); err != nil {
			return fmt.Errorf("record memory failure: %w", err)
		}
		return tx.Commit()
	})
}

// ResolveMemoryEntry marks an error_log entry resolved with its resolution.
func (s *Store) ResolveMemoryEntry(ctx context.Context, id, resolution string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE memory_entries
			SET resolved = 1, resolution = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, resolution, id)
		if err != nil {
			return fmt.Errorf("resolve memory entry: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrMemoryNotFound
		}
		return nil
	})
}

// ArchiveMemoryEntries archives all entries for a session, used when a
// session's working set is compacted.
func (s *Store) ArchiveMemoryEntries(ctx context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE memory_entries SET archived = 1, updated_at = CURRENT_TIMESTAMP
			WHERE session_id = ? AND archived = 0;
		`, sessionID)
		if err != nil {
			return fmt.Errorf("archive memory entries: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// SaveUnifiedMemory inserts or replaces a cross-session memory record.
func (s *Store) SaveUnifiedMemory(ctx context.Context, e UnifiedMemoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Importance == 0 {
		e.Importance = 5
	}
	if e.Confidence == 0 {
		e.Confidence = 0.5
	}
	if e.Source == "" {
		e.Source = "manual"
	}
	tags, err := json.Marshal(tagsOrEmpty(e.Tags))
	if err != nil {
		return fmt.Errorf("marshal unified memory tags: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO unified_memory (id, type, category, title, content, summary, tags, confidence, importance, source, archived)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				type = excluded.type,
				category = excluded.category,
				title = excluded.title,
				content = excluded.content,
				summary = excluded.summary,
				tags = excluded.tags,
				confidence = excluded.confidence,
				importance = excluded.importance,
				source = excluded.source,
				archived = excluded.archived,
				updated_at = CURRENT_TIMESTAMP;
		`, e.ID, e.Type, nullable(e.Category), e.Title, e.Content, nullable(e.Summary),
			string(tags), e.Confidence, e.Importance, e.Source, boolToInt(e.Archived))
		if err != nil {
			return fmt.Errorf("save unified memory: %w", err)
		}
		return nil
	})
}

// SearchUnifiedMemory returns non-archived records matching the query in
// title, content, or summary, highest importance first. Touches access
// bookkeeping for returned rows.
func (s *Store) SearchUnifiedMemory(ctx context.Context, query string, limit int) ([]UnifiedMemoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}
	like := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, COALESCE(category, ''), title, content, COALESCE(summary, ''), tags,
			confidence, importance, access_count, last_accessed_at, source, archived, created_at, updated_at
		FROM unified_memory
		WHERE archived = 0 AND (title LIKE ? OR content LIKE ? OR summary LIKE ?)
		ORDER BY importance DESC, updated_at DESC
		LIMIT ?;
	`, like, like, like, limit)
	if err != nil {
		return nil, fmt.Errorf("search unified memory: %w", err)
	}
	defer rows.Close()

	var out []UnifiedMemoryEntry
	for rows.Next() {
		e, err := scanUnifiedMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, e := range out {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE unified_memory
			SET access_count = access_count + 1, last_accessed_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, e.ID); err != nil {
			return nil, fmt.Errorf("touch unified memory %s: %w", e.ID, err)
		}
	}
	return out, nil
}

// GetUnifiedMemory loads one record without touching access bookkeeping.
func (s *Store) GetUnifiedMemory(ctx context.Context, id string) (UnifiedMemoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, COALESCE(category, ''), title, content, COALESCE(summary, ''), tags,
			confidence, importance, access_count, last_accessed_at, source, archived, created_at, updated_at
		FROM unified_memory WHERE id = ?;
	`, id)
	e, err := scanUnifiedMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return UnifiedMemoryEntry{}, ErrMemoryNotFound
	}
	return e, err
}

// DeleteUnifiedMemory removes one record.
func (s *Store) DeleteUnifiedMemory(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM unified_memory WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("delete unified memory: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrMemoryNotFound
		}
		return nil
	})
}

func scanUnifiedMemory(row rowScanner) (UnifiedMemoryEntry, error) {
	var e UnifiedMemoryEntry
	var tags string
	var lastAccessed sql.NullTime
	var archived int
	if err := row.Scan(&e.ID, &e.Type, &e.Category, &e.Title, &e.Content, &e.Summary, &tags,
		&e.Confidence, &e.Importance, &e.AccessCount, &lastAccessed, &e.Source, &archived,
		&e.CreatedAt, &e.UpdatedAt); err != nil {
		return UnifiedMemoryEntry{}, err
	}
	e.Archived = archived != 0
	if lastAccessed.Valid {
		v := lastAccessed.Time
		e.LastAccessedAt = &v
	}
	if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
		return UnifiedMemoryEntry{}, fmt.Errorf("decode unified memory tags for %s: %w", e.ID, err)
	}
	return e, nil
}

func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
