package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrRunNotFound is returned when a run id does not exist.
var ErrRunNotFound = errors.New("run not found")

// Run statuses. A run transitions exactly once from running to a terminal
// state and is immutable afterwards.
const (
	RunStatusRunning  = "running"
	RunStatusSuccess  = "success"
	RunStatusError    = "error"
	RunStatusTimeout  = "timeout"
	RunStatusCanceled = "canceled"
)

// Run sources.
const (
	RunSourceChat      = "chat"
	RunSourceHeartbeat = "heartbeat"
	RunSourceRPC       = "rpc"
	RunSourceTelegram  = "telegram"
	RunSourceSystem    = "system"
)

// Run is one logical execution bounded by a start and a terminal finalize.
type Run struct {
	ID           string     `json:"id"`
	Source       string     `json:"source"`
	SourceRef    string     `json:"source_ref,omitempty"`
	SessionID    string     `json:"session_id,omitempty"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	DurationMS   *int64     `json:"duration_ms,omitempty"`
	ErrorCode    string     `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Metadata     string     `json:"metadata"`
}

// IsTerminal reports whether the run reached a terminal status.
func (r Run) IsTerminal() bool {
	return r.Status != RunStatusRunning
}

// InsertRun creates a run row in status running.
func (s *Store) InsertRun(ctx context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.Metadata == "" {
		run.Metadata = "{}"
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO runs (id, source, source_ref, session_id, status, started_at, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, run.ID, run.Source, nullable(run.SourceRef), nullable(run.SessionID), RunStatusRunning, run.StartedAt.UTC(), run.Metadata)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return nil
	})
}

// FinalizeRun moves a run to a terminal status. The update only fires while
// the row is still running, which makes terminal runs immutable and double
// finalization a no-op; the bool result reports whether this call won.
func (s *Store) FinalizeRun(ctx context.Context, runID, status, errorCode, errorMessage, metadata string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch status {
	case RunStatusSuccess, RunStatusError, RunStatusTimeout, RunStatusCanceled:
	default:
		return false, fmt.Errorf("invalid terminal status %q", status)
	}

	var won bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin finalize tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var startedAt time.Time
		var current string
		err = tx.QueryRowContext(ctx, `SELECT status, started_at FROM runs WHERE id = ?;`, runID).Scan(&current, &startedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrRunNotFound
		}
		if err != nil {
			return fmt.Errorf("read run: %w", err)
		}
		if current != RunStatusRunning {
			won = false
			return tx.Commit()
		}

		now := time.Now().UTC()
		duration := now.Sub(startedAt.UTC()).Milliseconds()
		if duration < 0 {
			duration = 0
		}
		if metadata == "" {
			metadata = "{}"
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE runs
			SET status = ?, finished_at = ?, duration_ms = ?, error_code = ?, error_message = ?, metadata = ?
			WHERE id = ? AND status = ?;
		`, status, now, duration, nullable(errorCode), nullable(errorMessage), metadata, runID, RunStatusRunning)
		if err != nil {
			return fmt.Errorf("finalize run: %w", err)
		}
		n, _ := res.RowsAffected()
		won = n > 0
		return tx.Commit()
	})
	return won, err
}

// GetRun loads one run.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var run Run
	var sourceRef, sessionID, errorCode, errorMessage sql.NullString
	var finishedAt sql.NullTime
	var durationMS sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, source, source_ref, session_id, status, started_at, finished_at, duration_ms, error_code, error_message, metadata
		FROM runs WHERE id = ?;
	`, runID).Scan(&run.ID, &run.Source, &sourceRef, &sessionID, &run.Status, &run.StartedAt,
		&finishedAt, &durationMS, &errorCode, &errorMessage, &run.Metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("query run: %w", err)
	}
	run.SourceRef = sourceRef.String
	run.SessionID = sessionID.String
	run.ErrorCode = errorCode.String
	run.ErrorMessage = errorMessage.String
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	if durationMS.Valid {
		d := durationMS.Int64
		run.DurationMS = &d
	}
	return run, nil
}

// RunStats aggregates companion statistics for a session.
type RunStats struct {
	TotalRuns     int `json:"total_runs"`
	FailedLast24h int `json:"failed_last_24h"`
}

// SessionRunStats derives run statistics for one session.
func (s *Store) SessionRunStats(ctx context.Context, sessionID string) (RunStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats RunStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status IN ('error', 'timeout') AND finished_at >= DATETIME('now', '-1 day') THEN 1 ELSE 0 END), 0)
		FROM runs WHERE session_id = ?;
	`, sessionID).Scan(&stats.TotalRuns, &stats.FailedLast24h)
	if err != nil {
		return RunStats{}, fmt.Errorf("session run stats: %w", err)
	}
	return stats, nil
}

// HourlyFailureBucket is one hour of the 24-hour failure trend.
type HourlyFailureBucket struct {
	HourOffset int `json:"hour_offset"` // 0 = current hour, 23 = oldest
	Failures   int `json:"failures"`
	Total      int `json:"total"`
}

// FailureTrend24h returns 24 hourly buckets of run outcomes for a source,
// newest bucket first.
func (s *Store) FailureTrend24h(ctx context.Context, source string) ([]HourlyFailureBucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT CAST((JULIANDAY('now') - JULIANDAY(finished_at)) * 24 AS INTEGER) AS hour_offset,
			SUM(CASE WHEN status IN ('error', 'timeout') THEN 1 ELSE 0 END),
			COUNT(*)
		FROM runs
		WHERE source = ? AND finished_at >= DATETIME('now', '-1 day')
		GROUP BY hour_offset;
	`, source)
	if err != nil {
		return nil, fmt.Errorf("query failure trend: %w", err)
	}
	defer rows.Close()

	buckets := make([]HourlyFailureBucket, 24)
	for i := range buckets {
		buckets[i].HourOffset = i
	}
	for rows.Next() {
		var offset, failures, total int
		if err := rows.Scan(&offset, &failures, &total); err != nil {
			return nil, fmt.Errorf("scan failure trend: %w", err)
		}
		if offset >= 0 && offset < 24 {
			buckets[offset].Failures = failures
			buckets[offset].Total = total
		}
	}
	return buckets, rows.Err()
}

// CountRunningOlderThan counts runs still marked running that started more
// than the given duration ago. Used by cron.health to flag stuck tasks.
func (s *Store) CountRunningOlderThan(ctx context.Context, age time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	cutoff := time.Now().UTC().Add(-age)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM runs WHERE status = 'running' AND started_at < ?;
	`, cutoff).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count stuck runs: %w", err)
	}
	return n, nil
}
