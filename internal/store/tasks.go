package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrTaskNotFound is returned when a scheduled task id does not exist.
var ErrTaskNotFound = errors.New("scheduled task not found")

// ErrTaskCooldown is returned when a dispatch path hits a task whose
// cooldown window has not cleared. Callers surface auto_disabled_until.
var ErrTaskCooldown = errors.New("task in cooldown")

// Scheduled task statuses.
const (
	TaskStatusPending   = "pending"
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
	TaskStatusCancelled = "cancelled"
)

// ScheduledTask is one recurring or one-shot task managed by the scheduler.
type ScheduledTask struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	Description         string     `json:"description,omitempty"`
	Payload             string     `json:"payload"`
	ProviderID          string     `json:"provider_id,omitempty"`
	Model               string     `json:"model,omitempty"`
	ScheduleKind        string     `json:"schedule_kind"` // every, cron, at, every_anchor
	ScheduleSpec        string     `json:"schedule_spec"`
	ScheduledAt         *time.Time `json:"scheduled_at,omitempty"`
	Status              string     `json:"status"`
	Enabled             bool       `json:"enabled"`
	RetryCount          int        `json:"retry_count"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	AutoDisabledUntil   *time.Time `json:"auto_disabled_until,omitempty"`
	LastRunAt           *time.Time `json:"last_run_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// InCooldown reports whether the task's cooldown window is still active.
func (t ScheduledTask) InCooldown(now time.Time) bool {
	return t.AutoDisabledUntil != nil && now.Before(*t.AutoDisabledUntil)
}

// UpsertScheduledTask inserts or replaces a scheduled task definition,
// preserving failure bookkeeping on replace.
func (s *Store) UpsertScheduledTask(ctx context.Context, t ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.Status == "" {
		t.Status = TaskStatusPending
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO scheduled_tasks (id, name, description, payload, provider_id, model, schedule_kind, schedule_spec, scheduled_at, status, enabled)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				description = excluded.description,
				payload = excluded.payload,
				provider_id = excluded.provider_id,
				model = excluded.model,
				schedule_kind = excluded.schedule_kind,
				schedule_spec = excluded.schedule_spec,
				scheduled_at = excluded.scheduled_at,
				enabled = excluded.enabled,
				updated_at = CURRENT_TIMESTAMP;
		`, t.ID, t.Name, nullable(t.Description), t.Payload, nullable(t.ProviderID), nullable(t.Model),
			t.ScheduleKind, t.ScheduleSpec, timePtr(t.ScheduledAt), t.Status, boolToInt(t.Enabled))
		if err != nil {
			return fmt.Errorf("upsert scheduled task: %w", err)
		}
		return nil
	})
}

// GetScheduledTask loads one task.
func (s *Store) GetScheduledTask(ctx context.Context, id string) (ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getScheduledTaskLocked(ctx, id)
}

func (s *Store) getScheduledTaskLocked(ctx context.Context, id string) (ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(description, ''), payload, COALESCE(provider_id, ''), COALESCE(model, ''),
			schedule_kind, schedule_spec, scheduled_at, status, enabled, retry_count,
			consecutive_failures, auto_disabled_until, last_run_at, COALESCE(last_error, ''), created_at, updated_at
		FROM scheduled_tasks WHERE id = ?;
	`, id)
	t, err := scanScheduledTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduledTask{}, ErrTaskNotFound
	}
	return t, err
}

// ListScheduledTasks returns every task ordered by name.
func (s *Store) ListScheduledTasks(ctx context.Context) ([]ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(description, ''), payload, COALESCE(provider_id, ''), COALESCE(model, ''),
			schedule_kind, schedule_spec, scheduled_at, status, enabled, retry_count,
			consecutive_failures, auto_disabled_until, last_run_at, COALESCE(last_error, ''), created_at, updated_at
		FROM scheduled_tasks ORDER BY name;
	`)
	if err != nil {
		return nil, fmt.Errorf("query scheduled tasks: %w", err)
	}
	defer rows.Close()

	var out []ScheduledTask
	for rows.Next() {
		t, err := scanScheduledTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// BeginTaskRun transitions a task to running. Every dispatch path goes
// through here, so a cooldown window blocks the scheduler loop and manual
// triggers alike.
func (s *Store) BeginTaskRun(ctx context.Context, id string, now time.Time) (ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var task ScheduledTask
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT id, name, COALESCE(description, ''), payload, COALESCE(provider_id, ''), COALESCE(model, ''),
				schedule_kind, schedule_spec, scheduled_at, status, enabled, retry_count,
				consecutive_failures, auto_disabled_until, last_run_at, COALESCE(last_error, ''), created_at, updated_at
			FROM scheduled_tasks WHERE id = ?;
		`, id)
		t, err := scanScheduledTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return err
		}
		if t.InCooldown(now) {
			return fmt.Errorf("%w until %s", ErrTaskCooldown, t.AutoDisabledUntil.UTC().Format(time.RFC3339))
		}
		if !t.Enabled {
			return fmt.Errorf("task %s is disabled", id)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE scheduled_tasks
			SET status = ?, last_run_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, TaskStatusRunning, now.UTC(), id); err != nil {
			return fmt.Errorf("mark task running: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		t.Status = TaskStatusRunning
		lr := now.UTC()
		t.LastRunAt = &lr
		task = t
		return nil
	})
	return task, err
}

// CompleteTaskRun records a successful run: failure bookkeeping and any
// cooldown clear together.
func (s *Store) CompleteTaskRun(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks
			SET status = ?, consecutive_failures = 0, auto_disabled_until = NULL, retry_count = 0,
				last_error = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, TaskStatusCompleted, id)
		if err != nil {
			return fmt.Errorf("complete task run: %w", err)
		}
		return nil
	})
}

// FailTaskRun records a failed run, bumping consecutive_failures and arming
// the cooldown window once the threshold is reached. Returns the updated row.
func (s *Store) FailTaskRun(ctx context.Context, id, errMsg string, threshold int, cooldown time.Duration, now time.Time) (ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var task ScheduledTask
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			UPDATE scheduled_tasks
			SET status = ?, consecutive_failures = consecutive_failures + 1,
				last_error = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, TaskStatusFailed, errMsg, id); err != nil {
			return fmt.Errorf("mark task failed: %w", err)
		}

		var failures int
		if err := tx.QueryRowContext(ctx, `
			SELECT consecutive_failures FROM scheduled_tasks WHERE id = ?;
		`, id).Scan(&failures); err != nil {
			return fmt.Errorf("read task failures: %w", err)
		}
		if threshold > 0 && failures >= threshold {
			until := now.UTC().Add(cooldown)
			if _, err := tx.ExecContext(ctx, `
				UPDATE scheduled_tasks SET auto_disabled_until = ? WHERE id = ?;
			`, until, id); err != nil {
				return fmt.Errorf("arm task cooldown: %w", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		t, err := s.getScheduledTaskLocked(ctx, id)
		if err != nil {
			return err
		}
		task = t
		return nil
	})
	return task, err
}

// IdleTask clears a task's scheduled_at so it drops out of the due set
// without touching its terminal status. Used for expired one-shots.
func (s *Store) IdleTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks
			SET scheduled_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, id)
		if err != nil {
			return fmt.Errorf("idle task: %w", err)
		}
		return nil
	})
}

// RearmTask resets a completed/failed task back to pending with a new
// scheduled_at.
func (s *Store) RearmTask(ctx context.Context, id string, next *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks
			SET status = ?, scheduled_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, TaskStatusPending, timePtr(next), id)
		if err != nil {
			return fmt.Errorf("rearm task: %w", err)
		}
		return nil
	})
}

// DueScheduledTasks returns enabled pending tasks whose scheduled_at has
// passed and whose cooldown has cleared.
func (s *Store) DueScheduledTasks(ctx context.Context, now time.Time) ([]ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(description, ''), payload, COALESCE(provider_id, ''), COALESCE(model, ''),
			schedule_kind, schedule_spec, scheduled_at, status, enabled, retry_count,
			consecutive_failures, auto_disabled_until, last_run_at, COALESCE(last_error, ''), created_at, updated_at
		FROM scheduled_tasks
		WHERE enabled = 1
			AND status IN ('pending', 'completed', 'failed')
			AND scheduled_at IS NOT NULL AND scheduled_at <= ?
			AND (auto_disabled_until IS NULL OR auto_disabled_until <= ?)
		ORDER BY scheduled_at ASC;
	`, now.UTC(), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer rows.Close()

	var out []ScheduledTask
	for rows.Next() {
		t, err := scanScheduledTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteScheduledTask removes a task.
func (s *Store) DeleteScheduledTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("delete scheduled task: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrTaskNotFound
		}
		return nil
	})
}

func scanScheduledTask(row rowScanner) (ScheduledTask, error) {
	var t ScheduledTask
	var scheduledAt, autoDisabled, lastRun sql.NullTime
	var enabled int
	if err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Payload, &t.ProviderID, &t.Model,
		&t.ScheduleKind, &t.ScheduleSpec, &scheduledAt, &t.Status, &enabled, &t.RetryCount,
		&t.ConsecutiveFailures, &autoDisabled, &lastRun, &t.LastError, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return ScheduledTask{}, err
	}
	t.Enabled = enabled != 0
	if scheduledAt.Valid {
		v := scheduledAt.Time
		t.ScheduledAt = &v
	}
	if autoDisabled.Valid {
		v := autoDisabled.Time
		t.AutoDisabledUntil = &v
	}
	if lastRun.Valid {
		v := lastRun.Time
		t.LastRunAt = &v
	}
	return t, nil
}

func timePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
