package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/lyqf/proxycast/internal/config"
	"github.com/lyqf/proxycast/internal/scheduler"
	"github.com/lyqf/proxycast/internal/store"
)

func newTestScheduler(t *testing.T, runner scheduler.TaskRunner, cfg config.SchedulerConfig) (*scheduler.Scheduler, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "proxycast.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return scheduler.New(scheduler.Options{Store: st, Runner: runner, Config: cfg}), st
}

func seedTask(t *testing.T, st *store.Store, id string) {
	t.Helper()
	past := time.Now().Add(-time.Minute)
	err := st.UpsertScheduledTask(context.Background(), store.ScheduledTask{
		ID:           id,
		Name:         id,
		Description:  "test task",
		Payload:      "do the thing",
		ScheduleKind: scheduler.KindEvery,
		ScheduleSpec: `{"every_secs":60}`,
		ScheduledAt:  &past,
		Status:       "pending",
		Enabled:      true,
	})
	if err != nil {
		t.Fatalf("seed task: %v", err)
	}
}

func TestDispatch_SuccessRearmsTask(t *testing.T) {
	runner := scheduler.RunnerFunc(func(ctx context.Context, task store.ScheduledTask) (string, error) {
		return "ok", nil
	})
	s, st := newTestScheduler(t, runner, config.SchedulerConfig{})
	seedTask(t, st, "t1")

	if err := s.Dispatch(context.Background(), "t1"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	task, err := st.GetScheduledTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != "pending" {
		t.Fatalf("status = %q, want pending after rearm", task.Status)
	}
	if task.ScheduledAt == nil || !task.ScheduledAt.After(time.Now()) {
		t.Fatalf("scheduled_at = %v, want future", task.ScheduledAt)
	}
	if task.ConsecutiveFailures != 0 {
		t.Fatalf("consecutive_failures = %d", task.ConsecutiveFailures)
	}
}

func TestDispatch_RetriesWithinCycle(t *testing.T) {
	calls := 0
	runner := scheduler.RunnerFunc(func(ctx context.Context, task store.ScheduledTask) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	s, st := newTestScheduler(t, runner, config.SchedulerConfig{RetriesPerCycle: 2})
	seedTask(t, st, "t1")

	if err := s.Dispatch(context.Background(), "t1"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDispatch_FailureThresholdArmsCooldown(t *testing.T) {
	runner := scheduler.RunnerFunc(func(ctx context.Context, task store.ScheduledTask) (string, error) {
		return "", errors.New("boom")
	})
	s, st := newTestScheduler(t, runner, config.SchedulerConfig{FailureThreshold: 2, CooldownSeconds: 300})
	seedTask(t, st, "t1")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := s.Dispatch(ctx, "t1"); err == nil {
			t.Fatalf("dispatch %d should fail", i)
		}
	}
	task, err := st.GetScheduledTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.ConsecutiveFailures != 2 {
		t.Fatalf("consecutive_failures = %d, want 2", task.ConsecutiveFailures)
	}
	if task.AutoDisabledUntil == nil || !task.AutoDisabledUntil.After(time.Now()) {
		t.Fatalf("auto_disabled_until = %v, want armed", task.AutoDisabledUntil)
	}

	// Manual trigger during cooldown is rejected citing the deadline.
	err = s.Dispatch(ctx, "t1")
	if !errors.Is(err, store.ErrTaskCooldown) {
		t.Fatalf("err = %v, want ErrTaskCooldown", err)
	}
}

func TestDispatch_SuccessClearsCooldownState(t *testing.T) {
	fail := true
	runner := scheduler.RunnerFunc(func(ctx context.Context, task store.ScheduledTask) (string, error) {
		if fail {
			return "", errors.New("boom")
		}
		return "ok", nil
	})
	s, st := newTestScheduler(t, runner, config.SchedulerConfig{FailureThreshold: 5})
	seedTask(t, st, "t1")
	ctx := context.Background()

	_ = s.Dispatch(ctx, "t1")
	fail = false
	if err := s.Dispatch(ctx, "t1"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	task, _ := st.GetScheduledTask(ctx, "t1")
	if task.ConsecutiveFailures != 0 || task.AutoDisabledUntil != nil {
		t.Fatalf("failure state survived success: %+v", task)
	}
}

func TestDispatch_UnknownTask(t *testing.T) {
	s, _ := newTestScheduler(t, scheduler.RunnerFunc(func(ctx context.Context, task store.ScheduledTask) (string, error) {
		return "", nil
	}), config.SchedulerConfig{})
	if err := s.Dispatch(context.Background(), "ghost"); !errors.Is(err, store.ErrTaskNotFound) {
		t.Fatalf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestRunCycle_OneShotNotRearmed(t *testing.T) {
	runner := scheduler.RunnerFunc(func(ctx context.Context, task store.ScheduledTask) (string, error) {
		return "ok", nil
	})
	s, st := newTestScheduler(t, runner, config.SchedulerConfig{})
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	when := past.Format(time.RFC3339)
	if err := st.UpsertScheduledTask(ctx, store.ScheduledTask{
		ID:           "once1",
		Name:         "once1",
		Payload:      "one shot",
		ScheduleKind: scheduler.KindAt,
		ScheduleSpec: fmt.Sprintf(`{"when":%q}`, when),
		ScheduledAt:  &past,
		Status:       "pending",
		Enabled:      true,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	s.RunCycle(ctx)
	task, err := st.GetScheduledTask(ctx, "once1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != "completed" {
		t.Fatalf("status = %q, want completed and idle", task.Status)
	}

	// A second cycle must not pick it up again.
	due, err := st.DueScheduledTasks(ctx, time.Now())
	if err != nil {
		t.Fatalf("due query: %v", err)
	}
	for _, d := range due {
		if d.ID == "once1" {
			t.Fatal("expired one-shot still due")
		}
	}
}
