package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lyqf/proxycast/internal/bus"
	"github.com/lyqf/proxycast/internal/config"
	"github.com/lyqf/proxycast/internal/store"
	"github.com/lyqf/proxycast/internal/telemetry"
)

// TaskRunner executes one scheduled task's payload and returns its textual
// result. The agent-backed runner lives in the composition root.
type TaskRunner interface {
	RunTask(ctx context.Context, task store.ScheduledTask) (string, error)
}

// RunnerFunc adapts a function to TaskRunner.
type RunnerFunc func(ctx context.Context, task store.ScheduledTask) (string, error)

func (f RunnerFunc) RunTask(ctx context.Context, task store.ScheduledTask) (string, error) {
	return f(ctx, task)
}

// HeartbeatRunner executes one checklist task.
type HeartbeatRunner interface {
	RunHeartbeatTask(ctx context.Context, task HeartbeatTask) (string, error)
}

// HeartbeatRunnerFunc adapts a function to HeartbeatRunner.
type HeartbeatRunnerFunc func(ctx context.Context, task HeartbeatTask) (string, error)

func (f HeartbeatRunnerFunc) RunHeartbeatTask(ctx context.Context, task HeartbeatTask) (string, error) {
	return f(ctx, task)
}

// Options wires a Scheduler.
type Options struct {
	Store     *store.Store
	Runner    TaskRunner
	Heartbeat *HeartbeatSource // optional checklist source
	HBRunner  HeartbeatRunner  // required when Heartbeat is set
	Bus       *bus.Bus
	Logger    *slog.Logger
	Metrics   *telemetry.Metrics
	Config    config.SchedulerConfig
}

// Scheduler drives the task table and the heartbeat checklist.
type Scheduler struct {
	store     *store.Store
	runner    TaskRunner
	heartbeat *HeartbeatSource
	hbRunner  HeartbeatRunner
	bus       *bus.Bus
	logger    *slog.Logger
	metrics   *telemetry.Metrics

	interval  time.Duration
	retries   int
	threshold int
	cooldown  time.Duration

	cycle  int64
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a scheduler from config, applying the documented defaults.
func New(opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := time.Duration(opts.Config.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	threshold := opts.Config.FailureThreshold
	if threshold <= 0 {
		threshold = 3
	}
	cooldown := time.Duration(opts.Config.CooldownSeconds) * time.Second
	if cooldown <= 0 {
		cooldown = 300 * time.Second
	}
	retries := opts.Config.RetriesPerCycle
	if retries < 0 {
		retries = 0
	}
	return &Scheduler{
		store:     opts.Store,
		runner:    opts.Runner,
		heartbeat: opts.Heartbeat,
		hbRunner:  opts.HBRunner,
		bus:       opts.Bus,
		logger:    logger,
		metrics:   opts.Metrics,
		interval:  interval,
		retries:   retries,
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Start launches the loop in the background.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval, "failure_threshold", s.threshold, "cooldown", s.cooldown)
}

// Stop cancels the loop and waits for it to drain.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	var changed chan struct{}
	if s.heartbeat != nil {
		changed = make(chan struct{}, 1)
		stop, err := s.heartbeat.Watch(ctx, changed)
		if err != nil {
			s.logger.Warn("heartbeat watch unavailable", "err", err)
			changed = nil
		} else {
			defer stop()
		}
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		case <-changed:
			s.logger.Info("heartbeat file changed, running cycle")
			s.RunCycle(ctx)
		}
	}
}

// RunCycle processes every due stored task, then the heartbeat checklist,
// and publishes a cycle summary.
func (s *Scheduler) RunCycle(ctx context.Context) {
	s.cycle++
	now := time.Now()
	succeeded, failed := 0, 0

	due, err := s.store.DueScheduledTasks(ctx, now)
	if err != nil {
		s.logger.Error("due task query failed", "err", err)
		return
	}
	for _, task := range due {
		if ctx.Err() != nil {
			return
		}
		if err := s.Dispatch(ctx, task.ID); err != nil {
			failed++
		} else {
			succeeded++
		}
	}

	hbOK, hbFail := s.runHeartbeat(ctx)
	succeeded += hbOK
	failed += hbFail

	total := succeeded + failed
	if total > 0 && s.bus != nil {
		s.bus.Publish(bus.TopicCycleSummary, bus.CycleSummaryEvent{
			Cycle:     s.cycle,
			TaskCount: total,
			Succeeded: succeeded,
			Failed:    failed,
			Summary:   fmt.Sprintf("cycle %d: %d task(s), %d ok, %d failed", s.cycle, total, succeeded, failed),
		})
	}
}

// Dispatch runs one task through cooldown governance and in-cycle retries.
// It serves both the loop and manual triggers, so cooldown rejection is
// enforced on every path.
func (s *Scheduler) Dispatch(ctx context.Context, taskID string) error {
	now := time.Now()
	task, err := s.store.BeginTaskRun(ctx, taskID, now)
	if err != nil {
		if errors.Is(err, store.ErrTaskCooldown) {
			s.logger.Warn("task in cooldown", "task_id", taskID, "err", err)
			if s.bus != nil {
				s.bus.Publish(bus.TopicTaskCooldown, bus.TaskNotifyEvent{
					TaskID: taskID, Status: "rejected", Error: err.Error(),
				})
			}
			if s.metrics != nil {
				s.metrics.CronCooldowns.Add(ctx, 1)
			}
		}
		return err
	}
	if s.metrics != nil {
		s.metrics.CronFires.Add(ctx, 1)
	}

	var result string
	var runErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			s.logger.Info("retrying task", "task_id", taskID, "attempt", attempt)
		}
		result, runErr = s.runner.RunTask(ctx, task)
		if runErr == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	if runErr != nil {
		updated, failErr := s.store.FailTaskRun(ctx, taskID, runErr.Error(), s.threshold, s.cooldown, time.Now())
		if failErr != nil {
			s.logger.Error("task failure bookkeeping failed", "task_id", taskID, "err", failErr)
		} else if updated.AutoDisabledUntil != nil {
			s.logger.Warn("task entered cooldown",
				"task_id", taskID,
				"consecutive_failures", updated.ConsecutiveFailures,
				"until", updated.AutoDisabledUntil.Format(time.RFC3339))
		}
		s.notify(task, "failed", runErr.Error())
		s.rearm(ctx, task)
		return fmt.Errorf("task %s: %w", taskID, runErr)
	}

	if err := s.store.CompleteTaskRun(ctx, taskID); err != nil {
		s.logger.Error("task completion bookkeeping failed", "task_id", taskID, "err", err)
	}
	s.logger.Info("task completed", "task_id", taskID, "result_len", len(result))
	s.notify(task, "completed", "")
	s.rearm(ctx, task)
	return nil
}

// rearm computes the next firing and resets the task to pending. Expired
// one-shots stay idle in their terminal status.
func (s *Scheduler) rearm(ctx context.Context, task store.ScheduledTask) {
	sched, err := ParseSchedule(task.ScheduleKind, task.ScheduleSpec)
	if err != nil {
		s.logger.Error("unparsable schedule", "task_id", task.ID, "err", err)
		return
	}
	next, ok := sched.NextRun(time.Now())
	if !ok || sched.OneShot() {
		if err := s.store.IdleTask(ctx, task.ID); err != nil {
			s.logger.Error("idle transition failed", "task_id", task.ID, "err", err)
		}
		return
	}
	if err := s.store.RearmTask(ctx, task.ID, &next); err != nil {
		s.logger.Error("rearm failed", "task_id", task.ID, "err", err)
	}
}

func (s *Scheduler) runHeartbeat(ctx context.Context) (succeeded, failed int) {
	if s.heartbeat == nil || s.hbRunner == nil {
		return 0, 0
	}
	tasks, err := s.heartbeat.Load()
	if err != nil {
		s.logger.Error("heartbeat load failed", "err", err)
		return 0, 0
	}
	var done []HeartbeatTask
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		taskCtx := ctx
		var cancel context.CancelFunc
		if task.Timeout > 0 {
			taskCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		}
		_, err := s.hbRunner.RunHeartbeatTask(taskCtx, task)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			failed++
			s.logger.Warn("heartbeat task failed", "task", task.Description, "err", err)
			if s.bus != nil {
				s.bus.Publish(bus.TopicTaskNotify, bus.TaskNotifyEvent{
					Description: task.Description, Status: "failed", Error: err.Error(),
				})
			}
			continue
		}
		succeeded++
		done = append(done, task)
	}
	if err := s.heartbeat.RemoveOnce(done); err != nil {
		s.logger.Error("once-task removal failed", "err", err)
	}
	return succeeded, failed
}

func (s *Scheduler) notify(task store.ScheduledTask, status, errMsg string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicTaskNotify, bus.TaskNotifyEvent{
		TaskID:      task.ID,
		Description: task.Description,
		Status:      status,
		Error:       errMsg,
	})
}
