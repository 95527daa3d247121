package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// SyntheticTimeoutStatus is the status code attached to budget violations so
// the retry predicate treats them like an upstream 408.
const SyntheticTimeoutStatus = 408

// TimeoutError marks a request or stream-idle budget violation.
type TimeoutError struct {
	Budget  string // "request" or "stream_idle"
	Elapsed time.Duration
	Limit   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timeout after %s (limit %s)", e.Budget, e.Elapsed.Round(time.Millisecond), e.Limit)
}

// IsTimeout reports whether err is a budget violation.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// TimeoutController enforces two budgets over one upstream call: total wall
// clock and time since the last streamed chunk.
type TimeoutController struct {
	RequestTimeout    time.Duration
	StreamIdleTimeout time.Duration
}

// Run executes op under the request budget. op receives a derived context
// and a Ticker it must touch on every streamed chunk; going idle past the
// stream budget cancels the context. The returned error is a *TimeoutError
// when either budget fired.
func (c TimeoutController) Run(ctx context.Context, op func(ctx context.Context, tick *Ticker) error) error {
	runCtx := ctx
	var cancel context.CancelFunc
	start := time.Now()
	if c.RequestTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.RequestTimeout)
		defer cancel()
	} else {
		runCtx, cancel = context.WithCancel(ctx)
		defer cancel()
	}

	tick := newTicker()
	var idleFired bool
	var mu sync.Mutex

	if c.StreamIdleTimeout > 0 {
		done := make(chan struct{})
		defer close(done)
		go func() {
			timer := time.NewTimer(c.StreamIdleTimeout)
			defer timer.Stop()
			for {
				select {
				case <-done:
					return
				case <-runCtx.Done():
					return
				case <-timer.C:
					idle := time.Since(tick.last())
					if idle >= c.StreamIdleTimeout {
						mu.Lock()
						idleFired = true
						mu.Unlock()
						cancel()
						return
					}
					timer.Reset(c.StreamIdleTimeout - idle)
				}
			}
		}()
	}

	err := op(runCtx, tick)

	mu.Lock()
	idle := idleFired
	mu.Unlock()
	if idle {
		return &TimeoutError{Budget: "stream_idle", Elapsed: time.Since(start), Limit: c.StreamIdleTimeout}
	}
	if c.RequestTimeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return &TimeoutError{Budget: "request", Elapsed: time.Since(start), Limit: c.RequestTimeout}
	}
	return err
}

// Ticker records stream liveness. Safe for concurrent use.
type Ticker struct {
	mu   sync.Mutex
	when time.Time
}

func newTicker() *Ticker {
	return &Ticker{when: time.Now()}
}

// Touch marks activity, resetting the idle budget.
func (t *Ticker) Touch() {
	t.mu.Lock()
	t.when = time.Now()
	t.mu.Unlock()
}

func (t *Ticker) last() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.when
}
