package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicy_DelayGrowsAndCaps(t *testing.T) {
	p := RetryPolicy{
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  time.Second,
		Factor:    2.0,
	}
	if got := p.Delay(0); got != 100*time.Millisecond {
		t.Fatalf("attempt 0 delay = %v, want 100ms", got)
	}
	if got := p.Delay(1); got != 200*time.Millisecond {
		t.Fatalf("attempt 1 delay = %v, want 200ms", got)
	}
	if got := p.Delay(2); got != 400*time.Millisecond {
		t.Fatalf("attempt 2 delay = %v, want 400ms", got)
	}
	// 100ms * 2^10 would be far past the cap.
	if got := p.Delay(10); got != time.Second {
		t.Fatalf("capped delay = %v, want 1s", got)
	}
}

func TestRetryPolicy_JitterBounded(t *testing.T) {
	p := RetryPolicy{
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		Factor:      2.0,
		JitterRatio: 0.2,
	}
	for i := 0; i < 200; i++ {
		d := p.Delay(1)
		if d < 160*time.Millisecond || d > 240*time.Millisecond {
			t.Fatalf("jittered delay %v outside [160ms, 240ms]", d)
		}
	}
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	p := DefaultRetryPolicy()
	if !p.ShouldRetry(0, 503) {
		t.Fatalf("503 at attempt 0 should be retryable")
	}
	if p.ShouldRetry(3, 503) {
		t.Fatalf("retries exhausted at attempt 3")
	}
	if p.ShouldRetry(0, 400) {
		t.Fatalf("400 is not retryable")
	}
	if !p.ShouldRetry(0, SyntheticTimeoutStatus) {
		t.Fatalf("synthetic 408 should be retryable")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		status  int
		message string
		want    FailureClass
	}{
		{429, "too many requests", FailureQuotaExceeded},
		{403, "rate limit reached for this key", FailureQuotaExceeded},
		{400, "monthly quota exceeded", FailureQuotaExceeded},
		{401, "invalid api key", FailureAuthFailure},
		{403, "forbidden", FailureAuthFailure},
		{503, "service unavailable", FailureRetryable},
		{408, "", FailureRetryable},
		{400, "bad request", FailureFatal},
		{404, "model not found", FailureFatal},
		{418, "", FailureUnknown},
	}
	for _, tc := range cases {
		if got := Classify(tc.status, tc.message); got != tc.want {
			t.Errorf("Classify(%d, %q) = %v, want %v", tc.status, tc.message, got, tc.want)
		}
	}
}

func TestFailoverPolicy_SwitchesRing(t *testing.T) {
	var p FailoverPolicy
	d := p.HandleFailure("a", 429, "", []string{"a", "b", "c"})
	if d.Action != ActionSwitch || d.NextProvider != "b" {
		t.Fatalf("expected switch to b, got %v/%s", d.Action, d.NextProvider)
	}
	d = p.HandleFailure("c", 503, "", []string{"a", "b", "c"})
	if d.Action != ActionSwitch || d.NextProvider != "a" {
		t.Fatalf("expected ring wrap to a, got %v/%s", d.Action, d.NextProvider)
	}
}

func TestFailoverPolicy_SingleProviderGivesUp(t *testing.T) {
	var p FailoverPolicy
	d := p.HandleFailure("a", 429, "", []string{"a"})
	if d.Action != ActionGiveUp {
		t.Fatalf("expected give up with a single provider, got %v", d.Action)
	}
}

func TestFailoverPolicy_FatalGivesUp(t *testing.T) {
	var p FailoverPolicy
	d := p.HandleFailure("a", 400, "bad request", []string{"a", "b"})
	if d.Action != ActionGiveUp {
		t.Fatalf("fatal failure must not fail over, got %v", d.Action)
	}
}

func TestTimeoutController_RequestBudget(t *testing.T) {
	c := TimeoutController{RequestTimeout: 30 * time.Millisecond}
	err := c.Run(context.Background(), func(ctx context.Context, tick *Ticker) error {
		<-ctx.Done()
		return ctx.Err()
	})
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if te.Budget != "request" {
		t.Fatalf("expected request budget, got %s", te.Budget)
	}
}

func TestTimeoutController_StreamIdleBudget(t *testing.T) {
	c := TimeoutController{
		RequestTimeout:    time.Second,
		StreamIdleTimeout: 40 * time.Millisecond,
	}
	err := c.Run(context.Background(), func(ctx context.Context, tick *Ticker) error {
		// Two live chunks, then go silent.
		for i := 0; i < 2; i++ {
			time.Sleep(20 * time.Millisecond)
			tick.Touch()
		}
		<-ctx.Done()
		return ctx.Err()
	})
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if te.Budget != "stream_idle" {
		t.Fatalf("expected stream_idle budget, got %s", te.Budget)
	}
}

func TestTimeoutController_SuccessPassesThrough(t *testing.T) {
	c := TimeoutController{RequestTimeout: time.Second, StreamIdleTimeout: time.Second}
	err := c.Run(context.Background(), func(ctx context.Context, tick *Ticker) error {
		tick.Touch()
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestTimeoutController_CallerCancelNotTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := TimeoutController{RequestTimeout: time.Second}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := c.Run(ctx, func(ctx context.Context, tick *Ticker) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if IsTimeout(err) {
		t.Fatalf("caller cancellation must not masquerade as timeout: %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
