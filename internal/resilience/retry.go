// Package resilience holds the pure retry, failover, and timeout policies
// the dispatcher composes. Nothing here touches the network or the store.
package resilience

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy controls exponential backoff between attempts on the same
// provider.
type RetryPolicy struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Factor            float64
	JitterRatio       float64
	RetryableStatuses map[int]bool
}

// DefaultRetryPolicy mirrors the upstream defaults: 3 retries, 500ms base,
// 30s cap, factor 2, 20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		BaseDelay:         500 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		Factor:            2.0,
		JitterRatio:       0.2,
		RetryableStatuses: map[int]bool{408: true, 429: true, 500: true, 502: true, 503: true, 504: true},
	}
}

// ShouldRetry reports whether attempt (zero-based) may be retried for the
// given upstream status.
func (p RetryPolicy) ShouldRetry(attempt, status int) bool {
	if attempt >= p.MaxRetries {
		return false
	}
	return p.Retryable(status)
}

// Retryable reports whether the status is in the retryable set.
func (p RetryPolicy) Retryable(status int) bool {
	if p.RetryableStatuses == nil {
		return false
	}
	return p.RetryableStatuses[status]
}

// Delay computes the backoff before attempt n (zero-based):
// min(MaxDelay, BaseDelay * Factor^n) plus/minus jitter.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := p.Factor
	if factor <= 0 {
		factor = 2.0
	}
	d := float64(p.BaseDelay) * math.Pow(factor, float64(attempt))
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && d > max {
		d = max
	}
	if p.JitterRatio > 0 {
		jitter := d * p.JitterRatio
		d += (rand.Float64()*2 - 1) * jitter
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
