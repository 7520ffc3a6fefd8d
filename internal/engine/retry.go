package engine

import (
	"math/rand"
	"time"
)

// RetryPolicy bounds per-chunk fetch retries. Backoff maps an attempt number
// (1-based, the attempt that just failed) to how long to wait before the next
// one.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

// DefaultRetryPolicy retries up to 3 attempts with jittered exponential
// backoff starting at 500ms and capped at 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     ExpBackoff(500*time.Millisecond, 10*time.Second),
	}
}

// ExpBackoff returns a backoff function doubling from base up to max, with
// 0.5x-1.5x jitter to keep retry storms from synchronizing.
func ExpBackoff(base, max time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := base << uint(attempt-1)
		if d > max || d <= 0 {
			d = max
		}
		return time.Duration(float64(d) * (0.5 + rand.Float64()))
	}
}
