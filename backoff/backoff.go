// Package backoff provides pluggable retry delay strategies for workflow
// step execution. All strategies are safe for concurrent use (they are
// stateless).
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential grows the delay geometrically with the attempt number.
// Delay = min(Interval * Rate^(attempt-1), Max).
type Exponential struct {
	// Interval is the delay before the first retry.
	Interval time.Duration
	// Rate is the growth factor per attempt. Values <= 1 mean constant delay.
	Rate float64
	// Max caps the delay. Zero means uncapped.
	Max time.Duration
}

// NewExponential creates an exponential backoff strategy with the given
// initial interval and growth rate.
func NewExponential(interval time.Duration, rate float64, maxDelay time.Duration) *Exponential {
	return &Exponential{Interval: interval, Rate: rate, Max: maxDelay}
}

// Delay returns Interval * Rate^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	rate := e.Rate
	if rate < 1 {
		rate = 1
	}
	d := time.Duration(float64(e.Interval) * math.Pow(rate, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// ──────────────────────────────────────────────────
// ExponentialWithJitter (full jitter)
// ──────────────────────────────────────────────────

// ExponentialWithJitter applies full jitter to a doubling exponential base.
// Delay = random value in [0, min(Interval * 2^(attempt-1), Max)].
// This prevents thundering herd when many retries happen simultaneously.
type ExponentialWithJitter struct {
	Interval time.Duration
	Max      time.Duration
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(interval, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Interval: interval, Max: maxDelay}
}

// Delay returns a random duration in [0, min(Interval * 2^(attempt-1), Max)].
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	base := float64(e.Interval) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	return time.Duration(rand.Float64() * base) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// ──────────────────────────────────────────────────
// Default
// ──────────────────────────────────────────────────

// DefaultStrategy returns the default backoff used for retried steps:
// exponential with 500ms initial delay, doubling, capped at 30s.
func DefaultStrategy() Strategy {
	return NewExponential(500*time.Millisecond, 2, 30*time.Second)
}
