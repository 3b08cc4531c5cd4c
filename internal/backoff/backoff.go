// Package backoff maps delivery attempt counts to wait durations.
package backoff

import (
	"math"
	"time"
)

// Policy computes the wait before a row that just failed its attempt-th
// delivery becomes eligible again. Attempts are 1-based: attempt 1 is the
// first failure. Implementations must be non-decreasing in attempt and
// capped at a fixed maximum.
type Policy interface {
	Delay(attempt int) time.Duration
}

// Schedule is a fixed ascending table of waits indexed by attempt. Attempts
// past the end of the table reuse the last entry.
type Schedule []time.Duration

func (s Schedule) Delay(attempt int) time.Duration {
	if len(s) == 0 {
		return 0
	}
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(s) {
		i = len(s) - 1
	}
	return s[i]
}

// DefaultInbound retries quickly on transient errors and backs off to five
// minutes for rows that keep failing.
func DefaultInbound() Schedule {
	return Schedule{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
		160 * time.Second,
		300 * time.Second,
	}
}

// Exponential doubles the base wait per attempt: min(cap, base * 2^(attempt-1)).
type Exponential struct {
	Base time.Duration
	Cap  time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	if e.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(e.Base) * math.Pow(2, float64(attempt-1))
	if e.Cap > 0 && delay > float64(e.Cap) {
		return e.Cap
	}
	if delay > float64(math.MaxInt64) {
		return e.Cap
	}
	return time.Duration(delay)
}
