// Package retry implements the retry policy value and delay formula of
// spec §4.3.
package retry

import (
	"math/rand"
	"time"
)

// Policy is the retry configuration snapshot taken at dispatch time and
// stored alongside a task (Task.retry_policy).
type Policy struct {
	MaxAttempts    int           `json:"max_attempts"`
	InitialDelay   time.Duration `json:"initial_delay"`
	BackoffFactor  float64       `json:"backoff_factor"`
	MaxDelay       time.Duration `json:"max_delay,omitempty"`
	JitterFraction float64       `json:"jitter_fraction,omitempty"`
}

// Default is the descriptor default named in spec §6: a single attempt,
// no retry.
func Default() Policy {
	return Policy{MaxAttempts: 1, BackoffFactor: 1.0}
}

// Normalize fills in the invariants a Policy must hold (max_attempts ≥ 1,
// backoff_factor ≥ 1.0) without rejecting a zero-value Policy outright,
// mirroring how the descriptor default is built up incrementally.
func (p Policy) Normalize() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BackoffFactor < 1.0 {
		p.BackoffFactor = 1.0
	}
	return p
}

// Delay computes delay(n) per spec §4.3: the wait before retry n (n
// starting at 1 for the first retry after the initial attempt).
//
//	delay(n) = min(max_delay, initial_delay * backoff_factor^(n-1)) * (1 ± jitter_fraction)
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	factor := 1.0
	for i := 1; i < n; i++ {
		factor *= p.BackoffFactor
	}
	d := float64(p.InitialDelay) * factor
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.JitterFraction > 0 {
		jitter := (rand.Float64()*2 - 1) * p.JitterFraction
		d = d * (1 + jitter)
		if d < 0 {
			d = 0
		}
	}
	return time.Duration(d)
}

// CanRetry reports whether a task currently at `retries` completed
// retries may attempt again (invariant I4: retries <= max_attempts-1).
func (p Policy) CanRetry(retries int) bool {
	return retries+1 < p.MaxAttempts
}
