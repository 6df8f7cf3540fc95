// Package backoff computes the delay before an execution's next retry.
// Strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/petrijr/steward/pkg/api"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry n (1-indexed).
	Delay(attempt int) time.Duration
}

// Func adapts a plain function to Strategy.
type Func func(attempt int) time.Duration

// Delay calls f.
func (f Func) Delay(attempt int) time.Duration { return f(attempt) }

// Exponential doubles the delay each attempt.
// Delay = min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential backoff strategy without jitter.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	return time.Duration(ceiling(e.Initial, e.Max, attempt))
}

// ExponentialWithJitter applies full jitter to an exponential base.
// Delay = random value in [0, min(Initial * 2^(attempt-1), Max)].
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

// Delay returns a random duration in [0, min(Initial * 2^(attempt-1), Max)].
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	return time.Duration(rand.Float64() * ceiling(e.Initial, e.Max, attempt)) //nolint:gosec // jitter does not need crypto rand
}

func ceiling(initial, maxDelay time.Duration, attempt int) float64 {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(initial) * math.Pow(2, float64(attempt-1))
	if maxDelay > 0 && base > float64(maxDelay) {
		base = float64(maxDelay)
	}
	return base
}

// ForPolicy returns the jittered strategy described by a workflow's policy.
func ForPolicy(p api.BackoffPolicy) Strategy {
	initial, maxDelay := p.Initial, p.Max
	if initial <= 0 {
		initial = api.DefaultInitialBackoff
	}
	if maxDelay <= 0 {
		maxDelay = api.DefaultMaxBackoff
	}
	return NewExponentialWithJitter(initial, maxDelay)
}
