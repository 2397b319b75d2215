package api

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy computes whether and when a failed step is retried.
//
// The delay after the n-th failed attempt is
//
//	min(MaxDelay, BaseDelay * ExponentialBase^(n-1))
//
// optionally scaled by a random factor in [1-Jitter, 1+Jitter].
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Values <= 1 mean "no retry".
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the delay. Zero means no cap.
	MaxDelay time.Duration

	// ExponentialBase grows the delay per attempt. Values <= 0 are treated
	// as 2.0; 1.0 gives a constant delay.
	ExponentialBase float64

	// Jitter is the fraction by which delays are randomised, in [0, 1).
	Jitter float64
}

// DefaultRetryPolicy returns the engine-wide default: 3 attempts starting
// at 5s, doubling, capped at 60s, without jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		BaseDelay:       5 * time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2.0,
	}
}

// NoRetry returns a policy that stops after the first failed attempt.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// Validate reports a malformed policy.
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxAttempts < 0:
		return errors.New("max attempts must not be negative")
	case p.BaseDelay < 0:
		return errors.New("base delay must not be negative")
	case p.MaxDelay < 0:
		return errors.New("max delay must not be negative")
	case p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay:
		return fmt.Errorf("max delay %s is below base delay %s", p.MaxDelay, p.BaseDelay)
	case p.ExponentialBase < 0:
		return errors.New("exponential base must not be negative")
	case p.Jitter < 0 || p.Jitter >= 1:
		return fmt.Errorf("jitter %.2f out of range [0, 1)", p.Jitter)
	}
	return nil
}

// Delay returns the un-jittered delay that follows failed attempt n (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.BaseDelay <= 0 {
		return 0
	}
	base := p.ExponentialBase
	if base <= 0 {
		base = 2.0
	}

	d := float64(p.BaseDelay) * math.Pow(base, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	// Guard against float overflow for very large attempt counts.
	if d > float64(math.MaxInt64) || math.IsInf(d, 0) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// NextDelay decides what happens after failed attempt n (1-based) whose
// error was classified as kind. It returns the delay before the next attempt
// and true, or zero and false when the step must stop.
func (p RetryPolicy) NextDelay(attempt int, kind ErrorKind) (time.Duration, bool) {
	if kind == KindPermanent {
		return 0, false
	}
	if attempt >= p.attempts() {
		return 0, false
	}
	return p.jitter(p.Delay(attempt)), true
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

func (p RetryPolicy) jitter(d time.Duration) time.Duration {
	if p.Jitter <= 0 || d <= 0 {
		return d
	}
	factor := 1.0 + p.Jitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * factor)
}

// RetryState is the per-step retry bookkeeping handed back to the engine
// when a step stops.
type RetryState struct {
	Attempt        int
	LastError      error
	LastKind       ErrorKind
	NextEligibleAt time.Time
}
