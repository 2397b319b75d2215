package engine

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/petrijr/conduit/internal/breaker"
	"github.com/petrijr/conduit/internal/ratelimit"
	"github.com/petrijr/conduit/pkg/api"
)

// DuplicateMode selects what an instance does when another instance holds
// the claim for its idempotency key.
type DuplicateMode int

const (
	// DuplicateWait polls until the other instance finishes and adopts its
	// result.
	DuplicateWait DuplicateMode = iota
	// DuplicateFailFast fails the instance with api.ErrDuplicateInFlight.
	DuplicateFailFast
)

func (m DuplicateMode) String() string {
	if m == DuplicateFailFast {
		return "fail_fast"
	}
	return "wait"
}

// Engine defaults used when the matching option is not given.
const (
	DefaultLeaseTTL          = 30 * time.Second
	DefaultPollInterval      = 50 * time.Millisecond
	DefaultWaitCeiling       = 30 * time.Second
	DefaultStepTimeout       = 30 * time.Second
	cancellationWriteTimeout = 5 * time.Second
)

// Option configures an Engine.
type Option func(*Engine)

// WithObserver reports workflow and step transitions to obs.
func WithObserver(obs api.Observer) Option {
	return func(e *Engine) {
		if obs != nil {
			e.observer = obs
		}
	}
}

// WithRateLimiter makes steps with an Integration wait for tokens before
// every attempt.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithBreakers guards steps with an Integration by a circuit breaker.
func WithBreakers(b *breaker.Set) Option {
	return func(e *Engine) { e.breakers = b }
}

// WithArchive stores every terminal instance in a.
func WithArchive(a api.InstanceArchive) Option {
	return func(e *Engine) { e.archive = a }
}

// WithDefaultRetryPolicy sets the policy for steps without their own.
func WithDefaultRetryPolicy(p api.RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithDefaultStepTimeout bounds attempts of steps without their own timeout.
// Zero disables the bound.
func WithDefaultStepTimeout(d time.Duration) Option {
	return func(e *Engine) { e.stepTimeout = d }
}

// WithDuplicateMode sets how an instance reacts to a key held by another
// instance. The default is DuplicateWait.
func WithDuplicateMode(m DuplicateMode) Option {
	return func(e *Engine) { e.dupMode = m }
}

// WithLeaseTTL sets the lease on in-flight claims. The owner renews it every
// ttl/3 while running.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.leaseTTL = ttl
		}
	}
}

// WithInFlightPollInterval sets how often a waiting duplicate re-checks the
// store.
func WithInFlightPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithRateLimitWaitCeiling caps how long one attempt may wait for tokens.
func WithRateLimitWaitCeiling(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.waitCeiling = d
		}
	}
}

// WithInstanceTimeout bounds a whole instance, suspensions included. Zero
// disables the bound.
func WithInstanceTimeout(d time.Duration) Option {
	return func(e *Engine) { e.instanceTimeout = d }
}

// WithMaxConcurrency caps the number of submitted instances running at once.
// Zero means unbounded.
func WithMaxConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.sem = semaphore.NewWeighted(int64(n))
		} else {
			e.sem = nil
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithSleeper replaces the function used for every suspension (backoff,
// rate-limit wait, duplicate polling). It must return ctx.Err() when ctx ends
// first.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
