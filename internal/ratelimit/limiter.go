// Package ratelimit implements the per-integration token buckets that gate
// outbound step calls.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCostExceedsCapacity is returned when a single acquire asks for more
// tokens than the bucket can ever hold.
var ErrCostExceedsCapacity = errors.New("ratelimit: cost exceeds bucket capacity")

// Decision is the result of Acquire.
type Decision struct {
	Granted bool

	// WaitUntil is the earliest time at which the same request can be
	// granted. It is zero when Granted is true.
	WaitUntil time.Time
}

type bucket struct {
	capacity   float64 // tokens per minute
	tokens     float64
	lastRefill time.Time
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed.Minutes() * b.capacity
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// Limiter holds one token bucket per integration. Buckets refill
// continuously at their capacity per minute and start full.
//
// Acquire never blocks; callers decide whether and how long to wait.
type Limiter struct {
	mu             sync.Mutex
	defaultRPM     int
	perIntegration map[string]int
	buckets        map[string]*bucket
	now            func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New returns a Limiter. defaultRPM applies to integrations without an entry
// in perIntegration. A capacity <= 0 disables limiting for that integration.
func New(defaultRPM int, perIntegration map[string]int, opts ...Option) *Limiter {
	l := &Limiter{
		defaultRPM:     defaultRPM,
		perIntegration: make(map[string]int, len(perIntegration)),
		buckets:        make(map[string]*bucket),
		now:            time.Now,
	}
	for name, rpm := range perIntegration {
		l.perIntegration[name] = rpm
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Capacity returns the configured tokens per minute for integration.
func (l *Limiter) Capacity(integration string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capacityLocked(integration)
}

func (l *Limiter) capacityLocked(integration string) int {
	if rpm, ok := l.perIntegration[integration]; ok {
		return rpm
	}
	return l.defaultRPM
}

// SetCapacity changes the capacity of one integration. An existing bucket
// keeps its tokens, clamped to the new capacity.
func (l *Limiter) SetCapacity(integration string, rpm int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.perIntegration[integration] = rpm
	b, ok := l.buckets[integration]
	if !ok {
		return
	}
	if rpm <= 0 {
		delete(l.buckets, integration)
		return
	}
	b.refill(l.now())
	b.capacity = float64(rpm)
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// Acquire takes cost tokens from integration's bucket. Costs below 1 count
// as 1.
func (l *Limiter) Acquire(integration string, cost int) (Decision, error) {
	if cost < 1 {
		cost = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rpm := l.capacityLocked(integration)
	if rpm <= 0 {
		return Decision{Granted: true}, nil
	}
	if cost > rpm {
		return Decision{}, fmt.Errorf("%w: %s wants %d of %d", ErrCostExceedsCapacity, integration, cost, rpm)
	}

	now := l.now()
	b, ok := l.buckets[integration]
	if !ok {
		b = &bucket{capacity: float64(rpm), tokens: float64(rpm), lastRefill: now}
		l.buckets[integration] = b
	}
	b.refill(now)

	need := float64(cost)
	if b.tokens >= need {
		b.tokens -= need
		return Decision{Granted: true}, nil
	}

	deficit := need - b.tokens
	wait := time.Duration(deficit * float64(time.Minute) / b.capacity)
	if wait <= 0 {
		wait = time.Nanosecond
	}
	return Decision{WaitUntil: now.Add(wait)}, nil
}

// Tokens reports the tokens currently available for integration, after
// refill. Unlimited integrations report -1.
func (l *Limiter) Tokens(integration string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	rpm := l.capacityLocked(integration)
	if rpm <= 0 {
		return -1
	}
	b, ok := l.buckets[integration]
	if !ok {
		return float64(rpm)
	}
	b.refill(l.now())
	return b.tokens
}
