// Package breaker implements per-integration circuit breakers.
//
// A breaker opens after Threshold consecutive failures, rejects calls for
// Cooldown, then lets a single probe through. A successful probe closes the
// breaker; a failed one reopens it.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Allow while the breaker rejects calls.
var ErrOpen = errors.New("breaker: circuit open")

// State is the breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

const (
	DefaultThreshold = 5
	DefaultCooldown  = 30 * time.Second
)

type circuit struct {
	state       State
	failures    int
	openedAt    time.Time
	probeActive bool
}

// Set holds one circuit per integration name.
type Set struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	circuits  map[string]*circuit
	now       func() time.Time
}

// Option configures a Set.
type Option func(*Set)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Set) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns a Set. Non-positive values select the defaults.
func New(threshold int, cooldown time.Duration, opts ...Option) *Set {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	s := &Set{
		threshold: threshold,
		cooldown:  cooldown,
		circuits:  make(map[string]*circuit),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Set) get(name string) *circuit {
	c, ok := s.circuits[name]
	if !ok {
		c = &circuit{state: StateClosed}
		s.circuits[name] = c
	}
	return c
}

// Allow reports whether a call to integration may proceed. Every allowed
// call must be followed by exactly one Success or Failure.
func (s *Set) Allow(integration string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.get(integration)
	switch c.state {
	case StateClosed:
		return nil
	case StateOpen:
		if s.now().Sub(c.openedAt) < s.cooldown {
			return ErrOpen
		}
		c.state = StateHalfOpen
		c.probeActive = true
		return nil
	default:
		if c.probeActive {
			return ErrOpen
		}
		c.probeActive = true
		return nil
	}
}

// Success records a successful call and closes the circuit.
func (s *Set) Success(integration string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.get(integration)
	c.state = StateClosed
	c.failures = 0
	c.probeActive = false
}

// Failure records a failed call.
func (s *Set) Failure(integration string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.get(integration)
	c.failures++
	if c.state == StateHalfOpen || c.failures >= s.threshold {
		c.state = StateOpen
		c.openedAt = s.now()
	}
	c.probeActive = false
}

// Release ends an allowed call without counting it either way, e.g. when
// the caller was cancelled.
func (s *Set) Release(integration string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.get(integration).probeActive = false
}

// State returns the current state of integration's circuit.
func (s *Set) State(integration string) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.get(integration)
	if c.state == StateOpen && s.now().Sub(c.openedAt) >= s.cooldown {
		return StateHalfOpen
	}
	return c.state
}
