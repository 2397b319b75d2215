package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/petrijr/conduit/internal/persistence"
	"github.com/petrijr/conduit/pkg/api"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingSleeper returns immediately, advancing the clock by the requested
// duration and remembering it.
type recordingSleeper struct {
	clock *fakeClock

	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	if s.clock != nil {
		s.clock.Advance(d)
	}
	return nil
}

func (s *recordingSleeper) Sleeps() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

type testEngine struct {
	*Engine
	store   *persistence.InMemoryStore
	clock   *fakeClock
	sleeper *recordingSleeper
}

// newTestEngine wires an engine to an in-memory store, a fake clock and a
// sleeper that never blocks.
func newTestEngine(t *testing.T, opts ...Option) *testEngine {
	t.Helper()
	store := persistence.NewInMemoryStore()
	clock := newFakeClock()
	sleeper := &recordingSleeper{clock: clock}

	base := []Option{WithClock(clock.Now), WithSleeper(sleeper.Sleep)}
	e := New(store, store, append(base, opts...)...)
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	return &testEngine{Engine: e, store: store, clock: clock, sleeper: sleeper}
}

func (te *testEngine) mustRegister(t *testing.T, def api.WorkflowDefinition) {
	t.Helper()
	if err := te.Register(def); err != nil {
		t.Fatalf("Register(%s): %v", def.Name, err)
	}
}

func (te *testEngine) instance(t *testing.T, workflow string, ev api.Event) *api.WorkflowInstance {
	t.Helper()
	inst, err := te.NewInstance(workflow, ev)
	if err != nil {
		t.Fatalf("NewInstance(%s): %v", workflow, err)
	}
	return inst
}

func contactCreated(id string) api.Event {
	return api.Event{
		Type:       "hubspot.contact.created",
		ID:         id,
		Payload:    map[string]any{"id": id},
		ReceivedAt: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC),
	}
}

func retryPolicy(attempts int, base time.Duration) *api.RetryPolicy {
	return &api.RetryPolicy{MaxAttempts: attempts, BaseDelay: base, ExponentialBase: 2}
}

func counter() (api.StepFunc, func() int) {
	var mu sync.Mutex
	n := 0
	fn := func(ctx context.Context, input any) (any, error) {
		mu.Lock()
		n++
		mu.Unlock()
		return input, nil
	}
	return fn, func() int {
		mu.Lock()
		defer mu.Unlock()
		return n
	}
}
