package ratelimit

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestAcquire_BurstOfOneHundredFiftyAgainstCapacityHundred(t *testing.T) {
	clock := newFakeClock()
	l := New(100, nil, WithClock(clock.Now))

	granted := 0
	var waits []time.Time
	for i := 0; i < 150; i++ {
		d, err := l.Acquire("hubspot", 1)
		require.NoError(t, err)
		if d.Granted {
			granted++
			continue
		}
		waits = append(waits, d.WaitUntil)
	}

	require.Equal(t, 100, granted)
	require.Len(t, waits, 50)

	// One token refills every 600ms at 100/min.
	nextRefill := clock.Now().Add(600 * time.Millisecond)
	for _, w := range waits {
		require.False(t, w.Before(nextRefill), "wait %v earlier than next refill %v", w, nextRefill)
	}
}

func TestAcquire_RefillsContinuously(t *testing.T) {
	clock := newFakeClock()
	l := New(60, nil, WithClock(clock.Now))

	for i := 0; i < 60; i++ {
		d, err := l.Acquire("crm", 1)
		require.NoError(t, err)
		require.True(t, d.Granted)
	}

	d, err := l.Acquire("crm", 1)
	require.NoError(t, err)
	require.False(t, d.Granted)
	require.Equal(t, clock.Now().Add(time.Second), d.WaitUntil)

	clock.Advance(time.Second)
	d, err = l.Acquire("crm", 1)
	require.NoError(t, err)
	require.True(t, d.Granted)

	// Refill never exceeds capacity.
	clock.Advance(time.Hour)
	require.InDelta(t, 60.0, l.Tokens("crm"), 1e-9)
}

func TestAcquire_PerIntegrationBucketsAreIndependent(t *testing.T) {
	clock := newFakeClock()
	l := New(100, map[string]int{"stripe": 2}, WithClock(clock.Now))

	require.Equal(t, 2, l.Capacity("stripe"))
	require.Equal(t, 100, l.Capacity("hubspot"))

	for i := 0; i < 2; i++ {
		d, _ := l.Acquire("stripe", 1)
		require.True(t, d.Granted)
	}
	d, _ := l.Acquire("stripe", 1)
	require.False(t, d.Granted)

	d, _ = l.Acquire("hubspot", 1)
	require.True(t, d.Granted, "exhausting stripe must not affect hubspot")
}

func TestAcquire_CostAboveOne(t *testing.T) {
	clock := newFakeClock()
	l := New(10, nil, WithClock(clock.Now))

	d, err := l.Acquire("bulk", 8)
	require.NoError(t, err)
	require.True(t, d.Granted)

	d, err = l.Acquire("bulk", 5)
	require.NoError(t, err)
	require.False(t, d.Granted)
	// 3 missing tokens at 10/min = 18s.
	require.Equal(t, clock.Now().Add(18*time.Second), d.WaitUntil)

	_, err = l.Acquire("bulk", 11)
	require.True(t, errors.Is(err, ErrCostExceedsCapacity))
}

func TestAcquire_NonPositiveCapacityIsUnlimited(t *testing.T) {
	l := New(0, map[string]int{"internal": -1})
	for i := 0; i < 1000; i++ {
		d, err := l.Acquire("anything", 1)
		require.NoError(t, err)
		require.True(t, d.Granted)
	}
	require.Equal(t, float64(-1), l.Tokens("internal"))
}

func TestSetCapacity_ClampsExistingBucket(t *testing.T) {
	clock := newFakeClock()
	l := New(100, nil, WithClock(clock.Now))

	_, _ = l.Acquire("crm", 1)
	l.SetCapacity("crm", 5)
	require.InDelta(t, 5.0, l.Tokens("crm"), 1e-9)

	l.SetCapacity("crm", 0)
	d, err := l.Acquire("crm", 50)
	require.NoError(t, err)
	require.True(t, d.Granted)
}

func TestAcquire_ConcurrentCallersNeverOvergrant(t *testing.T) {
	clock := newFakeClock()
	l := New(100, nil, WithClock(clock.Now))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				d, err := l.Acquire("shared", 1)
				if err == nil && d.Granted {
					mu.Lock()
					granted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 100, granted)
}
