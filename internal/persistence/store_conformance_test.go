package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/conduit/pkg/api"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	// Millisecond precision keeps Redis round trips exact.
	return &fakeClock{now: time.Now().UTC().Truncate(time.Millisecond)}
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

// storeFactory returns an empty store whose clock is driven by the returned
// fakeClock.
type storeFactory func(t *testing.T) (Store, *fakeClock)

func runStoreConformance(t *testing.T, newStore storeFactory) {
	t.Run("ClaimLifecycle", func(t *testing.T) {
		s, _ := newStore(t)
		testClaimLifecycle(t, s)
	})
	t.Run("ClaimIsExclusive", func(t *testing.T) {
		s, _ := newStore(t)
		testClaimIsExclusive(t, s)
	})
	t.Run("ExpiredLeaseIsReclaimable", func(t *testing.T) {
		s, clk := newStore(t)
		testExpiredLeaseIsReclaimable(t, s, clk)
	})
	t.Run("ReleaseAndRenew", func(t *testing.T) {
		s, _ := newStore(t)
		testReleaseAndRenew(t, s)
	})
	t.Run("DeadLetterQueue", func(t *testing.T) {
		s, clk := newStore(t)
		testDeadLetterQueue(t, s, clk)
	})
	t.Run("Archive", func(t *testing.T) {
		s, clk := newStore(t)
		a, ok := s.(api.InstanceArchive)
		if !ok {
			t.Skip("backend does not archive instances")
		}
		testArchive(t, a, clk)
	})
}

func testClaimLifecycle(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.Get(ctx, "wf:k1")
	require.ErrorIs(t, err, api.ErrRecordNotFound)

	claim, err := s.TryClaim(ctx, "wf:k1", "owner-a", time.Minute)
	require.NoError(t, err)
	require.Equal(t, api.ClaimAcquired, claim.Status)
	require.Equal(t, "owner-a", claim.Owner)

	// Same owner may claim again.
	claim, err = s.TryClaim(ctx, "wf:k1", "owner-a", time.Minute)
	require.NoError(t, err)
	require.Equal(t, api.ClaimAcquired, claim.Status)

	claim, err = s.TryClaim(ctx, "wf:k1", "owner-b", time.Minute)
	require.NoError(t, err)
	require.Equal(t, api.ClaimInFlight, claim.Status)
	require.Equal(t, "owner-a", claim.Owner)

	// A marker is not a record.
	_, err = s.Get(ctx, "wf:k1")
	require.ErrorIs(t, err, api.ErrRecordNotFound)

	err = s.Complete(ctx, "wf:k1", "owner-b", api.IdempotencyRecord{Key: "wf:k1", Outcome: api.OutcomeSucceeded})
	require.ErrorIs(t, err, api.ErrClaimLost)

	completedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err = s.Complete(ctx, "wf:k1", "owner-a", api.IdempotencyRecord{
		Key:          "wf:k1",
		Outcome:      api.OutcomeSucceeded,
		Result:       map[string]any{"contact_id": "c-42"},
		InstanceID:   "inst-1",
		WorkflowName: "wf",
		CompletedAt:  completedAt,
	})
	require.NoError(t, err)

	rec, err := s.Get(ctx, "wf:k1")
	require.NoError(t, err)
	require.Equal(t, api.OutcomeSucceeded, rec.Outcome)
	require.Equal(t, map[string]any{"contact_id": "c-42"}, rec.Result)
	require.Equal(t, "inst-1", rec.InstanceID)
	require.Equal(t, "wf", rec.WorkflowName)
	require.True(t, completedAt.Equal(rec.CompletedAt), "completed_at = %v", rec.CompletedAt)

	claim, err = s.TryClaim(ctx, "wf:k1", "owner-b", time.Minute)
	require.NoError(t, err)
	require.Equal(t, api.ClaimAlreadyCompleted, claim.Status)
	require.NotNil(t, claim.Record)
	require.Equal(t, "inst-1", claim.Record.InstanceID)

	// Completed records are immutable.
	err = s.Complete(ctx, "wf:k1", "owner-a", api.IdempotencyRecord{Key: "wf:k1", Outcome: api.OutcomeFailed})
	require.ErrorIs(t, err, api.ErrClaimLost)

	// Failed outcomes keep their error text.
	_, err = s.TryClaim(ctx, "wf:k2", "owner-a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, "wf:k2", "owner-a", api.IdempotencyRecord{
		Key: "wf:k2", Outcome: api.OutcomeFailed, Error: "permanent: invalid email",
	}))
	rec, err = s.Get(ctx, "wf:k2")
	require.NoError(t, err)
	require.Equal(t, api.OutcomeFailed, rec.Outcome)
	require.Equal(t, "permanent: invalid email", rec.Error)
	require.Nil(t, rec.Result)
}

func testClaimIsExclusive(t *testing.T, s Store) {
	ctx := context.Background()
	const contenders = 16

	var wg sync.WaitGroup
	results := make([]api.ClaimStatus, contenders)
	errs := make([]error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claim, err := s.TryClaim(ctx, "wf:race", fmt.Sprintf("owner-%d", i), time.Minute)
			results[i], errs[i] = claim.Status, err
		}(i)
	}
	wg.Wait()

	acquired := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i] == api.ClaimAcquired {
			acquired++
		} else {
			require.Equal(t, api.ClaimInFlight, results[i])
		}
	}
	require.Equal(t, 1, acquired)
}

func testExpiredLeaseIsReclaimable(t *testing.T, s Store, clk *fakeClock) {
	ctx := context.Background()

	_, err := s.TryClaim(ctx, "wf:lease", "crashed", time.Second)
	require.NoError(t, err)

	claim, err := s.TryClaim(ctx, "wf:lease", "survivor", time.Second)
	require.NoError(t, err)
	require.Equal(t, api.ClaimInFlight, claim.Status)

	clk.Advance(2 * time.Second)

	claim, err = s.TryClaim(ctx, "wf:lease", "survivor", time.Second)
	require.NoError(t, err)
	require.Equal(t, api.ClaimAcquired, claim.Status)

	// The original owner lost the claim and cannot record an outcome.
	err = s.RenewClaim(ctx, "wf:lease", "crashed", time.Second)
	require.ErrorIs(t, err, api.ErrClaimLost)
	err = s.Complete(ctx, "wf:lease", "crashed", api.IdempotencyRecord{Key: "wf:lease", Outcome: api.OutcomeSucceeded})
	require.ErrorIs(t, err, api.ErrClaimLost)

	require.NoError(t, s.Complete(ctx, "wf:lease", "survivor", api.IdempotencyRecord{Key: "wf:lease", Outcome: api.OutcomeSucceeded}))
}

func testReleaseAndRenew(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.TryClaim(ctx, "wf:rel", "owner-a", time.Second)
	require.NoError(t, err)

	require.NoError(t, s.RenewClaim(ctx, "wf:rel", "owner-a", time.Minute))
	require.ErrorIs(t, s.RenewClaim(ctx, "wf:rel", "owner-b", time.Minute), api.ErrClaimLost)

	// Releasing someone else's claim is a no-op.
	require.NoError(t, s.ReleaseClaim(ctx, "wf:rel", "owner-b"))
	claim, err := s.TryClaim(ctx, "wf:rel", "owner-b", time.Minute)
	require.NoError(t, err)
	require.Equal(t, api.ClaimInFlight, claim.Status)

	require.NoError(t, s.ReleaseClaim(ctx, "wf:rel", "owner-a"))
	require.NoError(t, s.ReleaseClaim(ctx, "wf:rel", "owner-a"))

	claim, err = s.TryClaim(ctx, "wf:rel", "owner-b", time.Minute)
	require.NoError(t, err)
	require.Equal(t, api.ClaimAcquired, claim.Status)

	_, err = s.TryClaim(ctx, "wf:rel", "owner-b", 0)
	require.Error(t, err)
}

func testDeadLetterQueue(t *testing.T, s Store, clk *fakeClock) {
	ctx := context.Background()
	base := clk.Now()

	depth, err := s.Depth(ctx)
	require.NoError(t, err)
	require.Zero(t, depth)

	entries := []api.DeadLetterEntry{
		{
			InstanceID: "i-1", WorkflowName: "sync-contact", IdempotencyKey: "sync-contact:contact.created/1",
			Event:    api.Event{Type: "contact.created", ID: "1", Payload: map[string]any{"email": "a@example.com"}},
			StepName: "upsert", Attempts: 3, FinalError: "transient: 503", ErrorKind: api.KindTransient,
			EnqueuedAt: base,
		},
		{
			InstanceID: "i-2", WorkflowName: "sync-deal", IdempotencyKey: "sync-deal:deal.won/2",
			Event:    api.Event{Type: "deal.won", ID: "2"},
			StepName: "notify", Attempts: 1, FinalError: "permanent: bad request", ErrorKind: api.KindPermanent,
			EnqueuedAt: base.Add(time.Second),
		},
		{
			InstanceID: "i-3", WorkflowName: "sync-contact", IdempotencyKey: "sync-contact:contact.created/3",
			Event:    api.Event{Type: "contact.created", ID: "3"},
			StepName: "upsert", Attempts: 3, FinalError: "transient: 503", ErrorKind: api.KindTransient,
			EnqueuedAt: base.Add(2 * time.Second),
		},
	}
	for _, e := range entries {
		require.NoError(t, s.Enqueue(ctx, e))
	}

	// Re-enqueueing an instance keeps the original entry.
	dup := entries[0]
	dup.FinalError = "overwritten"
	require.NoError(t, s.Enqueue(ctx, dup))

	depth, err = s.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, depth)

	all, err := s.List(ctx, api.DeadLetterFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, []string{"i-1", "i-2", "i-3"}, entryIDs(all))
	require.Equal(t, "transient: 503", all[0].FinalError)
	require.Equal(t, "contact.created", all[0].Event.Type)
	require.Equal(t, map[string]any{"email": "a@example.com"}, all[0].Event.Payload)
	require.Equal(t, api.KindTransient, all[0].ErrorKind)

	byWorkflow, err := s.List(ctx, api.DeadLetterFilter{WorkflowName: "sync-contact"})
	require.NoError(t, err)
	require.Equal(t, []string{"i-1", "i-3"}, entryIDs(byWorkflow))

	byType, err := s.List(ctx, api.DeadLetterFilter{EventType: "deal.won"})
	require.NoError(t, err)
	require.Equal(t, []string{"i-2"}, entryIDs(byType))

	since, err := s.List(ctx, api.DeadLetterFilter{Since: base.Add(time.Second)})
	require.NoError(t, err)
	require.Equal(t, []string{"i-2", "i-3"}, entryIDs(since))

	limited, err := s.List(ctx, api.DeadLetterFilter{Limit: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"i-1", "i-2"}, entryIDs(limited))

	got, err := s.GetEntry(ctx, "i-2")
	require.NoError(t, err)
	require.Equal(t, "notify", got.StepName)
	require.Equal(t, api.KindPermanent, got.ErrorKind)
	require.True(t, got.EnqueuedAt.Equal(base.Add(time.Second)))

	_, err = s.GetEntry(ctx, "missing")
	require.ErrorIs(t, err, api.ErrEntryNotFound)

	require.NoError(t, s.Ack(ctx, "i-2"))
	require.ErrorIs(t, s.Ack(ctx, "i-2"), api.ErrEntryNotFound)

	_, err = s.GetEntry(ctx, "i-2")
	require.ErrorIs(t, err, api.ErrEntryNotFound)

	depth, err = s.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, depth)
}

func testArchive(t *testing.T, a api.InstanceArchive, clk *fakeClock) {
	ctx := context.Background()
	start := clk.Now()

	_, err := a.GetInstance(ctx, "nope")
	require.ErrorIs(t, err, api.ErrInstanceNotFound)

	insts := []*api.WorkflowInstance{
		{
			ID: "a-1", WorkflowName: "sync-contact", IdempotencyKey: "sync-contact:contact.created/1",
			Event:  api.Event{Type: "contact.created", ID: "1"},
			Status: api.StatusSucceeded, StepIndex: 2, Output: "c-1", Attempts: 1,
			StartedAt: start, FinishedAt: start.Add(time.Second),
		},
		{
			ID: "a-2", WorkflowName: "sync-contact", IdempotencyKey: "sync-contact:contact.created/2",
			Event:  api.Event{Type: "contact.created", ID: "2"},
			Status: api.StatusDeadLettered, StepIndex: 1, Err: errors.New("transient: 503"), Attempts: 3,
			StartedAt: start.Add(time.Second), FinishedAt: start.Add(2 * time.Second),
		},
		{
			ID: "a-3", WorkflowName: "sync-deal", IdempotencyKey: "sync-deal:deal.won/3",
			Event:  api.Event{Type: "deal.won", ID: "3"},
			Status: api.StatusSucceeded, Adopted: true,
			StartedAt: start.Add(2 * time.Second), FinishedAt: start.Add(2 * time.Second),
		},
	}
	for _, inst := range insts {
		require.NoError(t, a.Archive(ctx, inst))
	}

	got, err := a.GetInstance(ctx, "a-2")
	require.NoError(t, err)
	require.Equal(t, api.StatusDeadLettered, got.Status)
	require.Equal(t, 1, got.StepIndex)
	require.EqualError(t, got.Err, "transient: 503")
	require.Equal(t, "contact.created", got.Event.Type)
	require.True(t, got.StartedAt.Equal(start.Add(time.Second)))

	got, err = a.GetInstance(ctx, "a-1")
	require.NoError(t, err)
	require.Equal(t, "c-1", got.Output)
	require.NoError(t, got.Err)

	list, err := a.ListInstances(ctx, api.InstanceFilter{WorkflowName: "sync-contact"})
	require.NoError(t, err)
	require.Equal(t, []string{"a-1", "a-2"}, instanceIDs(list))

	list, err = a.ListInstances(ctx, api.InstanceFilter{Status: api.StatusSucceeded})
	require.NoError(t, err)
	require.Equal(t, []string{"a-1", "a-3"}, instanceIDs(list))
	require.True(t, list[1].Adopted)

	list, err = a.ListInstances(ctx, api.InstanceFilter{Limit: 1})
	require.NoError(t, err)
	require.Equal(t, []string{"a-1"}, instanceIDs(list))

	// Archiving again replaces the stored copy.
	insts[1].Status = api.StatusFailed
	require.NoError(t, a.Archive(ctx, insts[1]))
	got, err = a.GetInstance(ctx, "a-2")
	require.NoError(t, err)
	require.Equal(t, api.StatusFailed, got.Status)

	list, err = a.ListInstances(ctx, api.InstanceFilter{})
	require.NoError(t, err)
	require.Len(t, list, 3)
}

func entryIDs(entries []api.DeadLetterEntry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.InstanceID
	}
	return ids
}

func instanceIDs(insts []*api.WorkflowInstance) []string {
	ids := make([]string, len(insts))
	for i, inst := range insts {
		ids[i] = inst.ID
	}
	return ids
}
