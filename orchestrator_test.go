package conduit

import (
	"context"
	"bytes"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/conduit/internal/persistence"
	"github.com/petrijr/conduit/internal/taskqueue"
	"github.com/petrijr/conduit/pkg/config"
	"github.com/petrijr/conduit/pkg/worker"
)

type sleepLog struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *sleepLog) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	return nil
}

func (s *sleepLog) Sleeps() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()
	base := []Option{
		WithLogger(quietLogger()),
		WithSleeper((&sleepLog{}).Sleep),
		WithWorkerConfig(worker.Config{MaxAttempts: 3, Backoff: 10 * time.Millisecond}),
	}
	orch, err := NewOrchestrator(context.Background(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Close(ctx)
	})
	return orch
}

func countingStep(out any) (StepFunc, func() int) {
	var n atomic.Int32
	return func(ctx context.Context, input any) (any, error) {
		n.Add(1)
		return out, nil
	}, func() int { return int(n.Load()) }
}

func contactCreated(id string) Event {
	return NewEvent("contact.created", id, map[string]any{"contact_id": "c-" + id})
}

func TestOrchestrator_RunExecutesEveryBoundWorkflow(t *testing.T) {
	orch := newTestOrchestrator(t)

	crm, crmCalls := countingStep("crm-ok")
	erp, erpCalls := countingStep("erp-ok")
	New("sync-crm").Step("upsert", crm).MustRegister(orch, "contact.created")
	New("sync-erp").Step("upsert", erp).MustRegister(orch, "contact.created")

	insts, err := orch.Run(context.Background(), contactCreated("1"))
	require.NoError(t, err)
	require.Len(t, insts, 2)
	for _, inst := range insts {
		require.Equal(t, StatusSucceeded, inst.Status)
	}
	require.Equal(t, 1, crmCalls())
	require.Equal(t, 1, erpCalls())
	require.ElementsMatch(t, []string{"sync-crm", "sync-erp"}, orch.Workflows())
}

func TestOrchestrator_StepsChainOutputs(t *testing.T) {
	orch := newTestOrchestrator(t)

	New("enrich").
		Step("extract", PayloadStep(func(ctx context.Context, ev Event, p map[string]any) (string, error) {
			return p["contact_id"].(string), nil
		})).
		Step("decorate", TypedStep(func(ctx context.Context, id string) (string, error) {
			return "contact:" + id, nil
		})).
		MustRegister(orch, "contact.created")

	insts, err := orch.Run(context.Background(), contactCreated("7"))
	require.NoError(t, err)
	require.Len(t, insts, 1)
	require.Equal(t, "contact:c-7", insts[0].Output)
}

func TestOrchestrator_DuplicateEventRunsOnce(t *testing.T) {
	orch := newTestOrchestrator(t)
	step, calls := countingStep("done")
	New("sync").Step("s", step).MustRegister(orch, "contact.created")

	ctx := context.Background()
	first, err := orch.Run(ctx, contactCreated("1"))
	require.NoError(t, err)
	second, err := orch.Run(ctx, contactCreated("1"))
	require.NoError(t, err)

	require.Equal(t, 1, calls())
	require.False(t, first[0].Adopted)
	require.True(t, second[0].Adopted)
	require.Equal(t, first[0].Output, second[0].Output)
}

func TestOrchestrator_UnboundEventIsIgnored(t *testing.T) {
	orch := newTestOrchestrator(t)
	New("sync").Step("s", noop).MustRegister(orch, "contact.created")

	insts, err := orch.Run(context.Background(), NewEvent("deal.closed", "d1", nil))
	require.NoError(t, err)
	require.Empty(t, insts)
}

func TestOrchestrator_TransientFailuresAreRetried(t *testing.T) {
	sleeps := &sleepLog{}
	orch := newTestOrchestrator(t, WithSleeper(sleeps.Sleep))

	var calls atomic.Int32
	New("sync").
		Step("upsert", func(ctx context.Context, input any) (any, error) {
			if calls.Add(1) < 3 {
				return nil, Transientf("503 service unavailable")
			}
			return "ok", nil
		}, WithRetry(Retry(3).WithExponentialBackoff(time.Second, 2, time.Minute).Policy())).
		MustRegister(orch, "contact.created")

	insts, err := orch.Run(context.Background(), contactCreated("1"))
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, insts[0].Status)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps.Sleeps())

	m := orch.Metrics()
	require.Equal(t, int64(2), m.StepRetries)
	require.Equal(t, int64(1), m.WorkflowsSucceeded)
}

func TestOrchestrator_CancelDeadLettersTheInstance(t *testing.T) {
	orch := newTestOrchestrator(t)

	started := make(chan struct{})
	New("sync").Step("upsert", func(ctx context.Context, input any) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}).MustRegister(orch, "contact.created")

	ctx := context.Background()
	receipts, err := orch.Dispatch(ctx, contactCreated("1"))
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	<-started

	require.NoError(t, orch.Cancel(receipts[0].InstanceID))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	inst, err := receipts[0].Wait(waitCtx)
	require.ErrorIs(t, err, ErrInstanceCancelled)
	require.Equal(t, StatusFailed, inst.Status)

	entry, err := orch.DeadLetter(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, "upsert", entry.StepName)
	require.Equal(t, int64(1), orch.Metrics().DLQDepth)

	require.Eventually(t, func() bool {
		return errors.Is(orch.Cancel(inst.ID), ErrInstanceNotFound)
	}, time.Second, 5*time.Millisecond)
}

func TestOrchestrator_DeadLetterReplayAndDiscard(t *testing.T) {
	orch := newTestOrchestrator(t)

	var healthy atomic.Bool
	New("sync").
		Step("upsert", func(ctx context.Context, input any) (any, error) {
			if !healthy.Load() {
				return nil, Permanentf("401 unauthorized")
			}
			return "ok", nil
		}).
		MustRegister(orch, "contact.created")

	ctx := context.Background()
	insts, err := orch.Run(ctx, contactCreated("1"))
	require.Error(t, err)
	require.Len(t, insts, 1)
	require.Equal(t, StatusDeadLettered, insts[0].Status)

	_, err = orch.Run(ctx, contactCreated("2"))
	require.Error(t, err)

	entries, err := orch.DeadLetters(ctx, DeadLetterFilter{WorkflowName: "sync"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "upsert", entries[0].StepName)
	require.Equal(t, KindPermanent, entries[0].ErrorKind)
	require.Equal(t, int64(2), orch.Metrics().DLQDepth)

	healthy.Store(true)
	rc, err := orch.Replay(ctx, insts[0].ID)
	require.NoError(t, err)
	replayed, err := rc.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, replayed.Status)
	require.NotEqual(t, insts[0].IdempotencyKey, replayed.IdempotencyKey)

	_, err = orch.DeadLetter(ctx, insts[0].ID)
	require.ErrorIs(t, err, ErrEntryNotFound)
	require.Equal(t, int64(1), orch.Metrics().DLQDepth)

	require.NoError(t, orch.Discard(ctx, entries[1].InstanceID))
	require.ErrorIs(t, orch.Discard(ctx, entries[1].InstanceID), ErrEntryNotFound)
	require.Zero(t, orch.Metrics().DLQDepth)
}

func TestOrchestrator_ArchiveKeepsFinishedInstances(t *testing.T) {
	orch := newTestOrchestrator(t)
	New("sync").Step("s", noop).MustRegister(orch, "contact.created")

	ctx := context.Background()
	insts, err := orch.Run(ctx, contactCreated("1"))
	require.NoError(t, err)

	got, err := orch.Instance(ctx, insts[0].ID)
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, got.Status)

	list, err := orch.Instances(ctx, InstanceFilter{WorkflowName: "sync", Status: StatusSucceeded})
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = orch.Instance(ctx, "missing")
	require.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestOrchestrator_WorkersDrainTheQueue(t *testing.T) {
	orch := newTestOrchestrator(t)
	step, calls := countingStep("ok")
	New("sync").Step("s", step).MustRegister(orch, "contact.created")

	ctx := context.Background()
	require.NoError(t, orch.StartWorkers(ctx, 2))
	require.Error(t, orch.StartWorkers(ctx, 1))

	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, orch.Enqueue(ctx, contactCreated(id)))
	}

	require.Eventually(t, func() bool {
		list, err := orch.Instances(ctx, InstanceFilter{WorkflowName: "sync", Status: StatusSucceeded})
		return err == nil && len(list) == 3
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 3, calls())

	orch.Stop()
	// Stopping twice is harmless and workers can be restarted.
	orch.Stop()
	require.NoError(t, orch.StartWorkers(ctx, 1))
}

func TestOrchestrator_EnqueueReplay(t *testing.T) {
	orch := newTestOrchestrator(t)

	var healthy atomic.Bool
	New("sync").Step("s", func(ctx context.Context, input any) (any, error) {
		if !healthy.Load() {
			return nil, Permanentf("bad request")
		}
		return "ok", nil
	}).MustRegister(orch, "contact.created")

	ctx := context.Background()
	insts, err := orch.Run(ctx, contactCreated("1"))
	require.Error(t, err)

	healthy.Store(true)
	require.NoError(t, orch.StartWorkers(ctx, 1))
	require.NoError(t, orch.EnqueueReplay(ctx, insts[0].ID))

	require.Eventually(t, func() bool {
		_, err := orch.DeadLetter(ctx, insts[0].ID)
		return errors.Is(err, ErrEntryNotFound)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOrchestrator_RegisterRejectsInvalidDefinition(t *testing.T) {
	orch := newTestOrchestrator(t)

	err := orch.Register("contact.created", WorkflowDefinition{Name: "empty"})
	require.True(t, IsConfigError(err), "expected config error, got %v", err)

	err = New("sync").Step("s", noop).Register(orch, "")
	require.True(t, IsConfigError(err), "expected config error, got %v", err)
}

func TestOrchestrator_Alias(t *testing.T) {
	orch := newTestOrchestrator(t)
	step, calls := countingStep("ok")
	New("sync").Step("s", step).MustRegister(orch, "contact.created")
	require.NoError(t, orch.Alias("contact.updated", "sync"))

	ctx := context.Background()
	_, err := orch.Run(ctx, contactCreated("1"))
	require.NoError(t, err)
	_, err = orch.Run(ctx, NewEvent("contact.updated", "1", nil))
	require.NoError(t, err)
	require.Equal(t, 2, calls())

	require.Error(t, orch.Alias("contact.deleted", "unknown"))
}

func TestOrchestrator_InvalidConfigIsRejected(t *testing.T) {
	cfg := config.Default()
	cfg.Retry.MaxAttempts = -1

	_, err := NewOrchestrator(context.Background(), WithConfig(cfg), WithLogger(quietLogger()))
	require.Error(t, err)
}

func TestOrchestrator_CloseRejectsFurtherWork(t *testing.T) {
	orch := newTestOrchestrator(t)
	New("sync").Step("s", noop).MustRegister(orch, "contact.created")

	ctx := context.Background()
	require.NoError(t, orch.Close(ctx))
	require.NoError(t, orch.Close(ctx))

	receipts, err := orch.Dispatch(ctx, contactCreated("1"))
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	require.ErrorIs(t, receipts[0].Err, ErrEngineClosed)

	require.ErrorIs(t, orch.StartWorkers(ctx, 1), ErrEngineClosed)
}

func TestOrchestrator_SQLiteBackend(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	orch := newTestOrchestrator(t, WithSQLite(db))
	New("sync").Step("s", func(ctx context.Context, input any) (any, error) {
		return "stored", nil
	}).MustRegister(orch, "contact.created")
	New("reject").Step("s", func(ctx context.Context, input any) (any, error) {
		return nil, Permanentf("422 unprocessable")
	}).MustRegister(orch, "deal.closed")

	ctx := context.Background()
	insts, err := orch.Run(ctx, contactCreated("1"))
	require.NoError(t, err)

	got, err := orch.Instance(ctx, insts[0].ID)
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, got.Status)
	require.Equal(t, "stored", got.Output)

	_, err = orch.Run(ctx, NewEvent("deal.closed", "d1", map[string]any{"amount": 10}))
	require.Error(t, err)
	entries, err := orch.DeadLetters(ctx, DeadLetterFilter{EventType: "deal.closed"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "d1", entries[0].Event.ID)
}

func TestOrchestrator_HandlerEnqueuesCloudEvents(t *testing.T) {
	orch := newTestOrchestrator(t)
	New("sync").KeyedBy(PayloadFieldKey("id")).Step("s", func(ctx context.Context, input any) (any, error) {
		ev := input.(Event)
		return ev.Payload.(map[string]any)["id"], nil
	}).MustRegister(orch, "hubspot.contact.created")
	require.NoError(t, orch.StartWorkers(context.Background(), 1))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"id":"c1"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("ce-specversion", "1.0")
	req.Header.Set("ce-id", "evt-1")
	req.Header.Set("ce-type", "hubspot.contact.created")
	req.Header.Set("ce-source", "hubspot")

	rec := httptest.NewRecorder()
	orch.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool {
		list, err := orch.Instances(context.Background(), InstanceFilter{WorkflowName: "sync", Status: StatusSucceeded})
		return err == nil && len(list) == 1 && list[0].Output == "c1"
	}, 5*time.Second, 10*time.Millisecond)
}

// downQueue fails every Dequeue the way an unreachable backend does.
type downQueue struct {
	dequeues atomic.Int64
}

func (q *downQueue) Enqueue(ctx context.Context, t taskqueue.Task) error { return nil }

func (q *downQueue) Dequeue(ctx context.Context) (*taskqueue.Task, error) {
	q.dequeues.Add(1)
	return nil, errors.New("dial tcp 10.0.0.7:5432: connection refused")
}

func (q *downQueue) Len() int { return 0 }

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestOrchestrator_WorkersBackOffWhenQueueIsDown(t *testing.T) {
	q := &downQueue{}
	logs := &lockedBuffer{}
	orch := newTestOrchestrator(t,
		WithLogger(slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelWarn}))),
		func(o *options) {
			o.backend = func(ctx context.Context) (persistence.Persistence, taskqueue.Queue, error) {
				return persistence.FromStore(persistence.NewInMemoryStore(), nil), q, nil
			}
		},
	)

	require.NoError(t, orch.StartWorkers(context.Background(), 1))
	time.Sleep(300 * time.Millisecond)
	orch.Stop()

	// 50ms, 100ms, 200ms: a handful of attempts, not a hot loop.
	require.LessOrEqual(t, q.dequeues.Load(), int64(6))
	require.GreaterOrEqual(t, q.dequeues.Load(), int64(2))
	require.Contains(t, logs.String(), "dequeue failed")
	require.Contains(t, logs.String(), "connection refused")
}
