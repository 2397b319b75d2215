package conduit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/conduit/internal/breaker"
	"github.com/petrijr/conduit/internal/engine"
	"github.com/petrijr/conduit/internal/persistence"
	"github.com/petrijr/conduit/internal/ratelimit"
	"github.com/petrijr/conduit/internal/router"
	"github.com/petrijr/conduit/internal/taskqueue"
	"github.com/petrijr/conduit/pkg/api"
	"github.com/petrijr/conduit/pkg/cloudevent"
	"github.com/petrijr/conduit/pkg/config"
	"github.com/petrijr/conduit/pkg/worker"
)

// ErrNoArchive is returned by Instance and Instances when the storage
// backend does not archive finished instances.
var ErrNoArchive = errors.New("conduit: backend has no instance archive")

// backend opens the stores and the inbound queue of one storage driver.
type backend func(ctx context.Context) (persistence.Persistence, taskqueue.Queue, error)

type options struct {
	cfg       config.Config
	backend   backend
	logger    *slog.Logger
	observers []api.Observer
	workerCfg worker.Config
	clock     func() time.Time
	sleeper   func(ctx context.Context, d time.Duration) error
}

// Option configures an Orchestrator.
type Option func(*options)

// WithConfig applies engine, retry, rate limit, breaker and idempotency
// settings. Storage settings are only honoured by Open.
func WithConfig(cfg config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithLogger sets the logger used for lifecycle events and background
// errors. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithObserver adds an observer next to the built-in logging observer and
// metrics.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// WithWorkerConfig tunes the put-back behaviour of the inbound queue worker.
func WithWorkerConfig(cfg worker.Config) Option {
	return func(o *options) { o.workerCfg = cfg }
}

// WithClock replaces time.Now in the engine, router, limiter and breakers.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithSleeper replaces the function the engine uses to wait out retry
// delays and rate limits.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) { o.sleeper = sleep }
}

// WithMemory keeps everything in process memory. This is the default.
func WithMemory() Option {
	return func(o *options) { o.backend = memoryBackend(0) }
}

// WithSQLite stores records, dead letters, archived instances and queued
// events in db. The caller keeps ownership of db.
func WithSQLite(db *sql.DB) Option {
	return func(o *options) { o.backend = sqliteBackend(db, nil) }
}

// WithPostgres is WithSQLite for a PostgreSQL database opened through the
// pgx stdlib driver.
func WithPostgres(db *sql.DB) Option {
	return func(o *options) { o.backend = postgresBackend(db, nil) }
}

// WithRedis stores records, dead letters and queued events under keys
// starting with prefix. Redis has no instance archive.
func WithRedis(client *redis.Client, prefix string) Option {
	return func(o *options) { o.backend = redisBackend(client, prefix, nil) }
}

// WithMongo stores records, dead letters and queued events in database
// dbName. MongoDB has no instance archive.
func WithMongo(client *mongo.Client, dbName string) Option {
	return func(o *options) { o.backend = mongoBackend(client, dbName, nil) }
}

func memoryBackend(capacity int) backend {
	return func(ctx context.Context) (persistence.Persistence, taskqueue.Queue, error) {
		return persistence.FromStore(persistence.NewInMemoryStore(), nil), taskqueue.NewInMemoryQueue(capacity), nil
	}
}

func sqliteBackend(db *sql.DB, closer func() error) backend {
	return func(ctx context.Context) (persistence.Persistence, taskqueue.Queue, error) {
		store, err := persistence.NewSQLiteStore(db)
		if err != nil {
			return persistence.Persistence{}, nil, fmt.Errorf("sqlite store: %w", err)
		}
		q, err := taskqueue.NewSQLiteQueue(db)
		if err != nil {
			return persistence.Persistence{}, nil, fmt.Errorf("sqlite queue: %w", err)
		}
		return persistence.FromStore(store, closer), q, nil
	}
}

func postgresBackend(db *sql.DB, closer func() error) backend {
	return func(ctx context.Context) (persistence.Persistence, taskqueue.Queue, error) {
		store, err := persistence.NewPostgresStore(db)
		if err != nil {
			return persistence.Persistence{}, nil, fmt.Errorf("postgres store: %w", err)
		}
		q, err := taskqueue.NewPostgresQueue(db)
		if err != nil {
			return persistence.Persistence{}, nil, fmt.Errorf("postgres queue: %w", err)
		}
		return persistence.FromStore(store, closer), q, nil
	}
}

func redisBackend(client *redis.Client, prefix string, closer func() error) backend {
	return func(ctx context.Context) (persistence.Persistence, taskqueue.Queue, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return persistence.Persistence{}, nil, fmt.Errorf("redis ping: %w", err)
		}
		store := persistence.NewRedisStore(client, prefix)
		return persistence.FromStore(store, closer), taskqueue.NewRedisQueue(client, prefix), nil
	}
}

func mongoBackend(client *mongo.Client, dbName string, closer func() error) backend {
	return func(ctx context.Context) (persistence.Persistence, taskqueue.Queue, error) {
		store := persistence.NewMongoStore(client, dbName)
		if err := store.EnsureIndexes(ctx); err != nil {
			return persistence.Persistence{}, nil, fmt.Errorf("mongo store indexes: %w", err)
		}
		q := taskqueue.NewMongoQueue(client, dbName, "")
		if err := q.EnsureIndexes(ctx); err != nil {
			return persistence.Persistence{}, nil, fmt.Errorf("mongo queue indexes: %w", err)
		}
		return persistence.FromStore(store, closer), q, nil
	}
}

// Orchestrator bundles the router, the engine, the storage backend and an
// inbound queue worker into one process-wide value.
//
// Typical usage:
//
//	orch, err := conduit.NewOrchestrator(ctx, conduit.WithSQLite(db))
//	conduit.New("sync-contact").Step("upsert", upsert).MustRegister(orch, "contact.created")
//
//	// Synchronous: start the instances and wait for them.
//	receipts, err := orch.Dispatch(ctx, ev)
//
//	// Asynchronous: queue the event and let workers pick it up.
//	_ = orch.StartWorkers(ctx, 4)
//	_ = orch.Enqueue(ctx, ev)
//	...
//	_ = orch.Close(ctx)
type Orchestrator struct {
	router  *router.Router
	engine  *engine.Engine
	store   persistence.Persistence
	worker  *worker.Worker
	metrics *api.BasicMetrics
	logger  *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	closed  bool
}

// NewOrchestrator builds an Orchestrator. Without a storage option
// everything lives in memory.
func NewOrchestrator(ctx context.Context, opts ...Option) (*Orchestrator, error) {
	o := options{cfg: config.Default(), logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}
	if o.backend == nil {
		o.backend = memoryBackend(0)
	}

	store, queue, err := o.backend(ctx)
	if err != nil {
		return nil, err
	}

	metrics := &api.BasicMetrics{}
	observers := append([]api.Observer{api.NewLoggingObserver(o.logger), metrics}, o.observers...)
	obs := api.NewCompositeObserver(observers...)

	eng := engine.New(store.Idempotency, store.DeadLetters, engineOptions(o, obs, store.Archive)...)

	routerOpts := []router.Option{router.WithObserver(obs)}
	if o.clock != nil {
		routerOpts = append(routerOpts, router.WithClock(o.clock))
	}
	r := router.New(eng, routerOpts...)

	wcfg := o.workerCfg
	if wcfg.Logger == nil {
		wcfg.Logger = o.logger
	}

	orch := &Orchestrator{
		router:  r,
		engine:  eng,
		store:   store,
		metrics: metrics,
		logger:  o.logger,
	}
	orch.worker = worker.NewWithConfig(queueDispatcher{orch}, store.DeadLetters, queue, wcfg)

	if depth, err := store.DeadLetters.Depth(ctx); err == nil {
		metrics.SetDLQDepth(depth)
	}
	return orch, nil
}

func engineOptions(o options, obs api.Observer, archive api.InstanceArchive) []engine.Option {
	cfg := o.cfg

	var limiterOpts []ratelimit.Option
	var breakerOpts []breaker.Option
	if o.clock != nil {
		limiterOpts = append(limiterOpts, ratelimit.WithClock(o.clock))
		breakerOpts = append(breakerOpts, breaker.WithClock(o.clock))
	}

	mode := engine.DuplicateWait
	if cfg.FailFast() {
		mode = engine.DuplicateFailFast
	}

	opts := []engine.Option{
		engine.WithObserver(obs),
		engine.WithRateLimiter(ratelimit.New(cfg.RateLimiting.DefaultRPM, cfg.RateLimits(), limiterOpts...)),
		engine.WithDefaultRetryPolicy(cfg.RetryPolicy()),
		engine.WithDefaultStepTimeout(cfg.StepTimeout()),
		engine.WithDuplicateMode(mode),
		engine.WithLeaseTTL(cfg.LeaseTTL()),
		engine.WithInFlightPollInterval(cfg.PollInterval()),
		engine.WithRateLimitWaitCeiling(cfg.RateLimitWaitCeiling()),
		engine.WithInstanceTimeout(cfg.InstanceTimeout()),
		engine.WithMaxConcurrency(cfg.Engine.MaxConcurrency),
	}
	if cfg.CircuitBreaker.Threshold > 0 {
		opts = append(opts, engine.WithBreakers(breaker.New(cfg.CircuitBreaker.Threshold, cfg.BreakerTimeout(), breakerOpts...)))
	}
	if archive != nil {
		opts = append(opts, engine.WithArchive(archive))
	}
	if o.clock != nil {
		opts = append(opts, engine.WithClock(o.clock))
	}
	if o.sleeper != nil {
		opts = append(opts, engine.WithSleeper(o.sleeper))
	}
	return opts
}

// Register binds def to eventType. See FlowBuilder for a fluent way to
// build definitions.
func (o *Orchestrator) Register(eventType string, def WorkflowDefinition) error {
	return o.router.Register(eventType, def)
}

// Alias binds an already registered workflow to another event type.
func (o *Orchestrator) Alias(eventType, workflow string) error {
	return o.router.Alias(eventType, workflow)
}

// Workflows lists the registered workflow names.
func (o *Orchestrator) Workflows() []string {
	return o.router.Workflows()
}

// Dispatch starts one instance per workflow bound to ev.Type and returns
// their receipts without waiting for them to finish.
func (o *Orchestrator) Dispatch(ctx context.Context, ev Event) ([]Receipt, error) {
	return o.router.Dispatch(ctx, ev)
}

// Run dispatches ev and waits for every started instance to reach a
// terminal status. The returned error joins the per-instance failures.
func (o *Orchestrator) Run(ctx context.Context, ev Event) ([]*WorkflowInstance, error) {
	receipts, err := o.router.Dispatch(ctx, ev)
	if err != nil {
		return nil, err
	}

	insts := make([]*WorkflowInstance, 0, len(receipts))
	var errs []error
	for _, rc := range receipts {
		inst, err := rc.Wait(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rc.WorkflowName, err))
		}
		if inst != nil {
			insts = append(insts, inst)
		}
	}
	return insts, errors.Join(errs...)
}

// Cancel stops a dispatched instance that has not finished yet. It ends
// Failed with ErrInstanceCancelled and keeps a DLQ entry for replay.
// Unknown or finished instances give ErrInstanceNotFound.
func (o *Orchestrator) Cancel(instanceID string) error {
	return o.engine.Cancel(instanceID)
}

// Enqueue queues ev for asynchronous dispatch by the workers.
func (o *Orchestrator) Enqueue(ctx context.Context, ev Event) error {
	return o.worker.EnqueueEvent(ctx, ev)
}

// Handler returns an http.Handler that accepts CloudEvents and enqueues
// them. Start workers to have them dispatched.
func (o *Orchestrator) Handler() http.Handler {
	return cloudevent.Handler(o, o.logger)
}

// EnqueueAt queues ev for dispatch no earlier than at.
func (o *Orchestrator) EnqueueAt(ctx context.Context, ev Event, at time.Time) error {
	return o.worker.EnqueueEventAt(ctx, ev, at)
}

// EnqueueReplay queues the replay of a dead-lettered instance.
func (o *Orchestrator) EnqueueReplay(ctx context.Context, instanceID string) error {
	return o.worker.EnqueueReplay(ctx, instanceID)
}

// Replay re-runs a dead-lettered instance's event under a fresh idempotency
// attempt and acks the entry once the new instance is accepted.
func (o *Orchestrator) Replay(ctx context.Context, instanceID string) (Receipt, error) {
	return queueDispatcher{o}.Replay(ctx, o.store.DeadLetters, instanceID)
}

// queueDispatcher routes tasks taken off the inbound queue back through the
// orchestrator so replays keep the DLQ depth gauge current.
type queueDispatcher struct{ o *Orchestrator }

func (d queueDispatcher) Dispatch(ctx context.Context, ev api.Event) ([]api.Receipt, error) {
	return d.o.router.Dispatch(ctx, ev)
}

func (d queueDispatcher) Replay(ctx context.Context, dlq api.DeadLetterQueue, instanceID string) (api.Receipt, error) {
	rc, err := d.o.router.Replay(ctx, dlq, instanceID)
	if err == nil {
		d.o.refreshDLQDepth(ctx)
	}
	return rc, err
}

// DeadLetters lists DLQ entries, oldest first.
func (o *Orchestrator) DeadLetters(ctx context.Context, filter DeadLetterFilter) ([]DeadLetterEntry, error) {
	return o.store.DeadLetters.List(ctx, filter)
}

// DeadLetter returns the DLQ entry of one instance.
func (o *Orchestrator) DeadLetter(ctx context.Context, instanceID string) (DeadLetterEntry, error) {
	return o.store.DeadLetters.GetEntry(ctx, instanceID)
}

// Discard acks a DLQ entry without replaying it.
func (o *Orchestrator) Discard(ctx context.Context, instanceID string) error {
	if err := o.store.DeadLetters.Ack(ctx, instanceID); err != nil {
		return err
	}
	o.refreshDLQDepth(ctx)
	return nil
}

func (o *Orchestrator) refreshDLQDepth(ctx context.Context) {
	depth, err := o.store.DeadLetters.Depth(ctx)
	if err != nil {
		o.logger.WarnContext(ctx, "dlq depth unavailable", slog.Any("error", err))
		return
	}
	o.metrics.SetDLQDepth(depth)
}

// Instance returns an archived instance.
func (o *Orchestrator) Instance(ctx context.Context, id string) (*WorkflowInstance, error) {
	if o.store.Archive == nil {
		return nil, ErrNoArchive
	}
	return o.store.Archive.GetInstance(ctx, id)
}

// Instances lists archived instances in start order.
func (o *Orchestrator) Instances(ctx context.Context, filter InstanceFilter) ([]*WorkflowInstance, error) {
	if o.store.Archive == nil {
		return nil, ErrNoArchive
	}
	return o.store.Archive.ListInstances(ctx, filter)
}

// Metrics returns a snapshot of the built-in counters.
func (o *Orchestrator) Metrics() BasicMetricsSnapshot {
	return o.metrics.Snapshot()
}

// Worker exposes the inbound queue worker, for callers that drive
// ProcessOne themselves.
func (o *Orchestrator) Worker() *worker.Worker {
	return o.worker
}

// StartWorkers starts concurrency goroutines that call Worker.ProcessOne
// until Stop or Close. Calling it again before Stop returns an error.
func (o *Orchestrator) StartWorkers(ctx context.Context, concurrency int) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return api.ErrEngineClosed
	}
	if o.running {
		return errors.New("conduit: workers already started")
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.running = true

	o.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer o.wg.Done()
			o.workLoop(ctx)
		}()
	}
	return nil
}

// Bounds of the pause between failed Dequeue calls.
const (
	minDequeueBackoff = 50 * time.Millisecond
	maxDequeueBackoff = 5 * time.Second
)

func (o *Orchestrator) workLoop(ctx context.Context) {
	var backoff time.Duration
	for {
		processed, err := o.worker.ProcessOne(ctx)
		if ctx.Err() != nil {
			return
		}
		switch {
		case err == nil:
			backoff = 0
		case processed:
			backoff = 0
			// A failed or dead-lettered instance is already reported by the
			// observers; keep the loop alive.
			o.logger.DebugContext(ctx, "worker task finished with error", slog.Any("error", err))
		default:
			backoff = min(max(2*backoff, minDequeueBackoff), maxDequeueBackoff)
			o.logger.WarnContext(ctx, "dequeue failed",
				slog.Any("error", err),
				slog.Duration("retry_in", backoff),
			)
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	}
}

// Stop cancels the worker goroutines and waits for them to exit. Instances
// already handed to the engine keep running.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	cancel := o.cancel
	o.running = false
	o.cancel = nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
}

// Close stops the workers, cancels the running instances, waits for them
// to settle (bounded by ctx) and releases the storage backend.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.Stop()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	return errors.Join(o.engine.Close(ctx), o.store.Close())
}
