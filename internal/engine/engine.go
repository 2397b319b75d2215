// Package engine runs workflow instances: idempotent claiming, sequential
// step execution with retries, and dead-lettering.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/petrijr/conduit/internal/breaker"
	"github.com/petrijr/conduit/internal/ratelimit"
	"github.com/petrijr/conduit/pkg/api"
)

// Engine runs workflow instances to a terminal status. It is the only writer
// of WorkflowInstance.Status.
type Engine struct {
	registry *workflowRegistry
	idem     api.IdempotencyStore
	dlq      api.DeadLetterQueue
	archive  api.InstanceArchive
	observer api.Observer
	limiter  *ratelimit.Limiter
	breakers *breaker.Set

	retry           api.RetryPolicy
	stepTimeout     time.Duration
	dupMode         DuplicateMode
	leaseTTL        time.Duration
	pollInterval    time.Duration
	waitCeiling     time.Duration
	instanceTimeout time.Duration
	sem             *semaphore.Weighted
	now             func() time.Time
	sleep           func(ctx context.Context, d time.Duration) error

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	running map[string]context.CancelCauseFunc
}

// New creates an Engine that records outcomes in idem and dead-letters
// exhausted instances into dlq.
func New(idem api.IdempotencyStore, dlq api.DeadLetterQueue, opts ...Option) *Engine {
	root, cancel := context.WithCancel(context.Background())
	e := &Engine{
		registry:     newWorkflowRegistry(),
		idem:         idem,
		dlq:          dlq,
		observer:     api.NoopObserver{},
		retry:        api.DefaultRetryPolicy(),
		stepTimeout:  DefaultStepTimeout,
		leaseTTL:     DefaultLeaseTTL,
		pollInterval: DefaultPollInterval,
		waitCeiling:  DefaultWaitCeiling,
		now:          time.Now,
		sleep:        sleepContext,
		root:         root,
		cancel:       cancel,
		running:      make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewInstanceID returns a time-ordered instance id.
func NewInstanceID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Register adds a workflow definition. Names are unique across the engine.
func (e *Engine) Register(def api.WorkflowDefinition) error {
	return e.registry.Register(def)
}

// Definition returns the registered definition for name.
func (e *Engine) Definition(name string) (api.WorkflowDefinition, error) {
	return e.registry.Get(name)
}

// Workflows returns the registered workflow names, sorted.
func (e *Engine) Workflows() []string {
	return e.registry.Names()
}

// NewInstance builds a pending instance of workflow for ev, with its
// idempotency key already computed.
func (e *Engine) NewInstance(workflow string, ev api.Event) (*api.WorkflowInstance, error) {
	def, err := e.registry.Get(workflow)
	if err != nil {
		return nil, err
	}
	key, err := IdempotencyKey(def, ev)
	if err != nil {
		return nil, err
	}
	return &api.WorkflowInstance{
		ID:             NewInstanceID(),
		WorkflowName:   def.Name,
		Event:          ev,
		IdempotencyKey: key,
		Status:         api.StatusPending,
		Context:        make(map[string]any),
	}, nil
}

// Execute runs inst synchronously until it reaches a terminal status. The
// returned error is inst.Err.
func (e *Engine) Execute(ctx context.Context, inst *api.WorkflowInstance) (*api.WorkflowInstance, error) {
	if e.instanceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.instanceTimeout)
		defer cancel()
	}
	if inst.ID == "" {
		inst.ID = NewInstanceID()
	}
	if inst.Context == nil {
		inst.Context = make(map[string]any)
	}
	inst.Status = api.StatusPending
	inst.StartedAt = e.now().UTC()

	e.observer.OnWorkflowStart(ctx, inst)

	def, err := e.registry.Get(inst.WorkflowName)
	if err != nil {
		inst.Err = err
		return e.fail(ctx, inst)
	}
	if inst.IdempotencyKey == "" {
		key, err := IdempotencyKey(def, inst.Event)
		if err != nil {
			inst.Err = err
			return e.fail(ctx, inst)
		}
		inst.IdempotencyKey = key
	}

	rec, err := e.claim(ctx, inst)
	switch {
	case errors.Is(err, api.ErrDuplicateInFlight):
		inst.Err = err
		return e.fail(ctx, inst)
	case err != nil:
		return e.abandon(ctx, inst, "", err, false)
	case rec != nil:
		return e.adopt(ctx, inst, *rec)
	}
	return e.run(ctx, def, inst)
}

// Submit accepts inst and runs it on its own goroutine. The instance runs
// under the engine's lifetime rather than ctx's: cancelling ctx does not
// stop it, Execution.Cancel, Cancel and Close do. Values carried by ctx are
// kept.
func (e *Engine) Submit(ctx context.Context, inst *api.WorkflowInstance) (*api.Execution, error) {
	if _, err := e.registry.Get(inst.WorkflowName); err != nil {
		return nil, err
	}
	if inst.ID == "" {
		inst.ID = NewInstanceID()
	}
	inst.Status = api.StatusPending

	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel(nil)
		return nil, api.ErrEngineClosed
	}
	if _, dup := e.running[inst.ID]; dup {
		e.mu.Unlock()
		cancel(nil)
		return nil, fmt.Errorf("instance %s is already running", inst.ID)
	}
	e.running[inst.ID] = cancel
	e.wg.Add(1)
	e.mu.Unlock()

	exec := api.NewExecution(inst, func() { cancel(api.ErrInstanceCancelled) })

	go func() {
		defer e.wg.Done()
		defer e.forget(inst.ID)
		defer cancel(nil)
		stop := context.AfterFunc(e.root, func() { cancel(nil) })
		defer stop()

		_, err := e.executeSubmitted(runCtx, inst)
		exec.Finish(err)
	}()
	return exec, nil
}

// Cancel stops a submitted instance that has not finished yet. It ends
// Failed with api.ErrInstanceCancelled and a best-effort DLQ entry.
func (e *Engine) Cancel(instanceID string) error {
	e.mu.Lock()
	cancel, ok := e.running[instanceID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("instance %s is not running: %w", instanceID, api.ErrInstanceNotFound)
	}
	cancel(api.ErrInstanceCancelled)
	return nil
}

func (e *Engine) forget(instanceID string) {
	e.mu.Lock()
	delete(e.running, instanceID)
	e.mu.Unlock()
}

func (e *Engine) executeSubmitted(ctx context.Context, inst *api.WorkflowInstance) (*api.WorkflowInstance, error) {
	if e.sem != nil {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			// Closed while queued for a slot.
			inst.StartedAt = e.now().UTC()
			e.observer.OnWorkflowStart(ctx, inst)
			return e.abandon(ctx, inst, "", err, false)
		}
		defer e.sem.Release(1)
	}
	return e.Execute(ctx, inst)
}

// Close stops accepting instances, cancels the running ones and waits for
// them to reach a terminal status or for ctx to end.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// claim takes the in-flight marker for inst's key. It returns a record when
// the key already completed, nil when inst now owns the key.
func (e *Engine) claim(ctx context.Context, inst *api.WorkflowInstance) (*api.IdempotencyRecord, error) {
	for {
		c, err := e.idem.TryClaim(ctx, inst.IdempotencyKey, inst.ID, e.leaseTTL)
		if err != nil {
			return nil, fmt.Errorf("claim %q: %w", inst.IdempotencyKey, err)
		}
		switch c.Status {
		case api.ClaimAcquired:
			return nil, nil
		case api.ClaimAlreadyCompleted:
			return c.Record, nil
		}

		if e.dupMode == DuplicateFailFast {
			return nil, fmt.Errorf("%w: key %q is held by instance %s", api.ErrDuplicateInFlight, inst.IdempotencyKey, c.Owner)
		}
		if err := e.sleep(ctx, e.pollInterval); err != nil {
			return nil, err
		}
	}
}

func (e *Engine) adopt(ctx context.Context, inst *api.WorkflowInstance, rec api.IdempotencyRecord) (*api.WorkflowInstance, error) {
	inst.Adopted = true
	inst.Output = rec.Result
	if rec.Outcome == api.OutcomeSucceeded {
		return e.succeed(ctx, inst)
	}
	inst.Err = fmt.Errorf("recorded failure from instance %s: %s", rec.InstanceID, rec.Error)
	return e.fail(ctx, inst)
}

func (e *Engine) run(ctx context.Context, def api.WorkflowDefinition, inst *api.WorkflowInstance) (*api.WorkflowInstance, error) {
	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)
	stopRenew := e.keepClaim(runCtx, inst, cancelRun)

	inst.Status = api.StatusRunning
	var input any = inst.Event
	for i, step := range def.Steps {
		inst.StepIndex = i
		out, err := e.runStep(runCtx, inst, i, step, input)
		if err != nil {
			stopRenew()
			return e.stepFailed(ctx, runCtx, inst, step.Name, err)
		}
		inst.Context[step.Name] = out
		input = out
	}
	stopRenew()

	if errors.Is(context.Cause(runCtx), api.ErrClaimLost) {
		return e.lostClaim(ctx, inst, nil)
	}

	inst.StepIndex = len(def.Steps)
	inst.Output = input

	err := e.idem.Complete(ctx, inst.IdempotencyKey, inst.ID, api.IdempotencyRecord{
		Key:          inst.IdempotencyKey,
		Outcome:      api.OutcomeSucceeded,
		Result:       inst.Output,
		InstanceID:   inst.ID,
		WorkflowName: inst.WorkflowName,
		CompletedAt:  e.now().UTC(),
	})
	switch {
	case errors.Is(err, api.ErrClaimLost):
		return e.lostClaim(ctx, inst, nil)
	case err != nil:
		return e.abandon(ctx, inst, "", fmt.Errorf("record success: %w", err), true)
	}
	return e.succeed(ctx, inst)
}

// keepClaim renews inst's lease until the returned stop func is called.
// Losing the claim cancels ctx with api.ErrClaimLost.
func (e *Engine) keepClaim(ctx context.Context, inst *api.WorkflowInstance, lost context.CancelCauseFunc) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	interval := max(e.leaseTTL/3, time.Millisecond)
	key, owner := inst.IdempotencyKey, inst.ID

	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := e.idem.RenewClaim(ctx, key, owner, e.leaseTTL); errors.Is(err, api.ErrClaimLost) {
					lost(api.ErrClaimLost)
					return
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (e *Engine) stepFailed(ctx, runCtx context.Context, inst *api.WorkflowInstance, stepName string, err error) (*api.WorkflowInstance, error) {
	var sf *api.StepFailure
	if errors.As(err, &sf) {
		inst.Attempts = sf.Attempts
	}

	if runCtx.Err() != nil {
		if errors.Is(context.Cause(runCtx), api.ErrClaimLost) {
			return e.lostClaim(ctx, inst, err)
		}
		return e.abandon(ctx, inst, stepName, err, true)
	}
	return e.deadLetter(ctx, inst, stepName, err)
}

// deadLetter records the failure so redeliveries do not re-run the steps,
// then parks the instance in the DLQ.
func (e *Engine) deadLetter(ctx context.Context, inst *api.WorkflowInstance, stepName string, err error) (*api.WorkflowInstance, error) {
	inst.Err = err

	cerr := e.idem.Complete(ctx, inst.IdempotencyKey, inst.ID, api.IdempotencyRecord{
		Key:          inst.IdempotencyKey,
		Outcome:      api.OutcomeFailed,
		Error:        err.Error(),
		InstanceID:   inst.ID,
		WorkflowName: inst.WorkflowName,
		CompletedAt:  e.now().UTC(),
	})
	if errors.Is(cerr, api.ErrClaimLost) {
		return e.lostClaim(ctx, inst, err)
	}
	if cerr != nil {
		inst.Err = errors.Join(err, fmt.Errorf("record failure: %w", cerr))
		_ = e.idem.ReleaseClaim(ctx, inst.IdempotencyKey, inst.ID)
	}

	entry := e.deadLetterEntry(inst, stepName, err)
	if qerr := e.dlq.Enqueue(ctx, entry); qerr != nil {
		inst.Err = errors.Join(inst.Err, fmt.Errorf("dead letter: %w", qerr))
		return e.fail(ctx, inst)
	}

	inst.Status = api.StatusDeadLettered
	inst.FinishedAt = e.now().UTC()
	e.archiveInstance(ctx, inst)
	e.observer.OnWorkflowDeadLettered(ctx, inst, entry, e.dlqDepth(ctx))
	return inst, inst.Err
}

// abandon ends an instance that was cancelled or hit an infrastructure
// error. It releases the claim and makes a best-effort DLQ write on a
// context detached from the cancelled one.
func (e *Engine) abandon(ctx context.Context, inst *api.WorkflowInstance, stepName string, err error, claimed bool) (*api.WorkflowInstance, error) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancellationWriteTimeout)
	defer cancel()

	if cause := context.Cause(ctx); cause != nil && !errors.Is(err, cause) {
		err = fmt.Errorf("%w: %w", cause, err)
	}
	inst.Err = err
	if claimed {
		_ = e.idem.ReleaseClaim(dctx, inst.IdempotencyKey, inst.ID)
	}
	if qerr := e.dlq.Enqueue(dctx, e.deadLetterEntry(inst, stepName, err)); qerr != nil {
		inst.Err = errors.Join(err, fmt.Errorf("dead letter: %w", qerr))
	} else {
		e.observer.OnDeadLetterDepth(dctx, inst, e.dlqDepth(dctx))
	}
	return e.fail(dctx, inst)
}

func (e *Engine) lostClaim(ctx context.Context, inst *api.WorkflowInstance, err error) (*api.WorkflowInstance, error) {
	if err != nil {
		inst.Err = fmt.Errorf("%w: %w", api.ErrClaimLost, err)
	} else {
		inst.Err = api.ErrClaimLost
	}
	return e.fail(context.WithoutCancel(ctx), inst)
}

func (e *Engine) succeed(ctx context.Context, inst *api.WorkflowInstance) (*api.WorkflowInstance, error) {
	inst.Status = api.StatusSucceeded
	inst.Err = nil
	inst.FinishedAt = e.now().UTC()
	e.archiveInstance(ctx, inst)
	e.observer.OnWorkflowSucceeded(ctx, inst)
	return inst, nil
}

func (e *Engine) fail(ctx context.Context, inst *api.WorkflowInstance) (*api.WorkflowInstance, error) {
	inst.Status = api.StatusFailed
	inst.FinishedAt = e.now().UTC()
	e.archiveInstance(ctx, inst)
	e.observer.OnWorkflowFailed(ctx, inst, inst.Err)
	return inst, inst.Err
}

func (e *Engine) deadLetterEntry(inst *api.WorkflowInstance, stepName string, err error) api.DeadLetterEntry {
	return api.DeadLetterEntry{
		InstanceID:     inst.ID,
		WorkflowName:   inst.WorkflowName,
		IdempotencyKey: inst.IdempotencyKey,
		Event:          inst.Event,
		StepName:       stepName,
		Attempts:       inst.Attempts,
		FinalError:     err.Error(),
		ErrorKind:      api.KindOf(err),
		EnqueuedAt:     e.now().UTC(),
	}
}

func (e *Engine) archiveInstance(ctx context.Context, inst *api.WorkflowInstance) {
	if e.archive == nil {
		return
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancellationWriteTimeout)
	defer cancel()
	_ = e.archive.Archive(dctx, inst)
}

func (e *Engine) dlqDepth(ctx context.Context) int {
	n, err := e.dlq.Depth(ctx)
	if err != nil {
		return -1
	}
	return n
}
