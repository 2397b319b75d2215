package api

import (
	"context"
	"time"
)

// Status represents the lifecycle state of a workflow instance.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusRunning      Status = "RUNNING"
	StatusSucceeded    Status = "SUCCEEDED"
	StatusFailed       Status = "FAILED"
	StatusDeadLettered Status = "DEAD_LETTERED"
)

// Terminal reports whether s is one of the three end states.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusDeadLettered:
		return true
	}
	return false
}

// StepFunc is a single step in a workflow.
//
// The first step receives the triggering Event as input; every later step
// receives the output of the step before it. A StepFunc must not loop on its
// own failures: the engine owns retries.
type StepFunc func(ctx context.Context, input any) (any, error)

// StepDefinition describes a named step.
type StepDefinition struct {
	Name string
	Fn   StepFunc

	// Retry overrides the engine's default retry policy when non-nil.
	Retry *RetryPolicy

	// Timeout bounds a single attempt. Zero uses the engine default.
	Timeout time.Duration

	// Integration names the downstream system the step calls. When set,
	// the engine consults the rate limiter and circuit breaker for it
	// before every attempt.
	Integration string
}

// WorkflowDefinition describes a workflow as a sequence of steps.
// Definitions are registered at startup and never mutated afterwards.
type WorkflowDefinition struct {
	Name  string
	Steps []StepDefinition

	// KeyFunc derives the idempotency key from the triggering event.
	// nil means DefaultKey.
	KeyFunc KeyFunc
}

// WorkflowInstance is one execution of a workflow for one event.
//
// An instance is mutated only by the engine goroutine that owns it. Callers
// must not read it until the instance reaches a terminal status (see
// Execution.Wait).
type WorkflowInstance struct {
	ID           string
	WorkflowName string
	Event        Event

	// IdempotencyKey is "<workflow>:<key>" and is computed once, before any
	// step runs.
	IdempotencyKey string

	Status Status

	// StepIndex tracks progress through the workflow steps.
	//   - Before any steps run: 0
	//   - While running step i: i
	//   - After successful completion: len(steps)
	//   - On failure: index of the step that failed (or was cancelled).
	StepIndex int

	// Context accumulates step outputs keyed by step name.
	Context map[string]any

	Output any
	Err    error

	// Adopted is true when the outcome was taken from the idempotency
	// store instead of running steps.
	Adopted bool

	// Attempts counts attempts of the last step that ran.
	Attempts int

	StartedAt  time.Time
	FinishedAt time.Time
}

// InstanceFilter controls how archived instances are listed.
// Zero values mean "no filter" for that field.
type InstanceFilter struct {
	// WorkflowName, if non-empty, limits results to instances of the given workflow.
	WorkflowName string

	// Status, if non-empty, limits results to instances with the given status.
	Status Status

	// Limit caps the number of results. Zero means unlimited.
	Limit int
}

// InstanceArchive keeps terminal instances for later inspection.
type InstanceArchive interface {
	Archive(ctx context.Context, inst *WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (*WorkflowInstance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*WorkflowInstance, error)
}

// Execution is a handle to an instance submitted for asynchronous execution.
type Execution struct {
	inst   *WorkflowInstance
	done   chan struct{}
	err    error
	cancel func()
}

// NewExecution returns a handle for inst. The engine calls Finish exactly
// once when the instance reaches a terminal status. cancel, if non-nil,
// backs Cancel.
func NewExecution(inst *WorkflowInstance, cancel func()) *Execution {
	return &Execution{inst: inst, done: make(chan struct{}), cancel: cancel}
}

// Finish records the final error and releases waiters.
func (e *Execution) Finish(err error) {
	e.err = err
	close(e.done)
}

// Cancel asks the engine to stop the instance at its next suspension point.
// The instance ends Failed with ErrInstanceCancelled. Cancelling a finished
// instance does nothing.
func (e *Execution) Cancel() {
	if e.cancel != nil {
		e.cancel()
	}
}

// Done is closed once the instance is terminal.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until the instance is terminal or ctx is cancelled.
func (e *Execution) Wait(ctx context.Context) (*WorkflowInstance, error) {
	select {
	case <-e.done:
		return e.inst, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Receipt is returned by the router for every workflow bound to a
// dispatched event.
type Receipt struct {
	InstanceID     string
	WorkflowName   string
	IdempotencyKey string

	// Err is set when the instance could not be accepted for execution.
	Err error

	// Execution is nil when Err is set.
	Execution *Execution
}

// Wait blocks until the receipt's instance is terminal.
func (r Receipt) Wait(ctx context.Context) (*WorkflowInstance, error) {
	if r.Err != nil {
		return nil, r.Err
	}
	if r.Execution == nil {
		return nil, ErrNotAccepted
	}
	return r.Execution.Wait(ctx)
}
