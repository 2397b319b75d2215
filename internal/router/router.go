// Package router maps event types to workflows and hands matched instances
// to the engine.
package router

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/conduit/pkg/api"
)

// ErrInvalidEvent is returned by Dispatch for events without a type.
var ErrInvalidEvent = errors.New("router: event has no type")

// Submitter is the part of the engine the router depends on.
type Submitter interface {
	Register(def api.WorkflowDefinition) error
	NewInstance(workflow string, ev api.Event) (*api.WorkflowInstance, error)
	Submit(ctx context.Context, inst *api.WorkflowInstance) (*api.Execution, error)
}

// Router is the explicit registry of event type to workflow bindings. One
// Router is owned by the process and passed to the transport layer.
type Router struct {
	engine   Submitter
	observer api.Observer
	now      func() time.Time

	mu        sync.RWMutex
	bindings  map[string][]string // event type -> workflow names, registration order
	workflows map[string]struct{}
}

// Option configures a Router.
type Option func(*Router)

// WithObserver reports received events to obs.
func WithObserver(obs api.Observer) Option {
	return func(r *Router) {
		if obs != nil {
			r.observer = obs
		}
	}
}

// WithClock replaces time.Now for stamping ReceivedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates a Router that submits instances to engine.
func New(engine Submitter, opts ...Option) *Router {
	r := &Router{
		engine:    engine,
		observer:  api.NoopObserver{},
		now:       time.Now,
		bindings:  make(map[string][]string),
		workflows: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds def to eventType. It fails with *api.ConfigError for an
// invalid definition or a workflow name that is already registered under
// any event type.
func (r *Router) Register(eventType string, def api.WorkflowDefinition) error {
	if eventType == "" {
		return &api.ConfigError{Workflow: def.Name, Reason: "event type is required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workflows[def.Name]; exists {
		return &api.ConfigError{Workflow: def.Name, Reason: "already registered"}
	}
	if err := r.engine.Register(def); err != nil {
		return err
	}
	r.workflows[def.Name] = struct{}{}
	r.bindings[eventType] = append(r.bindings[eventType], def.Name)
	return nil
}

// Alias binds an additional event type to an already registered workflow.
func (r *Router) Alias(eventType, workflow string) error {
	if eventType == "" {
		return &api.ConfigError{Workflow: workflow, Reason: "event type is required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workflows[workflow]; !ok {
		return &api.ConfigError{Workflow: workflow, Reason: "not registered"}
	}
	if slices.Contains(r.bindings[eventType], workflow) {
		return &api.ConfigError{Workflow: workflow, Reason: fmt.Sprintf("already bound to %q", eventType)}
	}
	r.bindings[eventType] = append(r.bindings[eventType], workflow)
	return nil
}

// Workflows returns the registered workflow names, sorted.
func (r *Router) Workflows() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Bindings returns the workflows bound to eventType in registration order.
func (r *Router) Bindings(eventType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.bindings[eventType])
}

// Dispatch starts one instance per workflow bound to ev.Type and returns a
// receipt for each once the instances are accepted. It does not wait for
// them to finish. An event nobody subscribed to yields no receipts and no
// error.
//
// Per-workflow failures (key derivation, submission) are reported on the
// receipt; the returned error is only set for an invalid event.
func (r *Router) Dispatch(ctx context.Context, ev api.Event) ([]api.Receipt, error) {
	if ev.Type == "" {
		return nil, ErrInvalidEvent
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = r.now().UTC()
	}
	r.observer.OnEventReceived(ctx, ev)

	workflows := r.Bindings(ev.Type)
	receipts := make([]api.Receipt, 0, len(workflows))
	for _, name := range workflows {
		receipts = append(receipts, r.submit(ctx, name, ev, ""))
	}
	return receipts, nil
}

func (r *Router) submit(ctx context.Context, workflow string, ev api.Event, key string) api.Receipt {
	receipt := api.Receipt{WorkflowName: workflow}

	inst, err := r.engine.NewInstance(workflow, ev)
	if err != nil {
		receipt.Err = err
		return receipt
	}
	if key != "" {
		inst.IdempotencyKey = key
	}
	receipt.InstanceID = inst.ID
	receipt.IdempotencyKey = inst.IdempotencyKey

	exec, err := r.engine.Submit(ctx, inst)
	if err != nil {
		receipt.Err = fmt.Errorf("submit %s: %w", workflow, err)
		return receipt
	}
	receipt.Execution = exec
	return receipt
}

// Replay re-submits the event of a dead-lettered instance as a fresh
// instance under a fresh idempotency attempt, then acks the entry.
func (r *Router) Replay(ctx context.Context, dlq api.DeadLetterQueue, instanceID string) (api.Receipt, error) {
	entry, err := dlq.GetEntry(ctx, instanceID)
	if err != nil {
		return api.Receipt{}, err
	}

	r.mu.RLock()
	_, known := r.workflows[entry.WorkflowName]
	r.mu.RUnlock()
	if !known {
		return api.Receipt{}, fmt.Errorf("replay %s: workflow %q is not registered", instanceID, entry.WorkflowName)
	}

	key := ReplayKey(entry.IdempotencyKey)
	receipt := r.submit(ctx, entry.WorkflowName, entry.Event, key)
	if receipt.Err != nil {
		return receipt, receipt.Err
	}
	if err := dlq.Ack(ctx, instanceID); err != nil && !errors.Is(err, api.ErrEntryNotFound) {
		return receipt, fmt.Errorf("ack %s: %w", instanceID, err)
	}
	return receipt, nil
}

const replaySuffix = "#replay-"

// ReplayKey derives a fresh idempotency attempt from the original key.
// Replaying a replay starts from the original key again.
func ReplayKey(key string) string {
	if i := strings.Index(key, replaySuffix); i >= 0 {
		key = key[:i]
	}
	return key + replaySuffix + uuid.NewString()
}
