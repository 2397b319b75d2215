package conduit

import (
	"fmt"
	"time"

	"github.com/petrijr/conduit/pkg/api"
)

// FlowBuilder provides a fluent API for defining workflows:
//
//	flow := conduit.New("sync-contact").
//	    KeyedBy(conduit.PayloadFieldKey("contact_id")).
//	    Step("fetch", fetchContact, conduit.WithIntegration("hubspot")).
//	    Step("upsert", upsertContact, conduit.WithRetry(conduit.Retry(5).Policy()))
//
//	if err := flow.Register(orch, "contact.created"); err != nil {
//	    log.Fatal(err)
//	}
type FlowBuilder struct {
	def api.WorkflowDefinition
}

// StepOption customises a single step added through FlowBuilder.Step.
type StepOption func(*api.StepDefinition)

// WithRetry overrides the engine's default retry policy for the step.
func WithRetry(p RetryPolicy) StepOption {
	return func(s *api.StepDefinition) {
		// Copy so later changes to p don't leak into the definition.
		r := p
		s.Retry = &r
	}
}

// WithTimeout bounds a single attempt of the step.
func WithTimeout(d time.Duration) StepOption {
	return func(s *api.StepDefinition) { s.Timeout = d }
}

// WithIntegration tags the step with the downstream system it calls, so
// the rate limiter and circuit breaker for that integration apply.
func WithIntegration(name string) StepOption {
	return func(s *api.StepDefinition) { s.Integration = name }
}

// New creates a new workflow builder with the given name.
func New(name string) *FlowBuilder {
	return &FlowBuilder{
		def: api.WorkflowDefinition{
			Name:  name,
			Steps: make([]api.StepDefinition, 0),
		},
	}
}

// Name returns the workflow name.
func (b *FlowBuilder) Name() string {
	return b.def.Name
}

// Definition returns a copy of the underlying WorkflowDefinition.
func (b *FlowBuilder) Definition() WorkflowDefinition {
	def := b.def
	def.Steps = append([]api.StepDefinition(nil), b.def.Steps...)
	return def
}

// KeyedBy sets the function deriving idempotency keys from events. The
// default is DefaultKey.
func (b *FlowBuilder) KeyedBy(fn KeyFunc) *FlowBuilder {
	b.def.KeyFunc = fn
	return b
}

// Step appends a step to the workflow.
func (b *FlowBuilder) Step(name string, fn StepFunc, opts ...StepOption) *FlowBuilder {
	if name == "" {
		panic("conduit: step name must not be empty")
	}
	if fn == nil {
		panic(fmt.Sprintf("conduit: step %q has nil function", name))
	}

	step := api.StepDefinition{Name: name, Fn: fn}
	for _, opt := range opts {
		opt(&step)
	}
	b.def.Steps = append(b.def.Steps, step)
	return b
}

// StepWithRetry appends a step that uses the given retry policy.
func (b *FlowBuilder) StepWithRetry(name string, fn StepFunc, retry RetryPolicy) *FlowBuilder {
	return b.Step(name, fn, WithRetry(retry))
}

// Register binds the built workflow to eventType on the orchestrator.
func (b *FlowBuilder) Register(o *Orchestrator, eventType string) error {
	return o.Register(eventType, b.Definition())
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *FlowBuilder) MustRegister(o *Orchestrator, eventType string) {
	if err := b.Register(o, eventType); err != nil {
		panic(err)
	}
}
