package engine

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/petrijr/conduit/pkg/api"
)

// ErrUnknownWorkflow is returned when an instance names a workflow that was
// never registered.
var ErrUnknownWorkflow = errors.New("unknown workflow")

type workflowRegistry struct {
	mu     sync.RWMutex
	byName map[string]api.WorkflowDefinition
}

func newWorkflowRegistry() *workflowRegistry {
	return &workflowRegistry{
		byName: make(map[string]api.WorkflowDefinition),
	}
}

func (r *workflowRegistry) Register(def api.WorkflowDefinition) error {
	if err := ValidateDefinition(def); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[def.Name]; exists {
		return &api.ConfigError{Workflow: def.Name, Reason: "already registered"}
	}

	// Definitions are immutable after registration.
	def.Steps = slices.Clone(def.Steps)
	r.byName[def.Name] = def
	return nil
}

func (r *workflowRegistry) Get(name string) (api.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.byName[name]
	if !ok {
		return api.WorkflowDefinition{}, fmt.Errorf("%w: %q", ErrUnknownWorkflow, name)
	}
	return def, nil
}

func (r *workflowRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// ValidateDefinition checks def for the mistakes that must be caught at
// registration time.
func ValidateDefinition(def api.WorkflowDefinition) error {
	if def.Name == "" {
		return &api.ConfigError{Reason: "workflow name is required"}
	}
	if len(def.Steps) == 0 {
		return &api.ConfigError{Workflow: def.Name, Reason: "workflow must have at least one step"}
	}

	seen := make(map[string]struct{}, len(def.Steps))
	for i, step := range def.Steps {
		switch {
		case step.Name == "":
			return &api.ConfigError{Workflow: def.Name, Reason: fmt.Sprintf("step %d has no name", i)}
		case step.Fn == nil:
			return &api.ConfigError{Workflow: def.Name, Reason: fmt.Sprintf("step %q has no function", step.Name)}
		case step.Timeout < 0:
			return &api.ConfigError{Workflow: def.Name, Reason: fmt.Sprintf("step %q has a negative timeout", step.Name)}
		}
		if _, dup := seen[step.Name]; dup {
			return &api.ConfigError{Workflow: def.Name, Reason: fmt.Sprintf("duplicate step name %q", step.Name)}
		}
		seen[step.Name] = struct{}{}

		if step.Retry != nil {
			if err := step.Retry.Validate(); err != nil {
				return &api.ConfigError{Workflow: def.Name, Reason: fmt.Sprintf("step %q: %v", step.Name, err)}
			}
		}
	}
	return nil
}

// IdempotencyKey derives the key for ev under def: "<workflow>:<key>".
func IdempotencyKey(def api.WorkflowDefinition, ev api.Event) (string, error) {
	keyFn := def.KeyFunc
	if keyFn == nil {
		keyFn = api.DefaultKey
	}
	k, err := keyFn(ev)
	if err != nil {
		return "", fmt.Errorf("idempotency key for %q: %w", def.Name, err)
	}
	if k == "" {
		return "", fmt.Errorf("idempotency key for %q: key func returned an empty key", def.Name)
	}
	return def.Name + ":" + k, nil
}
