package api

import (
	"context"
	"maps"
)

// StepInfo describes the attempt a step function is running in.
type StepInfo struct {
	InstanceID     string
	WorkflowName   string
	IdempotencyKey string
	StepName       string
	StepIndex      int
	Attempt        int
	Event          Event

	// Outputs holds the outputs of the steps that completed before this
	// one, keyed by step name. It is a copy; mutating it has no effect.
	Outputs map[string]any
}

type stepInfoKey struct{}

// WithStepInfo returns ctx carrying info. The engine calls it before each
// attempt.
func WithStepInfo(ctx context.Context, info StepInfo) context.Context {
	info.Outputs = maps.Clone(info.Outputs)
	return context.WithValue(ctx, stepInfoKey{}, info)
}

// StepInfoFromContext returns the StepInfo attached by the engine, if any.
func StepInfoFromContext(ctx context.Context) (StepInfo, bool) {
	info, ok := ctx.Value(stepInfoKey{}).(StepInfo)
	return info, ok
}
