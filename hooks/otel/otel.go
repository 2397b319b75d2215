// Package otel provides OpenTelemetry tracing for conduit through the
// api.Observer interface.
//
// Each workflow instance gets a span named "workflow/<name>" and each step
// attempt a child span named "step/<name>". Dispatched events produce a
// short "event_received/<type>" consumer span.
package otel

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/conduit/pkg/api"
)

const tracerName = "conduit"

// Observer implements api.Observer with OpenTelemetry spans. It is safe for
// concurrent use.
type Observer struct {
	tracer trace.Tracer

	mu sync.Mutex

	// instance ID -> active workflow span and the context carrying it
	workflowSpans    map[string]trace.Span
	workflowContexts map[string]context.Context

	// instance ID:step index:attempt -> active step span
	stepSpans map[string]trace.Span
}

// NewObserver creates an Observer.
// If tracerProvider is nil, the global tracer provider is used.
func NewObserver(tracerProvider trace.TracerProvider) *Observer {
	var tracer trace.Tracer
	if tracerProvider != nil {
		tracer = tracerProvider.Tracer(tracerName)
	} else {
		tracer = otel.Tracer(tracerName)
	}
	return &Observer{
		tracer:           tracer,
		workflowSpans:    make(map[string]trace.Span),
		workflowContexts: make(map[string]context.Context),
		stepSpans:        make(map[string]trace.Span),
	}
}

var _ api.Observer = (*Observer)(nil)

func instanceAttrs(inst *api.WorkflowInstance) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("conduit.instance_id", inst.ID),
		attribute.String("conduit.workflow_name", inst.WorkflowName),
		attribute.String("conduit.idempotency_key", inst.IdempotencyKey),
		attribute.String("conduit.event_type", inst.Event.Type),
		attribute.String("conduit.event_id", inst.Event.ID),
	}
}

// OnEventReceived records a consumer span for a dispatched event.
func (o *Observer) OnEventReceived(ctx context.Context, ev api.Event) {
	_, span := o.tracer.Start(ctx, "event_received/"+ev.Type,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("conduit.event_type", ev.Type),
			attribute.String("conduit.event_id", ev.ID),
		),
	)
	span.SetStatus(codes.Ok, "event received")
	span.End()
}

// OnWorkflowStart opens the workflow span.
func (o *Observer) OnWorkflowStart(ctx context.Context, inst *api.WorkflowInstance) {
	spanCtx, span := o.tracer.Start(ctx, "workflow/"+inst.WorkflowName,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(instanceAttrs(inst)...),
	)

	o.mu.Lock()
	o.workflowSpans[inst.ID] = span
	o.workflowContexts[inst.ID] = spanCtx
	o.mu.Unlock()
}

// takeWorkflow removes and returns the workflow span of id.
func (o *Observer) takeWorkflow(id string) (trace.Span, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	span, ok := o.workflowSpans[id]
	delete(o.workflowSpans, id)
	delete(o.workflowContexts, id)
	return span, ok
}

func durationAttr(inst *api.WorkflowInstance) attribute.KeyValue {
	var d time.Duration
	if !inst.StartedAt.IsZero() && !inst.FinishedAt.IsZero() {
		d = inst.FinishedAt.Sub(inst.StartedAt)
	}
	return attribute.Int64("conduit.duration_ms", d.Milliseconds())
}

// OnWorkflowSucceeded ends the workflow span with success status.
func (o *Observer) OnWorkflowSucceeded(ctx context.Context, inst *api.WorkflowInstance) {
	span, ok := o.takeWorkflow(inst.ID)
	if !ok {
		return
	}
	span.SetAttributes(
		durationAttr(inst),
		attribute.Bool("conduit.adopted", inst.Adopted),
		attribute.Int("conduit.steps", inst.StepIndex),
	)
	span.SetStatus(codes.Ok, "workflow succeeded")
	span.End()
}

// OnWorkflowFailed ends the workflow span with error status.
func (o *Observer) OnWorkflowFailed(ctx context.Context, inst *api.WorkflowInstance, err error) {
	span, ok := o.takeWorkflow(inst.ID)
	if !ok {
		return
	}
	span.SetAttributes(durationAttr(inst), attribute.Bool("conduit.adopted", inst.Adopted))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Error, "workflow failed")
	}
	span.End()
}

// OnWorkflowDeadLettered ends the workflow span and records the DLQ entry.
func (o *Observer) OnWorkflowDeadLettered(ctx context.Context, inst *api.WorkflowInstance, entry api.DeadLetterEntry, depth int) {
	span, ok := o.takeWorkflow(inst.ID)
	if !ok {
		return
	}
	span.SetAttributes(
		durationAttr(inst),
		attribute.String("conduit.failed_step", entry.StepName),
		attribute.Int("conduit.attempts", entry.Attempts),
		attribute.String("conduit.error_kind", string(entry.ErrorKind)),
		attribute.Int("conduit.dlq_depth", depth),
	)
	span.AddEvent("dead_lettered")
	if inst.Err != nil {
		span.RecordError(inst.Err)
	}
	span.SetStatus(codes.Error, "dead-lettered: "+entry.FinalError)
	span.End()
}

// OnDeadLetterDepth tags the still-open workflow span with the DLQ depth
// after a cancelled instance was parked.
func (o *Observer) OnDeadLetterDepth(ctx context.Context, inst *api.WorkflowInstance, depth int) {
	o.mu.Lock()
	span, ok := o.workflowSpans[inst.ID]
	o.mu.Unlock()
	if !ok {
		return
	}
	span.AddEvent("dead_letter_kept", trace.WithAttributes(attribute.Int("conduit.dlq_depth", depth)))
}

func stepKey(instanceID string, idx, attempt int) string {
	return instanceID + ":" + strconv.Itoa(idx) + ":" + strconv.Itoa(attempt)
}

// OnStepStart opens a span for one attempt, as a child of the workflow span.
func (o *Observer) OnStepStart(ctx context.Context, inst *api.WorkflowInstance, stepName string, idx, attempt int) {
	o.mu.Lock()
	parent, ok := o.workflowContexts[inst.ID]
	o.mu.Unlock()
	if !ok {
		parent = ctx
	}

	_, span := o.tracer.Start(parent, "step/"+stepName,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("conduit.instance_id", inst.ID),
			attribute.String("conduit.workflow_name", inst.WorkflowName),
			attribute.String("conduit.step_name", stepName),
			attribute.Int("conduit.step_index", idx),
			attribute.Int("conduit.attempt", attempt),
		),
	)

	o.mu.Lock()
	o.stepSpans[stepKey(inst.ID, idx, attempt)] = span
	o.mu.Unlock()
}

// OnStepCompleted ends the attempt span.
func (o *Observer) OnStepCompleted(ctx context.Context, inst *api.WorkflowInstance, stepName string, idx, attempt int, err error, d time.Duration) {
	key := stepKey(inst.ID, idx, attempt)
	o.mu.Lock()
	span, ok := o.stepSpans[key]
	delete(o.stepSpans, key)
	o.mu.Unlock()
	if !ok {
		return
	}

	span.SetAttributes(attribute.Int64("conduit.duration_ms", d.Milliseconds()))
	if err != nil {
		span.SetAttributes(attribute.String("conduit.error_kind", string(api.KindOf(err))))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "step completed")
	}
	span.End()
}

// OnStepRetry records a retry event on the workflow span.
func (o *Observer) OnStepRetry(ctx context.Context, inst *api.WorkflowInstance, stepName string, idx, attempt int, err error, delay time.Duration) {
	o.mu.Lock()
	span, ok := o.workflowSpans[inst.ID]
	o.mu.Unlock()
	if !ok {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("conduit.step_name", stepName),
		attribute.Int("conduit.attempt", attempt),
		attribute.Int64("conduit.next_delay_ms", delay.Milliseconds()),
	}
	if err != nil {
		attrs = append(attrs, attribute.String("conduit.error", err.Error()))
	}
	span.AddEvent(fmt.Sprintf("step_retry/%s", stepName), trace.WithAttributes(attrs...))
}
