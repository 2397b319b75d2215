package api

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the router and engine for logging and
// metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay workflow execution. Callbacks for one
// instance arrive from the goroutine running it; callbacks for different
// instances may arrive concurrently.
type Observer interface {
	// OnEventReceived is called once per dispatched event, before any
	// workflow lookup.
	OnEventReceived(ctx context.Context, ev Event)

	// OnWorkflowStart is called when the engine starts executing an instance,
	// before the idempotency check.
	OnWorkflowStart(ctx context.Context, inst *WorkflowInstance)

	// OnWorkflowSucceeded is called when an instance reaches StatusSucceeded,
	// including instances that adopted a stored result (inst.Adopted).
	OnWorkflowSucceeded(ctx context.Context, inst *WorkflowInstance)

	// OnWorkflowFailed is called when an instance reaches StatusFailed.
	OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error)

	// OnWorkflowDeadLettered is called after the DLQ write for an instance
	// that exhausted a step. depth is the queue depth after the write, or -1
	// when it could not be determined.
	OnWorkflowDeadLettered(ctx context.Context, inst *WorkflowInstance, entry DeadLetterEntry, depth int)

	// OnDeadLetterDepth reports the DLQ depth after a write that did not
	// dead-letter the instance, such as the entry kept for a cancelled one.
	OnDeadLetterDepth(ctx context.Context, inst *WorkflowInstance, depth int)

	// OnStepStart is called before each attempt of a step.
	// stepIndex is the 0-based index into WorkflowDefinition.Steps.
	OnStepStart(ctx context.Context, inst *WorkflowInstance, stepName string, stepIndex, attempt int)

	// OnStepRetry is called when a failed attempt is going to be retried
	// after delay.
	OnStepRetry(ctx context.Context, inst *WorkflowInstance, stepName string, stepIndex, attempt int, err error, delay time.Duration)

	// OnStepCompleted is called after each attempt returns, for both
	// successes and failures (err != nil).
	OnStepCompleted(ctx context.Context, inst *WorkflowInstance, stepName string, stepIndex, attempt int, err error, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnEventReceived(ctx context.Context, ev Event) {
}
func (NoopObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
}
func (NoopObserver) OnWorkflowSucceeded(ctx context.Context, inst *WorkflowInstance) {
}
func (NoopObserver) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error) {
}
func (NoopObserver) OnWorkflowDeadLettered(ctx context.Context, inst *WorkflowInstance, entry DeadLetterEntry, depth int) {
}
func (NoopObserver) OnDeadLetterDepth(ctx context.Context, inst *WorkflowInstance, depth int) {
}
func (NoopObserver) OnStepStart(ctx context.Context, inst *WorkflowInstance, stepName string, idx, attempt int) {
}
func (NoopObserver) OnStepRetry(ctx context.Context, inst *WorkflowInstance, stepName string, idx, attempt int, err error, delay time.Duration) {
}
func (NoopObserver) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, stepName string, idx, attempt int, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnEventReceived(ctx context.Context, ev Event) {
	for _, o := range c.observers {
		o.OnEventReceived(ctx, ev)
	}
}

func (c *CompositeObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnWorkflowStart(ctx, inst)
	}
}

func (c *CompositeObserver) OnWorkflowSucceeded(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnWorkflowSucceeded(ctx, inst)
	}
}

func (c *CompositeObserver) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	for _, o := range c.observers {
		o.OnWorkflowFailed(ctx, inst, err)
	}
}

func (c *CompositeObserver) OnWorkflowDeadLettered(ctx context.Context, inst *WorkflowInstance, entry DeadLetterEntry, depth int) {
	for _, o := range c.observers {
		o.OnWorkflowDeadLettered(ctx, inst, entry, depth)
	}
}

func (c *CompositeObserver) OnDeadLetterDepth(ctx context.Context, inst *WorkflowInstance, depth int) {
	for _, o := range c.observers {
		o.OnDeadLetterDepth(ctx, inst, depth)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, inst *WorkflowInstance, stepName string, idx, attempt int) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, inst, stepName, idx, attempt)
	}
}

func (c *CompositeObserver) OnStepRetry(ctx context.Context, inst *WorkflowInstance, stepName string, idx, attempt int, err error, delay time.Duration) {
	for _, o := range c.observers {
		o.OnStepRetry(ctx, inst, stepName, idx, attempt, err, delay)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, stepName string, idx, attempt int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, inst, stepName, idx, attempt, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs event, workflow and step
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnEventReceived(ctx context.Context, ev Event) {
	o.Logger.InfoContext(ctx, "event_received",
		slog.String("event_type", ev.Type),
		slog.String("event_id", ev.ID),
	)
}

func (o *LoggingObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "workflow_start",
		slog.String("workflow", inst.WorkflowName),
		slog.String("instance_id", inst.ID),
		slog.String("idempotency_key", inst.IdempotencyKey),
	)
}

func (o *LoggingObserver) OnWorkflowSucceeded(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "workflow_succeeded",
		slog.String("workflow", inst.WorkflowName),
		slog.String("instance_id", inst.ID),
		slog.Bool("adopted", inst.Adopted),
	)
}

func (o *LoggingObserver) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	o.Logger.ErrorContext(ctx, "workflow_failed",
		slog.String("workflow", inst.WorkflowName),
		slog.String("instance_id", inst.ID),
		slog.Bool("adopted", inst.Adopted),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnWorkflowDeadLettered(ctx context.Context, inst *WorkflowInstance, entry DeadLetterEntry, depth int) {
	o.Logger.ErrorContext(ctx, "workflow_dead_lettered",
		slog.String("workflow", inst.WorkflowName),
		slog.String("instance_id", inst.ID),
		slog.String("step", entry.StepName),
		slog.Int("attempts", entry.Attempts),
		slog.String("error_kind", string(entry.ErrorKind)),
		slog.String("error", entry.FinalError),
		slog.Int("dlq_depth", depth),
	)
}

func (o *LoggingObserver) OnDeadLetterDepth(ctx context.Context, inst *WorkflowInstance, depth int) {
	o.Logger.InfoContext(ctx, "dead_letter_kept",
		slog.String("workflow", inst.WorkflowName),
		slog.String("instance_id", inst.ID),
		slog.Int("dlq_depth", depth),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, inst *WorkflowInstance, stepName string, idx, attempt int) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.String("workflow", inst.WorkflowName),
		slog.String("instance_id", inst.ID),
		slog.String("step", stepName),
		slog.Int("step_index", idx),
		slog.Int("attempt", attempt),
	)
}

func (o *LoggingObserver) OnStepRetry(ctx context.Context, inst *WorkflowInstance, stepName string, idx, attempt int, err error, delay time.Duration) {
	o.Logger.WarnContext(ctx, "step_retry",
		slog.String("workflow", inst.WorkflowName),
		slog.String("instance_id", inst.ID),
		slog.String("step", stepName),
		slog.Int("step_index", idx),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, stepName string, idx, attempt int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "step_completed",
		slog.String("workflow", inst.WorkflowName),
		slog.String("instance_id", inst.ID),
		slog.String("step", stepName),
		slog.Int("step_index", idx),
		slog.Int("attempt", attempt),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	eventsReceived        atomic.Int64
	workflowsStarted      atomic.Int64
	workflowsSucceeded    atomic.Int64
	workflowsFailed       atomic.Int64
	workflowsDeadLettered atomic.Int64
	dlqDepth              atomic.Int64
	stepsCompleted        atomic.Int64
	stepsFailed           atomic.Int64
	stepRetries           atomic.Int64
	totalStepDuration     atomic.Int64 // nanoseconds

	mu    sync.Mutex
	steps map[string]*StepLatency
}

// StepLatency aggregates attempt durations for one "<workflow>/<step>".
type StepLatency struct {
	Count int64
	Total time.Duration
	Max   time.Duration
}

// Avg returns the mean attempt duration.
func (l StepLatency) Avg() time.Duration {
	if l.Count == 0 {
		return 0
	}
	return l.Total / time.Duration(l.Count)
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	EventsReceived        int64
	WorkflowsStarted      int64
	WorkflowsSucceeded    int64
	WorkflowsFailed       int64
	WorkflowsDeadLettered int64
	PendingWorkflows      int64
	DLQDepth              int64

	StepsCompleted  int64
	StepsFailed     int64
	StepRetries     int64
	AvgStepDuration time.Duration

	// StepLatency is keyed by "<workflow>/<step>".
	StepLatency map[string]StepLatency
}

func (m *BasicMetrics) OnEventReceived(ctx context.Context, ev Event) {
	m.eventsReceived.Add(1)
}

func (m *BasicMetrics) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	m.workflowsStarted.Add(1)
}

func (m *BasicMetrics) OnWorkflowSucceeded(ctx context.Context, inst *WorkflowInstance) {
	m.workflowsSucceeded.Add(1)
}

func (m *BasicMetrics) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	m.workflowsFailed.Add(1)
}

func (m *BasicMetrics) OnWorkflowDeadLettered(ctx context.Context, inst *WorkflowInstance, entry DeadLetterEntry, depth int) {
	m.workflowsDeadLettered.Add(1)
	if depth >= 0 {
		m.dlqDepth.Store(int64(depth))
	}
}

func (m *BasicMetrics) OnDeadLetterDepth(ctx context.Context, inst *WorkflowInstance, depth int) {
	if depth >= 0 {
		m.dlqDepth.Store(int64(depth))
	}
}

func (m *BasicMetrics) OnStepRetry(ctx context.Context, inst *WorkflowInstance, stepName string, idx, attempt int, err error, delay time.Duration) {
	m.stepRetries.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, stepName string, idx, attempt int, err error, d time.Duration) {
	if err != nil {
		m.stepsFailed.Add(1)
	} else {
		// Only count successful steps for average duration.
		m.stepsCompleted.Add(1)
		m.totalStepDuration.Add(d.Nanoseconds())
	}

	key := inst.WorkflowName + "/" + stepName
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.steps == nil {
		m.steps = make(map[string]*StepLatency)
	}
	l, ok := m.steps[key]
	if !ok {
		l = &StepLatency{}
		m.steps[key] = l
	}
	l.Count++
	l.Total += d
	if d > l.Max {
		l.Max = d
	}
}

// SetDLQDepth overrides the tracked DLQ depth, e.g. after an operator ack.
func (m *BasicMetrics) SetDLQDepth(depth int) {
	m.dlqDepth.Store(int64(depth))
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.workflowsStarted.Load()
	succeeded := m.workflowsSucceeded.Load()
	failed := m.workflowsFailed.Load()
	deadLettered := m.workflowsDeadLettered.Load()
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	m.mu.Lock()
	latency := make(map[string]StepLatency, len(m.steps))
	for k, v := range m.steps {
		latency[k] = *v
	}
	m.mu.Unlock()

	return BasicMetricsSnapshot{
		EventsReceived:        m.eventsReceived.Load(),
		WorkflowsStarted:      started,
		WorkflowsSucceeded:    succeeded,
		WorkflowsFailed:       failed,
		WorkflowsDeadLettered: deadLettered,
		PendingWorkflows:      started - succeeded - failed - deadLettered,
		DLQDepth:              m.dlqDepth.Load(),
		StepsCompleted:        steps,
		StepsFailed:           m.stepsFailed.Load(),
		StepRetries:           m.stepRetries.Load(),
		AvgStepDuration:       avg,
		StepLatency:           latency,
	}
}
