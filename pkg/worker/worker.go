package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/conduit/internal/engine"
	"github.com/petrijr/conduit/internal/router"
	"github.com/petrijr/conduit/internal/taskqueue"
	"github.com/petrijr/conduit/pkg/api"
)

// Dispatcher hands events and replays over to workflow execution.
// *router.Router satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev api.Event) ([]api.Receipt, error)
	Replay(ctx context.Context, dlq api.DeadLetterQueue, instanceID string) (api.Receipt, error)
}

// Config controls how a Worker puts back tasks whose hand-over failed.
type Config struct {
	// MaxAttempts bounds how often one task is processed. Zero means 3.
	MaxAttempts int

	// Backoff is the delay before a put-back task becomes eligible again.
	// It doubles with each attempt. Zero means one second.
	Backoff time.Duration

	// Logger receives put-back and drop notices. Nil means slog.Default().
	Logger *slog.Logger
}

// Worker pulls tasks from a Queue and hands them to a Dispatcher.
//
// Workflow outcomes are owned by the engine: a failed or dead-lettered
// instance is not put back. Only tasks that could not be handed over (engine
// shutting down, store outage) are re-enqueued, with Attempts+1 and a
// NotBefore delay.
type Worker struct {
	dispatcher Dispatcher
	dlq        api.DeadLetterQueue
	queue      taskqueue.Queue
	cfg        Config
	now        func() time.Time
}

// New creates a Worker with the default Config.
func New(d Dispatcher, dlq api.DeadLetterQueue, queue taskqueue.Queue) *Worker {
	return NewWithConfig(d, dlq, queue, Config{})
}

// NewWithConfig creates a Worker with explicit put-back settings.
func NewWithConfig(d Dispatcher, dlq api.DeadLetterQueue, queue taskqueue.Queue, cfg Config) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{
		dispatcher: d,
		dlq:        dlq,
		queue:      queue,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Queue returns the queue the worker consumes.
func (w *Worker) Queue() taskqueue.Queue {
	return w.queue
}

// EnqueueEvent enqueues an event for asynchronous dispatch. It does NOT run
// any workflow itself; that is done by ProcessOne.
func (w *Worker) EnqueueEvent(ctx context.Context, ev api.Event) error {
	return w.EnqueueEventAt(ctx, ev, time.Time{})
}

// EnqueueEventAt enqueues an event that is dispatched no earlier than at.
func (w *Worker) EnqueueEventAt(ctx context.Context, ev api.Event, at time.Time) error {
	if ev.Type == "" {
		return router.ErrInvalidEvent
	}
	now := w.now()
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = now.UTC()
	}
	return w.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskTypeDispatchEvent,
		Event:      ev,
		EnqueuedAt: now,
		NotBefore:  at,
	})
}

// EnqueueReplay enqueues a replay of the dead-lettered instance instanceID.
func (w *Worker) EnqueueReplay(ctx context.Context, instanceID string) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskTypeReplay,
		InstanceID: instanceID,
		EnqueuedAt: w.now(),
	})
}

// ProcessOne pulls a single task from the queue, hands it over and waits for
// the resulting instances to finish.
// Returns (processed, error):
//   - processed == false: no task was obtained; err is the Dequeue error.
//   - processed == true: a task was taken off the queue; err joins
//     hand-over and workflow errors, or wraps taskqueue.ErrMalformedTask
//     when the task could not be decoded and was discarded.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if errors.Is(err, taskqueue.ErrMalformedTask) {
		w.cfg.Logger.Error("discarding malformed task", "error", err)
		return true, err
	}
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	var (
		receipts []api.Receipt
		handoff  error
	)
	switch task.Type {
	case taskqueue.TaskTypeDispatchEvent:
		receipts, handoff = w.dispatcher.Dispatch(ctx, task.Event)
	case taskqueue.TaskTypeReplay:
		var r api.Receipt
		r, handoff = w.dispatcher.Replay(ctx, w.dlq, task.InstanceID)
		if handoff == nil {
			receipts = []api.Receipt{r}
		}
	default:
		return true, fmt.Errorf("unknown task type: %s", task.Type)
	}

	if handoff == nil {
		for _, r := range receipts {
			if r.Err != nil && requeueable(r.Err) {
				handoff = r.Err
				break
			}
		}
	}
	if handoff != nil && requeueable(handoff) {
		if err := w.requeue(ctx, *task, handoff); err != nil {
			return true, err
		}
	}

	errs := []error{handoff}
	for _, r := range receipts {
		if r.Err != nil {
			if !errors.Is(r.Err, handoff) {
				errs = append(errs, fmt.Errorf("%s: %w", r.WorkflowName, r.Err))
			}
			continue
		}
		if _, err := r.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.WorkflowName, err))
		}
	}
	return true, errors.Join(errs...)
}

// requeue puts task back with a growing delay until MaxAttempts is spent.
func (w *Worker) requeue(ctx context.Context, task taskqueue.Task, cause error) error {
	task.Attempts++
	if task.Attempts >= w.cfg.MaxAttempts {
		w.cfg.Logger.Error("dropping task",
			"task_id", task.ID,
			"type", task.Type,
			"attempts", task.Attempts,
			"error", cause,
		)
		return nil
	}

	delay := w.cfg.Backoff << (task.Attempts - 1)
	task.NotBefore = w.now().Add(delay)
	w.cfg.Logger.Warn("requeueing task",
		"task_id", task.ID,
		"type", task.Type,
		"attempts", task.Attempts,
		"delay", delay,
		"error", cause,
	)

	// The caller's ctx may be the one shutting us down.
	putCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.queue.Enqueue(putCtx, task); err != nil {
		return fmt.Errorf("requeue task %s: %w", task.ID, err)
	}
	return nil
}

// requeueable reports whether a hand-over failure may succeed later.
func requeueable(err error) bool {
	switch {
	case errors.Is(err, api.ErrEngineClosed):
		return true
	case errors.Is(err, router.ErrInvalidEvent),
		errors.Is(err, api.ErrEntryNotFound),
		errors.Is(err, engine.ErrUnknownWorkflow),
		errors.Is(err, api.ErrNoEventID),
		api.IsConfigError(err),
		api.IsPermanent(err):
		return false
	}
	return true
}
