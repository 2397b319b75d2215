// Package taskqueue holds the inbound work queue that decouples event
// ingestion from workflow execution.
package taskqueue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/conduit/pkg/api"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskTypeDispatchEvent routes Event to every workflow bound to its type.
	TaskTypeDispatchEvent TaskType = "dispatch-event"
	// TaskTypeReplay resubmits the dead-lettered instance InstanceID.
	TaskTypeReplay TaskType = "replay"
)

// Task is a unit of work for the worker.
type Task struct {
	ID   string
	Type TaskType

	// For dispatch-event tasks
	Event api.Event

	// For replay tasks
	InstanceID string

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task may be dequeued. The zero
	// value means immediately.
	NotBefore time.Time

	// Attempts counts failed processing rounds; the worker re-enqueues a
	// task with Attempts+1 when dispatching it could not be completed.
	Attempts int
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next eligible task, blocking until one
	// is available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}

// stamp fills in the ID, EnqueuedAt and NotBefore of a task about to be
// stored.
func stamp(t *Task, now time.Time) {
	if t.ID == "" {
		t.ID = uuid.Must(uuid.NewV7()).String()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
