package api

import (
	"context"
	"time"
)

// DeadLetterEntry captures a workflow instance that exhausted its retries,
// with enough context to replay it.
type DeadLetterEntry struct {
	InstanceID     string
	WorkflowName   string
	IdempotencyKey string
	Event          Event

	// StepName is the step that failed. It is empty when the instance was
	// cancelled before any step ran.
	StepName   string
	Attempts   int
	FinalError string
	ErrorKind  ErrorKind
	EnqueuedAt time.Time
}

// DeadLetterFilter selects entries from the DLQ. Zero values mean "no filter".
type DeadLetterFilter struct {
	WorkflowName string
	EventType    string
	Since        time.Time
	Limit        int
}

// Matches reports whether e passes the filter, ignoring Limit.
func (f DeadLetterFilter) Matches(e DeadLetterEntry) bool {
	if f.WorkflowName != "" && e.WorkflowName != f.WorkflowName {
		return false
	}
	if f.EventType != "" && e.Event.Type != f.EventType {
		return false
	}
	if !f.Since.IsZero() && e.EnqueuedAt.Before(f.Since) {
		return false
	}
	return true
}

// DeadLetterQueue is the durable store for terminally failed instances.
// Entries are append-only and leave the queue only through Ack.
type DeadLetterQueue interface {
	// Enqueue appends entry. Enqueuing the same instance id twice keeps the
	// first entry.
	Enqueue(ctx context.Context, entry DeadLetterEntry) error

	// List returns matching entries, oldest first.
	List(ctx context.Context, filter DeadLetterFilter) ([]DeadLetterEntry, error)

	// GetEntry returns the entry for instanceID or ErrEntryNotFound.
	GetEntry(ctx context.Context, instanceID string) (DeadLetterEntry, error)

	// Ack removes the entry for instanceID or returns ErrEntryNotFound.
	Ack(ctx context.Context, instanceID string) error

	// Depth returns the number of entries currently queued.
	Depth(ctx context.Context) (int, error)
}
