package taskqueue

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryQueue(t *testing.T) {
	runQueueConformance(t, func(t *testing.T) Queue { return NewInMemoryQueue(0) })
}

func TestInMemoryQueue_EnqueueBlocksWhenFull(t *testing.T) {
	q := NewInMemoryQueue(1)
	ctx := context.Background()

	if err := q.Enqueue(ctx, dispatch("c1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	full, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := q.Enqueue(full, dispatch("c2")); err == nil {
		t.Fatal("expected Enqueue on a full queue to wait for ctx")
	}

	done := make(chan error, 1)
	go func() { done <- q.Enqueue(ctx, dispatch("c3")) }()

	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Enqueue after space freed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue did not resume after Dequeue freed space")
	}
	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1", q.Len())
	}
}
