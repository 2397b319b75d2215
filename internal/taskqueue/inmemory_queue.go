package taskqueue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryQueue is a bounded Queue kept in process memory. Tasks come out
// ordered by NotBefore, then by enqueue order. It is safe for concurrent use.
type InMemoryQueue struct {
	mu       sync.Mutex
	tasks    []queued
	seq      uint64
	capacity int
	changed  chan struct{}
	now      func() time.Time
}

type queued struct {
	seq  uint64
	task Task
}

// NewInMemoryQueue creates a new queue with the given capacity.
// A non-positive capacity defaults to 1024.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InMemoryQueue{
		capacity: capacity,
		changed:  make(chan struct{}),
		now:      time.Now,
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

// notifyLocked wakes every goroutine waiting on the current changed channel.
func (q *InMemoryQueue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Enqueue blocks while the queue is full.
func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	for {
		q.mu.Lock()
		if len(q.tasks) < q.capacity {
			stamp(&t, q.now())
			q.seq++
			q.tasks = append(q.tasks, queued{seq: q.seq, task: t})
			sort.SliceStable(q.tasks, func(i, j int) bool {
				a, b := q.tasks[i], q.tasks[j]
				if !a.task.NotBefore.Equal(b.task.NotBefore) {
					return a.task.NotBefore.Before(b.task.NotBefore)
				}
				return a.seq < b.seq
			})
			q.notifyLocked()
			q.mu.Unlock()
			return nil
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		var wait time.Duration = -1
		if len(q.tasks) > 0 {
			head := q.tasks[0].task
			if d := head.NotBefore.Sub(q.now()); d > 0 {
				wait = d
			} else {
				q.tasks = q.tasks[1:]
				q.notifyLocked()
				q.mu.Unlock()
				return &head, nil
			}
		}
		changed := q.changed
		q.mu.Unlock()

		// Wake on the next enqueue, or when the head becomes eligible.
		var (
			tmr   *time.Timer
			timer <-chan time.Time
		)
		if wait >= 0 {
			tmr = time.NewTimer(wait)
			timer = tmr.C
		}
		select {
		case <-changed:
		case <-timer:
		case <-ctx.Done():
		}
		if tmr != nil {
			tmr.Stop()
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
