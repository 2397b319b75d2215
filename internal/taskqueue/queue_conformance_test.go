package taskqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/conduit/pkg/api"
)

type queueFactory func(t *testing.T) Queue

func dispatch(id string) Task {
	return Task{Type: TaskTypeDispatchEvent, Event: api.Event{Type: "hubspot.contact.created", ID: id}}
}

// runQueueConformance exercises the behaviour every Queue backend shares.
func runQueueConformance(t *testing.T, newQueue queueFactory) {
	t.Run("FIFO", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		for _, id := range []string{"c1", "c2", "c3"} {
			require.NoError(t, q.Enqueue(ctx, dispatch(id)))
		}
		require.Equal(t, 3, q.Len())

		for _, want := range []string{"c1", "c2", "c3"} {
			got, err := q.Dequeue(ctx)
			require.NoError(t, err)
			require.Equal(t, want, got.Event.ID)
			require.Equal(t, TaskTypeDispatchEvent, got.Type)
			require.NotEmpty(t, got.ID)
			require.False(t, got.EnqueuedAt.IsZero())
		}
		require.Zero(t, q.Len())
	})

	t.Run("DequeueBlocksUntilTaskArrives", func(t *testing.T) {
		q := newQueue(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		got := make(chan *Task, 1)
		go func() {
			tk, err := q.Dequeue(ctx)
			if err == nil {
				got <- tk
			}
			close(got)
		}()

		time.Sleep(30 * time.Millisecond)
		require.NoError(t, q.Enqueue(context.Background(), Task{Type: TaskTypeReplay, InstanceID: "inst-1"}))

		tk, ok := <-got
		require.True(t, ok, "Dequeue returned an error")
		require.Equal(t, TaskTypeReplay, tk.Type)
		require.Equal(t, "inst-1", tk.InstanceID)
	})

	t.Run("DequeueHonorsContextCancellation", func(t *testing.T) {
		q := newQueue(t)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		_, err := q.Dequeue(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("NotBeforeDelaysDelivery", func(t *testing.T) {
		q := newQueue(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		delay := 150 * time.Millisecond
		later := dispatch("later")
		later.NotBefore = time.Now().Add(delay)
		require.NoError(t, q.Enqueue(ctx, later))
		require.NoError(t, q.Enqueue(ctx, dispatch("now")))

		first, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, "now", first.Event.ID)

		start := time.Now()
		second, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, "later", second.Event.ID)
		require.GreaterOrEqual(t, time.Since(start), delay/2)
	})

	t.Run("ConcurrentConsumersSeeEachTaskOnce", func(t *testing.T) {
		q := newQueue(t)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		const n = 20
		for i := 0; i < n; i++ {
			require.NoError(t, q.Enqueue(ctx, Task{Type: TaskTypeReplay, InstanceID: string(rune('a' + i))}))
		}

		var (
			mu   sync.Mutex
			seen = map[string]int{}
			wg   sync.WaitGroup
		)
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					mu.Lock()
					done := len(seen) == n
					mu.Unlock()
					if done {
						return
					}
					dctx, dcancel := context.WithTimeout(ctx, 200*time.Millisecond)
					tk, err := q.Dequeue(dctx)
					dcancel()
					if err != nil {
						continue
					}
					mu.Lock()
					seen[tk.InstanceID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		require.Len(t, seen, n)
		for id, c := range seen {
			require.Equal(t, 1, c, "task %s delivered %d times", id, c)
		}
	})
}
