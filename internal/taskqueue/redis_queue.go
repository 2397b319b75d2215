package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue on top of Redis.
//
// It uses two keys:
//
//	<prefix>queue:schedule   => ZSET of members scored by NotBefore (ms)
//	<prefix>queue:tasks      => HASH member -> gob-encoded Task
//
// A member is the zero-padded enqueue time followed by the task ID, so
// tasks sharing a score keep their enqueue order. Dequeue pops the
// lowest-scored eligible member with a Lua script, so two workers never
// receive the same task.
type RedisQueue struct {
	client       *redis.Client
	prefix       string
	pollInterval time.Duration
	now          func() time.Time
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "conduit:").
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "conduit:"
	}
	return &RedisQueue{
		client:       client,
		prefix:       prefix,
		pollInterval: 50 * time.Millisecond,
		now:          time.Now,
	}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

func (q *RedisQueue) keySchedule() string { return q.prefix + "queue:schedule" }
func (q *RedisQueue) keyTasks() string    { return q.prefix + "queue:tasks" }

var redisPopScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
redis.call('ZREM', KEYS[1], ids[1])
local data = redis.call('HGET', KEYS[2], ids[1])
redis.call('HDEL', KEYS[2], ids[1])
return data
`)

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	stamp(&t, q.now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}

	member := fmt.Sprintf("%019d|%s", t.EnqueuedAt.UnixNano(), t.ID)
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.keyTasks(), member, data)
		p.ZAdd(ctx, q.keySchedule(), redis.Z{Score: float64(t.NotBefore.UnixMilli()), Member: member})
		return nil
	})
	return err
}

// Dequeue polls until a task is eligible or ctx is cancelled.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		now := strconv.FormatInt(q.now().UnixMilli(), 10)
		data, err := redisPopScript.Run(ctx, q.client, []string{q.keySchedule(), q.keyTasks()}, now).Text()
		switch {
		case err == nil && data != "":
			return DecodeTask([]byte(data))
		case err != nil && !errors.Is(err, redis.Nil):
			return nil, err
		}

		if err := sleepContext(ctx, q.pollInterval); err != nil {
			return nil, err
		}
	}
}

// Len returns the number of scheduled tasks (ZCARD).
func (q *RedisQueue) Len() int {
	n, err := q.client.ZCard(context.Background(), q.keySchedule()).Result()
	if err != nil {
		slog.Default().Warn("redis queue length", "error", err)
		return 0
	}
	return int(n)
}
