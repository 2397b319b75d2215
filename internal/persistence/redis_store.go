package persistence

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/conduit/pkg/api"
)

// RedisStore is a Store backed by Redis.
// It uses a simple key structure:
//
//	<prefix>idem:<key>        => HASH state, owner, lease, outcome, result, error, ...
//	<prefix>dlq:entry:<id>    => gob-encoded api.DeadLetterEntry
//	<prefix>dlq:index         => ZSET of instance IDs scored by enqueue time (ms)
//
// Claims are arbitrated by Lua scripts so each check-and-set runs atomically
// on the server.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "conduit:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "conduit:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

func (s *RedisStore) keyIdem(key string) string {
	return s.prefix + "idem:" + key
}

func (s *RedisStore) keyEntry(id string) string {
	return s.prefix + "dlq:entry:" + id
}

func (s *RedisStore) keyIndex() string {
	return s.prefix + "dlq:index"
}

var (
	// Returns {1} when claimed, {2} when completed, {3, owner, lease} when
	// another owner holds an unexpired marker.
	redisClaimScript = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]
local now = tonumber(ARGV[2])
local expires = ARGV[3]

local state = redis.call('HGET', key, 'state')
if not state then
	redis.call('HSET', key, 'state', 'in_flight', 'owner', owner, 'lease', expires)
	return {1}
end
if state == 'completed' then
	return {2}
end
local cur = redis.call('HGET', key, 'owner')
local lease = redis.call('HGET', key, 'lease')
if cur == owner or tonumber(lease) <= now then
	redis.call('HSET', key, 'owner', owner, 'lease', expires)
	return {1}
end
return {3, cur, lease}
`)

	redisRenewScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('HGET', key, 'state') ~= 'in_flight' or redis.call('HGET', key, 'owner') ~= ARGV[1] then
	return 0
end
redis.call('HSET', key, 'lease', ARGV[2])
return 1
`)

	redisReleaseScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('HGET', key, 'state') == 'in_flight' and redis.call('HGET', key, 'owner') == ARGV[1] then
	redis.call('DEL', key)
	return 1
end
return 0
`)

	redisCompleteScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('HGET', key, 'state') ~= 'in_flight' or redis.call('HGET', key, 'owner') ~= ARGV[1] then
	return 0
end
redis.call('DEL', key)
redis.call('HSET', key,
	'state', 'completed',
	'outcome', ARGV[2],
	'result', ARGV[3],
	'error', ARGV[4],
	'instance_id', ARGV[5],
	'workflow_name', ARGV[6],
	'completed_at', ARGV[7])
return 1
`)

	redisAckScript = redis.NewScript(`
local removed = redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return removed
`)
)

func (s *RedisStore) TryClaim(ctx context.Context, key, owner string, lease time.Duration) (api.Claim, error) {
	if err := validateLease(lease); err != nil {
		return api.Claim{}, err
	}
	now := s.now()
	expires := now.Add(lease)

	res, err := redisClaimScript.Run(ctx, s.client, []string{s.keyIdem(key)},
		owner, now.UnixMilli(), expires.UnixMilli()).Slice()
	if err != nil {
		return api.Claim{}, err
	}
	if len(res) == 0 {
		return api.Claim{}, fmt.Errorf("redis claim: empty reply")
	}

	switch res[0] {
	case int64(1):
		return api.Claim{Status: api.ClaimAcquired, Owner: owner, LeaseExpiresAt: time.UnixMilli(expires.UnixMilli())}, nil
	case int64(2):
		rec, err := s.Get(ctx, key)
		if err != nil {
			return api.Claim{}, err
		}
		return api.Claim{Status: api.ClaimAlreadyCompleted, Record: &rec}, nil
	default:
		claim := api.Claim{Status: api.ClaimInFlight}
		if len(res) == 3 {
			claim.Owner, _ = res[1].(string)
			if ms, ok := res[2].(string); ok {
				if n, err := strconv.ParseInt(ms, 10, 64); err == nil {
					claim.LeaseExpiresAt = time.UnixMilli(n)
				}
			}
		}
		return claim, nil
	}
}

func (s *RedisStore) RenewClaim(ctx context.Context, key, owner string, lease time.Duration) error {
	if err := validateLease(lease); err != nil {
		return err
	}
	n, err := redisRenewScript.Run(ctx, s.client, []string{s.keyIdem(key)},
		owner, s.now().Add(lease).UnixMilli()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrClaimLost
	}
	return nil
}

func (s *RedisStore) ReleaseClaim(ctx context.Context, key, owner string) error {
	// Idempotent: a missing or foreign marker is left alone.
	return redisReleaseScript.Run(ctx, s.client, []string{s.keyIdem(key)}, owner).Err()
}

func (s *RedisStore) Complete(ctx context.Context, key, owner string, rec api.IdempotencyRecord) error {
	result, err := EncodeValue(rec.Result)
	if err != nil {
		return err
	}
	completedAt := rec.CompletedAt
	if completedAt.IsZero() {
		completedAt = s.now()
	}

	n, err := redisCompleteScript.Run(ctx, s.client, []string{s.keyIdem(key)},
		owner, string(rec.Outcome), result, rec.Error, rec.InstanceID, rec.WorkflowName,
		completedAt.UnixNano()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrClaimLost
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (api.IdempotencyRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.keyIdem(key)).Result()
	if err != nil {
		return api.IdempotencyRecord{}, err
	}
	if fields["state"] != stateCompleted {
		return api.IdempotencyRecord{}, api.ErrRecordNotFound
	}

	result, err := DecodeValue[any]([]byte(fields["result"]))
	if err != nil {
		return api.IdempotencyRecord{}, err
	}
	completedAt, _ := strconv.ParseInt(fields["completed_at"], 10, 64)

	return api.IdempotencyRecord{
		Key:          key,
		Outcome:      api.Outcome(fields["outcome"]),
		Result:       result,
		Error:        fields["error"],
		InstanceID:   fields["instance_id"],
		WorkflowName: fields["workflow_name"],
		CompletedAt:  fromUnixNano(completedAt),
	}, nil
}

func encodeRedisEntry(e api.DeadLetterEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRedisEntry(data []byte) (api.DeadLetterEntry, error) {
	var e api.DeadLetterEntry
	if len(data) == 0 {
		return e, api.ErrEntryNotFound
	}
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e)
	return e, err
}

func (s *RedisStore) Enqueue(ctx context.Context, entry api.DeadLetterEntry) error {
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = s.now().UTC()
	}
	data, err := encodeRedisEntry(entry)
	if err != nil {
		return err
	}

	created, err := s.client.SetNX(ctx, s.keyEntry(entry.InstanceID), data, 0).Result()
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	return s.client.ZAdd(ctx, s.keyIndex(), redis.Z{
		Score:  float64(entry.EnqueuedAt.UnixMilli()),
		Member: entry.InstanceID,
	}).Err()
}

func (s *RedisStore) List(ctx context.Context, filter api.DeadLetterFilter) ([]api.DeadLetterEntry, error) {
	lo := "-inf"
	if !filter.Since.IsZero() {
		lo = strconv.FormatInt(filter.Since.UnixMilli(), 10)
	}
	ids, err := s.client.ZRangeByScore(ctx, s.keyIndex(), &redis.ZRangeBy{Min: lo, Max: "+inf"}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keyEntry(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var entries []api.DeadLetterEntry
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		e, err := decodeRedisEntry(data)
		if err != nil {
			return nil, err
		}
		if !filter.Matches(e) {
			continue
		}
		entries = append(entries, e)
		if filter.Limit > 0 && len(entries) == filter.Limit {
			break
		}
	}
	return entries, nil
}

func (s *RedisStore) GetEntry(ctx context.Context, instanceID string) (api.DeadLetterEntry, error) {
	data, err := s.client.Get(ctx, s.keyEntry(instanceID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return api.DeadLetterEntry{}, api.ErrEntryNotFound
		}
		return api.DeadLetterEntry{}, err
	}
	return decodeRedisEntry(data)
}

func (s *RedisStore) Ack(ctx context.Context, instanceID string) error {
	n, err := redisAckScript.Run(ctx, s.client,
		[]string{s.keyEntry(instanceID), s.keyIndex()}, instanceID).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrEntryNotFound
	}
	return nil
}

func (s *RedisStore) Depth(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.keyIndex()).Result()
	return int(n), err
}
