package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/conduit/internal/testutil"
)

type RedisStoreTestSuite struct {
	suite.Suite
	client *redis.Client
	ctx    context.Context
}

func TestRedisStoreTestSuite(t *testing.T) {
	addr := testutil.GetRedisAddress(t)

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	suite.Run(t, &RedisStoreTestSuite{client: client, ctx: context.Background()})
}

func (r *RedisStoreTestSuite) SetupTest() {
	r.Require().NoError(r.client.Ping(r.ctx).Err())
}

// newStore isolates every subtest under its own key prefix and removes the
// keys when the subtest ends.
func (r *RedisStoreTestSuite) newStore(t *testing.T) (Store, *fakeClock) {
	prefix := "conduit-test:" + uuid.NewString() + ":"
	t.Cleanup(func() {
		iter := r.client.Scan(r.ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(r.ctx) {
			r.client.Del(r.ctx, iter.Val())
		}
	})

	s := NewRedisStore(r.client, prefix)
	clk := newFakeClock()
	s.now = clk.Now
	return s, clk
}

func (r *RedisStoreTestSuite) TestConformance() {
	runStoreConformance(r.T(), r.newStore)
}

func (r *RedisStoreTestSuite) TestKeysUsePrefix() {
	s, _ := r.newStore(r.T())
	rs := s.(*RedisStore)

	_, err := rs.TryClaim(r.ctx, "wf:k", "owner", time.Minute)
	r.Require().NoError(err)

	n, err := r.client.Exists(r.ctx, rs.prefix+"idem:wf:k").Result()
	r.Require().NoError(err)
	r.Equal(int64(1), n)
}
