package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore keeps window counters as expiring Redis integers, so
// limits are shared across every meterd instance.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a Redis bucket store
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "meterd:ratelimit"}
}

func (s *RedisStore) redisKey(key BucketKey) string {
	return s.prefix + ":" + key.Bucket +
		":" + strconv.FormatInt(int64(key.Window/time.Second), 10) +
		":" + strconv.FormatInt(key.WindowStart.Unix(), 10) +
		":" + key.Key
}

// Hit increments the window counter and sets its expiry in one MULTI block
func (s *RedisStore) Hit(ctx context.Context, key BucketKey, expiresAt time.Time) (int64, error) {
	k := s.redisKey(key)

	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.ExpireAt(ctx, k, expiresAt)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis error: %w", err)
	}
	return incr.Val(), nil
}

// Purge is a no-op: Redis expires buckets on its own
func (s *RedisStore) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
