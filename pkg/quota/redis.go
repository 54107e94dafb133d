package quota

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const keyPrefix = "meterd:usage:"

// incrementCappedScript checks and increments in one server-side step.
// A negative limit disables the check.
var incrementCappedScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local amt = tonumber(ARGV[1])
local lim = tonumber(ARGV[2])
if lim >= 0 and cur + amt > lim then
	return {0, cur}
end
local n = redis.call('INCRBY', KEYS[1], amt)
if tonumber(ARGV[3]) > 0 then
	redis.call('EXPIREAT', KEYS[1], ARGV[3])
end
return {1, n}
`)

// RedisStore keeps counters as Redis integers keyed by period, org and metric.
// Keys expire retention after their period closes.
type RedisStore struct {
	client    redis.UniversalClient
	retention time.Duration
}

// NewRedisStore creates a Redis counter store
func NewRedisStore(client redis.UniversalClient, retention time.Duration) *RedisStore {
	return &RedisStore{client: client, retention: retention}
}

func counterKey(key CounterKey) string {
	return keyPrefix + key.PeriodStart.UTC().Format("200601") + ":" + key.OrgID + ":" + key.Metric
}

func (s *RedisStore) expireAt(periodStart time.Time) int64 {
	if s.retention <= 0 {
		return 0
	}
	return PeriodEnd(periodStart).Add(s.retention).Unix()
}

func (s *RedisStore) run(ctx context.Context, key CounterKey, amount, limit int64) (bool, int64, error) {
	res, err := incrementCappedScript.Run(ctx, s.client, []string{counterKey(key)},
		amount, limit, s.expireAt(key.PeriodStart)).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("failed to increment usage counter: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected script reply of length %d", len(res))
	}
	return res[0] == 1, res[1], nil
}

// IncrementCapped performs the conditional increment in a Lua script
func (s *RedisStore) IncrementCapped(ctx context.Context, key CounterKey, amount, limit int64) (bool, int64, error) {
	if limit < 0 {
		return false, 0, fmt.Errorf("capped increment requires a non-negative limit, got %d", limit)
	}
	return s.run(ctx, key, amount, limit)
}

// Increment adds amount without a cap
func (s *RedisStore) Increment(ctx context.Context, key CounterKey, amount int64) (int64, error) {
	_, n, err := s.run(ctx, key, amount, -1)
	return n, err
}

// Current returns the counter value
func (s *RedisStore) Current(ctx context.Context, key CounterKey) (int64, error) {
	n, err := s.client.Get(ctx, counterKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read usage counter: %w", err)
	}
	return n, nil
}

// ListPeriod scans every counter of a period
func (s *RedisStore) ListPeriod(ctx context.Context, periodStart time.Time) ([]Counter, error) {
	periodStart = PeriodStart(periodStart)
	prefix := keyPrefix + periodStart.Format("200601") + ":"

	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan usage counters: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read usage counters: %w", err)
	}

	counters := make([]Counter, 0, len(keys))
	for i, k := range keys {
		raw, ok := values[i].(string)
		if !ok {
			// expired between SCAN and MGET
			continue
		}
		count, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid counter value at %s: %w", k, err)
		}
		rest := strings.TrimPrefix(k, prefix)
		// org ids may contain colons; metric names never do
		sep := strings.LastIndex(rest, ":")
		if sep <= 0 {
			continue
		}
		counters = append(counters, Counter{
			CounterKey: CounterKey{OrgID: rest[:sep], Metric: rest[sep+1:], PeriodStart: periodStart},
			Count:      count,
		})
	}
	return counters, nil
}
