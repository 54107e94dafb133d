package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/meterd/pkg/plans"
)

var errDown = errors.New("connection refused")

// staticPlans maps org ids to plans; unknown orgs get the free plan
type staticPlans map[string]*plans.Plan

func (s staticPlans) PlanFor(ctx context.Context, orgID string) *plans.Plan {
	if p, ok := s[orgID]; ok {
		return p
	}
	return plans.DefaultFreePlan()
}

func proPlan() *plans.Plan {
	return &plans.Plan{
		ID:            "pro",
		Name:          "Pro",
		PriceCents:    4900,
		Interval:      plans.IntervalMonth,
		MonthlyQuota:  map[string]int64{"reads": 3, "exports": plans.Unlimited},
		StripePriceID: "price_pro",
		SchemaVersion: plans.SchemaVersion,
	}
}

// failingStore returns errDown from every call
type failingStore struct{}

func (failingStore) IncrementCapped(context.Context, CounterKey, int64, int64) (bool, int64, error) {
	return false, 0, errDown
}
func (failingStore) Increment(context.Context, CounterKey, int64) (int64, error) { return 0, errDown }
func (failingStore) Current(context.Context, CounterKey) (int64, error)          { return 0, errDown }
func (failingStore) ListPeriod(context.Context, time.Time) ([]Counter, error)    { return nil, errDown }

func setupRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, 0), mr
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}
