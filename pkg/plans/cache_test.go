package plans

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/meterd/pkg/apperr"
	"github.com/platinummonkey/meterd/pkg/observability"
)

func TestCachedStore_HitsAndMisses(t *testing.T) {
	backing := newMemStore(validPlan())
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	cache := NewCachedStore(backing, 10, time.Minute, metrics)

	for i := 0; i < 3; i++ {
		p, err := cache.Get(context.Background(), "pro")
		require.NoError(t, err)
		assert.Equal(t, "Pro", p.Name)
	}

	assert.Equal(t, int64(1), backing.gets.Load())
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.PlanCacheHitsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PlanCacheMissesTotal))
}

func TestCachedStore_NotFoundIsNotCached(t *testing.T) {
	backing := newMemStore()
	cache := NewCachedStore(backing, 10, time.Minute, nil)

	_, err := cache.Get(context.Background(), "gold")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	gold := validPlan()
	gold.ID = "gold"
	require.NoError(t, backing.Upsert(context.Background(), gold))

	p, err := cache.Get(context.Background(), "gold")
	require.NoError(t, err)
	assert.Equal(t, "gold", p.ID)
}

func TestCachedStore_UpsertInvalidates(t *testing.T) {
	backing := newMemStore(validPlan())
	cache := NewCachedStore(backing, 10, time.Minute, nil)

	_, err := cache.Get(context.Background(), "pro")
	require.NoError(t, err)

	updated := validPlan()
	updated.MonthlyQuota["reads"] = 50
	require.NoError(t, cache.Upsert(context.Background(), updated))

	p, err := cache.Get(context.Background(), "pro")
	require.NoError(t, err)
	assert.Equal(t, int64(50), p.Limit("reads"))
}

func TestCachedStore_Expires(t *testing.T) {
	backing := newMemStore(validPlan())
	cache := NewCachedStore(backing, 10, 20*time.Millisecond, nil)

	_, err := cache.Get(context.Background(), "pro")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, _ = cache.Get(context.Background(), "pro")
		return backing.gets.Load() >= 2
	}, time.Second, 10*time.Millisecond)
}

func TestCachedStore_ConcurrentReads(t *testing.T) {
	backing := newMemStore(validPlan())
	cache := NewCachedStore(backing, 10, time.Minute, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := cache.Get(context.Background(), "pro")
			assert.NoError(t, err)
			assert.Equal(t, "pro", p.ID)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, backing.gets.Load(), int64(50))
}
