package plans

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/meterd/pkg/observability"
)

// CachedStore fronts a Store with a small expiring LRU. Plans change rarely
// and are read on every admission, so a short TTL keeps the hot path off the
// database while bounding staleness. Concurrent misses for the same plan
// collapse into one store read.
type CachedStore struct {
	next    Store
	cache   *lru.LRU[string, *Plan]
	group   singleflight.Group
	metrics *observability.Metrics
}

// NewCachedStore wraps next. A non-positive size or ttl falls back to defaults.
func NewCachedStore(next Store, size int, ttl time.Duration, metrics *observability.Metrics) *CachedStore {
	if size <= 0 {
		size = 256
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedStore{
		next:    next,
		cache:   lru.NewLRU[string, *Plan](size, nil, ttl),
		metrics: metrics,
	}
}

// Get returns a cached plan or loads it from the wrapped store
func (c *CachedStore) Get(ctx context.Context, id string) (*Plan, error) {
	if plan, ok := c.cache.Get(id); ok {
		c.metrics.PlanCache(true)
		return plan, nil
	}
	c.metrics.PlanCache(false)

	v, err, _ := c.group.Do(id, func() (interface{}, error) {
		plan, err := c.next.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		c.cache.Add(id, plan)
		return plan, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Plan), nil
}

// List always reads through; it is only used by admin paths
func (c *CachedStore) List(ctx context.Context) ([]*Plan, error) {
	return c.next.List(ctx)
}

// Upsert writes through and drops the cached entry
func (c *CachedStore) Upsert(ctx context.Context, plan *Plan) error {
	if err := c.next.Upsert(ctx, plan); err != nil {
		return err
	}
	c.cache.Remove(plan.ID)
	return nil
}

// Purge drops every cached plan
func (c *CachedStore) Purge() {
	c.cache.Purge()
}
