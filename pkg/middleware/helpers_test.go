package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/platinummonkey/meterd/pkg/apperr"
	"github.com/platinummonkey/meterd/pkg/quota"
	"github.com/platinummonkey/meterd/pkg/ratelimit"
)

// countingLimiter admits the first limit hits per key and bucket
type countingLimiter struct {
	mu    sync.Mutex
	hits  map[string]int64
	keys  []string
	err   error
	reset time.Time
}

func newCountingLimiter() *countingLimiter {
	return &countingLimiter{hits: map[string]int64{}, reset: time.Now().Add(30 * time.Second)}
}

func (c *countingLimiter) Check(ctx context.Context, key, bucket string, limit int64, window time.Duration) (ratelimit.Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return ratelimit.Decision{}, apperr.Unavailable("ratelimit.check", c.err)
	}
	c.keys = append(c.keys, key)
	c.hits[bucket+"|"+key]++
	n := c.hits[bucket+"|"+key]
	return ratelimit.Decision{Allowed: n <= limit, Key: key, Bucket: bucket, Current: n, Limit: limit, ResetAt: c.reset}, nil
}

// fixedLedger admits until the per-org budget is spent
type fixedLedger struct {
	mu     sync.Mutex
	used   map[string]int64
	limit  int64
	err    error
	orgIDs []string
}

func (f *fixedLedger) CheckAndConsume(ctx context.Context, orgID, metric string, amount int64) (quota.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return quota.Decision{}, apperr.Unavailable("quota.check_and_consume", f.err)
	}
	if f.used == nil {
		f.used = map[string]int64{}
	}
	f.orgIDs = append(f.orgIDs, orgID)
	if f.used[orgID]+amount > f.limit {
		return quota.Decision{Metric: metric, Current: f.used[orgID], Limit: f.limit}, nil
	}
	f.used[orgID] += amount
	return quota.Decision{Allowed: true, Metric: metric, Current: f.used[orgID], Limit: f.limit}, nil
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func withOrg(r *http.Request, orgID string) *http.Request {
	r.Header.Set(HeaderOrgID, orgID)
	return r
}
