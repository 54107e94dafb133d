package jobs

import "context"

// Purger deletes expired rate limit windows
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

// RateBucketPurge removes closed fixed-window counters. Only the Postgres
// backend accumulates them; Redis keys expire on their own.
type RateBucketPurge struct {
	limiter Purger
}

// NewRateBucketPurge creates the purge job
func NewRateBucketPurge(limiter Purger) *RateBucketPurge {
	return &RateBucketPurge{limiter: limiter}
}

func (j *RateBucketPurge) Name() string { return "purge_rate_buckets" }

func (j *RateBucketPurge) Run(ctx context.Context) (int, error) {
	n, err := j.limiter.Purge(ctx)
	return int(n), err
}
