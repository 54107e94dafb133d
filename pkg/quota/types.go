package quota

import (
	"context"
	"time"

	"github.com/platinummonkey/meterd/pkg/apperr"
	"github.com/platinummonkey/meterd/pkg/plans"
)

// Decision is the outcome of one admission check. A denial is a normal
// return value, not an error.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Metric  string `json:"metric"`
	// Current is the post-increment count when allowed and the re-read count
	// when denied. For unlimited metrics it may be zero.
	Current int64 `json:"current"`
	Limit   int64 `json:"limit"`
}

// Unlimited reports whether the decision came from an uncapped metric
func (d Decision) Unlimited() bool {
	return d.Limit == plans.Unlimited
}

// Err converts a denial into an apperr.KindQuotaExceeded error; nil when allowed
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return apperr.QuotaExceeded(d.Metric, d.Current, d.Limit)
}

// CounterKey identifies one usage counter
type CounterKey struct {
	OrgID       string
	Metric      string
	PeriodStart time.Time
}

// Counter is a stored usage counter row
type Counter struct {
	CounterKey
	Count int64
}

// Store is the datastore primitive behind the ledger. Implementations must
// make IncrementCapped a single atomic operation on the server side.
type Store interface {
	// IncrementCapped adds amount only if the result stays within limit.
	// When rejected it returns applied=false and the unchanged count.
	IncrementCapped(ctx context.Context, key CounterKey, amount, limit int64) (applied bool, count int64, err error)
	// Increment adds amount without a cap and returns the new count
	Increment(ctx context.Context, key CounterKey, amount int64) (int64, error)
	// Current returns the count, zero when the counter does not exist yet
	Current(ctx context.Context, key CounterKey) (int64, error)
	// ListPeriod returns every counter of one period
	ListPeriod(ctx context.Context, periodStart time.Time) ([]Counter, error)
}

// PlanSource returns the effective plan for an organization. It never fails;
// lookups that cannot be completed resolve to the free plan.
type PlanSource interface {
	PlanFor(ctx context.Context, orgID string) *plans.Plan
}

// PeriodStart returns the first instant of t's calendar month in UTC
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// PeriodEnd returns the first instant of the month after periodStart
func PeriodEnd(periodStart time.Time) time.Time {
	return PeriodStart(periodStart).AddDate(0, 1, 0)
}
