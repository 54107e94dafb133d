package quota

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/meterd/pkg/apperr"
	"github.com/platinummonkey/meterd/pkg/observability"
	"github.com/platinummonkey/meterd/pkg/plans"
)

var tracer = observability.Tracer("quota")

// Ledger enforces per-organization monthly quotas
type Ledger struct {
	plans   PlanSource
	store   Store
	backend string
	now     func() time.Time
	logger  *observability.Logger
	metrics *observability.Metrics
}

// Option configures a Ledger
type Option func(*Ledger)

// WithLogger sets the ledger logger
func WithLogger(l *observability.Logger) Option {
	return func(ld *Ledger) { ld.logger = l }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *observability.Metrics) Option {
	return func(ld *Ledger) { ld.metrics = m }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(ld *Ledger) { ld.now = now }
}

// WithBackendName labels latency metrics and spans
func WithBackendName(name string) Option {
	return func(ld *Ledger) { ld.backend = name }
}

// NewLedger creates a quota ledger
func NewLedger(planSource PlanSource, store Store, opts ...Option) *Ledger {
	l := &Ledger{
		plans:   planSource,
		store:   store,
		backend: "postgres",
		now:     time.Now,
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckAndConsume admits amount units of metric for orgID against the plan's
// monthly limit. The check and the increment happen in one datastore
// operation, so concurrent callers can never push the counter past the limit.
// Datastore failures are returned as apperr.KindUnavailable, never as a denial.
func (l *Ledger) CheckAndConsume(ctx context.Context, orgID, metric string, amount int64) (Decision, error) {
	const op = "quota.check_and_consume"

	if orgID == "" || metric == "" {
		return Decision{}, apperr.New(apperr.KindInvalidArgument, op, "org id and metric are required")
	}
	if amount <= 0 {
		return Decision{}, apperr.New(apperr.KindInvalidArgument, op, fmt.Sprintf("amount must be positive, got %d", amount))
	}

	ctx, span := tracer.Start(ctx, "Ledger.CheckAndConsume", trace.WithAttributes(
		attribute.String("org.id", orgID),
		attribute.String("quota.metric", metric),
		attribute.Int64("quota.amount", amount),
		attribute.String("quota.backend", l.backend),
	))
	defer span.End()

	plan := l.plans.PlanFor(ctx, orgID)
	limit := plan.Limit(metric)
	key := CounterKey{OrgID: orgID, Metric: metric, PeriodStart: PeriodStart(l.now())}
	span.SetAttributes(attribute.String("plan.id", plan.ID), attribute.Int64("quota.limit", limit))

	logger := observability.UpdateLoggerWithTraceContext(ctx, l.logger).WithFields(map[string]interface{}{
		"org_id": orgID,
		"metric": metric,
		"plan":   plan.ID,
	})

	if limit == plans.Unlimited {
		return l.consumeUnlimited(ctx, span, logger, key, amount), nil
	}

	start := time.Now()
	applied, count, err := l.store.IncrementCapped(ctx, key, amount, limit)
	l.metrics.ObserveAdmission("ledger", l.backend, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "conditional increment failed")
		l.metrics.DatastoreError("ledger")
		l.metrics.ObserveQuota(metric, observability.OutcomeError)
		logger.WithError(err).Error("Quota datastore unavailable")
		return Decision{}, apperr.Unavailable(op, err)
	}

	d := Decision{Allowed: applied, Metric: metric, Current: count, Limit: limit}
	span.SetAttributes(attribute.Bool("quota.allowed", d.Allowed), attribute.Int64("quota.current", d.Current))

	if d.Allowed {
		l.metrics.ObserveQuota(metric, observability.OutcomeAllowed)
	} else {
		l.metrics.ObserveQuota(metric, observability.OutcomeDenied)
		logger.WithField("current", count).WithField("limit", limit).Debug("Quota denied")
	}
	return d, nil
}

// consumeUnlimited counts usage for reporting. A failed increment is logged
// and the call is still admitted with current=0.
func (l *Ledger) consumeUnlimited(ctx context.Context, span trace.Span, logger *observability.Logger, key CounterKey, amount int64) Decision {
	d := Decision{Allowed: true, Metric: key.Metric, Limit: plans.Unlimited}

	start := time.Now()
	count, err := l.store.Increment(ctx, key, amount)
	l.metrics.ObserveAdmission("ledger", l.backend, start)
	if err != nil {
		span.RecordError(err)
		l.metrics.DatastoreError("ledger")
		logger.WithError(err).Warn("Failed to record unlimited usage, admitting anyway")
	} else {
		d.Current = count
	}

	l.metrics.ObserveQuota(key.Metric, observability.OutcomeUnlimited)
	return d
}

// MetricUsage is one row of a usage report
type MetricUsage struct {
	Metric    string `json:"metric"`
	Current   int64  `json:"current"`
	Limit     int64  `json:"limit"`
	Unlimited bool   `json:"unlimited"`
	Remaining int64  `json:"remaining"`
}

// UsageReport summarizes an organization's current period
type UsageReport struct {
	OrgID       string        `json:"org_id"`
	PlanID      string        `json:"plan_id"`
	PeriodStart time.Time     `json:"period_start"`
	PeriodEnd   time.Time     `json:"period_end"`
	Metrics     []MetricUsage `json:"metrics"`
}

// Usage reports current-period usage for every metric on the org's plan.
// It reads without incrementing.
func (l *Ledger) Usage(ctx context.Context, orgID string) (*UsageReport, error) {
	const op = "quota.usage"
	if orgID == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, op, "org id is required")
	}

	ctx, span := tracer.Start(ctx, "Ledger.Usage", trace.WithAttributes(attribute.String("org.id", orgID)))
	defer span.End()

	plan := l.plans.PlanFor(ctx, orgID)
	periodStart := PeriodStart(l.now())
	metrics := plan.Metrics()

	report := &UsageReport{
		OrgID:       orgID,
		PlanID:      plan.ID,
		PeriodStart: periodStart,
		PeriodEnd:   PeriodEnd(periodStart),
		Metrics:     make([]MetricUsage, len(metrics)),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, metric := range metrics {
		i, metric := i, metric
		g.Go(func() error {
			current, err := l.store.Current(gctx, CounterKey{OrgID: orgID, Metric: metric, PeriodStart: periodStart})
			if err != nil {
				return err
			}
			limit := plan.Limit(metric)
			mu := MetricUsage{Metric: metric, Current: current, Limit: limit, Unlimited: limit == plans.Unlimited}
			if !mu.Unlimited {
				mu.Remaining = max(limit-current, 0)
			}
			report.Metrics[i] = mu
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "usage read failed")
		l.metrics.DatastoreError("ledger")
		return nil, apperr.Unavailable(op, err)
	}

	return report, nil
}
