package billing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/meterd/pkg/apperr"
	"github.com/platinummonkey/meterd/pkg/observability"
	"github.com/platinummonkey/meterd/pkg/plans"
)

var tracer = observability.Tracer("billing")

// Resolver determines an organization's effective plan
type Resolver struct {
	subs   Store
	plans  plans.Store
	logger *observability.Logger
}

// NewResolver creates a Resolver
func NewResolver(subs Store, planStore plans.Store, logger *observability.Logger) *Resolver {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Resolver{subs: subs, plans: planStore, logger: logger}
}

// Resolve returns the plan of the org's active subscription. It never fails:
// a missing subscription, a lookup error or a dangling plan reference all
// resolve to the free plan with a nil Subscription.
func (r *Resolver) Resolve(ctx context.Context, orgID string) Resolution {
	ctx, span := tracer.Start(ctx, "Resolver.Resolve", trace.WithAttributes(attribute.String("org.id", orgID)))
	defer span.End()

	logger := observability.UpdateLoggerWithTraceContext(ctx, r.logger).WithField("org_id", orgID)

	sub, err := r.subs.GetActiveByOrg(ctx, orgID)
	switch {
	case err == nil:
		plan, perr := r.plans.Get(ctx, sub.PlanID)
		if perr == nil {
			span.SetAttributes(attribute.String("plan.id", plan.ID))
			return Resolution{Plan: plan, Subscription: sub}
		}
		logger.WithError(perr).WithField("plan_id", sub.PlanID).Warn("Subscribed plan unavailable, falling back to free plan")
	case apperr.IsKind(err, apperr.KindNotFound):
	default:
		span.RecordError(err)
		logger.WithError(err).Warn("Subscription lookup failed, falling back to free plan")
	}

	span.SetAttributes(attribute.Bool("plan.fallback", true))
	return Resolution{Plan: r.freePlan(ctx, logger)}
}

func (r *Resolver) freePlan(ctx context.Context, logger *observability.Logger) *plans.Plan {
	plan, err := r.plans.Get(ctx, plans.FreePlanID)
	if err != nil {
		logger.WithError(err).Warn("Free plan unavailable, using built-in default")
		return plans.DefaultFreePlan()
	}
	return plan
}

// PlanFor returns the effective plan; it lets the quota ledger depend on an
// interface instead of this package.
func (r *Resolver) PlanFor(ctx context.Context, orgID string) *plans.Plan {
	return r.Resolve(ctx, orgID).Plan
}

// FeatureEnabled reports whether the org's effective plan turns feature on.
// Unknown features are off.
func (r *Resolver) FeatureEnabled(ctx context.Context, orgID, feature string) bool {
	return r.Resolve(ctx, orgID).Plan.FeatureEnabled(feature)
}
