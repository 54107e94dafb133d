package billing

import (
	"context"

	"github.com/platinummonkey/meterd/pkg/apperr"
	"github.com/platinummonkey/meterd/pkg/observability"
	"github.com/platinummonkey/meterd/pkg/plans"
)

// ManageService forwards subscription changes to the provider. Local records
// change only when the provider's notifications arrive.
type ManageService struct {
	plans    plans.Store
	subs     Store
	provider Provider
	logger   *observability.Logger
}

// NewManageService creates a ManageService
func NewManageService(planStore plans.Store, subs Store, provider Provider, logger *observability.Logger) *ManageService {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &ManageService{plans: planStore, subs: subs, provider: provider, logger: logger}
}

func (m *ManageService) activeRef(ctx context.Context, op, orgID string) (*Subscription, error) {
	if orgID == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, op, "org id is required")
	}
	sub, err := m.subs.GetActiveByOrg(ctx, orgID)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return nil, apperr.New(apperr.KindNotFound, op, "organization has no active subscription")
		}
		return nil, apperr.Unavailable(op, err)
	}
	if sub.StripeSubscriptionID == "" {
		return nil, apperr.New(apperr.KindNotFound, op, "active subscription is not linked to the provider")
	}
	return sub, nil
}

// Cancel cancels the org's active subscription, immediately or at the end of
// the current period.
func (m *ManageService) Cancel(ctx context.Context, orgID string, atPeriodEnd bool) (*Subscription, error) {
	const op = "billing.cancel"
	sub, err := m.activeRef(ctx, op, orgID)
	if err != nil {
		return nil, err
	}

	if err := m.provider.CancelSubscription(ctx, sub.StripeSubscriptionID, atPeriodEnd); err != nil {
		m.logger.WithError(err).WithField("org_id", orgID).Error("Failed to cancel subscription")
		return nil, apperr.Unavailable(op, err)
	}
	m.logger.WithFields(map[string]interface{}{
		"org_id":        orgID,
		"subscription":  sub.StripeSubscriptionID,
		"at_period_end": atPeriodEnd,
	}).Info("Requested subscription cancellation")
	return sub, nil
}

// ChangePlan moves the org's active subscription to another purchasable plan
func (m *ManageService) ChangePlan(ctx context.Context, orgID, planID string) (*Subscription, error) {
	const op = "billing.change_plan"
	if planID == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, op, "plan id is required")
	}

	plan, err := m.plans.Get(ctx, planID)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return nil, err
		}
		return nil, apperr.Unavailable(op, err)
	}
	if !plan.Purchasable() {
		return nil, apperr.New(apperr.KindInvalidPlan, op, "plan "+plan.ID+" has no provider price")
	}

	sub, err := m.activeRef(ctx, op, orgID)
	if err != nil {
		return nil, err
	}
	if sub.PlanID == plan.ID {
		return sub, nil
	}

	if err := m.provider.ChangeSubscriptionPrice(ctx, sub.StripeSubscriptionID, plan.StripePriceID, plan.ID); err != nil {
		m.logger.WithError(err).WithField("org_id", orgID).Error("Failed to change subscription plan")
		return nil, apperr.Unavailable(op, err)
	}
	m.logger.WithFields(map[string]interface{}{
		"org_id":    orgID,
		"from_plan": sub.PlanID,
		"to_plan":   plan.ID,
	}).Info("Requested subscription plan change")
	return sub, nil
}
