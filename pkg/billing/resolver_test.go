package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/meterd/pkg/plans"
)

func activate(t *testing.T, store *memStore, orgID, planID, ref string) {
	t.Helper()
	now := time.Now()
	_, err := store.Activate(context.Background(), Activation{
		OrgID: orgID, PlanID: planID, StripeSubscriptionID: ref, StripeCustomerID: "cus_" + orgID,
		PeriodStart: now, PeriodEnd: now.Add(checkoutPeriod), EventAt: now,
	})
	require.NoError(t, err)
}

func TestResolver_Resolve(t *testing.T) {
	ctx := context.Background()

	t.Run("active subscription", func(t *testing.T) {
		subs := newMemStore()
		activate(t, subs, "org-1", "pro", "sub_1")
		r := NewResolver(subs, newPlanStore(freePlan(), proPlan()), nil)

		res := r.Resolve(ctx, "org-1")
		assert.Equal(t, "pro", res.Plan.ID)
		require.NotNil(t, res.Subscription)
		assert.Equal(t, "sub_1", res.Subscription.StripeSubscriptionID)
		assert.True(t, r.FeatureEnabled(ctx, "org-1", "export"))
		assert.False(t, r.FeatureEnabled(ctx, "org-1", "sso"))
	})

	t.Run("no subscription", func(t *testing.T) {
		r := NewResolver(newMemStore(), newPlanStore(freePlan(), proPlan()), nil)
		res := r.Resolve(ctx, "org-1")
		assert.Equal(t, plans.FreePlanID, res.Plan.ID)
		assert.Nil(t, res.Subscription)
		assert.Equal(t, int64(100), r.PlanFor(ctx, "org-1").Limit("reads"))
	})

	t.Run("canceled subscription", func(t *testing.T) {
		subs := newMemStore()
		activate(t, subs, "org-1", "pro", "sub_1")
		canceled := SubscriptionStatusCanceled
		_, err := subs.ApplyUpdate(ctx, Update{StripeSubscriptionID: "sub_1", Status: &canceled})
		require.NoError(t, err)

		r := NewResolver(subs, newPlanStore(freePlan(), proPlan()), nil)
		assert.Equal(t, plans.FreePlanID, r.Resolve(ctx, "org-1").Plan.ID)
	})

	t.Run("subscription lookup fails", func(t *testing.T) {
		subs := newMemStore()
		subs.setFail(errStoreDown)
		r := NewResolver(subs, newPlanStore(freePlan(), proPlan()), nil)

		res := r.Resolve(ctx, "org-1")
		assert.Equal(t, plans.FreePlanID, res.Plan.ID)
		assert.Nil(t, res.Subscription)
	})

	t.Run("dangling plan reference", func(t *testing.T) {
		subs := newMemStore()
		activate(t, subs, "org-1", "legacy", "sub_1")
		r := NewResolver(subs, newPlanStore(freePlan()), nil)

		res := r.Resolve(ctx, "org-1")
		assert.Equal(t, plans.FreePlanID, res.Plan.ID)
		assert.Nil(t, res.Subscription)
	})

	t.Run("plan store down uses built-in free plan", func(t *testing.T) {
		planStore := newPlanStore(freePlan(), proPlan())
		planStore.fail = errStoreDown
		r := NewResolver(newMemStore(), planStore, nil)

		res := r.Resolve(ctx, "org-1")
		assert.Equal(t, plans.DefaultFreePlan(), res.Plan)
		assert.False(t, r.FeatureEnabled(ctx, "org-1", "export"))
	})
}
