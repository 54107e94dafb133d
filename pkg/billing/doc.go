// Package billing manages organization subscriptions against Stripe.
//
// # Plan Resolution
//
// Resolver maps an organization to its effective plan. Without an active
// subscription, or when either store fails, the free plan is returned:
//
//	res := resolver.Resolve(ctx, orgID)
//	if res.Plan.FeatureEnabled("export") { ... }
//
// # Checkout
//
// CheckoutService creates a hosted checkout session for a purchasable plan.
// It never writes subscriptions; the provider's checkout.session.completed
// notification activates the subscription.
//
//	session, err := checkout.StartCheckout(ctx, billing.CheckoutRequest{
//		OrgID:  orgID,
//		PlanID: "pro",
//	})
//
// # Notifications
//
// StateMachine verifies signed provider notifications and applies them:
//
//	checkout.session.completed     -> active, provisional 30 day period
//	customer.subscription.updated  -> status, period, cancel flag, plan
//	customer.subscription.deleted  -> canceled
//	invoice.paid                   -> active, invoice period
//	invoice.payment_failed         -> past_due
//
// Every notification is recorded in billing_events before it is applied.
// Redelivered ids return OutcomeDuplicate, and events left pending by a
// datastore failure are finished by Replay.
//
// An organization has at most one active subscription. Activating a
// subscription cancels the org's other active rows in the same transaction.
package billing
