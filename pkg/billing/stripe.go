package billing

import (
	"context"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeProvider implements Provider with a per-instance Stripe client
type StripeProvider struct {
	api           *client.API
	webhookSecret string
	automaticTax  bool
	tolerance     time.Duration
}

// StripeOption configures a StripeProvider
type StripeOption func(*StripeProvider)

// WithBackends points the client at custom backends, e.g. a local stub
func WithBackends(b *stripe.Backends) StripeOption {
	return func(p *StripeProvider) { p.api.Init(p.api.Subscriptions.Key, b) }
}

// WithAutomaticTax enables provider-side tax on checkout sessions
func WithAutomaticTax(enabled bool) StripeOption {
	return func(p *StripeProvider) { p.automaticTax = enabled }
}

// WithSignatureTolerance overrides how old a signed notification may be
func WithSignatureTolerance(d time.Duration) StripeOption {
	return func(p *StripeProvider) { p.tolerance = d }
}

// NewStripeProvider creates a StripeProvider with the given secret key and
// webhook signing secret.
func NewStripeProvider(secretKey, webhookSecret string, opts ...StripeOption) *StripeProvider {
	api := &client.API{}
	api.Init(secretKey, nil)

	p := &StripeProvider{
		api:           api,
		webhookSecret: webhookSecret,
		tolerance:     webhook.DefaultTolerance,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CreateCheckoutSession creates a subscription-mode checkout session
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, in CheckoutSessionParams) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(in.PriceID), Quantity: stripe.Int64(1)},
		},
		SuccessURL:               stripe.String(in.SuccessURL),
		CancelURL:                stripe.String(in.CancelURL),
		BillingAddressCollection: stripe.String(string(stripe.CheckoutSessionBillingAddressCollectionAuto)),
		Metadata:                 in.Metadata,
		// copied onto the subscription so its own events carry the org
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: in.Metadata,
		},
	}
	params.Context = ctx

	if in.CustomerID != "" {
		params.Customer = stripe.String(in.CustomerID)
	} else if in.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(in.CustomerEmail)
	}

	// Stripe rejects promotion codes combined with explicit discounts
	if in.Coupon != "" {
		params.Discounts = []*stripe.CheckoutSessionDiscountParams{{Coupon: stripe.String(in.Coupon)}}
	} else {
		params.AllowPromotionCodes = stripe.Bool(true)
	}

	if p.automaticTax {
		params.AutomaticTax = &stripe.CheckoutSessionAutomaticTaxParams{Enabled: stripe.Bool(true)}
	}

	s, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("billing: create stripe checkout session: %w", err)
	}
	return &CheckoutSession{ID: s.ID, URL: s.URL}, nil
}

// CancelSubscription cancels immediately or flags cancel_at_period_end
func (p *StripeProvider) CancelSubscription(ctx context.Context, subscriptionRef string, atPeriodEnd bool) error {
	if atPeriodEnd {
		params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
		params.Context = ctx
		if _, err := p.api.Subscriptions.Update(subscriptionRef, params); err != nil {
			return fmt.Errorf("billing: schedule stripe subscription cancel: %w", err)
		}
		return nil
	}

	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := p.api.Subscriptions.Cancel(subscriptionRef, params); err != nil {
		return fmt.Errorf("billing: cancel stripe subscription: %w", err)
	}
	return nil
}

// ChangeSubscriptionPrice replaces the price of the first subscription item
// and invoices the proration immediately. The plan id in the metadata comes
// back on the customer.subscription.updated notification.
func (p *StripeProvider) ChangeSubscriptionPrice(ctx context.Context, subscriptionRef, priceID, planID string) error {
	getParams := &stripe.SubscriptionParams{}
	getParams.Context = ctx
	sub, err := p.api.Subscriptions.Get(subscriptionRef, getParams)
	if err != nil {
		return fmt.Errorf("billing: get stripe subscription: %w", err)
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return fmt.Errorf("billing: stripe subscription %s has no items", subscriptionRef)
	}

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{ID: stripe.String(sub.Items.Data[0].ID), Price: stripe.String(priceID)},
		},
		ProrationBehavior: stripe.String("always_invoice"),
		Metadata:          map[string]string{"plan_id": planID},
	}
	params.Context = ctx
	if _, err := p.api.Subscriptions.Update(subscriptionRef, params); err != nil {
		return fmt.Errorf("billing: update stripe subscription price: %w", err)
	}
	return nil
}

// VerifyNotification validates the Stripe-Signature header and decodes the event
func (p *StripeProvider) VerifyNotification(payload []byte, signature string) (*Notification, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                p.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("billing: webhook signature verification failed: %w", err)
	}

	n := &Notification{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: time.Unix(event.Created, 0).UTC(),
	}
	if event.Data != nil {
		n.Object = event.Data.Raw
	}
	return n, nil
}
