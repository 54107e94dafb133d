package billing

import "context"

// CheckoutSessionParams describes a hosted checkout for one subscription item
type CheckoutSessionParams struct {
	PriceID string
	// CustomerID reuses an existing provider customer; when empty the
	// provider creates one from CustomerEmail.
	CustomerID    string
	CustomerEmail string
	Coupon        string
	SuccessURL    string
	CancelURL     string
	Metadata      map[string]string
}

// CheckoutSession is a created hosted checkout
type CheckoutSession struct {
	ID  string
	URL string
}

// Provider abstracts the payments provider
type Provider interface {
	CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error)
	// CancelSubscription cancels now or at the end of the current period
	CancelSubscription(ctx context.Context, subscriptionRef string, atPeriodEnd bool) error
	// ChangeSubscriptionPrice swaps the subscription's single item to priceID
	// and records planID in the subscription metadata
	ChangeSubscriptionPrice(ctx context.Context, subscriptionRef, priceID, planID string) error
	// VerifyNotification checks the signature and decodes the event envelope
	VerifyNotification(payload []byte, signature string) (*Notification, error)
}
