package billing

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/meterd/pkg/apperr"
	"github.com/platinummonkey/meterd/pkg/observability"
	"github.com/platinummonkey/meterd/pkg/plans"
)

// CheckoutRequest starts a hosted checkout for a plan
type CheckoutRequest struct {
	OrgID      string `json:"-"`
	UserID     string `json:"-"`
	UserEmail  string `json:"-"`
	PlanID     string `json:"plan_id"`
	Coupon     string `json:"coupon_code,omitempty"`
	SuccessURL string `json:"success_url,omitempty"`
	CancelURL  string `json:"cancel_url,omitempty"`
}

// CheckoutResult is returned to the caller for redirection
type CheckoutResult struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// CheckoutService creates provider checkout sessions. It never writes
// subscriptions; the resulting notification does.
type CheckoutService struct {
	plans    plans.Store
	subs     Store
	provider Provider
	baseURL  string
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewCheckoutService creates a CheckoutService. baseURL derives the default
// success and cancel URLs.
func NewCheckoutService(planStore plans.Store, subs Store, provider Provider, baseURL string,
	logger *observability.Logger, metrics *observability.Metrics) *CheckoutService {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &CheckoutService{
		plans:    planStore,
		subs:     subs,
		provider: provider,
		baseURL:  strings.TrimRight(baseURL, "/"),
		logger:   logger,
		metrics:  metrics,
	}
}

// StartCheckout creates a single-item subscription checkout session for the
// requested plan. The session metadata carries org_id, plan_id and user_id
// for correlating the completion notification.
func (c *CheckoutService) StartCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	const op = "billing.start_checkout"

	if req.OrgID == "" || req.PlanID == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, op, "org id and plan id are required")
	}

	ctx, span := tracer.Start(ctx, "CheckoutService.StartCheckout", trace.WithAttributes(
		attribute.String("org.id", req.OrgID),
		attribute.String("plan.id", req.PlanID),
	))
	defer span.End()

	logger := observability.UpdateLoggerWithTraceContext(ctx, c.logger).WithFields(map[string]interface{}{
		"org_id":  req.OrgID,
		"plan_id": req.PlanID,
	})

	plan, err := c.plans.Get(ctx, req.PlanID)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			c.metrics.ObserveCheckout("plan_not_found")
			return nil, err
		}
		span.RecordError(err)
		c.metrics.DatastoreError("checkout")
		return nil, apperr.Unavailable(op, err)
	}
	if !plan.Purchasable() {
		c.metrics.ObserveCheckout("invalid_plan")
		return nil, apperr.New(apperr.KindInvalidPlan, op, "plan "+plan.ID+" has no provider price")
	}

	var customerID string
	latest, err := c.subs.GetLatestByOrg(ctx, req.OrgID)
	switch {
	case err == nil:
		customerID = latest.StripeCustomerID
	case apperr.IsKind(err, apperr.KindNotFound):
	default:
		// a guess here could create a second provider customer for the org
		span.RecordError(err)
		c.metrics.DatastoreError("checkout")
		return nil, apperr.Unavailable(op, err)
	}

	params := CheckoutSessionParams{
		PriceID:    plan.StripePriceID,
		CustomerID: customerID,
		Coupon:     req.Coupon,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
		Metadata: map[string]string{
			"org_id":  req.OrgID,
			"plan_id": plan.ID,
			"user_id": req.UserID,
		},
	}
	if customerID == "" {
		params.CustomerEmail = req.UserEmail
	}
	if params.SuccessURL == "" {
		params.SuccessURL = c.baseURL + "/billing?session_id={CHECKOUT_SESSION_ID}"
	}
	if params.CancelURL == "" {
		params.CancelURL = c.baseURL + "/billing"
	}

	session, err := c.provider.CreateCheckoutSession(ctx, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider rejected checkout")
		c.metrics.ObserveCheckout("failed")
		logger.WithError(err).Error("Failed to create checkout session")
		return nil, apperr.Unavailable(op, err)
	}

	c.metrics.ObserveCheckout("created")
	logger.WithField("session_id", session.ID).Info("Created checkout session")
	return &CheckoutResult{SessionID: session.ID, URL: session.URL}, nil
}
