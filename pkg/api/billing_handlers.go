package api

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/meterd/pkg/billing"
	"github.com/platinummonkey/meterd/pkg/httputil"
	"github.com/platinummonkey/meterd/pkg/middleware"
)

// stripeSignatureHeader carries the provider's notification signature
const stripeSignatureHeader = "Stripe-Signature"

// handleCheckout creates a checkout session for the caller's organization
func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req billing.CheckoutRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	id := middleware.IdentityFrom(r.Context())
	req.OrgID, req.UserID, req.UserEmail = id.OrgID, id.UserID, id.UserEmail

	result, err := s.deps.Checkout.StartCheckout(r.Context(), req)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, result)
}

// WebhookResponse acknowledges a provider notification
type WebhookResponse struct {
	Received bool            `json:"received"`
	Outcome  billing.Outcome `json:"outcome,omitempty"`
	EventID  string          `json:"event_id,omitempty"`
}

// handleWebhook verifies and applies a provider notification. Anything other
// than a 2xx makes the provider redeliver, so only unverified payloads and
// datastore failures are rejected.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteBadRequest(w, "failed to read request body")
		return
	}

	result, err := s.deps.Notifications.ApplyNotification(r.Context(), payload, r.Header.Get(stripeSignatureHeader))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	_ = httputil.WriteSuccess(w, WebhookResponse{
		Received: true,
		Outcome:  result.Outcome,
		EventID:  result.EventID,
	})
}

// handleGetSubscription returns the caller's effective plan and subscription
func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	res := s.deps.Resolver.Resolve(r.Context(), middleware.OrgIDFrom(r.Context()))
	_ = httputil.WriteSuccess(w, res)
}

// FeatureResponse reports whether a plan feature is enabled
type FeatureResponse struct {
	Feature string `json:"feature"`
	Enabled bool   `json:"enabled"`
}

func (s *Server) handleFeature(w http.ResponseWriter, r *http.Request) {
	feature := mux.Vars(r)["feature"]
	enabled := s.deps.Resolver.FeatureEnabled(r.Context(), middleware.OrgIDFrom(r.Context()), feature)
	_ = httputil.WriteSuccess(w, FeatureResponse{Feature: feature, Enabled: enabled})
}

// CancelRequest cancels the active subscription. AtPeriodEnd defaults to true.
type CancelRequest struct {
	AtPeriodEnd *bool `json:"at_period_end"`
}

func (s *Server) handleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if r.ContentLength != 0 {
		if !httputil.ParseJSONOrError(w, r, &req) {
			return
		}
	}
	atPeriodEnd := true
	if req.AtPeriodEnd != nil {
		atPeriodEnd = *req.AtPeriodEnd
	}

	sub, err := s.deps.Subscriptions.Cancel(r.Context(), middleware.OrgIDFrom(r.Context()), atPeriodEnd)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	// the stored record changes when the provider's notification arrives
	_ = httputil.WriteJSON(w, http.StatusAccepted, sub)
}

// ChangePlanRequest moves the active subscription to another plan
type ChangePlanRequest struct {
	PlanID string `json:"plan_id"`
}

func (s *Server) handleChangePlan(w http.ResponseWriter, r *http.Request) {
	var req ChangePlanRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.PlanID, "plan_id") {
		return
	}

	sub, err := s.deps.Subscriptions.ChangePlan(r.Context(), middleware.OrgIDFrom(r.Context()), req.PlanID)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	_ = httputil.WriteJSON(w, http.StatusAccepted, sub)
}
