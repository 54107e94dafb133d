// Package api serves the metering and billing components over HTTP.
//
// Routes:
//
//	POST /api/billing/checkout             start a hosted checkout
//	POST /api/billing/webhook              provider notifications (Stripe-Signature)
//	GET  /api/billing/subscription         effective plan and subscription
//	GET  /api/billing/features/{feature}   feature flag of the effective plan
//	POST /api/billing/subscription/cancel  cancel now or at period end
//	POST /api/billing/subscription/plan    move to another plan
//	POST /api/quota/consume                charge monthly quota
//	GET  /api/quota/usage                  current period usage
//	POST /api/ratelimit/check              check a fixed window under the caller's org
//	GET  /health, /health/live, /health/ready, /metrics
//
// Every /api route except the webhook requires the X-Org-ID identity header
// and is charged against the per-org API rate limit. The webhook is
// authenticated by its signature alone.
//
// Errors are written by httputil.WriteAppError, so the status follows the
// apperr kind.
package api
