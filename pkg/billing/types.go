package billing

import (
	"encoding/json"
	"time"

	"github.com/platinummonkey/meterd/pkg/plans"
)

// SubscriptionStatus represents the status of a subscription
type SubscriptionStatus string

const (
	SubscriptionStatusActive     SubscriptionStatus = "active"
	SubscriptionStatusCanceled   SubscriptionStatus = "canceled"
	SubscriptionStatusPastDue    SubscriptionStatus = "past_due"
	SubscriptionStatusIncomplete SubscriptionStatus = "incomplete"
	SubscriptionStatusTrialing   SubscriptionStatus = "trialing"
)

// normalizeStatus maps provider statuses onto the stored set. Statuses the
// schema does not know collapse to the closest entitlement-equivalent one.
func normalizeStatus(s string) (SubscriptionStatus, bool) {
	switch SubscriptionStatus(s) {
	case SubscriptionStatusActive, SubscriptionStatusCanceled, SubscriptionStatusPastDue,
		SubscriptionStatusIncomplete, SubscriptionStatusTrialing:
		return SubscriptionStatus(s), true
	case "unpaid":
		return SubscriptionStatusPastDue, true
	case "incomplete_expired":
		return SubscriptionStatusCanceled, true
	case "paused":
		return SubscriptionStatusIncomplete, true
	}
	return "", false
}

// Subscription is an organization's link to a plan
type Subscription struct {
	ID                   int64              `json:"id"`
	OrgID                string             `json:"org_id"`
	PlanID               string             `json:"plan_id"`
	Status               SubscriptionStatus `json:"status"`
	CurrentPeriodStart   *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd     *time.Time         `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd    bool               `json:"cancel_at_period_end"`
	StripeCustomerID     string             `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID string             `json:"stripe_subscription_id,omitempty"`
	LastEventAt          *time.Time         `json:"last_event_at,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// Resolution is the effective plan of an organization. Subscription is nil
// when the organization runs on the free plan by fallback.
type Resolution struct {
	Plan         *plans.Plan   `json:"plan"`
	Subscription *Subscription `json:"subscription"`
}

// Activation upserts the subscription named by StripeSubscriptionID as the
// organization's active subscription.
type Activation struct {
	OrgID                string
	PlanID               string
	StripeSubscriptionID string
	StripeCustomerID     string
	PeriodStart          time.Time
	PeriodEnd            time.Time
	EventAt              time.Time
	EnforceOrder         bool
}

// Update overwrites the fields that are set on the subscription named by
// StripeSubscriptionID.
type Update struct {
	StripeSubscriptionID string
	PlanID               *string
	Status               *SubscriptionStatus
	PeriodStart          *time.Time
	PeriodEnd            *time.Time
	CancelAtPeriodEnd    *bool
	EventAt              time.Time
	EnforceOrder         bool
}

// WriteResult reports what a subscription write did
type WriteResult int

const (
	WriteApplied WriteResult = iota
	// WriteNoMatch means no subscription carries the reference
	WriteNoMatch
	// WriteStale means a newer notification was already applied
	WriteStale
)

// Outcome is the disposition of one provider notification
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeNoMatch   Outcome = "no_match"
	OutcomeStale     Outcome = "stale"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
)

// Notification is a verified provider event
type Notification struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created time.Time       `json:"created"`
	Object  json.RawMessage `json:"object"`
}

// StoredEvent is a notification persisted in billing_events
type StoredEvent struct {
	Notification
	SubscriptionRef string
	ReceivedAt      time.Time
}

// Result describes how a notification was handled
type Result struct {
	EventID         string  `json:"event_id"`
	Type            string  `json:"type"`
	Outcome         Outcome `json:"outcome"`
	SubscriptionRef string  `json:"subscription_ref,omitempty"`
	// Reason explains skipped, no-match and stale outcomes
	Reason string `json:"reason,omitempty"`
}
