package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Notification types handled by the state machine
const (
	EventCheckoutCompleted    = "checkout.session.completed"
	EventSubscriptionUpdated  = "customer.subscription.updated"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
	EventInvoicePaid          = "invoice.paid"
	EventInvoicePaymentFailed = "invoice.payment_failed"
)

// checkoutPeriod is the provisional period written on checkout completion,
// until the first invoice or subscription update carries the real one.
const checkoutPeriod = 30 * 24 * time.Hour

// expandable holds a provider reference that is either a bare id string or
// an expanded object with an id field.
type expandable string

func (e *expandable) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = expandable(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandable(obj.ID)
	return nil
}

type checkoutSessionObject struct {
	ID           string            `json:"id"`
	Mode         string            `json:"mode"`
	Subscription expandable        `json:"subscription"`
	Customer     expandable        `json:"customer"`
	Metadata     map[string]string `json:"metadata"`
}

type periodFields struct {
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
}

// subscriptionObject accepts the period both at the top level and on the
// items, where newer API versions moved it.
type subscriptionObject struct {
	ID                string            `json:"id"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	Metadata          map[string]string `json:"metadata"`
	periodFields
	Items struct {
		Data []periodFields `json:"data"`
	} `json:"items"`
}

func (s subscriptionObject) period() (start, end *time.Time) {
	p := s.periodFields
	if p.CurrentPeriodStart == 0 && len(s.Items.Data) > 0 {
		p = s.Items.Data[0]
	}
	return epoch(p.CurrentPeriodStart), epoch(p.CurrentPeriodEnd)
}

// invoiceObject accepts the subscription reference both at the top level
// and under parent.subscription_details.
type invoiceObject struct {
	ID           string     `json:"id"`
	Subscription expandable `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription expandable `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	PeriodStart int64 `json:"period_start"`
	PeriodEnd   int64 `json:"period_end"`
}

func (i invoiceObject) subscriptionRef() string {
	if i.Subscription != "" {
		return string(i.Subscription)
	}
	return string(i.Parent.SubscriptionDetails.Subscription)
}

func epoch(secs int64) *time.Time {
	if secs <= 0 {
		return nil
	}
	t := time.Unix(secs, 0).UTC()
	return &t
}

// effect is the decoded write a notification asks for. A nil activation and
// update with a non-empty skip reason means the notification is not actionable.
type effect struct {
	ref        string
	activation *Activation
	update     *Update
	skip       string
}

// decode turns a notification into its effect. now stamps provisional
// checkout periods. Unknown types return ok=false.
func decode(n Notification, now time.Time) (eff effect, ok bool, err error) {
	switch n.Type {
	case EventCheckoutCompleted:
		var s checkoutSessionObject
		if err := json.Unmarshal(n.Object, &s); err != nil {
			return effect{}, true, fmt.Errorf("decode checkout session: %w", err)
		}
		eff.ref = string(s.Subscription)
		switch {
		case s.Mode != "subscription":
			eff.skip = fmt.Sprintf("checkout mode %q is not a subscription", s.Mode)
		case s.Subscription == "":
			eff.skip = "checkout session has no subscription"
		case s.Metadata["org_id"] == "" || s.Metadata["plan_id"] == "":
			eff.skip = "checkout session metadata is missing org_id or plan_id"
		default:
			eff.activation = &Activation{
				OrgID:                s.Metadata["org_id"],
				PlanID:               s.Metadata["plan_id"],
				StripeSubscriptionID: string(s.Subscription),
				StripeCustomerID:     string(s.Customer),
				PeriodStart:          now,
				PeriodEnd:            now.Add(checkoutPeriod),
				EventAt:              n.Created,
			}
		}
		return eff, true, nil

	case EventSubscriptionUpdated, EventSubscriptionDeleted:
		var s subscriptionObject
		if err := json.Unmarshal(n.Object, &s); err != nil {
			return effect{}, true, fmt.Errorf("decode subscription: %w", err)
		}
		eff.ref = s.ID
		if s.ID == "" {
			eff.skip = "subscription object has no id"
			return eff, true, nil
		}

		u := &Update{StripeSubscriptionID: s.ID, EventAt: n.Created}
		if n.Type == EventSubscriptionDeleted {
			canceled := SubscriptionStatusCanceled
			u.Status = &canceled
		} else {
			status, known := normalizeStatus(s.Status)
			if !known {
				eff.skip = fmt.Sprintf("unknown subscription status %q", s.Status)
				return eff, true, nil
			}
			cancelAtEnd := s.CancelAtPeriodEnd
			u.Status = &status
			u.PeriodStart, u.PeriodEnd = s.period()
			u.CancelAtPeriodEnd = &cancelAtEnd
			if planID := s.Metadata["plan_id"]; planID != "" {
				u.PlanID = &planID
			}
		}
		eff.update = u
		return eff, true, nil

	case EventInvoicePaid, EventInvoicePaymentFailed:
		var inv invoiceObject
		if err := json.Unmarshal(n.Object, &inv); err != nil {
			return effect{}, true, fmt.Errorf("decode invoice: %w", err)
		}
		eff.ref = inv.subscriptionRef()
		if eff.ref == "" {
			eff.skip = "invoice does not reference a subscription"
			return eff, true, nil
		}

		u := &Update{StripeSubscriptionID: eff.ref, EventAt: n.Created}
		if n.Type == EventInvoicePaid {
			active := SubscriptionStatusActive
			u.Status = &active
			u.PeriodStart, u.PeriodEnd = epoch(inv.PeriodStart), epoch(inv.PeriodEnd)
		} else {
			pastDue := SubscriptionStatusPastDue
			u.Status = &pastDue
		}
		eff.update = u
		return eff, true, nil
	}

	return effect{}, false, nil
}

// subscriptionRefOf extracts the correlation reference for event grouping,
// empty when the notification carries none.
func subscriptionRefOf(n Notification) string {
	eff, ok, err := decode(n, time.Time{})
	if !ok || err != nil {
		return ""
	}
	return eff.ref
}
