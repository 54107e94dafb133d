package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/platinummonkey/meterd/pkg/apperr"
	"github.com/platinummonkey/meterd/pkg/plans"
)

const testWebhookSecret = "whsec_test_secret"

// memStore mirrors PostgresStore semantics in memory
type memStore struct {
	mu     sync.Mutex
	nextID int64
	subs   []*Subscription
	events map[string]*memEvent
	writes int
	fail   error
}

type memEvent struct {
	StoredEvent
	outcome   Outcome
	reason    string
	processed bool
}

func newMemStore() *memStore {
	return &memStore{events: map[string]*memEvent{}}
}

func (s *memStore) copyOf(sub *Subscription) *Subscription {
	c := *sub
	return &c
}

func (s *memStore) GetActiveByOrg(ctx context.Context, orgID string) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	for _, sub := range s.subs {
		if sub.OrgID == orgID && sub.Status == SubscriptionStatusActive {
			return s.copyOf(sub), nil
		}
	}
	return nil, apperr.New(apperr.KindNotFound, "billing.get_active", "subscription not found")
}

func (s *memStore) GetLatestByOrg(ctx context.Context, orgID string) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	var latest *Subscription
	for _, sub := range s.subs {
		if sub.OrgID == orgID && (latest == nil || sub.ID > latest.ID) {
			latest = sub
		}
	}
	if latest == nil {
		return nil, apperr.New(apperr.KindNotFound, "billing.get_latest", "subscription not found")
	}
	return s.copyOf(latest), nil
}

func (s *memStore) byRef(ref string) *Subscription {
	for _, sub := range s.subs {
		if sub.StripeSubscriptionID == ref {
			return sub
		}
	}
	return nil
}

func (s *memStore) supersede(orgID, ref string) {
	for _, sub := range s.subs {
		if sub.OrgID == orgID && sub.Status == SubscriptionStatusActive && sub.StripeSubscriptionID != ref {
			sub.Status = SubscriptionStatusCanceled
		}
	}
}

func stale(enforce bool, last *time.Time, at time.Time) bool {
	return enforce && last != nil && !at.IsZero() && at.Before(*last)
}

func later(last *time.Time, at time.Time) *time.Time {
	if at.IsZero() || (last != nil && last.After(at)) {
		return last
	}
	t := at
	return &t
}

func (s *memStore) Activate(ctx context.Context, a Activation) (WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return 0, s.fail
	}

	existing := s.byRef(a.StripeSubscriptionID)
	if existing != nil && stale(a.EnforceOrder, existing.LastEventAt, a.EventAt) {
		return WriteStale, nil
	}
	s.supersede(a.OrgID, a.StripeSubscriptionID)
	s.writes++

	start, end := a.PeriodStart, a.PeriodEnd
	if existing == nil {
		s.nextID++
		existing = &Subscription{ID: s.nextID, StripeSubscriptionID: a.StripeSubscriptionID, CreatedAt: time.Now()}
		s.subs = append(s.subs, existing)
	}
	existing.OrgID = a.OrgID
	existing.PlanID = a.PlanID
	existing.Status = SubscriptionStatusActive
	existing.CurrentPeriodStart = &start
	existing.CurrentPeriodEnd = &end
	if a.StripeCustomerID != "" {
		existing.StripeCustomerID = a.StripeCustomerID
	}
	existing.LastEventAt = later(existing.LastEventAt, a.EventAt)
	return WriteApplied, nil
}

func (s *memStore) ApplyUpdate(ctx context.Context, u Update) (WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return 0, s.fail
	}

	sub := s.byRef(u.StripeSubscriptionID)
	if sub == nil {
		return WriteNoMatch, nil
	}
	if stale(u.EnforceOrder, sub.LastEventAt, u.EventAt) {
		return WriteStale, nil
	}
	if u.Status != nil && *u.Status == SubscriptionStatusActive {
		s.supersede(sub.OrgID, u.StripeSubscriptionID)
	}
	s.writes++

	if u.Status != nil {
		sub.Status = *u.Status
	}
	if u.PeriodStart != nil {
		sub.CurrentPeriodStart = u.PeriodStart
	}
	if u.PeriodEnd != nil {
		sub.CurrentPeriodEnd = u.PeriodEnd
	}
	if u.CancelAtPeriodEnd != nil {
		sub.CancelAtPeriodEnd = *u.CancelAtPeriodEnd
	}
	if u.PlanID != nil {
		sub.PlanID = *u.PlanID
	}
	sub.LastEventAt = later(sub.LastEventAt, u.EventAt)
	return WriteApplied, nil
}

func (s *memStore) RecordEvent(ctx context.Context, n Notification, ref string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return false, s.fail
	}
	if e, ok := s.events[n.ID]; ok {
		return e.processed, nil
	}
	s.writes++
	s.events[n.ID] = &memEvent{StoredEvent: StoredEvent{Notification: n, SubscriptionRef: ref, ReceivedAt: time.Now()}}
	return false, nil
}

func (s *memStore) MarkEventProcessed(ctx context.Context, id string, outcome Outcome, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return fmt.Errorf("event %s not recorded", id)
	}
	e.outcome, e.reason, e.processed = outcome, reason, true
	return nil
}

func (s *memStore) MarkEventFailed(ctx context.Context, id string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.events[id]; ok {
		e.outcome, e.reason = OutcomeFailed, cause.Error()
	}
	return nil
}

func (s *memStore) ListUnprocessedEvents(ctx context.Context, limit int) ([]StoredEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	var out []StoredEvent
	for _, e := range s.events {
		if !e.processed {
			out = append(out, e.StoredEvent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) setFail(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *memStore) bySubRef(ref string) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub := s.byRef(ref); sub != nil {
		return s.copyOf(sub)
	}
	return nil
}

func (s *memStore) activeCount(orgID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sub := range s.subs {
		if sub.OrgID == orgID && sub.Status == SubscriptionStatusActive {
			n++
		}
	}
	return n
}

func (s *memStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// planStore is a fixed plans.Store
type planStore struct {
	plans map[string]*plans.Plan
	fail  error
}

func newPlanStore(ps ...*plans.Plan) *planStore {
	s := &planStore{plans: map[string]*plans.Plan{}}
	for _, p := range ps {
		s.plans[p.ID] = p
	}
	return s
}

func (s *planStore) Get(ctx context.Context, id string) (*plans.Plan, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	p, ok := s.plans[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "plans.get", "plan "+id+" not found")
	}
	return p, nil
}

func (s *planStore) List(ctx context.Context) ([]*plans.Plan, error) {
	out := make([]*plans.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		out = append(out, p)
	}
	return out, nil
}

func (s *planStore) Upsert(ctx context.Context, p *plans.Plan) error {
	s.plans[p.ID] = p
	return nil
}

func freePlan() *plans.Plan {
	return &plans.Plan{
		ID:            plans.FreePlanID,
		Name:          "Free",
		Interval:      plans.IntervalMonth,
		Features:      map[string]bool{"export": false},
		MonthlyQuota:  map[string]int64{"reads": 100},
		SchemaVersion: plans.SchemaVersion,
	}
}

func proPlan() *plans.Plan {
	return &plans.Plan{
		ID:            "pro",
		Name:          "Pro",
		PriceCents:    4900,
		Interval:      plans.IntervalMonth,
		Features:      map[string]bool{"export": true},
		MonthlyQuota:  map[string]int64{"reads": 3, "exports": plans.Unlimited},
		StripePriceID: "price_pro",
		SchemaVersion: plans.SchemaVersion,
	}
}

func teamPlan() *plans.Plan {
	p := proPlan()
	p.ID, p.Name, p.StripePriceID, p.PriceCents = "team", "Team", "price_team", 9900
	return p
}

// fakeProvider records provider calls; VerifyNotification delegates to a
// real StripeProvider so signatures are checked for real.
type fakeProvider struct {
	*StripeProvider
	mu        sync.Mutex
	sessions  []CheckoutSessionParams
	cancels   []string
	changes   []string
	createErr error
	cancelErr error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{StripeProvider: NewStripeProvider("sk_test_unused", testWebhookSecret)}
}

func (f *fakeProvider) CreateCheckoutSession(ctx context.Context, p CheckoutSessionParams) (*CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.sessions = append(f.sessions, p)
	id := fmt.Sprintf("cs_test_%d", len(f.sessions))
	return &CheckoutSession{ID: id, URL: "https://checkout.stripe.com/c/pay/" + id}, nil
}

func (f *fakeProvider) CancelSubscription(ctx context.Context, ref string, atPeriodEnd bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancels = append(f.cancels, fmt.Sprintf("%s:%t", ref, atPeriodEnd))
	return nil
}

func (f *fakeProvider) ChangeSubscriptionPrice(ctx context.Context, ref, priceID, planID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, ref+":"+priceID+":"+planID)
	return nil
}

// signedEvent builds a provider event envelope and signs it with the test secret
func signedEvent(t *testing.T, id, eventType string, created time.Time, object any) ([]byte, string) {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)

	payload, err := json.Marshal(map[string]any{
		"id":      id,
		"object":  "event",
		"type":    eventType,
		"created": created.Unix(),
		"data":    map[string]json.RawMessage{"object": raw},
	})
	require.NoError(t, err)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return signed.Payload, signed.Header
}

func checkoutObject(orgID, planID, subRef string) map[string]any {
	return map[string]any{
		"id":           "cs_test_1",
		"object":       "checkout.session",
		"mode":         "subscription",
		"subscription": subRef,
		"customer":     "cus_1",
		"metadata":     map[string]string{"org_id": orgID, "plan_id": planID, "user_id": "user-1"},
	}
}
