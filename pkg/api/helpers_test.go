package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/meterd/pkg/apperr"
	"github.com/platinummonkey/meterd/pkg/billing"
	"github.com/platinummonkey/meterd/pkg/middleware"
	"github.com/platinummonkey/meterd/pkg/plans"
	"github.com/platinummonkey/meterd/pkg/quota"
	"github.com/platinummonkey/meterd/pkg/ratelimit"
)

func proPlan() *plans.Plan {
	return &plans.Plan{
		ID:            "pro",
		Name:          "Pro",
		Interval:      plans.IntervalMonth,
		Features:      map[string]bool{"export": true},
		MonthlyQuota:  map[string]int64{"reads": 3, "exports": plans.Unlimited},
		StripePriceID: "price_pro",
		SchemaVersion: plans.SchemaVersion,
	}
}

// staticResolver puts every org listed in subs on that plan, the rest on free
type staticResolver struct {
	subs map[string]*plans.Plan
}

func (r *staticResolver) Resolve(ctx context.Context, orgID string) billing.Resolution {
	if p, ok := r.subs[orgID]; ok {
		return billing.Resolution{
			Plan:         p,
			Subscription: &billing.Subscription{OrgID: orgID, PlanID: p.ID, Status: billing.SubscriptionStatusActive},
		}
	}
	return billing.Resolution{Plan: plans.DefaultFreePlan()}
}

func (r *staticResolver) PlanFor(ctx context.Context, orgID string) *plans.Plan {
	return r.Resolve(ctx, orgID).Plan
}

func (r *staticResolver) FeatureEnabled(ctx context.Context, orgID, feature string) bool {
	return r.PlanFor(ctx, orgID).FeatureEnabled(feature)
}

type fakeCheckout struct {
	mu   sync.Mutex
	reqs []billing.CheckoutRequest
	err  error
}

func (f *fakeCheckout) StartCheckout(ctx context.Context, req billing.CheckoutRequest) (*billing.CheckoutResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return &billing.CheckoutResult{SessionID: "cs_test_1", URL: "https://checkout.example.com/cs_test_1"}, nil
}

type fakeManager struct {
	mu      sync.Mutex
	cancels []bool
	changes []string
	err     error
}

func (f *fakeManager) Cancel(ctx context.Context, orgID string, atPeriodEnd bool) (*billing.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, atPeriodEnd)
	if f.err != nil {
		return nil, f.err
	}
	return &billing.Subscription{OrgID: orgID, PlanID: "pro", Status: billing.SubscriptionStatusActive}, nil
}

func (f *fakeManager) ChangePlan(ctx context.Context, orgID, planID string) (*billing.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, planID)
	if f.err != nil {
		return nil, f.err
	}
	return &billing.Subscription{OrgID: orgID, PlanID: "pro", Status: billing.SubscriptionStatusActive}, nil
}

// fakeNotifications accepts payloads signed with "good"
type fakeNotifications struct {
	mu       sync.Mutex
	payloads [][]byte
	result   billing.Result
	err      error
}

func (f *fakeNotifications) ApplyNotification(ctx context.Context, payload []byte, signature string) (billing.Result, error) {
	if signature != "good" {
		return billing.Result{}, apperr.New(apperr.KindUnauthenticated, "billing.apply_notification", "bad signature")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	return f.result, f.err
}

type testEnv struct {
	server        *Server
	mr            *miniredis.Miniredis
	checkout      *fakeCheckout
	subscriptions *fakeManager
	notifications *fakeNotifications
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	resolver := &staticResolver{subs: map[string]*plans.Plan{"org-pro": proPlan()}}
	env := &testEnv{
		mr:            mr,
		checkout:      &fakeCheckout{},
		subscriptions: &fakeManager{},
		notifications: &fakeNotifications{result: billing.Result{EventID: "evt_1", Outcome: billing.OutcomeApplied}},
	}
	env.server = NewServer(Dependencies{
		Resolver:      resolver,
		Ledger:        quota.NewLedger(resolver, quota.NewRedisStore(client, 0)),
		Limiter:       ratelimit.NewLimiter(ratelimit.NewRedisStore(client)),
		Checkout:      env.checkout,
		Subscriptions: env.subscriptions,
		Notifications: env.notifications,
	}, opts, nil, nil)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, orgID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if orgID != "" {
		req.Header.Set(middleware.HeaderOrgID, orgID)
		req.Header.Set(middleware.HeaderUserID, "user-1")
		req.Header.Set(middleware.HeaderUserEmail, "owner@example.com")
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}
