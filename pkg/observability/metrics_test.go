package observability

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	require.NotNil(t, m)

	m.ObserveQuota("reads", OutcomeAllowed)
	m.ObserveRate("checkout", OutcomeDenied)
	m.ObserveNotification("invoice.paid", "applied")

	families, err := registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["meterd_quota_decisions_total"])
	assert.True(t, names["meterd_rate_decisions_total"])
	assert.True(t, names["meterd_billing_notifications_total"])
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveQuota("reads", OutcomeAllowed)
	m.ObserveQuota("reads", OutcomeAllowed)
	m.ObserveQuota("reads", OutcomeDenied)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.QuotaDecisionsTotal.WithLabelValues("reads", OutcomeAllowed)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.QuotaDecisionsTotal.WithLabelValues("reads", OutcomeDenied)))

	m.DatastoreError("ledger")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DatastoreErrorsTotal.WithLabelValues("ledger")))

	m.PlanCache(true)
	m.PlanCache(false)
	m.PlanCache(false)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PlanCacheHitsTotal))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.PlanCacheMissesTotal))

	m.ObserveJob("purge_rate_buckets", 12, nil)
	m.ObserveJob("purge_rate_buckets", 0, errors.New("down"))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.JobRunsTotal.WithLabelValues("purge_rate_buckets", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.JobRunsTotal.WithLabelValues("purge_rate_buckets", "error")))
	assert.Equal(t, float64(12), testutil.ToFloat64(m.JobItemsTotal.WithLabelValues("purge_rate_buckets")))

	m.ObserveAdmission("ledger", "postgres", time.Now())
	assert.Equal(t, 1, testutil.CollectAndCount(m.AdmissionDuration))
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveQuota("reads", OutcomeAllowed)
		m.ObserveRate("b", OutcomeAllowed)
		m.ObserveAdmission("ledger", "redis", time.Now())
		m.ObserveNotification("x", "y")
		m.ObserveCheckout("created")
		m.DatastoreError("ledger")
		m.PlanCache(true)
		m.ObserveJob("j", 1, nil)
	})
}

func TestHTTPMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(m))
	router.HandleFunc("/api/billing/features/{feature}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for _, f := range []string{"export", "sso"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/billing/features/"+f, nil))
		assert.Equal(t, http.StatusTeapot, rec.Code)
	}

	got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/api/billing/features/{feature}", "418"))
	assert.Equal(t, float64(2), got)
}

func TestMetricsHandler(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.ObserveCheckout("created")

	srv := httptest.NewServer(MetricsHandler(registry))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `meterd_checkout_sessions_total{status="created"} 1`))
}
