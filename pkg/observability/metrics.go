package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Admission metrics
	QuotaDecisionsTotal *prometheus.CounterVec
	RateDecisionsTotal  *prometheus.CounterVec
	AdmissionDuration   *prometheus.HistogramVec

	// Billing metrics
	NotificationsTotal    *prometheus.CounterVec
	CheckoutSessionsTotal *prometheus.CounterVec

	// Datastore metrics
	DatastoreErrorsTotal *prometheus.CounterVec

	// Plan cache metrics
	PlanCacheHitsTotal   prometheus.Counter
	PlanCacheMissesTotal prometheus.Counter

	// Maintenance job metrics
	JobRunsTotal  *prometheus.CounterVec
	JobItemsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meterd_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meterd_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		QuotaDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meterd_quota_decisions_total",
				Help: "Quota ledger admission decisions by metric and outcome",
			},
			[]string{"metric", "outcome"},
		),
		RateDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meterd_rate_decisions_total",
				Help: "Rate limiter decisions by bucket and outcome",
			},
			[]string{"bucket", "outcome"},
		),
		AdmissionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meterd_admission_duration_seconds",
				Help:    "Time spent in the datastore for one admission decision",
				Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"component", "backend"},
		),

		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meterd_billing_notifications_total",
				Help: "Provider notifications processed by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		CheckoutSessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meterd_checkout_sessions_total",
				Help: "Checkout sessions started by status",
			},
			[]string{"status"},
		),

		DatastoreErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meterd_datastore_errors_total",
				Help: "Datastore failures surfaced as unavailable",
			},
			[]string{"component"},
		),

		PlanCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "meterd_plan_cache_hits_total",
				Help: "Plan lookups served from the in-process cache",
			},
		),
		PlanCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "meterd_plan_cache_misses_total",
				Help: "Plan lookups that went to the datastore",
			},
		),

		JobRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meterd_job_runs_total",
				Help: "Maintenance job runs by job and status",
			},
			[]string{"job", "status"},
		),
		JobItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meterd_job_items_total",
				Help: "Rows purged, archived or replayed by maintenance jobs",
			},
			[]string{"job"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.QuotaDecisionsTotal,
		m.RateDecisionsTotal,
		m.AdmissionDuration,
		m.NotificationsTotal,
		m.CheckoutSessionsTotal,
		m.DatastoreErrorsTotal,
		m.PlanCacheHitsTotal,
		m.PlanCacheMissesTotal,
		m.JobRunsTotal,
		m.JobItemsTotal,
	)

	return m
}

// Outcome labels shared by the admission counters
const (
	OutcomeAllowed   = "allowed"
	OutcomeDenied    = "denied"
	OutcomeUnlimited = "unlimited"
	OutcomeError     = "error"
)

// ObserveQuota records a ledger decision. Safe on a nil receiver.
func (m *Metrics) ObserveQuota(metric, outcome string) {
	if m == nil {
		return
	}
	m.QuotaDecisionsTotal.WithLabelValues(metric, outcome).Inc()
}

// ObserveRate records a limiter decision. Safe on a nil receiver.
func (m *Metrics) ObserveRate(bucket, outcome string) {
	if m == nil {
		return
	}
	m.RateDecisionsTotal.WithLabelValues(bucket, outcome).Inc()
}

// ObserveAdmission records datastore latency for one decision
func (m *Metrics) ObserveAdmission(component, backend string, start time.Time) {
	if m == nil {
		return
	}
	m.AdmissionDuration.WithLabelValues(component, backend).Observe(time.Since(start).Seconds())
}

// ObserveNotification records a state machine outcome
func (m *Metrics) ObserveNotification(eventType, outcome string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(eventType, outcome).Inc()
}

// ObserveCheckout records a checkout attempt
func (m *Metrics) ObserveCheckout(status string) {
	if m == nil {
		return
	}
	m.CheckoutSessionsTotal.WithLabelValues(status).Inc()
}

// DatastoreError counts a datastore failure for a component
func (m *Metrics) DatastoreError(component string) {
	if m == nil {
		return
	}
	m.DatastoreErrorsTotal.WithLabelValues(component).Inc()
}

// PlanCache records a plan cache lookup
func (m *Metrics) PlanCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.PlanCacheHitsTotal.Inc()
		return
	}
	m.PlanCacheMissesTotal.Inc()
}

// ObserveJob records a maintenance job run and the number of rows it handled
func (m *Metrics) ObserveJob(job string, items int, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.JobRunsTotal.WithLabelValues(job, status).Inc()
	if items > 0 {
		m.JobItemsTotal.WithLabelValues(job).Add(float64(items))
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Routes are labelled by their mux template so path parameters do not
// explode label cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			route := r.URL.Path
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					route = tpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
