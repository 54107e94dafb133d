package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/meterd/pkg/billing"
	"github.com/platinummonkey/meterd/pkg/httputil"
	"github.com/platinummonkey/meterd/pkg/middleware"
	"github.com/platinummonkey/meterd/pkg/observability"
	"github.com/platinummonkey/meterd/pkg/quota"
)

// PlanResolver resolves an organization's effective plan
type PlanResolver interface {
	Resolve(ctx context.Context, orgID string) billing.Resolution
	FeatureEnabled(ctx context.Context, orgID, feature string) bool
}

// QuotaLedger charges and reports monthly usage
type QuotaLedger interface {
	middleware.Consumer
	Usage(ctx context.Context, orgID string) (*quota.UsageReport, error)
}

// CheckoutStarter creates provider checkout sessions
type CheckoutStarter interface {
	StartCheckout(ctx context.Context, req billing.CheckoutRequest) (*billing.CheckoutResult, error)
}

// SubscriptionManager forwards subscription changes to the provider
type SubscriptionManager interface {
	Cancel(ctx context.Context, orgID string, atPeriodEnd bool) (*billing.Subscription, error)
	ChangePlan(ctx context.Context, orgID, planID string) (*billing.Subscription, error)
}

// NotificationApplier verifies and applies provider notifications. Signed
// payloads that cannot be decoded are not errors: they come back with
// billing.OutcomeSkipped and are acknowledged like any other result.
type NotificationApplier interface {
	ApplyNotification(ctx context.Context, payload []byte, signature string) (billing.Result, error)
}

// Dependencies are the components served over HTTP
type Dependencies struct {
	Resolver      PlanResolver
	Ledger        QuotaLedger
	Limiter       middleware.Checker
	Checkout      CheckoutStarter
	Subscriptions SubscriptionManager
	Notifications NotificationApplier

	// Health and Gatherer are optional
	Health   *observability.HealthChecker
	Gatherer prometheus.Gatherer
}

// Options tune the HTTP surface
type Options struct {
	MaxBodyBytes int64
	// APIRateLimit applies to every /api route except the provider webhook
	APIRateLimit middleware.RateLimitConfig
	// CheckoutRateLimit additionally guards checkout session creation
	CheckoutRateLimit middleware.RateLimitConfig
	// FailOpen admits requests when the limiter's datastore is down
	FailOpen bool
}

// DefaultOptions returns the defaults used by cmd/meterd
func DefaultOptions() Options {
	return Options{
		MaxBodyBytes:      1 << 20,
		APIRateLimit:      middleware.DefaultRateLimitConfig(),
		CheckoutRateLimit: middleware.RateLimitConfig{Bucket: "checkout", Limit: 10, Window: time.Hour},
	}
}

// Server routes HTTP requests to the metering and billing components
type Server struct {
	router  *mux.Router
	api     *mux.Router
	quota   *middleware.QuotaMiddleware
	deps    Dependencies
	opts    Options
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewServer creates a new API server with all routes registered
func NewServer(deps Dependencies, opts Options, logger *observability.Logger, metrics *observability.Metrics) *Server {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultOptions().MaxBodyBytes
	}
	s := &Server{
		router:  mux.NewRouter(),
		deps:    deps,
		opts:    opts,
		logger:  logger,
		metrics: metrics,
	}
	s.setupRoutes()
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the router wrapped in OpenTelemetry instrumentation
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "meterd",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			if route := mux.CurrentRoute(r); route != nil {
				if tpl, err := route.GetPathTemplate(); err == nil {
					return r.Method + " " + tpl
				}
			}
			return r.Method + " " + r.URL.Path
		}),
	)
}

func (s *Server) setupRoutes() {
	s.router.Use(
		middleware.RequestID(s.logger),
		httputil.RecoveryMiddleware,
		httputil.LoggingMiddleware,
		httputil.MaxBytesMiddleware(s.opts.MaxBodyBytes),
	)
	if s.metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(s.metrics))
	}

	if s.deps.Health != nil {
		observability.RegisterHealthRoutes(s.router, s.deps.Health)
	}
	if s.deps.Gatherer != nil {
		s.router.Handle("/metrics", observability.MetricsHandler(s.deps.Gatherer)).Methods(http.MethodGet)
	}

	// provider notifications are authenticated by signature, not identity
	s.router.HandleFunc("/api/billing/webhook", s.handleWebhook).Methods(http.MethodPost)

	apiLimit := middleware.NewRateLimitMiddleware(s.deps.Limiter, s.opts.APIRateLimit, s.logger)
	apiLimit.SetFailOpen(s.opts.FailOpen)
	checkoutLimit := middleware.NewRateLimitMiddleware(s.deps.Limiter, s.opts.CheckoutRateLimit, s.logger)
	checkoutLimit.SetFailOpen(s.opts.FailOpen)

	s.quota = middleware.NewQuotaMiddleware(s.deps.Ledger, s.logger)
	s.quota.SetFailOpen(s.opts.FailOpen)

	api := s.router.PathPrefix("/api").Subrouter()
	s.api = api
	api.Use(middleware.IdentityMiddleware, middleware.RequireOrg, apiLimit.Handler)

	api.Handle("/billing/checkout", checkoutLimit.Handler(http.HandlerFunc(s.handleCheckout))).Methods(http.MethodPost)
	api.HandleFunc("/billing/subscription", s.handleGetSubscription).Methods(http.MethodGet)
	api.HandleFunc("/billing/subscription/cancel", s.handleCancelSubscription).Methods(http.MethodPost)
	api.HandleFunc("/billing/subscription/plan", s.handleChangePlan).Methods(http.MethodPost)
	api.HandleFunc("/billing/features/{feature}", s.handleFeature).Methods(http.MethodGet)

	api.HandleFunc("/quota/consume", s.handleConsume).Methods(http.MethodPost)
	api.HandleFunc("/quota/usage", s.handleUsage).Methods(http.MethodGet)

	api.HandleFunc("/ratelimit/check", s.handleRateLimitCheck).Methods(http.MethodPost)
}

// HandleMetered mounts h under /api, charging amount units of metric per
// request before h runs. Denied requests get 403 and never reach h.
func (s *Server) HandleMetered(path, metric string, amount int64, h http.Handler) *mux.Route {
	return s.api.Handle(path, s.quota.Enforce(metric, amount)(h))
}
