package middleware

import (
	"context"
	"net/http"

	"github.com/platinummonkey/meterd/pkg/httputil"
	"github.com/platinummonkey/meterd/pkg/observability"
	"github.com/platinummonkey/meterd/pkg/quota"
)

// Consumer is the part of quota.Ledger the middleware needs
type Consumer interface {
	CheckAndConsume(ctx context.Context, orgID, metric string, amount int64) (quota.Decision, error)
}

// QuotaMiddleware charges monthly quota before a handler runs
//
// REQUIRES: IdentityMiddleware must run before this middleware.
// Requests without an organization are rejected with 401, never skipped.
type QuotaMiddleware struct {
	ledger   Consumer
	failOpen bool
	logger   *observability.Logger
}

// NewQuotaMiddleware creates a new QuotaMiddleware
func NewQuotaMiddleware(ledger Consumer, logger *observability.Logger) *QuotaMiddleware {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &QuotaMiddleware{ledger: ledger, logger: logger}
}

// SetFailOpen controls whether requests are admitted (true) or rejected
// with 503 (false) when the ledger's datastore is unavailable.
func (m *QuotaMiddleware) SetFailOpen(enabled bool) {
	m.failOpen = enabled
}

// Enforce charges amount units of metric per request.
// Returns: 403 with metric, current and limit when the quota is exhausted.
func (m *QuotaMiddleware) Enforce(metric string, amount int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			orgID := OrgIDFrom(ctx)
			if orgID == "" {
				httputil.WriteUnauthorized(w, "organization identity required")
				return
			}

			d, err := m.ledger.CheckAndConsume(ctx, orgID, metric, amount)
			if err != nil {
				logger := observability.FromContext(ctx).WithError(err).WithField("metric", metric)
				if m.failOpen {
					logger.Warn("Quota ledger unavailable, admitting request")
					next.ServeHTTP(w, r)
					return
				}
				httputil.WriteAppError(w, err)
				return
			}
			if !d.Allowed {
				httputil.WriteAppError(w, d.Err())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
