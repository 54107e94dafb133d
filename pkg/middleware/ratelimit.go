package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/meterd/pkg/httputil"
	"github.com/platinummonkey/meterd/pkg/observability"
	"github.com/platinummonkey/meterd/pkg/ratelimit"
)

// RateLimitConfig defines one fixed-window bucket
type RateLimitConfig struct {
	Bucket string
	Limit  int64
	Window time.Duration
}

// DefaultRateLimitConfig returns the per-org API bucket defaults
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{Bucket: "api", Limit: 600, Window: time.Minute}
}

// Checker is the part of ratelimit.Limiter the middleware needs
type Checker interface {
	Check(ctx context.Context, key, bucket string, limit int64, window time.Duration) (ratelimit.Decision, error)
}

// RateLimitMiddleware enforces a bucket per organization, or per client IP
// for anonymous requests, and reports the window in X-RateLimit-* headers.
type RateLimitMiddleware struct {
	limiter  Checker
	config   RateLimitConfig
	failOpen bool
	logger   *observability.Logger
}

// NewRateLimitMiddleware creates a rate limit middleware for one bucket
func NewRateLimitMiddleware(limiter Checker, config RateLimitConfig, logger *observability.Logger) *RateLimitMiddleware {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &RateLimitMiddleware{limiter: limiter, config: config, logger: logger}
}

// SetFailOpen controls whether requests are admitted (true) or rejected
// with 503 (false) when the limiter's datastore is unavailable.
func (m *RateLimitMiddleware) SetFailOpen(enabled bool) {
	m.failOpen = enabled
}

// Handler wraps an HTTP handler with rate limiting
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		key := "ip:" + getClientIP(r)
		if orgID := OrgIDFrom(ctx); orgID != "" {
			key = "org:" + orgID
		}

		d, err := m.limiter.Check(ctx, key, m.config.Bucket, m.config.Limit, m.config.Window)
		if err != nil {
			logger := observability.FromContext(ctx).WithError(err).WithField("bucket", m.config.Bucket)
			if m.failOpen {
				logger.Warn("Rate limiter unavailable, admitting request")
				next.ServeHTTP(w, r)
				return
			}
			logger.Error("Rate limiter unavailable, rejecting request")
			httputil.WriteServiceUnavailable(w, "rate limiter unavailable")
			return
		}

		SetRateLimitHeaders(w, d)
		if !d.Allowed {
			WriteRateLimited(w, d)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SetRateLimitHeaders describes the decision's window on the response
func SetRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining(), 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// WriteRateLimited writes a 429 with Retry-After for a denied decision
func WriteRateLimited(w http.ResponseWriter, d ratelimit.Decision) {
	retryAfter := int64(time.Until(d.ResetAt).Round(time.Second).Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	_ = httputil.WriteJSON(w, http.StatusTooManyRequests, map[string]interface{}{
		"error":       "rate limit exceeded",
		"bucket":      d.Bucket,
		"current":     d.Current,
		"limit":       d.Limit,
		"retry_after": retryAfter,
	})
}

// getClientIP returns the first X-Forwarded-For hop, X-Real-IP, or the
// remote address without its port.
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

