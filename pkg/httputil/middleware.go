package httputil

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/platinummonkey/meterd/pkg/contextkeys"
	"github.com/platinummonkey/meterd/pkg/observability"
)

// LoggingMiddleware logs one line per request at Info, or Warn for 5xx.
// Durations are measured from the start recorded by RequestID when present.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start, ok := contextkeys.RequestStart(r.Context())
		if !ok {
			start = time.Now()
		}
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		entry := observability.FromContext(r.Context()).WithFields(map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rw.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
		})
		if rw.statusCode >= http.StatusInternalServerError {
			entry.Warn("HTTP request failed")
			return
		}
		entry.Info("HTTP request")
	})
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

// RecoveryMiddleware recovers from panics and returns a 500 error
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				observability.FromContext(r.Context()).
					WithField("panic", fmt.Sprint(rec)).
					WithField("stack", string(debug.Stack())).
					Error("Recovered from handler panic")
				WriteInternalError(w)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// MaxBytesMiddleware limits the size of request bodies
func MaxBytesMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
