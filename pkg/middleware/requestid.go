package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/meterd/pkg/contextkeys"
	"github.com/platinummonkey/meterd/pkg/observability"
)

// HeaderRequestID carries the request id in both directions
const HeaderRequestID = "X-Request-ID"

// RequestID assigns every request an id, reusing a well-formed inbound
// X-Request-ID, and puts the logger in the context for FromContext.
func RequestID(logger *observability.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(HeaderRequestID)
			if _, err := uuid.Parse(requestID); err != nil {
				requestID = uuid.NewString()
			}
			w.Header().Set(HeaderRequestID, requestID)

			ctx := observability.WithRequestID(r.Context(), requestID)
			ctx = observability.WithLogger(ctx, logger)
			ctx = contextkeys.WithRequestStart(ctx, time.Now())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
