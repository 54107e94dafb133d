// Package httputil provides JSON response helpers, request decoding and the
// generic HTTP middleware used by pkg/api.
//
// # Errors
//
// WriteAppError maps an *apperr.Error to its HTTP status and body:
//
//	d, err := ledger.CheckAndConsume(ctx, orgID, "reads", 1)
//	if err != nil {
//		httputil.WriteAppError(w, err) // 503 for datastore failures
//		return
//	}
//	if !d.Allowed {
//		httputil.WriteAppError(w, d.Err()) // 403 with metric, current, limit
//		return
//	}
//
// # Requests
//
//	var req ConsumeRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return
//	}
//
// # Middleware
//
// RecoveryMiddleware, LoggingMiddleware and MaxBytesMiddleware log through
// observability.FromContext, so they belong after middleware.RequestID.
package httputil
