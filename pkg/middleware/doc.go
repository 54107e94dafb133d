// Package middleware provides the HTTP middleware in front of the metering API.
//
// # Ordering
//
// Identity must be established before anything that charges an organization:
//
//	router.Use(middleware.RequestID(logger))       // 1. request id and logger
//	router.Use(middleware.IdentityMiddleware)      // 2. trusted X-Org-ID headers
//	router.Use(rateLimit.Handler)                  // 3. per-org or per-IP bucket
//	router.Handle("/api/reports", quota.Enforce("reports", 1)(handler))
//
// The quota middleware rejects requests without an organization instead of
// skipping the check.
//
// # Datastore failures
//
// Both enforcing middlewares reject with 503 when their datastore is down.
// SetFailOpen(true) admits those requests instead and logs a warning.
package middleware
