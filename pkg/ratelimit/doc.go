// Package ratelimit implements fixed-window rate limiting over a shared
// datastore.
//
// Every call to Limiter.Check increments the counter for the current window,
// including calls that end up denied. A client hammering a limited endpoint
// therefore keeps its counter above the limit until the window rolls over.
// This is looser than the quota ledger, which refuses the increment on
// overrun, and is meant for abuse throttling rather than billing.
//
//	limiter := ratelimit.NewLimiter(ratelimit.NewRedisStore(client))
//	d, err := limiter.Check(ctx, orgID, "checkout", 5, time.Minute)
package ratelimit
