// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/meterd/pkg/contextkeys"
//	ctx = contextkeys.WithIdentity(ctx, id)
//	id, ok := contextkeys.Identity(ctx).(*middleware.Identity)
package contextkeys

import (
	"context"
	"time"
)

// Key is the type for context keys to prevent collisions
type Key string

const (
	// IdentityKey contains *middleware.Identity
	// Set by: middleware.IdentityMiddleware (pkg/middleware/identity.go)
	// Required by: org-scoped API endpoints, quota and rate limit middleware
	IdentityKey Key = "identity"

	// RequestStartTimeKey contains the request start timestamp
	// Set by: middleware.RequestID
	// Used by: access logging
	RequestStartTimeKey Key = "request_start_time"
)

// WithIdentity adds the caller identity to the context
func WithIdentity(ctx context.Context, identity interface{}) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}

// Identity returns the caller identity or nil
func Identity(ctx context.Context) interface{} {
	return ctx.Value(IdentityKey)
}

// WithRequestStart records when request handling began
func WithRequestStart(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, RequestStartTimeKey, t)
}

// RequestStart returns the recorded request start time
func RequestStart(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(RequestStartTimeKey).(time.Time)
	return t, ok
}
