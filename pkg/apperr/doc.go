// Package apperr defines the closed set of error kinds surfaced by the metering
// and subscription engine.
//
// # Overview
//
// Callers switch on Kind, never on error strings:
//
//	switch apperr.KindOf(err) {
//	case apperr.KindUnavailable:
//		// datastore or provider down, safe to retry the whole operation
//	case apperr.KindInvalidPlan:
//		// plan has no provider price configured
//	}
//
// Admission denials from the quota ledger and rate limiter are ordinary return
// values. Decision.Err() on those types converts a denial into a
// KindQuotaExceeded or KindRateLimited error carrying metric, current and limit.
package apperr
