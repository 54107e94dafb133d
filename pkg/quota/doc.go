// Package quota implements the monthly usage ledger.
//
// A Ledger admits or rejects metered usage against the limits of an
// organization's effective plan. Counters are keyed by organization, metric
// and calendar month (UTC), so a new month starts from zero without any reset
// job.
//
//	ledger := quota.NewLedger(resolver, quota.NewPostgresStore(db, replica))
//	d, err := ledger.CheckAndConsume(ctx, orgID, "reads", 1)
//	if err != nil {
//		// datastore unavailable
//	}
//	if !d.Allowed {
//		return d.Err()
//	}
//
// Both the PostgreSQL and Redis stores perform check and increment as one
// server-side operation, so the counter never exceeds the limit under
// concurrency. Unlimited metrics (limit -1) are always admitted and still
// counted for reporting.
package quota
