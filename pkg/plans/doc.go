// Package plans defines product plans and the catalog they are loaded from.
//
// # Overview
//
// A Plan carries feature flags and per-metric monthly quotas. A quota of
// Unlimited (-1) means usage is counted but never denied; a metric missing
// from the plan has a quota of zero.
//
// Plans are authored in a YAML catalog, validated against SchemaVersion at
// load time and synced into the plans table:
//
//	cat, err := plans.LoadCatalog("/etc/meterd/plans.yaml")
//	err = plans.SyncCatalog(ctx, store, cat)
//
// CachedStore keeps hot plans in an expiring LRU and Watcher reloads the
// catalog when the file changes.
package plans
