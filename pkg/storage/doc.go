// Package storage holds datastore connection settings and clients shared by
// the meterd server and worker.
//
// # Overview
//
// PostgreSQL is the system of record for plans, subscriptions, usage counters
// and rate buckets (see the postgres subpackage for the connection manager and
// embedded schema). Redis is optional: when RedisURL is set the quota ledger
// and rate limiter keep their counters there instead. S3 receives JSON-lines
// archives of closed usage periods.
//
//	cfg := storage.DefaultConfig()
//	cfg.PostgresURL = os.Getenv("METERD_POSTGRES_URL")
//	rdb, err := storage.NewRedisClient(ctx, cfg)
package storage
