// Package jobs holds the maintenance work run by meterd-worker.
//
//	purge_rate_buckets     delete closed rate limit windows (Postgres backend)
//	archive_usage          copy closed-period usage counters to S3 as JSON lines
//	replay_billing_events  finish billing notifications left pending by a failure
//
// Every job is safe to run repeatedly and from more than one worker.
package jobs
