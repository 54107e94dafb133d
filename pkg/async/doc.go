// Package async provides safe concurrent execution primitives for background
// work.
//
// SafeGo and Run execute a task with a timeout and panic recovery, logging
// failures instead of crashing the process. The worker binary runs every
// scheduled job through them.
//
//	async.SafeGo(ctx, logger, time.Minute, "replay billing events", job.Run)
//
// Batch fans a slice out to a bounded number of goroutines and collects the
// errors of every item:
//
//	errs := async.Batch(ctx, groups, 8, time.Minute, func(ctx context.Context, g group) error {
//		return process(ctx, g)
//	})
package async
