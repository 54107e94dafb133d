package async

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/meterd/pkg/observability"
)

// SafeGo executes fn in a goroutine with a timeout, panic recovery and
// error logging. Use it instead of a bare `go func()` for work that must not
// crash the process.
//
// Example:
//
//	async.SafeGo(ctx, logger, 10*time.Minute, "purge rate buckets", func(ctx context.Context) error {
//	    _, err := limiter.Purge(ctx)
//	    return err
//	})
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		_ = Run(parentCtx, logger, timeout, taskName, fn)
	}()
}

// Run is the synchronous form of SafeGo. A panic in fn is recovered, logged
// and returned as an error.
func Run(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) (err error) {
	ctx, cancel := context.WithTimeout(parentCtx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = observability.PanicError(r)
			logger.WithField("task", taskName).
				WithField("panic", fmt.Sprint(r)).
				Error("PANIC in background task")
		}
	}()

	if err = fn(ctx); err != nil {
		logger.WithError(err).WithField("task", taskName).Warn("Background task failed")
	}
	return err
}

// Batch processes items concurrently with at most workers goroutines.
// Every item runs to completion even when others fail, and a panicking item
// is reported as an error. Errors are returned in no particular order.
//
// Example:
//
//	errs := async.Batch(ctx, groups, 8, time.Minute, func(ctx context.Context, g eventGroup) error {
//	    return sm.applyGroup(ctx, g)
//	})
func Batch[T any](ctx context.Context, items []T, workers int, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	if workers <= 0 {
		workers = 1
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for _, item := range items {
		if ctx.Err() != nil {
			record(ctx.Err())
			break
		}
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					record(observability.PanicError(r))
				}
			}()

			itemCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := fn(itemCtx, item); err != nil {
				record(err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return errs
}
