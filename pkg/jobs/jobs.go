package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/meterd/pkg/async"
	"github.com/platinummonkey/meterd/pkg/observability"
)

// Job is one unit of scheduled maintenance work
type Job interface {
	Name() string
	// Run returns how many items it handled
	Run(ctx context.Context) (int, error)
}

// Runner executes jobs with a timeout, panic recovery and job metrics
type Runner struct {
	logger  *observability.Logger
	metrics *observability.Metrics
	timeout time.Duration
}

// NewRunner creates a Runner. metrics may be nil.
func NewRunner(logger *observability.Logger, metrics *observability.Metrics, timeout time.Duration) *Runner {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Runner{logger: logger, metrics: metrics, timeout: timeout}
}

// Run executes one job and records its outcome
func (r *Runner) Run(ctx context.Context, job Job) error {
	logger := r.logger.WithField("job", job.Name())
	start := time.Now()

	var items int
	err := async.Run(ctx, logger, r.timeout, job.Name(), func(ctx context.Context) error {
		var err error
		items, err = job.Run(ctx)
		return err
	})
	r.metrics.ObserveJob(job.Name(), items, err)

	if err != nil {
		return err
	}
	logger.WithFields(map[string]interface{}{
		"items":       items,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Job completed")
	return nil
}

// RunAll executes jobs in order. A failing job does not stop the rest.
func (r *Runner) RunAll(ctx context.Context, jobs ...Job) error {
	var errs []error
	for _, job := range jobs {
		if err := r.Run(ctx, job); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
