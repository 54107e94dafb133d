package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/meterd/pkg/app"
	"github.com/platinummonkey/meterd/pkg/config"
	"github.com/platinummonkey/meterd/pkg/jobs"
	"github.com/platinummonkey/meterd/pkg/observability"
	"github.com/platinummonkey/meterd/pkg/storage"
)

var version = "dev"

var (
	runOnce     = flag.Bool("run-once", false, "Run every enabled job once and exit")
	only        = flag.String("job", "", "With -run-once, run only the named job")
	metricsAddr = flag.String("metrics-addr", ":9091", "Address for the Prometheus endpoint, empty to disable")
	jobTimeout  = flag.Duration("job-timeout", 10*time.Minute, "Maximum duration of one job run")
)

type scheduledJob struct {
	schedule string
	job      jobs.Job
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "meterd-worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", "meterd-worker")
	ctx := context.Background()

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	components, err := app.New(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}

	scheduled, err := buildJobs(ctx, cfg, components, logger)
	if err != nil {
		_ = components.Close()
		return err
	}
	runner := jobs.NewRunner(logger, metrics, *jobTimeout)

	if *runOnce {
		defer components.Close()
		var selected []jobs.Job
		for _, s := range scheduled {
			if *only == "" || s.job.Name() == *only {
				selected = append(selected, s.job)
			}
		}
		if len(selected) == 0 {
			return fmt.Errorf("no enabled job named %q", *only)
		}
		return runner.RunAll(ctx, selected...)
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)
	shutdown.Register("datastores", func(context.Context) error { return components.Close() })

	if *metricsAddr != "" {
		srv := &http.Server{Addr: *metricsAddr, Handler: observability.MetricsHandler(registry), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			defer observability.RecoverPanic(logger, "metrics server")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("Metrics server failed")
			}
		}()
		shutdown.Register("metrics server", srv.Shutdown)
	}

	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	for _, s := range scheduled {
		job := s.job
		if _, err := c.AddFunc(s.schedule, func() {
			_ = runner.Run(ctx, job)
		}); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", job.Name(), err)
		}
		logger.WithFields(map[string]interface{}{
			"job":      job.Name(),
			"schedule": s.schedule,
		}).Info("Scheduled job")
	}

	c.Start()
	shutdown.Register("scheduler", func(ctx context.Context) error {
		select {
		case <-c.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	logger.WithField("version", version).Info("meterd-worker started")

	return shutdown.WaitForSignal(ctx)
}

// buildJobs returns the jobs the configuration enables
func buildJobs(ctx context.Context, cfg *config.Config, c *app.Components, logger *observability.Logger) ([]scheduledJob, error) {
	scheduled := []scheduledJob{
		{cfg.Worker.ReplaySchedule, jobs.NewBillingReplay(c.StateMachine, cfg.Billing.ReplayBatchSize, logger)},
	}

	if cfg.RateLimit.Backend == config.BackendPostgres {
		scheduled = append(scheduled, scheduledJob{cfg.Worker.PurgeSchedule, jobs.NewRateBucketPurge(c.Limiter)})
	}

	if cfg.Storage.ArchiveEnabled() {
		s3, err := storage.NewS3Client(ctx, cfg.Storage)
		if err != nil {
			return nil, err
		}
		if err := s3.HealthCheck(ctx); err != nil {
			return nil, fmt.Errorf("archive bucket unreachable: %w", err)
		}
		scheduled = append(scheduled, scheduledJob{
			cfg.Worker.ArchiveSchedule,
			jobs.NewUsageArchiver(c.DB.Primary(), c.Counters, s3, jobs.WithArchiveLogger(logger)),
		})
	} else {
		logger.Info("No archive bucket configured, usage archiving disabled")
	}

	return scheduled, nil
}
