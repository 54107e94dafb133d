package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/platinummonkey/meterd/pkg/api"
	"github.com/platinummonkey/meterd/pkg/app"
	"github.com/platinummonkey/meterd/pkg/config"
	"github.com/platinummonkey/meterd/pkg/middleware"
	"github.com/platinummonkey/meterd/pkg/observability"
	"github.com/platinummonkey/meterd/pkg/plans"
)

var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "meterd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", "meterd")
	ctx := context.Background()

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: version,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	components, err := app.New(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)
	shutdown.Register("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders, logger)
	})
	shutdown.Register("datastores", func(context.Context) error {
		return components.Close()
	})

	if err := components.SyncCatalog(ctx, cfg.Plans.CatalogPath); err != nil {
		_ = shutdown.Shutdown()
		return fmt.Errorf("failed to sync plan catalog: %w", err)
	}
	if cfg.Plans.Watch {
		watcher := plans.NewWatcher(cfg.Plans.CatalogPath, components.PlanStore, components.Plans, logger)
		if err := watcher.Start(); err != nil {
			_ = shutdown.Shutdown()
			return err
		}
		shutdown.Register("plan watcher", func(context.Context) error {
			return watcher.Stop()
		})
	}

	healthCtx, stopHealth := context.WithCancel(ctx)
	components.DB.StartHealthCheckRoutine(healthCtx, 30*time.Second)
	shutdown.Register("replica health", func(context.Context) error {
		stopHealth()
		return nil
	})

	deps := api.Dependencies{
		Resolver:      components.Resolver,
		Ledger:        components.Ledger,
		Limiter:       components.Limiter,
		Checkout:      components.Checkout,
		Subscriptions: components.Manage,
		Notifications: components.StateMachine,
		Health:        observability.NewHealthChecker(components.DB.Primary(), components.Redis, version),
	}
	if cfg.Observability.MetricsEnabled {
		deps.Gatherer = registry
	}

	server := api.NewServer(deps, api.Options{
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		APIRateLimit: middleware.RateLimitConfig{
			Bucket: "api",
			Limit:  cfg.RateLimit.APILimit,
			Window: cfg.RateLimit.APIWindow,
		},
		CheckoutRateLimit: middleware.RateLimitConfig{
			Bucket: "checkout",
			Limit:  cfg.RateLimit.CheckoutLimit,
			Window: cfg.RateLimit.CheckoutWindow,
		},
		FailOpen: cfg.RateLimit.FailOpen,
	}, logger, metrics)

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	shutdown.Register("http server", httpServer.Shutdown)

	serveErr := make(chan error, 1)
	go func() {
		logger.WithFields(map[string]interface{}{
			"addr":              httpServer.Addr,
			"version":           version,
			"ledger_backend":    cfg.Ledger.Backend,
			"ratelimit_backend": cfg.RateLimit.Backend,
		}).Info("Starting meterd")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := <-serveErr; err != nil {
			logger.WithError(err).Error("HTTP server failed")
			cancel()
		}
	}()

	return shutdown.WaitForSignal(waitCtx)
}
