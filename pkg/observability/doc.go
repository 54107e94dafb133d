// Package observability provides structured logging, Prometheus metrics, health
// probes and OpenTelemetry tracing for meterd.
//
// # Structured Logging
//
// Logger wraps logrus with a JSON formatter:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("org_id", orgID).Info("subscription activated")
//
// Request scoped fields travel in the context:
//
//	ctx = observability.WithRequestID(ctx, id)
//	observability.FromContext(ctx).Warn("notification skipped")
//
// # Prometheus Metrics
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.ObserveQuota("reads", observability.OutcomeDenied)
//
// Every Observe helper is safe on a nil *Metrics so components can run
// without a registry in tests.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	observability.RegisterHealthRoutes(router, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, cfg, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
//
// Components create spans with observability.Tracer("quota").
package observability
