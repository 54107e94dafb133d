// Package app assembles the metering and billing components from
// configuration. Both binaries build on it.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/meterd/pkg/billing"
	"github.com/platinummonkey/meterd/pkg/config"
	"github.com/platinummonkey/meterd/pkg/observability"
	"github.com/platinummonkey/meterd/pkg/plans"
	"github.com/platinummonkey/meterd/pkg/quota"
	"github.com/platinummonkey/meterd/pkg/ratelimit"
	"github.com/platinummonkey/meterd/pkg/storage"
	"github.com/platinummonkey/meterd/pkg/storage/postgres"
)

// Components are the wired services sharing one set of datastore connections
type Components struct {
	DB    *postgres.ConnectionManager
	Redis *redis.Client

	Plans         *plans.CachedStore
	PlanStore     *plans.PostgresStore
	Subscriptions *billing.PostgresStore
	Counters      quota.Store

	Resolver     *billing.Resolver
	Ledger       *quota.Ledger
	Limiter      *ratelimit.Limiter
	StateMachine *billing.StateMachine
	Checkout     *billing.CheckoutService
	Manage       *billing.ManageService
}

// New opens the datastores, applies migrations and builds every component.
// Close releases what New opened.
func New(ctx context.Context, cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics) (*Components, error) {
	db, err := postgres.NewConnectionManager(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	ran, err := postgres.Migrate(ctx, db.Primary())
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	if len(ran) > 0 {
		logger.WithField("migrations", ran).Info("Applied schema migrations")
	}

	var rdb *redis.Client
	if cfg.Storage.RedisEnabled() {
		rdb, err = storage.NewRedisClient(ctx, cfg.Storage)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
	}

	c, err := Build(cfg, db, rdb, logger, metrics)
	if err != nil {
		_ = (&Components{DB: db, Redis: rdb}).Close()
		return nil, err
	}
	return c, nil
}

// Build wires the components onto open connections. rdb may be nil when
// neither counter backend is redis.
func Build(cfg *config.Config, db *postgres.ConnectionManager, rdb *redis.Client,
	logger *observability.Logger, metrics *observability.Metrics) (*Components, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if rdb == nil && (cfg.Ledger.Backend == config.BackendRedis || cfg.RateLimit.Backend == config.BackendRedis) {
		return nil, fmt.Errorf("redis backend selected without a redis client")
	}
	c := &Components{DB: db, Redis: rdb}

	c.PlanStore = plans.NewPostgresStore(db.Primary())
	c.Plans = plans.NewCachedStore(c.PlanStore, cfg.Plans.CacheSize, cfg.Plans.CacheTTL, metrics)
	c.Subscriptions = billing.NewPostgresStore(db.Primary())
	c.Resolver = billing.NewResolver(c.Subscriptions, c.Plans, logger)

	switch cfg.Ledger.Backend {
	case config.BackendRedis:
		c.Counters = quota.NewRedisStore(c.Redis, cfg.Ledger.RedisRetention)
	default:
		c.Counters = quota.NewPostgresStore(db.Primary(), db.Replica())
	}
	c.Ledger = quota.NewLedger(c.Resolver, c.Counters,
		quota.WithLogger(logger),
		quota.WithMetrics(metrics),
		quota.WithBackendName(cfg.Ledger.Backend),
	)

	var buckets ratelimit.Store
	switch cfg.RateLimit.Backend {
	case config.BackendRedis:
		buckets = ratelimit.NewRedisStore(c.Redis)
	default:
		buckets = ratelimit.NewPostgresStore(db.Primary())
	}
	c.Limiter = ratelimit.NewLimiter(buckets,
		ratelimit.WithLogger(logger),
		ratelimit.WithMetrics(metrics),
		ratelimit.WithBackendName(cfg.RateLimit.Backend),
	)

	if cfg.Billing.StripeSecretKey == "" {
		logger.Warn("No Stripe key configured, checkout and subscription changes will fail")
	}
	provider := billing.NewStripeProvider(cfg.Billing.StripeSecretKey, cfg.Billing.StripeWebhookSecret,
		billing.WithAutomaticTax(cfg.Billing.AutomaticTax))

	c.StateMachine = billing.NewStateMachine(provider, c.Subscriptions,
		billing.WithStateLogger(logger),
		billing.WithStateMetrics(metrics),
		billing.WithEventOrdering(cfg.Billing.EnforceEventOrder),
		billing.WithReplayConcurrency(cfg.Billing.ReplayConcurrency),
	)
	c.Checkout = billing.NewCheckoutService(c.Plans, c.Subscriptions, provider, cfg.Billing.PublicBaseURL, logger, metrics)
	c.Manage = billing.NewManageService(c.Plans, c.Subscriptions, provider, logger)

	return c, nil
}

// SyncCatalog loads the configured plan catalog into the plans table. It is
// a no-op when no catalog path is configured.
func (c *Components) SyncCatalog(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	cat, err := plans.LoadCatalog(path)
	if err != nil {
		return err
	}
	if err := plans.SyncCatalog(ctx, c.PlanStore, cat); err != nil {
		return err
	}
	c.Plans.Purge()
	return nil
}

// Close releases the datastore connections
func (c *Components) Close() error {
	var errs []error
	if c.Redis != nil {
		errs = append(errs, c.Redis.Close())
	}
	if c.DB != nil {
		errs = append(errs, c.DB.Close())
	}
	return errors.Join(errs...)
}
