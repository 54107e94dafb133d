package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/platinummonkey/meterd/pkg/observability"
	"github.com/platinummonkey/meterd/pkg/storage"
)

// ConnectionManager manages PostgreSQL primary and read replica connections.
// All admission and state machine writes go to the primary. Replicas serve
// reads that tolerate lag: usage reports and archives of closed periods.
type ConnectionManager struct {
	primary  *sql.DB
	replicas []*sql.DB
	current  uint32
	mu       sync.RWMutex
	cfg      storage.Config
	logger   *observability.Logger
}

// NewConnectionManager opens and pings the primary, then any reachable replicas
func NewConnectionManager(ctx context.Context, cfg storage.Config, logger *observability.Logger) (*ConnectionManager, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	primary, err := open(ctx, cfg.PostgresURL, cfg, cfg.PostgresMaxConns)
	if err != nil {
		return nil, fmt.Errorf("failed to open primary: %w", err)
	}

	cm := &ConnectionManager{
		primary: primary,
		cfg:     cfg,
		logger:  logger,
	}

	for i, url := range cfg.ReplicaURLs() {
		replica, err := open(ctx, url, cfg, replicaPoolSize(cfg.PostgresMaxConns))
		if err != nil {
			// Replicas are optional; reads fall back to the primary
			logger.WithError(err).WithField("replica", i).Warn("Skipping unreachable replica")
			continue
		}
		cm.replicas = append(cm.replicas, replica)
	}

	logger.WithField("replicas", len(cm.replicas)).Info("Postgres connection manager initialized")
	return cm, nil
}

// NewConnectionManagerFromDB wraps an already opened primary. Used by tests
// and by callers that manage the pool themselves.
func NewConnectionManagerFromDB(primary *sql.DB, replicas ...*sql.DB) *ConnectionManager {
	return &ConnectionManager{
		primary:  primary,
		replicas: replicas,
		logger:   observability.NopLogger(),
	}
}

func open(ctx context.Context, url string, cfg storage.Config, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(cfg.PostgresMinConns)
	db.SetConnMaxLifetime(cfg.PostgresMaxLifetime)
	db.SetConnMaxIdleTime(cfg.PostgresMaxIdleTime)

	timeout := cfg.PostgresTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}
	return db, nil
}

func replicaPoolSize(primaryMax int) int {
	if n := primaryMax / 2; n >= 2 {
		return n
	}
	return 2
}

// Primary returns the primary database connection
func (cm *ConnectionManager) Primary() *sql.DB {
	return cm.primary
}

// Replica returns a read replica using round-robin selection.
// Falls back to primary if no replicas are available.
func (cm *ConnectionManager) Replica() *sql.DB {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if len(cm.replicas) == 0 {
		return cm.primary
	}

	index := atomic.AddUint32(&cm.current, 1)
	return cm.replicas[int(index%uint32(len(cm.replicas)))]
}

// RemoveUnhealthyReplicas closes and drops replicas that fail a ping
func (cm *ConnectionManager) RemoveUnhealthyReplicas(ctx context.Context) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	healthy := make([]*sql.DB, 0, len(cm.replicas))
	removed := 0
	for _, replica := range cm.replicas {
		if err := replica.PingContext(ctx); err != nil {
			_ = replica.Close()
			removed++
			continue
		}
		healthy = append(healthy, replica)
	}

	cm.replicas = healthy
	return removed
}

// StartHealthCheckRoutine periodically drops unhealthy replicas until ctx is done
func (cm *ConnectionManager) StartHealthCheckRoutine(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	go func() {
		defer observability.RecoverPanic(cm.logger, "replica health check")

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				if removed := cm.RemoveUnhealthyReplicas(checkCtx); removed > 0 {
					cm.logger.WithField("removed", removed).Warn("Removed unhealthy replicas")
				}
				cancel()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close closes all database connections
func (cm *ConnectionManager) Close() error {
	var errs []error

	if err := cm.primary.Close(); err != nil {
		errs = append(errs, fmt.Errorf("primary: %w", err))
	}

	cm.mu.Lock()
	replicas := cm.replicas
	cm.replicas = nil
	cm.mu.Unlock()

	for i, replica := range replicas {
		if err := replica.Close(); err != nil {
			errs = append(errs, fmt.Errorf("replica-%d: %w", i, err))
		}
	}

	return errors.Join(errs...)
}
