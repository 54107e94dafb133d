//go:build integration

// Package pgtest starts a migrated PostgreSQL container for integration tests.
package pgtest

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/platinummonkey/meterd/pkg/storage/postgres"
)

// Setup starts PostgreSQL, applies the embedded migrations and registers
// cleanup on t. Tests are skipped when no container runtime is available.
func Setup(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("Docker/Podman not available, skipping integration tests")
	}
	provider.Close()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("meterd_test"),
		tcpostgres.WithUsername("meterd"),
		tcpostgres.WithPassword("meterd_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	db.SetMaxOpenConns(50)
	require.NoError(t, db.PingContext(ctx))

	_, err = postgres.Migrate(ctx, db)
	require.NoError(t, err, "Failed to run migrations")

	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("Warning: Failed to close database: %v", err)
		}
		// fresh context: the test context may already be cancelled
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})

	return db
}
