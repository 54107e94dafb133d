package config

import (
	"testing"
	"time"

	"github.com/platinummonkey/meterd/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("METERD_TEST_STR", "custom")
	t.Setenv("METERD_TEST_BOOL", "1")
	t.Setenv("METERD_TEST_INT", "42")
	t.Setenv("METERD_TEST_BAD_INT", "x")
	t.Setenv("METERD_TEST_DUR", "90s")
	t.Setenv("METERD_TEST_FLOAT", "0.5")

	assert.Equal(t, "custom", getEnv("METERD_TEST_STR", "default"))
	assert.Equal(t, "default", getEnv("METERD_TEST_UNSET", "default"))
	assert.True(t, getEnvBool("METERD_TEST_BOOL", false))
	assert.True(t, getEnvBool("METERD_TEST_UNSET", true))
	assert.Equal(t, 42, getEnvInt("METERD_TEST_INT", 0))
	assert.Equal(t, 7, getEnvInt("METERD_TEST_BAD_INT", 7))
	assert.Equal(t, int64(42), getEnvInt64("METERD_TEST_INT", 0))
	assert.Equal(t, 90*time.Second, getEnvDuration("METERD_TEST_DUR", 0))
	assert.Equal(t, 0.5, getEnvFloat("METERD_TEST_FLOAT", 1))
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("METERD_POSTGRES_URL", "postgres://localhost/meterd")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, BackendPostgres, cfg.Ledger.Backend)
	assert.Equal(t, BackendPostgres, cfg.RateLimit.Backend)
	assert.False(t, cfg.RateLimit.FailOpen)
	assert.Equal(t, int64(5), cfg.RateLimit.CheckoutLimit)
	assert.Equal(t, time.Minute, cfg.RateLimit.CheckoutWindow)
	assert.False(t, cfg.Billing.EnforceEventOrder)
	assert.Equal(t, "http://localhost:3000", cfg.Billing.PublicBaseURL)
	assert.Equal(t, observability.InfoLevel, cfg.Observability.LogLevel)
	assert.Equal(t, 20, cfg.Storage.PostgresMaxConns)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("METERD_POSTGRES_URL", "postgres://localhost/meterd")
	t.Setenv("METERD_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("METERD_LEDGER_BACKEND", "Redis")
	t.Setenv("METERD_PUBLIC_BASE_URL", "https://app.example.com/")
	t.Setenv("METERD_BILLING_ENFORCE_EVENT_ORDER", "true")
	t.Setenv("METERD_LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, BackendRedis, cfg.Ledger.Backend)
	assert.Equal(t, "https://app.example.com", cfg.Billing.PublicBaseURL)
	assert.True(t, cfg.Billing.EnforceEventOrder)
	assert.Equal(t, observability.DebugLevel, cfg.Observability.LogLevel)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:  ServerConfig{Port: "8080"},
			Storage: loadStorageConfig(),
			Ledger:  LedgerConfig{Backend: BackendPostgres},
			RateLimit: RateLimitConfig{
				Backend:        BackendPostgres,
				APILimit:       10,
				APIWindow:      time.Minute,
				CheckoutLimit:  5,
				CheckoutWindow: time.Minute,
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing port", mutate: func(c *Config) { c.Server.Port = "" }, wantErr: "server port"},
		{name: "missing postgres", mutate: func(c *Config) { c.Storage.PostgresURL = "" }, wantErr: "postgres URL"},
		{name: "unknown backend", mutate: func(c *Config) { c.Ledger.Backend = "memory" }, wantErr: "invalid ledger backend"},
		{name: "redis backend without url", mutate: func(c *Config) { c.RateLimit.Backend = BackendRedis }, wantErr: "redis URL"},
		{name: "zero window", mutate: func(c *Config) { c.RateLimit.APIWindow = 0 }, wantErr: "windows must be positive"},
		{
			name:    "stripe key without webhook secret",
			mutate:  func(c *Config) { c.Billing.StripeSecretKey = "sk_test_x" },
			wantErr: "webhook secret",
		},
		{name: "watch without path", mutate: func(c *Config) { c.Plans.Watch = true }, wantErr: "catalog path"},
		{
			name:    "otel without endpoint",
			mutate:  func(c *Config) { c.Observability.OTelEnabled = true; c.Observability.OTelServiceName = "x" },
			wantErr: "endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			cfg.Storage.PostgresURL = "postgres://localhost/meterd"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
