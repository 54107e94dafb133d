package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/meterd/pkg/observability"
	"github.com/platinummonkey/meterd/pkg/storage"
)

// Counter backends for the ledger and limiter
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       storage.Config
	Ledger        LedgerConfig
	RateLimit     RateLimitConfig
	Billing       BillingConfig
	Plans         PlansConfig
	Worker        WorkerConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// MaxBodyBytes caps request bodies, including provider notifications
	MaxBodyBytes int64
}

// LedgerConfig selects where usage counters live
type LedgerConfig struct {
	Backend string
	// RedisRetention keeps a closed period's Redis counter this long after the
	// period ends so it can still be reported and archived.
	RedisRetention time.Duration
}

// RateLimitConfig configures the rate limiter and its HTTP middleware
type RateLimitConfig struct {
	Backend string
	// FailOpen admits requests in the HTTP middleware when the datastore is down.
	// Limiter.Check itself always reports the failure as unavailable.
	FailOpen bool

	// Default per-org bucket applied to every API route
	APILimit  int64
	APIWindow time.Duration

	// Bucket guarding checkout session creation
	CheckoutLimit  int64
	CheckoutWindow time.Duration
}

// BillingConfig holds payments provider settings
type BillingConfig struct {
	StripeSecretKey     string
	StripeWebhookSecret string
	// PublicBaseURL is used to derive default checkout success/cancel URLs
	PublicBaseURL string
	// EnforceEventOrder drops notifications older than the last one applied
	// to the same subscription. Off by default (last write wins).
	EnforceEventOrder bool
	// AutomaticTax asks the provider to compute tax on checkout sessions
	AutomaticTax      bool
	ReplayBatchSize   int
	ReplayConcurrency int
}

// PlansConfig configures the plan catalog and cache
type PlansConfig struct {
	CatalogPath string
	Watch       bool
	CacheTTL    time.Duration
	CacheSize   int
}

// WorkerConfig holds cron schedules for maintenance jobs
type WorkerConfig struct {
	PurgeSchedule   string
	ArchiveSchedule string
	ReplaySchedule  string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Ledger:        loadLedgerConfig(),
		RateLimit:     loadRateLimitConfig(),
		Billing:       loadBillingConfig(),
		Plans:         loadPlansConfig(),
		Worker:        loadWorkerConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("METERD_HOST", "0.0.0.0"),
		Port:            getEnv("METERD_PORT", "8080"),
		ReadTimeout:     getEnvDuration("METERD_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("METERD_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("METERD_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("METERD_SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxBodyBytes:    getEnvInt64("METERD_MAX_BODY_BYTES", 1<<20),
	}
}

func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	cfg.PostgresURL = getEnv("METERD_POSTGRES_URL", cfg.PostgresURL)
	cfg.PostgresReplicaURLs = getEnv("METERD_POSTGRES_REPLICA_URLS", cfg.PostgresReplicaURLs)
	if maxConns := getEnvInt("METERD_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("METERD_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	cfg.PostgresTimeout = getEnvDuration("METERD_POSTGRES_TIMEOUT", cfg.PostgresTimeout)

	cfg.RedisURL = getEnv("METERD_REDIS_URL", cfg.RedisURL)
	cfg.RedisPassword = getEnv("METERD_REDIS_PASSWORD", cfg.RedisPassword)
	if redisDB := getEnvInt("METERD_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if retries := getEnvInt("METERD_REDIS_MAX_RETRIES", 0); retries > 0 {
		cfg.RedisMaxRetries = retries
	}
	if poolSize := getEnvInt("METERD_REDIS_POOL_SIZE", 0); poolSize > 0 {
		cfg.RedisPoolSize = poolSize
	}

	cfg.S3Endpoint = getEnv("METERD_S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3Region = getEnv("METERD_S3_REGION", cfg.S3Region)
	cfg.S3Bucket = getEnv("METERD_S3_BUCKET", cfg.S3Bucket)
	cfg.S3AccessKey = getEnv("METERD_S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = getEnv("METERD_S3_SECRET_KEY", cfg.S3SecretKey)
	cfg.S3UsePathStyle = getEnvBool("METERD_S3_USE_PATH_STYLE", cfg.S3UsePathStyle)
	cfg.S3Prefix = getEnv("METERD_S3_PREFIX", cfg.S3Prefix)

	return cfg
}

func loadLedgerConfig() LedgerConfig {
	return LedgerConfig{
		Backend:        strings.ToLower(getEnv("METERD_LEDGER_BACKEND", BackendPostgres)),
		RedisRetention: getEnvDuration("METERD_LEDGER_REDIS_RETENTION", 90*24*time.Hour),
	}
}

func loadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Backend:        strings.ToLower(getEnv("METERD_RATELIMIT_BACKEND", BackendPostgres)),
		FailOpen:       getEnvBool("METERD_RATELIMIT_FAIL_OPEN", false),
		APILimit:       getEnvInt64("METERD_RATELIMIT_API_LIMIT", 600),
		APIWindow:      getEnvDuration("METERD_RATELIMIT_API_WINDOW", time.Minute),
		CheckoutLimit:  getEnvInt64("METERD_RATELIMIT_CHECKOUT_LIMIT", 5),
		CheckoutWindow: getEnvDuration("METERD_RATELIMIT_CHECKOUT_WINDOW", time.Minute),
	}
}

func loadBillingConfig() BillingConfig {
	return BillingConfig{
		StripeSecretKey:     getEnv("METERD_STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("METERD_STRIPE_WEBHOOK_SECRET", ""),
		PublicBaseURL:       strings.TrimRight(getEnv("METERD_PUBLIC_BASE_URL", "http://localhost:3000"), "/"),
		EnforceEventOrder:   getEnvBool("METERD_BILLING_ENFORCE_EVENT_ORDER", false),
		AutomaticTax:        getEnvBool("METERD_BILLING_AUTOMATIC_TAX", false),
		ReplayBatchSize:     getEnvInt("METERD_BILLING_REPLAY_BATCH_SIZE", 500),
		ReplayConcurrency:   getEnvInt("METERD_BILLING_REPLAY_CONCURRENCY", 8),
	}
}

func loadPlansConfig() PlansConfig {
	return PlansConfig{
		CatalogPath: getEnv("METERD_PLANS_CATALOG", ""),
		Watch:       getEnvBool("METERD_PLANS_WATCH", false),
		CacheTTL:    getEnvDuration("METERD_PLANS_CACHE_TTL", time.Minute),
		CacheSize:   getEnvInt("METERD_PLANS_CACHE_SIZE", 256),
	}
}

func loadWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PurgeSchedule:   getEnv("METERD_WORKER_PURGE_SCHEDULE", "*/5 * * * *"),
		ArchiveSchedule: getEnv("METERD_WORKER_ARCHIVE_SCHEDULE", "15 2 * * *"),
		ReplaySchedule:  getEnv("METERD_WORKER_REPLAY_SCHEDULE", "*/10 * * * *"),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("METERD_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("METERD_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("METERD_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("METERD_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("METERD_OTEL_SERVICE_NAME", "meterd"),
		OTelServiceVersion: getEnv("METERD_OTEL_SERVICE_VERSION", "dev"),
		OTelInsecure:       getEnvBool("METERD_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("METERD_OTEL_SAMPLE_RATIO", 1),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Storage.PostgresURL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	for name, backend := range map[string]string{"ledger": c.Ledger.Backend, "rate limit": c.RateLimit.Backend} {
		switch backend {
		case BackendPostgres:
		case BackendRedis:
			if !c.Storage.RedisEnabled() {
				return fmt.Errorf("redis URL is required for the %s redis backend", name)
			}
		default:
			return fmt.Errorf("invalid %s backend: %s (must be postgres or redis)", name, backend)
		}
	}

	if c.RateLimit.APILimit < 0 || c.RateLimit.CheckoutLimit < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	if c.RateLimit.APIWindow <= 0 || c.RateLimit.CheckoutWindow <= 0 {
		return fmt.Errorf("rate limit windows must be positive")
	}

	if c.Billing.StripeSecretKey != "" && c.Billing.StripeWebhookSecret == "" {
		return fmt.Errorf("stripe webhook secret is required when a stripe key is configured")
	}

	if c.Plans.Watch && c.Plans.CatalogPath == "" {
		return fmt.Errorf("plan catalog path is required when watching is enabled")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
