package storage

import (
	"strings"
	"time"
)

// Config holds datastore connection settings shared by the server and worker
type Config struct {
	// PostgreSQL config
	PostgresURL         string
	PostgresReplicaURLs string // Comma separated
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration
	PostgresMaxLifetime time.Duration
	PostgresMaxIdleTime time.Duration

	// Redis config. Empty RedisURL keeps all counters in Postgres.
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int

	// S3 config for the usage archive
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
	S3Prefix       string
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		PostgresMaxConns:    20,
		PostgresMinConns:    2,
		PostgresTimeout:     10 * time.Second,
		PostgresMaxLifetime: 30 * time.Minute,
		PostgresMaxIdleTime: 5 * time.Minute,
		RedisDB:             0,
		RedisMaxRetries:     3,
		RedisPoolSize:       10,
		S3Region:            "us-east-1",
		S3Prefix:            "usage-archive",
	}
}

// RedisEnabled reports whether counters should be kept in Redis
func (c Config) RedisEnabled() bool {
	return strings.TrimSpace(c.RedisURL) != ""
}

// ArchiveEnabled reports whether closed periods can be archived to S3
func (c Config) ArchiveEnabled() bool {
	return strings.TrimSpace(c.S3Bucket) != ""
}

// ReplicaURLs parses the comma-separated list of replica URLs
func (c Config) ReplicaURLs() []string {
	if c.PostgresReplicaURLs == "" {
		return nil
	}

	parts := strings.Split(c.PostgresReplicaURLs, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
