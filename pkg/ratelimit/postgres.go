package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore keeps window counters in the rate_buckets table
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres bucket store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Hit upserts the bucket and increments it in one statement
func (s *PostgresStore) Hit(ctx context.Context, key BucketKey, expiresAt time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO rate_buckets (key, bucket, window_seconds, window_start, count, expires_at)
		VALUES ($1, $2, $3, $4, 1, $5)
		ON CONFLICT (key, bucket, window_seconds, window_start) DO UPDATE
			SET count = rate_buckets.count + 1
		RETURNING count`,
		key.Key, key.Bucket, int64(key.Window/time.Second), key.WindowStart.UTC(), expiresAt.UTC(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to increment rate bucket: %w", err)
	}
	return count, nil
}

// Purge deletes expired buckets
func (s *PostgresStore) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_buckets WHERE expires_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge rate buckets: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged rate buckets: %w", err)
	}
	return n, nil
}
