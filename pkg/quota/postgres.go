package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore keeps counters in the usage_counters table
type PostgresStore struct {
	db *sql.DB
	// reader serves usage reports and archive reads; defaults to db
	reader *sql.DB
}

// NewPostgresStore creates a counter store. reader may be a replica handle or nil.
func NewPostgresStore(db, reader *sql.DB) *PostgresStore {
	if reader == nil {
		reader = db
	}
	return &PostgresStore{db: db, reader: reader}
}

// The WHERE on the insert path rejects a first request larger than the limit,
// and the WHERE on the update path rejects any increment that would overflow.
// In both cases no row is returned.
const incrementCappedSQL = `
	INSERT INTO usage_counters (org_id, metric, period_start, count)
	SELECT $1, $2, $3::timestamptz, $4::bigint WHERE $4::bigint <= $5::bigint
	ON CONFLICT (org_id, metric, period_start) DO UPDATE
		SET count = usage_counters.count + EXCLUDED.count, updated_at = NOW()
		WHERE usage_counters.count + EXCLUDED.count <= $5::bigint
	RETURNING count`

const incrementSQL = `
	INSERT INTO usage_counters (org_id, metric, period_start, count)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (org_id, metric, period_start) DO UPDATE
		SET count = usage_counters.count + EXCLUDED.count, updated_at = NOW()
	RETURNING count`

const currentSQL = `
	SELECT count FROM usage_counters
	WHERE org_id = $1 AND metric = $2 AND period_start = $3`

// IncrementCapped performs the conditional increment as one statement
func (s *PostgresStore) IncrementCapped(ctx context.Context, key CounterKey, amount, limit int64) (bool, int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, incrementCappedSQL,
		key.OrgID, key.Metric, key.PeriodStart.UTC(), amount, limit,
	).Scan(&count)
	if err == nil {
		return true, count, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, 0, fmt.Errorf("failed to increment usage counter: %w", err)
	}

	// Rejected. Report the count from the primary so it reflects the write
	// that caused the rejection.
	current, err := current(ctx, s.db, key)
	if err != nil {
		return false, 0, err
	}
	return false, current, nil
}

// Increment adds amount without a cap
func (s *PostgresStore) Increment(ctx context.Context, key CounterKey, amount int64) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, incrementSQL,
		key.OrgID, key.Metric, key.PeriodStart.UTC(), amount,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to increment usage counter: %w", err)
	}
	return count, nil
}

// Current reads a counter from the reader handle
func (s *PostgresStore) Current(ctx context.Context, key CounterKey) (int64, error) {
	return current(ctx, s.reader, key)
}

func current(ctx context.Context, db *sql.DB, key CounterKey) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, currentSQL, key.OrgID, key.Metric, key.PeriodStart.UTC()).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read usage counter: %w", err)
	}
	return count, nil
}

// ListPeriod returns all counters of a period ordered by org and metric
func (s *PostgresStore) ListPeriod(ctx context.Context, periodStart time.Time) ([]Counter, error) {
	rows, err := s.reader.QueryContext(ctx, `
		SELECT org_id, metric, period_start, count FROM usage_counters
		WHERE period_start = $1
		ORDER BY org_id, metric`, periodStart.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list usage counters: %w", err)
	}
	defer rows.Close()

	var counters []Counter
	for rows.Next() {
		var c Counter
		if err := rows.Scan(&c.OrgID, &c.Metric, &c.PeriodStart, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan usage counter: %w", err)
		}
		counters = append(counters, c)
	}
	return counters, rows.Err()
}
