package plans

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/platinummonkey/meterd/pkg/apperr"
)

// Store reads and writes plan definitions
type Store interface {
	// Get returns the plan or an apperr.KindNotFound error
	Get(ctx context.Context, id string) (*Plan, error)
	List(ctx context.Context) ([]*Plan, error)
	Upsert(ctx context.Context, plan *Plan) error
}

// PostgresStore keeps plans in the plans table with features and quotas as jsonb
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL plan store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const planColumns = `id, name, description, price_cents, billing_interval, features, monthly_quota,
	COALESCE(stripe_price_id, ''), schema_version`

// Get returns a plan by id
func (s *PostgresStore) Get(ctx context.Context, id string) (*Plan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id)

	plan, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "plans.get", fmt.Sprintf("plan %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan %s: %w", id, err)
	}
	return plan, nil
}

// List returns all plans ordered by price
func (s *PostgresStore) List(ctx context.Context) ([]*Plan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+planColumns+` FROM plans ORDER BY price_cents, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var out []*Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		out = append(out, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate plans: %w", err)
	}
	return out, nil
}

// Upsert inserts or replaces a plan definition
func (s *PostgresStore) Upsert(ctx context.Context, plan *Plan) error {
	features, err := json.Marshal(plan.Features)
	if err != nil {
		return fmt.Errorf("failed to marshal features: %w", err)
	}
	quota, err := json.Marshal(plan.MonthlyQuota)
	if err != nil {
		return fmt.Errorf("failed to marshal monthly quota: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plans (id, name, description, price_cents, billing_interval, features, monthly_quota, stripe_price_id, schema_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			price_cents = EXCLUDED.price_cents,
			billing_interval = EXCLUDED.billing_interval,
			features = EXCLUDED.features,
			monthly_quota = EXCLUDED.monthly_quota,
			stripe_price_id = EXCLUDED.stripe_price_id,
			schema_version = EXCLUDED.schema_version,
			updated_at = NOW()
	`, plan.ID, plan.Name, plan.Description, plan.PriceCents, string(plan.Interval),
		features, quota, plan.StripePriceID, plan.SchemaVersion)
	if err != nil {
		return fmt.Errorf("failed to upsert plan %s: %w", plan.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPlan(row rowScanner) (*Plan, error) {
	var (
		plan     Plan
		interval string
		features []byte
		quota    []byte
	)
	if err := row.Scan(&plan.ID, &plan.Name, &plan.Description, &plan.PriceCents, &interval,
		&features, &quota, &plan.StripePriceID, &plan.SchemaVersion); err != nil {
		return nil, err
	}
	plan.Interval = Interval(interval)

	if len(features) > 0 {
		if err := json.Unmarshal(features, &plan.Features); err != nil {
			return nil, fmt.Errorf("plan %s: malformed features: %w", plan.ID, err)
		}
	}
	if len(quota) > 0 {
		if err := json.Unmarshal(quota, &plan.MonthlyQuota); err != nil {
			return nil, fmt.Errorf("plan %s: malformed monthly_quota: %w", plan.ID, err)
		}
	}
	plan.normalize()
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("stored plan failed validation: %w", err)
	}
	return &plan, nil
}
