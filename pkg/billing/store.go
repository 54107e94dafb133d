package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/meterd/pkg/apperr"
)

// Store persists subscriptions and received provider events
type Store interface {
	// GetActiveByOrg returns the org's active subscription or KindNotFound
	GetActiveByOrg(ctx context.Context, orgID string) (*Subscription, error)
	// GetLatestByOrg returns the org's most recently created subscription in
	// any status, or KindNotFound
	GetLatestByOrg(ctx context.Context, orgID string) (*Subscription, error)
	Activate(ctx context.Context, a Activation) (WriteResult, error)
	ApplyUpdate(ctx context.Context, u Update) (WriteResult, error)

	// RecordEvent stores a verified notification. It reports whether the
	// event id had already been processed.
	RecordEvent(ctx context.Context, n Notification, subscriptionRef string) (processed bool, err error)
	MarkEventProcessed(ctx context.Context, id string, outcome Outcome, reason string) error
	// MarkEventFailed keeps the event pending for replay and records why
	MarkEventFailed(ctx context.Context, id string, cause error) error
	ListUnprocessedEvents(ctx context.Context, limit int) ([]StoredEvent, error)
}

// PostgresStore implements Store on the subscriptions and billing_events tables
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL subscription store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriptionColumns = `id, org_id, plan_id, status, current_period_start, current_period_end,
	cancel_at_period_end, COALESCE(stripe_customer_id, ''), COALESCE(stripe_subscription_id, ''),
	last_event_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	sub := &Subscription{}
	var periodStart, periodEnd, lastEvent sql.NullTime
	err := row.Scan(
		&sub.ID, &sub.OrgID, &sub.PlanID, &sub.Status, &periodStart, &periodEnd,
		&sub.CancelAtPeriodEnd, &sub.StripeCustomerID, &sub.StripeSubscriptionID,
		&lastEvent, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.CurrentPeriodStart = nullTimePtr(periodStart)
	sub.CurrentPeriodEnd = nullTimePtr(periodEnd)
	sub.LastEventAt = nullTimePtr(lastEvent)
	return sub, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func (s *PostgresStore) getOne(ctx context.Context, op, query string, args ...any) (*Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, op, "subscription not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// GetActiveByOrg retrieves the active subscription for an organization
func (s *PostgresStore) GetActiveByOrg(ctx context.Context, orgID string) (*Subscription, error) {
	return s.getOne(ctx, "billing.get_active", `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE org_id = $1 AND status = 'active'`, orgID)
}

// GetLatestByOrg retrieves the newest subscription for an organization
func (s *PostgresStore) GetLatestByOrg(ctx context.Context, orgID string) (*Subscription, error) {
	return s.getOne(ctx, "billing.get_latest", `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE org_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, orgID)
}

// lockOrg serializes activations of one organization for the rest of tx
func lockOrg(ctx context.Context, tx *sql.Tx, orgID string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, orgID); err != nil {
		return fmt.Errorf("failed to lock organization: %w", err)
	}
	return nil
}

// supersede cancels every other active subscription of the org so the
// one-active-per-org index holds after the caller activates ref.
func supersede(ctx context.Context, tx *sql.Tx, orgID, ref string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE subscriptions
		SET status = 'canceled', updated_at = NOW()
		WHERE org_id = $1 AND status = 'active'
		  AND stripe_subscription_id IS DISTINCT FROM $2`, orgID, ref)
	if err != nil {
		return fmt.Errorf("failed to supersede active subscriptions: %w", err)
	}
	return nil
}

func isStale(enforce bool, last sql.NullTime, eventAt time.Time) bool {
	return enforce && last.Valid && !eventAt.IsZero() && eventAt.Before(last.Time)
}

// Activate upserts a subscription by its provider reference and makes it the
// org's only active subscription, all in one transaction.
func (s *PostgresStore) Activate(ctx context.Context, a Activation) (WriteResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := lockOrg(ctx, tx, a.OrgID); err != nil {
		return 0, err
	}

	var lastEvent sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT last_event_at FROM subscriptions
		WHERE stripe_subscription_id = $1
		FOR UPDATE`, a.StripeSubscriptionID).Scan(&lastEvent)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to lock subscription: %w", err)
	}
	if isStale(a.EnforceOrder, lastEvent, a.EventAt) {
		return WriteStale, nil
	}

	if err := supersede(ctx, tx, a.OrgID, a.StripeSubscriptionID); err != nil {
		return 0, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO subscriptions (org_id, plan_id, status, current_period_start, current_period_end,
			cancel_at_period_end, stripe_customer_id, stripe_subscription_id, last_event_at)
		VALUES ($1, $2, 'active', $3, $4, FALSE, NULLIF($5, ''), $6, $7)
		ON CONFLICT (stripe_subscription_id) DO UPDATE SET
			org_id = EXCLUDED.org_id,
			plan_id = EXCLUDED.plan_id,
			status = 'active',
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			stripe_customer_id = COALESCE(EXCLUDED.stripe_customer_id, subscriptions.stripe_customer_id),
			last_event_at = GREATEST(subscriptions.last_event_at, EXCLUDED.last_event_at),
			updated_at = NOW()`,
		a.OrgID, a.PlanID, a.PeriodStart.UTC(), a.PeriodEnd.UTC(),
		a.StripeCustomerID, a.StripeSubscriptionID, eventTime(a.EventAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert subscription: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit activation: %w", err)
	}
	return WriteApplied, nil
}

func eventTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// ApplyUpdate overwrites the set fields of the subscription with the given
// provider reference. A transition to active supersedes the org's other
// active subscription in the same transaction.
func (s *PostgresStore) ApplyUpdate(ctx context.Context, u Update) (WriteResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var orgID string
	err = tx.QueryRowContext(ctx, `SELECT org_id FROM subscriptions WHERE stripe_subscription_id = $1`,
		u.StripeSubscriptionID).Scan(&orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return WriteNoMatch, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to find subscription: %w", err)
	}

	// org lock before row lock, same order as Activate
	if err := lockOrg(ctx, tx, orgID); err != nil {
		return 0, err
	}

	var id int64
	var lastEvent sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT id, org_id, last_event_at FROM subscriptions
		WHERE stripe_subscription_id = $1
		FOR UPDATE`, u.StripeSubscriptionID).Scan(&id, &orgID, &lastEvent)
	if errors.Is(err, sql.ErrNoRows) {
		return WriteNoMatch, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to lock subscription: %w", err)
	}
	if isStale(u.EnforceOrder, lastEvent, u.EventAt) {
		return WriteStale, nil
	}

	if u.Status != nil && *u.Status == SubscriptionStatusActive {
		if err := supersede(ctx, tx, orgID, u.StripeSubscriptionID); err != nil {
			return 0, err
		}
	}

	var status any
	if u.Status != nil {
		status = string(*u.Status)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE subscriptions SET
			status = COALESCE($2, status),
			current_period_start = COALESCE($3, current_period_start),
			current_period_end = COALESCE($4, current_period_end),
			cancel_at_period_end = COALESCE($5, cancel_at_period_end),
			last_event_at = GREATEST(last_event_at, $6),
			plan_id = COALESCE($7, plan_id),
			updated_at = NOW()
		WHERE id = $1`,
		id, status, timePtrArg(u.PeriodStart), timePtrArg(u.PeriodEnd), boolPtrArg(u.CancelAtPeriodEnd),
		eventTime(u.EventAt), stringPtrArg(u.PlanID),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update subscription: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit update: %w", err)
	}
	return WriteApplied, nil
}

func timePtrArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func stringPtrArg(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func boolPtrArg(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

// RecordEvent inserts the event unless its id is already known
func (s *PostgresStore) RecordEvent(ctx context.Context, n Notification, subscriptionRef string) (bool, error) {
	payload := []byte(n.Object)
	if len(payload) == 0 {
		payload = []byte("null")
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO billing_events (id, event_type, subscription_ref, event_created, payload)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		n.ID, n.Type, subscriptionRef, n.Created.UTC(), payload,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record billing event: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to record billing event: %w", err)
	}
	if inserted == 1 {
		return false, nil
	}

	var processed bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT processed_at IS NOT NULL FROM billing_events WHERE id = $1`, n.ID,
	).Scan(&processed); err != nil {
		return false, fmt.Errorf("failed to read billing event: %w", err)
	}
	return processed, nil
}

// MarkEventProcessed stores the final outcome of an event
func (s *PostgresStore) MarkEventProcessed(ctx context.Context, id string, outcome Outcome, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE billing_events
		SET outcome = $2, error = NULLIF($3, ''), processed_at = NOW()
		WHERE id = $1`, id, string(outcome), reason)
	if err != nil {
		return fmt.Errorf("failed to mark billing event processed: %w", err)
	}
	return nil
}

// MarkEventFailed records the failure and leaves the event pending
func (s *PostgresStore) MarkEventFailed(ctx context.Context, id string, cause error) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE billing_events
		SET outcome = $2, error = $3
		WHERE id = $1`, id, string(OutcomeFailed), cause.Error())
	if err != nil {
		return fmt.Errorf("failed to mark billing event failed: %w", err)
	}
	return nil
}

// ListUnprocessedEvents returns pending events oldest first
func (s *PostgresStore) ListUnprocessedEvents(ctx context.Context, limit int) ([]StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, COALESCE(subscription_ref, ''), event_created, payload, received_at
		FROM billing_events
		WHERE processed_at IS NULL
		ORDER BY event_created, received_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list billing events: %w", err)
	}
	defer rows.Close()

	var events []StoredEvent
	for rows.Next() {
		var e StoredEvent
		var payload []byte
		if err := rows.Scan(&e.ID, &e.Type, &e.SubscriptionRef, &e.Created, &payload, &e.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan billing event: %w", err)
		}
		e.Object = payload
		events = append(events, e)
	}
	return events, rows.Err()
}
