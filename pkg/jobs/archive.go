package jobs

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/meterd/pkg/observability"
	"github.com/platinummonkey/meterd/pkg/quota"
)

// CounterLister reads every usage counter of one period
type CounterLister interface {
	ListPeriod(ctx context.Context, periodStart time.Time) ([]quota.Counter, error)
}

// ObjectWriter stores archive objects. storage.S3Client implements it.
type ObjectWriter interface {
	Key(name string) string
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
}

// ArchiveRecord is one JSON line of a usage archive
type ArchiveRecord struct {
	OrgID       string    `json:"org_id"`
	Metric      string    `json:"metric"`
	PeriodStart time.Time `json:"period_start"`
	Count       int64     `json:"count"`
}

// UsageArchiver copies the counters of closed periods to object storage as
// JSON lines, one object per period. usage_archives records which periods
// are done so reruns skip them.
type UsageArchiver struct {
	db       *sql.DB
	counters CounterLister
	objects  ObjectWriter
	lookback int
	now      func() time.Time
	logger   *observability.Logger
}

// ArchiverOption configures a UsageArchiver
type ArchiverOption func(*UsageArchiver)

// WithLookback sets how many closed months each run considers
func WithLookback(months int) ArchiverOption {
	return func(a *UsageArchiver) {
		if months > 0 {
			a.lookback = months
		}
	}
}

// WithArchiveClock overrides the archiver's clock
func WithArchiveClock(now func() time.Time) ArchiverOption {
	return func(a *UsageArchiver) { a.now = now }
}

// WithArchiveLogger sets the archiver's logger
func WithArchiveLogger(l *observability.Logger) ArchiverOption {
	return func(a *UsageArchiver) { a.logger = l }
}

// NewUsageArchiver creates an archiver. The default lookback of three
// months stays inside the Redis counter retention.
func NewUsageArchiver(db *sql.DB, counters CounterLister, objects ObjectWriter, opts ...ArchiverOption) *UsageArchiver {
	a := &UsageArchiver{
		db:       db,
		counters: counters,
		objects:  objects,
		lookback: 3,
		now:      time.Now,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *UsageArchiver) Name() string { return "archive_usage" }

// Run archives every closed period in the lookback window that has not been
// archived yet, oldest first, and returns the number of counters written.
func (a *UsageArchiver) Run(ctx context.Context) (int, error) {
	current := quota.PeriodStart(a.now())
	total := 0
	for i := a.lookback; i >= 1; i-- {
		period := current.AddDate(0, -i, 0)
		n, err := a.ArchivePeriod(ctx, period)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// ArchivePeriod archives one closed period. Periods already archived and
// periods without counters are skipped.
func (a *UsageArchiver) ArchivePeriod(ctx context.Context, periodStart time.Time) (int, error) {
	periodStart = quota.PeriodStart(periodStart)
	if a.now().Before(quota.PeriodEnd(periodStart)) {
		return 0, fmt.Errorf("period %s is not closed", periodStart.Format("2006-01"))
	}
	logger := a.logger.WithField("period", periodStart.Format("2006-01"))

	var existing string
	err := a.db.QueryRowContext(ctx,
		`SELECT object_key FROM usage_archives WHERE period_start = $1`, periodStart).Scan(&existing)
	switch {
	case err == nil:
		logger.WithField("object_key", existing).Debug("Period already archived")
		return 0, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, fmt.Errorf("failed to check usage archive: %w", err)
	}

	counters, err := a.counters.ListPeriod(ctx, periodStart)
	if err != nil {
		return 0, fmt.Errorf("failed to list usage counters: %w", err)
	}
	if len(counters) == 0 {
		logger.Debug("No usage counters to archive")
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, c := range counters {
		if err := enc.Encode(ArchiveRecord{
			OrgID:       c.OrgID,
			Metric:      c.Metric,
			PeriodStart: c.PeriodStart.UTC(),
			Count:       c.Count,
		}); err != nil {
			return 0, fmt.Errorf("failed to encode usage counter: %w", err)
		}
	}

	key := a.objects.Key(fmt.Sprintf("%s/usage.jsonl", periodStart.Format("2006-01")))
	if err := a.objects.PutObject(ctx, key, buf.Bytes(), "application/x-ndjson"); err != nil {
		return 0, err
	}

	// a concurrent worker may have archived the same period; its object
	// has the same key and content
	if _, err := a.db.ExecContext(ctx, `
		INSERT INTO usage_archives (period_start, object_key, row_count)
		VALUES ($1, $2, $3)
		ON CONFLICT (period_start) DO NOTHING`, periodStart, key, len(counters)); err != nil {
		return 0, fmt.Errorf("failed to record usage archive: %w", err)
	}

	logger.WithFields(map[string]interface{}{
		"object_key": key,
		"counters":   len(counters),
	}).Info("Archived usage period")
	return len(counters), nil
}
