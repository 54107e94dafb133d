package ratelimit

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/meterd/pkg/apperr"
	"github.com/platinummonkey/meterd/pkg/observability"
)

var tracer = observability.Tracer("ratelimit")

// Decision is the outcome of one rate check
type Decision struct {
	Allowed bool   `json:"allowed"`
	Key     string `json:"key"`
	Bucket  string `json:"bucket"`
	// Current counts every attempt in the window, denied ones included
	Current int64     `json:"current"`
	Limit   int64     `json:"limit"`
	ResetAt time.Time `json:"reset_at"`
}

// Remaining returns how many calls are left in the window
func (d Decision) Remaining() int64 {
	return max(d.Limit-d.Current, 0)
}

// Err converts a denial into an apperr.KindRateLimited error; nil when allowed
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return apperr.RateLimited(d.Bucket, d.Current, d.Limit)
}

// BucketKey identifies one window counter. Window is part of the identity,
// so callers using different window lengths on the same key and bucket
// never share a counter.
type BucketKey struct {
	Key         string
	Bucket      string
	Window      time.Duration
	WindowStart time.Time
}

// Store is the datastore behind the limiter
type Store interface {
	// Hit increments the window counter by one and returns the new count.
	// The counter may be discarded after expiresAt.
	Hit(ctx context.Context, key BucketKey, expiresAt time.Time) (int64, error)
	// Purge removes counters that expired before cutoff and returns how many
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// Limiter applies fixed-window limits
type Limiter struct {
	store   Store
	backend string
	now     func() time.Time
	metrics *observability.Metrics
	logger  *observability.Logger
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// WithLogger sets the limiter logger
func WithLogger(logger *observability.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithBackendName labels latency metrics and spans
func WithBackendName(name string) Option {
	return func(l *Limiter) { l.backend = name }
}

// NewLimiter creates a rate limiter
func NewLimiter(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:   store,
		backend: "postgres",
		now:     time.Now,
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WindowStart returns floor(now/window)*window measured from the Unix epoch
func WindowStart(now time.Time, window time.Duration) time.Time {
	w := int64(window)
	n := now.UnixNano()
	return time.Unix(0, n-n%w).UTC()
}

// Check counts one call for (key, bucket) in the current window and reports
// whether the count is within limit. Datastore failures are returned as
// apperr.KindUnavailable, never as a denial.
func (l *Limiter) Check(ctx context.Context, key, bucket string, limit int64, window time.Duration) (Decision, error) {
	const op = "ratelimit.check"

	if key == "" || bucket == "" {
		return Decision{}, apperr.New(apperr.KindInvalidArgument, op, "key and bucket are required")
	}
	if limit < 0 {
		return Decision{}, apperr.New(apperr.KindInvalidArgument, op, "limit must not be negative")
	}
	if window < time.Second {
		return Decision{}, apperr.New(apperr.KindInvalidArgument, op, "window must be at least one second")
	}

	ctx, span := tracer.Start(ctx, "Limiter.Check", trace.WithAttributes(
		attribute.String("ratelimit.key", key),
		attribute.String("ratelimit.bucket", bucket),
		attribute.Int64("ratelimit.limit", limit),
		attribute.String("ratelimit.backend", l.backend),
	))
	defer span.End()

	start := WindowStart(l.now(), window)
	end := start.Add(window)

	began := time.Now()
	count, err := l.store.Hit(ctx, BucketKey{Key: key, Bucket: bucket, Window: window, WindowStart: start}, end)
	l.metrics.ObserveAdmission("ratelimit", l.backend, began)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bucket increment failed")
		l.metrics.DatastoreError("ratelimit")
		l.metrics.ObserveRate(bucket, observability.OutcomeError)
		observability.UpdateLoggerWithTraceContext(ctx, l.logger).
			WithError(err).
			WithField("bucket", bucket).
			Error("Rate limit datastore unavailable")
		return Decision{}, apperr.Unavailable(op, err)
	}

	d := Decision{
		Allowed: count <= limit,
		Key:     key,
		Bucket:  bucket,
		Current: count,
		Limit:   limit,
		ResetAt: end,
	}
	span.SetAttributes(attribute.Bool("ratelimit.allowed", d.Allowed), attribute.Int64("ratelimit.current", count))

	if d.Allowed {
		l.metrics.ObserveRate(bucket, observability.OutcomeAllowed)
	} else {
		l.metrics.ObserveRate(bucket, observability.OutcomeDenied)
	}
	return d, nil
}

// Purge deletes buckets whose window closed before now
func (l *Limiter) Purge(ctx context.Context) (int64, error) {
	n, err := l.store.Purge(ctx, l.now())
	if err != nil {
		l.metrics.DatastoreError("ratelimit")
		return 0, apperr.Unavailable("ratelimit.purge", err)
	}
	return n, nil
}
