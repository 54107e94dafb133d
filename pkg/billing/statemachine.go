package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/meterd/pkg/apperr"
	"github.com/platinummonkey/meterd/pkg/async"
	"github.com/platinummonkey/meterd/pkg/observability"
)

// StateMachine applies provider notifications to subscriptions. Every effect
// is an absolute overwrite keyed by the provider subscription reference, so
// redelivered notifications converge to the same state.
type StateMachine struct {
	verifier     Provider
	store        Store
	logger       *observability.Logger
	metrics      *observability.Metrics
	now          func() time.Time
	enforceOrder bool
	concurrency  int
}

// StateMachineOption configures a StateMachine
type StateMachineOption func(*StateMachine)

// WithStateLogger sets the logger
func WithStateLogger(l *observability.Logger) StateMachineOption {
	return func(sm *StateMachine) { sm.logger = l }
}

// WithStateMetrics sets the metrics sink
func WithStateMetrics(m *observability.Metrics) StateMachineOption {
	return func(sm *StateMachine) { sm.metrics = m }
}

// WithStateClock overrides the time source
func WithStateClock(now func() time.Time) StateMachineOption {
	return func(sm *StateMachine) { sm.now = now }
}

// WithEventOrdering drops notifications created before the last one applied
// to the same subscription. Disabled by default: every notification is an
// absolute overwrite and the last one written wins.
func WithEventOrdering(enabled bool) StateMachineOption {
	return func(sm *StateMachine) { sm.enforceOrder = enabled }
}

// WithReplayConcurrency bounds how many subscriptions Replay works on at once
func WithReplayConcurrency(n int) StateMachineOption {
	return func(sm *StateMachine) { sm.concurrency = n }
}

// NewStateMachine creates a StateMachine
func NewStateMachine(verifier Provider, store Store, opts ...StateMachineOption) *StateMachine {
	sm := &StateMachine{
		verifier:    verifier,
		store:       store,
		logger:      observability.NopLogger(),
		now:         time.Now,
		concurrency: 8,
	}
	for _, opt := range opts {
		opt(sm)
	}
	return sm
}

// ApplyNotification verifies and applies one raw notification.
//
// A bad signature returns apperr.KindUnauthenticated before anything is
// written. Unknown, uncorrelated and stale notifications are normal results
// with an explanatory Outcome. Datastore failures return apperr.KindUnavailable
// and leave the event pending so redelivery or Replay can finish it.
func (sm *StateMachine) ApplyNotification(ctx context.Context, payload []byte, signature string) (Result, error) {
	const op = "billing.apply_notification"

	n, err := sm.verifier.VerifyNotification(payload, signature)
	if err != nil {
		sm.metrics.ObserveNotification("unverified", "rejected")
		observability.UpdateLoggerWithTraceContext(ctx, sm.logger).WithError(err).Warn("Rejected unverified billing notification")
		return Result{}, apperr.Wrap(apperr.KindUnauthenticated, op, err)
	}

	ctx, span := tracer.Start(ctx, "StateMachine.ApplyNotification", trace.WithAttributes(
		attribute.String("billing.event_id", n.ID),
		attribute.String("billing.event_type", n.Type),
	))
	defer span.End()

	ref := subscriptionRefOf(*n)
	processed, err := sm.store.RecordEvent(ctx, *n, ref)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "record event failed")
		sm.metrics.DatastoreError("billing")
		return Result{}, apperr.Unavailable(op, err)
	}
	if processed {
		res := Result{EventID: n.ID, Type: n.Type, Outcome: OutcomeDuplicate, SubscriptionRef: ref}
		sm.metrics.ObserveNotification(n.Type, string(OutcomeDuplicate))
		span.SetAttributes(attribute.String("billing.outcome", string(res.Outcome)))
		return res, nil
	}

	res, err := sm.process(ctx, *n)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply failed")
		return res, apperr.Unavailable(op, err)
	}
	span.SetAttributes(attribute.String("billing.outcome", string(res.Outcome)))
	return res, nil
}

// process applies a recorded notification and stores its outcome. The
// returned error is a datastore failure; the event then stays pending.
func (sm *StateMachine) process(ctx context.Context, n Notification) (Result, error) {
	logger := observability.UpdateLoggerWithTraceContext(ctx, sm.logger).WithFields(map[string]interface{}{
		"event_id":   n.ID,
		"event_type": n.Type,
	})

	res, err := sm.apply(ctx, n)
	if err != nil {
		sm.metrics.DatastoreError("billing")
		sm.metrics.ObserveNotification(n.Type, string(OutcomeFailed))
		logger.WithError(err).Error("Failed to apply billing notification")
		if markErr := sm.store.MarkEventFailed(ctx, n.ID, err); markErr != nil {
			logger.WithError(markErr).Error("Failed to record billing notification failure")
		}
		res.Outcome = OutcomeFailed
		return res, err
	}

	if err := sm.store.MarkEventProcessed(ctx, n.ID, res.Outcome, res.Reason); err != nil {
		sm.metrics.DatastoreError("billing")
		// the write already happened; a redelivery re-applies the same overwrite
		return res, err
	}

	sm.metrics.ObserveNotification(n.Type, string(res.Outcome))
	entry := logger.WithField("outcome", string(res.Outcome))
	if res.SubscriptionRef != "" {
		entry = entry.WithField("subscription_ref", res.SubscriptionRef)
	}
	switch res.Outcome {
	case OutcomeApplied:
		entry.Info("Applied billing notification")
	case OutcomeIgnored:
		entry.Debug("Ignored billing notification")
	default:
		entry.WithField("reason", res.Reason).Warn("Billing notification not applied")
	}
	return res, nil
}

func (sm *StateMachine) apply(ctx context.Context, n Notification) (Result, error) {
	res := Result{EventID: n.ID, Type: n.Type}

	eff, known, err := decode(n, sm.now().UTC())
	if !known {
		res.Outcome = OutcomeIgnored
		return res, nil
	}
	if err != nil {
		res.Outcome = OutcomeSkipped
		res.Reason = apperr.Wrap(apperr.KindMalformedNotification, "billing.decode", err).Error()
		return res, nil
	}
	res.SubscriptionRef = eff.ref
	if eff.skip != "" {
		res.Outcome = OutcomeSkipped
		res.Reason = eff.skip
		return res, nil
	}

	var wr WriteResult
	switch {
	case eff.activation != nil:
		eff.activation.EnforceOrder = sm.enforceOrder
		wr, err = sm.store.Activate(ctx, *eff.activation)
	case eff.update != nil:
		eff.update.EnforceOrder = sm.enforceOrder
		wr, err = sm.store.ApplyUpdate(ctx, *eff.update)
	}
	if err != nil {
		return res, err
	}

	switch wr {
	case WriteApplied:
		res.Outcome = OutcomeApplied
	case WriteNoMatch:
		res.Outcome = OutcomeNoMatch
		res.Reason = fmt.Sprintf("no subscription with reference %s", eff.ref)
	case WriteStale:
		res.Outcome = OutcomeStale
		res.Reason = "a newer notification was already applied"
	}
	return res, nil
}

// ApplyBatch applies already verified notifications in order. A notification
// that cannot be applied never stops the rest of the batch; datastore
// failures are joined into the returned error.
func (sm *StateMachine) ApplyBatch(ctx context.Context, notifications []Notification) ([]Result, error) {
	results := make([]Result, 0, len(notifications))
	var errs []error

	for _, n := range notifications {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		processed, err := sm.store.RecordEvent(ctx, n, subscriptionRefOf(n))
		if err != nil {
			errs = append(errs, fmt.Errorf("event %s: %w", n.ID, err))
			results = append(results, Result{EventID: n.ID, Type: n.Type, Outcome: OutcomeFailed})
			continue
		}
		if processed {
			results = append(results, Result{EventID: n.ID, Type: n.Type, Outcome: OutcomeDuplicate})
			continue
		}

		res, err := sm.process(ctx, n)
		if err != nil {
			errs = append(errs, fmt.Errorf("event %s: %w", n.ID, err))
		}
		results = append(results, res)
	}

	if len(errs) > 0 {
		return results, apperr.Unavailable("billing.apply_batch", errors.Join(errs...))
	}
	return results, nil
}

// ReplayReport summarizes a Replay run
type ReplayReport struct {
	Pending  int             `json:"pending"`
	Outcomes map[Outcome]int `json:"outcomes"`
	Failed   int             `json:"failed"`
}

// Replay reprocesses up to limit pending events. Events of one subscription
// run sequentially in creation order; different subscriptions run
// concurrently.
func (sm *StateMachine) Replay(ctx context.Context, limit int) (*ReplayReport, error) {
	ctx, span := tracer.Start(ctx, "StateMachine.Replay")
	defer span.End()

	events, err := sm.store.ListUnprocessedEvents(ctx, limit)
	if err != nil {
		span.RecordError(err)
		sm.metrics.DatastoreError("billing")
		return nil, apperr.Unavailable("billing.replay", err)
	}

	report := &ReplayReport{Pending: len(events), Outcomes: map[Outcome]int{}}
	if len(events) == 0 {
		return report, nil
	}

	groups := groupByRef(events)
	results := make([][]Result, len(groups))
	indexed := make([]int, len(groups))
	for i := range indexed {
		indexed[i] = i
	}

	errs := async.Batch(ctx, indexed, sm.concurrency, time.Minute, func(ctx context.Context, i int) error {
		for _, e := range groups[i] {
			res, err := sm.process(ctx, e.Notification)
			results[i] = append(results[i], res)
			if err != nil {
				// later events of this subscription wait for the next run
				return err
			}
		}
		return nil
	})

	for _, group := range results {
		for _, r := range group {
			report.Outcomes[r.Outcome]++
		}
	}
	report.Failed = report.Outcomes[OutcomeFailed]
	for _, err := range errs {
		sm.logger.WithError(err).Warn("Replay stopped early for a subscription")
	}
	span.SetAttributes(attribute.Int("billing.replay.pending", report.Pending), attribute.Int("billing.replay.failed", report.Failed))

	sm.logger.WithFields(map[string]interface{}{
		"pending": report.Pending,
		"failed":  report.Failed,
	}).Info("Replayed pending billing notifications")
	return report, nil
}

// groupByRef splits events into per-subscription groups sorted by creation
// time. Events without a reference each form their own group.
func groupByRef(events []StoredEvent) [][]StoredEvent {
	var groups [][]StoredEvent
	index := map[string]int{}
	for _, e := range events {
		if e.SubscriptionRef == "" {
			groups = append(groups, []StoredEvent{e})
			continue
		}
		i, ok := index[e.SubscriptionRef]
		if !ok {
			i = len(groups)
			index[e.SubscriptionRef] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], e)
	}
	for _, g := range groups {
		sort.SliceStable(g, func(a, b int) bool {
			return g[a].Created.Before(g[b].Created)
		})
	}
	return groups
}
