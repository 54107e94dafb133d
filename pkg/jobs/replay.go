package jobs

import (
	"context"

	"github.com/platinummonkey/meterd/pkg/billing"
	"github.com/platinummonkey/meterd/pkg/observability"
)

// Replayer finishes billing notifications left pending by a failure
type Replayer interface {
	Replay(ctx context.Context, limit int) (*billing.ReplayReport, error)
}

// BillingReplay reprocesses pending billing_events rows
type BillingReplay struct {
	replayer Replayer
	limit    int
	logger   *observability.Logger
}

// NewBillingReplay creates the replay job. limit caps the events per run.
func NewBillingReplay(replayer Replayer, limit int, logger *observability.Logger) *BillingReplay {
	if limit <= 0 {
		limit = 500
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &BillingReplay{replayer: replayer, limit: limit, logger: logger}
}

func (j *BillingReplay) Name() string { return "replay_billing_events" }

// Run replays one batch and returns how many events were finished. Events
// that fail again stay pending for the next run; that is logged, not
// returned as an error.
func (j *BillingReplay) Run(ctx context.Context) (int, error) {
	report, err := j.replayer.Replay(ctx, j.limit)
	if err != nil {
		return 0, err
	}

	done := 0
	for outcome, n := range report.Outcomes {
		if outcome != billing.OutcomeFailed {
			done += n
		}
	}
	if done < report.Pending {
		j.logger.WithFields(map[string]interface{}{
			"pending":  report.Pending,
			"finished": done,
		}).Warn("Billing events still pending after replay")
	}
	return done, nil
}
