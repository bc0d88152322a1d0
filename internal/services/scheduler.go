package services

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"tab-payment-service/internal/logging"
)

const sweepBudget = 50 * time.Second

// StartScheduler runs the persisted timeout sweep on spec. Stop the returned cron to end it.
func (m *StateMachine) StartScheduler(spec string) (*cron.Cron, error) {
	if spec == "" {
		spec = "@every 1m"
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepBudget)
		defer cancel()
		ctx, _ = logging.EnsureCorrelationID(ctx)
		log := logging.FromContext(ctx)

		moved, err := m.HandleTransactionTimeouts(ctx)
		if err != nil {
			log.WithError(err).Error("Timeout sweep failed")
			return
		}
		if moved > 0 {
			log.WithField("timed_out", moved).Info("Timeout sweep moved stale transactions")
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	logging.Logger().WithField("schedule", spec).Info("Transaction timeout scheduler started")
	return c, nil
}
