package worker

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"tab-payment-service/internal/consumers"
)

// Task Types
const (
	TypeSettlePayment = "settle-payment"
	TypeSweepTimeouts = "sweep-timeouts"
)

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

const (
	settleMaxRetry = 12
	settleTimeout  = 30 * time.Second
	sweepTimeout   = 50 * time.Second
)

// Task Creators

func NewSettlePaymentTask(payload consumers.SettlementDTO) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeSettlePayment, data,
		asynq.Queue(QueueCritical),
		asynq.MaxRetry(settleMaxRetry),
		asynq.Timeout(settleTimeout),
	), nil
}

func NewSweepTimeoutsTask() *asynq.Task {
	return asynq.NewTask(TypeSweepTimeouts, nil,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(0),
		asynq.Timeout(sweepTimeout),
	)
}

// settleTaskID makes a second enqueue for the same transaction a no-op while the first is pending.
func settleTaskID(transactionID string) string {
	return TypeSettlePayment + ":" + transactionID
}
