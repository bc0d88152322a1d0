package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"tab-payment-service/internal/consumers"
	"tab-payment-service/internal/logging"
	"tab-payment-service/internal/services"
)

// Enqueuer is implemented by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// SettlementQueue hands failed settlements to the asynq worker.
type SettlementQueue struct {
	Client Enqueuer
}

func NewSettlementQueue(client Enqueuer) *SettlementQueue {
	return &SettlementQueue{Client: client}
}

func (q *SettlementQueue) EnqueueSettlement(ctx context.Context, req services.SettlementRequest) error {
	task, err := NewSettlePaymentTask(consumers.SettlementDTOFrom(req))
	if err != nil {
		return fmt.Errorf("build settle task: %w", err)
	}
	info, err := q.Client.EnqueueContext(ctx, task, asynq.TaskID(settleTaskID(req.TransactionID)))
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		logging.FromContext(ctx).WithField("transaction_id", req.TransactionID).Info("Settlement already queued")
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue settle task: %w", err)
	}
	logging.FromContext(ctx).WithField("task_id", info.ID).WithField("transaction_id", req.TransactionID).Info("Settlement queued for retry")
	return nil
}

// EnqueueTimeoutSweep asks a worker to run the timeout sweep once.
func EnqueueTimeoutSweep(ctx context.Context, client Enqueuer) (*asynq.TaskInfo, error) {
	return client.EnqueueContext(ctx, NewSweepTimeoutsTask())
}
