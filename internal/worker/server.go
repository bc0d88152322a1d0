package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"tab-payment-service/internal/consumers"
)

// Processor is the job surface of consumers.PaymentProcessor.
type Processor interface {
	ProcessSettlement(ctx context.Context, dto consumers.SettlementDTO) error
	ProcessTimeoutSweep(ctx context.Context) error
}

type Worker struct {
	Processor Processor
}

func NewWorker(processor Processor) *Worker {
	return &Worker{
		Processor: processor,
	}
}

func (w *Worker) HandleSettlePayment(ctx context.Context, t *asynq.Task) error {
	var p consumers.SettlementDTO
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if err := w.Processor.ProcessSettlement(ctx, p); err != nil {
		if consumers.Permanent(err) {
			return fmt.Errorf("settle %s: %v: %w", p.TransactionID, err, asynq.SkipRetry)
		}
		return err
	}
	return nil
}

func (w *Worker) HandleSweepTimeouts(ctx context.Context, _ *asynq.Task) error {
	return w.Processor.ProcessTimeoutSweep(ctx)
}

func NewServeMux(w *Worker) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeSettlePayment, w.HandleSettlePayment)
	mux.HandleFunc(TypeSweepTimeouts, w.HandleSweepTimeouts)
	return mux
}

func NewServer(redisOpt asynq.RedisClientOpt, log *logrus.Logger) *asynq.Server {
	return asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				QueueCritical: 6,
				QueueDefault:  3,
				QueueLow:      1,
			},
			Logger: log,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				log.WithFields(logrus.Fields{
					"task_type": task.Type(),
					"retried":   retried,
					"max_retry": maxRetry,
				}).WithError(err).Warn("Task failed")
			}),
		},
	)
}

// StartWorker blocks serving tasks until the process receives a termination signal.
func StartWorker(redisOpt asynq.RedisClientOpt, processor Processor, log *logrus.Logger) error {
	srv := NewServer(redisOpt, log)
	return srv.Run(NewServeMux(NewWorker(processor)))
}
