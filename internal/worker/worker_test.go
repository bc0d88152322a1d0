package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tab-payment-service/internal/apperr"
	"tab-payment-service/internal/consumers"
	"tab-payment-service/internal/services"
)

type fakeEnqueuer struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	f.opts = append(f.opts, opts)
	return &asynq.TaskInfo{ID: "task-1", Type: task.Type()}, nil
}

type fakeProcessor struct {
	settled []consumers.SettlementDTO
	err     error
	sweeps  int
}

func (f *fakeProcessor) ProcessSettlement(_ context.Context, dto consumers.SettlementDTO) error {
	f.settled = append(f.settled, dto)
	return f.err
}

func (f *fakeProcessor) ProcessTimeoutSweep(context.Context) error {
	f.sweeps++
	return f.err
}

func TestSettlementQueueEnqueues(t *testing.T) {
	client := &fakeEnqueuer{}
	q := NewSettlementQueue(client)
	date := time.Date(2024, 1, 15, 14, 30, 22, 0, time.UTC)

	err := q.EnqueueSettlement(context.Background(), services.SettlementRequest{
		TransactionID:   "txn-1",
		ReceiptNumber:   "NLJ7RT61SV",
		TransactionDate: &date,
		CorrelationID:   "corr-1",
	})
	require.NoError(t, err)
	require.Len(t, client.tasks, 1)
	assert.Equal(t, TypeSettlePayment, client.tasks[0].Type())

	var dto consumers.SettlementDTO
	require.NoError(t, json.Unmarshal(client.tasks[0].Payload(), &dto))
	assert.Equal(t, "txn-1", dto.TransactionID)
	assert.Equal(t, "NLJ7RT61SV", dto.ReceiptNumber)
	assert.Equal(t, "corr-1", dto.CorrelationID)
	require.NotNil(t, dto.TransactionDate)
	assert.True(t, date.Equal(*dto.TransactionDate))

	require.Len(t, client.opts[0], 1)
	assert.Equal(t, asynq.TaskIDOpt, client.opts[0][0].Type())
	assert.Equal(t, "settle-payment:txn-1", client.opts[0][0].Value())
}

func TestSettlementQueueTreatsConflictAsQueued(t *testing.T) {
	q := NewSettlementQueue(&fakeEnqueuer{err: asynq.ErrTaskIDConflict})
	assert.NoError(t, q.EnqueueSettlement(context.Background(), services.SettlementRequest{TransactionID: "txn-1"}))

	q = NewSettlementQueue(&fakeEnqueuer{err: errors.New("redis down")})
	assert.Error(t, q.EnqueueSettlement(context.Background(), services.SettlementRequest{TransactionID: "txn-1"}))
}

func TestHandleSettlePayment(t *testing.T) {
	proc := &fakeProcessor{}
	w := NewWorker(proc)
	task, err := NewSettlePaymentTask(consumers.SettlementDTO{TransactionID: "txn-1", ReceiptNumber: "NLJ7RT61SV"})
	require.NoError(t, err)

	require.NoError(t, w.HandleSettlePayment(context.Background(), task))
	require.Len(t, proc.settled, 1)
	assert.Equal(t, "txn-1", proc.settled[0].TransactionID)

	err = w.HandleSettlePayment(context.Background(), asynq.NewTask(TypeSettlePayment, []byte("{")))
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	proc.err = apperr.New(apperr.CodeSettlementFailed, "write ledger entry")
	err = w.HandleSettlePayment(context.Background(), task)
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry), "transient failures are retried")

	proc.err = apperr.New(apperr.CodeDuplicatePayment, "receipt already recorded")
	err = w.HandleSettlePayment(context.Background(), task)
	assert.True(t, errors.Is(err, asynq.SkipRetry), "duplicates need manual reconciliation")
}

func TestHandleSweepTimeouts(t *testing.T) {
	proc := &fakeProcessor{}
	w := NewWorker(proc)

	require.NoError(t, w.HandleSweepTimeouts(context.Background(), NewSweepTimeoutsTask()))
	assert.Equal(t, 1, proc.sweeps)

	client := &fakeEnqueuer{}
	info, err := EnqueueTimeoutSweep(context.Background(), client)
	require.NoError(t, err)
	assert.Equal(t, TypeSweepTimeouts, info.Type)
}
