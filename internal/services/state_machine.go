package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"tab-payment-service/internal/apperr"
	"tab-payment-service/internal/logging"
	"tab-payment-service/internal/metrics"
	"tab-payment-service/internal/models"
	"tab-payment-service/internal/repository"
)

const (
	DefaultTransactionTimeout = 5 * time.Minute
	timeoutHandlerBudget      = 30 * time.Second
	sweepBatchSize            = 200
)

var legalTransitions = map[models.TransactionStatus][]models.TransactionStatus{
	models.TransactionPending:   {models.TransactionSent},
	models.TransactionSent:      {models.TransactionCompleted, models.TransactionFailed, models.TransactionCancelled, models.TransactionTimeout},
	models.TransactionFailed:    {models.TransactionPending},
	models.TransactionCancelled: {models.TransactionPending},
	models.TransactionTimeout:   {models.TransactionPending},
}

func CanTransition(from, to models.TransactionStatus) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransitionListener is told about every applied transition.
type TransitionListener func(ctx context.Context, txn *models.Transaction, from models.TransactionStatus)

type CompletionData struct {
	ReceiptNumber   string
	TransactionDate time.Time
	ResultCode      int
	CallbackData    datatypes.JSON
}

// StateMachine enforces the transaction lifecycle and owns the per-transaction timeout timers.
type StateMachine struct {
	Transactions *TransactionService
	Timeout      time.Duration
	Metrics      *metrics.PaymentMetrics
	Now          func() time.Time

	mu        sync.Mutex
	timers    map[string]*timeoutTimer
	listeners []TransitionListener
}

func NewStateMachine(transactions *TransactionService, timeout time.Duration, m *metrics.PaymentMetrics) *StateMachine {
	if timeout <= 0 {
		timeout = DefaultTransactionTimeout
	}
	return &StateMachine{
		Transactions: transactions,
		Timeout:      timeout,
		Metrics:      m,
		Now:          time.Now,
		timers:       map[string]*timeoutTimer{},
	}
}

func (m *StateMachine) OnTransition(l TransitionListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *StateMachine) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

// Transition moves id to change.To if that is legal from the stored status.
func (m *StateMachine) Transition(ctx context.Context, id string, change repository.StatusChange) (*models.Transaction, error) {
	txn, err := m.Transactions.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	from := txn.Status
	if !CanTransition(from, change.To) {
		return nil, apperr.Newf(apperr.CodeInvalidStateTransition, "cannot move transaction %s from %s to %s", id, from, change.To).
			With("from", string(from)).With("to", string(change.To))
	}

	change.From = from
	if err := m.Transactions.UpdateStatus(ctx, id, change); err != nil {
		return nil, err
	}
	change.Apply(txn)

	logging.FromContext(ctx).WithFields(logrus.Fields{
		"transaction_id": id,
		"from":           from,
		"to":             change.To,
	}).Info("Transaction status changed")

	m.mu.Lock()
	listeners := append([]TransitionListener(nil), m.listeners...)
	m.mu.Unlock()
	for _, l := range listeners {
		l(ctx, txn, from)
	}
	return txn, nil
}

func (m *StateMachine) MarkAsSent(ctx context.Context, id, checkoutRequestID, merchantRequestID string) (*models.Transaction, error) {
	sentAt := m.now()
	txn, err := m.Transition(ctx, id, repository.StatusChange{
		To:                models.TransactionSent,
		CheckoutRequestID: &checkoutRequestID,
		MerchantRequestID: &merchantRequestID,
		SentAt:            &sentAt,
	})
	if err != nil {
		return nil, err
	}
	m.StartTimeoutTimer(id)
	return txn, nil
}

func (m *StateMachine) MarkAsCompleted(ctx context.Context, id string, data CompletionData) (*models.Transaction, error) {
	code := data.ResultCode
	change := repository.StatusChange{
		To:            models.TransactionCompleted,
		ReceiptNumber: &data.ReceiptNumber,
		ResultCode:    &code,
		CallbackData:  data.CallbackData,
	}
	if !data.TransactionDate.IsZero() {
		change.TransactionDate = &data.TransactionDate
	}
	txn, err := m.Transition(ctx, id, change)
	if err != nil {
		return nil, err
	}
	m.ClearTimer(id)
	return txn, nil
}

func (m *StateMachine) MarkAsFailed(ctx context.Context, id, reason string, resultCode *int, callbackData datatypes.JSON) (*models.Transaction, error) {
	txn, err := m.Transition(ctx, id, repository.StatusChange{
		To:            models.TransactionFailed,
		FailureReason: &reason,
		ResultCode:    resultCode,
		CallbackData:  callbackData,
	})
	if err != nil {
		return nil, err
	}
	m.ClearTimer(id)
	return txn, nil
}

func (m *StateMachine) MarkAsCancelled(ctx context.Context, id, reason string, resultCode *int, callbackData datatypes.JSON) (*models.Transaction, error) {
	txn, err := m.Transition(ctx, id, repository.StatusChange{
		To:            models.TransactionCancelled,
		FailureReason: &reason,
		ResultCode:    resultCode,
		CallbackData:  callbackData,
	})
	if err != nil {
		return nil, err
	}
	m.ClearTimer(id)
	return txn, nil
}

func (m *StateMachine) MarkAsTimeout(ctx context.Context, id string) (*models.Transaction, error) {
	reason := fmt.Sprintf("no callback received within %s", m.Timeout)
	txn, err := m.Transition(ctx, id, repository.StatusChange{
		To:            models.TransactionTimeout,
		FailureReason: &reason,
	})
	if err != nil {
		return nil, err
	}
	m.ClearTimer(id)
	return txn, nil
}

// RetryTransaction rewinds a failed, cancelled or timed-out transaction to pending.
func (m *StateMachine) RetryTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	return m.Transition(ctx, id, repository.StatusChange{
		To:    models.TransactionPending,
		Reset: true,
	})
}

// timeoutTimer is allocated before its timer starts so the callback can
// identify itself without reading the *time.Timer.
type timeoutTimer struct {
	*time.Timer
}

// StartTimeoutTimer arms (or re-arms) the in-process timer for id.
func (m *StateMachine) StartTimeoutTimer(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.timers[id]; ok {
		old.Stop()
	}
	t := &timeoutTimer{}
	t.Timer = time.AfterFunc(m.Timeout, func() { m.expire(id, t) })
	m.timers[id] = t
}

func (m *StateMachine) ClearTimer(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
}

func (m *StateMachine) ActiveTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Shutdown stops every pending timer. The periodic sweep picks up whatever they would have handled.
func (m *StateMachine) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}

// expire runs when fired elapses. A timer replaced by a restart for the same id
// leaves the map alone and does nothing.
func (m *StateMachine) expire(id string, fired *timeoutTimer) {
	m.mu.Lock()
	if m.timers[id] != fired {
		m.mu.Unlock()
		return
	}
	delete(m.timers, id)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeoutHandlerBudget)
	defer cancel()
	ctx, _ = logging.EnsureCorrelationID(ctx)

	if m.timeoutIfStillSent(ctx, id) {
		m.Metrics.RecordTimeout("timer")
	}
}

func (m *StateMachine) timeoutIfStillSent(ctx context.Context, id string) bool {
	log := logging.FromContext(ctx).WithField("transaction_id", id)
	txn, err := m.Transactions.GetTransaction(ctx, id)
	if err != nil {
		log.WithError(err).Warn("Timeout check could not load transaction")
		return false
	}
	if txn.Status != models.TransactionSent {
		return false
	}
	if _, err := m.MarkAsTimeout(ctx, id); err != nil {
		if apperr.HasCode(err, apperr.CodeInvalidStateTransition) {
			return false
		}
		log.WithError(err).Error("Failed to mark transaction as timed out")
		return false
	}
	log.Warn("Transaction timed out waiting for callback")
	return true
}

// HandleTransactionTimeouts times out every sent transaction whose sent_at is older than the timeout.
// It returns how many transactions were moved.
func (m *StateMachine) HandleTransactionTimeouts(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.Timeout)
	moved := 0
	for {
		stale, err := m.Transactions.FindStaleSent(ctx, cutoff, sweepBatchSize)
		if err != nil {
			return moved, err
		}
		batchMoved := 0
		for _, txn := range stale {
			if err := ctx.Err(); err != nil {
				return moved, err
			}
			if m.timeoutIfStillSent(ctx, txn.ID) {
				batchMoved++
				m.Metrics.RecordTimeout("sweep")
			}
		}
		moved += batchMoved
		if len(stale) < sweepBatchSize || batchMoved == 0 {
			return moved, nil
		}
	}
}
