package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"tab-payment-service/internal/apperr"
	"tab-payment-service/internal/logging"
	"tab-payment-service/internal/metrics"
	"tab-payment-service/internal/models"
	"tab-payment-service/internal/mpesa"
	"tab-payment-service/internal/repository"
)

const (
	orphanLookback        = 24 * time.Hour
	orphanCandidateLimit  = 200
	orphanSimilarityFloor = 0.8
)

type CallbackOutcome string

const (
	OutcomeCompleted CallbackOutcome = "completed"
	OutcomeFailed    CallbackOutcome = "failed"
	OutcomeCancelled CallbackOutcome = "cancelled"
	OutcomeDuplicate CallbackOutcome = "duplicate"
	OutcomeOrphaned  CallbackOutcome = "orphaned"
	OutcomeRejected  CallbackOutcome = "rejected"
)

// CallbackResult describes what a callback did. Callbacks never fail the HTTP exchange,
// so problems are carried in Err rather than returned.
type CallbackResult struct {
	Outcome              CallbackOutcome          `json:"outcome"`
	Success              bool                     `json:"success"`
	TransactionID        string                   `json:"transaction_id,omitempty"`
	Status               models.TransactionStatus `json:"status,omitempty"`
	ReceiptNumber        string                   `json:"receipt_number,omitempty"`
	Message              string                   `json:"message,omitempty"`
	CorrelationID        string                   `json:"correlation_id"`
	SimilarTransactionID string                   `json:"similar_transaction_id,omitempty"`
	Settlement           *SyncResult              `json:"settlement,omitempty"`
	AutoClose            *AutoCloseResult         `json:"auto_close,omitempty"`
	Err                  error                    `json:"-"`
}

type SettlementRequest struct {
	TransactionID   string     `json:"transaction_id"`
	ReceiptNumber   string     `json:"receipt_number"`
	TransactionDate *time.Time `json:"transaction_date,omitempty"`
	CorrelationID   string     `json:"correlation_id,omitempty"`
}

// SettlementQueue takes settlements that failed inline and retries them out of band.
type SettlementQueue interface {
	EnqueueSettlement(ctx context.Context, req SettlementRequest) error
}

type CallbackService struct {
	Auth         CallbackAuthenticator
	Transactions *TransactionService
	Machine      *StateMachine
	Sync         *OrderSyncService
	AutoClose    *TabAutoCloseService
	Logs         repository.CallbackLogRepository
	Queue        SettlementQueue
	Metrics      *metrics.PaymentMetrics
	Now          func() time.Time
}

func NewCallbackService(auth CallbackAuthenticator, transactions *TransactionService, machine *StateMachine, sync *OrderSyncService, autoClose *TabAutoCloseService, logs repository.CallbackLogRepository, queue SettlementQueue, m *metrics.PaymentMetrics) *CallbackService {
	if auth == nil {
		auth = EnvelopeAuthenticator{}
	}
	return &CallbackService{
		Auth:         auth,
		Transactions: transactions,
		Machine:      machine,
		Sync:         sync,
		AutoClose:    autoClose,
		Logs:         logs,
		Queue:        queue,
		Metrics:      m,
		Now:          time.Now,
	}
}

func (s *CallbackService) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *CallbackService) ProcessCallback(ctx context.Context, rawBody []byte) *CallbackResult {
	return s.Process(ctx, &CallbackRequest{Body: rawBody})
}

// Process runs the callback pipeline: authenticate, validate, correlate, transition, settle.
func (s *CallbackService) Process(ctx context.Context, req *CallbackRequest) *CallbackResult {
	ctx, correlationID := logging.EnsureCorrelationID(ctx)
	log := logging.FromContext(ctx).WithField("remote_ip", req.RemoteIP)

	payload := redactedPayload(req.Body)
	result := s.process(ctx, req, payload, log)
	result.CorrelationID = correlationID

	s.Metrics.RecordCallback(string(result.Outcome))
	if result.Err != nil {
		s.Metrics.RecordError(string(apperr.CodeOf(result.Err)), string(apperr.SeverityOf(result.Err)))
	}
	s.writeLog(ctx, req, payload, result)
	return result
}

// process works on the raw body; payload is the masked copy that may be logged or stored.
func (s *CallbackService) process(ctx context.Context, req *CallbackRequest, payload []byte, log *logrus.Entry) *CallbackResult {
	env, err := mpesa.ParseCallback(req.Body)
	if err != nil {
		log.WithError(err).Warn("Callback body is not a gateway envelope")
		return rejected(err)
	}
	req.Envelope = env

	if err := s.Auth.Authenticate(ctx, req); err != nil {
		log.WithError(err).Warn("Callback failed authentication")
		return rejected(err)
	}

	cb, err := mpesa.ValidateCallback(env, s.now())
	if err != nil {
		log.WithError(err).Warn("Callback failed validation")
		return rejected(err)
	}
	log = log.WithFields(logrus.Fields{
		"checkout_request_id": cb.CheckoutRequestID,
		"result_code":         cb.ResultCode,
	})

	txn, err := s.Transactions.GetByCheckoutRequestID(ctx, cb.CheckoutRequestID)
	if err != nil {
		if apperr.HasCode(err, apperr.CodeTransactionNotFound) {
			return s.orphan(ctx, cb, payload, log)
		}
		log.WithError(err).Error("Callback correlation failed")
		return rejected(err)
	}
	log = log.WithFields(logrus.Fields{"transaction_id": txn.ID, "tab_id": txn.TabID})

	if txn.Status.Terminal() {
		log.WithField("status", txn.Status).Info("Duplicate callback for settled transaction")
		return duplicateResult(txn)
	}
	if txn.Status != models.TransactionSent {
		err := apperr.Newf(apperr.CodeInvalidStateTransition, "callback for transaction %s in status %s", txn.ID, txn.Status)
		log.WithError(err).Warn("Callback for transaction that was never sent")
		return rejected(err)
	}

	switch {
	case cb.Succeeded():
		return s.complete(ctx, txn, cb, payload, log)
	case cb.Cancelled():
		return s.fail(ctx, txn, cb, payload, OutcomeCancelled, log)
	default:
		return s.fail(ctx, txn, cb, payload, OutcomeFailed, log)
	}
}

func (s *CallbackService) complete(ctx context.Context, txn *models.Transaction, cb *mpesa.ValidatedCallback, raw []byte, log *logrus.Entry) *CallbackResult {
	p := cb.Payment
	if !p.Amount.Equal(txn.Amount) {
		log.WithFields(logrus.Fields{
			"callback_amount":    p.Amount.StringFixed(2),
			"transaction_amount": txn.Amount.StringFixed(2),
		}).Warn("Callback amount differs from requested amount")
	}
	if p.Stale {
		log.WithField("transaction_date", p.TransactionDate).Warn("Callback transaction date is more than 30 days old")
	}

	updated, err := s.Machine.MarkAsCompleted(ctx, txn.ID, CompletionData{
		ReceiptNumber:   p.ReceiptNumber,
		TransactionDate: p.TransactionDate,
		ResultCode:      cb.ResultCode,
		CallbackData:    datatypes.JSON(raw),
	})
	if err != nil {
		return s.transitionFailed(ctx, txn.ID, err, log)
	}

	result := &CallbackResult{
		Outcome:       OutcomeCompleted,
		Success:       true,
		TransactionID: updated.ID,
		Status:        updated.Status,
		ReceiptNumber: p.ReceiptNumber,
		Message:       cb.ResultDesc,
	}
	amount, _ := updated.Amount.Float64()
	s.Metrics.RecordCompletedAmount(updated.TenantID, updated.Currency, amount)

	var txDate *time.Time
	if !p.TransactionDate.IsZero() {
		d := p.TransactionDate
		txDate = &d
	}
	settlement, autoClose, err := s.settle(ctx, updated, p.ReceiptNumber, txDate)
	result.Settlement = settlement
	result.AutoClose = autoClose
	if err != nil {
		result.Err = err
		s.escalate(ctx, SettlementRequest{
			TransactionID:   updated.ID,
			ReceiptNumber:   p.ReceiptNumber,
			TransactionDate: txDate,
			CorrelationID:   logging.CorrelationID(ctx),
		}, err, log)
	}
	log.WithField("receipt_number", p.ReceiptNumber).Info("Payment completed")
	return result
}

func (s *CallbackService) fail(ctx context.Context, txn *models.Transaction, cb *mpesa.ValidatedCallback, raw []byte, outcome CallbackOutcome, log *logrus.Entry) *CallbackResult {
	code := cb.ResultCode
	var (
		updated *models.Transaction
		err     error
	)
	if outcome == OutcomeCancelled {
		updated, err = s.Machine.MarkAsCancelled(ctx, txn.ID, cb.ResultDesc, &code, datatypes.JSON(raw))
	} else {
		updated, err = s.Machine.MarkAsFailed(ctx, txn.ID, cb.ResultDesc, &code, datatypes.JSON(raw))
	}
	if err != nil {
		return s.transitionFailed(ctx, txn.ID, err, log)
	}
	s.Sync.UpdateOrderStatusForFailedPayment(ctx, updated, cb.ResultDesc)
	log.WithField("reason", cb.ResultDesc).Info("Payment did not complete")
	return &CallbackResult{
		Outcome:       outcome,
		TransactionID: updated.ID,
		Status:        updated.Status,
		Message:       cb.ResultDesc,
	}
}

// transitionFailed handles a transition that lost a race with another callback or the timeout.
func (s *CallbackService) transitionFailed(ctx context.Context, id string, err error, log *logrus.Entry) *CallbackResult {
	if apperr.HasCode(err, apperr.CodeInvalidStateTransition) {
		if current, gerr := s.Transactions.GetTransaction(ctx, id); gerr == nil && current.Status.Terminal() {
			log.WithField("status", current.Status).Info("Transaction settled concurrently, treating callback as duplicate")
			return duplicateResult(current)
		}
	}
	log.WithError(err).Error("Failed to apply callback transition")
	r := rejected(err)
	r.TransactionID = id
	return r
}

// SettleTransaction writes the ledger entry for a completed transaction and runs the
// auto-close rule. It is safe to call more than once for the same transaction.
func (s *CallbackService) SettleTransaction(ctx context.Context, req SettlementRequest) (*SyncResult, error) {
	txn, err := s.Transactions.GetTransaction(ctx, req.TransactionID)
	if err != nil {
		return nil, err
	}
	if txn.Status != models.TransactionCompleted {
		return nil, apperr.Newf(apperr.CodeInvalidStateTransition, "transaction %s is %s, not completed", txn.ID, txn.Status)
	}
	receipt := req.ReceiptNumber
	if receipt == "" {
		receipt = deref(txn.MpesaReceiptNumber)
	}
	date := req.TransactionDate
	if date == nil {
		date = txn.TransactionDate
	}
	settlement, _, err := s.settle(ctx, txn, receipt, date)
	return settlement, err
}

func (s *CallbackService) settle(ctx context.Context, txn *models.Transaction, receipt string, txDate *time.Time) (*SyncResult, *AutoCloseResult, error) {
	settlement, err := s.Sync.UpdateOrderStatusForSuccessfulPayment(ctx, txn, receipt, txDate)
	if err != nil {
		s.Metrics.RecordSettlementFailure("ledger")
		return nil, nil, err
	}
	if s.AutoClose == nil {
		return settlement, nil, nil
	}
	autoClose, err := s.AutoClose.ProcessPaymentNotification(ctx, txn.TabID)
	if err != nil {
		s.Metrics.RecordSettlementFailure("auto_close")
		logging.FromContext(ctx).WithError(err).WithField("tab_id", txn.TabID).Warn("Auto-close check failed after settlement")
		return settlement, nil, nil
	}
	return settlement, autoClose, nil
}

// escalate hands a failed settlement to the retry queue. The transaction stays completed.
func (s *CallbackService) escalate(ctx context.Context, req SettlementRequest, cause error, log *logrus.Entry) {
	log = log.WithError(cause).WithField("error_code", apperr.CodeOf(cause))
	if apperr.HasCode(cause, apperr.CodeDuplicatePayment) || s.Queue == nil {
		log.Error("Settlement failed after payment completed, manual reconciliation required")
		return
	}
	if err := s.Queue.EnqueueSettlement(context.WithoutCancel(ctx), req); err != nil {
		s.Metrics.RecordSettlementFailure("enqueue")
		log.WithField("enqueue_error", err.Error()).Error("Settlement failed and could not be queued for retry")
		return
	}
	log.Error("Settlement failed after payment completed, queued for retry")
}

func (s *CallbackService) orphan(ctx context.Context, cb *mpesa.ValidatedCallback, payload []byte, log *logrus.Entry) *CallbackResult {
	result := &CallbackResult{
		Outcome: OutcomeOrphaned,
		Message: "no transaction matches checkout request id",
		Err:     apperr.Newf(apperr.CodeTransactionNotFound, "no transaction for checkout request id %s", cb.CheckoutRequestID),
	}

	recent, err := s.Transactions.FindRecentTransactions(ctx, s.now().Add(-orphanLookback), orphanCandidateLimit)
	if err != nil {
		log.WithError(err).Warn("Could not load recent transactions for orphan check")
	}
	best, bestScore := "", 0.0
	for _, t := range recent {
		if t.CheckoutRequestID == nil {
			continue
		}
		if score := Similarity(cb.CheckoutRequestID, *t.CheckoutRequestID); score > bestScore {
			best, bestScore = t.ID, score
		}
	}

	fields := logrus.Fields{"payload": string(payload)}
	if bestScore >= orphanSimilarityFloor {
		result.SimilarTransactionID = best
		fields["similar_transaction_id"] = best
		fields["similarity"] = bestScore
	}
	log.WithFields(fields).Warn("Orphaned callback received")
	return result
}

// Similarity is 1 minus the Levenshtein distance normalised by the longer string.
func Similarity(a, b string) float64 {
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

func (s *CallbackService) writeLog(ctx context.Context, req *CallbackRequest, payload []byte, result *CallbackResult) {
	if s.Logs == nil {
		return
	}
	entry := &models.CallbackLog{
		CorrelationID: result.CorrelationID,
		TransactionID: result.TransactionID,
		Outcome:       logOutcome(result),
		Request:       datatypes.JSON(payload),
	}
	if req.Envelope != nil && req.Envelope.Body.STKCallback != nil {
		cb := req.Envelope.Body.STKCallback
		entry.CheckoutRequestID = mpesa.Sanitize(cb.CheckoutRequestID, 100)
		entry.MerchantRequestID = mpesa.Sanitize(cb.MerchantRequestID, 100)
		if code, err := cb.ResultCode.Int64(); err == nil {
			c := int(code)
			entry.ResultCode = &c
		}
	}
	if result.TransactionID != "" {
		if txn, err := s.Transactions.GetTransaction(context.WithoutCancel(ctx), result.TransactionID); err == nil {
			entry.TenantID = txn.TenantID
		}
	}
	summary := map[string]interface{}{
		"outcome": result.Outcome,
		"success": result.Success,
		"status":  result.Status,
	}
	if result.Err != nil {
		summary["error_code"] = apperr.CodeOf(result.Err)
	}
	if b, err := json.Marshal(summary); err == nil {
		entry.Response = datatypes.JSON(b)
	}

	if err := s.Logs.Create(context.WithoutCancel(ctx), entry); err != nil {
		logging.FromContext(ctx).WithError(err).Error("Failed to write callback log")
	}
}

func logOutcome(r *CallbackResult) models.CallbackOutcome {
	switch r.Outcome {
	case OutcomeCompleted:
		return models.CallbackCompleted
	case OutcomeFailed:
		return models.CallbackFailed
	case OutcomeCancelled:
		return models.CallbackCancelled
	case OutcomeDuplicate:
		return models.CallbackDuplicate
	case OutcomeOrphaned:
		return models.CallbackOrphaned
	}
	if apperr.HasCode(r.Err, apperr.CodeValidationError) {
		return models.CallbackInvalid
	}
	return models.CallbackError
}

// digitRun matches anything long enough to be a phone number in a body that is not JSON.
var digitRun = regexp.MustCompile(`\+?\d{9,15}`)

// redactedPayload returns the callback body as JSON with the PhoneNumber metadata value masked.
// A body that is not JSON comes back as a JSON string with long digit runs masked.
func redactedPayload(body []byte) []byte {
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if !json.Valid(body) || dec.Decode(&doc) != nil {
		b, _ := json.Marshal(digitRun.ReplaceAllStringFunc(string(body), logging.MaskPhone))
		return b
	}
	maskPhoneItems(doc)
	b, err := json.Marshal(doc)
	if err != nil {
		return []byte("null")
	}
	return b
}

func maskPhoneItems(v interface{}) {
	switch node := v.(type) {
	case map[string]interface{}:
		if name, ok := node["Name"].(string); ok && strings.EqualFold(name, "PhoneNumber") {
			if value, ok := node["Value"]; ok && value != nil {
				node["Value"] = logging.MaskPhone(fmt.Sprint(value))
			}
		}
		for _, child := range node {
			maskPhoneItems(child)
		}
	case []interface{}:
		for _, child := range node {
			maskPhoneItems(child)
		}
	}
}

func rejected(err error) *CallbackResult {
	return &CallbackResult{Outcome: OutcomeRejected, Message: apperr.UserMessage(err), Err: err}
}

func duplicateResult(txn *models.Transaction) *CallbackResult {
	return &CallbackResult{
		Outcome:       OutcomeDuplicate,
		Success:       txn.Status == models.TransactionCompleted,
		TransactionID: txn.ID,
		Status:        txn.Status,
		ReceiptNumber: deref(txn.MpesaReceiptNumber),
		Message:       "callback already processed",
	}
}
