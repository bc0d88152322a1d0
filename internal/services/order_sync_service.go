package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"tab-payment-service/internal/apperr"
	"tab-payment-service/internal/logging"
	"tab-payment-service/internal/models"
	"tab-payment-service/internal/repository"
)

type SyncResult struct {
	TabPaymentID  string          `json:"tab_payment_id"`
	TabID         string          `json:"tab_id"`
	Amount        decimal.Decimal `json:"amount"`
	ReceiptNumber string          `json:"receipt_number"`
	// AlreadySettled is set when the transaction was linked before this call.
	AlreadySettled bool `json:"already_settled"`
}

type TabBalance struct {
	TabID            string                     `json:"tab_id"`
	TotalOrders      decimal.Decimal            `json:"total_orders"`
	TotalPayments    decimal.Decimal            `json:"total_payments"`
	Balance          decimal.Decimal            `json:"balance"`
	PaymentsByMethod map[string]decimal.Decimal `json:"payments_by_method"`
}

// OrderSyncService reconciles gateway results against the tab ledger.
type OrderSyncService struct {
	Tabs         repository.TabRepository
	Payments     repository.PaymentRepository
	Transactions repository.TransactionRepository
	Audit        repository.AuditRepository
}

func NewOrderSyncService(store *repository.Store) *OrderSyncService {
	return &OrderSyncService{
		Tabs:         store.Tabs,
		Payments:     store.Payments,
		Transactions: store.Transactions,
		Audit:        store.Audit,
	}
}

// UpdateOrderStatusForSuccessfulPayment writes the ledger row for a completed
// transaction and links it back, both in one database transaction.
func (s *OrderSyncService) UpdateOrderStatusForSuccessfulPayment(ctx context.Context, txn *models.Transaction, receipt string, txDate *time.Time) (*SyncResult, error) {
	log := logging.FromContext(ctx).WithFields(logrus.Fields{
		"transaction_id": txn.ID,
		"tab_id":         txn.TabID,
	})

	if txn.TabID == "" {
		return nil, apperr.New(apperr.CodeValidationError, "transaction has no tab")
	}
	if !txn.Amount.IsPositive() {
		return nil, apperr.Newf(apperr.CodeInvalidAmount, "transaction amount %s must be positive", txn.Amount)
	}
	receipt = strings.ToUpper(strings.TrimSpace(receipt))
	if receipt == "" {
		return nil, apperr.New(apperr.CodeValidationError, "receipt number is required for settlement")
	}

	if txn.TabPaymentID != nil {
		log.Info("Transaction already settled")
		return &SyncResult{TabPaymentID: *txn.TabPaymentID, TabID: txn.TabID, Amount: txn.Amount, ReceiptNumber: receipt, AlreadySettled: true}, nil
	}

	tab, err := s.Tabs.GetTab(ctx, txn.TabID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Newf(apperr.CodeTabNotFound, "tab %s does not exist", txn.TabID)
		}
		return nil, apperr.Wrap(apperr.CodeDatabaseError, err, "load tab for settlement")
	}
	if tab.Status == models.TabClosed {
		return nil, apperr.Newf(apperr.CodeInvalidTabStatus, "tab %s is closed", tab.ID).With("tab_status", string(tab.Status))
	}

	exists, err := s.Payments.ExistsByReference(ctx, receipt)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeDatabaseError, err, "check receipt")
	}
	if exists {
		return s.duplicate(ctx, txn, receipt)
	}

	meta := map[string]interface{}{
		"transaction_id":      txn.ID,
		"checkout_request_id": deref(txn.CheckoutRequestID),
		"phone_number":        logging.MaskPhone(txn.PhoneNumber),
		"environment":         txn.Environment,
	}
	if txDate != nil {
		meta["transaction_date"] = txDate.Format(time.RFC3339)
	}
	metaJSON, _ := json.Marshal(meta)

	payment := &models.TabPayment{
		ID:        uuid.New().String(),
		TabID:     txn.TabID,
		Amount:    txn.Amount,
		Method:    models.PaymentMethodMpesa,
		Status:    models.PaymentSuccess,
		Reference: receipt,
		Metadata:  datatypes.JSON(metaJSON),
	}
	if err := s.Payments.CreateSettled(ctx, payment, txn.ID); err != nil {
		switch {
		case errors.Is(err, repository.ErrDuplicateReceipt):
			return s.duplicate(ctx, txn, receipt)
		case errors.Is(err, repository.ErrAlreadyLinked):
			log.Info("Transaction was linked concurrently")
			current, ferr := s.Transactions.FindByID(ctx, txn.ID)
			if ferr == nil && current.TabPaymentID != nil {
				return &SyncResult{TabPaymentID: *current.TabPaymentID, TabID: txn.TabID, Amount: txn.Amount, ReceiptNumber: receipt, AlreadySettled: true}, nil
			}
			return nil, apperr.Wrap(apperr.CodeSettlementFailed, err, "transaction linked concurrently")
		default:
			return nil, apperr.Wrap(apperr.CodeSettlementFailed, err, "write ledger entry")
		}
	}

	txn.TabPaymentID = &payment.ID
	log.WithFields(logrus.Fields{
		"tab_payment_id": payment.ID,
		"amount":         payment.Amount.StringFixed(2),
	}).Info("Tab payment recorded")

	return &SyncResult{TabPaymentID: payment.ID, TabID: txn.TabID, Amount: payment.Amount, ReceiptNumber: receipt}, nil
}

// duplicate treats a receipt that is already in the ledger as settled when it
// belongs to this transaction and as DUPLICATE_PAYMENT otherwise.
func (s *OrderSyncService) duplicate(ctx context.Context, txn *models.Transaction, receipt string) (*SyncResult, error) {
	existing, err := s.Payments.FindByReference(ctx, receipt)
	if err == nil {
		current, ferr := s.Transactions.FindByID(ctx, txn.ID)
		if ferr == nil && current.TabPaymentID != nil && *current.TabPaymentID == existing.ID {
			return &SyncResult{TabPaymentID: existing.ID, TabID: existing.TabID, Amount: existing.Amount, ReceiptNumber: receipt, AlreadySettled: true}, nil
		}
	}
	return nil, apperr.Newf(apperr.CodeDuplicatePayment, "receipt %s is already recorded", receipt).
		With("transaction_id", txn.ID)
}

// UpdateOrderStatusForFailedPayment leaves the ledger untouched.
func (s *OrderSyncService) UpdateOrderStatusForFailedPayment(ctx context.Context, txn *models.Transaction, reason string) {
	logging.FromContext(ctx).WithFields(logrus.Fields{
		"transaction_id": txn.ID,
		"tab_id":         txn.TabID,
		"status":         txn.Status,
		"reason":         reason,
	}).Info("Payment did not complete, tab ledger unchanged")
}

func (s *OrderSyncService) GetTabBalance(ctx context.Context, tabID string) (*TabBalance, error) {
	if _, err := s.Tabs.GetTab(ctx, tabID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Newf(apperr.CodeTabNotFound, "tab %s does not exist", tabID)
		}
		return nil, apperr.Wrap(apperr.CodeDatabaseError, err, "load tab")
	}
	orders, err := s.Tabs.SumOrders(ctx, tabID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeDatabaseError, err, "sum orders")
	}
	byMethod, err := s.Tabs.SumPaymentsByMethod(ctx, tabID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeDatabaseError, err, "sum payments")
	}
	paid := decimal.Zero
	for _, amount := range byMethod {
		paid = paid.Add(amount)
	}
	return &TabBalance{
		TabID:            tabID,
		TotalOrders:      orders,
		TotalPayments:    paid,
		Balance:          orders.Sub(paid),
		PaymentsByMethod: byMethod,
	}, nil
}

// RollbackPayment reverses a ledger entry. A reason is mandatory.
func (s *OrderSyncService) RollbackPayment(ctx context.Context, paymentID, reason, actor string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return apperr.New(apperr.CodeValidationError, "a rollback reason is required")
	}
	if actor == "" {
		actor = "system"
	}

	payment, err := s.Payments.FindByID(ctx, paymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.Newf(apperr.CodePaymentNotFound, "payment %s not found", paymentID)
		}
		return apperr.Wrap(apperr.CodeDatabaseError, err, "load payment")
	}
	if payment.Status == models.PaymentReversed {
		return apperr.Newf(apperr.CodeValidationError, "payment %s is already reversed", paymentID)
	}
	if err := s.Payments.Reverse(ctx, paymentID); err != nil {
		return apperr.Wrap(apperr.CodeDatabaseError, err, "reverse payment")
	}

	log := logging.FromContext(ctx).WithFields(logrus.Fields{
		"tab_payment_id": paymentID,
		"tab_id":         payment.TabID,
		"amount":         payment.Amount.StringFixed(2),
		"reason":         reason,
		"actor":          actor,
	})
	log.Warn("Tab payment rolled back")

	if s.Audit == nil {
		return nil
	}
	before, _ := json.Marshal(map[string]string{"status": string(models.PaymentSuccess), "reference": payment.Reference})
	after, _ := json.Marshal(map[string]string{"status": string(models.PaymentReversed), "reference": payment.Reference})
	event := &models.AuditEvent{
		Action:        models.AuditPaymentRollback,
		EntityType:    "tab_payment",
		EntityID:      paymentID,
		Before:        datatypes.JSON(before),
		After:         datatypes.JSON(after),
		Reason:        reason,
		Actor:         actor,
		CorrelationID: logging.CorrelationID(ctx),
	}
	if err := s.Audit.Record(ctx, event); err != nil {
		log.WithError(err).Error("Failed to record rollback audit event")
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
