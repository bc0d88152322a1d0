package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"tab-payment-service/internal/models"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrStatusConflict   = errors.New("status changed concurrently")
	ErrDuplicateReceipt = errors.New("receipt already recorded")
	ErrAlreadyLinked    = errors.New("transaction already linked to a payment")
)

type CredentialRepository interface {
	// FindLatest returns the newest row for (tenant, environment), preferring active rows.
	FindLatest(ctx context.Context, tenantID, environment string) (*models.MpesaCredential, error)
	Create(ctx context.Context, cred *models.MpesaCredential) error
}

// TabWithBar is the result of the tab to bar join. Bar fields are nil when the
// tab has no bar or the bar row is missing.
type TabWithBar struct {
	TabID           string
	TabStatus       models.TabStatus
	OwnerIdentifier string
	TabBarID        *string
	BarID           *string
	BarName         *string
	BarActive       *bool
}

type TabRepository interface {
	FindTabWithBar(ctx context.Context, tabID string) (*TabWithBar, error)
	FindCustomerTab(ctx context.Context, barID, ownerIdentifier string, statuses []models.TabStatus) (*TabWithBar, error)
	GetTab(ctx context.Context, tabID string) (*models.Tab, error)
	// UpdateStatus only applies when the tab is still in from. ErrStatusConflict otherwise.
	UpdateStatus(ctx context.Context, tabID string, from, to models.TabStatus, closedAt *time.Time) error
	SumOrders(ctx context.Context, tabID string) (decimal.Decimal, error)
	SumPaymentsByMethod(ctx context.Context, tabID string) (map[string]decimal.Decimal, error)
}

type TransactionRepository interface {
	Create(ctx context.Context, txn *models.Transaction) error
	FindByID(ctx context.Context, id string) (*models.Transaction, error)
	FindByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*models.Transaction, error)
	// UpdateStatus applies change only while the row is in change.From.
	UpdateStatus(ctx context.Context, id string, change StatusChange) error
	RecordFailureReason(ctx context.Context, id string, reason string, resultCode *int) error
	FindStaleSent(ctx context.Context, sentBefore time.Time, limit int) ([]models.Transaction, error)
	FindRecent(ctx context.Context, since time.Time, limit int) ([]models.Transaction, error)
	ListByTab(ctx context.Context, tabID string, page, limit int) ([]models.Transaction, int64, error)
}

type PaymentRepository interface {
	ExistsByReference(ctx context.Context, reference string) (bool, error)
	FindByReference(ctx context.Context, reference string) (*models.TabPayment, error)
	FindByID(ctx context.Context, id string) (*models.TabPayment, error)
	// CreateSettled inserts the payment and links the transaction in one unit of work.
	CreateSettled(ctx context.Context, payment *models.TabPayment, transactionID string) error
	// Reverse marks the payment reversed and unlinks its transaction in one unit of work.
	Reverse(ctx context.Context, paymentID string) error
}

type CallbackLogRepository interface {
	Create(ctx context.Context, log *models.CallbackLog) error
}

type AuditRepository interface {
	Record(ctx context.Context, event *models.AuditEvent) error
}

// Store groups the repositories the services depend on.
type Store struct {
	Credentials  CredentialRepository
	Tabs         TabRepository
	Transactions TransactionRepository
	Payments     PaymentRepository
	CallbackLogs CallbackLogRepository
	Audit        AuditRepository
}

// StatusChange describes a conditional transaction status update and the
// columns that move with it.
type StatusChange struct {
	From              models.TransactionStatus
	To                models.TransactionStatus
	CheckoutRequestID *string
	MerchantRequestID *string
	SentAt            *time.Time
	ReceiptNumber     *string
	TransactionDate   *time.Time
	FailureReason     *string
	ResultCode        *int
	CallbackData      datatypes.JSON
	// Reset clears gateway ids and the previous result before a retry.
	Reset bool
}

// Columns returns the column updates for the change.
func (c StatusChange) Columns() map[string]interface{} {
	cols := map[string]interface{}{"status": c.To}
	if c.Reset {
		cols["checkout_request_id"] = nil
		cols["merchant_request_id"] = nil
		cols["mpesa_receipt_number"] = nil
		cols["transaction_date"] = nil
		cols["failure_reason"] = nil
		cols["result_code"] = nil
		cols["callback_data"] = nil
		cols["sent_at"] = nil
	}
	if c.CheckoutRequestID != nil {
		cols["checkout_request_id"] = *c.CheckoutRequestID
	}
	if c.MerchantRequestID != nil {
		cols["merchant_request_id"] = *c.MerchantRequestID
	}
	if c.SentAt != nil {
		cols["sent_at"] = *c.SentAt
	}
	if c.ReceiptNumber != nil {
		cols["mpesa_receipt_number"] = *c.ReceiptNumber
	}
	if c.TransactionDate != nil {
		cols["transaction_date"] = *c.TransactionDate
	}
	if c.FailureReason != nil {
		cols["failure_reason"] = *c.FailureReason
	}
	if c.ResultCode != nil {
		cols["result_code"] = *c.ResultCode
	}
	if c.CallbackData != nil {
		cols["callback_data"] = c.CallbackData
	}
	return cols
}

// Apply mirrors Columns onto an in-memory row.
func (c StatusChange) Apply(t *models.Transaction) {
	t.Status = c.To
	if c.Reset {
		t.CheckoutRequestID = nil
		t.MerchantRequestID = nil
		t.MpesaReceiptNumber = nil
		t.TransactionDate = nil
		t.FailureReason = nil
		t.ResultCode = nil
		t.CallbackData = nil
		t.SentAt = nil
	}
	if c.CheckoutRequestID != nil {
		t.CheckoutRequestID = ptr(*c.CheckoutRequestID)
	}
	if c.MerchantRequestID != nil {
		t.MerchantRequestID = ptr(*c.MerchantRequestID)
	}
	if c.SentAt != nil {
		t.SentAt = ptr(*c.SentAt)
	}
	if c.ReceiptNumber != nil {
		t.MpesaReceiptNumber = ptr(*c.ReceiptNumber)
	}
	if c.TransactionDate != nil {
		t.TransactionDate = ptr(*c.TransactionDate)
	}
	if c.FailureReason != nil {
		t.FailureReason = ptr(*c.FailureReason)
	}
	if c.ResultCode != nil {
		t.ResultCode = ptr(*c.ResultCode)
	}
	if c.CallbackData != nil {
		t.CallbackData = append(datatypes.JSON(nil), c.CallbackData...)
	}
}

func ptr[T any](v T) *T { return &v }
