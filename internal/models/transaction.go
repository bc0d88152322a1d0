package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionSent      TransactionStatus = "sent"
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
	TransactionCancelled TransactionStatus = "cancelled"
	TransactionTimeout   TransactionStatus = "timeout"
)

// Terminal reports whether the gateway has already given (or been denied) a final answer.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case TransactionCompleted, TransactionFailed, TransactionCancelled, TransactionTimeout:
		return true
	}
	return false
}

type Transaction struct {
	ID                 string            `gorm:"primaryKey;type:varchar(36)" json:"id"`
	TabID              string            `gorm:"column:tab_id;type:varchar(36);not null;index" json:"tab_id"`
	TenantID           string            `gorm:"column:tenant_id;type:varchar(36);not null;index" json:"tenant_id"`
	PhoneNumber        string            `gorm:"column:phone_number;size:15;not null" json:"phone_number"`
	Amount             decimal.Decimal   `gorm:"column:amount;type:decimal(12,2);not null" json:"amount"`
	Currency           string            `gorm:"column:currency;size:3;not null;default:KES" json:"currency"`
	Environment        string            `gorm:"column:environment;size:20;not null" json:"environment"`
	Status             TransactionStatus `gorm:"column:status;size:20;not null;index:idx_mpesa_tx_status_sent" json:"status"`
	CheckoutRequestID  *string           `gorm:"column:checkout_request_id;size:100;uniqueIndex" json:"checkout_request_id"`
	MerchantRequestID  *string           `gorm:"column:merchant_request_id;size:100" json:"merchant_request_id"`
	MpesaReceiptNumber *string           `gorm:"column:mpesa_receipt_number;size:20" json:"mpesa_receipt_number"`
	TransactionDate    *time.Time        `gorm:"column:transaction_date" json:"transaction_date"`
	FailureReason      *string           `gorm:"column:failure_reason;size:255" json:"failure_reason"`
	ResultCode         *int              `gorm:"column:result_code" json:"result_code"`
	CallbackData       datatypes.JSON    `gorm:"column:callback_data" json:"callback_data,omitempty"`
	TabPaymentID       *string           `gorm:"column:tab_payment_id;type:varchar(36);uniqueIndex:idx_mpesa_transactions_tab_payment_id" json:"tab_payment_id"`
	SentAt             *time.Time        `gorm:"column:sent_at;index:idx_mpesa_tx_status_sent" json:"sent_at"`
	CreatedAt          time.Time         `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time         `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Transaction) TableName() string {
	return "mpesa_transactions"
}
