package models

import (
	"time"

	"gorm.io/datatypes"
)

type CallbackOutcome string

const (
	CallbackCompleted CallbackOutcome = "completed"
	CallbackFailed    CallbackOutcome = "failed"
	CallbackCancelled CallbackOutcome = "cancelled"
	CallbackDuplicate CallbackOutcome = "duplicate"
	CallbackOrphaned  CallbackOutcome = "orphaned"
	CallbackInvalid   CallbackOutcome = "invalid"
	CallbackError     CallbackOutcome = "error"
)

type CallbackLog struct {
	ID                uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	CorrelationID     string          `gorm:"column:correlation_id;size:32;index" json:"correlation_id"`
	CheckoutRequestID string          `gorm:"column:checkout_request_id;size:100;index" json:"checkout_request_id"`
	MerchantRequestID string          `gorm:"column:merchant_request_id;size:100" json:"merchant_request_id"`
	TransactionID     string          `gorm:"column:transaction_id;size:36" json:"transaction_id"`
	TenantID          string          `gorm:"column:tenant_id;size:36" json:"tenant_id"`
	Outcome           CallbackOutcome `gorm:"column:outcome;size:20;not null" json:"outcome"`
	ResultCode        *int            `gorm:"column:result_code" json:"result_code"`
	Request           datatypes.JSON  `gorm:"column:request" json:"request"`
	Response          datatypes.JSON  `gorm:"column:response" json:"response"`
	CreatedAt         time.Time       `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (CallbackLog) TableName() string {
	return "callback_logs"
}
