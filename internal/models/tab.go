package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type TabStatus string

const (
	TabOpen    TabStatus = "open"
	TabOverdue TabStatus = "overdue"
	TabClosing TabStatus = "closing"
	TabClosed  TabStatus = "closed"
)

// PayableTabStatuses are the statuses a tab may be in to accept a payment.
var PayableTabStatuses = []TabStatus{TabOpen, TabOverdue}

func (s TabStatus) Payable() bool {
	for _, p := range PayableTabStatuses {
		if s == p {
			return true
		}
	}
	return false
}

// Bar is the tenant.
type Bar struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name      string    `gorm:"column:name;size:255;not null" json:"name"`
	IsActive  bool      `gorm:"column:is_active;not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Bar) TableName() string {
	return "bars"
}

type Tab struct {
	ID              string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	BarID           *string    `gorm:"column:bar_id;type:varchar(36);index:idx_tabs_bar_owner" json:"bar_id"`
	OwnerIdentifier string     `gorm:"column:owner_identifier;size:255;not null;index:idx_tabs_bar_owner" json:"owner_identifier"`
	TabNumber       int        `gorm:"column:tab_number;not null;default:0" json:"tab_number"`
	Status          TabStatus  `gorm:"column:status;size:20;not null;default:open" json:"status"`
	ClosedAt        *time.Time `gorm:"column:closed_at" json:"closed_at"`
	CreatedAt       time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Tab) TableName() string {
	return "tabs"
}

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderConfirmed OrderStatus = "confirmed"
	OrderCancelled OrderStatus = "cancelled"
)

type TabOrder struct {
	ID        string          `gorm:"primaryKey;type:varchar(36)" json:"id"`
	TabID     string          `gorm:"column:tab_id;type:varchar(36);not null;index" json:"tab_id"`
	Total     decimal.Decimal `gorm:"column:total;type:decimal(12,2);not null" json:"total"`
	Status    OrderStatus     `gorm:"column:status;size:20;not null;default:pending" json:"status"`
	CreatedAt time.Time       `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (TabOrder) TableName() string {
	return "tab_orders"
}

type PaymentStatus string

const (
	PaymentSuccess  PaymentStatus = "success"
	PaymentReversed PaymentStatus = "reversed"
)

const PaymentMethodMpesa = "mpesa"

// TabPayment is a ledger row. Reference holds the gateway receipt and is unique.
type TabPayment struct {
	ID        string          `gorm:"primaryKey;type:varchar(36)" json:"id"`
	TabID     string          `gorm:"column:tab_id;type:varchar(36);not null;index" json:"tab_id"`
	Amount    decimal.Decimal `gorm:"column:amount;type:decimal(12,2);not null" json:"amount"`
	Method    string          `gorm:"column:method;size:20;not null" json:"method"`
	Status    PaymentStatus   `gorm:"column:status;size:20;not null" json:"status"`
	Reference string          `gorm:"column:reference;size:50;not null;uniqueIndex" json:"reference"`
	Metadata  datatypes.JSON  `gorm:"column:metadata" json:"metadata"`
	CreatedAt time.Time       `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (TabPayment) TableName() string {
	return "tab_payments"
}
