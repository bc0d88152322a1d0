package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	AuditEnvironmentOverride = "environment_override"
	AuditTabAutoClosed       = "tab_auto_closed"
	AuditPaymentRollback     = "payment_rollback"
)

type AuditEvent struct {
	ID            uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	Action        string         `gorm:"column:action;size:50;not null;index" json:"action"`
	EntityType    string         `gorm:"column:entity_type;size:50;not null" json:"entity_type"`
	EntityID      string         `gorm:"column:entity_id;size:36;not null;index" json:"entity_id"`
	TenantID      string         `gorm:"column:tenant_id;size:36" json:"tenant_id"`
	Before        datatypes.JSON `gorm:"column:before_state" json:"before"`
	After         datatypes.JSON `gorm:"column:after_state" json:"after"`
	Reason        string         `gorm:"column:reason;size:255" json:"reason"`
	Actor         string         `gorm:"column:actor;size:100" json:"actor"`
	CorrelationID string         `gorm:"column:correlation_id;size:32" json:"correlation_id"`
	CreatedAt     time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (AuditEvent) TableName() string {
	return "payment_audit_events"
}
