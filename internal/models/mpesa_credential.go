package models

import (
	"time"
)

// MpesaCredential holds one tenant's encrypted Daraja credentials for an environment.
// The *Enc columns are AES-GCM blobs produced by the kms package.
type MpesaCredential struct {
	ID                string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	TenantID          string    `gorm:"column:tenant_id;type:varchar(36);not null;index:idx_mpesa_cred_tenant_env" json:"tenant_id"`
	Environment       string    `gorm:"column:environment;size:20;not null;index:idx_mpesa_cred_tenant_env" json:"environment"`
	BusinessShortCode string    `gorm:"column:business_shortcode;size:20;not null" json:"business_shortcode"`
	ConsumerKeyEnc    []byte    `gorm:"column:consumer_key_enc" json:"-"`
	ConsumerSecretEnc []byte    `gorm:"column:consumer_secret_enc" json:"-"`
	PasskeyEnc        []byte    `gorm:"column:passkey_enc" json:"-"`
	CallbackURL       string    `gorm:"column:callback_url;size:500" json:"callback_url"`
	TimeoutURL        string    `gorm:"column:timeout_url;size:500" json:"timeout_url"`
	IsActive          bool      `gorm:"column:is_active;not null;default:false" json:"is_active"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (MpesaCredential) TableName() string {
	return "mpesa_credentials"
}
