package services

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"tab-payment-service/internal/apperr"
	"tab-payment-service/internal/logging"
	"tab-payment-service/internal/models"
	"tab-payment-service/internal/mpesa"
	"tab-payment-service/internal/repository"
)

// TenantServiceConfig is everything a gateway call needs for one tenant.
type TenantServiceConfig struct {
	TenantID           string
	TenantName         string
	Environment        mpesa.Environment
	BusinessShortCode  string
	ConsumerKey        string
	ConsumerSecret     string
	Passkey            string
	CallbackURL        string
	TimeoutURL         string
	BaseURL            string
	Timeout            time.Duration
	RetryAttempts      int
	RateLimitPerMinute int
}

// Wipe clears secret references.
func (c *TenantServiceConfig) Wipe() {
	c.ConsumerKey = ""
	c.ConsumerSecret = ""
	c.Passkey = ""
}

type ConfigOverrides struct {
	Timeout            *time.Duration
	RetryAttempts      *int
	RateLimitPerMinute *int
}

type FactorySettings struct {
	AllowProduction    bool
	Timeout            time.Duration
	RetryAttempts      int
	RateLimitPerMinute int
	Endpoints          mpesa.Endpoints
}

func DefaultFactorySettings() FactorySettings {
	return FactorySettings{
		Timeout:            30 * time.Second,
		RetryAttempts:      3,
		RateLimitPerMinute: 10,
		Endpoints:          mpesa.DefaultEndpoints(),
	}
}

type TenantConfigFactory struct {
	Settings FactorySettings
	Audit    repository.AuditRepository
}

func NewTenantConfigFactory(settings FactorySettings, audit repository.AuditRepository) *TenantConfigFactory {
	return &TenantConfigFactory{Settings: settings, Audit: audit}
}

func (f *TenantConfigFactory) CreateTenantConfig(ctx context.Context, info *TenantInfo, creds *Credentials, overrides *ConfigOverrides) (*TenantServiceConfig, error) {
	if info == nil || info.TenantID == "" || info.TenantName == "" {
		return nil, apperr.New(apperr.CodeTenantConfigInvalid, "tenant id and name are required")
	}
	if !info.IsActive {
		return nil, apperr.Newf(apperr.CodeInactiveBar, "tenant %s is inactive", info.TenantID)
	}
	if creds == nil || !creds.Complete() {
		return nil, apperr.Newf(apperr.CodeCredentialsIncomplete, "credentials incomplete for tenant %s", info.TenantID)
	}

	env := creds.Environment
	if !env.Valid() {
		return nil, apperr.Newf(apperr.CodeTenantConfigInvalid, "unknown environment %q", env)
	}
	if env == mpesa.Production && !f.Settings.AllowProduction {
		env = mpesa.Sandbox
		f.recordOverride(ctx, info, mpesa.Production, env)
	}

	cfg := &TenantServiceConfig{
		TenantID:           info.TenantID,
		TenantName:         info.TenantName,
		Environment:        env,
		BusinessShortCode:  creds.BusinessShortCode,
		ConsumerKey:        creds.ConsumerKey,
		ConsumerSecret:     creds.ConsumerSecret,
		Passkey:            creds.Passkey,
		CallbackURL:        creds.CallbackURL,
		TimeoutURL:         creds.TimeoutURL,
		BaseURL:            f.Settings.Endpoints.BaseURL(env),
		Timeout:            f.Settings.Timeout,
		RetryAttempts:      f.Settings.RetryAttempts,
		RateLimitPerMinute: f.Settings.RateLimitPerMinute,
	}

	if overrides != nil {
		if overrides.Timeout != nil {
			if *overrides.Timeout <= 0 {
				return nil, apperr.New(apperr.CodeTenantConfigInvalid, "timeout override must be positive")
			}
			cfg.Timeout = *overrides.Timeout
		}
		if overrides.RetryAttempts != nil {
			if *overrides.RetryAttempts < 0 {
				return nil, apperr.New(apperr.CodeTenantConfigInvalid, "retry override must not be negative")
			}
			cfg.RetryAttempts = *overrides.RetryAttempts
		}
		if overrides.RateLimitPerMinute != nil {
			if *overrides.RateLimitPerMinute <= 0 {
				return nil, apperr.New(apperr.CodeTenantConfigInvalid, "rate limit override must be positive")
			}
			cfg.RateLimitPerMinute = *overrides.RateLimitPerMinute
		}
	}

	if cfg.Environment == mpesa.Production {
		for name, raw := range map[string]string{"callback_url": cfg.CallbackURL, "timeout_url": cfg.TimeoutURL} {
			if raw == "" {
				continue
			}
			if u, err := url.Parse(raw); err != nil || u.Scheme != "https" {
				cfg.Wipe()
				return nil, apperr.Newf(apperr.CodeTenantConfigInvalid, "%s must use https in production", name)
			}
		}
	}
	return cfg, nil
}

func (f *TenantConfigFactory) recordOverride(ctx context.Context, info *TenantInfo, from, to mpesa.Environment) {
	log := logging.FromContext(ctx).WithFields(logrus.Fields{
		"tenant_id":            info.TenantID,
		"original_environment": from,
		"final_environment":    to,
	})
	log.Warn("Production credentials requested but production is not allowed, using sandbox")

	if f.Audit == nil {
		return
	}
	before, _ := json.Marshal(map[string]string{"environment": string(from)})
	after, _ := json.Marshal(map[string]string{"environment": string(to)})
	event := &models.AuditEvent{
		Action:        models.AuditEnvironmentOverride,
		EntityType:    "tenant",
		EntityID:      info.TenantID,
		TenantID:      info.TenantID,
		Before:        datatypes.JSON(before),
		After:         datatypes.JSON(after),
		Reason:        "MPESA_ALLOW_PRODUCTION is false",
		Actor:         "system",
		CorrelationID: logging.CorrelationID(ctx),
	}
	if err := f.Audit.Record(ctx, event); err != nil {
		log.WithError(err).Error("Failed to record environment override audit event")
	}
}
