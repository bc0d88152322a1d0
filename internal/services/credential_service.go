package services

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tab-payment-service/internal/apperr"
	"tab-payment-service/internal/logging"
	"tab-payment-service/internal/models"
	"tab-payment-service/internal/mpesa"
	"tab-payment-service/internal/repository"
)

// Decrypter is satisfied by *kms.Service.
type Decrypter interface {
	DecryptString(blob []byte) (string, error)
}

// Credentials are a tenant's decrypted Daraja credentials. Never log them.
type Credentials struct {
	TenantID          string
	Environment       mpesa.Environment
	BusinessShortCode string
	ConsumerKey       string
	ConsumerSecret    string
	Passkey           string
	CallbackURL       string
	TimeoutURL        string
	IsActive          bool
}

// Wipe drops the secret references so they can be collected.
func (c *Credentials) Wipe() {
	c.ConsumerKey = ""
	c.ConsumerSecret = ""
	c.Passkey = ""
}

func (c *Credentials) Complete() bool {
	return c.BusinessShortCode != "" && c.ConsumerKey != "" && c.ConsumerSecret != "" &&
		c.Passkey != "" && c.CallbackURL != ""
}

type CredentialService struct {
	Repo      repository.CredentialRepository
	KMS       Decrypter
	Endpoints mpesa.Endpoints
}

func NewCredentialService(repo repository.CredentialRepository, kms Decrypter, endpoints mpesa.Endpoints) *CredentialService {
	return &CredentialService{Repo: repo, KMS: kms, Endpoints: endpoints}
}

// GetTenantCredentials loads, decrypts and validates a tenant's credentials for env.
func (s *CredentialService) GetTenantCredentials(ctx context.Context, tenantID string, env mpesa.Environment) (*Credentials, error) {
	row, err := s.Repo.FindLatest(ctx, tenantID, string(env))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Newf(apperr.CodeCredentialsNotFound, "no %s credentials for tenant %s", env, tenantID).
				With("tenant_id", tenantID).With("environment", string(env))
		}
		return nil, apperr.Wrap(apperr.CodeDatabaseError, err, "load credentials")
	}
	if !row.IsActive {
		return nil, apperr.Newf(apperr.CodeCredentialsInactive, "%s credentials for tenant %s are inactive", env, tenantID).
			With("tenant_id", tenantID).With("environment", string(env))
	}
	if len(row.ConsumerKeyEnc) == 0 || len(row.ConsumerSecretEnc) == 0 || len(row.PasskeyEnc) == 0 {
		return nil, apperr.Newf(apperr.CodeCredentialsIncomplete, "encrypted fields missing for tenant %s", tenantID).
			With("tenant_id", tenantID).With("environment", string(env))
	}

	creds := &Credentials{
		TenantID:          tenantID,
		Environment:       env,
		BusinessShortCode: strings.TrimSpace(row.BusinessShortCode),
		CallbackURL:       strings.TrimSpace(row.CallbackURL),
		TimeoutURL:        strings.TrimSpace(row.TimeoutURL),
		IsActive:          row.IsActive,
	}

	fields := []struct {
		name string
		blob []byte
		dst  *string
	}{
		{"consumer_key", row.ConsumerKeyEnc, &creds.ConsumerKey},
		{"consumer_secret", row.ConsumerSecretEnc, &creds.ConsumerSecret},
		{"passkey", row.PasskeyEnc, &creds.Passkey},
	}
	for _, f := range fields {
		value, err := s.KMS.DecryptString(f.blob)
		if err != nil {
			creds.Wipe()
			logging.FromContext(ctx).WithFields(logrus.Fields{
				"tenant_id":   tenantID,
				"environment": env,
				"field":       f.name,
				"kms_code":    apperr.CodeOf(err),
			}).Error("Credential decryption failed")
			return nil, apperr.Wrap(apperr.CodeDecryptionError, err, "decrypt "+f.name).
				With("tenant_id", tenantID).With("environment", string(env)).With("field", f.name)
		}
		*f.dst = value
	}

	if problems := s.validate(creds); len(problems) > 0 {
		creds.Wipe()
		return nil, apperr.New(apperr.CodeCredentialsInvalid, strings.Join(problems, "; ")).
			With("tenant_id", tenantID).With("environment", string(env))
	}
	return creds, nil
}

// CredentialReport describes whether a tenant's credentials are usable. It holds no secrets.
type CredentialReport struct {
	TenantID    string            `json:"tenant_id"`
	Environment mpesa.Environment `json:"environment"`
	Valid       bool              `json:"valid"`
	Code        apperr.Code       `json:"code,omitempty"`
	Problems    []string          `json:"problems,omitempty"`
	ShortCode   string            `json:"shortcode,omitempty"`
}

func (s *CredentialService) ValidateCredentialsForTenant(ctx context.Context, tenantID string, env mpesa.Environment) *CredentialReport {
	report := &CredentialReport{TenantID: tenantID, Environment: env}
	creds, err := s.GetTenantCredentials(ctx, tenantID, env)
	if err != nil {
		report.Code = apperr.CodeOf(err)
		if e, ok := apperr.As(err); ok && e.AdminMessage != "" {
			report.Problems = strings.Split(e.AdminMessage, "; ")
		}
		return report
	}
	defer creds.Wipe()
	report.Valid = true
	report.ShortCode = creds.BusinessShortCode
	return report
}

func (s *CredentialService) validate(c *Credentials) []string {
	var problems []string
	if !c.Complete() {
		problems = append(problems, "required credential fields are empty")
	}

	if !isDigitString(c.BusinessShortCode) {
		problems = append(problems, "shortcode must be numeric")
	} else if c.Environment == mpesa.Production && len(c.BusinessShortCode) != 6 {
		problems = append(problems, "production shortcode must be 6 digits")
	} else if c.Environment == mpesa.Sandbox && (len(c.BusinessShortCode) < 5 || len(c.BusinessShortCode) > 10) {
		problems = append(problems, "sandbox shortcode must be 5 to 10 digits")
	}

	for name, raw := range map[string]string{"callback_url": c.CallbackURL, "timeout_url": c.TimeoutURL} {
		if raw == "" {
			if name == "callback_url" {
				problems = append(problems, "callback_url is required")
			}
			continue
		}
		if p := s.checkURL(name, raw, c.Environment); p != "" {
			problems = append(problems, p)
		}
	}

	if p := s.checkGatewayHost(c.Environment); p != "" {
		problems = append(problems, p)
	}
	return problems
}

func (s *CredentialService) checkURL(name, raw string, env mpesa.Environment) string {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return name + " must be an absolute URL"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return name + " must use http or https"
	}
	if env == mpesa.Production && u.Scheme != "https" {
		return name + " must use https in production"
	}
	host := strings.ToLower(u.Hostname())
	other := s.Endpoints.Host(mpesa.Sandbox)
	if env == mpesa.Sandbox {
		other = s.Endpoints.Host(mpesa.Production)
	}
	if other != "" && host == strings.ToLower(other) {
		return name + " points at the gateway host of the other environment"
	}
	return ""
}

func (s *CredentialService) checkGatewayHost(env mpesa.Environment) string {
	base := s.Endpoints.BaseURL(env)
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return "gateway base URL for " + string(env) + " is invalid"
	}
	if !strings.EqualFold(u.Hostname(), s.Endpoints.Host(env)) {
		return "gateway base URL host " + u.Hostname() + " does not match the pinned " + string(env) + " host"
	}
	return ""
}

func isDigitString(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// EncryptedCredentialInput is what an operator supplies when provisioning credentials.
type EncryptedCredentialInput struct {
	TenantID          string
	Environment       mpesa.Environment
	BusinessShortCode string
	ConsumerKeyEnc    []byte
	ConsumerSecretEnc []byte
	PasskeyEnc        []byte
	CallbackURL       string
	TimeoutURL        string
}

func (in EncryptedCredentialInput) Model(id string) *models.MpesaCredential {
	return &models.MpesaCredential{
		ID:                id,
		TenantID:          in.TenantID,
		Environment:       string(in.Environment),
		BusinessShortCode: in.BusinessShortCode,
		ConsumerKeyEnc:    in.ConsumerKeyEnc,
		ConsumerSecretEnc: in.ConsumerSecretEnc,
		PasskeyEnc:        in.PasskeyEnc,
		CallbackURL:       in.CallbackURL,
		TimeoutURL:        in.TimeoutURL,
		IsActive:          true,
	}
}

// AddCredentials stores a new active credential row after checking that it decrypts and validates.
// The newest active row wins on lookup, so this also rotates credentials.
func (s *CredentialService) AddCredentials(ctx context.Context, in EncryptedCredentialInput) (*models.MpesaCredential, error) {
	if !in.Environment.Valid() {
		return nil, apperr.Newf(apperr.CodeValidationError, "unknown environment %q", in.Environment)
	}
	if strings.TrimSpace(in.TenantID) == "" {
		return nil, apperr.New(apperr.CodeValidationError, "tenant id is required")
	}

	fields := map[string][]byte{
		"consumer_key":    in.ConsumerKeyEnc,
		"consumer_secret": in.ConsumerSecretEnc,
		"passkey":         in.PasskeyEnc,
	}
	creds := &Credentials{
		TenantID:          in.TenantID,
		Environment:       in.Environment,
		BusinessShortCode: in.BusinessShortCode,
		CallbackURL:       in.CallbackURL,
		TimeoutURL:        in.TimeoutURL,
		IsActive:          true,
	}
	for name, blob := range fields {
		plain, err := s.KMS.DecryptString(blob)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeCredentialsInvalid, err, name+" does not decrypt with the current master key")
		}
		switch name {
		case "consumer_key":
			creds.ConsumerKey = plain
		case "consumer_secret":
			creds.ConsumerSecret = plain
		case "passkey":
			creds.Passkey = plain
		}
	}
	defer creds.Wipe()

	if problems := s.validate(creds); len(problems) > 0 {
		return nil, apperr.New(apperr.CodeCredentialsInvalid, strings.Join(problems, "; "))
	}

	row := in.Model(uuid.New().String())
	if err := s.Repo.Create(ctx, row); err != nil {
		return nil, apperr.Wrap(apperr.CodeDatabaseError, err, "store credentials")
	}
	logging.FromContext(ctx).WithFields(logrus.Fields{
		"tenant_id":   in.TenantID,
		"environment": in.Environment,
		"shortcode":   in.BusinessShortCode,
	}).Info("M-Pesa credentials stored")
	return row, nil
}
