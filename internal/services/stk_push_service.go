package services

import (
	"context"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tab-payment-service/internal/apperr"
	"tab-payment-service/internal/logging"
	"tab-payment-service/internal/mpesa"
)

const (
	opSTKPush  = "stk_push"
	opSTKQuery = "stk_query"
)

type STKPushParams struct {
	PhoneNumber      string
	Amount           decimal.Decimal
	AccountReference string
	TransactionDesc  string
}

type STKPushResult struct {
	MerchantRequestID   string `json:"merchant_request_id"`
	CheckoutRequestID   string `json:"checkout_request_id"`
	ResponseCode        string `json:"response_code"`
	ResponseDescription string `json:"response_description"`
	CustomerMessage     string `json:"customer_message"`
	PhoneNumber         string `json:"phone_number"`
}

type STKPushService struct {
	*BaseService
	Auth *AuthService
}

func NewSTKPushService(base *BaseService, auth *AuthService) *STKPushService {
	return &STKPushService{BaseService: base, Auth: auth}
}

type validatedPush struct {
	phone  string
	amount int64
	ref    string
	desc   string
}

// validateSTKPush checks the parameters without touching the network.
func validateSTKPush(env mpesa.Environment, params STKPushParams) (*validatedPush, error) {
	phone, err := mpesa.NormalizePhone(params.PhoneNumber)
	if err != nil {
		return nil, err
	}
	if env == mpesa.Sandbox && !mpesa.IsSandboxTestNumber(phone) {
		return nil, apperr.Newf(apperr.CodeInvalidPhoneNumber, "%s is not a sandbox test number", logging.MaskPhone(phone))
	}

	if !params.Amount.IsInteger() {
		return nil, apperr.Newf(apperr.CodeInvalidAmount, "amount %s is not a whole number", params.Amount)
	}
	max := mpesa.MaxAmount(env)
	if params.Amount.LessThan(decimal.NewFromInt(mpesa.MinAmount)) || params.Amount.GreaterThan(decimal.NewFromInt(max)) {
		return nil, apperr.Newf(apperr.CodeInvalidAmount, "amount %s outside %d..%d for %s", params.Amount, mpesa.MinAmount, max, env)
	}

	ref := strings.TrimSpace(params.AccountReference)
	if ref == "" || utf8.RuneCountInString(ref) > mpesa.MaxAccountReferenceLen {
		return nil, apperr.Newf(apperr.CodeValidationError, "account reference must be 1..%d characters", mpesa.MaxAccountReferenceLen)
	}
	desc := strings.TrimSpace(params.TransactionDesc)
	if desc == "" {
		desc = mpesa.DefaultTransactionDesc
	}
	if utf8.RuneCountInString(desc) > mpesa.MaxTransactionDescLen {
		return nil, apperr.Newf(apperr.CodeValidationError, "transaction description must be at most %d characters", mpesa.MaxTransactionDescLen)
	}

	return &validatedPush{phone: phone, amount: params.Amount.IntPart(), ref: ref, desc: desc}, nil
}

// SendSTKPush asks the gateway to prompt the customer's phone for payment.
func (s *STKPushService) SendSTKPush(ctx context.Context, cfg *TenantServiceConfig, params STKPushParams) (*STKPushResult, error) {
	v, err := validateSTKPush(cfg.Environment, params)
	if err != nil {
		return nil, err
	}
	if err := s.CheckRateLimit(cfg.TenantID, opSTKPush, cfg.RateLimitPerMinute); err != nil {
		return nil, err
	}

	timestamp := mpesa.Timestamp(s.now())
	req := mpesa.NewSTKPushRequest(cfg.BusinessShortCode, cfg.Passkey, v.phone, v.amount, cfg.CallbackURL, v.ref, v.desc, timestamp)

	var out mpesa.STKPushResponse
	err = s.WithRetry(ctx, opSTKPush, cfg.RetryAttempts, func(ctx context.Context) error {
		return s.authorizedPost(ctx, cfg, opSTKPush, mpesa.STKPushPath, req, &out)
	})
	if err != nil {
		return nil, err
	}

	if string(out.ResponseCode) != "0" || out.CheckoutRequestID == "" {
		return nil, apperr.Newf(apperr.CodeGatewayRejected, "stk push response code %s: %s", out.ResponseCode, out.ResponseDescription)
	}

	s.log(ctx).WithFields(logrus.Fields{
		"tenant_id":           cfg.TenantID,
		"environment":         cfg.Environment,
		"checkout_request_id": out.CheckoutRequestID,
		"phone":               logging.MaskPhone(v.phone),
		"amount":              v.amount,
	}).Info("STK push accepted")

	return &STKPushResult{
		MerchantRequestID:   out.MerchantRequestID,
		CheckoutRequestID:   out.CheckoutRequestID,
		ResponseCode:        string(out.ResponseCode),
		ResponseDescription: out.ResponseDescription,
		CustomerMessage:     out.CustomerMessage,
		PhoneNumber:         v.phone,
	}, nil
}

// QuerySTKStatus asks the gateway for the result of an earlier push.
func (s *STKPushService) QuerySTKStatus(ctx context.Context, cfg *TenantServiceConfig, checkoutRequestID string) (*mpesa.STKQueryResponse, error) {
	if strings.TrimSpace(checkoutRequestID) == "" {
		return nil, apperr.New(apperr.CodeValidationError, "checkout request id is required")
	}
	if err := s.CheckRateLimit(cfg.TenantID, opSTKQuery, cfg.RateLimitPerMinute); err != nil {
		return nil, err
	}

	timestamp := mpesa.Timestamp(s.now())
	req := mpesa.STKQueryRequest{
		BusinessShortCode: cfg.BusinessShortCode,
		Password:          mpesa.Password(cfg.BusinessShortCode, cfg.Passkey, timestamp),
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	var out mpesa.STKQueryResponse
	err := s.WithRetry(ctx, opSTKQuery, cfg.RetryAttempts, func(ctx context.Context) error {
		return s.authorizedPost(ctx, cfg, opSTKQuery, mpesa.STKQueryPath, req, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *STKPushService) authorizedPost(ctx context.Context, cfg *TenantServiceConfig, operation, path string, payload, out interface{}) error {
	token, err := s.Auth.GenerateAccessToken(ctx, cfg)
	if err != nil {
		return err
	}
	resp, err := s.doGateway(ctx, operation, http.MethodPost, cfg.BaseURL+path, cfg.Timeout, payload,
		map[string]string{"Authorization": "Bearer " + token})
	if err != nil {
		if apperr.HasCode(err, apperr.CodeAuthenticationError) {
			s.Auth.InvalidateToken(cfg)
		}
		return err
	}
	if err := resp.Decode(out); err != nil {
		return apperr.Wrap(apperr.CodeGatewayError, err, operation+" response is not valid JSON")
	}
	return nil
}
