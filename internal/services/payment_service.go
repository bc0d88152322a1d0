package services

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tab-payment-service/internal/apperr"
	"tab-payment-service/internal/logging"
	"tab-payment-service/internal/metrics"
	"tab-payment-service/internal/models"
	"tab-payment-service/internal/mpesa"
	"tab-payment-service/pkg/common"
)

type InitiatePaymentRequest struct {
	TabID              string          `json:"tabId"`
	BarID              string          `json:"barId"`
	CustomerIdentifier string          `json:"customerIdentifier"`
	PhoneNumber        string          `json:"phoneNumber" binding:"required"`
	Amount             decimal.Decimal `json:"amount"`
	Description        string          `json:"description"`
}

type InitiatePaymentResult struct {
	TransactionID     string                   `json:"transaction_id"`
	TabID             string                   `json:"tab_id"`
	CheckoutRequestID string                   `json:"checkout_request_id"`
	Status            models.TransactionStatus `json:"status"`
	Environment       mpesa.Environment        `json:"environment"`
	CustomerMessage   string                   `json:"customer_message"`
}

type PaymentStatus struct {
	Transaction *models.Transaction      `json:"transaction"`
	Gateway     *mpesa.STKQueryResponse  `json:"gateway,omitempty"`
	Status      models.TransactionStatus `json:"status"`
}

// PaymentService drives a tab payment from request to STK push.
type PaymentService struct {
	Resolver     *TenantResolver
	Credentials  *CredentialService
	Factory      *TenantConfigFactory
	STK          *STKPushService
	Transactions *TransactionService
	Machine      *StateMachine
	Sync         *OrderSyncService
	Metrics      *metrics.PaymentMetrics

	Environment      mpesa.Environment
	AccountRefPrefix string
}

func NewPaymentService(resolver *TenantResolver, credentials *CredentialService, factory *TenantConfigFactory, stk *STKPushService, transactions *TransactionService, machine *StateMachine, sync *OrderSyncService, m *metrics.PaymentMetrics, env mpesa.Environment) *PaymentService {
	if !env.Valid() {
		env = mpesa.Sandbox
	}
	return &PaymentService{
		Resolver:         resolver,
		Credentials:      credentials,
		Factory:          factory,
		STK:              stk,
		Transactions:     transactions,
		Machine:          machine,
		Sync:             sync,
		Metrics:          m,
		Environment:      env,
		AccountRefPrefix: mpesa.DefaultAccountRefPrefix,
	}
}

func (s *PaymentService) InitiatePayment(ctx context.Context, req InitiatePaymentRequest) (*InitiatePaymentResult, error) {
	info, err := s.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	log := logging.FromContext(ctx).WithFields(logrus.Fields{
		"tenant_id": info.TenantID,
		"tab_id":    info.TabID,
	})

	if err := s.checkBalance(ctx, info.TabID, req.Amount); err != nil {
		return nil, err
	}

	cfg, err := s.tenantConfig(ctx, info)
	if err != nil {
		return nil, err
	}
	defer cfg.Wipe()

	params := s.pushParams(info.TabID, req.PhoneNumber, req.Amount, req.Description)
	v, err := validateSTKPush(cfg.Environment, params)
	if err != nil {
		return nil, err
	}

	txn, err := s.Transactions.CreateTransaction(ctx, CreateTransactionInput{
		TabID:       info.TabID,
		TenantID:    info.TenantID,
		PhoneNumber: v.phone,
		Amount:      req.Amount,
		Environment: cfg.Environment,
	})
	if err != nil {
		return nil, err
	}
	log = log.WithField("transaction_id", txn.ID)
	log.WithField("phone", logging.MaskPhone(v.phone)).Info("Payment initiated")

	return s.send(ctx, cfg, txn, params, log)
}

// RetryPayment rewinds a failed, cancelled or timed-out transaction and pushes again on the same row.
func (s *PaymentService) RetryPayment(ctx context.Context, transactionID string) (*InitiatePaymentResult, error) {
	txn, err := s.Transactions.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(txn.Status, models.TransactionPending) {
		return nil, apperr.Newf(apperr.CodeInvalidStateTransition, "transaction %s in status %s cannot be retried", txn.ID, txn.Status).
			With("from", string(txn.Status)).With("to", string(models.TransactionPending))
	}

	info, err := s.Resolver.ResolveTabToTenant(ctx, txn.TabID)
	if err != nil {
		return nil, err
	}
	if err := s.checkBalance(ctx, info.TabID, txn.Amount); err != nil {
		return nil, err
	}
	cfg, err := s.tenantConfig(ctx, info)
	if err != nil {
		return nil, err
	}
	defer cfg.Wipe()

	params := s.pushParams(info.TabID, txn.PhoneNumber, txn.Amount, "")
	if _, err := validateSTKPush(cfg.Environment, params); err != nil {
		return nil, err
	}

	txn, err = s.Machine.RetryTransaction(ctx, txn.ID)
	if err != nil {
		return nil, err
	}
	log := logging.FromContext(ctx).WithFields(logrus.Fields{
		"tenant_id":      info.TenantID,
		"tab_id":         info.TabID,
		"transaction_id": txn.ID,
	})
	log.Info("Retrying payment")
	return s.send(ctx, cfg, txn, params, log)
}

// GetPaymentStatus returns the stored transaction. With live set, a sent transaction is
// also queried at the gateway; the stored status only changes through callbacks and timeouts.
func (s *PaymentService) GetPaymentStatus(ctx context.Context, transactionID string, live bool) (*PaymentStatus, error) {
	txn, err := s.Transactions.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	out := &PaymentStatus{Transaction: txn, Status: txn.Status}
	if !live || txn.Status != models.TransactionSent || txn.CheckoutRequestID == nil {
		return out, nil
	}

	info, err := s.Resolver.ResolveTabToTenant(ctx, txn.TabID)
	if err != nil {
		return nil, err
	}
	cfg, err := s.tenantConfig(ctx, info)
	if err != nil {
		return nil, err
	}
	defer cfg.Wipe()

	query, err := s.STK.QuerySTKStatus(ctx, cfg, *txn.CheckoutRequestID)
	if err != nil {
		logging.FromContext(ctx).WithError(err).WithField("transaction_id", txn.ID).Warn("Live status query failed")
		return out, nil
	}
	out.Gateway = query
	return out, nil
}

func (s *PaymentService) GetTabBalance(ctx context.Context, tabID string) (*TabBalance, error) {
	return s.Sync.GetTabBalance(ctx, tabID)
}

func (s *PaymentService) ListTabTransactions(ctx context.Context, tabID string, page, limit int) (common.Page, error) {
	return s.Transactions.ListTabTransactions(ctx, tabID, page, limit)
}

func (s *PaymentService) resolve(ctx context.Context, req InitiatePaymentRequest) (*TenantInfo, error) {
	if strings.TrimSpace(req.TabID) != "" {
		return s.Resolver.ResolveTabToTenant(ctx, req.TabID)
	}
	if strings.TrimSpace(req.BarID) != "" && strings.TrimSpace(req.CustomerIdentifier) != "" {
		return s.Resolver.ResolveCustomerTabToTenant(ctx, req.BarID, req.CustomerIdentifier)
	}
	return nil, apperr.New(apperr.CodeValidationError, "tabId or barId with customerIdentifier is required")
}

func (s *PaymentService) checkBalance(ctx context.Context, tabID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperr.Newf(apperr.CodeInvalidAmount, "amount %s must be positive", amount)
	}
	balance, err := s.Sync.GetTabBalance(ctx, tabID)
	if err != nil {
		return err
	}
	if amount.GreaterThan(balance.Balance) {
		return apperr.Newf(apperr.CodeExceedsBalance, "amount %s exceeds outstanding balance %s", amount.StringFixed(2), balance.Balance.StringFixed(2)).
			With("tab_id", tabID).With("balance", balance.Balance.StringFixed(2))
	}
	return nil
}

func (s *PaymentService) tenantConfig(ctx context.Context, info *TenantInfo) (*TenantServiceConfig, error) {
	creds, err := s.Credentials.GetTenantCredentials(ctx, info.TenantID, s.Environment)
	if err != nil {
		return nil, err
	}
	defer creds.Wipe()
	return s.Factory.CreateTenantConfig(ctx, info, creds, nil)
}

func (s *PaymentService) pushParams(tabID, phone string, amount decimal.Decimal, desc string) STKPushParams {
	return STKPushParams{
		PhoneNumber:      phone,
		Amount:           amount,
		AccountReference: common.AccountReference(s.AccountRefPrefix, tabID, mpesa.MaxAccountReferenceLen),
		TransactionDesc:  desc,
	}
}

func (s *PaymentService) send(ctx context.Context, cfg *TenantServiceConfig, txn *models.Transaction, params STKPushParams, log *logrus.Entry) (*InitiatePaymentResult, error) {
	push, err := s.STK.SendSTKPush(ctx, cfg, params)
	if err != nil {
		s.Metrics.RecordSTKPush(cfg.TenantID, string(cfg.Environment), "error")
		s.Metrics.RecordError(string(apperr.CodeOf(err)), string(apperr.SeverityOf(err)))
		reason := string(apperr.CodeOf(err)) + ": " + err.Error()
		if rerr := s.Transactions.RecordInitiationFailure(context.WithoutCancel(ctx), txn.ID, reason); rerr != nil {
			log.WithError(rerr).Error("Failed to record initiation failure")
		}
		log.WithError(err).WithFields(logging.SafeFields(apperr.Fields(err))).Warn("STK push failed")
		if e, ok := apperr.As(err); ok {
			return nil, e.With("transaction_id", txn.ID)
		}
		return nil, err
	}

	sent, err := s.Machine.MarkAsSent(ctx, txn.ID, push.CheckoutRequestID, push.MerchantRequestID)
	if err != nil {
		log.WithError(err).WithField("checkout_request_id", push.CheckoutRequestID).Error("STK push accepted but transaction could not be marked sent")
		return nil, err
	}
	s.Metrics.RecordSTKPush(cfg.TenantID, string(cfg.Environment), "sent")

	return &InitiatePaymentResult{
		TransactionID:     sent.ID,
		TabID:             sent.TabID,
		CheckoutRequestID: push.CheckoutRequestID,
		Status:            sent.Status,
		Environment:       cfg.Environment,
		CustomerMessage:   push.CustomerMessage,
	}, nil
}
