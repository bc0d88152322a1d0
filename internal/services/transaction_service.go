package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tab-payment-service/internal/apperr"
	"tab-payment-service/internal/models"
	"tab-payment-service/internal/mpesa"
	"tab-payment-service/internal/repository"
	"tab-payment-service/pkg/common"
)

// TransactionService owns every write to mpesa_transactions.
type TransactionService struct {
	Repo repository.TransactionRepository
}

func NewTransactionService(repo repository.TransactionRepository) *TransactionService {
	return &TransactionService{Repo: repo}
}

type CreateTransactionInput struct {
	TabID       string
	TenantID    string
	PhoneNumber string
	Amount      decimal.Decimal
	Environment mpesa.Environment
}

func (s *TransactionService) CreateTransaction(ctx context.Context, in CreateTransactionInput) (*models.Transaction, error) {
	if strings.TrimSpace(in.TabID) == "" || strings.TrimSpace(in.TenantID) == "" {
		return nil, apperr.New(apperr.CodeValidationError, "transaction needs tab and tenant")
	}
	if !in.Amount.IsPositive() {
		return nil, apperr.Newf(apperr.CodeInvalidAmount, "amount %s must be positive", in.Amount)
	}

	txn := &models.Transaction{
		ID:          uuid.New().String(),
		TabID:       in.TabID,
		TenantID:    in.TenantID,
		PhoneNumber: in.PhoneNumber,
		Amount:      in.Amount.Round(2),
		Currency:    mpesa.DefaultCurrency,
		Environment: string(in.Environment),
		Status:      models.TransactionPending,
	}
	if err := s.Repo.Create(ctx, txn); err != nil {
		return nil, apperr.Wrap(apperr.CodeDatabaseError, err, "create transaction")
	}
	return txn, nil
}

func (s *TransactionService) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	txn, err := s.Repo.FindByID(ctx, id)
	if err != nil {
		return nil, mapTxnErr(err, id)
	}
	return txn, nil
}

func (s *TransactionService) GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*models.Transaction, error) {
	txn, err := s.Repo.FindByCheckoutRequestID(ctx, checkoutRequestID)
	if err != nil {
		return nil, mapTxnErr(err, checkoutRequestID)
	}
	return txn, nil
}

// UpdateStatus applies a conditional status change. A concurrent change yields
// repository.ErrStatusConflict wrapped in INVALID_STATE_TRANSITION.
func (s *TransactionService) UpdateStatus(ctx context.Context, id string, change repository.StatusChange) error {
	err := s.Repo.UpdateStatus(ctx, id, change)
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrStatusConflict) {
		return apperr.Wrap(apperr.CodeInvalidStateTransition, err, "transaction "+id+" is no longer "+string(change.From)).
			With("from", string(change.From)).With("to", string(change.To))
	}
	return mapTxnErr(err, id)
}

// RecordInitiationFailure stores why a push never reached the sent state.
func (s *TransactionService) RecordInitiationFailure(ctx context.Context, id string, reason string) error {
	reason = mpesa.Sanitize(reason, mpesa.MaxResultDescLen)
	if err := s.Repo.RecordFailureReason(ctx, id, reason, nil); err != nil {
		return mapTxnErr(err, id)
	}
	return nil
}

func (s *TransactionService) FindStaleSent(ctx context.Context, olderThan time.Time, limit int) ([]models.Transaction, error) {
	txns, err := s.Repo.FindStaleSent(ctx, olderThan, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeDatabaseError, err, "find stale transactions")
	}
	return txns, nil
}

func (s *TransactionService) FindRecentTransactions(ctx context.Context, since time.Time, limit int) ([]models.Transaction, error) {
	txns, err := s.Repo.FindRecent(ctx, since, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeDatabaseError, err, "find recent transactions")
	}
	return txns, nil
}

func (s *TransactionService) ListTabTransactions(ctx context.Context, tabID string, page, limit int) (common.Page, error) {
	page, limit = common.NormalizePage(page, limit)
	txns, total, err := s.Repo.ListByTab(ctx, tabID, page, limit)
	if err != nil {
		return common.Page{}, apperr.Wrap(apperr.CodeDatabaseError, err, "list tab transactions")
	}
	return common.NewPage(txns, total, page, limit), nil
}

func mapTxnErr(err error, ref string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.Newf(apperr.CodeTransactionNotFound, "transaction %s not found", ref)
	}
	if errors.Is(err, repository.ErrStatusConflict) {
		return apperr.Wrap(apperr.CodeInvalidStateTransition, err, "transaction "+ref+" changed concurrently")
	}
	return apperr.Wrap(apperr.CodeDatabaseError, err, "transaction "+ref)
}
