package consumers

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"tab-payment-service/internal/apperr"
	"tab-payment-service/internal/logging"
	"tab-payment-service/internal/services"
)

// Settler writes the ledger entry for a completed transaction.
type Settler interface {
	SettleTransaction(ctx context.Context, req services.SettlementRequest) (*services.SyncResult, error)
}

// TimeoutSweeper moves overdue sent transactions to timeout.
type TimeoutSweeper interface {
	HandleTransactionTimeouts(ctx context.Context) (int, error)
}

// --- DTOs ---

type SettlementDTO struct {
	TransactionID   string     `json:"transaction_id"`
	ReceiptNumber   string     `json:"receipt_number"`
	TransactionDate *time.Time `json:"transaction_date,omitempty"`
	CorrelationID   string     `json:"correlation_id,omitempty"`
}

func SettlementDTOFrom(req services.SettlementRequest) SettlementDTO {
	return SettlementDTO{
		TransactionID:   req.TransactionID,
		ReceiptNumber:   req.ReceiptNumber,
		TransactionDate: req.TransactionDate,
		CorrelationID:   req.CorrelationID,
	}
}

func (d SettlementDTO) Request() services.SettlementRequest {
	return services.SettlementRequest{
		TransactionID:   d.TransactionID,
		ReceiptNumber:   d.ReceiptNumber,
		TransactionDate: d.TransactionDate,
		CorrelationID:   d.CorrelationID,
	}
}

// PaymentProcessor runs the out-of-band payment jobs picked up by the worker.
type PaymentProcessor struct {
	Settler Settler
	Sweeper TimeoutSweeper
}

func NewPaymentProcessor(settler Settler, sweeper TimeoutSweeper) *PaymentProcessor {
	return &PaymentProcessor{Settler: settler, Sweeper: sweeper}
}

// ProcessSettlement retries a settlement that failed inside the callback.
// Settling an already settled transaction is a no-op.
func (p *PaymentProcessor) ProcessSettlement(ctx context.Context, dto SettlementDTO) error {
	if dto.CorrelationID != "" {
		ctx = logging.WithCorrelationID(ctx, dto.CorrelationID)
	}
	log := logging.FromContext(ctx).WithFields(logrus.Fields{
		"transaction_id": dto.TransactionID,
		"receipt_number": dto.ReceiptNumber,
	})
	if dto.TransactionID == "" {
		return apperr.New(apperr.CodeValidationError, "settlement job without transaction id")
	}

	res, err := p.Settler.SettleTransaction(ctx, dto.Request())
	if err != nil {
		log.WithFields(logging.SafeFields(apperr.Fields(err))).Error("Settlement retry failed")
		return err
	}
	log.WithFields(logrus.Fields{
		"tab_payment_id":  res.TabPaymentID,
		"already_settled": res.AlreadySettled,
	}).Info("Settlement retry succeeded")
	return nil
}

func (p *PaymentProcessor) ProcessTimeoutSweep(ctx context.Context) error {
	moved, err := p.Sweeper.HandleTransactionTimeouts(ctx)
	if err != nil {
		logging.FromContext(ctx).WithError(err).Error("Timeout sweep failed")
		return err
	}
	if moved > 0 {
		logging.FromContext(ctx).WithField("timed_out", moved).Info("Timeout sweep finished")
	}
	return nil
}

// Permanent reports whether retrying the job cannot help.
func Permanent(err error) bool {
	return err != nil && !apperr.IsRetryable(err)
}
