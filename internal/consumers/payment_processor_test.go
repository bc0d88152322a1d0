package consumers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tab-payment-service/internal/apperr"
	"tab-payment-service/internal/logging"
	"tab-payment-service/internal/services"
)

type settlerFunc func(ctx context.Context, req services.SettlementRequest) (*services.SyncResult, error)

func (f settlerFunc) SettleTransaction(ctx context.Context, req services.SettlementRequest) (*services.SyncResult, error) {
	return f(ctx, req)
}

type sweeperFunc func(ctx context.Context) (int, error)

func (f sweeperFunc) HandleTransactionTimeouts(ctx context.Context) (int, error) {
	return f(ctx)
}

func TestProcessSettlement(t *testing.T) {
	var got services.SettlementRequest
	var corr string
	p := NewPaymentProcessor(settlerFunc(func(ctx context.Context, req services.SettlementRequest) (*services.SyncResult, error) {
		got, corr = req, logging.CorrelationID(ctx)
		return &services.SyncResult{TabPaymentID: "pay-1"}, nil
	}), nil)

	err := p.ProcessSettlement(context.Background(), SettlementDTO{TransactionID: "txn-1", ReceiptNumber: "NLJ7RT61SV", CorrelationID: "corr-1"})
	require.NoError(t, err)
	assert.Equal(t, "txn-1", got.TransactionID)
	assert.Equal(t, "NLJ7RT61SV", got.ReceiptNumber)
	assert.Equal(t, "corr-1", corr)

	err = p.ProcessSettlement(context.Background(), SettlementDTO{})
	assert.True(t, Permanent(err))
}

func TestProcessSettlementPropagatesErrors(t *testing.T) {
	p := NewPaymentProcessor(settlerFunc(func(context.Context, services.SettlementRequest) (*services.SyncResult, error) {
		return nil, apperr.New(apperr.CodeDatabaseError, "connection refused")
	}), nil)

	err := p.ProcessSettlement(context.Background(), SettlementDTO{TransactionID: "txn-1"})
	require.Error(t, err)
	assert.False(t, Permanent(err))
}

func TestProcessTimeoutSweep(t *testing.T) {
	calls := 0
	p := NewPaymentProcessor(nil, sweeperFunc(func(context.Context) (int, error) {
		calls++
		return 2, nil
	}))
	require.NoError(t, p.ProcessTimeoutSweep(context.Background()))
	assert.Equal(t, 1, calls)

	p.Sweeper = sweeperFunc(func(context.Context) (int, error) { return 0, errors.New("db down") })
	assert.Error(t, p.ProcessTimeoutSweep(context.Background()))
}

func TestPermanent(t *testing.T) {
	assert.False(t, Permanent(nil))
	assert.True(t, Permanent(apperr.New(apperr.CodeDuplicatePayment, "dup")))
	assert.True(t, Permanent(apperr.New(apperr.CodeInvalidStateTransition, "not completed")))
	assert.False(t, Permanent(apperr.New(apperr.CodeSettlementFailed, "ledger")))
}
