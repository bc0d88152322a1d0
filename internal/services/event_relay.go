package services

import (
	"context"
	"time"

	"tab-payment-service/internal/events"
	"tab-payment-service/internal/logging"
	"tab-payment-service/internal/models"
)

var transitionEventTypes = map[models.TransactionStatus]string{
	models.TransactionSent:      events.TypePaymentInitiated,
	models.TransactionCompleted: events.TypePaymentCompleted,
	models.TransactionFailed:    events.TypePaymentFailed,
	models.TransactionCancelled: events.TypePaymentCancelled,
	models.TransactionTimeout:   events.TypePaymentTimeout,
}

// PublishTransitions relays state machine transitions to the event broker.
// Publishing failures are logged and never fail the transition.
func PublishTransitions(pub events.Publisher) TransitionListener {
	return func(ctx context.Context, txn *models.Transaction, _ models.TransactionStatus) {
		eventType, ok := transitionEventTypes[txn.Status]
		if !ok {
			return
		}
		publishEvent(ctx, pub, newPaymentEvent(ctx, eventType, txn))
	}
}

func newPaymentEvent(ctx context.Context, eventType string, txn *models.Transaction) events.PaymentEvent {
	return events.PaymentEvent{
		Type:          eventType,
		TransactionID: txn.ID,
		TabID:         txn.TabID,
		TenantID:      txn.TenantID,
		Status:        string(txn.Status),
		Amount:        txn.Amount.StringFixed(2),
		Currency:      txn.Currency,
		Environment:   txn.Environment,
		ReceiptNumber: deref(txn.MpesaReceiptNumber),
		Reason:        deref(txn.FailureReason),
		CorrelationID: logging.CorrelationID(ctx),
		OccurredAt:    time.Now().UTC(),
	}
}

func publishEvent(ctx context.Context, pub events.Publisher, event events.PaymentEvent) {
	if pub == nil {
		return
	}
	if err := pub.Publish(context.WithoutCancel(ctx), event); err != nil {
		logging.FromContext(ctx).WithError(err).WithField("event_type", event.Type).Warn("Failed to publish payment event")
	}
}
