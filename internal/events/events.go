package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tab-payment-service/internal/config"
)

const (
	TypePaymentInitiated = "payment.initiated"
	TypePaymentCompleted = "payment.completed"
	TypePaymentFailed    = "payment.failed"
	TypePaymentCancelled = "payment.cancelled"
	TypePaymentTimeout   = "payment.timeout"
	TypeTabAutoClosed    = "tab.auto_closed"
)

type PaymentEvent struct {
	Type          string    `json:"type"`
	TransactionID string    `json:"transaction_id"`
	TabID         string    `json:"tab_id"`
	TenantID      string    `json:"tenant_id"`
	Status        string    `json:"status"`
	Amount        string    `json:"amount"`
	Currency      string    `json:"currency"`
	Environment   string    `json:"environment"`
	ReceiptNumber string    `json:"receipt_number,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, event PaymentEvent) error
	Close() error
}

// NewPublisher picks the broker named in cfg.Broker.
func NewPublisher(cfg config.Events) (Publisher, error) {
	switch cfg.Broker {
	case "", "none":
		return NoopPublisher{}, nil
	case "kafka":
		if len(cfg.KafkaBrokers) == 0 {
			return nil, fmt.Errorf("kafka publisher needs at least one broker")
		}
		return NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	case "nats":
		return NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject)
	default:
		return nil, fmt.Errorf("unknown events broker %q", cfg.Broker)
	}
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, PaymentEvent) error { return nil }
func (NoopPublisher) Close() error                               { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []PaymentEvent
}

func (r *Recorder) Publish(_ context.Context, event PaymentEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []PaymentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PaymentEvent(nil), r.events...)
}

func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}
