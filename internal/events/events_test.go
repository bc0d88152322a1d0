package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tab-payment-service/internal/config"
)

func TestNewPublisherSelectsBroker(t *testing.T) {
	p, err := NewPublisher(config.Events{Broker: "none"})
	require.NoError(t, err)
	assert.IsType(t, NoopPublisher{}, p)

	p, err = NewPublisher(config.Events{Broker: "kafka", KafkaBrokers: []string{"localhost:9092"}, KafkaTopic: "tab-payments"})
	require.NoError(t, err)
	assert.IsType(t, &KafkaPublisher{}, p)
	assert.NoError(t, p.Close())

	_, err = NewPublisher(config.Events{Broker: "kafka"})
	assert.Error(t, err)

	_, err = NewPublisher(config.Events{Broker: "rabbit"})
	assert.Error(t, err)
}

func TestNATSSubject(t *testing.T) {
	p := &NATSPublisher{subject: "tabpay.payments"}
	assert.Equal(t, "tabpay.payments.payment.completed", p.Subject(TypePaymentCompleted))
	assert.Error(t, p.Publish(context.Background(), PaymentEvent{Type: TypePaymentCompleted}))
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	require.NoError(t, r.Publish(context.Background(), PaymentEvent{Type: TypePaymentInitiated}))
	require.NoError(t, r.Publish(context.Background(), PaymentEvent{Type: TypePaymentCompleted}))
	assert.Equal(t, []string{TypePaymentInitiated, TypePaymentCompleted}, r.Types())
}
