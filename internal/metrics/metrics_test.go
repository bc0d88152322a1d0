package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPaymentMetricsRecord(t *testing.T) {
	m := NewPaymentMetrics(prometheus.NewRegistry())

	m.RecordCallback("completed")
	m.RecordCallback("completed")
	m.RecordCallback("orphaned")
	m.RecordTimeout("sweep")
	m.RecordTabAutoClosed()
	m.ObserveGatewayRequest("stk_push", "200", time.Now())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CallbacksTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallbacksTotal.WithLabelValues("orphaned")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransactionsTimedOut.WithLabelValues("sweep")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TabsAutoClosedTotal))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *PaymentMetrics
	assert.NotPanics(t, func() {
		m.RecordCallback("completed")
		m.RecordSTKPush("t", "sandbox", "ok")
		m.RecordError("X", "low")
		m.RecordCompletedAmount("t", "KES", 10)
	})
}
