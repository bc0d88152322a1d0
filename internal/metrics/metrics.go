package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PaymentMetrics holds the counters and histograms for the payment pipeline.
// A nil *PaymentMetrics is valid and records nothing.
type PaymentMetrics struct {
	STKPushRequestsTotal    *prometheus.CounterVec
	CallbacksTotal          *prometheus.CounterVec
	SettlementFailuresTotal *prometheus.CounterVec
	GatewayRequestDuration  *prometheus.HistogramVec
	ErrorsTotal             *prometheus.CounterVec
	TransactionsTimedOut    *prometheus.CounterVec
	TabsAutoClosedTotal     prometheus.Counter
	CompletedAmountTotal    *prometheus.CounterVec
}

// NewPaymentMetrics registers the collectors on reg. Use prometheus.DefaultRegisterer in main.
func NewPaymentMetrics(reg prometheus.Registerer) *PaymentMetrics {
	f := promauto.With(reg)
	return &PaymentMetrics{
		STKPushRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mpesa_stk_push_requests_total",
				Help: "STK push initiations by tenant, environment and result",
			},
			[]string{"tenant_id", "environment", "result"},
		),
		CallbacksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mpesa_callbacks_total",
				Help: "Gateway callbacks by processing outcome",
			},
			[]string{"outcome"},
		),
		SettlementFailuresTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_settlement_failures_total",
				Help: "Ledger settlement failures after a completed transaction",
			},
			[]string{"stage"},
		),
		GatewayRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mpesa_gateway_request_duration_seconds",
				Help:    "Latency of outbound gateway calls",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation", "status"},
		),
		ErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_errors_total",
				Help: "Classified payment errors by code and severity",
			},
			[]string{"code", "severity"},
		),
		TransactionsTimedOut: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mpesa_transactions_timed_out_total",
				Help: "Transactions moved to timeout, by detection source",
			},
			[]string{"source"},
		),
		TabsAutoClosedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "tabs_auto_closed_total",
				Help: "Overdue tabs closed after being paid in full",
			},
		),
		CompletedAmountTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mpesa_completed_amount_total",
				Help: "Sum of completed payment amounts",
			},
			[]string{"tenant_id", "currency"},
		),
	}
}

func (m *PaymentMetrics) RecordSTKPush(tenantID, environment, result string) {
	if m == nil {
		return
	}
	m.STKPushRequestsTotal.WithLabelValues(tenantID, environment, result).Inc()
}

func (m *PaymentMetrics) RecordCallback(outcome string) {
	if m == nil {
		return
	}
	m.CallbacksTotal.WithLabelValues(outcome).Inc()
}

func (m *PaymentMetrics) RecordSettlementFailure(stage string) {
	if m == nil {
		return
	}
	m.SettlementFailuresTotal.WithLabelValues(stage).Inc()
}

func (m *PaymentMetrics) ObserveGatewayRequest(operation, status string, started time.Time) {
	if m == nil {
		return
	}
	m.GatewayRequestDuration.WithLabelValues(operation, status).Observe(time.Since(started).Seconds())
}

func (m *PaymentMetrics) RecordError(code, severity string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(code, severity).Inc()
}

func (m *PaymentMetrics) RecordTimeout(source string) {
	if m == nil {
		return
	}
	m.TransactionsTimedOut.WithLabelValues(source).Inc()
}

func (m *PaymentMetrics) RecordTabAutoClosed() {
	if m == nil {
		return
	}
	m.TabsAutoClosedTotal.Inc()
}

func (m *PaymentMetrics) RecordCompletedAmount(tenantID, currency string, amount float64) {
	if m == nil {
		return
	}
	m.CompletedAmountTotal.WithLabelValues(tenantID, currency).Add(amount)
}
