package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the ticket sale service.
type Metrics struct {
	// Checkout metrics
	CheckoutsTotal   *prometheus.CounterVec
	CheckoutDuration *prometheus.HistogramVec

	// Webhook metrics
	WebhooksTotal   *prometheus.CounterVec
	WebhookDuration *prometheus.HistogramVec

	// Ledger metrics
	LedgerBatchSize    prometheus.Histogram
	LedgerBatchesTotal *prometheus.CounterVec
	LedgerOpDuration   *prometheus.HistogramVec

	// Order metrics
	OrdersTotal *prometheus.CounterVec

	// Database metrics
	DBGateWaitDuration prometheus.Histogram
	DBQueryDuration    *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		CheckoutsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tigerfans_checkouts_total",
				Help: "Total number of checkout attempts",
			},
			[]string{"class", "outcome"},
		),
		CheckoutDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tigerfans_checkout_duration_seconds",
				Help:    "Time taken to process a checkout request",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"class"},
		),

		WebhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tigerfans_webhooks_total",
				Help: "Total number of payment webhooks received",
			},
			[]string{"kind", "outcome"},
		),
		WebhookDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tigerfans_webhook_duration_seconds",
				Help:    "Time taken to process a payment webhook",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"kind"},
		),

		LedgerBatchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tigerfans_ledger_batch_size",
				Help:    "Number of transfers coalesced per ledger batch",
				Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 1024, 8190},
			},
		),
		LedgerBatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tigerfans_ledger_batches_total",
				Help: "Total number of ledger batches submitted",
			},
			[]string{"outcome"},
		),
		LedgerOpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tigerfans_ledger_op_duration_seconds",
				Help:    "Duration of accounting ledger operations",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1},
			},
			[]string{"op"},
		),

		OrdersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tigerfans_orders_total",
				Help: "Total number of orders persisted",
			},
			[]string{"status"},
		),

		DBGateWaitDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tigerfans_db_gate_wait_seconds",
				Help:    "Time spent waiting for a database gate slot",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tigerfans_db_query_duration_seconds",
				Help:    "Database query duration",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"operation", "backend"},
		),
	}
}

// ObserveCheckout records a checkout attempt and its outcome.
func (m *Metrics) ObserveCheckout(class, outcome string, duration time.Duration) {
	m.CheckoutsTotal.WithLabelValues(class, outcome).Inc()
	m.CheckoutDuration.WithLabelValues(class).Observe(duration.Seconds())
}

// ObserveWebhook records a payment webhook and its outcome.
func (m *Metrics) ObserveWebhook(kind, outcome string, duration time.Duration) {
	m.WebhooksTotal.WithLabelValues(kind, outcome).Inc()
	m.WebhookDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveLedgerBatch records a submitted ledger batch.
func (m *Metrics) ObserveLedgerBatch(size int, outcome string) {
	m.LedgerBatchSize.Observe(float64(size))
	m.LedgerBatchesTotal.WithLabelValues(outcome).Inc()
}

// ObserveLedgerOp records the duration of a ledger operation.
func (m *Metrics) ObserveLedgerOp(op string, duration time.Duration) {
	m.LedgerOpDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// ObserveOrder records a persisted order by final status.
func (m *Metrics) ObserveOrder(status string) {
	m.OrdersTotal.WithLabelValues(status).Inc()
}

// ObserveGateWait records time spent waiting for a database gate slot.
func (m *Metrics) ObserveGateWait(duration time.Duration) {
	m.DBGateWaitDuration.Observe(duration.Seconds())
}

// ObserveDBQuery records a database query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}
