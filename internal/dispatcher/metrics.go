package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ferdiboxman/402claw-sub000/pkg/monitoring"
)

// Metrics holds the gateway's domain counters
type Metrics struct {
	dispatches       *prometheus.CounterVec
	paymentOutcomes  *prometheus.CounterVec
	settlementUSD    *prometheus.CounterVec
	rejections       *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
}

// NewMetrics registers the gateway metrics on the collector
func NewMetrics(mc *monitoring.MetricsCollector) *Metrics {
	return &Metrics{
		dispatches: mc.NewCounter(
			"dispatches_total",
			"Dispatched requests by lifecycle outcome",
			[]string{"lifecycle"},
		),
		paymentOutcomes: mc.NewCounter(
			"payment_outcomes_total",
			"Payment gate outcomes",
			[]string{"outcome"},
		),
		settlementUSD: mc.NewCounter(
			"settled_usd_total",
			"Settled revenue in USD cents",
			[]string{"tenant"},
		),
		rejections: mc.NewCounter(
			"policy_rejections_total",
			"Rate and quota rejections",
			[]string{"kind"},
		),
		upstreamDuration: mc.NewHistogram(
			"upstream_duration_seconds",
			"Tenant handler call duration",
			[]string{"tenant"},
			nil,
		),
	}
}

func (m *Metrics) recordLifecycle(lifecycle string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(lifecycle).Inc()
}

func (m *Metrics) recordPayment(outcome string) {
	if m == nil {
		return
	}
	m.paymentOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) recordSettledUSD(tenant string, usd float64) {
	if m == nil {
		return
	}
	m.settlementUSD.WithLabelValues(tenant).Add(usd * 100)
}

func (m *Metrics) recordRejection(kind string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(kind).Inc()
}

func (m *Metrics) observeUpstream(tenant string, seconds float64) {
	if m == nil {
		return
	}
	m.upstreamDuration.WithLabelValues(tenant).Observe(seconds)
}
