package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SaleMetrics tracks sale operations, their rejections and the running
// totals of the vault.
type SaleMetrics struct {
	operations *prometheus.CounterVec
	rejections *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	events     *prometheus.CounterVec
	throttles  *prometheus.CounterVec
	raised     prometheus.Gauge
	retrieved  prometheus.Gauge

	otel *saleInstruments
}

var (
	saleMetricsOnce sync.Once
	saleRegistry    *SaleMetrics
)

// Sale returns the lazily-initialised sale metrics registry.
func Sale() *SaleMetrics {
	saleMetricsOnce.Do(func() {
		saleRegistry = &SaleMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sale",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Total sale operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sale",
				Subsystem: "engine",
				Name:      "rejections_total",
				Help:      "Rejected sale operations segmented by operation and reason code.",
			}, []string{"operation", "reason"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "sale",
				Subsystem: "engine",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for sale operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sale",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of committed sale events by type.",
			}, []string{"type"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sale",
				Subsystem: "gateway",
				Name:      "throttles_total",
				Help:      "Count of gateway requests rejected before reaching the engine.",
			}, []string{"reason"}),
			raised: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "sale",
				Subsystem: "vault",
				Name:      "raised",
				Help:      "Cumulative payment asset received by the sale.",
			}),
			retrieved: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "sale",
				Subsystem: "vault",
				Name:      "retrieved",
				Help:      "Cumulative payment asset withdrawn by the operator.",
			}),
			otel: globalSaleInstruments(),
		}
		prometheus.MustRegister(
			saleRegistry.operations,
			saleRegistry.rejections,
			saleRegistry.latency,
			saleRegistry.events,
			saleRegistry.throttles,
			saleRegistry.raised,
			saleRegistry.retrieved,
		)
	})
	return saleRegistry
}

// Observe records the outcome of a sale operation. An empty reason marks a
// success; otherwise reason should be the stable error code returned to the
// caller.
func (m *SaleMetrics) Observe(operation string, duration time.Duration, reason string) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if reason != "" {
		outcome = "rejected"
		m.rejections.WithLabelValues(op, reason).Inc()
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
	m.otel.observe(op, outcome, reason, duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit" or "auth".
func (m *SaleMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
	m.otel.throttled(reason)
}

// RecordTotals publishes the vault totals.
func (m *SaleMetrics) RecordTotals(raised, retrieved *big.Int) {
	if m == nil {
		return
	}
	m.raised.Set(bigToFloat(raised))
	m.retrieved.Set(bigToFloat(retrieved))
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
