package observability

import (
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

type testEvent string

func (e testEvent) EventType() string { return string(e) }

func gather(t *testing.T) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, family := range families {
		out[family.GetName()] = family
	}
	return out
}

func counterValue(family *dto.MetricFamily, labels map[string]string) float64 {
	if family == nil {
		return 0
	}
	for _, metric := range family.Metric {
		matched := true
		for _, pair := range metric.GetLabel() {
			if want, ok := labels[pair.GetName()]; ok && want != pair.GetValue() {
				matched = false
			}
		}
		if matched && metric.Counter != nil {
			return metric.Counter.GetValue()
		}
	}
	return 0
}

func TestSaleMetricsObserve(t *testing.T) {
	m := Sale()
	before := gather(t)
	baseSuccess := counterValue(before["sale_engine_operations_total"], map[string]string{"operation": "claim", "outcome": "success"})
	baseRejected := counterValue(before["sale_engine_rejections_total"], map[string]string{"operation": "claim", "reason": "nothing_to_claim"})

	m.Observe("claim", 5*time.Millisecond, "")
	m.Observe("claim", time.Millisecond, "nothing_to_claim")
	m.RecordTotals(big.NewInt(105), big.NewInt(94))
	m.Emit(testEvent("sale.purchased"))
	m.Emit(testEvent(""))

	after := gather(t)
	require.Equal(t, baseSuccess+1, counterValue(after["sale_engine_operations_total"], map[string]string{"operation": "claim", "outcome": "success"}))
	require.Equal(t, baseRejected+1, counterValue(after["sale_engine_rejections_total"], map[string]string{"operation": "claim", "reason": "nothing_to_claim"}))
	require.GreaterOrEqual(t, counterValue(after["sale_events_emitted_total"], map[string]string{"type": "sale.purchased"}), 1.0)

	raised := after["sale_vault_raised"]
	require.NotNil(t, raised)
	require.Equal(t, 105.0, raised.Metric[0].GetGauge().GetValue())
	require.Equal(t, 94.0, after["sale_vault_retrieved"].Metric[0].GetGauge().GetValue())
}

func TestBigToFloatHandlesNil(t *testing.T) {
	require.Zero(t, bigToFloat(nil))
	require.Equal(t, 1e30, bigToFloat(new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil)))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *SaleMetrics
	m.Observe("buy", time.Second, "")
	m.RecordThrottle("rate_limit")
	m.RecordTotals(big.NewInt(1), nil)
	m.Emit(testEvent("sale.aborted"))
}
