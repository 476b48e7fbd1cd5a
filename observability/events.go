package observability

import (
	"strings"

	"tokensale/core/events"
)

// Emit counts committed sale events so SaleMetrics can sit in an
// events.MultiEmitter next to the audit store.
func (m *SaleMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	kind := strings.TrimSpace(evt.EventType())
	if kind == "" {
		kind = "unknown"
	}
	m.events.WithLabelValues(kind).Inc()
	m.otel.emitted(kind)
}

var _ events.Emitter = (*SaleMetrics)(nil)
