package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "tokensale/sale"

// saleInstruments mirrors the prometheus series onto the OpenTelemetry meter
// so they reach the OTLP exporter configured by observability/otel.
type saleInstruments struct {
	operations metric.Int64Counter
	latency    metric.Float64Histogram
	events     metric.Int64Counter
	throttles  metric.Int64Counter
}

func newSaleInstruments(meter metric.Meter) *saleInstruments {
	inst, err := buildSaleInstruments(meter)
	if err != nil {
		inst, _ = buildSaleInstruments(noop.NewMeterProvider().Meter(meterName))
	}
	return inst
}

func buildSaleInstruments(meter metric.Meter) (*saleInstruments, error) {
	operations, err := meter.Int64Counter("sale.engine.operations",
		metric.WithDescription("Sale operations by operation and outcome."))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("sale.engine.operation.duration",
		metric.WithDescription("Latency of sale operations."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	emitted, err := meter.Int64Counter("sale.events.emitted",
		metric.WithDescription("Committed sale events by type."))
	if err != nil {
		return nil, err
	}
	throttles, err := meter.Int64Counter("sale.gateway.throttles",
		metric.WithDescription("Gateway requests rejected before reaching the engine."))
	if err != nil {
		return nil, err
	}
	return &saleInstruments{operations: operations, latency: latency, events: emitted, throttles: throttles}, nil
}

func globalSaleInstruments() *saleInstruments {
	return newSaleInstruments(otel.GetMeterProvider().Meter(meterName))
}

func (i *saleInstruments) observe(operation, outcome, reason string, seconds float64) {
	if i == nil {
		return
	}
	ctx := context.Background()
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	}
	if reason != "" {
		attrs = append(attrs, attribute.String("reason", reason))
	}
	i.operations.Add(ctx, 1, metric.WithAttributes(attrs...))
	i.latency.Record(ctx, seconds, metric.WithAttributes(attribute.String("operation", operation)))
}

func (i *saleInstruments) emitted(kind string) {
	if i == nil {
		return
	}
	i.events.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", kind)))
}

func (i *saleInstruments) throttled(reason string) {
	if i == nil {
		return
	}
	i.throttles.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}
