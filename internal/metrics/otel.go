package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// otelInstruments mirrors Counters' atomics into OTel metric instruments
// so an OTLP collector can scrape the same numbers the ws-metrics JSON
// endpoint reports, without changing that endpoint's contract (spec.md
// §6). The hand-rolled atomics in Counters remain the source of truth
// for Snapshot()/health(); this is additive instrumentation only, mirroring
// the teacher's pattern of a plain counters struct plus an optional
// richer reporting backend layered on top.
type otelInstruments struct {
	connActive   metric.Int64UpDownCounter
	connTotal    metric.Int64Counter
	connFailed   metric.Int64Counter
	bcastSent    metric.Int64Counter
	bcastFailed  metric.Int64Counter
	bcastLatency metric.Float64Histogram
}

func newOtelInstruments(meter metric.Meter) (*otelInstruments, error) {
	connActive, err := meter.Int64UpDownCounter("schoold.ws.connections_active")
	if err != nil {
		return nil, fmt.Errorf("metrics: connections_active instrument: %w", err)
	}
	connTotal, err := meter.Int64Counter("schoold.ws.connections_total")
	if err != nil {
		return nil, fmt.Errorf("metrics: connections_total instrument: %w", err)
	}
	connFailed, err := meter.Int64Counter("schoold.ws.connections_failed")
	if err != nil {
		return nil, fmt.Errorf("metrics: connections_failed instrument: %w", err)
	}
	bcastSent, err := meter.Int64Counter("schoold.broadcasts_sent")
	if err != nil {
		return nil, fmt.Errorf("metrics: broadcasts_sent instrument: %w", err)
	}
	bcastFailed, err := meter.Int64Counter("schoold.broadcasts_failed")
	if err != nil {
		return nil, fmt.Errorf("metrics: broadcasts_failed instrument: %w", err)
	}
	bcastLatency, err := meter.Float64Histogram("schoold.broadcast_latency_ms")
	if err != nil {
		return nil, fmt.Errorf("metrics: broadcast_latency instrument: %w", err)
	}
	return &otelInstruments{
		connActive:   connActive,
		connTotal:    connTotal,
		connFailed:   connFailed,
		bcastSent:    bcastSent,
		bcastFailed:  bcastFailed,
		bcastLatency: bcastLatency,
	}, nil
}

// WithOTel attaches OTel instruments backed by meter to c. Safe to call
// once at startup; a Counters with no attached meter behaves exactly as
// before (atomics only).
func (c *Counters) WithOTel(meter metric.Meter) error {
	inst, err := newOtelInstruments(meter)
	if err != nil {
		return err
	}
	c.otel = inst
	return nil
}

// NewStdoutMeterProvider builds the default production meter provider: a
// periodic reader over the stdout exporter, so `schoold serve` emits
// metrics snapshots to its log stream with no external collector
// required. A deployment wanting OTLP export swaps this for an
// otlpmetrichttp-backed provider without touching instrumentation call
// sites, since Counters only depends on the metric.Meter interface.
func NewStdoutMeterProvider(ctx context.Context) (*sdkmetric.MeterProvider, error) {
	exporter, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("metrics: build stdout exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
	)
	return provider, nil
}
