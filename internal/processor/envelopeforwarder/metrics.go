package envelopeforwarder

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/atomic"
)

// MetricsManager handles registration and updates of metrics
type MetricsManager struct {
	bufferedTracesGauge   *atomic.Int64
	forwardedEnvelopes    *atomic.Int64
	forwardedSpans        *atomic.Int64
	sendFailures          *atomic.Int64
	traceEvictionsCounter *atomic.Int64

	meter metric.Meter
}

// NewMetricsManager creates a new metrics manager
func NewMetricsManager(meter metric.Meter) *MetricsManager {
	return &MetricsManager{
		bufferedTracesGauge:   atomic.NewInt64(0),
		forwardedEnvelopes:    atomic.NewInt64(0),
		forwardedSpans:        atomic.NewInt64(0),
		sendFailures:          atomic.NewInt64(0),
		traceEvictionsCounter: atomic.NewInt64(0),
		meter:                 meter,
	}
}

// RegisterMetrics registers all metrics with the meter
func (m *MetricsManager) RegisterMetrics() error {
	gauges := []struct {
		name, description, unit string
		value                   *atomic.Int64
	}{
		{"envelope_forwarder.buffered_traces", "Traces waiting for their buffer timeout", "{traces}", m.bufferedTracesGauge},
	}
	counters := []struct {
		name, description, unit string
		value                   *atomic.Int64
	}{
		{"envelope_forwarder.envelopes_sent", "Transaction envelopes delivered to the sidecar", "{envelopes}", m.forwardedEnvelopes},
		{"envelope_forwarder.spans_sent", "Spans delivered to the sidecar", "{spans}", m.forwardedSpans},
		{"envelope_forwarder.send_failures", "Envelopes that could not be delivered", "{envelopes}", m.sendFailures},
		{"envelope_forwarder.trace_evictions", "Traces evicted from the buffer before completing", "{traces}", m.traceEvictionsCounter},
	}

	for _, g := range gauges {
		value := g.value
		if _, err := m.meter.Int64ObservableGauge(
			g.name,
			metric.WithDescription(g.description),
			metric.WithUnit(g.unit),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(value.Load())
				return nil
			}),
		); err != nil {
			return fmt.Errorf("failed to register %s: %w", g.name, err)
		}
	}

	for _, c := range counters {
		value := c.value
		if _, err := m.meter.Int64ObservableCounter(
			c.name,
			metric.WithDescription(c.description),
			metric.WithUnit(c.unit),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(value.Load())
				return nil
			}),
		); err != nil {
			return fmt.Errorf("failed to register %s: %w", c.name, err)
		}
	}

	return nil
}
