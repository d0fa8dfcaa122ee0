package envelopeforwarder

import (
	"context"

	"go.opentelemetry.io/collector/component"
	"go.opentelemetry.io/collector/consumer"
	"go.opentelemetry.io/collector/processor"
)

// TypeStr is the processor's component type.
const TypeStr = "envelope_forwarder"

// NewFactory returns a new factory for the envelope forwarder processor.
func NewFactory() processor.Factory {
	return processor.NewFactory(
		component.MustNewType(TypeStr),
		createDefaultConfig,
		processor.WithTraces(createTracesProcessor, component.StabilityLevelBeta),
	)
}

// createTracesProcessor creates a trace processor based on this config.
func createTracesProcessor(
	ctx context.Context,
	params processor.Settings,
	cfg component.Config,
	nextConsumer consumer.Traces,
) (processor.Traces, error) {
	return newForwarderProcessor(ctx, params.TelemetrySettings, cfg.(*Config), nextConsumer)
}

// ForceFlush converts and sends every buffered trace regardless of age.
// It is used by tests that cannot wait for the trace buffer timeout.
func ForceFlush(ctx context.Context, p processor.Traces) error {
	if fp, ok := p.(*forwarderProcessor); ok {
		return fp.flush(ctx, true)
	}
	return nil
}
