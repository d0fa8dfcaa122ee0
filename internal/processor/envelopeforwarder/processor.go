package envelopeforwarder

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/collector/component"
	"go.opentelemetry.io/collector/consumer"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"go.opentelemetry.io/collector/processor"
	"go.uber.org/zap"
)

// minFlushInterval keeps the flush ticker from spinning on tiny timeouts.
const minFlushInterval = 10 * time.Millisecond

// forwarderProcessor passes traces through unchanged and, once a trace has
// been quiet for the buffer timeout, posts it to the sidecar as transaction
// envelopes.
type forwarderProcessor struct {
	ctx       context.Context
	ctxCancel context.CancelFunc
	logger    *zap.Logger
	config    *Config

	// Next consumer in the pipeline
	nextConsumer consumer.Traces

	metricsManager *MetricsManager
	traceBuffer    *TraceBuffer
	sender         *sender

	// Serializes flushes so envelopes of one trace are never interleaved
	flushMu sync.Mutex

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ processor.Traces = (*forwarderProcessor)(nil)

func newForwarderProcessor(
	ctx context.Context,
	set component.TelemetrySettings,
	cfg *Config,
	nextConsumer consumer.Traces,
) (*forwarderProcessor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	processorCtx, processorCancel := context.WithCancel(context.WithoutCancel(ctx))
	logger := set.Logger

	metricsManager := NewMetricsManager(set.MeterProvider.Meter("envelopeforwarder"))

	p := &forwarderProcessor{
		ctx:            processorCtx,
		ctxCancel:      processorCancel,
		logger:         logger,
		config:         cfg,
		nextConsumer:   nextConsumer,
		metricsManager: metricsManager,
		sender:         newSender(cfg, logger),
		stopChan:       make(chan struct{}),
	}

	p.traceBuffer = NewTraceBuffer(cfg.TraceBufferMaxSize, cfg.TraceBufferTimeout, logger)
	p.traceBuffer.SetEvictionCounter(metricsManager.traceEvictionsCounter)

	logger.Info("Envelope forwarder processor created",
		zap.String("endpoint", cfg.Endpoint),
		zap.Int("buffer_size", cfg.TraceBufferMaxSize),
		zap.Duration("buffer_timeout", cfg.TraceBufferTimeout))

	return p, nil
}

// Start implements the Component interface
func (p *forwarderProcessor) Start(_ context.Context, _ component.Host) error {
	p.logger.Info("Starting envelope forwarder processor")

	if err := p.metricsManager.RegisterMetrics(); err != nil {
		p.logger.Error("Failed to register metrics", zap.Error(err))
	}

	p.wg.Add(1)
	go p.processTraceBuffer()
	return nil
}

// Shutdown implements the Component interface. Buffered traces are flushed
// before returning.
func (p *forwarderProcessor) Shutdown(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Info("Shutting down envelope forwarder processor")
		close(p.stopChan)
		p.wg.Wait()

		err = p.flush(ctx, true)
		p.ctxCancel()
	})
	return err
}

// ConsumeTraces buffers every span and hands the batch to the next consumer.
func (p *forwarderProcessor) ConsumeTraces(ctx context.Context, traces ptrace.Traces) error {
	rss := traces.ResourceSpans()
	for i := 0; i < rss.Len(); i++ {
		rs := rss.At(i)
		resource := rs.Resource()

		ilss := rs.ScopeSpans()
		for j := 0; j < ilss.Len(); j++ {
			ils := ilss.At(j)
			scope := ils.Scope()

			spans := ils.Spans()
			for k := 0; k < spans.Len(); k++ {
				p.traceBuffer.AddSpan(spans.At(k), resource, scope)
			}
		}
	}
	p.metricsManager.bufferedTracesGauge.Store(int64(p.traceBuffer.Size()))

	return p.nextConsumer.ConsumeTraces(ctx, traces)
}

// processTraceBuffer periodically forwards traces that have completed
func (p *forwarderProcessor) processTraceBuffer() {
	defer p.wg.Done()

	checkInterval := p.config.TraceBufferTimeout / 10
	if checkInterval < minFlushInterval {
		checkInterval = minFlushInterval
	}
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.flush(p.ctx, false); err != nil {
				p.logger.Warn("Failed to forward completed traces", zap.Error(err))
			}
		case <-p.ctx.Done():
			return
		case <-p.stopChan:
			return
		}
	}
}

// flush converts and sends completed traces, or every buffered trace when all is set.
func (p *forwarderProcessor) flush(ctx context.Context, all bool) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	completed := p.traceBuffer.TakeCompleted(all)
	p.metricsManager.bufferedTracesGauge.Store(int64(p.traceBuffer.Size()))
	if len(completed) == 0 {
		return nil
	}

	p.logger.Debug("Forwarding completed traces", zap.Int("count", len(completed)))

	var errs []error
	now := time.Now()
	for _, trace := range completed {
		envelopes, err := toEnvelopes(trace, now)
		if err != nil {
			p.metricsManager.sendFailures.Inc()
			errs = append(errs, err)
			continue
		}
		for _, env := range envelopes {
			if err := p.sender.Send(ctx, env); err != nil {
				p.metricsManager.sendFailures.Inc()
				p.logger.Debug("Failed to send envelope",
					zap.Stringer("trace_id", trace.TraceID),
					zap.Error(err))
				errs = append(errs, err)
				continue
			}
			p.metricsManager.forwardedEnvelopes.Inc()
		}
		p.metricsManager.forwardedSpans.Add(int64(len(trace.Spans)))
	}
	return errors.Join(errs...)
}

// Capabilities implements the processor.Traces interface
func (p *forwarderProcessor) Capabilities() consumer.Capabilities {
	return consumer.Capabilities{MutatesData: false}
}
