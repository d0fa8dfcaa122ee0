package envelopeforwarder

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/deepaksharma/envelope-sidecar/core/envelope"
	"github.com/deepaksharma/envelope-sidecar/core/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/collector/component"
	"go.opentelemetry.io/collector/component/componenttest"
	"go.opentelemetry.io/collector/consumer/consumertest"
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"go.opentelemetry.io/collector/processor/processortest"
)

// fakeSidecar records the envelopes posted to it.
type fakeSidecar struct {
	*httptest.Server

	mu        sync.Mutex
	bodies    [][]byte
	headers   []http.Header
	failAfter int
}

func newFakeSidecar(t *testing.T) *fakeSidecar {
	t.Helper()

	s := &fakeSidecar{failAfter: -1}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.failAfter >= 0 && len(s.bodies) >= s.failAfter {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		s.bodies = append(s.bodies, body)
		s.headers = append(s.headers, r.Header.Clone())
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *fakeSidecar) received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bodies)
}

func (s *fakeSidecar) transactions(t *testing.T) []*event.Event {
	t.Helper()

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*event.Event
	for _, body := range s.bodies {
		env, err := envelope.Parse(body)
		require.NoError(t, err)
		events, _, err := event.Extract(env)
		require.NoError(t, err)
		out = append(out, events...)
	}
	return out
}

func newTestProcessor(t *testing.T, endpoint string, timeout time.Duration) (*forwarderProcessor, *consumertest.TracesSink) {
	t.Helper()

	cfg := createDefaultConfig().(*Config)
	cfg.Endpoint = endpoint + "/stream"
	cfg.MaxRetries = 0
	cfg.TraceBufferTimeout = timeout

	sink := new(consumertest.TracesSink)
	set := processortest.NewNopSettings(component.MustNewType(TypeStr))
	proc, err := newForwarderProcessor(context.Background(), set.TelemetrySettings, cfg, sink)
	require.NoError(t, err)
	return proc, sink
}

// generateTraces creates numTraces traces of one root and one child span each.
func generateTraces(numTraces int) ptrace.Traces {
	traces := ptrace.NewTraces()
	rs := traces.ResourceSpans().AppendEmpty()
	rs.Resource().Attributes().PutStr("service.name", "test-service")

	ss := rs.ScopeSpans().AppendEmpty()
	ss.Scope().SetName("test-scope")

	start := time.Now().Add(-time.Second)
	for i := 0; i < numTraces; i++ {
		root := ss.Spans().AppendEmpty()
		root.SetName("GET /items")
		root.SetKind(ptrace.SpanKindServer)
		root.SetTraceID(generateTraceID(i))
		root.SetSpanID(generateSpanID(i*2 + 1))
		root.SetStartTimestamp(pcommon.NewTimestampFromTime(start))
		root.SetEndTimestamp(pcommon.NewTimestampFromTime(start.Add(100 * time.Millisecond)))

		child := ss.Spans().AppendEmpty()
		child.SetName("load items")
		child.SetTraceID(generateTraceID(i))
		child.SetSpanID(generateSpanID(i*2 + 2))
		child.SetParentSpanID(root.SpanID())
		child.SetStartTimestamp(pcommon.NewTimestampFromTime(start.Add(10 * time.Millisecond)))
		child.SetEndTimestamp(pcommon.NewTimestampFromTime(start.Add(20 * time.Millisecond)))
	}
	return traces
}

func TestProcessorPassesTracesThrough(t *testing.T) {
	sidecar := newFakeSidecar(t)
	proc, sink := newTestProcessor(t, sidecar.URL, time.Minute)

	ctx := context.Background()
	require.NoError(t, proc.Start(ctx, componenttest.NewNopHost()))
	defer func() { require.NoError(t, proc.Shutdown(ctx)) }()

	traces := generateTraces(3)
	require.NoError(t, proc.ConsumeTraces(ctx, traces))

	require.Len(t, sink.AllTraces(), 1)
	assert.Equal(t, 6, sink.AllTraces()[0].SpanCount())
	assert.Equal(t, 3, proc.traceBuffer.Size())
	assert.Equal(t, int64(3), proc.metricsManager.bufferedTracesGauge.Load())
	assert.Equal(t, 0, sidecar.received(), "traces are held until their timeout")
}

func TestProcessorForwardsCompletedTraces(t *testing.T) {
	sidecar := newFakeSidecar(t)
	proc, _ := newTestProcessor(t, sidecar.URL, 50*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, proc.Start(ctx, componenttest.NewNopHost()))
	defer func() { require.NoError(t, proc.Shutdown(ctx)) }()

	require.NoError(t, proc.ConsumeTraces(ctx, generateTraces(2)))

	require.Eventually(t, func() bool {
		return sidecar.received() == 2
	}, 5*time.Second, 10*time.Millisecond)

	transactions := sidecar.transactions(t)
	require.Len(t, transactions, 2)
	for _, tx := range transactions {
		assert.Equal(t, "GET /items", tx.Transaction)
		assert.Equal(t, "http.server", tx.Contexts.Trace.Op)
		require.Len(t, tx.Spans, 1)
		assert.Equal(t, "load items", tx.Spans[0].Description)
	}

	sidecar.mu.Lock()
	assert.Equal(t, envelope.ContentType, sidecar.headers[0].Get("Content-Type"))
	assert.Equal(t, userAgent, sidecar.headers[0].Get("User-Agent"))
	sidecar.mu.Unlock()

	assert.Equal(t, int64(2), proc.metricsManager.forwardedEnvelopes.Load())
	assert.Equal(t, int64(4), proc.metricsManager.forwardedSpans.Load())
	assert.Equal(t, int64(0), proc.metricsManager.bufferedTracesGauge.Load())
}

func TestProcessorShutdownFlushes(t *testing.T) {
	sidecar := newFakeSidecar(t)
	proc, _ := newTestProcessor(t, sidecar.URL, time.Hour)

	ctx := context.Background()
	require.NoError(t, proc.Start(ctx, componenttest.NewNopHost()))
	require.NoError(t, proc.ConsumeTraces(ctx, generateTraces(3)))

	require.NoError(t, proc.Shutdown(ctx))
	assert.Equal(t, 3, sidecar.received())

	// A second shutdown is a no-op
	require.NoError(t, proc.Shutdown(ctx))
	assert.Equal(t, 3, sidecar.received())
}

func TestForceFlush(t *testing.T) {
	sidecar := newFakeSidecar(t)
	proc, _ := newTestProcessor(t, sidecar.URL, time.Hour)

	ctx := context.Background()
	require.NoError(t, proc.ConsumeTraces(ctx, generateTraces(1)))
	require.NoError(t, ForceFlush(ctx, proc))
	assert.Equal(t, 1, sidecar.received())
	assert.Equal(t, 0, proc.traceBuffer.Size())
}

func TestProcessorCountsSendFailures(t *testing.T) {
	sidecar := newFakeSidecar(t)
	sidecar.failAfter = 1
	proc, sink := newTestProcessor(t, sidecar.URL, time.Hour)

	ctx := context.Background()
	require.NoError(t, proc.ConsumeTraces(ctx, generateTraces(3)))

	err := proc.flush(ctx, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")

	assert.Equal(t, 1, sidecar.received())
	assert.Equal(t, int64(1), proc.metricsManager.forwardedEnvelopes.Load())
	assert.Equal(t, int64(2), proc.metricsManager.sendFailures.Load())
	assert.Len(t, sink.AllTraces(), 1, "pass-through is unaffected by delivery errors")
}

func TestProcessorUnreachableSidecar(t *testing.T) {
	sidecar := newFakeSidecar(t)
	url := sidecar.URL
	sidecar.Close()

	proc, _ := newTestProcessor(t, url, time.Hour)

	ctx := context.Background()
	require.NoError(t, proc.ConsumeTraces(ctx, generateTraces(1)))
	assert.Error(t, proc.flush(ctx, true))
	assert.Equal(t, int64(1), proc.metricsManager.sendFailures.Load())
}
