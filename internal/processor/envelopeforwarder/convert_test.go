package envelopeforwarder

import (
	"testing"
	"time"

	"github.com/deepaksharma/envelope-sidecar/core/envelope"
	"github.com/deepaksharma/envelope-sidecar/core/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/ptrace"
)

var convertStart = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// buildTrace returns a request handled locally plus a message consumed on
// behalf of a remote parent, all within one trace.
func buildTrace(t *testing.T) bufferedTrace {
	t.Helper()

	tb, _ := newTestBuffer(10, time.Second)
	resource, scope := testResource()
	resource.Attributes().PutStr("service.version", "1.4.2")
	resource.Attributes().PutStr("deployment.environment.name", "dev")
	resource.Attributes().PutStr("host.name", "laptop")

	root := newSpan(1, 1, -1, "GET /api/users", convertStart)
	root.SetKind(ptrace.SpanKindServer)
	root.SetEndTimestamp(pcommon.NewTimestampFromTime(convertStart.Add(250 * time.Millisecond)))
	root.Attributes().PutStr("http.request.method", "GET")
	root.Attributes().PutStr("url.full", "http://localhost:3000/api/users")

	query := newSpan(1, 2, 1, "SELECT * FROM users", convertStart.Add(10*time.Millisecond))
	query.SetKind(ptrace.SpanKindClient)
	query.Attributes().PutStr("db.system", "postgresql")
	query.Status().SetCode(ptrace.StatusCodeError)

	fetch := newSpan(1, 3, 2, "pool.acquire", convertStart.Add(11*time.Millisecond))

	consume := newSpan(1, 4, 99, "orders process", convertStart.Add(300*time.Millisecond))
	consume.SetKind(ptrace.SpanKindConsumer)
	consume.Attributes().PutStr("messaging.system", "kafka")

	handle := newSpan(1, 5, 4, "handle order", convertStart.Add(301*time.Millisecond))

	for _, s := range []ptrace.Span{handle, consume, fetch, query, root} {
		tb.AddSpan(s, resource, scope)
	}

	completed := tb.TakeCompleted(true)
	require.Len(t, completed, 1)
	return completed[0]
}

func TestToEnvelopesOnePerLocalRoot(t *testing.T) {
	now := convertStart.Add(time.Second)
	envelopes, err := toEnvelopes(buildTrace(t), now)
	require.NoError(t, err)
	require.Len(t, envelopes, 2)

	traceID := generateTraceID(1).String()

	first := decodeTransaction(t, envelopes[0])
	assert.Equal(t, "GET /api/users", first.Transaction)
	assert.Equal(t, traceID, first.TraceID())
	assert.Equal(t, generateSpanID(1).String(), first.Contexts.Trace.SpanID)
	assert.Empty(t, first.Contexts.Trace.ParentSpanID)
	assert.Equal(t, "http.server", first.Contexts.Trace.Op)
	assert.Equal(t, "ok", first.Contexts.Trace.Status)
	assert.Equal(t, "test-service", first.Contexts.Trace.Data["service.name"])
	assert.Equal(t, "1.4.2", first.Release)
	assert.Equal(t, "dev", first.Environment)
	assert.Equal(t, "laptop", first.ServerName)
	require.NotNil(t, first.Request)
	assert.Equal(t, "GET", first.Request.Method)
	assert.Equal(t, "http://localhost:3000/api/users", first.Request.URL)
	assert.InDelta(t, 0.25, float64(first.Timestamp-first.StartTimestamp), 1e-6)

	require.Len(t, first.Spans, 2)
	assert.Equal(t, "SELECT * FROM users", first.Spans[0].Description)
	assert.Equal(t, "db", first.Spans[0].Op)
	assert.Equal(t, "internal_error", first.Spans[0].Status)
	assert.Equal(t, generateSpanID(1).String(), first.Spans[0].ParentSpanID)
	assert.Equal(t, "pool.acquire", first.Spans[1].Description)
	assert.Equal(t, generateSpanID(2).String(), first.Spans[1].ParentSpanID)

	second := decodeTransaction(t, envelopes[1])
	assert.Equal(t, "orders process", second.Transaction)
	assert.Equal(t, generateSpanID(99).String(), second.Contexts.Trace.ParentSpanID)
	assert.Equal(t, "queue.process", second.Contexts.Trace.Op)
	assert.Nil(t, second.Request)
	require.Len(t, second.Spans, 1)
	assert.Equal(t, "handle order", second.Spans[0].Description)

	header := envelopes[0].Header
	assert.Equal(t, first.EventID, header.EventID)
	assert.Len(t, header.EventID, 32)
	assert.Equal(t, now.Format(time.RFC3339Nano), header.SentAt)
	require.NotNil(t, header.Trace)
	assert.Equal(t, traceID, header.Trace.TraceID)
	assert.Equal(t, "GET /api/users", header.Trace.Transaction)
	assert.Equal(t, "dev", header.Trace.Environment)
	require.NotNil(t, header.SDK)
	assert.Equal(t, sdkName, header.SDK.Name)
}

func TestToEnvelopesEmptyTrace(t *testing.T) {
	envelopes, err := toEnvelopes(bufferedTrace{TraceID: generateTraceID(1)}, time.Now())
	require.NoError(t, err)
	assert.Empty(t, envelopes)
}

func TestToEnvelopesParentCycle(t *testing.T) {
	tb, _ := newTestBuffer(10, time.Second)
	resource, scope := testResource()

	// Two spans naming each other as parent must still terminate
	tb.AddSpan(newSpan(1, 1, 2, "a", convertStart), resource, scope)
	tb.AddSpan(newSpan(1, 2, 1, "b", convertStart.Add(time.Millisecond)), resource, scope)

	completed := tb.TakeCompleted(true)
	require.Len(t, completed, 1)

	envelopes, err := toEnvelopes(completed[0], convertStart)
	require.NoError(t, err)
	require.NotEmpty(t, envelopes)

	spans := 0
	for _, env := range envelopes {
		ev := decodeTransaction(t, env)
		spans += len(ev.AllSpans())
	}
	assert.Equal(t, 2, spans, "every span is forwarded exactly once")
}

func TestSpanOp(t *testing.T) {
	tests := []struct {
		name  string
		kind  ptrace.SpanKind
		attrs map[string]string
		want  string
	}{
		{"database", ptrace.SpanKindClient, map[string]string{"db.system.name": "sqlite"}, "db"},
		{"http client", ptrace.SpanKindClient, map[string]string{"http.method": "POST"}, "http.client"},
		{"http server", ptrace.SpanKindServer, map[string]string{"http.request.method": "GET"}, "http.server"},
		{"producer", ptrace.SpanKindProducer, map[string]string{"messaging.system": "nats"}, "queue.publish"},
		{"consumer", ptrace.SpanKindConsumer, map[string]string{"messaging.system": "nats"}, "queue.process"},
		{"rpc client", ptrace.SpanKindClient, map[string]string{"rpc.system": "grpc"}, "rpc.client"},
		{"rpc server", ptrace.SpanKindServer, map[string]string{"rpc.system": "grpc"}, "rpc.server"},
		{"bare server", ptrace.SpanKindServer, nil, "server"},
		{"internal", ptrace.SpanKindInternal, nil, "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			span := ptrace.NewSpan()
			span.SetKind(tt.kind)
			for k, v := range tt.attrs {
				span.Attributes().PutStr(k, v)
			}
			assert.Equal(t, tt.want, spanOp(span))
		})
	}
}

func decodeTransaction(t *testing.T, env *envelope.Envelope) *event.Event {
	t.Helper()

	data, err := env.Marshal()
	require.NoError(t, err)
	parsed, err := envelope.Parse(data)
	require.NoError(t, err)

	events, _, err := event.Extract(parsed)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.True(t, events[0].IsTransaction())
	return events[0]
}
