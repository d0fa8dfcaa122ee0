package integration

import (
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/ptrace"
)

// TransactionEnvelope builds a transaction envelope for traceID with one
// child span per entry of children.
func TransactionEnvelope(traceID, name string, children ...string) string {
	var spans []string
	for i, child := range children {
		spans = append(spans, fmt.Sprintf(
			`{"span_id":"%016x","parent_span_id":"a1b2c3d4e5f6a7b8","op":"db","description":%q,"start_timestamp":%.3f,"timestamp":%.3f}`,
			i+1, child, 1700000000.01+float64(i)*0.01, 1700000000.02+float64(i)*0.01))
	}
	return `{"event_id":"9ec79c33ec9942ab8353589fcb2e04dc","sdk":{"name":"sentry.go","version":"0.29.0"}}` + "\n" +
		`{"type":"transaction"}` + "\n" +
		`{"type":"transaction","transaction":` + fmt.Sprintf("%q", name) + `,"start_timestamp":1700000000.0,"timestamp":1700000000.25,` +
		`"contexts":{"trace":{"trace_id":"` + traceID + `","span_id":"a1b2c3d4e5f6a7b8","op":"http.server"}},` +
		`"spans":[` + strings.Join(spans, ",") + `]}` + "\n"
}

// ErrorEnvelope builds an error event envelope raised in filename.
func ErrorEnvelope(traceID, message, filename string) string {
	return `{"event_id":"b2f0c6f6a1a94b0c9d3d0c8c2b1d1e7f"}` + "\n" +
		`{"type":"event"}` + "\n" +
		`{"level":"error","exception":{"values":[{"type":"Error","value":` + fmt.Sprintf("%q", message) + `,` +
		`"stacktrace":{"frames":[{"filename":"` + filename + `","function":"handler","lineno":12}]}}]},` +
		`"contexts":{"trace":{"trace_id":"` + traceID + `","span_id":"a1b2c3d4e5f6a7b8"}}}` + "\n"
}

// AttachmentEnvelope builds an envelope carrying a binary attachment.
func AttachmentEnvelope(filename string, payload []byte) []byte {
	header := fmt.Sprintf(`{"type":"attachment","length":%d,"filename":%q,"content_type":"application/octet-stream"}`,
		len(payload), filename)
	out := []byte(`{"event_id":"c0ffee00c0ffee00c0ffee00c0ffee00"}` + "\n" + header + "\n")
	out = append(out, payload...)
	return append(out, '\n')
}

// generateTestTraces creates numTraces request traces. Each has a server root
// followed by spansPerTrace-1 sequential database children.
func generateTestTraces(startIdx, numTraces, spansPerTrace int) ptrace.Traces {
	traces := ptrace.NewTraces()
	rs := traces.ResourceSpans().AppendEmpty()
	rs.Resource().Attributes().PutStr("service.name", "integration-service")
	rs.Resource().Attributes().PutStr("deployment.environment", "test")

	ss := rs.ScopeSpans().AppendEmpty()
	ss.Scope().SetName("integration-test")

	start := time.Now().Add(-time.Minute)
	for i := startIdx; i < startIdx+numTraces; i++ {
		traceID := generateTraceID(i)

		root := ss.Spans().AppendEmpty()
		root.SetName(fmt.Sprintf("GET /orders/%d", i))
		root.SetKind(ptrace.SpanKindServer)
		root.SetTraceID(traceID)
		root.SetSpanID(generateSpanID(i, 0))
		root.Attributes().PutStr("http.request.method", "GET")
		root.SetStartTimestamp(pcommon.NewTimestampFromTime(start))
		root.SetEndTimestamp(pcommon.NewTimestampFromTime(start.Add(time.Duration(spansPerTrace*10) * time.Millisecond)))

		for j := 1; j < spansPerTrace; j++ {
			child := ss.Spans().AppendEmpty()
			child.SetName(fmt.Sprintf("query %d", j))
			child.SetKind(ptrace.SpanKindClient)
			child.SetTraceID(traceID)
			child.SetSpanID(generateSpanID(i, j))
			child.SetParentSpanID(root.SpanID())
			child.Attributes().PutStr("db.system", "postgresql")
			childStart := start.Add(time.Duration(j*10) * time.Millisecond)
			child.SetStartTimestamp(pcommon.NewTimestampFromTime(childStart))
			child.SetEndTimestamp(pcommon.NewTimestampFromTime(childStart.Add(5 * time.Millisecond)))
		}
	}
	return traces
}

// generateTraceID creates a trace ID from an integer
func generateTraceID(id int) pcommon.TraceID {
	var traceID [16]byte
	traceID[0] = 0xab
	traceID[14] = byte(id >> 8)
	traceID[15] = byte(id)
	return pcommon.TraceID(traceID)
}

// generateSpanID creates a span ID unique within trace id
func generateSpanID(trace, span int) pcommon.SpanID {
	var spanID [8]byte
	spanID[0] = 0xcd
	spanID[4] = byte(trace >> 8)
	spanID[5] = byte(trace)
	spanID[6] = byte(span >> 8)
	spanID[7] = byte(span)
	return pcommon.SpanID(spanID)
}
