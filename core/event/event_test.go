package event

import (
	"testing"
	"time"

	"github.com/deepaksharma/envelope-sidecar/core/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const transactionEnvelope = `{"event_id":"a1"}
{"type":"transaction"}
{"type":"transaction","transaction":"GET /api/users","start_timestamp":1714564800.0,"timestamp":"2024-05-01T12:00:00.250Z","contexts":{"trace":{"trace_id":"t1","span_id":"root1","op":"http.server","status":"ok"}},"request":{"method":"GET","url":"http://localhost/api/users"},"spans":[{"span_id":"c1","parent_span_id":"root1","op":"db.query","description":"SELECT 1","start_timestamp":1714564800.01,"timestamp":1714564800.028}]}
{"type":"event"}
{"event_id":"e1","message":{"formatted":"db down"},"contexts":{"trace":{"trace_id":"t1","span_id":"c1"}},"exception":{"values":[{"type":"Error","value":"boom","stacktrace":{"frames":[{"filename":"app/db.js","lineno":3},{"abs_path":"/srv/app/handler.js"},{"filename":"app/db.js","lineno":9}]}}]}}
{"type":"log"}
{"items":[{"timestamp":1714564800.1,"trace_id":"t1","level":"info","body":"hello"}]}
`

func TestExtract(t *testing.T) {
	env, err := envelope.Parse([]byte(transactionEnvelope))
	require.NoError(t, err)

	events, logs, err := Extract(env)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Len(t, logs, 1)

	tx := events[0]
	assert.True(t, tx.IsTransaction())
	assert.Equal(t, "t1", tx.TraceID())
	assert.Equal(t, "GET", tx.Request.Method)

	root, ok := tx.RootSpan()
	require.True(t, ok)
	assert.Equal(t, "root1", root.SpanID)
	assert.Equal(t, "GET /api/users", root.Description)
	assert.True(t, root.IsRoot())
	assert.Equal(t, 250*time.Millisecond, root.Duration().Round(time.Millisecond))

	spans := tx.AllSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "t1", spans[1].TraceID, "child spans inherit the trace id")
	assert.Equal(t, 18*time.Millisecond, spans[1].Duration().Round(time.Millisecond))

	errEvent := events[1]
	assert.True(t, errEvent.IsError())
	assert.Equal(t, Message("db down"), errEvent.Message)
	assert.Equal(t, []string{"app/db.js", "/srv/app/handler.js"}, errEvent.Filenames())
	assert.Equal(t, "Error: boom", errEvent.Title())
	_, ok = errEvent.RootSpan()
	assert.False(t, ok, "error events have no root span")

	assert.Equal(t, "hello", logs[0].Body)
	assert.Equal(t, "t1", logs[0].TraceID)
}

func TestDecodeRejectsNonEvents(t *testing.T) {
	item := envelope.NewRawItem("attachment", "", []byte("x"))
	_, err := Decode(item)
	assert.ErrorIs(t, err, ErrNotEvent)
}

func TestTimestampRoundTrip(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 500_000_000, time.UTC)
	ts := TimestampFromTime(at)
	assert.Equal(t, at, ts.Time())

	var parsed Timestamp
	require.NoError(t, parsed.UnmarshalJSON([]byte(`"2024-05-01T12:00:00.5Z"`)))
	assert.Equal(t, ts, parsed)

	require.NoError(t, parsed.UnmarshalJSON([]byte(`null`)))
	assert.True(t, parsed.IsZero())

	assert.Error(t, parsed.UnmarshalJSON([]byte(`"yesterday"`)))
}

func TestDecodeKeepsEventWithBadFields(t *testing.T) {
	data := `{"event_id":"a2"}
{"type":"transaction"}
{"transaction":"GET /orders","level":5,"start_timestamp":"soon","timestamp":1714564801.0,` +
		`"contexts":{"trace":{"trace_id":"t2","span_id":"root2"}},` +
		`"spans":[{"span_id":"s1","parent_span_id":"root2","op":"http.client","tags":{"http.status_code":200,"cached":false,"route":"/orders"}},` +
		`{"span_id":"s2","parent_span_id":"root2","start_timestamp":{"bad":true}}]}
{"type":"event"}
{"exception":{"values":[{"type":"Error","value":"boom","stacktrace":{"frames":[{"filename":"app/orders.go","lineno":"42"},{"filename":7}]}}]}}
`
	env, err := envelope.Parse([]byte(data))
	require.NoError(t, err)

	events, _, err := Extract(env)
	require.Error(t, err, "degraded fields are reported")
	require.Len(t, events, 2, "no event is dropped")

	tx := events[0]
	assert.Equal(t, "GET /orders", tx.Transaction)
	assert.Equal(t, "5", tx.Level)
	assert.True(t, tx.StartTimestamp.IsZero())
	assert.Equal(t, "t2", tx.TraceID())
	require.Error(t, tx.DecodeErr)

	var fieldErr *FieldError
	require.ErrorAs(t, tx.DecodeErr, &fieldErr)

	spans := tx.AllSpans()
	require.Len(t, spans, 3)
	assert.Equal(t, map[string]string{"http.status_code": "200", "cached": "false", "route": "/orders"}, spans[1].Tags)
	assert.Equal(t, "s2", spans[2].SpanID, "a span with a bad timestamp keeps its ids")

	errEvent := events[1]
	assert.True(t, errEvent.IsError())
	assert.NoError(t, errEvent.DecodeErr, "frame lineno is coerced, numeric filename is stringified")
	assert.Equal(t, []string{"app/orders.go", "7"}, errEvent.Filenames())
	assert.Equal(t, 42, errEvent.Exception.Values[0].Stacktrace.Frames[0].Lineno)
}

func TestDecodeLogsKeepsRecordsWithBadFields(t *testing.T) {
	env, err := envelope.Parse([]byte(`{}
{"type":"log"}
{"items":[{"timestamp":"later","trace_id":"t3","body":"one"},{"timestamp":1714564800.1,"trace_id":"t3","attributes":{"n":1}}]}
`))
	require.NoError(t, err)

	logs, err := DecodeLogs(env.Items[0])
	assert.Error(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "one", logs[0].Body)
	assert.True(t, logs[0].Timestamp.IsZero())
	assert.Equal(t, "t3", logs[1].TraceID)
}
