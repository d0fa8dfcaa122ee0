package traces

import (
	"github.com/cespare/xxhash/v2"
	"github.com/deepaksharma/envelope-sidecar/core/event"
)

// SpanKey uniquely identifies a span within the aggregator.
type SpanKey struct {
	TraceID string
	SpanID  string
}

func createSpanKey(span event.Span) SpanKey {
	return SpanKey{
		TraceID: span.TraceID,
		SpanID:  span.SpanID,
	}
}

// hashSpanKey combines trace and span id into a single hash.
func hashSpanKey(key SpanKey) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(key.TraceID)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(key.SpanID)
	return h.Sum64()
}
