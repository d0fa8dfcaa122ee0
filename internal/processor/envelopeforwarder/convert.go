package envelopeforwarder

import (
	"sort"
	"strings"
	"time"

	"github.com/deepaksharma/envelope-sidecar/core/envelope"
	"github.com/deepaksharma/envelope-sidecar/core/event"
	"github.com/google/uuid"
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/ptrace"
)

// SDK identity stamped on forwarded envelopes
const (
	sdkName    = "otelcol.envelope_forwarder"
	sdkVersion = "0.1.0"
)

// toEnvelopes converts a completed trace into one transaction envelope per
// local root. A span is a local root when its parent is not part of the
// trace; every other span is attached to the transaction of its nearest
// local-root ancestor. Transactions are ordered by root start time.
func toEnvelopes(t bufferedTrace, now time.Time) ([]*envelope.Envelope, error) {
	if len(t.Spans) == 0 {
		return nil, nil
	}

	position := make(map[pcommon.SpanID]int, len(t.Spans))
	for i, s := range t.Spans {
		position[s.Span.SpanID()] = i
	}

	// Walk up the parent chain; the step bound stops at cycles.
	rootOf := make([]int, len(t.Spans))
	for i := range t.Spans {
		cur := i
		for steps := 0; steps < len(t.Spans); steps++ {
			parent := t.Spans[cur].Span.ParentSpanID()
			if parent.IsEmpty() {
				break
			}
			p, ok := position[parent]
			if !ok || p == cur {
				break
			}
			cur = p
		}
		rootOf[i] = cur
	}

	var order []int
	seen := make(map[int]bool)
	members := make(map[int][]int)
	for i, r := range rootOf {
		if !seen[r] {
			seen[r] = true
			order = append(order, r)
		}
		if i != r {
			members[r] = append(members[r], i)
		}
	}
	sort.Ints(order)

	envelopes := make([]*envelope.Envelope, 0, len(order))
	for _, r := range order {
		ev := transactionFor(t.Spans[r], t.Spans, members[r])
		item, err := envelope.NewJSONItem(event.TypeTransaction, ev)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, &envelope.Envelope{
			Header: envelope.Header{
				EventID: ev.EventID,
				SentAt:  now.UTC().Format(time.RFC3339Nano),
				SDK:     ev.SDK,
				Trace: &envelope.TraceContext{
					TraceID:     ev.TraceID(),
					Release:     ev.Release,
					Environment: ev.Environment,
					Transaction: ev.Transaction,
				},
			},
			Items: []*envelope.Item{item},
		})
	}
	return envelopes, nil
}

func transactionFor(root SpanWithResource, spans []SpanWithResource, children []int) *event.Event {
	resource := root.Resource.Attributes()
	data := root.Span.Attributes().AsRaw()
	if name, ok := resource.Get("service.name"); ok {
		data["service.name"] = name.AsString()
	}

	ev := &event.Event{
		EventID:        newEventID(),
		Type:           event.TypeTransaction,
		Platform:       "otlp",
		Transaction:    root.Span.Name(),
		StartTimestamp: timestamp(root.Span.StartTimestamp()),
		Timestamp:      timestamp(root.Span.EndTimestamp()),
		Release:        stringAttr(resource, "service.version"),
		Environment:    stringAttr(resource, "deployment.environment.name", "deployment.environment"),
		ServerName:     stringAttr(resource, "host.name"),
		Contexts: event.Contexts{
			Trace: &event.TraceContext{
				TraceID:      root.Span.TraceID().String(),
				SpanID:       root.Span.SpanID().String(),
				ParentSpanID: parentID(root.Span),
				Op:           spanOp(root.Span),
				Status:       spanStatus(root.Span),
				Data:         data,
			},
		},
		Request: request(root.Span),
		SDK:     &envelope.SDKInfo{Name: sdkName, Version: sdkVersion},
	}

	for _, i := range children {
		ev.Spans = append(ev.Spans, toSpan(spans[i].Span))
	}
	return ev
}

func toSpan(s ptrace.Span) event.Span {
	span := event.Span{
		SpanID:         s.SpanID().String(),
		TraceID:        s.TraceID().String(),
		ParentSpanID:   parentID(s),
		Op:             spanOp(s),
		Description:    s.Name(),
		StartTimestamp: timestamp(s.StartTimestamp()),
		Timestamp:      timestamp(s.EndTimestamp()),
		Status:         spanStatus(s),
	}
	if s.Attributes().Len() > 0 {
		span.Data = s.Attributes().AsRaw()
	}
	return span
}

func timestamp(ts pcommon.Timestamp) event.Timestamp {
	if ts == 0 {
		return 0
	}
	return event.TimestampFromTime(ts.AsTime())
}

func parentID(s ptrace.Span) string {
	if s.ParentSpanID().IsEmpty() {
		return ""
	}
	return s.ParentSpanID().String()
}

func spanStatus(s ptrace.Span) string {
	if s.Status().Code() == ptrace.StatusCodeError {
		return "internal_error"
	}
	return "ok"
}

// spanOp derives an operation name from semantic convention attributes,
// falling back to the span kind.
func spanOp(s ptrace.Span) string {
	attrs := s.Attributes()
	kind := s.Kind()
	switch {
	case hasAttr(attrs, "db.system.name", "db.system"):
		return "db"
	case hasAttr(attrs, "http.request.method", "http.method"):
		if kind == ptrace.SpanKindClient {
			return "http.client"
		}
		return "http.server"
	case hasAttr(attrs, "messaging.system"):
		if kind == ptrace.SpanKindProducer {
			return "queue.publish"
		}
		return "queue.process"
	case hasAttr(attrs, "rpc.system"):
		if kind == ptrace.SpanKindClient {
			return "rpc.client"
		}
		return "rpc.server"
	}

	switch kind {
	case ptrace.SpanKindServer, ptrace.SpanKindClient, ptrace.SpanKindProducer, ptrace.SpanKindConsumer:
		return strings.ToLower(kind.String())
	default:
		return "default"
	}
}

func request(s ptrace.Span) *event.Request {
	attrs := s.Attributes()
	method := stringAttr(attrs, "http.request.method", "http.method")
	if method == "" {
		return nil
	}
	return &event.Request{
		Method: method,
		URL:    stringAttr(attrs, "url.full", "http.url"),
	}
}

func hasAttr(attrs pcommon.Map, keys ...string) bool {
	for _, k := range keys {
		if _, ok := attrs.Get(k); ok {
			return true
		}
	}
	return false
}

func stringAttr(attrs pcommon.Map, keys ...string) string {
	for _, k := range keys {
		if v, ok := attrs.Get(k); ok {
			return v.AsString()
		}
	}
	return ""
}

func newEventID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
