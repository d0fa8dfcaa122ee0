package envelopeforwarder

import (
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// SpanWithResource keeps a span together with the resource and scope it was
// received under.
type SpanWithResource struct {
	Span     ptrace.Span
	Resource pcommon.Resource
	Scope    pcommon.InstrumentationScope
}

// detach copies span, resource and scope into a fresh ptrace.Traces so the
// buffer owns them after ConsumeTraces hands the batch downstream.
func detach(span ptrace.Span, resource pcommon.Resource, scope pcommon.InstrumentationScope) SpanWithResource {
	rs := ptrace.NewResourceSpans()
	resource.CopyTo(rs.Resource())
	ss := rs.ScopeSpans().AppendEmpty()
	scope.CopyTo(ss.Scope())
	owned := ss.Spans().AppendEmpty()
	span.CopyTo(owned)

	return SpanWithResource{Span: owned, Resource: rs.Resource(), Scope: ss.Scope()}
}

// bufferedTrace is one trace handed out by the buffer, spans ordered by start time.
type bufferedTrace struct {
	TraceID pcommon.TraceID
	Spans   []SpanWithResource
}

type pendingTrace struct {
	spans    map[pcommon.SpanID]SpanWithResource
	lastSeen time.Time
}

// TraceBuffer holds spans grouped by trace ID until no new span has arrived
// for timeout. When it holds maxTraces traces the least recently updated one
// is evicted.
type TraceBuffer struct {
	mu        sync.Mutex
	pending   map[pcommon.TraceID]*pendingTrace
	maxTraces int
	timeout   time.Duration
	logger    *zap.Logger

	// optional, incremented per capacity eviction
	evictions *atomic.Int64

	now func() time.Time
}

// NewTraceBuffer creates a buffer of at most maxTraces traces.
func NewTraceBuffer(maxTraces int, timeout time.Duration, logger *zap.Logger) *TraceBuffer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TraceBuffer{
		pending:   make(map[pcommon.TraceID]*pendingTrace),
		maxTraces: maxTraces,
		timeout:   timeout,
		logger:    logger,
		now:       time.Now,
	}
}

// SetEvictionCounter wires the counter bumped on every capacity eviction.
func (tb *TraceBuffer) SetEvictionCounter(counter *atomic.Int64) {
	tb.evictions = counter
}

// AddSpan adds a copy of span to its trace. Spans with empty ids are dropped
// and a span id seen twice replaces the earlier copy.
func (tb *TraceBuffer) AddSpan(span ptrace.Span, resource pcommon.Resource, scope pcommon.InstrumentationScope) {
	traceID, spanID := span.TraceID(), span.SpanID()
	if traceID.IsEmpty() || spanID.IsEmpty() {
		return
	}
	owned := detach(span, resource, scope)

	tb.mu.Lock()
	defer tb.mu.Unlock()

	pt, ok := tb.pending[traceID]
	if !ok {
		if len(tb.pending) >= tb.maxTraces {
			tb.evictLeastRecent()
		}
		pt = &pendingTrace{spans: make(map[pcommon.SpanID]SpanWithResource)}
		tb.pending[traceID] = pt
	}
	pt.spans[spanID] = owned
	pt.lastSeen = tb.now()
}

// TakeCompleted removes and returns traces idle for at least the timeout,
// earliest starting trace first. With all set every buffered trace is returned.
func (tb *TraceBuffer) TakeCompleted(all bool) []bufferedTrace {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	var out []bufferedTrace
	for traceID, pt := range tb.pending {
		if !all && now.Sub(pt.lastSeen) < tb.timeout {
			continue
		}
		out = append(out, bufferedTrace{TraceID: traceID, Spans: pt.ordered()})
		delete(tb.pending, traceID)
	}

	sort.Slice(out, func(i, j int) bool {
		return earliestStart(out[i]) < earliestStart(out[j])
	})
	return out
}

// ordered returns the spans by start time, span id breaking ties.
func (pt *pendingTrace) ordered() []SpanWithResource {
	spans := make([]SpanWithResource, 0, len(pt.spans))
	for _, s := range pt.spans {
		spans = append(spans, s)
	}
	sort.Slice(spans, func(i, j int) bool {
		a, b := spans[i].Span, spans[j].Span
		if a.StartTimestamp() == b.StartTimestamp() {
			return a.SpanID().String() < b.SpanID().String()
		}
		return a.StartTimestamp() < b.StartTimestamp()
	})
	return spans
}

func earliestStart(t bufferedTrace) pcommon.Timestamp {
	if len(t.Spans) == 0 {
		return 0
	}
	return t.Spans[0].Span.StartTimestamp()
}

// Size returns the number of buffered traces.
func (tb *TraceBuffer) Size() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.pending)
}

// SpanCount returns the number of buffered spans across all traces.
func (tb *TraceBuffer) SpanCount() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	n := 0
	for _, pt := range tb.pending {
		n += len(pt.spans)
	}
	return n
}

// evictLeastRecent drops the trace that went longest without a new span.
// Callers hold tb.mu.
func (tb *TraceBuffer) evictLeastRecent() {
	var (
		victim pcommon.TraceID
		oldest *pendingTrace
	)
	for traceID, pt := range tb.pending {
		if oldest == nil || pt.lastSeen.Before(oldest.lastSeen) {
			victim, oldest = traceID, pt
		}
	}
	if oldest == nil {
		return
	}

	tb.logger.Debug("Trace buffer full, dropping least recently updated trace",
		zap.Stringer("trace_id", victim),
		zap.Time("last_seen", oldest.lastSeen),
		zap.Int("spans", len(oldest.spans)))

	if tb.evictions != nil {
		tb.evictions.Inc()
	}
	delete(tb.pending, victim)
}
