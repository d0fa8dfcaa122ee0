// Package traces groups buffered events by trace id and rebuilds span trees
// on demand.
package traces

import (
	"sort"
	"sync"
	"time"

	"github.com/deepaksharma/envelope-sidecar/core/envelope"
	"github.com/deepaksharma/envelope-sidecar/core/event"
	"github.com/deepaksharma/envelope-sidecar/core/spantree"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Trace is the aggregated view of one trace id.
type Trace struct {
	TraceID        string
	StartTimestamp event.Timestamp
	Timestamp      event.Timestamp

	// Spans in the order they were first seen.
	Spans []event.Span

	RootTransactionName   string
	RootTransactionMethod string

	SpanCount        int
	ErrorCount       int
	TransactionCount int
	LogCount         int

	LastUpdated time.Time
}

// Duration returns the time between the earliest start and the latest end.
func (t Trace) Duration() time.Duration {
	if t.StartTimestamp.IsZero() || t.Timestamp.IsZero() {
		return 0
	}
	return t.Timestamp.Sub(t.StartTimestamp)
}

// contribution is what one buffer entry added to one trace. Traces keep
// their contributions so entries leaving the buffer can be taken back out.
type contribution struct {
	index        uint64
	spans        []event.Span
	transactions []*event.Event
	errorTimes   []event.Timestamp
	logs         int
}

type traceState struct {
	Trace
	index    map[uint64]int
	trueRoot bool
	contribs []*contribution
}

func newTraceState(traceID string) *traceState {
	return &traceState{
		Trace: Trace{TraceID: traceID},
		index: make(map[uint64]int),
	}
}

// Aggregator holds traces built from buffered containers. A trace lives only
// as long as at least one buffer entry that contributed to it; see Retire.
// It also keeps at most maxTraces traces, evicting the least recently updated.
type Aggregator struct {
	// Maps trace IDs to their aggregated state
	traces map[string]*traceState

	// Trace IDs touched by each buffer index
	byIndex map[uint64][]string

	// Entries below this index have left the buffer
	retired uint64

	// Maximum number of traces to keep
	maxTraces int

	logger *zap.Logger

	// Counter for trace evictions (optional)
	evictionCounter *atomic.Int64

	now func() time.Time

	mu sync.RWMutex
}

// NewAggregator creates an aggregator bounded to maxTraces traces.
func NewAggregator(maxTraces int, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxTraces < 1 {
		maxTraces = 1
	}
	return &Aggregator{
		traces:    make(map[string]*traceState),
		byIndex:   make(map[uint64][]string),
		maxTraces: maxTraces,
		logger:    logger,
		now:       time.Now,
	}
}

// SetEvictionCounter sets the counter for trace evictions.
func (a *Aggregator) SetEvictionCounter(counter *atomic.Int64) {
	a.evictionCounter = counter
}

// Add folds the events of the buffer entry at index into their traces.
// Containers that are not envelopes, events without a trace id and entries
// already retired are ignored.
func (a *Aggregator) Add(index uint64, c *envelope.Container) {
	env, err := c.ParsedEnvelope()
	if err != nil {
		return
	}

	events, logs, err := event.Extract(env)
	if err != nil {
		a.logger.Debug("Envelope has undecodable fields",
			zap.String("envelope_id", env.ID()),
			zap.Error(err))
	}
	if len(events) == 0 && len(logs) == 0 {
		return
	}

	byTrace := make(map[string]*contribution)
	var order []string
	get := func(traceID string) *contribution {
		contrib, ok := byTrace[traceID]
		if !ok {
			contrib = &contribution{index: index}
			byTrace[traceID] = contrib
			order = append(order, traceID)
		}
		return contrib
	}
	for _, ev := range events {
		traceID := ev.TraceID()
		if traceID == "" {
			continue
		}
		switch {
		case ev.IsTransaction():
			contrib := get(traceID)
			contrib.transactions = append(contrib.transactions, ev)
			contrib.spans = append(contrib.spans, ev.AllSpans()...)
		case ev.IsError():
			contrib := get(traceID)
			contrib.errorTimes = append(contrib.errorTimes, ev.Timestamp)
		}
	}
	for _, record := range logs {
		if record.TraceID != "" {
			get(record.TraceID).logs++
		}
	}
	if len(order) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if index < a.retired {
		return
	}
	for _, traceID := range order {
		state := a.getOrCreate(traceID)
		state.contribs = append(state.contribs, byTrace[traceID])
		state.apply(byTrace[traceID])
	}
	a.byIndex[index] = append(a.byIndex[index], order...)
}

// Retire drops everything contributed by buffer entries below oldest. Traces
// left without contributions are removed; the others are rebuilt from what
// remains. Entries below oldest passed to Add later are ignored.
func (a *Aggregator) Retire(oldest uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if oldest <= a.retired {
		return
	}

	touched := make(map[string]struct{})
	if uint64(len(a.byIndex)) < oldest-a.retired {
		for idx, ids := range a.byIndex {
			if idx < oldest {
				for _, id := range ids {
					touched[id] = struct{}{}
				}
				delete(a.byIndex, idx)
			}
		}
	} else {
		for idx := a.retired; idx < oldest; idx++ {
			for _, id := range a.byIndex[idx] {
				touched[id] = struct{}{}
			}
			delete(a.byIndex, idx)
		}
	}
	a.retired = oldest

	for traceID := range touched {
		state, ok := a.traces[traceID]
		if !ok {
			continue
		}
		kept := state.contribs[:0]
		for _, contrib := range state.contribs {
			if contrib.index >= oldest {
				kept = append(kept, contrib)
			}
		}
		if len(kept) == 0 {
			delete(a.traces, traceID)
			a.logger.Debug("Trace left the buffer", zap.String("trace_id", traceID))
			continue
		}
		rebuilt := newTraceState(traceID)
		rebuilt.LastUpdated = state.LastUpdated
		rebuilt.contribs = kept
		for _, contrib := range kept {
			rebuilt.apply(contrib)
		}
		a.traces[traceID] = rebuilt
	}
}

// getOrCreate returns the state for traceID, evicting if the aggregator is
// full. Caller holds a.mu.
func (a *Aggregator) getOrCreate(traceID string) *traceState {
	state, ok := a.traces[traceID]
	if !ok {
		if len(a.traces) >= a.maxTraces {
			a.evictOldestTrace()
		}
		state = newTraceState(traceID)
		a.traces[traceID] = state
	}
	state.LastUpdated = a.now()
	return state
}

func (s *traceState) apply(contrib *contribution) {
	for _, span := range contrib.spans {
		s.addSpan(span)
	}
	for _, ev := range contrib.transactions {
		s.TransactionCount++
		s.noteTransaction(ev)
	}
	for _, ts := range contrib.errorTimes {
		s.ErrorCount++
		s.extend(ts, ts)
	}
	s.LogCount += contrib.logs
}

func (s *traceState) addSpan(span event.Span) {
	if span.SpanID == "" {
		return
	}
	key := hashSpanKey(createSpanKey(span))
	if i, ok := s.index[key]; ok {
		s.Spans[i] = span
	} else {
		s.index[key] = len(s.Spans)
		s.Spans = append(s.Spans, span)
	}
	s.SpanCount = len(s.Spans)
	s.extend(span.StartTimestamp, span.Timestamp)
}

// noteTransaction records the root transaction. A transaction without a
// parent span wins over one that has a parent.
func (s *traceState) noteTransaction(ev *event.Event) {
	root, ok := ev.RootSpan()
	isTrueRoot := ok && root.IsRoot()
	if s.trueRoot || (s.RootTransactionName != "" && !isTrueRoot) {
		return
	}
	s.RootTransactionName = ev.Transaction
	s.RootTransactionMethod = ""
	if ev.Request != nil {
		s.RootTransactionMethod = ev.Request.Method
	}
	s.trueRoot = isTrueRoot
}

func (s *traceState) extend(start, end event.Timestamp) {
	if !start.IsZero() && (s.StartTimestamp.IsZero() || start < s.StartTimestamp) {
		s.StartTimestamp = start
	}
	if end > s.Timestamp {
		s.Timestamp = end
	}
}

func (s *traceState) snapshot() Trace {
	t := s.Trace
	t.Spans = append([]event.Span(nil), s.Spans...)
	return t
}

// Trace returns a copy of the trace with the given id.
func (a *Aggregator) Trace(traceID string) (Trace, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	state, ok := a.traces[traceID]
	if !ok {
		return Trace{}, false
	}
	return state.snapshot(), true
}

// Traces returns copies of every trace, most recently started first.
func (a *Aggregator) Traces() []Trace {
	a.mu.RLock()
	out := make([]Trace, 0, len(a.traces))
	for _, state := range a.traces {
		out = append(out, state.snapshot())
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTimestamp != out[j].StartTimestamp {
			return out[i].StartTimestamp > out[j].StartTimestamp
		}
		return out[i].TraceID < out[j].TraceID
	})
	return out
}

// Forest builds the span forest of a trace. It is rebuilt on every call.
func (a *Aggregator) Forest(traceID string) ([]*spantree.Node, bool) {
	t, ok := a.Trace(traceID)
	if !ok {
		return nil, false
	}
	return spantree.BuildForest(t.Spans), true
}

// Render returns the text rendering of a trace's span forest.
func (a *Aggregator) Render(traceID string) ([]string, bool) {
	forest, ok := a.Forest(traceID)
	if !ok {
		return nil, false
	}
	return spantree.Render(forest), true
}

// RemoveTrace removes a trace.
func (a *Aggregator) RemoveTrace(traceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.traces, traceID)
}

// Reset drops every trace and accepts buffer indices from zero again, for a
// buffer whose write sequence was rewound.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.traces = make(map[string]*traceState)
	a.byIndex = make(map[uint64][]string)
	a.retired = 0
}

// Size returns the number of traces.
func (a *Aggregator) Size() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.traces)
}

// SpanCount returns the total number of spans across all traces.
func (a *Aggregator) SpanCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	count := 0
	for _, state := range a.traces {
		count += len(state.Spans)
	}
	return count
}

// evictOldestTrace removes the trace with the oldest update time.
func (a *Aggregator) evictOldestTrace() {
	var oldestID string
	var oldestTime time.Time

	first := true
	for id, state := range a.traces {
		if first || state.LastUpdated.Before(oldestTime) {
			oldestID = id
			oldestTime = state.LastUpdated
			first = false
		}
	}
	if first {
		return
	}

	a.logger.Debug("Evicting trace due to capacity limit",
		zap.String("trace_id", oldestID),
		zap.Time("last_updated", oldestTime),
		zap.Int("spans", len(a.traces[oldestID].Spans)),
		zap.Duration("age", a.now().Sub(oldestTime)))

	if a.evictionCounter != nil {
		a.evictionCounter.Inc()
	}
	delete(a.traces, oldestID)
}
