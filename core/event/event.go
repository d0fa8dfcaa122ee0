// Package event provides a typed view over decoded envelope items: error and
// transaction events, their spans and stack frames, and structured logs.
package event

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/deepaksharma/envelope-sidecar/core/envelope"
)

// Timestamp is a point in time in fractional seconds since the Unix epoch.
// It decodes from either a JSON number or an RFC 3339 string.
type Timestamp float64

// TimestampFromTime converts t to a Timestamp.
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp(float64(t.UnixNano()) / float64(time.Second))
}

// UnmarshalJSON implements json.Unmarshaler.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*ts = 0
		return nil
	}
	if data[0] == '"' {
		s, err := strconv.Unquote(string(data))
		if err != nil {
			return fmt.Errorf("invalid timestamp %s: %w", data, err)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		*ts = TimestampFromTime(t)
		return nil
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %s: %w", data, err)
	}
	*ts = Timestamp(f)
	return nil
}

// Time returns the timestamp as a time.Time in UTC.
func (ts Timestamp) Time() time.Time {
	sec, frac := math.Modf(float64(ts))
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
}

// IsZero reports whether the timestamp is unset.
func (ts Timestamp) IsZero() bool {
	return ts == 0
}

// Sub returns the duration ts-other.
func (ts Timestamp) Sub(other Timestamp) time.Duration {
	return time.Duration((float64(ts) - float64(other)) * float64(time.Second))
}

// Span is one timed unit of work within a trace.
// An empty ParentSpanID means the span has no parent.
type Span struct {
	SpanID         string            `json:"span_id"`
	TraceID        string            `json:"trace_id"`
	ParentSpanID   string            `json:"parent_span_id,omitempty"`
	Op             string            `json:"op,omitempty"`
	Description    string            `json:"description,omitempty"`
	StartTimestamp Timestamp         `json:"start_timestamp"`
	Timestamp      Timestamp         `json:"timestamp"`
	Status         string            `json:"status,omitempty"`
	Data           map[string]any    `json:"data,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
}

// Duration returns the span's wall time, never negative.
func (s Span) Duration() time.Duration {
	if s.Timestamp.IsZero() || s.StartTimestamp.IsZero() {
		return 0
	}
	d := s.Timestamp.Sub(s.StartTimestamp)
	if d < 0 {
		return 0
	}
	return d
}

// IsRoot reports whether the span declares no parent.
func (s Span) IsRoot() bool {
	return s.ParentSpanID == ""
}

// TraceContext is the "trace" entry of an event's contexts.
type TraceContext struct {
	TraceID      string         `json:"trace_id,omitempty"`
	SpanID       string         `json:"span_id,omitempty"`
	ParentSpanID string         `json:"parent_span_id,omitempty"`
	Op           string         `json:"op,omitempty"`
	Description  string         `json:"description,omitempty"`
	Status       string         `json:"status,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

// Contexts holds the structured contexts of an event.
type Contexts struct {
	Trace *TraceContext `json:"trace,omitempty"`
}

// Frame is one stack frame.
type Frame struct {
	Filename string `json:"filename,omitempty"`
	AbsPath  string `json:"abs_path,omitempty"`
	Function string `json:"function,omitempty"`
	Module   string `json:"module,omitempty"`
	Lineno   int    `json:"lineno,omitempty"`
	Colno    int    `json:"colno,omitempty"`
	InApp    *bool  `json:"in_app,omitempty"`
}

// Stacktrace is an ordered list of frames, innermost last.
type Stacktrace struct {
	Frames []Frame `json:"frames,omitempty"`
}

// Exception is one entry of an error event's exception chain.
type Exception struct {
	Type       string      `json:"type,omitempty"`
	Value      string      `json:"value,omitempty"`
	Module     string      `json:"module,omitempty"`
	Stacktrace *Stacktrace `json:"stacktrace,omitempty"`
}

// ExceptionList wraps exception values the way SDKs send them.
type ExceptionList struct {
	Values []Exception `json:"values,omitempty"`
}

// Request describes the HTTP request an event was captured in.
type Request struct {
	Method string `json:"method,omitempty"`
	URL    string `json:"url,omitempty"`
}

// Message accepts both the plain string form and the {"formatted": ...} form.
type Message string

// UnmarshalJSON implements json.Unmarshaler.
func (m *Message) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*m = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*m = Message(s)
		return nil
	}
	var obj struct {
		Formatted string `json:"formatted"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if obj.Formatted != "" {
		*m = Message(obj.Formatted)
	} else {
		*m = Message(obj.Message)
	}
	return nil
}

// Event types as reported by Event.Type.
const (
	TypeError       = "error"
	TypeTransaction = "transaction"
)

// Event is an error or transaction event.
type Event struct {
	EventID        string            `json:"event_id,omitempty"`
	Type           string            `json:"type,omitempty"`
	Level          string            `json:"level,omitempty"`
	Platform       string            `json:"platform,omitempty"`
	Release        string            `json:"release,omitempty"`
	Environment    string            `json:"environment,omitempty"`
	ServerName     string            `json:"server_name,omitempty"`
	Transaction    string            `json:"transaction,omitempty"`
	Message        Message           `json:"message,omitempty"`
	Timestamp      Timestamp         `json:"timestamp,omitempty"`
	StartTimestamp Timestamp         `json:"start_timestamp,omitempty"`
	Contexts       Contexts          `json:"contexts,omitempty"`
	Spans          []Span            `json:"spans,omitempty"`
	Exception      *ExceptionList    `json:"exception,omitempty"`
	Request        *Request          `json:"request,omitempty"`
	SDK            *envelope.SDKInfo `json:"sdk,omitempty"`

	// DecodeErr lists fields that were dropped because they failed to decode.
	DecodeErr error `json:"-"`
}

// IsTransaction reports whether the event is a transaction.
func (e *Event) IsTransaction() bool {
	return e.Type == TypeTransaction
}

// IsError reports whether the event is an error event.
func (e *Event) IsError() bool {
	return e.Type == TypeError
}

// TraceID returns the trace the event belongs to, if any.
func (e *Event) TraceID() string {
	if e.Contexts.Trace == nil {
		return ""
	}
	return e.Contexts.Trace.TraceID
}

// RootSpan returns the transaction's own span, built from its trace context.
func (e *Event) RootSpan() (Span, bool) {
	tc := e.Contexts.Trace
	if !e.IsTransaction() || tc == nil || tc.SpanID == "" {
		return Span{}, false
	}
	description := e.Transaction
	if description == "" {
		description = tc.Description
	}
	return Span{
		SpanID:         tc.SpanID,
		TraceID:        tc.TraceID,
		ParentSpanID:   tc.ParentSpanID,
		Op:             tc.Op,
		Description:    description,
		StartTimestamp: e.StartTimestamp,
		Timestamp:      e.Timestamp,
		Status:         tc.Status,
		Data:           tc.Data,
	}, true
}

// AllSpans returns the root span followed by the child spans. Child spans
// missing a trace id inherit the transaction's.
func (e *Event) AllSpans() []Span {
	var spans []Span
	if root, ok := e.RootSpan(); ok {
		spans = append(spans, root)
	}
	traceID := e.TraceID()
	for _, s := range e.Spans {
		if s.TraceID == "" {
			s.TraceID = traceID
		}
		spans = append(spans, s)
	}
	return spans
}

// Filenames returns the distinct stack frame filenames of the event's
// exceptions, in first-seen order. abs_path is used when filename is absent.
func (e *Event) Filenames() []string {
	if e.Exception == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var names []string
	for _, exc := range e.Exception.Values {
		if exc.Stacktrace == nil {
			continue
		}
		for _, frame := range exc.Stacktrace.Frames {
			name := frame.Filename
			if name == "" {
				name = frame.AbsPath
			}
			if name == "" {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	return names
}

// Title returns a short human readable label.
func (e *Event) Title() string {
	switch {
	case e.IsTransaction():
		return e.Transaction
	case e.Exception != nil && len(e.Exception.Values) > 0:
		exc := e.Exception.Values[len(e.Exception.Values)-1]
		if exc.Value == "" {
			return exc.Type
		}
		return exc.Type + ": " + exc.Value
	default:
		return string(e.Message)
	}
}
