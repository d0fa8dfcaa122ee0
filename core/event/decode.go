package event

import (
	"errors"
	"fmt"

	"github.com/deepaksharma/envelope-sidecar/core/envelope"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotEvent is returned when an item does not carry an event payload.
var ErrNotEvent = errors.New("item is not an event")

// Decode decodes an "event" or "transaction" item. Items of type "event"
// without an explicit type are error events. Fields that fail to decode are
// left empty and listed in Event.DecodeErr; the event itself is still returned.
func Decode(item *envelope.Item) (*Event, error) {
	switch item.Type() {
	case "event", "transaction":
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotEvent, item.Type())
	}
	if item.Encoding != envelope.EncodingJSON {
		return nil, fmt.Errorf("%w: undecodable %s payload", ErrNotEvent, item.Type())
	}

	var ev Event
	if len(item.Data) > 0 {
		if errs := decodeLenient(item.Data, &ev); len(errs) > 0 {
			ev.DecodeErr = fmt.Errorf("degraded %s: %w", item.Type(), errors.Join(errs...))
		}
	}

	if item.Type() == "transaction" {
		ev.Type = TypeTransaction
	} else if ev.Type == "" || ev.Type == "event" {
		ev.Type = TypeError
	}
	return &ev, nil
}

// Log is one structured log record from a "log" item.
type Log struct {
	Timestamp  Timestamp      `json:"timestamp"`
	TraceID    string         `json:"trace_id,omitempty"`
	Level      string         `json:"level,omitempty"`
	Body       string         `json:"body,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// DecodeLogs decodes the records of a "log" item. A record with a bad field
// is kept with that field zeroed and the problem is reported in the error.
func DecodeLogs(item *envelope.Item) ([]Log, error) {
	if item.Type() != "log" {
		return nil, fmt.Errorf("%w: %s", ErrNotEvent, item.Type())
	}
	var payload struct {
		Items []Log `json:"items"`
	}
	errs := decodeLenient(item.Data, &payload)
	if len(errs) > 0 {
		return payload.Items, fmt.Errorf("degraded log item: %w", errors.Join(errs...))
	}
	return payload.Items, nil
}

// Extract decodes every event, transaction and log item of env. Items with
// undecodable fields are still returned; their problems are reported in the
// joined error. Only payloads that are not JSON objects are skipped.
func Extract(env *envelope.Envelope) ([]*Event, []Log, error) {
	var (
		events []*Event
		logs   []Log
		errs   []error
	)
	for _, item := range env.Items {
		switch item.Type() {
		case "event", "transaction":
			ev, err := Decode(item)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ev.DecodeErr != nil {
				errs = append(errs, ev.DecodeErr)
			}
			events = append(events, ev)
		case "log":
			records, err := DecodeLogs(item)
			if err != nil {
				errs = append(errs, err)
			}
			logs = append(logs, records...)
		}
	}
	return events, logs, errors.Join(errs...)
}
