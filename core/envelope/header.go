package envelope

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

const envelopeIDField = "__spotlight_envelope_id"

// rawObject is a JSON object with its values left encoded.
type rawObject = map[string]jsoniter.RawMessage

// UnmarshalJSON accepts any JSON object. Known fields are read where their
// value has a usable shape (numbers and booleans become strings, anything
// else is skipped); every field is kept in Extra.
func (h *Header) UnmarshalJSON(data []byte) error {
	obj, err := decodeRawObject(data)
	if err != nil {
		return err
	}
	*h = Header{
		EventID:    stringField(obj, "event_id"),
		SentAt:     stringField(obj, "sent_at"),
		DSN:        stringField(obj, "dsn"),
		EnvelopeID: stringField(obj, envelopeIDField),
		Extra:      obj,
	}
	if sdk, ok := objectField(obj, "sdk"); ok {
		h.SDK = &SDKInfo{
			Name:    stringField(sdk, "name"),
			Version: stringField(sdk, "version"),
		}
	}
	if trace, ok := objectField(obj, "trace"); ok {
		h.Trace = &TraceContext{
			TraceID:     stringField(trace, "trace_id"),
			PublicKey:   stringField(trace, "public_key"),
			Release:     stringField(trace, "release"),
			Environment: stringField(trace, "environment"),
			Transaction: stringField(trace, "transaction"),
			SampleRate:  stringField(trace, "sample_rate"),
			Sampled:     stringField(trace, "sampled"),
		}
	}
	return nil
}

// MarshalJSON writes Extra with the typed fields laid over it. Fields whose
// typed value still reads the same as the original keep their original
// encoding, so a parsed header marshals back to the same fields.
func (h Header) MarshalJSON() ([]byte, error) {
	out := cloneObject(h.Extra)
	setString(out, "event_id", h.EventID)
	setString(out, "sent_at", h.SentAt)
	setString(out, "dsn", h.DSN)
	setString(out, envelopeIDField, h.EnvelopeID)

	if h.SDK == nil {
		dropObject(out, "sdk")
	} else if err := mergeObject(out, "sdk", map[string]string{
		"name":    h.SDK.Name,
		"version": h.SDK.Version,
	}); err != nil {
		return nil, err
	}

	if h.Trace == nil {
		dropObject(out, "trace")
	} else if err := mergeObject(out, "trace", map[string]string{
		"trace_id":    h.Trace.TraceID,
		"public_key":  h.Trace.PublicKey,
		"release":     h.Trace.Release,
		"environment": h.Trace.Environment,
		"transaction": h.Trace.Transaction,
		"sample_rate": h.Trace.SampleRate,
		"sampled":     h.Trace.Sampled,
	}); err != nil {
		return nil, err
	}

	return json.Marshal(out)
}

// UnmarshalJSON reads an item header. The type must be a string and the
// length an integer; other known fields are read leniently and every field is
// kept in Extra.
func (h *ItemHeader) UnmarshalJSON(data []byte) error {
	obj, err := decodeRawObject(data)
	if err != nil {
		return err
	}
	*h = ItemHeader{
		ContentType:    stringField(obj, "content_type"),
		Filename:       stringField(obj, "filename"),
		AttachmentType: stringField(obj, "attachment_type"),
		Extra:          obj,
	}
	if raw, ok := obj["type"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &h.Type); err != nil {
			return fmt.Errorf("type is not a string: %s", raw)
		}
	}
	if raw, ok := obj["length"]; ok && !isNull(raw) {
		n, ok := intValue(raw)
		if !ok {
			return fmt.Errorf("length is not an integer: %s", raw)
		}
		h.Length = &n
	}
	if n, ok := intValue(obj["item_count"]); ok {
		h.ItemCount = &n
	}
	return nil
}

// MarshalJSON writes Extra with the typed fields laid over it.
func (h ItemHeader) MarshalJSON() ([]byte, error) {
	out := cloneObject(h.Extra)
	if cur, ok := scalarString(out["type"]); !ok || cur != h.Type {
		out["type"] = quote(h.Type)
	}
	setInt(out, "length", h.Length)
	setInt(out, "item_count", h.ItemCount)
	setString(out, "content_type", h.ContentType)
	setString(out, "filename", h.Filename)
	setString(out, "attachment_type", h.AttachmentType)
	return json.Marshal(out)
}

func decodeRawObject(data []byte) (rawObject, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errors.New("expected a JSON object")
	}
	obj := make(rawObject)
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func isNull(raw jsoniter.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// scalarString renders a JSON string, number or boolean as text. Numbers keep
// their wire form.
func scalarString(raw jsoniter.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	switch x := v.(type) {
	case string:
		return x, true
	case float64:
		return string(bytes.TrimSpace(raw)), true
	case bool:
		return strconv.FormatBool(x), true
	}
	return "", false
}

func stringField(obj rawObject, key string) string {
	s, _ := scalarString(obj[key])
	return s
}

// intValue reads a non-fractional JSON number or a quoted integer.
func intValue(raw jsoniter.RawMessage) (int, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	switch x := v.(type) {
	case float64:
		if x != math.Trunc(x) || math.Abs(x) > math.MaxInt32 {
			return 0, false
		}
		return int(x), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		return n, err == nil
	}
	return 0, false
}

func objectField(obj rawObject, key string) (rawObject, bool) {
	raw := bytes.TrimSpace(obj[key])
	if len(raw) == 0 || raw[0] != '{' {
		return nil, false
	}
	inner := make(rawObject)
	if err := json.Unmarshal(raw, &inner); err != nil {
		return nil, false
	}
	return inner, true
}

func cloneObject(obj rawObject) rawObject {
	out := make(rawObject, len(obj))
	for k, v := range obj {
		out[k] = v
	}
	return out
}

func quote(s string) jsoniter.RawMessage {
	data, _ := json.Marshal(s)
	return data
}

// setString stores v under key unless the current value already reads as v.
// An empty v removes a scalar value and leaves anything else in place.
func setString(obj rawObject, key, v string) {
	cur, ok := scalarString(obj[key])
	switch {
	case ok && cur == v:
	case v == "":
		if ok {
			delete(obj, key)
		}
	default:
		obj[key] = quote(v)
	}
}

func setInt(obj rawObject, key string, v *int) {
	cur, ok := intValue(obj[key])
	switch {
	case v == nil:
		if ok {
			delete(obj, key)
		}
	case !ok || cur != *v:
		obj[key] = jsoniter.RawMessage(strconv.Itoa(*v))
	}
}

func mergeObject(obj rawObject, key string, fields map[string]string) error {
	inner, ok := objectField(obj, key)
	if !ok {
		inner = make(rawObject, len(fields))
	}
	for k, v := range fields {
		setString(inner, k, v)
	}
	data, err := json.Marshal(inner)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	obj[key] = data
	return nil
}

func dropObject(obj rawObject, key string) {
	if _, ok := objectField(obj, key); ok {
		delete(obj, key)
	}
}
