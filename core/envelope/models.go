package envelope

import (
	"encoding/base64"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// ContentType is the media type SDKs use when posting envelopes.
const ContentType = "application/x-sentry-envelope"

// Encoding describes how an item payload is represented after parsing.
type Encoding string

const (
	// EncodingJSON marks items whose payload was decoded into Item.Fields.
	EncodingJSON Encoding = "json"
	// EncodingText marks raw items kept as UTF-8 text.
	EncodingText Encoding = "utf-8"
	// EncodingBase64 marks raw items re-encoded as base64.
	EncodingBase64 Encoding = "base64"
	// EncodingRaw marks items whose payload could not be decoded; Data holds the bytes.
	EncodingRaw Encoding = "raw"
)

// SDKInfo identifies the client that produced an envelope.
type SDKInfo struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// TraceContext is the dynamic sampling context carried in envelope headers.
type TraceContext struct {
	TraceID     string `json:"trace_id,omitempty"`
	PublicKey   string `json:"public_key,omitempty"`
	Release     string `json:"release,omitempty"`
	Environment string `json:"environment,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	SampleRate  string `json:"sample_rate,omitempty"`
	Sampled     string `json:"sampled,omitempty"`
}

// Header is the first line of an envelope.
type Header struct {
	EventID string        `json:"event_id,omitempty"`
	SentAt  string        `json:"sent_at,omitempty"`
	DSN     string        `json:"dsn,omitempty"`
	SDK     *SDKInfo      `json:"sdk,omitempty"`
	Trace   *TraceContext `json:"trace,omitempty"`

	// EnvelopeID is assigned by the parser and is unique for the process lifetime.
	EnvelopeID string `json:"__spotlight_envelope_id,omitempty"`

	// Extra holds every field of the parsed header line, known or not.
	Extra map[string]jsoniter.RawMessage `json:"-"`
}

// ItemHeader precedes every item payload.
type ItemHeader struct {
	Type           string `json:"type"`
	Length         *int   `json:"length,omitempty"`
	ContentType    string `json:"content_type,omitempty"`
	ItemCount      *int   `json:"item_count,omitempty"`
	Filename       string `json:"filename,omitempty"`
	AttachmentType string `json:"attachment_type,omitempty"`

	// Extra holds every field of the parsed item header line.
	Extra map[string]jsoniter.RawMessage `json:"-"`
}

// Item is one typed payload inside an envelope.
type Item struct {
	Header ItemHeader

	// Data holds the payload bytes exactly as received.
	Data []byte

	// Fields is the decoded JSON object with "type" merged in. Nil for raw items.
	Fields map[string]any

	// Text is the payload of raw items, UTF-8 or base64 depending on Encoding.
	Text string

	Encoding Encoding

	// Err records why a payload could not be decoded.
	Err error
}

// Type returns the declared item type.
func (i *Item) Type() string {
	return i.Header.Type
}

// Bytes returns the payload bytes, decoding Text for raw items.
func (i *Item) Bytes() ([]byte, error) {
	switch i.Encoding {
	case EncodingText:
		return []byte(i.Text), nil
	case EncodingBase64:
		return base64.StdEncoding.DecodeString(i.Text)
	default:
		return i.Data, nil
	}
}

// Envelope is a parsed envelope: header plus ordered items.
type Envelope struct {
	Header Header
	Items  []*Item
}

// ID returns the envelope id assigned at parse time.
func (e *Envelope) ID() string {
	return e.Header.EnvelopeID
}

// ItemTypes returns the item types in envelope order.
func (e *Envelope) ItemTypes() []string {
	types := make([]string, 0, len(e.Items))
	for _, item := range e.Items {
		types = append(types, item.Type())
	}
	return types
}

// ItemsOfType returns the items whose type matches any of the given types.
func (e *Envelope) ItemsOfType(types ...string) []*Item {
	var items []*Item
	for _, item := range e.Items {
		for _, t := range types {
			if item.Type() == t {
				items = append(items, item)
				break
			}
		}
	}
	return items
}

// rawItemTypes are item types whose payload is never JSON decoded.
var rawItemTypes = map[string]struct{}{
	"attachment":           {},
	"statsd":               {},
	"replay_recording":     {},
	"replay_video":         {},
	"profile_chunk_binary": {},
}

var textualContentTypes = map[string]struct{}{
	"application/json":       {},
	"application/xml":        {},
	"application/javascript": {},
	"application/x-ndjson":   {},
	"application/x-yaml":     {},
}

// IsRawItemType reports whether items of this type bypass JSON decoding.
func IsRawItemType(itemType string) bool {
	_, ok := rawItemTypes[itemType]
	return ok
}

func isTextualContentType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if strings.HasPrefix(ct, "text/") {
		return true
	}
	_, ok := textualContentTypes[ct]
	return ok
}
