package envelope

import (
	"bytes"
	"fmt"
)

// NewJSONItem builds an item by JSON encoding v.
func NewJSONItem(itemType string, v any) (*Item, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s item: %w", itemType, err)
	}
	return &Item{
		Header:   ItemHeader{Type: itemType},
		Data:     data,
		Encoding: EncodingJSON,
	}, nil
}

// NewRawItem builds an item that carries data verbatim.
func NewRawItem(itemType, contentType string, data []byte) *Item {
	return &Item{
		Header:   ItemHeader{Type: itemType, ContentType: contentType},
		Data:     data,
		Encoding: EncodingRaw,
	}
}

// Marshal serialises the envelope in wire format. Every item is written with an
// explicit length so payloads may contain newlines.
func (e *Envelope) Marshal() ([]byte, error) {
	var buf bytes.Buffer

	header, err := json.Marshal(e.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope header: %w", err)
	}
	buf.Write(header)
	buf.WriteByte('\n')

	for _, item := range e.Items {
		payload, err := itemPayload(item)
		if err != nil {
			return nil, err
		}

		itemHeader := item.Header
		length := len(payload)
		itemHeader.Length = &length
		encoded, err := json.Marshal(itemHeader)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s item header: %w", item.Type(), err)
		}

		buf.Write(encoded)
		buf.WriteByte('\n')
		buf.Write(payload)
		buf.WriteByte('\n')
	}

	return buf.Bytes(), nil
}

func itemPayload(item *Item) ([]byte, error) {
	if item.Data != nil {
		return item.Data, nil
	}
	if item.Fields != nil {
		data, err := json.Marshal(item.Fields)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s item payload: %w", item.Type(), err)
		}
		return data, nil
	}
	return item.Bytes()
}
