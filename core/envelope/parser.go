package envelope

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrEmptyEnvelope is returned for payloads without a header line.
	ErrEmptyEnvelope = errors.New("empty envelope")

	// ErrInvalidHeader is returned when the envelope header is not a JSON object.
	ErrInvalidHeader = errors.New("invalid envelope header")

	// ErrInvalidItemHeader marks item header lines that were skipped.
	ErrInvalidItemHeader = errors.New("invalid item header")

	// ErrTruncatedPayload marks items whose declared length ran past the end of the input.
	ErrTruncatedPayload = errors.New("item payload truncated")
)

// Parser converts raw envelope bytes into an Envelope.
// A Parser is safe for concurrent use.
type Parser struct {
	logger *zap.Logger
	ids    *IDGenerator
}

// NewParser creates a parser that logs item level problems to logger.
func NewParser(logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{
		logger: logger,
		ids:    defaultIDs,
	}
}

var defaultParser = NewParser(nil)

// Parse parses data with a parser that discards logs.
func Parse(data []byte) (*Envelope, error) {
	return defaultParser.Parse(data)
}

// Parse decodes one envelope. Only a missing or malformed envelope header is
// reported as an error; item problems are recorded on the items themselves.
func (p *Parser) Parse(data []byte) (*Envelope, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyEnvelope
	}

	line, offset := readLine(data, 0)
	var header Header
	if err := header.UnmarshalJSON(line); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	header.EnvelopeID = p.ids.Next()

	env := &Envelope{Header: header}
	for offset < len(data) {
		line, next := readLine(data, offset)
		if len(bytes.TrimSpace(line)) == 0 {
			offset = next
			continue
		}

		itemHeader, err := decodeItemHeader(line)
		if err != nil {
			p.logger.Warn("Skipping unparsable item header",
				zap.String("envelope_id", header.EnvelopeID),
				zap.Int("offset", offset),
				zap.Error(err))
			offset = next
			continue
		}
		offset = next

		var payload []byte
		truncated := false
		if itemHeader.Length != nil {
			end := offset + *itemHeader.Length
			if end > len(data) {
				end = len(data)
				truncated = true
			}
			payload = data[offset:end]
			offset = end
			if offset < len(data) && data[offset] == '\n' {
				offset++
			}
		} else {
			payload, offset = readLine(data, offset)
		}

		item := p.decodeItem(itemHeader, payload)
		if truncated && item.Err == nil {
			item.Err = fmt.Errorf("%w: declared %d bytes, got %d", ErrTruncatedPayload, *itemHeader.Length, len(payload))
			p.logger.Warn("Item payload shorter than declared length",
				zap.String("envelope_id", header.EnvelopeID),
				zap.String("type", itemHeader.Type),
				zap.Int("length", *itemHeader.Length),
				zap.Int("available", len(payload)))
		}
		env.Items = append(env.Items, item)
	}

	return env, nil
}

func (p *Parser) decodeItem(header ItemHeader, payload []byte) *Item {
	item := &Item{Header: header, Data: payload}

	if IsRawItemType(header.Type) {
		if isTextPayload(header, payload) {
			item.Text = string(payload)
			item.Encoding = EncodingText
		} else {
			item.Text = base64.StdEncoding.EncodeToString(payload)
			item.Encoding = EncodingBase64
		}
		return item
	}

	if len(bytes.TrimSpace(payload)) == 0 {
		item.Fields = map[string]any{"type": header.Type}
		item.Encoding = EncodingJSON
		return item
	}

	var fields map[string]any
	err := json.Unmarshal(payload, &fields)
	if err == nil && fields == nil {
		err = errors.New("payload is not a JSON object")
	}
	if err != nil {
		item.Encoding = EncodingRaw
		item.Err = fmt.Errorf("failed to decode %s item payload: %w", header.Type, err)
		p.logger.Warn("Keeping raw item payload",
			zap.String("type", header.Type),
			zap.Int("size", len(payload)),
			zap.Error(err))
		return item
	}

	fields["type"] = header.Type
	item.Fields = fields
	item.Encoding = EncodingJSON
	return item
}

func isTextPayload(header ItemHeader, payload []byte) bool {
	if header.ContentType == "" {
		if header.Type != "statsd" {
			return false
		}
	} else if !isTextualContentType(header.ContentType) {
		return false
	}
	return utf8.Valid(payload)
}

// readLine returns the bytes from offset up to the next newline and the offset
// just past it. A trailing carriage return is dropped.
func readLine(data []byte, offset int) ([]byte, int) {
	rest := data[offset:]
	i := bytes.IndexByte(rest, '\n')
	if i < 0 {
		return bytes.TrimSuffix(rest, []byte{'\r'}), len(data)
	}
	return bytes.TrimSuffix(rest[:i], []byte{'\r'}), offset + i + 1
}

func decodeItemHeader(line []byte) (ItemHeader, error) {
	var header ItemHeader
	if err := header.UnmarshalJSON(line); err != nil {
		return header, fmt.Errorf("%w: %v", ErrInvalidItemHeader, err)
	}
	if header.Type == "" {
		return header, fmt.Errorf("%w: missing type", ErrInvalidItemHeader)
	}
	if header.Length != nil && *header.Length < 0 {
		return header, fmt.Errorf("%w: negative length %d", ErrInvalidItemHeader, *header.Length)
	}
	return header, nil
}
