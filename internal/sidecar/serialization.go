package sidecar

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/deepaksharma/envelope-sidecar/core/envelope"
)

// Magic bytes for snapshot records
const (
	SerializationMagic   = "ENVL"
	SerializationVersion = byte(1)
)

// ErrInvalidRecord is returned for snapshot records that cannot be decoded.
var ErrInvalidRecord = errors.New("invalid snapshot record")

// Binary record format:
// - Magic (4 bytes): "ENVL"
// - Version (1 byte): 1
// - ReceivedAt (8 bytes): unix nanoseconds
// - ContentType Length (4 bytes) + ContentType
// - UserAgent Length (4 bytes) + UserAgent
// - Data Length (4 bytes) + Data
//
// The parsed envelope is not stored. Containers re-parse lazily after a restore.

// serializeContainer encodes the raw payload and metadata of c.
func serializeContainer(c *envelope.Container) ([]byte, error) {
	ct, ua, data := c.ContentType(), c.UserAgent(), c.Data()

	buf := bytes.NewBuffer(make([]byte, 0, 4+1+8+12+len(ct)+len(ua)+len(data)))
	buf.WriteString(SerializationMagic)
	buf.WriteByte(SerializationVersion)

	if err := binary.Write(buf, binary.BigEndian, c.ReceivedAt().UnixNano()); err != nil {
		return nil, fmt.Errorf("failed to write received at: %w", err)
	}
	for _, field := range [][]byte{[]byte(ct), []byte(ua), data} {
		if err := writeField(buf, field); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func writeField(buf *bytes.Buffer, field []byte) error {
	if err := binary.Write(buf, binary.BigEndian, uint32(len(field))); err != nil {
		return fmt.Errorf("failed to write field length: %w", err)
	}
	buf.Write(field)
	return nil
}

// deserializeContainer rebuilds a container from a record written by serializeContainer.
func deserializeContainer(record []byte, parser *envelope.Parser) (*envelope.Container, error) {
	if len(record) < 5+8+12 {
		return nil, fmt.Errorf("%w: too short (%d bytes)", ErrInvalidRecord, len(record))
	}

	r := bytes.NewReader(record)

	magic := make([]byte, len(SerializationMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("failed to read magic bytes: %w", err)
	}
	if string(magic) != SerializationMagic {
		return nil, fmt.Errorf("%w: expected magic %s, got %q", ErrInvalidRecord, SerializationMagic, magic)
	}

	version, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("failed to read version: %w", err)
	}
	if version != SerializationVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidRecord, version)
	}

	var receivedAt int64
	if err := binary.Read(r, binary.BigEndian, &receivedAt); err != nil {
		return nil, fmt.Errorf("failed to read received at: %w", err)
	}

	ct, err := readField(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read content type: %w", err)
	}
	ua, err := readField(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read user agent: %w", err)
	}
	data, err := readField(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}

	opts := []envelope.ContainerOption{envelope.WithReceivedAt(time.Unix(0, receivedAt))}
	if parser != nil {
		opts = append(opts, envelope.WithParser(parser))
	}
	return envelope.NewContainer(string(ct), data, string(ua), opts...), nil
}

func readField(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if int64(n) > int64(r.Len()) {
		return nil, fmt.Errorf("%w: field length %d exceeds remaining %d bytes", ErrInvalidRecord, n, r.Len())
	}
	field := make([]byte, n)
	if _, err := io.ReadFull(r, field); err != nil {
		return nil, err
	}
	return field, nil
}
