// Package tail follows a sidecar's event stream and prints what arrives.
package tail

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

const base64Suffix = ";base64"

// maxLineSize bounds a single SSE line; envelopes with attachments can be large.
const maxLineSize = 32 << 20

// Frame is one server-sent event with its payload decoded.
type Frame struct {
	ID    string
	Event string
	Data  []byte
}

// ContentType returns the event name without the base64 marker.
func (f Frame) ContentType() string {
	return strings.TrimSuffix(f.Event, base64Suffix)
}

// ReadFrames parses an SSE stream and calls fn for every dispatched event.
// Comment lines are skipped. It returns nil when r reaches EOF.
func ReadFrames(r io.Reader, fn func(Frame) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var (
		id, name string
		data     [][]byte
		hasData  bool
	)
	dispatch := func() error {
		defer func() {
			name, data, hasData = "", nil, false
		}()
		if !hasData && name == "" {
			return nil
		}
		frame := Frame{ID: id, Event: name, Data: bytes.Join(data, []byte("\n"))}
		if strings.HasSuffix(name, base64Suffix) {
			decoded, err := base64.StdEncoding.DecodeString(string(frame.Data))
			if err != nil {
				return fmt.Errorf("invalid base64 payload for event %q: %w", id, err)
			}
			frame.Data = decoded
		}
		return fn(frame)
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			if err := dispatch(); err != nil {
				return err
			}
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))
		switch string(field) {
		case "id":
			id = string(value)
		case "event":
			name = string(value)
		case "data":
			data = append(data, append([]byte(nil), value...))
			hasData = true
		}
	}
	return scanner.Err()
}
