package sidecar

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/deepaksharma/envelope-sidecar/core/buffer"
)

// base64Suffix marks SSE event names whose data is base64 encoded.
const base64Suffix = ";base64"

// writeEntry frames one buffered container as a server-sent event. The event
// name is the content type, the id is the envelope id. Payloads that are not
// clean UTF-8 text are base64 encoded and the name gets a ";base64" suffix.
//
// Every data line is written as "data: " followed by the line. Readers strip
// exactly one space after the colon, so lines that start with spaces survive.
func writeEntry(w io.Writer, entry buffer.Entry) error {
	c := entry.Container
	data := c.Data()
	name := c.ContentType()

	var payload string
	if utf8.Valid(data) && !bytes.ContainsRune(data, '\r') {
		payload = string(data)
	} else {
		name += base64Suffix
		payload = base64.StdEncoding.EncodeToString(data)
	}

	bw := bufio.NewWriter(w)
	if id := c.EnvelopeID(); id != "" {
		writeSSEField(bw, "id", id)
	}
	writeSSEField(bw, "event", name)
	for _, line := range strings.Split(payload, "\n") {
		writeSSEField(bw, "data", line)
	}
	bw.WriteByte('\n')
	return bw.Flush()
}

func writeSSEField(w *bufio.Writer, field, value string) {
	w.WriteString(field)
	if value == "" {
		w.WriteString(":\n")
		return
	}
	w.WriteString(": ")
	w.WriteString(value)
	w.WriteByte('\n')
}

// writeHeartbeat writes an SSE comment that keeps idle connections open.
func writeHeartbeat(w io.Writer) error {
	_, err := io.WriteString(w, ": ping\n\n")
	return err
}
