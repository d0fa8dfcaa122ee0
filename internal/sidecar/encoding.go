package sidecar

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

var (
	// ErrUnsupportedEncoding is returned for Content-Encoding values we cannot decode.
	ErrUnsupportedEncoding = errors.New("unsupported content encoding")

	// ErrBodyTooLarge is returned when a decoded body exceeds the configured limit.
	ErrBodyTooLarge = errors.New("request body too large")
)

// decoder wraps body according to a single Content-Encoding token.
func decoder(encoding string, body io.Reader) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return io.NopCloser(body), nil
	case "gzip", "x-gzip":
		r, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip body: %w", err)
		}
		return r, nil
	case "deflate":
		r, err := zlib.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("failed to open deflate body: %w", err)
		}
		return r, nil
	case "br":
		return io.NopCloser(brotli.NewReader(body)), nil
	case "zstd":
		r, err := zstd.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("failed to open zstd body: %w", err)
		}
		return r.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, encoding)
	}
}

// readBody returns the decoded request body, limited to maxBytes after decoding.
func readBody(r *http.Request, maxBytes int64) ([]byte, error) {
	body, err := decoder(r.Header.Get("Content-Encoding"), r.Body)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrBodyTooLarge, maxBytes)
	}
	return data, nil
}
