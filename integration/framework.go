// Package integration provides a framework for end-to-end testing of the
// envelope sidecar: HTTP ingest, the buffer, the event stream, trace queries
// and the collector forwarder talking to a real listener.
package integration

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/deepaksharma/envelope-sidecar/internal/config"
	"github.com/deepaksharma/envelope-sidecar/internal/processor/envelopeforwarder"
	"github.com/deepaksharma/envelope-sidecar/internal/sidecar"
	"github.com/deepaksharma/envelope-sidecar/internal/tail"
	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/collector/component"
	"go.opentelemetry.io/collector/component/componenttest"
	"go.opentelemetry.io/collector/consumer/consumertest"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"go.opentelemetry.io/collector/processor"
	"go.opentelemetry.io/collector/processor/processortest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TestOption defines functional options for configuring the test framework
type TestOption func(*TestFramework)

// WithBufferSize sets the sidecar ring buffer capacity
func WithBufferSize(size int) TestOption {
	return func(tf *TestFramework) {
		tf.cfg.BufferSize = size
	}
}

// WithSnapshotDir enables snapshots under dir
func WithSnapshotDir(dir string) TestOption {
	return func(tf *TestFramework) {
		tf.cfg.SnapshotPath = filepath.Join(dir, "sidecar.db")
		tf.cfg.SnapshotInterval = time.Hour
	}
}

// WithLogger specifies a custom logger for the test
func WithLogger(logger *zap.Logger) TestOption {
	return func(tf *TestFramework) {
		tf.logger = logger
	}
}

// TestFramework runs a sidecar on a loopback port and, on demand, a
// collector forwarder posting to it.
type TestFramework struct {
	t      testing.TB
	cfg    *config.Config
	logger *zap.Logger

	Sidecar *sidecar.Sidecar
	BaseURL string
	client  *http.Client

	forwarder processor.Traces
	sink      *consumertest.TracesSink

	closeOnce sync.Once
}

// NewTestFramework starts a sidecar. It is shut down when the test ends.
func NewTestFramework(t testing.TB, opts ...TestOption) *TestFramework {
	t.Helper()

	cfg := config.Default()
	cfg.Port = 0
	cfg.BufferSize = 100
	cfg.HeartbeatInterval = 100 * time.Millisecond

	tf := &TestFramework{
		t:      t,
		cfg:    cfg,
		logger: zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel)),
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(tf)
	}

	tf.start()
	t.Cleanup(tf.Close)
	return tf
}

func (tf *TestFramework) start() {
	sc, err := sidecar.New(tf.cfg, tf.logger)
	if err != nil {
		tf.t.Fatalf("failed to create sidecar: %v", err)
	}
	if err := sc.Start(context.Background()); err != nil {
		tf.t.Fatalf("failed to start sidecar: %v", err)
	}
	tf.Sidecar = sc
	tf.BaseURL = "http://" + sc.Addr()
}

// Restart shuts the sidecar down and starts a new one with the same
// configuration, e.g. to exercise snapshot restore.
func (tf *TestFramework) Restart() {
	tf.t.Helper()
	if err := tf.Sidecar.Shutdown(context.Background()); err != nil {
		tf.t.Fatalf("failed to shut down sidecar: %v", err)
	}
	tf.start()
}

// Close stops the forwarder and the sidecar.
func (tf *TestFramework) Close() {
	tf.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if tf.forwarder != nil {
			if err := tf.forwarder.Shutdown(ctx); err != nil {
				tf.t.Logf("forwarder shutdown: %v", err)
			}
		}
		if err := tf.Sidecar.Shutdown(ctx); err != nil {
			tf.t.Logf("sidecar shutdown: %v", err)
		}
	})
}

// StartForwarder creates an envelope forwarder posting to this sidecar.
func (tf *TestFramework) StartForwarder(bufferTimeout time.Duration) {
	tf.t.Helper()

	factory := envelopeforwarder.NewFactory()
	cfg := factory.CreateDefaultConfig().(*envelopeforwarder.Config)
	cfg.Endpoint = tf.BaseURL + "/stream"
	cfg.TraceBufferTimeout = bufferTimeout
	cfg.MaxRetries = 1

	set := processortest.NewNopSettings(component.MustNewType(envelopeforwarder.TypeStr))
	set.Logger = tf.logger

	tf.sink = new(consumertest.TracesSink)
	proc, err := factory.CreateTraces(context.Background(), set, cfg, tf.sink)
	if err != nil {
		tf.t.Fatalf("failed to create forwarder: %v", err)
	}
	if err := proc.Start(context.Background(), componenttest.NewNopHost()); err != nil {
		tf.t.Fatalf("failed to start forwarder: %v", err)
	}
	tf.forwarder = proc
}

// SendTraces hands traces to the forwarder.
func (tf *TestFramework) SendTraces(ctx context.Context, traces ptrace.Traces) error {
	if tf.forwarder == nil {
		return fmt.Errorf("forwarder not started")
	}
	return tf.forwarder.ConsumeTraces(ctx, traces)
}

// ForceExport forwards every buffered trace without waiting for its timeout.
func (tf *TestFramework) ForceExport(ctx context.Context) error {
	return envelopeforwarder.ForceFlush(ctx, tf.forwarder)
}

// PassedThrough returns the number of spans the forwarder handed downstream.
func (tf *TestFramework) PassedThrough() int {
	if tf.sink == nil {
		return 0
	}
	return tf.sink.SpanCount()
}

// Post sends body to path with the given content type.
func (tf *TestFramework) Post(path, contentType string, body []byte, headers map[string]string) (*http.Response, []byte, error) {
	req, err := http.NewRequest(http.MethodPost, tf.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return tf.do(req)
}

// Get fetches path.
func (tf *TestFramework) Get(path string) (*http.Response, []byte, error) {
	req, err := http.NewRequest(http.MethodGet, tf.BaseURL+path, nil)
	if err != nil {
		return nil, nil, err
	}
	return tf.do(req)
}

// Delete sends a DELETE to path.
func (tf *TestFramework) Delete(path string) (*http.Response, []byte, error) {
	req, err := http.NewRequest(http.MethodDelete, tf.BaseURL+path, nil)
	if err != nil {
		return nil, nil, err
	}
	return tf.do(req)
}

func (tf *TestFramework) do(req *http.Request) (*http.Response, []byte, error) {
	resp, err := tf.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return resp, body, err
}

// GetJSON fetches path and decodes the JSON response into v.
func (tf *TestFramework) GetJSON(path string, v any) error {
	resp, body, err := tf.Get(path)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s: %s", path, resp.Status, body)
	}
	return json.Unmarshal(body, v)
}

// Events returns the summaries of every live envelope, newest first.
func (tf *TestFramework) Events() ([]EventSummary, error) {
	var events []EventSummary
	err := tf.GetJSON("/api/events?all=true", &events)
	return events, err
}

// Traces returns the aggregated trace summaries.
func (tf *TestFramework) Traces() ([]TraceSummary, error) {
	var traces []TraceSummary
	err := tf.GetJSON("/api/traces", &traces)
	return traces, err
}

// TraceText returns the rendered span tree of a trace.
func (tf *TestFramework) TraceText(traceID string) (string, error) {
	resp, body, err := tf.Get("/api/traces/" + traceID + "/text")
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("trace %s: %s", traceID, resp.Status)
	}
	return string(body), nil
}

// Tail follows the event stream until ctx is cancelled, sending every frame
// to the returned channel.
func (tf *TestFramework) Tail(ctx context.Context, lastEventID string) (<-chan tail.Frame, <-chan error) {
	frames := make(chan tail.Frame, 1024)
	errs := make(chan error, 1)

	opts := tail.DefaultOptions()
	opts.LastEventID = lastEventID
	opts.RetryWaitMin = 10 * time.Millisecond
	opts.ReconnectDelay = 10 * time.Millisecond

	client, err := tail.NewClient(tf.BaseURL, opts, tf.logger)
	if err != nil {
		errs <- err
		close(frames)
		return frames, errs
	}

	go func() {
		defer close(frames)
		errs <- client.Run(ctx, func(f tail.Frame) error {
			select {
			case frames <- f:
				return nil
			case <-ctx.Done():
				return nil
			}
		})
	}()
	return frames, errs
}

// EventSummary mirrors the JSON of GET /api/events.
type EventSummary struct {
	Index       uint64    `json:"index"`
	EnvelopeID  string    `json:"envelope_id"`
	ContentType string    `json:"content_type"`
	EventTypes  string    `json:"event_types"`
	Size        int       `json:"size"`
	ReceivedAt  time.Time `json:"received_at"`
	Titles      []string  `json:"titles"`
	TraceIDs    []string  `json:"trace_ids"`
}

// TraceSummary mirrors the JSON of GET /api/traces.
type TraceSummary struct {
	TraceID          string  `json:"trace_id"`
	RootTransaction  string  `json:"root_transaction"`
	DurationMs       float64 `json:"duration_ms"`
	SpanCount        int     `json:"span_count"`
	ErrorCount       int     `json:"error_count"`
	TransactionCount int     `json:"transaction_count"`
}
