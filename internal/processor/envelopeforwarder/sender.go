package envelopeforwarder

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/deepaksharma/envelope-sidecar/core/envelope"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const userAgent = sdkName + "/" + sdkVersion

// sender posts envelopes to the sidecar, retrying connection errors and 5xx
// responses with backoff.
type sender struct {
	endpoint string
	client   *retryablehttp.Client
}

func newSender(cfg *Config, logger *zap.Logger) *sender {
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.MaxRetries
	client.RetryWaitMin = 50 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = cfg.Timeout
	client.Logger = leveledLogger{logger.Sugar()}
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &sender{
		endpoint: cfg.Endpoint,
		client:   client,
	}
}

// Send posts env in wire format.
func (s *sender) Send(ctx context.Context, env *envelope.Envelope) error {
	body, err := env.Marshal()
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", envelope.ContentType)
	req.Header.Set("User-Agent", userAgent)

	// The passthrough error handler hands back the last response even on error.
	resp, err := s.client.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	if err != nil {
		return fmt.Errorf("failed to post envelope: %w", err)
	}

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("sidecar rejected envelope: %s", resp.Status)
	}
	return nil
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger
type leveledLogger struct {
	sugar *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, keysAndValues...)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(msg, keysAndValues...)
}
