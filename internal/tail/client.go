package tail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Options tunes connection handling.
type Options struct {
	// MaxRetries bounds connection attempts before Run gives up
	MaxRetries int

	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// ReconnectDelay is the pause after an established stream drops
	ReconnectDelay time.Duration

	// LastEventID resumes after the given envelope instead of replaying the buffer
	LastEventID string
}

// DefaultOptions returns the options used by the CLI.
func DefaultOptions() Options {
	return Options{
		MaxRetries:     5,
		RetryWaitMin:   200 * time.Millisecond,
		RetryWaitMax:   5 * time.Second,
		ReconnectDelay: time.Second,
	}
}

// Client follows the sidecar event stream, resuming from the last seen
// envelope id whenever the connection drops.
type Client struct {
	streamURL      string
	http           *retryablehttp.Client
	reconnectDelay time.Duration
	logger         *zap.Logger

	mu          sync.Mutex
	lastEventID string
}

// NewClient creates a client for the sidecar at baseURL, e.g. http://127.0.0.1:8969.
func NewClient(baseURL string, opts Options, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid sidecar URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("sidecar URL must be http or https, got %q", baseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := retryablehttp.NewClient()
	client.RetryMax = opts.MaxRetries
	client.RetryWaitMin = opts.RetryWaitMin
	client.RetryWaitMax = opts.RetryWaitMax
	client.Logger = nil
	client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			logger.Debug("Retrying stream connection", zap.String("url", req.URL.String()), zap.Int("attempt", attempt))
		}
	}

	return &Client{
		streamURL:      strings.TrimRight(baseURL, "/") + "/stream",
		http:           client,
		reconnectDelay: opts.ReconnectDelay,
		logger:         logger,
		lastEventID:    opts.LastEventID,
	}, nil
}

// LastEventID returns the id of the most recent frame received.
func (c *Client) LastEventID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEventID
}

func (c *Client) setLastEventID(id string) {
	c.mu.Lock()
	c.lastEventID = id
	c.mu.Unlock()
}

// handlerError marks errors returned by the frame callback.
type handlerError struct{ err error }

func (e handlerError) Error() string { return e.err.Error() }
func (e handlerError) Unwrap() error { return e.err }

// Run streams frames to fn until ctx is cancelled, fn returns an error or a
// connection cannot be established within the retry budget.
func (c *Client) Run(ctx context.Context, fn func(Frame) error) error {
	for {
		connected, err := c.stream(ctx, fn)
		if ctx.Err() != nil {
			return nil
		}
		var herr handlerError
		if errors.As(err, &herr) {
			return herr.err
		}
		if !connected {
			return err
		}

		c.logger.Info("Stream dropped, reconnecting",
			zap.String("last_event_id", c.LastEventID()),
			zap.Error(err))

		select {
		case <-time.After(c.reconnectDelay):
		case <-ctx.Done():
			return nil
		}
	}
}

// stream runs one connection. connected reports whether the server accepted it.
func (c *Client) stream(ctx context.Context, fn func(Frame) error) (connected bool, err error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.streamURL, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if id := c.LastEventID(); id != "" {
		req.Header.Set("Last-Event-ID", id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to connect to %s: %w", c.streamURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, fmt.Errorf("unexpected status from %s: %s", c.streamURL, resp.Status)
	}

	c.logger.Debug("Connected to stream", zap.String("url", c.streamURL))

	err = ReadFrames(resp.Body, func(f Frame) error {
		if f.ID != "" {
			c.setLastEventID(f.ID)
		}
		if err := fn(f); err != nil {
			return handlerError{err}
		}
		return nil
	})
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return true, err
}
