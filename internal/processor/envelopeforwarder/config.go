package envelopeforwarder

import (
	"fmt"
	"net/url"
	"time"

	"go.opentelemetry.io/collector/component"
)

// Config defines configuration for the envelope forwarder processor.
type Config struct {
	// Endpoint is the sidecar ingest URL envelopes are posted to
	Endpoint string `mapstructure:"endpoint"`

	// Timeout bounds a single HTTP attempt
	Timeout time.Duration `mapstructure:"timeout"`

	// MaxRetries is how often a failed post is retried
	MaxRetries int `mapstructure:"max_retries"`

	// TraceBufferMaxSize is the maximum number of traces to keep in memory at once
	TraceBufferMaxSize int `mapstructure:"trace_buffer_max_size"`

	// TraceBufferTimeout is how long a trace stays open after its last span
	TraceBufferTimeout time.Duration `mapstructure:"trace_buffer_timeout"`
}

var _ component.Config = (*Config)(nil)

// Validate checks if the processor configuration is valid
func (cfg *Config) Validate() error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("endpoint must be specified")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint must be an http or https URL, got %q", cfg.Endpoint)
	}

	if cfg.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", cfg.Timeout)
	}

	if cfg.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", cfg.MaxRetries)
	}

	if cfg.TraceBufferMaxSize <= 0 {
		return fmt.Errorf("trace_buffer_max_size must be greater than 0, got %d", cfg.TraceBufferMaxSize)
	}

	if cfg.TraceBufferTimeout <= 0 {
		return fmt.Errorf("trace_buffer_timeout must be positive, got %s", cfg.TraceBufferTimeout)
	}

	return nil
}

// createDefaultConfig creates the default configuration for the processor.
func createDefaultConfig() component.Config {
	return &Config{
		Endpoint:           "http://127.0.0.1:8969/stream",
		Timeout:            5 * time.Second,
		MaxRetries:         3,
		TraceBufferMaxSize: 10000,
		TraceBufferTimeout: 2 * time.Second,
	}
}
