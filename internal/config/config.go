// Package config loads sidecar settings from the environment and command line.
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
)

// EnvPrefix prefixes every environment variable, e.g. SIDECAR_PORT.
const EnvPrefix = "SIDECAR"

// Config holds sidecar configuration.
type Config struct {
	Host string `envconfig:"HOST" default:"127.0.0.1"`
	Port int    `envconfig:"PORT" default:"8969"`

	// BufferSize is the ring buffer capacity in envelopes.
	BufferSize int `envconfig:"BUFFER_SIZE" default:"500"`

	// MaxTraces bounds the trace aggregator.
	MaxTraces int `envconfig:"MAX_TRACES" default:"1000"`

	// MaxBodyBytes limits decompressed request bodies.
	MaxBodyBytes int64 `envconfig:"MAX_BODY_BYTES" default:"20971520"`

	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"*"`

	// HeartbeatInterval is how often idle SSE streams get a keep-alive comment.
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"15s"`

	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"DEVELOPMENT" default:"false"`

	// SnapshotPath enables warm restarts from a bolt file when set.
	SnapshotPath string `envconfig:"SNAPSHOT_PATH"`

	// SnapshotInterval is how often the buffer is written to SnapshotPath.
	SnapshotInterval time.Duration `envconfig:"SNAPSHOT_INTERVAL" default:"30s"`

	// CompactionSchedule is a cron expression for rewriting the snapshot file.
	CompactionSchedule string `envconfig:"COMPACTION_SCHEDULE"`

	// CompactionTargetSize skips compaction while the file is smaller than this.
	CompactionTargetSize int64 `envconfig:"COMPACTION_TARGET_SIZE" default:"0"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Host:              "127.0.0.1",
		Port:              8969,
		BufferSize:        500,
		MaxTraces:         1000,
		MaxBodyBytes:      20 << 20,
		AllowedOrigins:    []string{"*"},
		HeartbeatInterval: 15 * time.Second,
		LogLevel:          "info",
		SnapshotInterval:  30 * time.Second,
	}
}

// Load reads configuration from SIDECAR_* environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// BindFlags registers command line flags that override the current values.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Host, "host", c.Host, "interface to listen on")
	fs.IntVarP(&c.Port, "port", "p", c.Port, "port to listen on")
	fs.IntVar(&c.BufferSize, "buffer-size", c.BufferSize, "number of envelopes kept in memory")
	fs.IntVar(&c.MaxTraces, "max-traces", c.MaxTraces, "number of traces kept by the aggregator")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", c.MaxBodyBytes, "maximum decompressed request body size")
	fs.StringSliceVar(&c.AllowedOrigins, "allowed-origins", c.AllowedOrigins, "CORS allowed origins")
	fs.DurationVar(&c.HeartbeatInterval, "heartbeat-interval", c.HeartbeatInterval, "SSE keep-alive interval")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.BoolVarP(&c.Development, "debug", "d", c.Development, "human readable debug logging")
	fs.StringVar(&c.SnapshotPath, "snapshot-path", c.SnapshotPath, "bolt file for warm restarts (disabled when empty)")
	fs.DurationVar(&c.SnapshotInterval, "snapshot-interval", c.SnapshotInterval, "how often to snapshot the buffer")
	fs.StringVar(&c.CompactionSchedule, "compaction-schedule", c.CompactionSchedule, "cron schedule for snapshot compaction")
	fs.Int64Var(&c.CompactionTargetSize, "compaction-target-size", c.CompactionTargetSize, "minimum snapshot size in bytes before compacting")
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", c.Port)
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer_size must be greater than 0, got %d", c.BufferSize)
	}
	if c.MaxTraces <= 0 {
		return fmt.Errorf("max_traces must be greater than 0, got %d", c.MaxTraces)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("max_body_bytes must be greater than 0, got %d", c.MaxBodyBytes)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.SnapshotPath != "" && c.SnapshotInterval <= 0 {
		return fmt.Errorf("snapshot_interval must be positive when snapshot_path is set, got %s", c.SnapshotInterval)
	}
	if c.CompactionSchedule != "" {
		if c.SnapshotPath == "" {
			return fmt.Errorf("compaction_schedule requires snapshot_path")
		}
		if _, err := cron.ParseStandard(c.CompactionSchedule); err != nil {
			return fmt.Errorf("invalid compaction_schedule: %w", err)
		}
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
