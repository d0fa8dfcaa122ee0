package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:8969", cfg.Addr())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SIDECAR_PORT", "9000")
	t.Setenv("SIDECAR_BUFFER_SIZE", "10")
	t.Setenv("SIDECAR_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	t.Setenv("SIDECAR_SNAPSHOT_INTERVAL", "1m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 10, cfg.BufferSize)
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, cfg.AllowedOrigins)
	assert.Equal(t, time.Minute, cfg.SnapshotInterval)
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("SIDECAR_PORT", "9000")
	cfg, err := Load()
	require.NoError(t, err)

	fs := pflag.NewFlagSet("sidecar", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--port", "9100", "--debug", "--buffer-size=42"}))

	assert.Equal(t, 9100, cfg.Port)
	assert.True(t, cfg.Development)
	assert.Equal(t, 42, cfg.BufferSize)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero buffer", func(c *Config) { c.BufferSize = 0 }},
		{"bad port", func(c *Config) { c.Port = 70000 }},
		{"zero traces", func(c *Config) { c.MaxTraces = 0 }},
		{"zero body", func(c *Config) { c.MaxBodyBytes = 0 }},
		{"zero heartbeat", func(c *Config) { c.HeartbeatInterval = 0 }},
		{"compaction without snapshot", func(c *Config) { c.CompactionSchedule = "@hourly" }},
		{"bad cron", func(c *Config) {
			c.SnapshotPath = "/tmp/snap.db"
			c.CompactionSchedule = "every tuesday"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.SnapshotPath = "/tmp/snap.db"
	cfg.CompactionSchedule = "0 * * * *"
	assert.NoError(t, cfg.Validate())
}
