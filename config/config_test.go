package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Swind/go-task-hub/core"
)

// TestParse tests a complete file
// Main test items:
// 1. Every section is decoded
// 2. Durations are read from Go duration strings
func TestParse(t *testing.T) {
	cfg, err := Parse(`
[hub]
grace_period = "250ms"
history_capacity = 10

[log]
level = "warn"

[metrics]
enabled = true
namespace = "ui"
poll_interval = "2s"
`)
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.Hub.GracePeriod.Duration)
	assert.Equal(t, 10, cfg.Hub.HistoryCapacity)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "ui", cfg.Metrics.Namespace)
	assert.Equal(t, 2*time.Second, cfg.Metrics.PollInterval.Duration)
}

// TestParse_Defaults tests that missing keys keep their defaults.
func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, core.DefaultGracePeriod, cfg.Hub.GracePeriod.Duration)
}

// TestParse_Invalid tests rejected files.
func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"syntax", `[hub`, "failed to parse config"},
		{"bad duration", "[hub]\ngrace_period = \"soon\"", "failed to parse config"},
		{"unknown key", "[hub]\ngrace = \"1s\"", "unknown config keys: hub.grace"},
		{"negative grace", "[hub]\ngrace_period = \"-1s\"", "hub.grace_period must be positive"},
		{"zero history", "[hub]\nhistory_capacity = 0", "hub.history_capacity"},
		{"bad level", "[log]\nlevel = \"loud\"", "log.level"},
		{"metrics without namespace", "[metrics]\nenabled = true\nnamespace = \"\"", "metrics.namespace"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.content)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// TestLoad tests reading from disk.
func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.toml")
	require.NoError(t, os.WriteFile(path, []byte("[log]\nlevel = \"debug\"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

type countingLogger struct {
	core.NoOpLogger
	debug, warn int
}

func (l *countingLogger) Debug(msg string, fields ...core.Field) { l.debug++ }
func (l *countingLogger) Warn(msg string, fields ...core.Field)  { l.warn++ }

// TestHubConfig tests the conversion to core.HubConfig.
func TestHubConfig(t *testing.T) {
	cfg, err := Parse("[hub]\ngrace_period = \"3s\"\nhistory_capacity = 7\n[log]\nlevel = \"warn\"")
	require.NoError(t, err)

	next := &countingLogger{}
	hc := cfg.HubConfig(next)

	assert.Equal(t, 3*time.Second, hc.GracePeriod)
	assert.Equal(t, 7, hc.HistoryCapacity)
	require.NotNil(t, hc.PanicHandler)

	hc.Logger.Debug("dropped")
	hc.Logger.Warn("kept")
	assert.Zero(t, next.debug)
	assert.Equal(t, 1, next.warn)
}
