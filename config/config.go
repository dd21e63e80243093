// Package config loads hub settings from TOML files.
//
//	[hub]
//	grace_period = "1s"
//	history_capacity = 100
//
//	[log]
//	level = "info"
//
//	[metrics]
//	enabled = true
//	namespace = "taskhub"
//	poll_interval = "5s"
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Swind/go-task-hub/core"
)

// Duration is a time.Duration written as a Go duration string ("250ms", "1s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the file representation of a hub setup.
type Config struct {
	Hub     HubSection     `toml:"hub"`
	Log     LogSection     `toml:"log"`
	Metrics MetricsSection `toml:"metrics"`
}

type HubSection struct {
	GracePeriod     Duration `toml:"grace_period"`
	HistoryCapacity int      `toml:"history_capacity"`
}

type LogSection struct {
	Level string `toml:"level"`
}

type MetricsSection struct {
	Enabled      bool     `toml:"enabled"`
	Namespace    string   `toml:"namespace"`
	PollInterval Duration `toml:"poll_interval"`
}

// Default returns the settings used when no file is given.
func Default() *Config {
	return &Config{
		Hub: HubSection{
			GracePeriod:     Duration{core.DefaultGracePeriod},
			HistoryCapacity: 100,
		},
		Log: LogSection{Level: "info"},
		Metrics: MetricsSection{
			Namespace:    "taskhub",
			PollInterval: Duration{5 * time.Second},
		},
	}
}

// Load reads and validates a TOML file.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(string(content))
}

// Parse decodes TOML content on top of Default and validates the result. Unknown
// keys are rejected.
func Parse(content string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(content, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Hub.GracePeriod.Duration <= 0 {
		errs = append(errs, fmt.Errorf("hub.grace_period must be positive, got %s", c.Hub.GracePeriod.Duration))
	}
	if c.Hub.HistoryCapacity < 1 {
		errs = append(errs, fmt.Errorf("hub.history_capacity must be at least 1, got %d", c.Hub.HistoryCapacity))
	}
	if _, err := core.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Metrics.Enabled {
		if c.Metrics.Namespace == "" {
			errs = append(errs, errors.New("metrics.namespace must not be empty"))
		}
		if c.Metrics.PollInterval.Duration <= 0 {
			errs = append(errs, fmt.Errorf("metrics.poll_interval must be positive, got %s", c.Metrics.PollInterval.Duration))
		}
	}
	return errors.Join(errs...)
}

// Logger wraps next with the configured minimum level.
func (c *Config) Logger(next core.Logger) core.Logger {
	level, err := core.ParseLevel(c.Log.Level)
	if err != nil {
		level = core.LevelInfo
	}
	return core.NewLevelLogger(level, next)
}

// HubConfig builds the hub configuration. The logger is filtered by log.level;
// a nil logger means the default logger.
func (c *Config) HubConfig(logger core.Logger) *core.HubConfig {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	filtered := c.Logger(logger)
	return &core.HubConfig{
		GracePeriod:     c.Hub.GracePeriod.Duration,
		HistoryCapacity: c.Hub.HistoryCapacity,
		Logger:          filtered,
		PanicHandler:    &core.DefaultPanicHandler{Logger: filtered},
	}
}
