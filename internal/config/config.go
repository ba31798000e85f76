// Package config provides YAML-based configuration loading for the Onloc agent.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the top-level agent configuration, loaded from onloc.yaml and
// overridden by ONLOC_* environment variables.
type Config struct {
	DataDir   string          `yaml:"data_dir" env:"DATA_DIR"`
	Database  string          `yaml:"database" env:"DATABASE"`
	LogLevel  string          `yaml:"log_level" env:"LOG_LEVEL"`
	Realtime  RealtimeConfig  `yaml:"realtime" envPrefix:"REALTIME_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Ring      RingConfig      `yaml:"ring" envPrefix:"RING_"`
	Lock      LockConfig      `yaml:"lock" envPrefix:"LOCK_"`
	Discovery DiscoveryConfig `yaml:"discovery" envPrefix:"DISCOVERY_"`
	Status    StatusConfig    `yaml:"status" envPrefix:"STATUS_"`
	Notify    NotifyConfig    `yaml:"notify" envPrefix:"NOTIFY_"`
}

// RealtimeConfig holds the reconnection policy of the realtime channel.
// Reconnection attempts are always unlimited; only the delays are tunable.
type RealtimeConfig struct {
	ReconnectDelay    time.Duration `yaml:"reconnect_delay" env:"RECONNECT_DELAY"`
	ReconnectDelayMax time.Duration `yaml:"reconnect_delay_max" env:"RECONNECT_DELAY_MAX"`
	WatchInterval     time.Duration `yaml:"watch_interval" env:"WATCH_INTERVAL"`
}

// TelemetryConfig describes how position and battery are sampled.
type TelemetryConfig struct {
	Interval       string        `yaml:"interval" env:"INTERVAL"` // e.g. "30s", "5m", "1h", "1d"
	UploadTimeout  time.Duration `yaml:"upload_timeout" env:"UPLOAD_TIMEOUT"`
	LocatorCommand []string      `yaml:"locator_command" env:"LOCATOR_COMMAND" envSeparator:" "`
	BatteryCommand []string      `yaml:"battery_command" env:"BATTERY_COMMAND" envSeparator:" "`
	BatterySysfs   string        `yaml:"battery_sysfs" env:"BATTERY_SYSFS"`
	Static         *StaticFix    `yaml:"static"`
}

// StaticFix pins the reported position, for hosts without a location source.
type StaticFix struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
	Altitude  float64 `yaml:"altitude"`
	Accuracy  float64 `yaml:"accuracy"`
}

// RingConfig describes the ring presentation.
type RingConfig struct {
	Command       []string      `yaml:"command" env:"COMMAND" envSeparator:" "`
	VolumeCommand []string      `yaml:"volume_command" env:"VOLUME_COMMAND" envSeparator:" "`
	Duration      time.Duration `yaml:"duration" env:"DURATION"`
}

// LockConfig describes how the device is locked. An empty Command means the
// agent lacks the capability and lock commands are not accepted.
type LockConfig struct {
	Command        []string `yaml:"command" env:"COMMAND" envSeparator:" "`
	MessageCommand []string `yaml:"message_command" env:"MESSAGE_COMMAND" envSeparator:" "`
}

// DiscoveryConfig holds the mDNS service identity of Onloc servers.
type DiscoveryConfig struct {
	ServiceType string        `yaml:"service_type" env:"SERVICE_TYPE"`
	ServiceName string        `yaml:"service_name" env:"SERVICE_NAME"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// StatusConfig holds the loopback status API listener. Empty Addr disables it.
type StatusConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
}

// NotifyConfig holds optional chat webhooks notified on remote commands.
type NotifyConfig struct {
	SlackWebhookURL   string `yaml:"slack_webhook_url" env:"SLACK_WEBHOOK_URL"`
	DiscordWebhookURL string `yaml:"discord_webhook_url" env:"DISCORD_WEBHOOK_URL"`
}

// Load reads a YAML config file from path and returns a validated Config.
// A missing file is not an error: defaults and environment still apply.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes, applies ONLOC_* environment overrides, and
// returns a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "ONLOC_"}); err != nil {
		return nil, fmt.Errorf("config: env: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DatabasePath returns the sqlite file holding the agent's persisted state.
func (c *Config) DatabasePath() string {
	if filepath.IsAbs(c.Database) {
		return c.Database
	}
	return filepath.Join(c.DataDir, c.Database)
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
	}
	if c.Database == "" {
		c.Database = "onloc.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Realtime.ReconnectDelay == 0 {
		c.Realtime.ReconnectDelay = time.Second
	}
	if c.Realtime.ReconnectDelayMax == 0 {
		c.Realtime.ReconnectDelayMax = 5 * time.Second
	}
	if c.Realtime.WatchInterval == 0 {
		c.Realtime.WatchInterval = 5 * time.Second
	}
	if c.Telemetry.Interval == "" {
		c.Telemetry.Interval = "60s"
	}
	if c.Telemetry.UploadTimeout == 0 {
		c.Telemetry.UploadTimeout = 30 * time.Second
	}
	if c.Ring.Duration == 0 {
		c.Ring.Duration = 30 * time.Second
	}
	if c.Discovery.ServiceType == "" {
		c.Discovery.ServiceType = "_http._tcp"
	}
	if c.Discovery.ServiceName == "" {
		c.Discovery.ServiceName = "onloc"
	}
	if c.Discovery.Timeout == 0 {
		c.Discovery.Timeout = 10 * time.Second
	}
}

// validate checks that all fields are consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error", "disabled":
	default:
		errs = append(errs, fmt.Sprintf("log_level %q is not a known level", c.LogLevel))
	}
	if c.Realtime.ReconnectDelay < 0 {
		errs = append(errs, "realtime.reconnect_delay must be positive")
	}
	if c.Realtime.ReconnectDelayMax < c.Realtime.ReconnectDelay {
		errs = append(errs, "realtime.reconnect_delay_max must not be below realtime.reconnect_delay")
	}
	if !validInterval(c.Telemetry.Interval) {
		errs = append(errs, fmt.Sprintf("telemetry.interval %q must be a positive number followed by s, m, h or d", c.Telemetry.Interval))
	}
	if c.Ring.Duration < 0 {
		errs = append(errs, "ring.duration must be positive")
	}
	if !strings.HasPrefix(c.Discovery.ServiceType, "_") {
		errs = append(errs, fmt.Sprintf("discovery.service_type %q must start with an underscore", c.Discovery.ServiceType))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// validInterval mirrors telemetry.ParseInterval without importing it.
func validInterval(s string) bool {
	if len(s) < 2 {
		return false
	}
	switch s[len(s)-1] {
	case 's', 'm', 'h', 'd':
	default:
		return false
	}
	n := 0
	for _, r := range s[:len(s)-1] {
		if r < '0' || r > '9' {
			return false
		}
		n = n*10 + int(r-'0')
		if n > 1_000_000 {
			return false
		}
	}
	return n > 0
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "onloc")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "onloc")
	}
	return "."
}
