package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. ROOMD_BACKEND_TOKEN.
const EnvPrefix = "roomd"

// Config represents the application configuration
type Config struct {
	Backend         BackendConfig  `yaml:"backend"`
	Polling         PollingConfig  `yaml:"polling"`
	Schema          SchemaConfig   `yaml:"schema"`
	Names           NamesConfig    `yaml:"names"`
	Database        DatabaseConfig `yaml:"database"`
	Ledger          LedgerConfig   `yaml:"ledger"`
	Log             LogConfig      `yaml:"log"`
	Status          StatusConfig   `yaml:"status"`
	EventBus        EventBusConfig `yaml:"eventbus"`
	Layout          LayoutConfig   `yaml:"layout"`
	ShutdownTimeout Duration       `yaml:"shutdown_timeout" split_words:"true"`
}

// BackendConfig contains the device backend connection settings
type BackendConfig struct {
	Host         string   `yaml:"host"`
	Token        string   `yaml:"token"`
	Timeout      Duration `yaml:"timeout"`
	RateLimitRPS float64  `yaml:"rate_limit_rps" split_words:"true"`
}

// Window is a jittered interval in config form.
type Window struct {
	Min Duration `yaml:"min"`
	Max Duration `yaml:"max"`
}

// PollingConfig contains per-device polling cadences
type PollingConfig struct {
	ShowDelay        Window        `yaml:"show_delay" split_words:"true"`
	Interval         Window        `yaml:"interval"`
	PendingInterval  Window        `yaml:"pending_interval" split_words:"true"`
	ErrorInterval    Window        `yaml:"error_interval" split_words:"true"`
	RetryMultiplier  float64       `yaml:"retry_multiplier" split_words:"true"` // 1 disables backoff
	MaxRetryInterval Duration      `yaml:"max_retry_interval" split_words:"true"`
	Confirm          ConfirmConfig `yaml:"confirm"`
}

// ConfirmConfig controls toggle confirmation
type ConfirmConfig struct {
	Timeout          Duration `yaml:"timeout"`
	ExtendOnMismatch bool     `yaml:"extend_on_mismatch" split_words:"true"`
	MaxWindow        Duration `yaml:"max_window" split_words:"true"`
}

// SchemaConfig contains schema poller settings
type SchemaConfig struct {
	RetryInterval   Duration `yaml:"retry_interval" split_words:"true"`
	RefreshInterval Duration `yaml:"refresh_interval" split_words:"true"`
	// AutoShow selects hosts visible at startup: "*", "starred|Kitchen" or "" for none.
	AutoShow *string `yaml:"auto_show" split_words:"true"`
}

// NamesConfig contains name cache settings
type NamesConfig struct {
	Visible Window   `yaml:"visible"`
	Hidden  Window   `yaml:"hidden"`
	Grace   Duration `yaml:"grace"` // how long expired names are kept as a fallback
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LedgerConfig contains command log settings
type LedgerConfig struct {
	CleanupInterval Duration `yaml:"cleanup_interval" split_words:"true"`
	RetentionDays   int      `yaml:"retention_days" split_words:"true"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Colors bool   `yaml:"colors"`
	JSON   bool   `yaml:"json"`
}

// StatusConfig contains the status server settings
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`                         // Number of worker goroutines (default: 4)
	QueueSize int `yaml:"queue_size" split_words:"true"` // Event queue size (default: 256)
}

// LayoutConfig contains grid layout settings
type LayoutConfig struct {
	Width int `yaml:"width"` // grid width in cells (default: 4)
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 256
	}
	return c.QueueSize
}

// Addr returns the listen address of the status server.
func (c *StatusConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetLevel parses the configured level, falling back to info.
func (c *LogConfig) GetLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil || c.Level == "" {
		return zerolog.InfoLevel
	}
	return level
}

// GetShutdownTimeout returns the graceful shutdown timeout.
func (c *Config) GetShutdownTimeout() time.Duration {
	return c.ShutdownTimeout.Duration()
}

// GetAutoShow returns the auto-show pattern.
func (c *SchemaConfig) GetAutoShow() string {
	if c.AutoShow == nil {
		return "*"
	}
	return *c.AutoShow
}

// Duration is a wrapper around time.Duration for YAML and env decoding
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.Decode(s)
}

// Decode implements envconfig.Decoder for Duration
func (d *Duration) Decode(value string) error {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads .env, the configuration file and ROOMD_* overrides, in that order.
// A missing file is not an error; roomd can be configured from env alone.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := Parse(data, &cfg); err != nil {
				return nil, err
			}
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse decodes YAML after expanding environment variables.
func Parse(data []byte, cfg *Config) error {
	expanded := expandEnvVars(string(data))
	return yaml.Unmarshal([]byte(expanded), cfg)
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	if c.Backend.Host == "" {
		return errors.New("backend.host is required")
	}
	for name, w := range map[string]Window{
		"polling.show_delay":       c.Polling.ShowDelay,
		"polling.interval":         c.Polling.Interval,
		"polling.pending_interval": c.Polling.PendingInterval,
		"polling.error_interval":   c.Polling.ErrorInterval,
		"names.visible":            c.Names.Visible,
		"names.hidden":             c.Names.Hidden,
	} {
		if w.Max < w.Min {
			return fmt.Errorf("%s: max %s is below min %s", name, w.Max.Duration(), w.Min.Duration())
		}
	}
	return nil
}

func defaultWindow(w *Window, lo, hi time.Duration) {
	if w.Min == 0 && w.Max == 0 {
		w.Min, w.Max = Duration(lo), Duration(hi)
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./roomd.sqlite"
	}

	// Backend defaults
	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = Duration(5 * time.Second)
	}
	if cfg.Backend.RateLimitRPS == 0 {
		cfg.Backend.RateLimitRPS = 20.0
	}

	// Polling defaults; show_delay may legitimately start at zero
	if cfg.Polling.ShowDelay.Max == 0 {
		cfg.Polling.ShowDelay.Max = Duration(1500 * time.Millisecond)
	}
	defaultWindow(&cfg.Polling.Interval, 4000*time.Millisecond, 5500*time.Millisecond)
	defaultWindow(&cfg.Polling.PendingInterval, 500*time.Millisecond, 1000*time.Millisecond)
	defaultWindow(&cfg.Polling.ErrorInterval, 4000*time.Millisecond, 5500*time.Millisecond)
	if cfg.Polling.RetryMultiplier == 0 {
		cfg.Polling.RetryMultiplier = 1.0
	}
	if cfg.Polling.MaxRetryInterval == 0 {
		cfg.Polling.MaxRetryInterval = Duration(30 * time.Second)
	}
	if cfg.Polling.Confirm.Timeout == 0 {
		cfg.Polling.Confirm.Timeout = Duration(5 * time.Second)
	}
	if cfg.Polling.Confirm.MaxWindow == 0 {
		cfg.Polling.Confirm.MaxWindow = Duration(15 * time.Second)
	}

	// Schema defaults
	if cfg.Schema.RetryInterval == 0 {
		cfg.Schema.RetryInterval = Duration(5 * time.Second)
	}
	if cfg.Schema.RefreshInterval == 0 {
		cfg.Schema.RefreshInterval = Duration(5 * time.Minute)
	}

	// Names defaults
	defaultWindow(&cfg.Names.Visible, 5*time.Minute, 6*time.Minute)
	defaultWindow(&cfg.Names.Hidden, 15*time.Minute, 17*time.Minute)
	if cfg.Names.Grace == 0 {
		cfg.Names.Grace = Duration(7 * 24 * time.Hour)
	}

	// Ledger defaults
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 30
	}

	// Status defaults
	if cfg.Status.Port == 0 {
		cfg.Status.Port = 9090
	}
	if cfg.Status.Host == "" {
		cfg.Status.Host = "0.0.0.0"
	}

	if cfg.Layout.Width <= 0 {
		cfg.Layout.Width = 4
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
