// Package config provides YAML-based configuration loading for taskbridge.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName is the logical application/framework name announced upstream.
	AppName string `mapstructure:"app_name"`

	// User optionally identifies the submitting user on batch submissions.
	User string `mapstructure:"user"`

	// Cores is the number of worker cores advertised by an agent.
	Cores int `mapstructure:"cores"`

	// Transport selects the link kind: tcp, quic or mem.
	Transport string `mapstructure:"transport"`

	// Placement is the remote placement service endpoint (host:port).
	Placement string `mapstructure:"placement"`

	// Driver is the owning driver's published endpoint for property discovery.
	Driver DriverConfig `mapstructure:"driver"`

	// Listen configures the agent's inbound endpoint.
	Listen ListenConfig `mapstructure:"listen"`

	// Props are locally-set properties; discovery fills only missing keys.
	Props map[string]string `mapstructure:"props"`

	// Log holds logging configuration.
	Log LogConfig `mapstructure:"log"`
}

// DriverConfig holds the property-discovery handshake settings.
type DriverConfig struct {
	Addr             string `mapstructure:"addr"`
	AttemptTimeoutMS int    `mapstructure:"attempt_timeout_ms"`
	BackoffMS        int    `mapstructure:"backoff_ms"`
}

// ListenConfig holds the inbound endpoint settings. The preferred port is a
// starting point only; conflicts move binding to the next free port.
type ListenConfig struct {
	Host          string `mapstructure:"host"`
	PreferredPort int    `mapstructure:"preferred_port"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName:   "taskbridge",
		Cores:     1,
		Transport: "tcp",
		Placement: "127.0.0.1:5050",
		Driver: DriverConfig{
			Addr:             "127.0.0.1:7078",
			AttemptTimeoutMS: 5000,
			BackoffMS:        2000,
		},
		Listen: ListenConfig{
			Host:          "127.0.0.1",
			PreferredPort: 7077,
		},
		Props: map[string]string{},
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/taskbridge.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix TASKBRIDGE and `.`/`-` are replaced
// with `_`. Example: TASKBRIDGE_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

func newViper(path string) (*viper.Viper, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TASKBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("user", cfg.User)
	v.SetDefault("cores", cfg.Cores)
	v.SetDefault("transport", cfg.Transport)
	v.SetDefault("placement", cfg.Placement)
	v.SetDefault("driver.addr", cfg.Driver.Addr)
	v.SetDefault("driver.attempt_timeout_ms", cfg.Driver.AttemptTimeoutMS)
	v.SetDefault("driver.backoff_ms", cfg.Driver.BackoffMS)
	v.SetDefault("listen.host", cfg.Listen.Host)
	v.SetDefault("listen.preferred_port", cfg.Listen.PreferredPort)
	v.SetDefault("props", cfg.Props)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	if path == "" {
		// Allow override via env var
		if envPath := os.Getenv("TASKBRIDGE_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `taskbridge`
		v.SetConfigName("taskbridge")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".taskbridge"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	switch c.Transport {
	case "tcp", "quic", "mem":
		// ok
	default:
		return fmt.Errorf("invalid transport: %q", c.Transport)
	}

	if strings.TrimSpace(c.AppName) == "" {
		c.AppName = "taskbridge"
	}
	if c.Cores <= 0 {
		c.Cores = 1
	}
	if c.Listen.PreferredPort <= 0 {
		return fmt.Errorf("invalid listen.preferred_port: %d", c.Listen.PreferredPort)
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
