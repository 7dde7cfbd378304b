// Package config handles configuration loading from TOML files, environment
// variables and command line overrides.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/golang/glog"
)

// Config holds all configuration settings for a context store.
type Config struct {
	Store   StoreConfig   `toml:"store"`
	Logging LoggingConfig `toml:"logging"`
}

// StoreConfig holds the backing store settings. Everything except Prefix is
// passed through to the transport.
type StoreConfig struct {
	Type        string      `toml:"type"` // "redis", "memory"
	Host        string      `toml:"host"`
	Port        int         `toml:"port"`
	DB          int         `toml:"db"`
	Prefix      string      `toml:"prefix"`
	Password    string      `toml:"password"`
	TLS         bool        `toml:"tls"`
	TLSInsecure bool        `toml:"tls_insecure"`
	ScanCount   int64       `toml:"scan_count"` // keys examined per scan round
	Retry       RetryConfig `toml:"retry"`
}

// RetryConfig is the transport's retry strategy.
type RetryConfig struct {
	MaxRetries int      `toml:"max_retries"`
	MinBackoff Duration `toml:"min_backoff"`
	MaxBackoff Duration `toml:"max_backoff"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `toml:"level"`     // "debug", "info", "warn", "error"
	Verbosity int    `toml:"verbosity"` // 0=none, 1=session, 2=calls, 3=commands, 4=values
}

// Duration is a time.Duration that can be unmarshaled from TOML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Type:      "redis",
			Host:      "127.0.0.1",
			Port:      6379,
			ScanCount: 100,
			Retry: RetryConfig{
				MaxRetries: 3,
				MinBackoff: Duration(8 * time.Millisecond),
				MaxBackoff: Duration(512 * time.Millisecond),
			},
		},
		Logging: LoggingConfig{
			Level:     "info",
			Verbosity: 0,
		},
	}
}

// Load loads configuration from a TOML file and the environment.
// Priority: env vars > TOML file > defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := cfg.loadTOML(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// loadTOML loads configuration from a TOML file.
func (c *Config) loadTOML(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("CTXSTORE_TYPE"); v != "" {
		c.Store.Type = v
	}
	if v := os.Getenv("CTXSTORE_HOST"); v != "" {
		c.Store.Host = v
	}
	if v := os.Getenv("CTXSTORE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Store.Port = port
		}
	}
	if v := os.Getenv("CTXSTORE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Store.DB = db
		}
	}
	if v, ok := os.LookupEnv("CTXSTORE_PREFIX"); ok {
		c.Store.Prefix = v
	}
	if v := os.Getenv("CTXSTORE_PASSWORD"); v != "" {
		c.Store.Password = v
	}
	if v := os.Getenv("CTXSTORE_TLS"); v != "" {
		c.Store.TLS = v == "true" || v == "1"
	}
	if v := os.Getenv("CTXSTORE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CTXSTORE_VERBOSITY"); v != "" {
		if verbosity, err := strconv.Atoi(v); err == nil {
			c.Logging.Verbosity = verbosity
		}
	}
}

// Addr returns the host:port of the backing store.
func (s StoreConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Verbosity returns the configured verbosity level (0-4).
func (c *Config) Verbosity() int {
	return c.Logging.Verbosity
}

// Log logs a message when level is within the configured verbosity.
func (c *Config) Log(level int, format string, args ...interface{}) {
	if c == nil || level > c.Logging.Verbosity {
		return
	}
	glog.InfoDepth(1, fmt.Sprintf("[v%d] ", level)+fmt.Sprintf(format, args...))
}

// Warn logs a warning unless the level is "error".
func (c *Config) Warn(format string, args ...interface{}) {
	if c != nil && c.Logging.Level == "error" {
		return
	}
	glog.WarningDepth(1, fmt.Sprintf(format, args...))
}
