// Package config handles cnsocket server configuration file parsing and validation.
//
// The configuration is a YAML file with the following top-level sections:
//   - server: listen address and event loop limits
//   - rate_limit: per-session inbound packet rate
//   - admin: the auxiliary HTTP/websocket channel
//   - log: level and output format
//
// Example:
//
//	server:
//	  listen: "0.0.0.0:23000"
//	  poll_interval: 50ms
//	  idle_timeout: 60s
//	  max_sessions: 2000
//	rate_limit:
//	  enabled: true
//	  messages_per_second: 200
//	  burst: 400
//	admin:
//	  listen: "127.0.0.1:8003"
//	  monitor_interval: 1s
//	log:
//	  level: info
//	  format: json
package config

import (
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/Zereker/cnsocket"
)

// Config is the top-level configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Admin     AdminConfig     `yaml:"admin"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds the game socket settings.
type ServerConfig struct {
	// Listen is the TCP address for game clients ("host:port").
	Listen string `yaml:"listen"`

	// PollInterval bounds one readiness wait. Default: 50ms.
	PollInterval time.Duration `yaml:"poll_interval"`

	// IdleTimeout kills sessions silent for longer. 0 disables it.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// MaxSessions caps concurrent sessions. 0 means unlimited.
	MaxSessions int `yaml:"max_sessions"`

	// MaxPending caps queued outbound bytes per session. Default: 1MiB.
	MaxPending int `yaml:"max_pending"`
}

// RateLimitConfig holds per-session inbound rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

// AdminConfig holds the admin channel settings.
type AdminConfig struct {
	// Listen is the HTTP address. Empty disables the admin channel.
	Listen string `yaml:"listen"`

	// MonitorInterval is how often the websocket monitor pushes a snapshot.
	// Default: 1s.
	MonitorInterval time.Duration `yaml:"monitor_interval"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error". Default: "info".
	Level string `yaml:"level"`

	// Format is "json" or "text". Default: "text".
	Format string `yaml:"format"`
}

// Default values.
const (
	DefaultListen          = "0.0.0.0:23000"
	DefaultPollInterval    = 50 * time.Millisecond
	DefaultMaxPending      = 1 << 20
	DefaultMonitorInterval = time.Second
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
)

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %s", path)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "config: parse %s", path)
	}
	return cfg, nil
}

// Parse parses a YAML config from raw bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "yaml")
	}
	return &cfg, nil
}

// ApplyDefaults fills in default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
	if c.Server.PollInterval == 0 {
		c.Server.PollInterval = DefaultPollInterval
	}
	if c.Server.MaxPending == 0 {
		c.Server.MaxPending = DefaultMaxPending
	}
	if c.RateLimit.Enabled && c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = int(c.RateLimit.MessagesPerSecond)
		if c.RateLimit.Burst < 1 {
			c.RateLimit.Burst = 1
		}
	}
	if c.Admin.MonitorInterval == 0 {
		c.Admin.MonitorInterval = DefaultMonitorInterval
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

// Validate checks the configuration for errors.
// Call ApplyDefaults before Validate if you want defaults to be set.
func (c *Config) Validate() error {
	if _, err := net.ResolveTCPAddr("tcp", c.Server.Listen); err != nil {
		return errors.Wrapf(err, "config: server.listen %q", c.Server.Listen)
	}
	if c.Server.PollInterval <= 0 {
		return errors.Errorf("config: server.poll_interval must be positive, got %v", c.Server.PollInterval)
	}
	if c.Server.IdleTimeout < 0 {
		return errors.Errorf("config: server.idle_timeout must not be negative, got %v", c.Server.IdleTimeout)
	}
	if c.Server.MaxSessions < 0 {
		return errors.Errorf("config: server.max_sessions must not be negative, got %d", c.Server.MaxSessions)
	}
	if c.Server.MaxPending < cnsocket.MaxBuffer {
		return errors.Errorf("config: server.max_pending must be at least %d, got %d", cnsocket.MaxBuffer, c.Server.MaxPending)
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.MessagesPerSecond <= 0 {
			return errors.Errorf("config: rate_limit.messages_per_second must be positive, got %v", c.RateLimit.MessagesPerSecond)
		}
		if c.RateLimit.Burst <= 0 {
			return errors.Errorf("config: rate_limit.burst must be positive, got %d", c.RateLimit.Burst)
		}
	}

	if c.Admin.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Admin.Listen); err != nil {
			return errors.Wrapf(err, "config: admin.listen %q", c.Admin.Listen)
		}
	}
	if c.Admin.MonitorInterval <= 0 {
		return errors.Errorf("config: admin.monitor_interval must be positive, got %v", c.Admin.MonitorInterval)
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "json", "text":
		// ok
	default:
		return errors.Errorf("config: log.format must be \"json\" or \"text\", got %q", c.Log.Format)
	}
	return nil
}

// ListenAddr resolves server.listen.
func (c *Config) ListenAddr() (*net.TCPAddr, error) {
	addr, err := net.ResolveTCPAddr("tcp", c.Server.Listen)
	if err != nil {
		return nil, errors.Wrapf(err, "config: server.listen %q", c.Server.Listen)
	}
	return addr, nil
}

// LogLevel returns log.level as a slog level. Unknown names map to info.
func (c *Config) LogLevel() slog.Level {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

// Options converts the server and rate limit sections into server options.
func (c *Config) Options() []cnsocket.Option {
	opts := []cnsocket.Option{
		cnsocket.PollIntervalOption(c.Server.PollInterval),
		cnsocket.IdleTimeoutOption(c.Server.IdleTimeout),
		cnsocket.MaxSessionsOption(c.Server.MaxSessions),
		cnsocket.MaxPendingOption(c.Server.MaxPending),
	}
	if c.RateLimit.Enabled {
		opts = append(opts, cnsocket.RateLimitOption(&cnsocket.RateLimitConfig{
			MessagesPerSecond: rate.Limit(c.RateLimit.MessagesPerSecond),
			Burst:             c.RateLimit.Burst,
			Enabled:           true,
		}))
	}
	return opts
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.Errorf("config: unknown log.level %q", s)
	}
}
