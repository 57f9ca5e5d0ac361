// Package config loads daemon configuration from YAML files and environment
// variables. A global file under the user's home directory is merged with a
// project-local file, with the project file and SPECDECK_* environment
// variables taking precedence.
package config

import (
	"fmt"
	"log/slog"
	"time"
)

// Config is the full daemon configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Realtime RealtimeConfig `yaml:"realtime" mapstructure:"realtime"`
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	NATS     NATSConfig     `yaml:"nats" mapstructure:"nats"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host    string `yaml:"host" mapstructure:"host"`
	Port    int    `yaml:"port" mapstructure:"port"`
	Metrics bool   `yaml:"metrics" mapstructure:"metrics"`
}

// RealtimeConfig configures the websocket hub and heartbeat.
type RealtimeConfig struct {
	PingInterval time.Duration `yaml:"ping_interval" mapstructure:"ping_interval"`
	PongTimeout  time.Duration `yaml:"pong_timeout" mapstructure:"pong_timeout"`
	SendBuffer   int           `yaml:"send_buffer" mapstructure:"send_buffer"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
}

// StoreConfig configures the watched YAML store.
type StoreConfig struct {
	Root     string        `yaml:"root" mapstructure:"root"`
	Debounce time.Duration `yaml:"debounce" mapstructure:"debounce"`
	Patterns []string      `yaml:"patterns" mapstructure:"patterns"`
}

// NATSConfig configures the optional event relay. An empty URL disables it.
type NATSConfig struct {
	URL           string `yaml:"url" mapstructure:"url"`
	SubjectPrefix string `yaml:"subject_prefix" mapstructure:"subject_prefix"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Addr returns the host:port the HTTP server binds.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SlogLevel maps the configured level name to a slog level.
func (c LogConfig) SlogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Realtime.PingInterval <= 0 {
		return fmt.Errorf("realtime.ping_interval must be positive, got %v", c.Realtime.PingInterval)
	}
	if c.Realtime.PongTimeout <= c.Realtime.PingInterval {
		return fmt.Errorf("realtime.pong_timeout %v must exceed ping_interval %v",
			c.Realtime.PongTimeout, c.Realtime.PingInterval)
	}
	if c.Realtime.SendBuffer <= 0 {
		return fmt.Errorf("realtime.send_buffer must be positive, got %d", c.Realtime.SendBuffer)
	}
	if c.NATS.URL != "" && c.NATS.SubjectPrefix == "" {
		return fmt.Errorf("nats.subject_prefix must be set when nats.url is configured")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q not one of text, json", c.Log.Format)
	}
	return nil
}
