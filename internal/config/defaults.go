package config

import (
	"time"

	"github.com/spf13/viper"
)

// DefaultConfig returns the configuration used when no file or environment
// override is present.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "127.0.0.1",
			Port:    7333,
			Metrics: true,
		},
		Realtime: RealtimeConfig{
			PingInterval: 30 * time.Second,
			PongTimeout:  90 * time.Second,
			SendBuffer:   64,
			WriteTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Root:     ".specdeck",
			Debounce: 300 * time.Millisecond,
			Patterns: []string{"*.yaml", "*.yml", "*.md"},
		},
		NATS: NATSConfig{
			URL:           "",
			SubjectPrefix: "specdeck",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// setDefaults registers every key with viper so file, env and default values
// merge key by key.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.metrics", d.Server.Metrics)
	v.SetDefault("realtime.ping_interval", d.Realtime.PingInterval)
	v.SetDefault("realtime.pong_timeout", d.Realtime.PongTimeout)
	v.SetDefault("realtime.send_buffer", d.Realtime.SendBuffer)
	v.SetDefault("realtime.write_timeout", d.Realtime.WriteTimeout)
	v.SetDefault("store.root", d.Store.Root)
	v.SetDefault("store.debounce", d.Store.Debounce)
	v.SetDefault("store.patterns", d.Store.Patterns)
	v.SetDefault("nats.url", d.NATS.URL)
	v.SetDefault("nats.subject_prefix", d.NATS.SubjectPrefix)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}
