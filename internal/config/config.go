// Package config loads Concierge runtime configuration, built the way
// go-server-3/internal/config builds it: viper defaults, an optional config
// file, and environment override via AutomaticEnv.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the Concierge.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Fs        FsConfig        `mapstructure:"fs"`
}

// ServerConfig contains network-level settings for the WebSocket listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// WebSocketConfig controls the handshake, hub, and protocol requirements.
type WebSocketConfig struct {
	Path              string        `mapstructure:"path"`
	Subprotocol       string        `mapstructure:"subprotocol"`
	Secret            string        `mapstructure:"secret"`
	MinVersion        string        `mapstructure:"min_version"`
	ServerVersion     string        `mapstructure:"server_version"`
	IdentifyTimeout   time.Duration `mapstructure:"identify_timeout"`
	MailboxSize       int           `mapstructure:"mailbox_size"`
}

// MetricsConfig controls the Prometheus/health HTTP listener.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoggingConfig controls zap logger level/encoding.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// FsConfig controls the per-client file storage endpoint.
type FsConfig struct {
	Root       string `mapstructure:"root"`
	MaxPutSize int64  `mapstructure:"max_put_size"`
}

// Load reads configuration from environment variables and an optional
// config file named "concierge" in the working directory or ./config.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 64209)

	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.subprotocol", "ert-concierge")
	v.SetDefault("websocket.secret", "")
	v.SetDefault("websocket.min_version", "^0.2.0")
	v.SetDefault("websocket.server_version", "0.2.0")
	v.SetDefault("websocket.identify_timeout", 5*time.Second)
	v.SetDefault("websocket.mailbox_size", 256)

	v.SetDefault("metrics.listen_addr", ":9095")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("fs.root", "./fs")
	v.SetDefault("fs.max_put_size", 2<<20) // 2 MiB

	v.SetConfigName("concierge")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("CONCIERGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Optional config file; absence is not an error.
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if cfg.WebSocket.MailboxSize <= 0 {
		cfg.WebSocket.MailboxSize = 256
	}
	if cfg.WebSocket.IdentifyTimeout <= 0 {
		cfg.WebSocket.IdentifyTimeout = 5 * time.Second
	}
	if cfg.Fs.MaxPutSize <= 0 {
		cfg.Fs.MaxPutSize = 2 << 20
	}

	return cfg, nil
}
