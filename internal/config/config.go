// Package config loads the server configuration from a YAML file.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level server configuration.
type Config struct {
	MPD     MPDConfig     `yaml:"mpd"`
	HTTP    HTTPConfig    `yaml:"http"`
	Library LibraryConfig `yaml:"library"`
	Player  PlayerConfig  `yaml:"player"`
	Log     LogConfig     `yaml:"log"`
}

// MPDConfig configures the MPD protocol listener.
type MPDConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// MaxExternalConnections caps non-loopback clients; 0 disables the cap.
	MaxExternalConnections int `yaml:"max_external_connections"`

	WriteTimeout time.Duration `yaml:"write_timeout"`

	// IdleDebounce keeps a woken idle waiting this long to coalesce bursts.
	IdleDebounce time.Duration `yaml:"idle_debounce"`

	// AckErrors answers failed commands with ACK lines instead of OK.
	AckErrors bool `yaml:"ack_errors"`
}

// HTTPConfig configures the HTTP side (health, metrics, socket.io).
type HTTPConfig struct {
	// Addr is the listen address; empty disables the HTTP server.
	Addr string `yaml:"addr"`

	// BroadcastWindow is how long socket.io pushes wait for the bus to go
	// quiet before they are sent.
	BroadcastWindow time.Duration `yaml:"broadcast_window"`
}

// LibraryConfig configures the library store.
type LibraryConfig struct {
	DBPath   string `yaml:"db_path"`
	Manifest string `yaml:"manifest"`
}

// PlayerConfig configures the playback engine.
type PlayerConfig struct {
	InitialVolume float64 `yaml:"initial_volume"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		MPD: MPDConfig{
			Host:                   "",
			Port:                   6600,
			MaxExternalConnections: 0,
			WriteTimeout:           10 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr:            ":3001",
			BroadcastWindow: 100 * time.Millisecond,
		},
		Library: LibraryConfig{
			DBPath: "data/library.db",
		},
		Player: PlayerConfig{
			InitialVolume: 1.0,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.MPD.Port <= 0 || c.MPD.Port > 65535 {
		return fmt.Errorf("invalid mpd.port %d", c.MPD.Port)
	}
	if c.MPD.MaxExternalConnections < 0 {
		return fmt.Errorf("invalid mpd.max_external_connections %d", c.MPD.MaxExternalConnections)
	}
	if c.MPD.WriteTimeout < 0 || c.MPD.IdleDebounce < 0 {
		return fmt.Errorf("mpd timeouts must not be negative")
	}
	if c.HTTP.BroadcastWindow < 0 {
		return fmt.Errorf("invalid http.broadcast_window %s", c.HTTP.BroadcastWindow)
	}
	if c.Player.InitialVolume < 0 || c.Player.InitialVolume > 1 {
		return fmt.Errorf("invalid player.initial_volume %v (want 0..1)", c.Player.InitialVolume)
	}
	if c.Library.DBPath == "" {
		return fmt.Errorf("library.db_path must be set")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q", c.Log.Level)
	}
	return nil
}

// ListenAddr returns the MPD listen address.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.MPD.Host, strconv.Itoa(c.MPD.Port))
}
