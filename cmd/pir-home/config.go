package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"pir-go-home/internal/bus"
	"pir-go-home/internal/presence"
)

type Config struct {
	Bus struct {
		Type     string `yaml:"type"`   // "i2c", "serial" or "sim"
		Device   string `yaml:"device"` // /dev/i2c-1 or the bridge's serial port
		Address  uint16 `yaml:"address"`
		Baud     int    `yaml:"baud"`
		LockPath string `yaml:"lock_path"`
		SimDepth int    `yaml:"sim_depth"`
	} `yaml:"bus"`
	Engine struct {
		PollIntervalMs  int `yaml:"poll_interval_ms"`
		ConfirmMs       int `yaml:"confirm_ms"`
		VacateHoldoffMs int `yaml:"vacate_holdoff_ms"`
		JitterMs        int `yaml:"jitter_ms"`
	} `yaml:"engine"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		Name        string `yaml:"name"`
		Discovery   *bool  `yaml:"discovery"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Telegram struct {
		BotToken string   `yaml:"bot_token"`
		ChatIDs  []string `yaml:"chat_ids"`
	} `yaml:"telegram"`
	Exec struct {
		Allowlist []string `yaml:"allowlist"`
		Timeout   string   `yaml:"timeout"`
	} `yaml:"exec"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	switch c.Bus.Type {
	case "i2c", "serial":
		if c.Bus.Device == "" {
			return fmt.Errorf("bus.device is required for bus.type %q", c.Bus.Type)
		}
	case "sim":
	default:
		return fmt.Errorf("bus.type must be i2c, serial or sim, got %q", c.Bus.Type)
	}
	if c.Bus.Address == 0 || c.Bus.Address > 0x7F {
		return fmt.Errorf("bus.address must be a 7-bit address, got 0x%X", c.Bus.Address)
	}
	if err := c.settings().Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

// settings is the engine section as runtime settings. Values persisted
// through the API take precedence at startup.
func (c *Config) settings() presence.Settings {
	return presence.Settings{
		PollIntervalMs:  c.Engine.PollIntervalMs,
		ConfirmMs:       c.Engine.ConfirmMs,
		VacateHoldoffMs: c.Engine.VacateHoldoffMs,
		JitterMs:        c.Engine.JitterMs,
	}
}

func (c *Config) mqttDiscovery() bool {
	return c.MQTT.Discovery == nil || *c.MQTT.Discovery
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	defaults := presence.DefaultSettings()

	if cfg.Bus.Type == "" {
		cfg.Bus.Type = "i2c"
	}
	if cfg.Bus.Address == 0 {
		cfg.Bus.Address = bus.DefaultAddress
	}
	if cfg.Bus.Baud == 0 {
		cfg.Bus.Baud = 115200
	}
	if cfg.Bus.LockPath == "" {
		cfg.Bus.LockPath = "pir-home.lock"
	}
	if cfg.Bus.SimDepth == 0 {
		cfg.Bus.SimDepth = bus.DefaultSimDepth
	}
	// Zero is a legal threshold, so only the interval falls back when unset.
	// Thresholds fall back only when the whole section is absent.
	if cfg.Engine.PollIntervalMs == 0 {
		cfg.Engine.PollIntervalMs = defaults.PollIntervalMs
		if cfg.Engine.ConfirmMs == 0 && cfg.Engine.VacateHoldoffMs == 0 && cfg.Engine.JitterMs == 0 {
			cfg.Engine.ConfirmMs = defaults.ConfirmMs
			cfg.Engine.VacateHoldoffMs = defaults.VacateHoldoffMs
			cfg.Engine.JitterMs = defaults.JitterMs
		}
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "pir-home.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "pir"
	}
	if cfg.MQTT.Name == "" {
		cfg.MQTT.Name = "PIR Sensor"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
