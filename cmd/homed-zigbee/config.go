package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/iphizic/homed-service-zigbee/internal/registry"
)

type Config struct {
	Zigbee struct {
		Library    string        `yaml:"library"`
		Database   string        `yaml:"database"`
		Properties string        `yaml:"properties"`
		PollUnit   time.Duration `yaml:"poll_unit"`
	} `yaml:"zigbee"`
	Persistence struct {
		Backend          string        `yaml:"backend"` // "file" or "bolt"
		BoltPath         string        `yaml:"bolt_path"`
		DatabaseDelay    time.Duration `yaml:"database_delay"`
		DatabaseInterval time.Duration `yaml:"database_interval"`
		PropertiesDelay  time.Duration `yaml:"properties_delay"`
	} `yaml:"persistence"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	switch c.Persistence.Backend {
	case "file":
		if c.Zigbee.Database == c.Zigbee.Properties {
			return fmt.Errorf("zigbee.database and zigbee.properties must differ")
		}
	case "bolt":
		if c.Persistence.BoltPath == "" {
			return fmt.Errorf("persistence.bolt_path is required for the bolt backend")
		}
	default:
		return fmt.Errorf("unknown persistence.backend: %q (supported: file, bolt)", c.Persistence.Backend)
	}
	if c.Zigbee.Library == "" {
		return fmt.Errorf("zigbee.library is required")
	}
	if c.Zigbee.PollUnit < 0 || c.Persistence.DatabaseDelay < 0 ||
		c.Persistence.DatabaseInterval < 0 || c.Persistence.PropertiesDelay < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

func (c *Config) registryConfig() registry.Config {
	return registry.Config{
		LibraryPath:      c.Zigbee.Library,
		DatabaseDelay:    c.Persistence.DatabaseDelay,
		DatabaseInterval: c.Persistence.DatabaseInterval,
		PropertiesDelay:  c.Persistence.PropertiesDelay,
		PollUnit:         c.Zigbee.PollUnit,
	}
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
	if cfg.Zigbee.Library == "" {
		cfg.Zigbee.Library = "library.json"
	}
	if cfg.Zigbee.Database == "" {
		cfg.Zigbee.Database = "database.json"
	}
	if cfg.Zigbee.Properties == "" {
		cfg.Zigbee.Properties = "properties.json"
	}
	if cfg.Persistence.Backend == "" {
		cfg.Persistence.Backend = "file"
	}
	if cfg.Persistence.BoltPath == "" {
		cfg.Persistence.BoltPath = "homed-zigbee.db"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "homed"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

// newLogger builds the process logger. Unknown levels fall back to info.
func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
