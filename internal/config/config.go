package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig      `yaml:"server" json:"server" toml:"server"`
	Queue   QueueConfig       `yaml:"queue" json:"queue" toml:"queue"`
	Relay   RelayConfig       `yaml:"relay" json:"relay" toml:"relay"`
	Logging LoggingConfig     `yaml:"logging" json:"logging" toml:"logging"`
	Devices map[string]Device `yaml:"devices" json:"devices" toml:"devices"`
	Filters map[string]Filter `yaml:"filters" json:"filters" toml:"filters"`
	Hooks   []Webhook         `yaml:"webhooks" json:"webhooks" toml:"webhooks"`
}

type ServerConfig struct {
	Port         int           `yaml:"port" json:"port" toml:"port"`
	Host         string        `yaml:"host" json:"host" toml:"host"`
	TempDir      string        `yaml:"temp_dir" json:"temp_dir" toml:"temp_dir"`
	Secret       string        `yaml:"secret" json:"secret" toml:"secret"`
	SecretHash   string        `yaml:"secret_hash" json:"secret_hash" toml:"secret_hash"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" toml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" toml:"write_timeout"`
}

type QueueConfig struct {
	Store           string        `yaml:"store" json:"store" toml:"store"`
	Path            string        `yaml:"path" json:"path" toml:"path"`
	DBPath          string        `yaml:"db_path" json:"db_path" toml:"db_path"`
	MaxHistory      int           `yaml:"max_history" json:"max_history" toml:"max_history"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout" json:"dispatch_timeout" toml:"dispatch_timeout"`
}

type RelayConfig struct {
	Enabled     bool          `yaml:"enabled" json:"enabled" toml:"enabled"`
	URL         string        `yaml:"url" json:"url" toml:"url"`
	Version     string        `yaml:"version" json:"version" toml:"version"`
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout" toml:"idle_timeout"`
}

// Webhook receives job completion events. An empty Events list subscribes to
// every event.
type Webhook struct {
	URL    string   `yaml:"url" json:"url" toml:"url"`
	Secret string   `yaml:"secret" json:"secret" toml:"secret"`
	Events []string `yaml:"events" json:"events" toml:"events"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" toml:"level"`
	Format string `yaml:"format" json:"format" toml:"format"`
}

// Device is the declarative form of a fabrication target. Params is handed to
// the driver untouched apart from localhost rewriting.
type Device struct {
	Driver   string         `yaml:"driver" json:"driver" toml:"driver"`
	Disabled bool           `yaml:"disabled" json:"disabled" toml:"disabled"`
	Params   map[string]any `yaml:"params" json:"params" toml:"params"`
}

// Filter names an external converter a driver may pipe a job through.
type Filter struct {
	Command   string   `yaml:"command" json:"command" toml:"command"`
	Args      []string `yaml:"args" json:"args" toml:"args"`
	Extension string   `yaml:"extension" json:"extension" toml:"extension"`
}

const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8081,
			TempDir:      "./data/tmp",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 15 * time.Minute,
		},
		Queue: QueueConfig{
			Store:           StoreFile,
			Path:            "./data/queue.json",
			DBPath:          "./data/queue.db",
			MaxHistory:      100,
			DispatchTimeout: 10 * time.Minute,
		},
		Relay: RelayConfig{
			Enabled:     false,
			URL:         "https://live.grid.space",
			Version:     "gridlocal-1",
			IdleTimeout: 10 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Devices: map[string]Device{},
		Filters: map[string]Filter{},
	}
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return defaults()
}

// Load reads a configuration file, picking the decoder from its extension.
func Load(configPath string) (*Config, error) {
	cfg := defaults()
	if configPath == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(configPath)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".json":
		err = json.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Devices == nil {
		cfg.Devices = map[string]Device{}
	}
	if cfg.Filters == nil {
		cfg.Filters = map[string]Filter{}
	}
	return cfg, nil
}

// ApplyEnv overrides selected fields from GRIDLOCAL_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("GRIDLOCAL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}

	if v := os.Getenv("GRIDLOCAL_SECRET"); v != "" {
		c.Server.Secret = v
	}

	if v := os.Getenv("GRIDLOCAL_TEMP_DIR"); v != "" {
		c.Server.TempDir = v
	}

	if v := os.Getenv("GRIDLOCAL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	if v := os.Getenv("GRIDLOCAL_RELAY_URL"); v != "" {
		c.Relay.URL = v
		c.Relay.Enabled = true
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.TempDir == "" {
		return fmt.Errorf("server temp dir is required")
	}

	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server timeouts must be non-negative")
	}

	switch c.Queue.Store {
	case StoreFile:
		if c.Queue.Path == "" {
			return fmt.Errorf("queue path is required for the file store")
		}
	case StoreSQLite:
		if c.Queue.DBPath == "" {
			return fmt.Errorf("queue db path is required for the sqlite store")
		}
	default:
		return fmt.Errorf("invalid queue store: %s (valid: file, sqlite)", c.Queue.Store)
	}

	if c.Queue.MaxHistory < 1 {
		return fmt.Errorf("queue max history must be at least 1")
	}

	if c.Queue.DispatchTimeout < 0 {
		return fmt.Errorf("dispatch timeout must be non-negative")
	}

	if c.Relay.Enabled {
		if c.Relay.URL == "" {
			return fmt.Errorf("relay url is required when relay is enabled")
		}
		if c.Relay.IdleTimeout <= 0 {
			return fmt.Errorf("relay idle timeout must be positive")
		}
	}

	for i, h := range c.Hooks {
		if h.URL == "" {
			return fmt.Errorf("webhook %d has no url", i)
		}
	}

	for name, f := range c.Filters {
		if f.Command == "" {
			return fmt.Errorf("filter %q has no command", name)
		}
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json":  true,
		"text":  true,
		"plain": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text, plain)", c.Logging.Format)
	}

	return nil
}
