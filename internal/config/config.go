package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"reviewlog/internal/scheduling"
)

// Config models reviewlog.yml.
type Config struct {
	Server struct {
		Addr            string `yaml:"addr"`
		BasePath        string `yaml:"base_path"`
		JWTSecret       string `yaml:"jwt_secret"`
		AllowUserHeader bool   `yaml:"allow_user_header"`
	} `yaml:"server"`
	Store struct {
		Driver       string        `yaml:"driver"`
		DSN          string        `yaml:"dsn"`
		RetryBudget  int           `yaml:"retry_budget"`
		RetryBackoff time.Duration `yaml:"retry_backoff"`
	} `yaml:"store"`
	Scheduling struct {
		InitialInterval time.Duration `yaml:"initial_interval"`
		Growth          float64       `yaml:"growth"`
		RetryDelay      time.Duration `yaml:"retry_delay"`
		FuzzyBucket     time.Duration `yaml:"fuzzy_bucket"`
	} `yaml:"scheduling"`
	Sink SinkConfig `yaml:"sink"`
}

// SinkConfig selects where accepted events are reported.
type SinkConfig struct {
	Kind           string   `yaml:"kind"`
	URL            string   `yaml:"url"`
	Subject        string   `yaml:"subject"`
	Stream         string   `yaml:"stream"`
	Brokers        []string `yaml:"brokers"`
	Topic          string   `yaml:"topic"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Buffer         int      `yaml:"buffer"`
}

var sinkKinds = map[string]bool{"none": true, "log": true, "webhook": true, "nats": true, "kafka": true}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("config.store.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config.store.driver must be 'sqlite' or 'postgres'")
	}
	if c.Store.RetryBudget < 1 {
		return fmt.Errorf("config.store.retry_budget must be >= 1")
	}
	if c.Store.RetryBackoff < 0 {
		return fmt.Errorf("config.store.retry_backoff must not be negative")
	}
	if c.Scheduling.InitialInterval <= 0 {
		return fmt.Errorf("config.scheduling.initial_interval must be positive")
	}
	if c.Scheduling.Growth < 1 {
		return fmt.Errorf("config.scheduling.growth must be >= 1")
	}
	if c.Scheduling.RetryDelay <= 0 {
		return fmt.Errorf("config.scheduling.retry_delay must be positive")
	}
	if c.Scheduling.FuzzyBucket < 0 {
		return fmt.Errorf("config.scheduling.fuzzy_bucket must not be negative")
	}
	if !sinkKinds[c.Sink.Kind] {
		return fmt.Errorf("config.sink.kind %q is not one of none, log, webhook, nats, kafka", c.Sink.Kind)
	}
	switch c.Sink.Kind {
	case "webhook", "nats":
		if strings.TrimSpace(c.Sink.URL) == "" {
			return fmt.Errorf("config.sink.url is required for %s", c.Sink.Kind)
		}
	case "kafka":
		if len(c.Sink.Brokers) == 0 || c.Sink.Topic == "" {
			return fmt.Errorf("config.sink.brokers and config.sink.topic are required for kafka")
		}
	}
	if c.Sink.Buffer < 0 {
		return fmt.Errorf("config.sink.buffer must not be negative")
	}
	return nil
}

// SchedulingParams returns the interval formula parameters.
func (c *Config) SchedulingParams() scheduling.Params {
	return scheduling.Params{
		InitialInterval: c.Scheduling.InitialInterval,
		Growth:          c.Scheduling.Growth,
		RetryDelay:      c.Scheduling.RetryDelay,
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "reviewlog.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /api
  jwt_secret: ""
  allow_user_header: false

store:
  driver: sqlite
  dsn: ""
  retry_budget: 5
  retry_backoff: 20ms

scheduling:
  initial_interval: 120h
  growth: 2.3
  retry_delay: 10m
  fuzzy_bucket: 1h

sink:
  kind: log
  buffer: 256
  timeout_seconds: 5
`
