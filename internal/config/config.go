// ABOUTME: Configuration loading and parsing for relaygate
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relaygate configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Redis   RedisConfig   `yaml:"redis"`
	Relay   RelayConfig   `yaml:"relay"`
	Cache   CacheConfig   `yaml:"cache"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig holds server address configuration.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// InstanceID identifies this process in the directory store. Defaults
	// to the hostname.
	InstanceID string `yaml:"instance_id"`
}

// RedisConfig holds directory-store configuration. When disabled the gateway
// runs single-process with no ownership records.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	TTL    time.Duration `yaml:"-"`
	TTLRaw string        `yaml:"ttl"`
}

// RelayConfig holds the relay timing configuration.
type RelayConfig struct {
	RequestTimeout time.Duration `yaml:"-"`
	SweepInterval  time.Duration `yaml:"-"`
	OrphanInterval time.Duration `yaml:"-"`
	OrphanAge      time.Duration `yaml:"-"`
	PingInterval   time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	RequestTimeoutRaw string `yaml:"request_timeout"`
	SweepIntervalRaw  string `yaml:"sweep_interval"`
	OrphanIntervalRaw string `yaml:"orphan_interval"`
	OrphanAgeRaw      string `yaml:"orphan_age"`
	PingIntervalRaw   string `yaml:"ping_interval"`
}

// CacheConfig bounds the reply-payload cache.
type CacheConfig struct {
	EntitySize   int           `yaml:"entity_size"`
	EntityTTL    time.Duration `yaml:"-"`
	EntityTTLRaw string        `yaml:"entity_ttl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns a Config with every field at its default value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr: "0.0.0.0:8080",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			TTL:  2 * time.Hour,
		},
		Relay: RelayConfig{
			RequestTimeout: 10 * time.Second,
			SweepInterval:  15 * time.Second,
			OrphanInterval: 10 * time.Second,
			OrphanAge:      30 * time.Second,
			PingInterval:   20 * time.Second,
		},
		Cache: CacheConfig{
			EntitySize: 512,
			EntityTTL:  5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values and defaults fill
// every omitted field.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. If the environment variable is not set, it is
// replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first validation failure
// encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if c.Relay.RequestTimeout <= 0 {
		return fmt.Errorf("relay.request_timeout must be positive")
	}
	if c.Relay.OrphanAge < c.Relay.OrphanInterval {
		return fmt.Errorf("relay.orphan_age must be at least relay.orphan_interval")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Redis.TTLRaw, "redis.ttl", &cfg.Redis.TTL},
		{cfg.Relay.RequestTimeoutRaw, "relay.request_timeout", &cfg.Relay.RequestTimeout},
		{cfg.Relay.SweepIntervalRaw, "relay.sweep_interval", &cfg.Relay.SweepInterval},
		{cfg.Relay.OrphanIntervalRaw, "relay.orphan_interval", &cfg.Relay.OrphanInterval},
		{cfg.Relay.OrphanAgeRaw, "relay.orphan_age", &cfg.Relay.OrphanAge},
		{cfg.Relay.PingIntervalRaw, "relay.ping_interval", &cfg.Relay.PingInterval},
		{cfg.Cache.EntityTTLRaw, "cache.entity_ttl", &cfg.Cache.EntityTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// InstanceID resolves the configured instance identity, falling back to the
// hostname and then a fixed marker.
func (c *Config) InstanceID() string {
	if c.Server.InstanceID != "" {
		return c.Server.InstanceID
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "local"
}
