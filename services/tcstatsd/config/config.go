package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for tcstatsd.
type Config struct {
	ListenAddress string          `yaml:"listen" toml:"listen"`
	Environment   string          `yaml:"environment" toml:"environment"`
	Database      DatabaseConfig  `yaml:"database" toml:"database"`
	Provider      ProviderConfig  `yaml:"provider" toml:"provider"`
	Engine        EngineConfig    `yaml:"engine" toml:"engine"`
	Schedule      ScheduleConfig  `yaml:"schedule" toml:"schedule"`
	Auth          AuthConfig      `yaml:"auth" toml:"auth"`
	Logging       LoggingConfig   `yaml:"logging" toml:"logging"`
	Telemetry     TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// DatabaseConfig selects the backing store. Path is a convenience for
// SQLite files and is ignored when DSN is set.
type DatabaseConfig struct {
	Driver       string `yaml:"driver" toml:"driver"`
	DSN          string `yaml:"dsn" toml:"dsn"`
	Path         string `yaml:"path" toml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns" toml:"max_open_conns"`
	LogQueries   bool   `yaml:"log_queries" toml:"log_queries"`
}

// ProviderConfig points at the upstream stats API.
type ProviderConfig struct {
	BaseURL           string   `yaml:"base_url" toml:"base_url"`
	TeamNumber        int      `yaml:"team_number" toml:"team_number"`
	Timeout           Duration `yaml:"timeout" toml:"timeout"`
	RequestsPerMinute float64  `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int      `yaml:"burst" toml:"burst"`
}

// EngineConfig tunes update cycles.
type EngineConfig struct {
	Workers     int      `yaml:"workers" toml:"workers"`
	UserTimeout Duration `yaml:"user_timeout" toml:"user_timeout"`
}

// ScheduleConfig holds cron expressions evaluated in UTC.
type ScheduleConfig struct {
	Update     string   `yaml:"update" toml:"update"`
	Rollover   string   `yaml:"rollover" toml:"rollover"`
	JobTimeout Duration `yaml:"job_timeout" toml:"job_timeout"`
}

// AuthConfig configures bearer token validation for admin routes.
type AuthConfig struct {
	HMACSecret string   `yaml:"hmac_secret" toml:"hmac_secret"`
	Issuer     string   `yaml:"issuer" toml:"issuer"`
	Audience   string   `yaml:"audience" toml:"audience"`
	AdminScope string   `yaml:"admin_scope" toml:"admin_scope"`
	ClockSkew  Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// TelemetryConfig controls OTLP export.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	Metrics     bool    `yaml:"metrics" toml:"metrics"`
	Traces      bool    `yaml:"traces" toml:"traces"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// Load reads configuration from the supplied path. Files ending in .toml are
// decoded as TOML, everything else as YAML. Environment overrides are applied
// before defaults.
func Load(path string) (Config, error) {
	cfg := Config{}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(raw), &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup("TCSTATSD_ENV"); ok && strings.TrimSpace(v) != "" {
		cfg.Environment = strings.TrimSpace(v)
	}
	if v, ok := lookup("TCSTATSD_DATABASE_DSN"); ok && strings.TrimSpace(v) != "" {
		cfg.Database.DSN = strings.TrimSpace(v)
	}
	if v, ok := lookup("TCSTATSD_PROVIDER_URL"); ok && strings.TrimSpace(v) != "" {
		cfg.Provider.BaseURL = strings.TrimSpace(v)
	}
	if v, ok := lookup("TCSTATSD_ADMIN_SECRET"); ok && strings.TrimSpace(v) != "" {
		cfg.Auth.HMACSecret = strings.TrimSpace(v)
	}
	if v, ok := lookup("OTEL_EXPORTER_OTLP_ENDPOINT"); ok && strings.TrimSpace(v) != "" {
		cfg.Telemetry.Endpoint = strings.TrimSpace(v)
	}
	if v, ok := lookup("OTEL_EXPORTER_OTLP_INSECURE"); ok && strings.TrimSpace(v) != "" {
		insecure, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Telemetry.Insecure = insecure
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Path == "" {
		cfg.Database.Path = "tcstatsd.sqlite"
	}
	if cfg.Provider.Timeout.Duration == 0 {
		cfg.Provider.Timeout.Duration = 15 * time.Second
	}
	if cfg.Engine.Workers <= 0 {
		cfg.Engine.Workers = 4
	}
	if cfg.Engine.UserTimeout.Duration == 0 {
		cfg.Engine.UserTimeout.Duration = 30 * time.Second
	}
	if cfg.Schedule.JobTimeout.Duration == 0 {
		cfg.Schedule.JobTimeout.Duration = 30 * time.Minute
	}
	if cfg.Auth.AdminScope == "" {
		cfg.Auth.AdminScope = "tc:admin"
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Telemetry.SampleRatio == 0 {
		cfg.Telemetry.SampleRatio = 1
	}
}

func validate(cfg Config) error {
	switch strings.ToLower(cfg.Database.Driver) {
	case "sqlite":
	case "postgres":
		if cfg.Database.DSN == "" {
			return fmt.Errorf("database dsn must be configured for postgres")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if strings.TrimSpace(cfg.Provider.BaseURL) == "" {
		return fmt.Errorf("provider base_url must be configured")
	}
	if strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth hmac_secret must be configured")
	}
	if cfg.Provider.RequestsPerMinute < 0 {
		return fmt.Errorf("provider requests_per_minute must not be negative")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry sample_ratio must be between 0 and 1")
	}
	return nil
}
