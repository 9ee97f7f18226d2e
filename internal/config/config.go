// Package config loads payrollsync configuration from a YAML file, an
// optional .env file and PAYROLLSYNC_* environment overrides, in that order.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	apperrors "github.com/kimhsiao/payrollsync/internal/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PAYROLLSYNC_"

type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	Server       ServerConfig       `yaml:"server"`
	HTTP         HTTPConfig         `yaml:"http"`
	Sync         SyncConfig         `yaml:"sync"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Events       EventsConfig       `yaml:"events"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type DatabaseConfig struct {
	// Path is the data directory holding outbox.db.
	Path string `yaml:"path"`
}

type ServerConfig struct {
	// BaseURL is the payroll REST backend; relative queue targets resolve against it.
	BaseURL string `yaml:"base_url"`
	// Listen is the local admin API / websocket address.
	Listen string `yaml:"listen"`
}

type HTTPConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type SyncConfig struct {
	Interval       time.Duration `yaml:"interval"`
	BatchSize      int           `yaml:"batch_size"`
	MaxRejections  int           `yaml:"max_rejections"`
	LastErrorLimit int           `yaml:"last_error_limit"`
}

type ConnectivityConfig struct {
	Probe         bool          `yaml:"probe"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
}

type EventsConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Enabled reports whether the Kafka event relay should run.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0 && k.Topic != ""
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "./data"},
		Server: ServerConfig{
			BaseURL: "http://localhost:8080",
			Listen:  "localhost:8090",
		},
		HTTP: HTTPConfig{Timeout: 30 * time.Second},
		Sync: SyncConfig{
			Interval:       8 * time.Second,
			BatchSize:      50,
			MaxRejections:  0,
			LastErrorLimit: 500,
		},
		Connectivity: ConnectivityConfig{
			Probe:         true,
			ProbeInterval: 5 * time.Second,
			ProbeTimeout:  2 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults, .env and the environment are used. A missing .env is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfig, "failed to read config file", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfig, "failed to parse config file", err)
		}
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "failed to load .env", err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Database.Path = getEnv("DB_PATH", cfg.Database.Path)
	cfg.Server.BaseURL = getEnv("SERVER_BASE_URL", cfg.Server.BaseURL)
	cfg.Server.Listen = getEnv("LISTEN", cfg.Server.Listen)
	cfg.HTTP.Timeout = getEnvDuration("HTTP_TIMEOUT", cfg.HTTP.Timeout)
	cfg.Sync.Interval = getEnvDuration("SYNC_INTERVAL", cfg.Sync.Interval)
	cfg.Sync.BatchSize = getEnvInt("SYNC_BATCH_SIZE", cfg.Sync.BatchSize)
	cfg.Sync.MaxRejections = getEnvInt("SYNC_MAX_REJECTIONS", cfg.Sync.MaxRejections)
	cfg.Sync.LastErrorLimit = getEnvInt("SYNC_LAST_ERROR_LIMIT", cfg.Sync.LastErrorLimit)
	cfg.Connectivity.Probe = getEnvBool("CONNECTIVITY_PROBE", cfg.Connectivity.Probe)
	cfg.Connectivity.ProbeInterval = getEnvDuration("CONNECTIVITY_PROBE_INTERVAL", cfg.Connectivity.ProbeInterval)
	cfg.Connectivity.ProbeTimeout = getEnvDuration("CONNECTIVITY_PROBE_TIMEOUT", cfg.Connectivity.ProbeTimeout)
	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		cfg.Events.Kafka.Brokers = parseBrokers(brokers)
	}
	cfg.Events.Kafka.Topic = getEnv("KAFKA_TOPIC", cfg.Events.Kafka.Topic)
	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
}

// Validate checks the configuration for values the outbox cannot run with.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return apperrors.New(apperrors.ErrConfig, "database.path is required")
	}
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return apperrors.New(apperrors.ErrConfig, fmt.Sprintf("server.base_url %q must be an absolute URL", c.Server.BaseURL))
	}
	if c.Sync.Interval <= 0 {
		return apperrors.New(apperrors.ErrConfig, "sync.interval must be positive")
	}
	if c.Sync.BatchSize <= 0 {
		return apperrors.New(apperrors.ErrConfig, "sync.batch_size must be positive")
	}
	if c.Sync.MaxRejections < 0 {
		return apperrors.New(apperrors.ErrConfig, "sync.max_rejections must not be negative")
	}
	if c.Connectivity.Probe && c.Connectivity.ProbeInterval <= 0 {
		return apperrors.New(apperrors.ErrConfig, "connectivity.probe_interval must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseBrokers(brokers string) []string {
	parts := strings.Split(brokers, ",")
	result := make([]string, 0, len(parts))
	for _, broker := range parts {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
