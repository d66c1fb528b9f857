// Package config handles loading and validating configuration from an
// optional YAML file and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the Smart Search service.
type Config struct {
	// Server
	Port        string   `envconfig:"SMARTSEARCH_PORT" yaml:"port"`
	LogLevel    string   `envconfig:"SMARTSEARCH_LOG_LEVEL" yaml:"log_level"`
	LogFormat   string   `envconfig:"SMARTSEARCH_LOG_FORMAT" yaml:"log_format"` // console|json
	CORSOrigins []string `envconfig:"SMARTSEARCH_CORS_ORIGINS" yaml:"cors_origins"`

	// API keys
	AdminAPIKey  string `envconfig:"SMARTSEARCH_ADMIN_API_KEY" yaml:"admin_api_key"` // Required for /api/v1 endpoints
	ClientAPIKey string `envconfig:"SMARTSEARCH_API_KEY" yaml:"api_key"`             // Optional for /api/smart-search

	// Database
	DBHost     string `envconfig:"POSTGRES_HOST" yaml:"postgres_host"`
	DBPort     int    `envconfig:"POSTGRES_PORT" yaml:"postgres_port"`
	DBName     string `envconfig:"POSTGRES_DB" yaml:"postgres_db"`
	DBUser     string `envconfig:"POSTGRES_USER" yaml:"postgres_user"`
	DBPassword string `envconfig:"POSTGRES_PASSWORD" yaml:"postgres_password"`
	DBSSLMode  string `envconfig:"POSTGRES_SSLMODE" yaml:"postgres_sslmode"`

	// Redis
	RedisHost     string `envconfig:"REDIS_HOST" yaml:"redis_host"`
	RedisPort     int    `envconfig:"REDIS_PORT" yaml:"redis_port"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" yaml:"redis_password"`

	// Credit budgets
	CreditsFailOpen    bool  `envconfig:"SMARTSEARCH_CREDITS_FAIL_OPEN" yaml:"credits_fail_open"`       // Allow searches when Redis is unreachable
	DefaultCreditLimit int64 `envconfig:"SMARTSEARCH_DEFAULT_CREDIT_LIMIT" yaml:"default_credit_limit"` // 0 = unlimited
	RateLimitPerMinute int64 `envconfig:"SMARTSEARCH_RATE_LIMIT" yaml:"rate_limit_per_minute"`         // 0 = disabled

	// Upstream text generation (key is never stored)
	OpenAIKey       string        `envconfig:"OPENAI_API_KEY" yaml:"-"`
	OpenAIBaseURL   string        `envconfig:"OPENAI_BASE_URL" yaml:"openai_base_url"`
	FastModel       string        `envconfig:"SMARTSEARCH_FAST_MODEL" yaml:"fast_model"`
	DeepModel       string        `envconfig:"SMARTSEARCH_DEEP_MODEL" yaml:"deep_model"`
	UpstreamTimeout time.Duration `envconfig:"SMARTSEARCH_UPSTREAM_TIMEOUT" yaml:"upstream_timeout"`
	UpstreamRPS     float64       `envconfig:"SMARTSEARCH_UPSTREAM_RPS" yaml:"upstream_rps"` // 0 = unlimited
	UpstreamBurst   int           `envconfig:"SMARTSEARCH_UPSTREAM_BURST" yaml:"upstream_burst"`

	// Batch preview
	PreviewConcurrency int `envconfig:"SMARTSEARCH_PREVIEW_CONCURRENCY" yaml:"preview_concurrency"`
	PreviewMaxAccounts int `envconfig:"SMARTSEARCH_PREVIEW_MAX_ACCOUNTS" yaml:"preview_max_accounts"`

	// Events (empty brokers disables publishing)
	KafkaBrokers []string `envconfig:"KAFKA_BROKERS" yaml:"kafka_brokers"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" yaml:"kafka_topic"`
}

// Load reads configuration with sensible defaults. Values from the YAML file
// at path (if non-empty) override the defaults; environment variables
// override both.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("processing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Port:        "8080",
		LogLevel:    "info",
		LogFormat:   "console",
		CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},

		DBHost:    "localhost",
		DBPort:    5432,
		DBName:    "opencloudops",
		DBUser:    "oco_user",
		DBSSLMode: "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		CreditsFailOpen:    true,
		RateLimitPerMinute: 120,

		OpenAIBaseURL:   "https://api.openai.com",
		FastModel:       "gpt-4o-mini",
		DeepModel:       "gpt-4o",
		UpstreamTimeout: 60 * time.Second,
		UpstreamRPS:     5,
		UpstreamBurst:   10,

		PreviewConcurrency: 4,
		PreviewMaxAccounts: 10,

		KafkaTopic: "smartsearch.search.completed",
	}
}

// Validate checks value ranges that the loaders cannot express.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port must not be empty")
	}
	switch strings.ToLower(c.LogFormat) {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format %q (want console or json)", c.LogFormat)
	}
	if c.PreviewConcurrency < 1 {
		return fmt.Errorf("preview concurrency must be at least 1, got %d", c.PreviewConcurrency)
	}
	if c.PreviewMaxAccounts < 1 {
		return fmt.Errorf("preview max accounts must be at least 1, got %d", c.PreviewMaxAccounts)
	}
	if c.UpstreamRPS < 0 {
		return fmt.Errorf("upstream rps must not be negative")
	}
	if c.UpstreamRPS > 0 && c.UpstreamBurst < 1 {
		return fmt.Errorf("upstream burst must be at least 1 when rps is set")
	}
	if c.DefaultCreditLimit < 0 {
		return fmt.Errorf("default credit limit must not be negative")
	}
	return nil
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// RedactedDSN returns the DSN with the password masked for safe logging.
func (c *Config) RedactedDSN() string {
	return fmt.Sprintf("postgres://%s:***@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// RedisAddr returns the Redis address in host:port format.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// EventsEnabled reports whether search events should be published to Kafka.
func (c *Config) EventsEnabled() bool {
	return len(c.KafkaBrokers) > 0
}
