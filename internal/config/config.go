// Package config loads runtime configuration from environment variables,
// Docker-style secret files, and an optional YAML overlay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the process-wide configuration assembled at startup and passed
// explicitly to every component. There is no module-level mutable state.
type Config struct {
	Telegram  TelegramConfig  `yaml:"telegram"`
	Provider  ProviderConfig  `yaml:"provider"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Billing   BillingConfig   `yaml:"billing"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// TelegramConfig configures the transport adapter.
type TelegramConfig struct {
	Token string `yaml:"-"`
}

// ProviderConfig configures the LLM provider client.
type ProviderConfig struct {
	APIKey           string        `yaml:"-"`
	DefaultModel     string        `yaml:"default_model"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	FilesAPITTLHours int           `yaml:"files_api_ttl_hours"`
}

// DatabaseConfig configures the Postgres connection pool.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Name     string `yaml:"name"`
	Password string `yaml:"-"`

	// MaxOpenConns is base pool plus overflow (5 + 10).
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DSN renders the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		d.Host, d.Port, d.User, d.Password, d.Name)
}

// RedisConfig configures the cache client.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"-"`
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// BillingConfig holds balance policy knobs.
type BillingConfig struct {
	// MinimumBalanceForRequest is the strict lower bound for admitting a new
	// request. May be negative to permit a single overshoot.
	MinimumBalanceForRequest decimal.Decimal `yaml:"-"`

	// ToolCostPrecheckEnabled gates the per-tool balance precheck.
	ToolCostPrecheckEnabled bool `yaml:"tool_cost_precheck_enabled"`
}

// PipelineConfig holds conversation pipeline knobs.
type PipelineConfig struct {
	// DebounceMs is the batching window for inbound messages.
	DebounceMs int `yaml:"debounce_ms"`

	// MaxConcurrentPerUser bounds parallel turns per user.
	MaxConcurrentPerUser int `yaml:"max_concurrent_per_user"`

	// QueueTimeout bounds how long a turn waits for a user slot.
	QueueTimeout time.Duration `yaml:"queue_timeout"`

	// UploadDrainTimeout bounds the wait for in-flight media uploads.
	UploadDrainTimeout time.Duration `yaml:"upload_drain_timeout"`

	// ParallelFileMetadata relaxes the sequential DB metadata resolution
	// before parallel downloads. Default false: the shared session is not
	// safe for concurrent use.
	ParallelFileMetadata bool `yaml:"parallel_file_metadata"`

	// TopicNamingEnabled turns on forum topic auto-naming.
	TopicNamingEnabled bool `yaml:"topic_naming_enabled"`

	// TopicNamingModel is the model used for topic titles.
	TopicNamingModel string `yaml:"topic_naming_model"`

	// PrivilegedUserIDs may use admin commands.
	PrivilegedUserIDs []int64 `yaml:"privileged_user_ids"`
}

// TelemetryConfig configures logging and the metrics endpoint.
type TelemetryConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Load assembles configuration from the environment. Secrets are read from
// *_FILE paths when set, falling back to the plain variable. If yamlPath is
// non-empty the file is parsed first and environment values override it.
func Load(yamlPath string) (*Config, error) {
	cfg := defaults()

	if yamlPath != "" {
		raw, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.Telegram.Token = secret("TELEGRAM_BOT_TOKEN")
	cfg.Provider.APIKey = secret("ANTHROPIC_API_KEY")
	cfg.Database.Password = secret("POSTGRES_PASSWORD")
	cfg.Redis.Password = secret("REDIS_PASSWORD")

	applyEnvString("DATABASE_HOST", &cfg.Database.Host)
	applyEnvInt("DATABASE_PORT", &cfg.Database.Port)
	applyEnvString("DATABASE_USER", &cfg.Database.User)
	applyEnvString("DATABASE_NAME", &cfg.Database.Name)

	applyEnvString("REDIS_HOST", &cfg.Redis.Host)
	applyEnvInt("REDIS_PORT", &cfg.Redis.Port)
	applyEnvInt("REDIS_DB", &cfg.Redis.DB)

	applyEnvString("DEFAULT_MODEL", &cfg.Provider.DefaultModel)
	applyEnvInt("FILES_API_TTL_HOURS", &cfg.Provider.FilesAPITTLHours)

	if v := os.Getenv("MINIMUM_BALANCE_FOR_REQUEST"); v != "" {
		min, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("parse MINIMUM_BALANCE_FOR_REQUEST: %w", err)
		}
		cfg.Billing.MinimumBalanceForRequest = min
	}
	applyEnvBool("TOOL_COST_PRECHECK_ENABLED", &cfg.Billing.ToolCostPrecheckEnabled)
	applyEnvBool("TOPIC_NAMING_ENABLED", &cfg.Pipeline.TopicNamingEnabled)
	applyEnvString("TOPIC_NAMING_MODEL", &cfg.Pipeline.TopicNamingModel)
	applyEnvBool("FILES_PARALLEL_METADATA", &cfg.Pipeline.ParallelFileMetadata)

	if v := os.Getenv("PRIVILEGED_USER_IDS"); v != "" {
		ids, err := parseIDList(v)
		if err != nil {
			return nil, fmt.Errorf("parse PRIVILEGED_USER_IDS: %w", err)
		}
		cfg.Pipeline.PrivilegedUserIDs = ids
	}

	applyEnvString("LOG_LEVEL", &cfg.Telemetry.LogLevel)
	applyEnvString("LOG_FORMAT", &cfg.Telemetry.LogFormat)
	applyEnvString("METRICS_ADDR", &cfg.Telemetry.MetricsAddr)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Provider: ProviderConfig{
			DefaultModel:     "claude-sonnet-4-20250514",
			MaxRetries:       3,
			RetryDelay:       time.Second,
			FilesAPITTLHours: 24,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "castellan",
			Name:            "castellan",
			MaxOpenConns:    15,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		Billing: BillingConfig{
			MinimumBalanceForRequest: decimal.RequireFromString("-0.25"),
			ToolCostPrecheckEnabled:  true,
		},
		Pipeline: PipelineConfig{
			DebounceMs:           200,
			MaxConcurrentPerUser: 2,
			QueueTimeout:         30 * time.Second,
			UploadDrainTimeout:   30 * time.Second,
			TopicNamingModel:     "claude-3-haiku-20240307",
		},
		Telemetry: TelemetryConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsAddr: ":9090",
		},
	}
}

func (c *Config) validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram bot token is required")
	}
	if c.Provider.APIKey == "" {
		return fmt.Errorf("provider API key is required")
	}
	if c.Pipeline.DebounceMs < 0 {
		return fmt.Errorf("debounce_ms must be >= 0")
	}
	if c.Pipeline.MaxConcurrentPerUser <= 0 {
		c.Pipeline.MaxConcurrentPerUser = 2
	}
	return nil
}

// secret reads NAME_FILE as a file path when set, otherwise falls back to
// the NAME environment variable. File contents are trimmed of trailing
// whitespace so mounted secrets with a newline work as-is.
func secret(name string) string {
	if path := os.Getenv(name + "_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err == nil {
			return strings.TrimSpace(string(raw))
		}
	}
	return strings.TrimSpace(os.Getenv(name))
}

func applyEnvString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func applyEnvInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func applyEnvBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func parseIDList(raw string) ([]int64, error) {
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
