package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds process configuration.
type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	MinAge         uint8         `yaml:"min_age"`
	MaxConcurrent  int           `yaml:"max_concurrent"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	Ledger        string `yaml:"ledger"` // memory | sqlite | postgres | redis
	DatabaseURL   string `yaml:"database_url"`
	SQLitePath    string `yaml:"sqlite_path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	LedgerSecret  string `yaml:"ledger_secret"`

	Provider         string `yaml:"provider"` // static | token
	ProviderPath     string `yaml:"provider_path"`
	TokenIssuer      string `yaml:"token_issuer"`
	TokenPublicKey   string `yaml:"token_public_key"`
	DisciplinePolicy string `yaml:"discipline_policy"`

	RateRPS   float64 `yaml:"rate_rps"`
	RateBurst int     `yaml:"rate_burst"`

	ArchiveStore    string `yaml:"archive_store"` // fs | s3 | gcs
	ArchiveDir      string `yaml:"archive_dir"`
	ArchiveBucket   string `yaml:"archive_bucket"`
	ArchiveRegion   string `yaml:"archive_region"`
	ArchiveEndpoint string `yaml:"archive_endpoint"`
	ArchivePrefix   string `yaml:"archive_prefix"`

	OTelEnabled  bool   `yaml:"otel_enabled"`
	OTelEndpoint string `yaml:"otel_endpoint"`
	OTelInsecure bool   `yaml:"otel_insecure"`

	Tools []ToolConfig `yaml:"tools"`
}

// ToolConfig declares one executor to register at startup.
type ToolConfig struct {
	Name             string   `yaml:"name"`
	Kind             string   `yaml:"kind"` // builtin | wasm
	Path             string   `yaml:"path,omitempty"`
	Schema           string   `yaml:"schema,omitempty"`
	MemoryLimitBytes int64    `yaml:"memory_limit_bytes,omitempty"`
	Capabilities     []string `yaml:"capabilities,omitempty"`
}

// Default returns the development defaults.
func Default() *Config {
	return &Config{
		Port:           "8080",
		LogLevel:       "INFO",
		MinAge:         21,
		MaxConcurrent:  10,
		DefaultTimeout: 30 * time.Second,
		Ledger:         "memory",
		DatabaseURL:    "postgres://cybulous@localhost:5432/cybulous?sslmode=disable",
		SQLitePath:     "data/cybulous.db",
		RedisAddr:      "localhost:6379",
		Provider:       "static",
		RateRPS:        20,
		RateBurst:      40,
		ArchiveStore:   "fs",
		ArchiveDir:     "data/snapshots",
		OTelEndpoint:   "localhost:4317",
		Tools:          []ToolConfig{{Name: "echo", Kind: "builtin"}},
	}
}

// Load loads configuration from environment variables over the defaults.
func Load() (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a YAML file over the defaults, then applies environment overrides.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	str("PORT", &c.Port)
	str("LOG_LEVEL", &c.LogLevel)
	str("CYBULOUS_LEDGER", &c.Ledger)
	str("DATABASE_URL", &c.DatabaseURL)
	str("CYBULOUS_SQLITE_PATH", &c.SQLitePath)
	str("REDIS_ADDR", &c.RedisAddr)
	str("REDIS_PASSWORD", &c.RedisPassword)
	str("CYBULOUS_LEDGER_SECRET", &c.LedgerSecret)
	str("CYBULOUS_PROVIDER", &c.Provider)
	str("CYBULOUS_PROVIDER_PATH", &c.ProviderPath)
	str("CYBULOUS_TOKEN_ISSUER", &c.TokenIssuer)
	str("CYBULOUS_TOKEN_PUBLIC_KEY", &c.TokenPublicKey)
	str("CYBULOUS_DISCIPLINE_POLICY", &c.DisciplinePolicy)
	str("CYBULOUS_ARCHIVE_STORE", &c.ArchiveStore)
	str("CYBULOUS_ARCHIVE_DIR", &c.ArchiveDir)
	str("CYBULOUS_ARCHIVE_BUCKET", &c.ArchiveBucket)
	str("CYBULOUS_ARCHIVE_ENDPOINT", &c.ArchiveEndpoint)
	str("CYBULOUS_ARCHIVE_PREFIX", &c.ArchivePrefix)
	str("AWS_REGION", &c.ArchiveRegion)
	str("CYBULOUS_ARCHIVE_REGION", &c.ArchiveRegion)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTelEndpoint)
	boolean("OTEL_ENABLED", &c.OTelEnabled)
	boolean("OTEL_INSECURE", &c.OTelInsecure)

	if v := os.Getenv("CYBULOUS_MIN_AGE"); v != "" {
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return fmt.Errorf("CYBULOUS_MIN_AGE: %w", err)
		}
		c.MinAge = uint8(n)
	}
	if v := os.Getenv("CYBULOUS_MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CYBULOUS_MAX_CONCURRENT: %w", err)
		}
		c.MaxConcurrent = n
	}
	if v := os.Getenv("CYBULOUS_DEFAULT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CYBULOUS_DEFAULT_TIMEOUT: %w", err)
		}
		c.DefaultTimeout = d
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_DB: %w", err)
		}
		c.RedisDB = n
	}
	if v := os.Getenv("CYBULOUS_RATE_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("CYBULOUS_RATE_RPS: %w", err)
		}
		c.RateRPS = f
	}
	if v := os.Getenv("CYBULOUS_RATE_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CYBULOUS_RATE_BURST: %w", err)
		}
		c.RateBurst = n
	}
	return nil
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	switch c.Ledger {
	case "memory", "sqlite", "redis":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("ledger postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown ledger backend %q", c.Ledger)
	}

	switch c.Provider {
	case "static":
	case "token":
		if c.ProviderPath == "" || c.TokenPublicKey == "" {
			return fmt.Errorf("provider token requires CYBULOUS_PROVIDER_PATH and CYBULOUS_TOKEN_PUBLIC_KEY")
		}
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}

	switch c.ArchiveStore {
	case "fs":
	case "s3", "gcs":
		if c.ArchiveBucket == "" {
			return fmt.Errorf("archive store %s requires CYBULOUS_ARCHIVE_BUCKET", c.ArchiveStore)
		}
	default:
		return fmt.Errorf("unknown archive store %q", c.ArchiveStore)
	}

	if c.MinAge == 0 {
		return fmt.Errorf("min age must be positive")
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max concurrent must be positive, got %d", c.MaxConcurrent)
	}
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("default timeout must be positive, got %s", c.DefaultTimeout)
	}

	seen := make(map[string]bool, len(c.Tools))
	for _, t := range c.Tools {
		if t.Name == "" {
			return fmt.Errorf("tool with empty name")
		}
		if seen[t.Name] {
			return fmt.Errorf("tool %q declared twice", t.Name)
		}
		seen[t.Name] = true
		switch t.Kind {
		case "builtin":
		case "wasm":
			if t.Path == "" {
				return fmt.Errorf("wasm tool %q requires a path", t.Name)
			}
		default:
			return fmt.Errorf("tool %q has unknown kind %q", t.Name, t.Kind)
		}
	}
	return nil
}

// SlogLevel maps LogLevel onto slog. Unknown values mean INFO.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
