// Package config loads dashsync settings from the environment, optionally
// seeded by a .env file. Real environment variables win over the file, and
// the file wins over built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	qs "github.com/unkn0wn-root/querysync"
)

type Config struct {
	APIURL string `mapstructure:"QS_API_URL"`
	APIKey string `mapstructure:"QS_API_KEY"`
	// Address is the wallet whose portfolio is watched; optional.
	Address string `mapstructure:"QS_ADDRESS"`

	StaleTime          time.Duration `mapstructure:"QS_STALE_TIME"`
	GCTime             time.Duration `mapstructure:"QS_GC_TIME"`
	RetryLimit         int           `mapstructure:"QS_RETRY_LIMIT"`
	RefetchInterval    time.Duration `mapstructure:"QS_REFETCH_INTERVAL"`
	RefetchOnFocus     bool          `mapstructure:"QS_REFETCH_ON_FOCUS"`
	RefetchOnReconnect bool          `mapstructure:"QS_REFETCH_ON_RECONNECT"`
	Timeout            time.Duration `mapstructure:"QS_TIMEOUT"`
	SweepInterval      time.Duration `mapstructure:"QS_SWEEP_INTERVAL"`

	// --- persistence ---
	// Persist selects the backend: none, redis, ristretto or bigcache.
	// Empty means redis when RedisAddr is set and none otherwise.
	Persist       string        `mapstructure:"QS_PERSIST"`
	RedisAddr     string        `mapstructure:"QS_REDIS_ADDR"`
	RedisPassword string        `mapstructure:"QS_REDIS_PASSWORD"`
	RedisDB       int           `mapstructure:"QS_REDIS_DB"`
	PersistTTL    time.Duration `mapstructure:"QS_PERSIST_TTL"`
	// PersistCodec encodes portfolio summaries: cbor or json.
	PersistCodec string `mapstructure:"QS_PERSIST_CODEC"`
	// PersistMaxValue caps a persisted payload on load, in bytes; 0 => no cap.
	PersistMaxValue int `mapstructure:"QS_PERSIST_MAX_VALUE"`

	// --- observability ---
	LogBackend  string `mapstructure:"QS_LOG_BACKEND"` // logrus, zap or slog
	LogLevel    string `mapstructure:"QS_LOG_LEVEL"`
	LogFormat   string `mapstructure:"QS_LOG_FORMAT"`
	MetricsAddr string `mapstructure:"QS_METRICS_ADDR"`
}

var defaults = map[string]any{
	"QS_STALE_TIME":           "0s",
	"QS_GC_TIME":              "5m",
	"QS_RETRY_LIMIT":          3,
	"QS_REFETCH_INTERVAL":     "0s",
	"QS_REFETCH_ON_FOCUS":     true,
	"QS_REFETCH_ON_RECONNECT": true,
	"QS_TIMEOUT":              "30s",
	"QS_SWEEP_INTERVAL":       "5s",
	"QS_REDIS_DB":             0,
	"QS_PERSIST_TTL":          "24h",
	"QS_PERSIST_CODEC":        "cbor",
	"QS_PERSIST_MAX_VALUE":    1 << 20,
	"QS_LOG_BACKEND":          "logrus",
	"QS_LOG_LEVEL":            "info",
	"QS_LOG_FORMAT":           "text",
}

var keys = []string{
	"QS_API_URL", "QS_API_KEY", "QS_ADDRESS",
	"QS_STALE_TIME", "QS_GC_TIME", "QS_RETRY_LIMIT", "QS_REFETCH_INTERVAL",
	"QS_REFETCH_ON_FOCUS", "QS_REFETCH_ON_RECONNECT", "QS_TIMEOUT", "QS_SWEEP_INTERVAL",
	"QS_PERSIST", "QS_REDIS_ADDR", "QS_REDIS_PASSWORD", "QS_REDIS_DB", "QS_PERSIST_TTL",
	"QS_PERSIST_CODEC", "QS_PERSIST_MAX_VALUE",
	"QS_LOG_BACKEND", "QS_LOG_LEVEL", "QS_LOG_FORMAT", "QS_METRICS_ADDR",
}

// LoadFromEnv loads ./.env when present, then the environment.
func LoadFromEnv() (*Config, error) {
	return Load(".env")
}

// Load reads envFile (skipped when it does not exist) and the environment.
// The file never modifies the process environment.
func Load(envFile string) (*Config, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			vals, err := godotenv.Read(envFile)
			if err != nil {
				return nil, fmt.Errorf("config: read %s: %w", envFile, err)
			}
			for k, val := range vals {
				v.SetDefault(k, val)
			}
		}
	}

	v.AutomaticEnv()
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unable to decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error
	if c.APIURL == "" {
		errs = append(errs, errors.New("QS_API_URL is required"))
	}
	if c.RetryLimit < -1 {
		errs = append(errs, fmt.Errorf("QS_RETRY_LIMIT must be >= -1, got %d", c.RetryLimit))
	}
	if c.RefetchInterval < 0 {
		errs = append(errs, fmt.Errorf("QS_REFETCH_INTERVAL must not be negative, got %s", c.RefetchInterval))
	}
	switch c.PersistBackend() {
	case "none", "ristretto", "bigcache":
	case "redis":
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("QS_REDIS_ADDR is required when QS_PERSIST=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("QS_PERSIST must be none, redis, ristretto or bigcache, got %q", c.Persist))
	}
	switch c.PersistCodec {
	case "cbor", "json":
	default:
		errs = append(errs, fmt.Errorf("QS_PERSIST_CODEC must be cbor or json, got %q", c.PersistCodec))
	}
	if c.PersistMaxValue < 0 {
		errs = append(errs, fmt.Errorf("QS_PERSIST_MAX_VALUE must not be negative, got %d", c.PersistMaxValue))
	}
	switch c.LogBackend {
	case "logrus", "zap", "slog":
	default:
		errs = append(errs, fmt.Errorf("QS_LOG_BACKEND must be logrus, zap or slog, got %q", c.LogBackend))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("QS_LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Policy is the engine-wide default policy described by c.
func (c *Config) Policy() qs.Policy {
	return qs.Policy{
		StaleTime:          c.StaleTime,
		GCTime:             c.GCTime,
		RetryLimit:         c.RetryLimit,
		Timeout:            c.Timeout,
		RefetchInterval:    c.RefetchInterval,
		RefetchOnFocus:     c.RefetchOnFocus,
		RefetchOnReconnect: c.RefetchOnReconnect,
	}
}

// PersistBackend resolves Persist, defaulting to redis when an address is set.
func (c *Config) PersistBackend() string {
	if c.Persist != "" {
		return strings.ToLower(c.Persist)
	}
	if c.RedisAddr != "" {
		return "redis"
	}
	return "none"
}

// PersistenceEnabled reports whether any persistence backend is selected.
func (c *Config) PersistenceEnabled() bool { return c.PersistBackend() != "none" }

// String prints the configuration with secrets masked.
func (c *Config) String() string {
	var sb strings.Builder
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "  APIURL: %s\n", c.APIURL)
	fmt.Fprintf(&sb, "  APIKey: %s\n", mask(c.APIKey))
	fmt.Fprintf(&sb, "  Address: %s\n", c.Address)
	fmt.Fprintf(&sb, "  StaleTime: %s\n", c.StaleTime)
	fmt.Fprintf(&sb, "  GCTime: %s\n", c.GCTime)
	fmt.Fprintf(&sb, "  RetryLimit: %d\n", c.RetryLimit)
	fmt.Fprintf(&sb, "  RefetchInterval: %s\n", c.RefetchInterval)
	fmt.Fprintf(&sb, "  RefetchOnFocus: %v\n", c.RefetchOnFocus)
	fmt.Fprintf(&sb, "  RefetchOnReconnect: %v\n", c.RefetchOnReconnect)
	fmt.Fprintf(&sb, "  Timeout: %s\n", c.Timeout)
	fmt.Fprintf(&sb, "  SweepInterval: %s\n", c.SweepInterval)
	fmt.Fprintf(&sb, "  Persist: %s\n", c.PersistBackend())
	fmt.Fprintf(&sb, "  RedisAddr: %s\n", c.RedisAddr)
	fmt.Fprintf(&sb, "  RedisPassword: %s\n", mask(c.RedisPassword))
	fmt.Fprintf(&sb, "  RedisDB: %d\n", c.RedisDB)
	fmt.Fprintf(&sb, "  PersistTTL: %s\n", c.PersistTTL)
	fmt.Fprintf(&sb, "  PersistCodec: %s\n", c.PersistCodec)
	fmt.Fprintf(&sb, "  PersistMaxValue: %d\n", c.PersistMaxValue)
	fmt.Fprintf(&sb, "  LogBackend: %s\n", c.LogBackend)
	fmt.Fprintf(&sb, "  LogLevel: %s\n", c.LogLevel)
	fmt.Fprintf(&sb, "  LogFormat: %s\n", c.LogFormat)
	fmt.Fprintf(&sb, "  MetricsAddr: %s\n", c.MetricsAddr)
	return sb.String()
}

func mask(secret string) string {
	if secret == "" {
		return "(empty)"
	}
	return "********"
}
