// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Store backends
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config holds settings shared by every careflow service
type Config struct {
	Port             string        `mapstructure:"PORT"`
	Env              string        `mapstructure:"ENV"`
	DatabaseURL      string        `mapstructure:"DATABASE_URL"`
	StoreBackend     string        `mapstructure:"STORE_BACKEND"`
	KafkaBrokers     []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaGroup       string        `mapstructure:"KAFKA_GROUP"`
	APITokens        string        `mapstructure:"API_TOKENS"`
	LogLevel         string        `mapstructure:"LOG_LEVEL"`
	InferenceURL     string        `mapstructure:"INFERENCE_URL"`
	InferenceTimeout time.Duration `mapstructure:"INFERENCE_TIMEOUT"`
	OTLPEndpoint     string        `mapstructure:"OTLP_ENDPOINT"`
	TracingEnabled   bool          `mapstructure:"TRACING_ENABLED"`
	RateLimitRPS     float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst   int           `mapstructure:"RATE_LIMIT_BURST"`
	Timezone         string        `mapstructure:"TIMEZONE"`
	Workers          int           `mapstructure:"WORKERS"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "STORE_BACKEND", "KAFKA_BROKERS", "KAFKA_GROUP",
	"API_TOKENS", "LOG_LEVEL", "INFERENCE_URL", "INFERENCE_TIMEOUT", "OTLP_ENDPOINT",
	"TRACING_ENABLED", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "TIMEZONE", "WORKERS",
}

// Load reads configuration for the named service. port is the service's
// default listen port.
func Load(port string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", port)
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_BACKEND", BackendMemory)
	v.SetDefault("KAFKA_BROKERS", "localhost:19092")
	v.SetDefault("KAFKA_GROUP", "careflow-status-ingest")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("INFERENCE_URL", "http://localhost:8000")
	v.SetDefault("INFERENCE_TIMEOUT", "120s")
	v.SetDefault("OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("TIMEZONE", "Asia/Kolkata")
	v.SetDefault("WORKERS", 4)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.KafkaBrokers = splitList(strings.Join(cfg.KafkaBrokers, ","))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration can run
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is %q", BackendPostgres)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendMemory, BackendPostgres, c.StoreBackend)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.Tokens(); err != nil {
		return err
	}
	return nil
}

// IsDev reports whether the service runs in development mode
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Location resolves TIMEZONE, the zone booking days and slot labels use
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Tokens parses API_TOKENS ("token:userID,token:userID") into a token to
// user map. In development an empty value yields a single demo token.
func (c *Config) Tokens() (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range splitList(c.APITokens) {
		token, user, ok := strings.Cut(pair, ":")
		token, user = strings.TrimSpace(token), strings.TrimSpace(user)
		if !ok || token == "" || user == "" {
			return nil, fmt.Errorf("invalid API_TOKENS entry %q, want token:userID", pair)
		}
		out[token] = user
	}
	if len(out) == 0 && c.IsDev() {
		out["demo-token"] = "demo-patient"
	}
	return out, nil
}

// NewLogger builds a production zap logger at LOG_LEVEL
func (c *Config) NewLogger() (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if c.LogLevel != "" {
		level, err := zap.ParseAtomicLevel(c.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
