package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Providers
	OpenAIAPIKey      string
	GeminiAPIKey      string
	AnthropicAPIKey   string
	TogetherAIAPIKey  string
	OpenRouterAPIKey  string
	OpenAIBaseURL     string
	OpenRouterBaseURL string
	TogetherAIBaseURL string

	// Observability
	OTELExporterType     string // "stdout", "otlp" or "none"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Logging
	LogLevel  string // default: "info"
	LogFormat string // "text" or "json"

	// Stats worker
	StatsFlushInterval   time.Duration // default: 1s
	StatsPersistTimeout  time.Duration // default: 10s
	StatsShutdownTimeout time.Duration // default: 5s

	// Rate limiting
	DefaultRateLimitTPM int64 // per user, tokens per minute, default: 100000
	EnforceModelTPM     bool  // also enforce each model's tokens-per-minute hint

	// Seeding
	AdminEmail  string
	AdminAPIKey string
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		TogetherAIAPIKey:     os.Getenv("TOGETHERAI_API_KEY"),
		OpenRouterAPIKey:     os.Getenv("OPENROUTER_API_KEY"),
		OpenAIBaseURL:        getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenRouterBaseURL:    getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		TogetherAIBaseURL:    getEnv("TOGETHERAI_BASE_URL", "https://api.together.xyz/v1"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "text"),
		AdminEmail:           os.Getenv("ADMIN_EMAIL"),
		AdminAPIKey:          os.Getenv("ADMIN_API_KEY"),
	}

	var err error
	if cfg.StatsFlushInterval, err = getDuration("STATS_FLUSH_INTERVAL", time.Second); err != nil {
		return nil, err
	}
	if cfg.StatsPersistTimeout, err = getDuration("STATS_PERSIST_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.StatsShutdownTimeout, err = getDuration("STATS_SHUTDOWN_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}

	tpm, err := strconv.ParseInt(getEnv("DEFAULT_RATE_LIMIT_TPM", "100000"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	cfg.DefaultRateLimitTPM = tpm

	enforce, err := strconv.ParseBool(getEnv("ENFORCE_MODEL_TPM", "false"))
	if err != nil {
		return nil, fmt.Errorf("invalid ENFORCE_MODEL_TPM: %w", err)
	}
	cfg.EnforceModelTPM = enforce

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.StatsFlushInterval <= 0 {
		return nil, fmt.Errorf("STATS_FLUSH_INTERVAL must be positive")
	}

	return cfg, nil
}

// LookupEnv reports provider credential availability. A variable that is set
// but blank counts as absent.
func LookupEnv(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}
	return value, true
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
