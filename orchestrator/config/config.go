// Package config loads environment-driven configuration for the orchestrator.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every environment-supplied setting the core reads. Per the
// external interfaces contract, configuration is the only process-level
// surface the core owns; the HTTP edge configures itself separately.
type Config struct {
	Env      string
	LogLevel string

	ModelBackendURL string
	BackendTimeout  time.Duration

	CacheURL string

	AnthropicAPIKey string
	OpenAIAPIKey    string
	GoogleAPIKey    string
	BraveAPIKey     string

	DefaultModel string

	SQLiteStatsPath string

	CatalogRefreshInterval time.Duration
}

// Load reads configuration from the environment, applying a .env file first
// if present. A missing .env file is not an error.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Env:                    getEnv("ORCHESTRATOR_ENV", "development"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		ModelBackendURL:        getEnv("MODEL_BACKEND_URL", "http://localhost:11434"),
		BackendTimeout:         time.Duration(getEnvInt("MODEL_BACKEND_TIMEOUT_SEC", 120)) * time.Second,
		CacheURL:               getEnv("CACHE_URL", ""),
		AnthropicAPIKey:        getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:           getEnv("OPENAI_API_KEY", ""),
		GoogleAPIKey:           getEnv("GOOGLE_API_KEY", ""),
		BraveAPIKey:            getEnv("BRAVE_API_KEY", ""),
		DefaultModel:           getEnv("ORCHESTRATOR_DEFAULT_MODEL", "llama2:7b-chat"),
		SQLiteStatsPath:        getEnv("ORCHESTRATOR_STATS_DB", "orchestrator-stats.db"),
		CatalogRefreshInterval: time.Duration(getEnvInt("ORCHESTRATOR_CATALOG_REFRESH_SEC", 300)) * time.Second,
	}
}

// IsProduction reports whether the process is configured for production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
