// Package config loads server and CLI settings from the environment, with an
// optional .env file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Price sources.
const (
	PriceSourceYahoo = "yahoo"
	PriceSourceCSV   = "csv"
)

// Config holds application configuration.
type Config struct {
	Port     int
	LogLevel string

	// Storage. DATABASE_URL wins over SQLITE_PATH; with neither the server
	// keeps runs in memory.
	DatabaseURL string
	RedisURL    string
	SQLitePath  string
	CacheTTL    time.Duration

	PriceSource string
	PriceCSVDir string
	// CSVFallback chains the CSV directory behind Yahoo.
	CSVFallback bool

	OpenAIAPIKey      string
	OpenAIModel       string
	LLMMaxRetries     int
	SignalConcurrency int

	// Scheduled trailing-window backtests. Empty schedule disables them.
	BacktestSchedule      string
	ScheduledTickers      []string
	ScheduledAnalysts     []string
	ScheduledLookbackDays int
	ScheduledInitialCash  decimal.Decimal
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnvAsInt("PORT", 8080),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		RedisURL:              getEnv("REDIS_URL", ""),
		SQLitePath:            getEnv("SQLITE_PATH", ""),
		CacheTTL:              getEnvAsDuration("CACHE_TTL", 30*time.Second),
		PriceSource:           strings.ToLower(getEnv("PRICE_SOURCE", PriceSourceYahoo)),
		PriceCSVDir:           getEnv("PRICE_CSV_DIR", "./data/prices"),
		CSVFallback:           getEnvAsBool("PRICE_CSV_FALLBACK", false),
		OpenAIAPIKey:          getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:           getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		LLMMaxRetries:         getEnvAsInt("LLM_MAX_RETRIES", 3),
		SignalConcurrency:     getEnvAsInt("SIGNAL_CONCURRENCY", 8),
		BacktestSchedule:      getEnv("BACKTEST_SCHEDULE", ""),
		ScheduledTickers:      getEnvAsList("SCHEDULED_TICKERS"),
		ScheduledAnalysts:     getEnvAsList("SCHEDULED_ANALYSTS"),
		ScheduledLookbackDays: getEnvAsInt("SCHEDULED_LOOKBACK_DAYS", 30),
		ScheduledInitialCash:  getEnvAsDecimal("SCHEDULED_INITIAL_CASH", decimal.NewFromInt(100000)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and combinations.
func (c *Config) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("PORT %d out of range", c.Port)
	case c.PriceSource != PriceSourceYahoo && c.PriceSource != PriceSourceCSV:
		return fmt.Errorf("PRICE_SOURCE must be %q or %q, got %q", PriceSourceYahoo, PriceSourceCSV, c.PriceSource)
	case (c.PriceSource == PriceSourceCSV || c.CSVFallback) && c.PriceCSVDir == "":
		return fmt.Errorf("PRICE_CSV_DIR is required for CSV prices")
	case c.LLMMaxRetries < 1:
		return fmt.Errorf("LLM_MAX_RETRIES must be at least 1")
	case c.SignalConcurrency < 1:
		return fmt.Errorf("SIGNAL_CONCURRENCY must be at least 1")
	}
	if c.BacktestSchedule != "" {
		if len(c.ScheduledTickers) == 0 || len(c.ScheduledAnalysts) == 0 {
			return fmt.Errorf("BACKTEST_SCHEDULE needs SCHEDULED_TICKERS and SCHEDULED_ANALYSTS")
		}
		if c.ScheduledLookbackDays < 1 {
			return fmt.Errorf("SCHEDULED_LOOKBACK_DAYS must be at least 1")
		}
		if !c.ScheduledInitialCash.IsPositive() {
			return fmt.Errorf("SCHEDULED_INITIAL_CASH must be positive")
		}
	}
	return nil
}

// SlogLevel maps LOG_LEVEL onto a slog level; unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvAsList splits a comma-separated value, dropping blanks.
func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
