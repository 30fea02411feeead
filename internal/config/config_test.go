package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable Load reads; empty values mean "unset".
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "LOG_LEVEL", "DATABASE_URL", "REDIS_URL", "SQLITE_PATH", "CACHE_TTL",
		"PRICE_SOURCE", "PRICE_CSV_DIR", "PRICE_CSV_FALLBACK", "OPENAI_API_KEY", "OPENAI_MODEL",
		"LLM_MAX_RETRIES", "SIGNAL_CONCURRENCY", "BACKTEST_SCHEDULE", "SCHEDULED_TICKERS",
		"SCHEDULED_ANALYSTS", "SCHEDULED_LOOKBACK_DAYS", "SCHEDULED_INITIAL_CASH",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, PriceSourceYahoo, cfg.PriceSource)
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
	assert.Equal(t, 3, cfg.LLMMaxRetries)
	assert.Equal(t, 8, cfg.SignalConcurrency)
	assert.Empty(t, cfg.BacktestSchedule)
	assert.True(t, cfg.ScheduledInitialCash.Equal(decimal.NewFromInt(100000)))
}

func TestLoad_FromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("CACHE_TTL", "2m")
	t.Setenv("PRICE_SOURCE", "CSV")
	t.Setenv("PRICE_CSV_DIR", "/data/prices")
	t.Setenv("SIGNAL_CONCURRENCY", "4")
	t.Setenv("BACKTEST_SCHEDULE", "0 30 17 * * MON-FRI")
	t.Setenv("SCHEDULED_TICKERS", "AAPL, MSFT,,NVDA ")
	t.Setenv("SCHEDULED_ANALYSTS", "technical,warren_buffett")
	t.Setenv("SCHEDULED_LOOKBACK_DAYS", "60")
	t.Setenv("SCHEDULED_INITIAL_CASH", "25000.50")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, PriceSourceCSV, cfg.PriceSource)
	assert.Equal(t, "/data/prices", cfg.PriceCSVDir)
	assert.Equal(t, 2*time.Minute, cfg.CacheTTL)
	assert.Equal(t, 4, cfg.SignalConcurrency)
	assert.Equal(t, []string{"AAPL", "MSFT", "NVDA"}, cfg.ScheduledTickers)
	assert.Equal(t, []string{"technical", "warren_buffett"}, cfg.ScheduledAnalysts)
	assert.Equal(t, 60, cfg.ScheduledLookbackDays)
	assert.Equal(t, "25000.5", cfg.ScheduledInitialCash.String())
}

func TestLoad_MalformedNumbersFallBackToDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "eighty")
	t.Setenv("CACHE_TTL", "soon")
	t.Setenv("PRICE_CSV_FALLBACK", "maybe")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
	assert.False(t, cfg.CSVFallback)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Port:                  8080,
			PriceSource:           PriceSourceYahoo,
			PriceCSVDir:           "./data",
			LLMMaxRetries:         3,
			SignalConcurrency:     8,
			ScheduledLookbackDays: 30,
			ScheduledInitialCash:  decimal.NewFromInt(1000),
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Port = 0 }},
		{"price source", func(c *Config) { c.PriceSource = "bloomberg" }},
		{"csv without dir", func(c *Config) { c.PriceSource = PriceSourceCSV; c.PriceCSVDir = "" }},
		{"fallback without dir", func(c *Config) { c.CSVFallback = true; c.PriceCSVDir = "" }},
		{"retries", func(c *Config) { c.LLMMaxRetries = 0 }},
		{"concurrency", func(c *Config) { c.SignalConcurrency = 0 }},
		{"schedule without tickers", func(c *Config) {
			c.BacktestSchedule = "@daily"
			c.ScheduledAnalysts = []string{"technical"}
		}},
		{"schedule with zero cash", func(c *Config) {
			c.BacktestSchedule = "@daily"
			c.ScheduledTickers = []string{"AAPL"}
			c.ScheduledAnalysts = []string{"technical"}
			c.ScheduledInitialCash = decimal.Zero
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestSlogLevel(t *testing.T) {
	for in, want := range map[string]string{"debug": "DEBUG", "WARN": "WARN", "error": "ERROR", "": "INFO", "loud": "INFO"} {
		c := &Config{LogLevel: in}
		assert.Equal(t, want, c.SlogLevel().String(), in)
	}
}
