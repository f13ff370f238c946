package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, configPath string) *ConfigManager {
	t.Helper()
	cm := NewConfigManager(configPath, createTestLogger())
	cm.SetEnvFile("")
	return cm
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "candle-etl", config.AppName)
	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, config.Pipeline.Products)
	assert.Equal(t, 3600, config.Pipeline.Granularity)
	assert.True(t, config.Pipeline.Incremental)
	assert.Equal(t, "duckdb", config.Storage.Type)
	assert.Equal(t, "coinbase.duckdb", config.Storage.Path)
	assert.Equal(t, "https://api.exchange.coinbase.com", config.Exchange.BaseURL)
	assert.Equal(t, "charts", config.Charts.Dir)
	assert.Equal(t, ChartSetAll, config.Charts.Set)
	assert.NoError(t, config.Validate())

	start, end, err := config.Pipeline.Window()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 11, 17, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2025, 11, 24, 23, 59, 59, 0, time.UTC), end)
	assert.Equal(t, time.Hour, config.Pipeline.GranularityDuration())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *AppConfig)
		msg    string
	}{
		{"no products", func(c *AppConfig) { c.Pipeline.Products = nil }, "pipeline.products must list at least one product"},
		{"bad product", func(c *AppConfig) { c.Pipeline.Products = []string{"btc_usd"} }, "invalid product identifier"},
		{"start after end", func(c *AppConfig) { c.Pipeline.Start = "2025-12-01" }, "must be before end"},
		{"start equals end", func(c *AppConfig) { c.Pipeline.End = c.Pipeline.Start }, "must be before end"},
		{"bad date", func(c *AppConfig) { c.Pipeline.End = "tomorrow" }, "invalid end"},
		{"bad granularity", func(c *AppConfig) { c.Pipeline.Granularity = 7 }, "pipeline.granularity must be one of"},
		{"bad storage type", func(c *AppConfig) { c.Storage.Type = "postgres" }, "storage.type must be one of"},
		{"missing db path", func(c *AppConfig) { c.Storage.Path = "" }, "storage.path is required"},
		{"bad rate limit", func(c *AppConfig) { c.Exchange.RateLimit = 0 }, "exchange.rate_limit must be greater than 0"},
		{"bad timeout", func(c *AppConfig) { c.Exchange.Timeout = "soon" }, "exchange.timeout is not a valid duration"},
		{"bad attempts", func(c *AppConfig) { c.Exchange.RetryPolicy.MaxAttempts = 0 }, "max_attempts must be greater than 0"},
		{"bad chart set", func(c *AppConfig) { c.Charts.Set = "some" }, "charts.set must be one of"},
		{"metrics without path", func(c *AppConfig) { c.Metrics.Enabled = true; c.Metrics.TextfilePath = "" }, "metrics.textfile_path is required"},
		{"bad log level", func(c *AppConfig) { c.Logging.Level = "loud" }, "logging.level must be one of"},
		{"bad log format", func(c *AppConfig) { c.Logging.Format = "xml" }, "logging.format must be one of"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			err := config.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "configuration validation errors")
			assert.Contains(t, err.Error(), tt.msg)
		})
	}

	t.Run("memory storage needs no path", func(t *testing.T) {
		config := DefaultConfig()
		config.Storage.Type = "memory"
		config.Storage.Path = ""
		assert.NoError(t, config.Validate())
	})

	t.Run("collects every problem", func(t *testing.T) {
		config := DefaultConfig()
		config.Logging.Level = "loud"
		config.Exchange.RateLimit = -1
		err := config.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logging.level")
		assert.Contains(t, err.Error(), "exchange.rate_limit")
	})
}

func TestLoadConfig_DefaultsWithoutFile(t *testing.T) {
	cm := newTestManager(t, filepath.Join(t.TempDir(), "missing.yaml"))

	config, err := cm.LoadConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Pipeline, config.Pipeline)
	assert.Same(t, config, cm.GetConfig())
}

func TestLoadConfig_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etl.yaml")
	content := `
pipeline:
  products: [SOL-USD]
  start: "2025-01-01"
  end: "2025-01-02T12:00:00Z"
  granularity: 900
  incremental: false
storage:
  path: /tmp/test.duckdb
charts:
  set: required
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	config, err := newTestManager(t, path).LoadConfig(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"SOL-USD"}, config.Pipeline.Products)
	assert.Equal(t, 900, config.Pipeline.Granularity)
	assert.False(t, config.Pipeline.Incremental)
	assert.Equal(t, "/tmp/test.duckdb", config.Storage.Path)
	assert.Equal(t, ChartSetRequired, config.Charts.Set)
	assert.Equal(t, "debug", config.Logging.Level)
	// untouched sections keep their defaults
	assert.Equal(t, 10, config.Exchange.RateLimit)
	assert.Equal(t, path, config.ConfigPath)
}

func TestLoadConfig_JSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etl.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"exchange": {"rate_limit": 3}}`), 0644))

	config, err := newTestManager(t, path).LoadConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, config.Exchange.RateLimit)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline: [unclosed"), 0644))

	_, err := newTestManager(t, path).LoadConfig(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("ETL_PRODUCTS", " btc-usd , sol-usd ,")
	t.Setenv("ETL_DB_PATH", "/data/override.duckdb")
	t.Setenv("ETL_RATE_LIMIT", "4")
	t.Setenv("ETL_INCREMENTAL", "false")
	t.Setenv("ETL_LOG_LEVEL", "warn")

	config, err := newTestManager(t, "").LoadConfig(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"BTC-USD", "SOL-USD"}, config.Pipeline.Products)
	assert.Equal(t, "/data/override.duckdb", config.Storage.Path)
	assert.Equal(t, 4, config.Exchange.RateLimit)
	assert.False(t, config.Pipeline.Incremental)
	assert.Equal(t, "warn", config.Logging.Level)
}

func TestLoadConfig_EnvOverrideErrors(t *testing.T) {
	t.Setenv("ETL_RATE_LIMIT", "fast")
	t.Setenv("ETL_METRICS_ENABLED", "sometimes")

	_, err := newTestManager(t, "").LoadConfig(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ETL_RATE_LIMIT must be an integer")
	assert.Contains(t, err.Error(), "ETL_METRICS_ENABLED must be a boolean")
}

func TestLoadConfig_DotEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("ETL_CHARTS_DIR="+filepath.Join(dir, "out")+"\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("ETL_CHARTS_DIR") })

	cm := NewConfigManager("", createTestLogger())
	cm.SetEnvFile(envFile)

	config, err := cm.LoadConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "out"), config.Charts.Dir)
}

func TestParseTime(t *testing.T) {
	ts, err := ParseTime("2025-11-17")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 11, 17, 0, 0, 0, 0, time.UTC), ts)

	ts, err = ParseTime("2025-11-17T05:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 11, 17, 3, 0, 0, 0, time.UTC), ts)

	_, err = ParseTime("17/11/2025")
	assert.Error(t, err)
}

func TestValidateProduct(t *testing.T) {
	for _, p := range []string{"BTC-USD", "ETH-USD", "1INCH-EUR"} {
		assert.NoError(t, ValidateProduct(p), p)
	}
	for _, p := range []string{"", "btc-usd", "BTCUSD", "BTC-USD-X", "BTC/USD", " BTC-USD"} {
		assert.Error(t, ValidateProduct(p), p)
	}
}

func TestSplitProducts(t *testing.T) {
	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, SplitProducts("btc-usd,ETH-USD"))
	assert.Empty(t, SplitProducts(" , "))
}
