// Package config provides configuration management for the candle ETL.
// Configuration is assembled from defaults, an optional .env file, an optional
// YAML (or JSON) file and ETL_* environment variables, in that order, and is
// validated as a whole before anything runs.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ETL_"

// Chart sets accepted by ChartsConfig.Set.
const (
	ChartSetRequired   = "required"
	ChartSetAdditional = "additional"
	ChartSetAll        = "all"
)

// ProductPattern matches exchange product identifiers such as BTC-USD.
var ProductPattern = regexp.MustCompile(`^[A-Z0-9]+-[A-Z0-9]+$`)

// SupportedGranularities lists the bucket widths, in seconds, the exchange serves.
var SupportedGranularities = []int{60, 300, 900, 3600, 21600, 86400}

// AppConfig represents the complete application configuration
type AppConfig struct {
	AppName    string `json:"app_name" yaml:"app_name"`
	Version    string `json:"version" yaml:"version"`
	ConfigPath string `json:"-" yaml:"-"`

	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Exchange ExchangeConfig `json:"exchange" yaml:"exchange"`
	Charts   ChartsConfig   `json:"charts" yaml:"charts"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
}

// PipelineConfig selects what a run loads.
type PipelineConfig struct {
	Products    []string `json:"products" yaml:"products"`       // Products to load, in processing order
	Start       string   `json:"start" yaml:"start"`             // Window start, RFC3339 or YYYY-MM-DD
	End         string   `json:"end" yaml:"end"`                 // Window end, RFC3339 or YYYY-MM-DD
	Granularity int      `json:"granularity" yaml:"granularity"` // Candle width in seconds
	Incremental bool     `json:"incremental" yaml:"incremental"` // Resume after stored data instead of full refresh
}

// StorageConfig configures the candle store.
type StorageConfig struct {
	Type        string `json:"type" yaml:"type"`                 // "duckdb" or "memory"
	Path        string `json:"path" yaml:"path"`                 // DuckDB database file
	MemoryLimit string `json:"memory_limit" yaml:"memory_limit"` // DuckDB memory_limit, e.g. "1GB"
	Threads     int    `json:"threads" yaml:"threads"`           // DuckDB worker threads, 0 = engine default
}

// ExchangeConfig configures the Coinbase Exchange client.
type ExchangeConfig struct {
	BaseURL     string            `json:"base_url" yaml:"base_url"`     // REST API root
	RateLimit   int               `json:"rate_limit" yaml:"rate_limit"` // Requests per second
	Timeout     string            `json:"timeout" yaml:"timeout"`       // Per-request timeout
	UserAgent   string            `json:"user_agent" yaml:"user_agent"`
	RetryPolicy RetryPolicyConfig `json:"retry_policy" yaml:"retry_policy"`
}

// RetryPolicyConfig configures retry behavior
type RetryPolicyConfig struct {
	MaxAttempts     int    `json:"max_attempts" yaml:"max_attempts"`         // Attempts including the first
	InitialDelay    string `json:"initial_delay" yaml:"initial_delay"`       // Initial delay between retries
	MaxDelay        string `json:"max_delay" yaml:"max_delay"`               // Maximum delay between retries
	BackoffStrategy string `json:"backoff_strategy" yaml:"backoff_strategy"` // fixed or exponential
	Jitter          bool   `json:"jitter" yaml:"jitter"`                     // Randomize delays
}

// ChartsConfig configures chart rendering.
type ChartsConfig struct {
	Dir    string  `json:"dir" yaml:"dir"`       // Output directory
	Set    string  `json:"set" yaml:"set"`       // required, additional or all
	Width  float64 `json:"width" yaml:"width"`   // Image width in inches
	Height float64 `json:"height" yaml:"height"` // Image height in inches
}

// MetricsConfig configures run metrics.
type MetricsConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`             // Record and write metrics
	TextfilePath string `json:"textfile_path" yaml:"textfile_path"` // node_exporter textfile destination
	Namespace    string `json:"namespace" yaml:"namespace"`         // Metric name prefix
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level         string            `json:"level" yaml:"level"`             // debug, info, warn, error
	Format        string            `json:"format" yaml:"format"`           // json, text
	Output        string            `json:"output" yaml:"output"`           // stdout, stderr, file, both
	FilePath      string            `json:"file_path" yaml:"file_path"`     // Log file path
	MaxSize       int               `json:"max_size" yaml:"max_size"`       // Maximum log file size in MB
	MaxBackups    int               `json:"max_backups" yaml:"max_backups"` // Maximum rotated files kept
	MaxAge        int               `json:"max_age" yaml:"max_age"`         // Maximum log file age in days
	Compress      bool              `json:"compress" yaml:"compress"`       // Compress rotated files
	ContextFields map[string]string `json:"context_fields" yaml:"context_fields"`
}

// ConfigManager loads and validates configuration.
type ConfigManager struct {
	config     *AppConfig
	configPath string
	envFile    string
	logger     *slog.Logger
}

// NewConfigManager creates a manager reading configPath (optional) and ./.env.
func NewConfigManager(configPath string, logger *slog.Logger) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigManager{
		configPath: configPath,
		envFile:    ".env",
		logger:     logger,
	}
}

// SetEnvFile changes the dotenv file consulted by LoadConfig. Empty disables it.
func (cm *ConfigManager) SetEnvFile(path string) {
	cm.envFile = path
}

// LoadConfig loads configuration from multiple sources with priority order:
// 1. Environment variables, including those from the .env file (highest priority)
// 2. Configuration file
// 3. Default values (lowest priority)
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	config := DefaultConfig()
	config.ConfigPath = cm.configPath

	if err := cm.loadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	if cm.configPath != "" {
		if err := cm.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := cm.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	cm.config = config
	cm.logger.Debug("configuration loaded",
		"config_path", cm.configPath,
		"storage_type", config.Storage.Type,
		"products", strings.Join(config.Pipeline.Products, ","),
		"log_level", config.Logging.Level)

	return config, nil
}

// loadDotEnv exports variables from the env file without overriding ones
// already set in the process environment. A missing file is ignored.
func (cm *ConfigManager) loadDotEnv() error {
	if cm.envFile == "" {
		return nil
	}
	if _, err := os.Stat(cm.envFile); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(cm.envFile); err != nil {
		return fmt.Errorf("failed to read %s: %w", cm.envFile, err)
	}
	cm.logger.Debug("loaded environment file", "path", cm.envFile)
	return nil
}

// loadFromFile loads configuration from a YAML file. JSON files parse too.
func (cm *ConfigManager) loadFromFile(config *AppConfig) error {
	if _, err := os.Stat(cm.configPath); os.IsNotExist(err) {
		cm.logger.Debug("config file does not exist, using defaults", "path", cm.configPath)
		return nil
	}

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cm.configPath, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", cm.configPath, err)
	}

	cm.logger.Debug("loaded configuration from file", "path", cm.configPath)
	return nil
}

func lookupEnv(name string) (string, bool) {
	val, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || strings.TrimSpace(val) == "" {
		return "", false
	}
	return strings.TrimSpace(val), true
}

// loadFromEnv applies ETL_* overrides. Malformed numbers and booleans are errors.
func (cm *ConfigManager) loadFromEnv(config *AppConfig) error {
	var errs []string

	setString := func(name string, dst *string) {
		if val, ok := lookupEnv(name); ok {
			*dst = val
		}
	}
	setInt := func(name string, dst *int) {
		if val, ok := lookupEnv(name); ok {
			n, err := strconv.Atoi(val)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s must be an integer: %q", EnvPrefix, name, val))
				return
			}
			*dst = n
		}
	}
	setBool := func(name string, dst *bool) {
		if val, ok := lookupEnv(name); ok {
			b, err := strconv.ParseBool(val)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s must be a boolean: %q", EnvPrefix, name, val))
				return
			}
			*dst = b
		}
	}

	if val, ok := lookupEnv("PRODUCTS"); ok {
		config.Pipeline.Products = SplitProducts(val)
	}
	setString("START", &config.Pipeline.Start)
	setString("END", &config.Pipeline.End)
	setInt("GRANULARITY", &config.Pipeline.Granularity)
	setBool("INCREMENTAL", &config.Pipeline.Incremental)

	setString("STORAGE_TYPE", &config.Storage.Type)
	setString("DB_PATH", &config.Storage.Path)
	setString("DUCKDB_MEMORY_LIMIT", &config.Storage.MemoryLimit)
	setInt("DUCKDB_THREADS", &config.Storage.Threads)

	setString("EXCHANGE_BASE_URL", &config.Exchange.BaseURL)
	setInt("RATE_LIMIT", &config.Exchange.RateLimit)
	setString("HTTP_TIMEOUT", &config.Exchange.Timeout)
	setInt("RETRY_MAX_ATTEMPTS", &config.Exchange.RetryPolicy.MaxAttempts)

	setString("CHARTS_DIR", &config.Charts.Dir)
	setString("CHARTS", &config.Charts.Set)

	setBool("METRICS_ENABLED", &config.Metrics.Enabled)
	setString("METRICS_TEXTFILE", &config.Metrics.TextfilePath)

	setString("LOG_LEVEL", &config.Logging.Level)
	setString("LOG_FORMAT", &config.Logging.Format)
	setString("LOG_OUTPUT", &config.Logging.Output)
	setString("LOG_FILE_PATH", &config.Logging.FilePath)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment overrides:\n- %s", strings.Join(errs, "\n- "))
	}
	return nil
}

// Validate checks the configuration for consistency and required fields,
// reporting every problem at once.
func (c *AppConfig) Validate() error {
	var errors []string

	if len(c.Pipeline.Products) == 0 {
		errors = append(errors, "pipeline.products must list at least one product")
	}
	for _, p := range c.Pipeline.Products {
		if err := ValidateProduct(p); err != nil {
			errors = append(errors, "pipeline.products: "+err.Error())
		}
	}
	if _, _, err := c.Pipeline.Window(); err != nil {
		errors = append(errors, "pipeline: "+err.Error())
	}
	if !isSupportedGranularity(c.Pipeline.Granularity) {
		errors = append(errors, fmt.Sprintf("pipeline.granularity must be one of %v", SupportedGranularities))
	}

	switch c.Storage.Type {
	case "duckdb":
		if c.Storage.Path == "" {
			errors = append(errors, "storage.path is required for DuckDB storage")
		}
	case "memory":
	default:
		errors = append(errors, "storage.type must be one of: duckdb, memory")
	}
	if c.Storage.Threads < 0 {
		errors = append(errors, "storage.threads cannot be negative")
	}

	if c.Exchange.BaseURL == "" {
		errors = append(errors, "exchange.base_url is required")
	}
	if c.Exchange.RateLimit <= 0 {
		errors = append(errors, "exchange.rate_limit must be greater than 0")
	}
	if _, err := time.ParseDuration(c.Exchange.Timeout); err != nil {
		errors = append(errors, fmt.Sprintf("exchange.timeout is not a valid duration: %v", err))
	}
	if c.Exchange.RetryPolicy.MaxAttempts <= 0 {
		errors = append(errors, "exchange.retry_policy.max_attempts must be greater than 0")
	}
	for name, d := range map[string]string{
		"initial_delay": c.Exchange.RetryPolicy.InitialDelay,
		"max_delay":     c.Exchange.RetryPolicy.MaxDelay,
	} {
		if _, err := time.ParseDuration(d); err != nil {
			errors = append(errors, fmt.Sprintf("exchange.retry_policy.%s is not a valid duration: %v", name, err))
		}
	}

	switch c.Charts.Set {
	case ChartSetRequired, ChartSetAdditional, ChartSetAll:
	default:
		errors = append(errors, "charts.set must be one of: required, additional, all")
	}
	if c.Charts.Dir == "" {
		errors = append(errors, "charts.dir is required")
	}

	if c.Metrics.Enabled && c.Metrics.TextfilePath == "" {
		errors = append(errors, "metrics.textfile_path is required when metrics are enabled")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		errors = append(errors, "logging.level must be one of: debug, info, warn, error")
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		errors = append(errors, "logging.format must be one of: json, text")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errors, "\n- "))
	}
	return nil
}

// Window parses the configured start and end. It fails when start >= end.
func (p PipelineConfig) Window() (time.Time, time.Time, error) {
	start, err := ParseTime(p.Start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start: %w", err)
	}
	end, err := ParseTime(p.End)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end: %w", err)
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("start %s must be before end %s",
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return start, end, nil
}

// GranularityDuration returns the candle width as a duration.
func (p PipelineConfig) GranularityDuration() time.Duration {
	return time.Duration(p.Granularity) * time.Second
}

// ParseTime accepts RFC3339 timestamps and bare YYYY-MM-DD dates, both as UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%q is neither RFC3339 nor YYYY-MM-DD", s)
}

// ValidateProduct checks an exchange product identifier.
func ValidateProduct(product string) error {
	if !ProductPattern.MatchString(product) {
		return fmt.Errorf("invalid product identifier %q, expected BASE-QUOTE such as BTC-USD", product)
	}
	return nil
}

// SplitProducts parses a comma-separated product list, trimming blanks and
// upper-casing entries.
func SplitProducts(s string) []string {
	var products []string
	for _, p := range strings.Split(s, ",") {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p != "" {
			products = append(products, p)
		}
	}
	return products
}

func isSupportedGranularity(g int) bool {
	for _, s := range SupportedGranularities {
		if g == s {
			return true
		}
	}
	return false
}

// GetConfig returns the last loaded configuration
func (cm *ConfigManager) GetConfig() *AppConfig {
	return cm.config
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "candle-etl",
		Version: "1.0.0",
		Pipeline: PipelineConfig{
			Products:    []string{"BTC-USD", "ETH-USD"},
			Start:       "2025-11-17T00:00:00Z",
			End:         "2025-11-24T23:59:59Z",
			Granularity: 3600,
			Incremental: true,
		},
		Storage: StorageConfig{
			Type:        "duckdb",
			Path:        "coinbase.duckdb",
			MemoryLimit: "1GB",
		},
		Exchange: ExchangeConfig{
			BaseURL:   "https://api.exchange.coinbase.com",
			RateLimit: 10,
			Timeout:   "30s",
			UserAgent: "candle-etl/1.0",
			RetryPolicy: RetryPolicyConfig{
				MaxAttempts:     4,
				InitialDelay:    "1s",
				MaxDelay:        "30s",
				BackoffStrategy: "exponential",
				Jitter:          true,
			},
		},
		Charts: ChartsConfig{
			Dir:    "charts",
			Set:    ChartSetAll,
			Width:  12,
			Height: 6,
		},
		Metrics: MetricsConfig{
			Enabled:      false,
			TextfilePath: "candle_etl.prom",
			Namespace:    "candle_etl",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
			ContextFields: map[string]string{
				"service": "candle-etl",
			},
		},
	}
}

// String returns the configuration as indented JSON.
func (c *AppConfig) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
