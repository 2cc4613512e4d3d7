package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"priceresolver/internal/ratelimit"
)

// Config holds all configuration for the price resolver.
type Config struct {
	// Base URLs for upstream sources (configurable for testing)
	YahooQuoteBaseURL string `mapstructure:"yahoo_quote_base_url"`
	YahooChartBaseURL string `mapstructure:"yahoo_chart_base_url"`
	AMFINavURL        string `mapstructure:"amfi_nav_url"`
	MFAPIBaseURL      string `mapstructure:"mfapi_base_url"`

	RequestTimeout time.Duration              `mapstructure:"request_timeout"`
	RateLimits     map[string]ratelimit.Limit `mapstructure:"rate_limits"`

	// Resolution policy
	CacheFreshness   time.Duration `mapstructure:"cache_freshness"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RateLimitRetries int           `mapstructure:"rate_limit_retries"`
	BackoffInitial   time.Duration `mapstructure:"backoff_initial"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`

	// Source behaviour
	HistoryWindowDays int      `mapstructure:"history_window_days"`
	NAVWindowDays     int      `mapstructure:"nav_window_days"`
	ChartConcurrency  int      `mapstructure:"chart_concurrency"`
	ExchangeSuffixes  []string `mapstructure:"exchange_suffixes"`

	// Routing
	MutualFundTickers []string            `mapstructure:"mutual_fund_tickers"`
	EquityTickers     []string            `mapstructure:"equity_tickers"`
	Chains            map[string][]string `mapstructure:"chains"`

	// Background refresh
	RefreshEnabled  bool          `mapstructure:"refresh_enabled"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	RefreshTimeout  time.Duration `mapstructure:"refresh_timeout"`
	TrackedTickers  []string      `mapstructure:"tracked_tickers"`

	// Persistence; empty DatabaseURL disables it. The price_records table is
	// expected to exist unless AutoMigrate is set.
	DatabaseURL      string `mapstructure:"database_url"`
	AutoMigrate      bool   `mapstructure:"auto_migrate"`
	WriteBehindQueue int    `mapstructure:"write_behind_queue"`

	ListenAddr string `mapstructure:"listen_addr"`
	LogLevel   string `mapstructure:"log_level"`
}

// envBindings maps config keys to environment variables.
var envBindings = map[string]string{
	"yahoo_quote_base_url": "YAHOO_QUOTE_BASE_URL",
	"yahoo_chart_base_url": "YAHOO_CHART_BASE_URL",
	"amfi_nav_url":         "AMFI_NAV_URL",
	"mfapi_base_url":       "MFAPI_BASE_URL",
	"request_timeout":      "REQUEST_TIMEOUT",
	"cache_freshness":      "CACHE_FRESHNESS",
	"failure_threshold":    "FAILURE_THRESHOLD",
	"rate_limit_retries":   "RATE_LIMIT_RETRIES",
	"backoff_initial":      "BACKOFF_INITIAL",
	"backoff_max":          "BACKOFF_MAX",
	"history_window_days":  "HISTORY_WINDOW_DAYS",
	"nav_window_days":      "NAV_WINDOW_DAYS",
	"chart_concurrency":    "CHART_CONCURRENCY",
	"exchange_suffixes":    "EXCHANGE_SUFFIXES",
	"mutual_fund_tickers":  "MUTUAL_FUND_TICKERS",
	"equity_tickers":       "EQUITY_TICKERS",
	"refresh_enabled":      "REFRESH_ENABLED",
	"refresh_interval":     "REFRESH_INTERVAL",
	"refresh_timeout":      "REFRESH_TIMEOUT",
	"tracked_tickers":      "TRACKED_TICKERS",
	"database_url":         "DATABASE_URL",
	"auto_migrate":         "AUTO_MIGRATE",
	"write_behind_queue":   "WRITE_BEHIND_QUEUE",
	"listen_addr":          "LISTEN_ADDR",
	"log_level":            "LOG_LEVEL",
}

// Load reads configuration from environment variables and optional config file.
// Environment variables take precedence over config file values, which take
// precedence over defaults. Every setting has a default, so an empty
// environment yields a working configuration against the public endpoints.
func Load() (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("")
	v.AutomaticEnv()
	setDefaults(v)

	// Optionally read from config file if it exists
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.priceresolver")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	for key, env := range envBindings {
		v.BindEnv(key, env)
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("yahoo_quote_base_url", "https://query1.finance.yahoo.com")
	v.SetDefault("yahoo_chart_base_url", "https://query2.finance.yahoo.com")
	v.SetDefault("amfi_nav_url", "https://www.amfiindia.com/spages/NAVAll.txt")
	v.SetDefault("mfapi_base_url", "https://api.mfapi.in")

	v.SetDefault("request_timeout", 10*time.Second)
	v.SetDefault("rate_limits", map[string]any{
		"live-equity":       map[string]any{"per_second": 2, "burst": 2},
		"historical-equity": map[string]any{"per_second": 2, "burst": 4},
		"mf-nav":            map[string]any{"per_second": 1, "burst": 2},
	})

	v.SetDefault("cache_freshness", 60*time.Second)
	v.SetDefault("failure_threshold", 5)
	v.SetDefault("rate_limit_retries", 3)
	v.SetDefault("backoff_initial", 500*time.Millisecond)
	v.SetDefault("backoff_max", 10*time.Second)

	v.SetDefault("history_window_days", 30)
	v.SetDefault("nav_window_days", 5)
	v.SetDefault("chart_concurrency", 4)
	v.SetDefault("exchange_suffixes", []string{".NS", ".BO"})

	v.SetDefault("refresh_enabled", true)
	v.SetDefault("refresh_interval", time.Hour)
	v.SetDefault("refresh_timeout", 10*time.Minute)

	v.SetDefault("auto_migrate", false)
	v.SetDefault("write_behind_queue", 256)
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var invalid []string
	check := func(ok bool, name string) {
		if !ok {
			invalid = append(invalid, name)
		}
	}

	check(c.YahooQuoteBaseURL != "", "YAHOO_QUOTE_BASE_URL")
	check(c.YahooChartBaseURL != "", "YAHOO_CHART_BASE_URL")
	check(c.AMFINavURL != "", "AMFI_NAV_URL")
	check(c.MFAPIBaseURL != "", "MFAPI_BASE_URL")
	check(c.RequestTimeout > 0, "REQUEST_TIMEOUT")
	check(c.CacheFreshness > 0, "CACHE_FRESHNESS")
	check(c.FailureThreshold > 0, "FAILURE_THRESHOLD")
	check(c.RateLimitRetries >= 0, "RATE_LIMIT_RETRIES")
	check(c.BackoffInitial > 0, "BACKOFF_INITIAL")
	check(c.BackoffMax >= c.BackoffInitial, "BACKOFF_MAX")
	check(c.HistoryWindowDays > 0, "HISTORY_WINDOW_DAYS")
	check(c.NAVWindowDays > 0, "NAV_WINDOW_DAYS")
	check(c.ChartConcurrency > 0, "CHART_CONCURRENCY")
	check(len(c.ExchangeSuffixes) > 0, "EXCHANGE_SUFFIXES")
	check(c.RefreshInterval >= time.Second, "REFRESH_INTERVAL")
	check(c.RefreshTimeout > 0, "REFRESH_TIMEOUT")
	check(c.WriteBehindQueue > 0, "WRITE_BEHIND_QUEUE")
	_, err := ParseLogLevel(c.LogLevel)
	check(err == nil, "LOG_LEVEL")

	if len(invalid) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(invalid, ", "))
	}
	return nil
}

// ParseLogLevel maps debug, info, warn and error to slog levels.
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}
