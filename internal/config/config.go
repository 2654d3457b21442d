// Package config loads service settings from a .env file, an optional YAML
// file and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/tradetracker/portfolio-engine/internal/coin"
)

// Price sources.
const (
	SourceBinance = "binance"
	SourceStatic  = "static"
)

// Config holds the settings of the server and the CLI.
type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	QuoteAsset        string `yaml:"quote_asset"`
	DefaultFeePercent string `yaml:"default_fee_percent"`

	PriceSource      string        `yaml:"price_source"`
	PriceCacheTTL    time.Duration `yaml:"price_cache_ttl"`
	PriceTimeout     time.Duration `yaml:"price_timeout"`
	StaticPrices     string        `yaml:"static_prices"` // BTC=100,ETH=10
	BinanceAPIKey    string        `yaml:"binance_api_key"`
	BinanceSecretKey string        `yaml:"binance_secret_key"`

	PositionsCacheTTL time.Duration `yaml:"positions_cache_ttl"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	// DefaultFee is DefaultFeePercent parsed by Validate.
	DefaultFee decimal.Decimal `yaml:"-"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Port:              "8080",
		QuoteAsset:        coin.DefaultQuote,
		DefaultFeePercent: "0.02",
		PriceSource:       SourceBinance,
		PriceCacheTTL:     30 * time.Second,
		PriceTimeout:      3 * time.Second,
		PositionsCacheTTL: 30 * time.Second,
		LogLevel:          "info",
	}
}

// Load reads .env (if present), then CONFIG_FILE (if set), then the
// environment, and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"PORT":                &c.Port,
		"DATABASE_URL":        &c.DatabaseURL,
		"REDIS_URL":           &c.RedisURL,
		"QUOTE_ASSET":         &c.QuoteAsset,
		"DEFAULT_FEE_PERCENT": &c.DefaultFeePercent,
		"PRICE_SOURCE":        &c.PriceSource,
		"STATIC_PRICES":       &c.StaticPrices,
		"BINANCE_API_KEY":     &c.BinanceAPIKey,
		"BINANCE_SECRET_KEY":  &c.BinanceSecretKey,
		"LOG_LEVEL":           &c.LogLevel,
		"LOG_FILE":            &c.LogFile,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"PRICE_CACHE_TTL":     &c.PriceCacheTTL,
		"PRICE_TIMEOUT":       &c.PriceTimeout,
		"POSITIONS_CACHE_TTL": &c.PositionsCacheTTL,
	}
	for key, dst := range durations {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}
	return nil
}

// Validate checks the settings and fills the derived fields.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	c.QuoteAsset = strings.ToUpper(strings.TrimSpace(c.QuoteAsset))
	if _, err := coin.Normalize(c.QuoteAsset); err != nil {
		return fmt.Errorf("quote_asset: %w", err)
	}

	fee, err := decimal.NewFromString(c.DefaultFeePercent)
	if err != nil {
		return fmt.Errorf("default_fee_percent: %w", err)
	}
	if fee.IsNegative() || fee.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return fmt.Errorf("default_fee_percent must be in [0, 100), got %s", fee)
	}
	c.DefaultFee = fee

	c.PriceSource = strings.ToLower(c.PriceSource)
	switch c.PriceSource {
	case SourceBinance, SourceStatic:
	default:
		return fmt.Errorf("price_source must be %q or %q, got %q", SourceBinance, SourceStatic, c.PriceSource)
	}

	for name, d := range map[string]time.Duration{
		"price_cache_ttl":     c.PriceCacheTTL,
		"price_timeout":       c.PriceTimeout,
		"positions_cache_ttl": c.PositionsCacheTTL,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}
	return nil
}
