package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "USDT", cfg.QuoteAsset)
	assert.Equal(t, "0.02", cfg.DefaultFee.String())
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "portfolio.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "9000"
price_source: static
static_prices: "BTC=100"
price_cache_ttl: 1m
default_fee_percent: "0.1"
`), 0o644))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "9100")
	t.Setenv("PRICE_TIMEOUT", "500ms")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9100", cfg.Port, "env overrides file")
	assert.Equal(t, SourceStatic, cfg.PriceSource)
	assert.Equal(t, "BTC=100", cfg.StaticPrices)
	assert.Equal(t, time.Minute, cfg.PriceCacheTTL)
	assert.Equal(t, 500*time.Millisecond, cfg.PriceTimeout)
	assert.Equal(t, "0.1", cfg.DefaultFee.String())
}

func TestApplyEnv_BadDuration(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(func(key string) (string, bool) {
		if key == "PRICE_CACHE_TTL" {
			return "soon", true
		}
		return "", false
	})
	assert.ErrorContains(t, err, "PRICE_CACHE_TTL")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"fee of 100", func(c *Config) { c.DefaultFeePercent = "100" }},
		{"negative fee", func(c *Config) { c.DefaultFeePercent = "-1" }},
		{"non numeric fee", func(c *Config) { c.DefaultFeePercent = "abc" }},
		{"unknown source", func(c *Config) { c.PriceSource = "coingecko" }},
		{"negative ttl", func(c *Config) { c.PriceCacheTTL = -time.Second }},
		{"bad quote", func(c *Config) { c.QuoteAsset = "US-D" }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"no port", func(c *Config) { c.Port = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_NormalizesCase(t *testing.T) {
	cfg := Default()
	cfg.QuoteAsset = " usdc "
	cfg.PriceSource = "STATIC"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "USDC", cfg.QuoteAsset)
	assert.Equal(t, SourceStatic, cfg.PriceSource)
}
