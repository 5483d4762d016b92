package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)

	assert.Equal(t, PlatformStatic, cfg.Pricing.Platform)
	assert.Equal(t, "USDT", cfg.Pricing.QuoteCurrency)
	assert.Equal(t, 18*time.Second, cfg.Conversion.LockWindow)
	assert.True(t, decimal.RequireFromString("0.001").Equal(cfg.Conversion.FeeRate))
	assert.Equal(t, 15*time.Second, cfg.Pricing.RefreshInterval)
	assert.Equal(t, 5, cfg.Ledger.MaxRetries)
	assert.Equal(t, []string{"BNB", "BTC", "ETH", "USDT"}, cfg.Symbols())

	bep20 := cfg.Assets["BTC"].Networks["bep20"]
	assert.Equal(t, "BNB", bep20.FeeAsset)
	assert.True(t, decimal.RequireFromString("0.074").Equal(bep20.FeeAmount))
	assert.True(t, bep20.EVM)
}

func TestParse_FlagOverrides(t *testing.T) {
	cfg, err := Parse([]string{"--wal-dir", "/tmp/w", "--addr", ":9999", "--pricing", "binance", "--setup"})
	require.NoError(t, err)

	assert.Equal(t, "/tmp/w", cfg.Ledger.WALDir)
	assert.Equal(t, ":9999", cfg.Web.Addr)
	assert.Equal(t, PlatformBinance, cfg.Pricing.Platform)
	assert.True(t, cfg.Setup)
}

func TestParse_Hyperliquid(t *testing.T) {
	cfg, err := Parse([]string{"--pricing", "HyperLiquid"})
	require.NoError(t, err)

	assert.Equal(t, PlatformHyperliquid, cfg.Pricing.Platform)
	assert.Equal(t, DefaultHyperliquidURL, cfg.Pricing.HyperliquidURL)
}

func TestParse_Yaml(t *testing.T) {
	content := `
pricing:
  platform: bybit
  quote_currency: usdt
conversion:
  lock_window: 30s
  fee: "0.002"
  allow_stale: true
assets:
  - symbol: btc
    minimum: "0.001"
    max_per_day:
      default: "1"
      verified: "3"
    networks:
      - name: Bitcoin
        fee_amount: "0.0002"
        address_pattern: '^bc1[a-z0-9]{8,87}$'
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Parse([]string{"--config", path})
	require.NoError(t, err)

	assert.Equal(t, PlatformBybit, cfg.Pricing.Platform)
	assert.Equal(t, 30*time.Second, cfg.Conversion.LockWindow)
	assert.True(t, cfg.Conversion.AllowStale)
	assert.Empty(t, cfg.Conversion.FeeAccount)

	btc, ok := cfg.Assets["BTC"]
	require.True(t, ok)
	network := btc.Networks["bitcoin"]
	assert.Equal(t, "BTC", network.FeeAsset)
	require.NotNil(t, network.AddressPattern)
	assert.True(t, network.AddressPattern.MatchString("bc1qxy2kgdygjrsqtzq2n0yrf2493p83kkfjhx0wlh"))

	max, ok := btc.DailyMaximum("verified")
	require.True(t, ok)
	assert.True(t, decimal.NewFromInt(3).Equal(max))

	max, ok = btc.DailyMaximum("unknown-tier")
	require.True(t, ok)
	assert.True(t, decimal.NewFromInt(1).Equal(max))
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ConfigTmp)
	}{
		{"unknown platform", func(c *ConfigTmp) { c.Pricing.Platform = "kraken" }},
		{"unknown storage", func(c *ConfigTmp) { c.Ledger.Storage = "sqlite" }},
		{"bad fee", func(c *ConfigTmp) { c.Conversion.Fee = "abc" }},
		{"fee out of range", func(c *ConfigTmp) { c.Conversion.Fee = "1.5" }},
		{"no assets", func(c *ConfigTmp) { c.Assets = nil }},
		{"bad static price", func(c *ConfigTmp) { c.Pricing.StaticPrices = map[string]string{"BTC": "-1"} }},
		{"unknown fee asset", func(c *ConfigTmp) { c.Assets[0].Networks[0].FeeAsset = "DOGE" }},
		{"bad pattern", func(c *ConfigTmp) { c.Assets[0].Networks[0].AddressPattern = "([" }},
		{"duplicate asset", func(c *ConfigTmp) { c.Assets = append(c.Assets, c.Assets[0]) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmp := DefaultTmp()
			tt.mutate(&tmp)
			_, err := tmp.Build()
			assert.Error(t, err)
		})
	}
}
