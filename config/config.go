package config

import (
	"flag"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	PlatformBinance     = "binance"
	PlatformBybit       = "bybit"
	PlatformHyperliquid = "hyperliquid"
	PlatformStatic      = "static"

	DefaultHyperliquidURL = "https://api.hyperliquid.xyz"

	StorageWAL      = "wal"
	StoragePostgres = "postgres"

	DefaultTier = "default"

	// PostgresDSNEnv holds the database DSN; it is never read from yaml.
	PostgresDSNEnv = "VAULT_POSTGRES_DSN"
)

type Config struct {
	Pricing    Pricing
	Conversion Conversion
	Ledger     Ledger
	Alias      Alias
	Settlement Settlement
	Web        Web
	Assets     map[string]Asset

	LogDevelopment bool
	// Setup is set by --setup: run the wizard instead of the service.
	Setup bool
}

type Pricing struct {
	Platform        string
	QuoteCurrency   string
	RefreshInterval time.Duration
	TTL             time.Duration
	StaticPrices    map[string]decimal.Decimal
	HyperliquidURL  string
}

type Conversion struct {
	LockWindow time.Duration
	FeeRate    decimal.Decimal
	// FeeAccount receives conversion fees; empty means fees are burned.
	FeeAccount string
	AllowStale bool
	Retention  time.Duration
}

type Ledger struct {
	Storage     string
	WALDir      string
	MaxRetries  int
	PostgresDSN string
}

type Alias struct {
	Min         uint64
	Max         uint64
	MaxAttempts int
}

type Settlement struct {
	Tick        time.Duration
	SubmitDelay time.Duration
	SettleDelay time.Duration
	// RejectAddresses are refused by the simulated rail on submission.
	RejectAddresses []string
	// BounceAddresses are accepted and then reported rejected while processing.
	BounceAddresses []string
}

type Web struct {
	Addr       string
	TLSDomains []string
	CertCache  string
}

// Asset withdrawal policy for one asset.
type Asset struct {
	Symbol    string
	Minimum   decimal.Decimal
	MaxPerDay map[string]decimal.Decimal
	Networks  map[string]Network
}

// DailyMaximum returns the limit for tier, falling back to the default tier.
func (a Asset) DailyMaximum(tier string) (decimal.Decimal, bool) {
	if tier != "" {
		if max, ok := a.MaxPerDay[tier]; ok {
			return max, true
		}
	}
	max, ok := a.MaxPerDay[DefaultTier]
	return max, ok
}

// Network withdrawal rail for an asset: gas fee and destination syntax.
type Network struct {
	Name           string
	FeeAsset       string
	FeeAmount      decimal.Decimal
	AddressPattern *regexp.Regexp
	EVM            bool
}

type ConfigTmp struct {
	Pricing    PricingTmp    `yaml:"pricing"`
	Conversion ConversionTmp `yaml:"conversion"`
	Ledger     LedgerTmp     `yaml:"ledger"`
	Alias      AliasTmp      `yaml:"alias,omitempty"`
	Settlement SettlementTmp `yaml:"settlement"`
	Web        WebTmp        `yaml:"web"`
	Log        LogTmp        `yaml:"log,omitempty"`
	Assets     []AssetTmp    `yaml:"assets"`
}

type PricingTmp struct {
	Platform        string            `yaml:"platform"`
	QuoteCurrency   string            `yaml:"quote_currency"`
	RefreshInterval time.Duration     `yaml:"refresh_interval,omitempty"`
	TTL             time.Duration     `yaml:"ttl,omitempty"`
	StaticPrices    map[string]string `yaml:"static_prices,omitempty"`
	HyperliquidURL  string            `yaml:"hyperliquid_url,omitempty"`
}

type ConversionTmp struct {
	LockWindow time.Duration `yaml:"lock_window,omitempty"`
	Fee        string        `yaml:"fee,omitempty"`
	FeeAccount string        `yaml:"fee_account,omitempty"`
	AllowStale bool          `yaml:"allow_stale,omitempty"`
	Retention  time.Duration `yaml:"retention,omitempty"`
}

type LedgerTmp struct {
	Storage    string `yaml:"storage,omitempty"`
	WALDir     string `yaml:"wal_dir,omitempty"`
	MaxRetries int    `yaml:"max_retries,omitempty"`
}

type AliasTmp struct {
	Min         uint64 `yaml:"min,omitempty"`
	Max         uint64 `yaml:"max,omitempty"`
	MaxAttempts int    `yaml:"max_attempts,omitempty"`
}

type SettlementTmp struct {
	Tick        time.Duration `yaml:"tick,omitempty"`
	SubmitDelay time.Duration `yaml:"submit_delay,omitempty"`
	SettleDelay time.Duration `yaml:"settle_delay,omitempty"`

	RejectAddresses []string `yaml:"reject_addresses,omitempty"`
	BounceAddresses []string `yaml:"bounce_addresses,omitempty"`
}

type WebTmp struct {
	Addr       string   `yaml:"addr,omitempty"`
	TLSDomains []string `yaml:"tls_domains,omitempty"`
	CertCache  string   `yaml:"cert_cache,omitempty"`
}

type LogTmp struct {
	Development bool `yaml:"development,omitempty"`
}

type AssetTmp struct {
	Symbol    string            `yaml:"symbol"`
	Minimum   string            `yaml:"minimum"`
	MaxPerDay map[string]string `yaml:"max_per_day"`
	Networks  []NetworkTmp      `yaml:"networks"`
}

type NetworkTmp struct {
	Name           string `yaml:"name"`
	FeeAsset       string `yaml:"fee_asset"`
	FeeAmount      string `yaml:"fee_amount"`
	AddressPattern string `yaml:"address_pattern,omitempty"`
	EVM            bool   `yaml:"evm,omitempty"`
}

func Get() (Config, error) {
	return Parse(os.Args[1:])
}

// Parse reads flags from args; --config loads yaml, otherwise the built-in defaults are used.
func Parse(args []string) (Config, error) {
	fs := flag.NewFlagSet("vault", flag.ContinueOnError)
	path := fs.String("config", "", "path to yaml config")
	setup := fs.Bool("setup", false, "run the interactive config wizard")
	walDir := fs.String("wal-dir", "", "ledger WAL directory, overrides config")
	addr := fs.String("addr", "", "http listen address, overrides config")
	pricing := fs.String("pricing", "", "pricing platform (binance, bybit, hyperliquid, static), overrides config")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	tmp := DefaultTmp()
	if *path != "" {
		f, err := os.ReadFile(*path)
		if err != nil {
			return Config{}, err
		}
		tmp = ConfigTmp{}
		if err := yaml.Unmarshal(f, &tmp); err != nil {
			return Config{}, err
		}
	}

	if *walDir != "" {
		tmp.Ledger.WALDir = *walDir
	}
	if *addr != "" {
		tmp.Web.Addr = *addr
	}
	if *pricing != "" {
		tmp.Pricing.Platform = *pricing
	}

	cfg, err := tmp.Build()
	if err != nil {
		return Config{}, err
	}
	cfg.Setup = *setup
	cfg.Ledger.PostgresDSN = os.Getenv(PostgresDSNEnv)
	if cfg.Ledger.Storage == StoragePostgres && cfg.Ledger.PostgresDSN == "" {
		return Config{}, fmt.Errorf("%s must be set for postgres storage", PostgresDSNEnv)
	}

	return cfg, nil
}

// Build validates the raw yaml form and applies defaults.
func (c ConfigTmp) Build() (Config, error) {
	cfg := Config{
		Pricing: Pricing{
			Platform:        strings.ToLower(orDefault(c.Pricing.Platform, PlatformStatic)),
			QuoteCurrency:   normalize(orDefault(c.Pricing.QuoteCurrency, "USDT")),
			RefreshInterval: durationOr(c.Pricing.RefreshInterval, 15*time.Second),
			TTL:             durationOr(c.Pricing.TTL, time.Minute),
			StaticPrices:    make(map[string]decimal.Decimal),
			HyperliquidURL:  orDefault(c.Pricing.HyperliquidURL, DefaultHyperliquidURL),
		},
		Conversion: Conversion{
			LockWindow: durationOr(c.Conversion.LockWindow, 18*time.Second),
			FeeAccount: c.Conversion.FeeAccount,
			AllowStale: c.Conversion.AllowStale,
			Retention:  durationOr(c.Conversion.Retention, 5*time.Minute),
		},
		Ledger: Ledger{
			Storage:    strings.ToLower(orDefault(c.Ledger.Storage, StorageWAL)),
			WALDir:     orDefault(c.Ledger.WALDir, "./wal/ledger"),
			MaxRetries: c.Ledger.MaxRetries,
		},
		Alias: Alias{
			Min:         c.Alias.Min,
			Max:         c.Alias.Max,
			MaxAttempts: c.Alias.MaxAttempts,
		},
		Settlement: Settlement{
			Tick:        durationOr(c.Settlement.Tick, 2*time.Second),
			SubmitDelay: durationOr(c.Settlement.SubmitDelay, 5*time.Second),
			SettleDelay: durationOr(c.Settlement.SettleDelay, 30*time.Second),

			RejectAddresses: c.Settlement.RejectAddresses,
			BounceAddresses: c.Settlement.BounceAddresses,
		},
		Web: Web{
			Addr:       orDefault(c.Web.Addr, ":8080"),
			TLSDomains: c.Web.TLSDomains,
			CertCache:  orDefault(c.Web.CertCache, "./certs"),
		},
		Assets:         make(map[string]Asset, len(c.Assets)),
		LogDevelopment: c.Log.Development,
	}

	switch cfg.Pricing.Platform {
	case PlatformBinance, PlatformBybit, PlatformHyperliquid, PlatformStatic:
	default:
		return Config{}, fmt.Errorf("incorrect 'pricing.platform' param in yaml config: %s", c.Pricing.Platform)
	}
	switch cfg.Ledger.Storage {
	case StorageWAL, StoragePostgres:
	default:
		return Config{}, fmt.Errorf("incorrect 'ledger.storage' param in yaml config: %s", c.Ledger.Storage)
	}
	if cfg.Ledger.MaxRetries <= 0 {
		cfg.Ledger.MaxRetries = 5
	}

	if c.Conversion.Fee == "" {
		cfg.Conversion.FeeRate = decimal.RequireFromString("0.001")
	} else {
		fee, err := decimal.NewFromString(c.Conversion.Fee)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'conversion.fee' param in yaml config (must be a decimal), error: %w", err)
		}
		if fee.IsNegative() || fee.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return Config{}, fmt.Errorf("incorrect 'conversion.fee' param in yaml config: must be in [0, 1)")
		}
		cfg.Conversion.FeeRate = fee
	}

	for symbol, raw := range c.Pricing.StaticPrices {
		price, err := decimal.NewFromString(raw)
		if err != nil || !price.IsPositive() {
			return Config{}, fmt.Errorf("incorrect static price for %s in yaml config: %q", symbol, raw)
		}
		cfg.Pricing.StaticPrices[normalize(symbol)] = price
	}

	if len(c.Assets) == 0 {
		return Config{}, fmt.Errorf("at least one asset must be configured")
	}
	for _, a := range c.Assets {
		asset, err := a.build()
		if err != nil {
			return Config{}, err
		}
		if _, dup := cfg.Assets[asset.Symbol]; dup {
			return Config{}, fmt.Errorf("asset %s configured twice", asset.Symbol)
		}
		cfg.Assets[asset.Symbol] = asset
	}
	for _, asset := range cfg.Assets {
		for _, n := range asset.Networks {
			if _, ok := cfg.Assets[n.FeeAsset]; !ok {
				return Config{}, fmt.Errorf("fee asset %s of %s/%s is not a configured asset", n.FeeAsset, asset.Symbol, n.Name)
			}
		}
	}

	return cfg, nil
}

func (a AssetTmp) build() (Asset, error) {
	symbol := normalize(a.Symbol)
	if symbol == "" {
		return Asset{}, fmt.Errorf("asset symbol cannot be empty")
	}

	asset := Asset{
		Symbol:    symbol,
		Minimum:   decimal.Zero,
		MaxPerDay: make(map[string]decimal.Decimal, len(a.MaxPerDay)),
		Networks:  make(map[string]Network, len(a.Networks)),
	}

	if a.Minimum != "" {
		min, err := decimal.NewFromString(a.Minimum)
		if err != nil || min.IsNegative() {
			return Asset{}, fmt.Errorf("incorrect 'minimum' for asset %s in yaml config: %q", symbol, a.Minimum)
		}
		asset.Minimum = min
	}
	for tier, raw := range a.MaxPerDay {
		max, err := decimal.NewFromString(raw)
		if err != nil || !max.IsPositive() {
			return Asset{}, fmt.Errorf("incorrect 'max_per_day.%s' for asset %s in yaml config: %q", tier, symbol, raw)
		}
		asset.MaxPerDay[strings.ToLower(tier)] = max
	}

	for _, n := range a.Networks {
		name := strings.ToLower(strings.TrimSpace(n.Name))
		if name == "" {
			return Asset{}, fmt.Errorf("network name cannot be empty for asset %s", symbol)
		}
		fee, err := decimal.NewFromString(orDefault(n.FeeAmount, "0"))
		if err != nil || fee.IsNegative() {
			return Asset{}, fmt.Errorf("incorrect 'fee_amount' for %s/%s in yaml config: %q", symbol, name, n.FeeAmount)
		}
		network := Network{
			Name:      name,
			FeeAsset:  normalize(orDefault(n.FeeAsset, symbol)),
			FeeAmount: fee,
			EVM:       n.EVM,
		}
		if n.AddressPattern != "" {
			re, err := regexp.Compile(n.AddressPattern)
			if err != nil {
				return Asset{}, fmt.Errorf("incorrect 'address_pattern' for %s/%s: %w", symbol, name, err)
			}
			network.AddressPattern = re
		}
		asset.Networks[name] = network
	}

	return asset, nil
}

// Symbols returns configured asset symbols in sorted order.
func (c Config) Symbols() []string {
	out := make([]string, 0, len(c.Assets))
	for symbol := range c.Assets {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// DefaultTmp returns the built-in configuration used when no yaml file is given.
func DefaultTmp() ConfigTmp {
	return ConfigTmp{
		Pricing: PricingTmp{
			Platform:        PlatformStatic,
			QuoteCurrency:   "USDT",
			RefreshInterval: 15 * time.Second,
			TTL:             time.Minute,
			StaticPrices: map[string]string{
				"BTC": "60000",
				"ETH": "3000",
				"BNB": "600",
			},
		},
		Conversion: ConversionTmp{
			LockWindow: 18 * time.Second,
			Fee:        "0.001",
			FeeAccount: "treasury",
			Retention:  5 * time.Minute,
		},
		Ledger: LedgerTmp{
			Storage:    StorageWAL,
			WALDir:     "./wal/ledger",
			MaxRetries: 5,
		},
		Settlement: SettlementTmp{
			Tick:        2 * time.Second,
			SubmitDelay: 5 * time.Second,
			SettleDelay: 30 * time.Second,
		},
		Web: WebTmp{Addr: ":8080"},
		Assets: []AssetTmp{
			{
				Symbol:    "USDT",
				Minimum:   "10",
				MaxPerDay: map[string]string{DefaultTier: "10000", "verified": "100000"},
				Networks: []NetworkTmp{
					{Name: "erc20", FeeAsset: "ETH", FeeAmount: "0.002", EVM: true},
					{Name: "trc20", FeeAsset: "USDT", FeeAmount: "1", AddressPattern: `^T[1-9A-HJ-NP-Za-km-z]{33}$`},
				},
			},
			{
				Symbol:    "BTC",
				Minimum:   "0.0005",
				MaxPerDay: map[string]string{DefaultTier: "0.5", "verified": "5"},
				Networks: []NetworkTmp{
					{Name: "bitcoin", FeeAsset: "BTC", FeeAmount: "0.0001", AddressPattern: `^(bc1[02-9ac-hj-np-z]{11,71}|[13][1-9A-HJ-NP-Za-km-z]{25,34})$`},
					{Name: "bep20", FeeAsset: "BNB", FeeAmount: "0.074", EVM: true},
				},
			},
			{
				Symbol:    "ETH",
				Minimum:   "0.005",
				MaxPerDay: map[string]string{DefaultTier: "10", "verified": "100"},
				Networks: []NetworkTmp{
					{Name: "erc20", FeeAsset: "ETH", FeeAmount: "0.002", EVM: true},
				},
			},
			{
				Symbol:    "BNB",
				Minimum:   "0.01",
				MaxPerDay: map[string]string{DefaultTier: "50", "verified": "500"},
				Networks: []NetworkTmp{
					{Name: "bep20", FeeAsset: "BNB", FeeAmount: "0.0005", EVM: true},
				},
			},
		},
	}
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func durationOr(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
