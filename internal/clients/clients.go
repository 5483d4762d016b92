// Package clients builds the exchange API clients used as price feeds.
// Keys are optional: the ticker endpoints the feeds read are public.
package clients

import (
	"context"
	"os"

	"github.com/adshao/go-binance/v2"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hirokisan/bybit/v2"
	hyperliquid "github.com/sonirico/go-hyperliquid"
)

const (
	BinanceKeyEnv    = "BINANCE_API_KEY"
	BinanceSecretEnv = "BINANCE_API_SECRET"
	BybitKeyEnv      = "BYBIT_API_KEY"
	BybitSecretEnv   = "BYBIT_API_SECRET"
)

// NewBinanceClient creates a Binance client, authenticated when keys are set in the environment.
func NewBinanceClient() *binance.Client {
	return binance.NewClient(os.Getenv(BinanceKeyEnv), os.Getenv(BinanceSecretEnv))
}

// NewBybitClient creates a Bybit client, authenticated when keys are set in the environment.
func NewBybitClient() *bybit.Client {
	client := bybit.NewClient()
	key, secret := os.Getenv(BybitKeyEnv), os.Getenv(BybitSecretEnv)
	if key != "" && secret != "" {
		client = client.WithAuth(key, secret)
	}
	return client
}

// NewHyperliquidInfo builds an Info client for baseURL. The SDK only hands out
// Info through an Exchange, so a throwaway key signs nothing and is discarded.
func NewHyperliquidInfo(ctx context.Context, baseURL string) (*hyperliquid.Info, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()

	ex := hyperliquid.NewExchange(ctx, key, baseURL, nil, "", addr, nil)
	return ex.Info(), nil
}
