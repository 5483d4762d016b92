// Command vault runs the multi-asset ledger: account balances, alias based
// transfers, withdrawals settled in the background and rate-locked conversions.
//
// Usage:
//
//	vault --config config.yaml
//	vault --setup (interactive wizard, writes config.gen.yaml)
//	vault (built-in defaults: WAL storage, static prices)
//
// Environment variables, optionally loaded from .env:
//
//	VAULT_POSTGRES_DSN for postgres storage
//	BINANCE_API_KEY, BINANCE_API_SECRET, BYBIT_API_KEY, BYBIT_API_SECRET (optional)
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/vadiminshakov/vault/config"
	"github.com/vadiminshakov/vault/internal/app"
	"github.com/vadiminshakov/vault/internal/setup"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("failed to load .env: %v", err)
	}

	cfg, err := config.Get()
	if err != nil {
		log.Fatal(err)
	}

	if cfg.Setup {
		path, err := setup.RunTUI()
		if err != nil {
			log.Fatal(err)
		}
		if cfg, err = config.Parse([]string{"--config", path}); err != nil {
			log.Fatal(err)
		}
	}

	logger, err := newLogger(cfg.LogDevelopment)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to start vault", zap.Error(err))
	}
	defer a.Close()

	logger.Info("vault started",
		zap.String("addr", cfg.Web.Addr),
		zap.String("storage", cfg.Ledger.Storage),
		zap.String("pricing", cfg.Pricing.Platform),
		zap.Strings("assets", cfg.Symbols()))

	if err := a.Run(ctx); err != nil {
		logger.Error("vault stopped with error", zap.Error(err))
		return
	}
	logger.Info("vault stopped")
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
