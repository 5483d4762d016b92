// Package app wires storage, pricing and the ledger services together and
// runs the background loops next to the HTTP server.
package app

import (
	"context"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/vault/config"
	"github.com/vadiminshakov/vault/internal/clients"
	"github.com/vadiminshakov/vault/internal/domain"
	"github.com/vadiminshakov/vault/internal/events"
	"github.com/vadiminshakov/vault/internal/services/alias"
	"github.com/vadiminshakov/vault/internal/services/conversion"
	"github.com/vadiminshakov/vault/internal/services/ledger"
	"github.com/vadiminshakov/vault/internal/services/pricer"
	"github.com/vadiminshakov/vault/internal/services/settlement"
	"github.com/vadiminshakov/vault/internal/services/transfer"
	"github.com/vadiminshakov/vault/internal/services/withdrawal"
	"github.com/vadiminshakov/vault/internal/storage/accounts"
	"github.com/vadiminshakov/vault/internal/storage/postgres"
	"github.com/vadiminshakov/vault/internal/web"
)

const (
	eventBuffer  = 64
	eventBacklog = 1024
)

type store interface {
	ledger.Store
	io.Closer
}

// App is a fully wired vault instance.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store       store
	directory   *alias.Directory
	events      *events.Broadcaster
	ledger      *ledger.Ledger
	rates       *pricer.RateCache
	conversions *conversion.Engine
	withdrawals *withdrawal.Service
	scheduler   *withdrawal.Scheduler
	server      *web.Server
}

// New opens storage, loads the alias directory and builds every service.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}

	st, err := openStore(ctx, cfg.Ledger, logger)
	if err != nil {
		return nil, err
	}
	a.store = st

	a.directory = alias.NewDirectory(st,
		alias.WithLogger(logger.Named("alias")),
		alias.WithSpace(cfg.Alias.Min, cfg.Alias.Max),
		alias.WithMaxAttempts(cfg.Alias.MaxAttempts))
	if err := a.directory.Start(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	a.events = events.NewBroadcaster(eventBuffer, eventBacklog)

	a.ledger, err = ledger.New(st, a.directory,
		ledger.WithLogger(logger.Named("ledger")),
		ledger.WithPublisher(a.events),
		ledger.WithMaxRetries(cfg.Ledger.MaxRetries))
	if err != nil {
		a.Close()
		return nil, err
	}

	if err := a.ensureAccount(ctx, cfg.Conversion.FeeAccount); err != nil {
		a.Close()
		return nil, err
	}

	source, err := newPriceSource(ctx, cfg.Pricing)
	if err != nil {
		a.Close()
		return nil, err
	}

	symbols := cfg.Symbols()
	a.rates = pricer.NewRateCache(source, cfg.Pricing.QuoteCurrency, symbols,
		pricer.WithTTL(cfg.Pricing.TTL),
		pricer.WithRefreshInterval(cfg.Pricing.RefreshInterval),
		pricer.WithLogger(logger.Named("pricer")))

	a.conversions = conversion.NewEngine(a.ledger, a.rates, symbols,
		conversion.WithLockWindow(cfg.Conversion.LockWindow),
		conversion.WithRetention(cfg.Conversion.Retention),
		conversion.WithFeeRate(cfg.Conversion.FeeRate),
		conversion.WithFeeAccount(cfg.Conversion.FeeAccount),
		conversion.WithAllowStale(cfg.Conversion.AllowStale),
		conversion.WithLogger(logger.Named("conversion")))

	a.withdrawals = withdrawal.NewService(a.ledger, cfg.Assets, logger.Named("withdrawal"))
	simOpts := []settlement.SimulatorOption{
		settlement.WithDelays(cfg.Settlement.SubmitDelay, cfg.Settlement.SettleDelay),
		settlement.WithLogger(logger.Named("settlement")),
	}
	if len(cfg.Settlement.RejectAddresses) > 0 {
		simOpts = append(simOpts, settlement.WithRejection(
			settlement.RejectAddresses("destination refused by rail", cfg.Settlement.RejectAddresses...)))
	}
	if len(cfg.Settlement.BounceAddresses) > 0 {
		simOpts = append(simOpts, settlement.WithBounce(
			settlement.RejectAddresses("payout bounced by rail", cfg.Settlement.BounceAddresses...)))
	}
	simulator := settlement.NewSimulator(simOpts...)
	a.scheduler = withdrawal.NewScheduler(a.withdrawals, simulator, cfg.Settlement.Tick, logger.Named("scheduler"))

	a.server = web.NewServer(cfg.Web.Addr, web.Services{
		Ledger:      a.ledger,
		Transfers:   transfer.NewService(a.ledger, a.directory, symbols, logger.Named("transfer")),
		Withdrawals: a.withdrawals,
		Conversions: a.conversions,
		Events:      a.events,
	}, web.WithLogger(logger.Named("web")))

	return a, nil
}

func openStore(ctx context.Context, cfg config.Ledger, logger *zap.Logger) (store, error) {
	switch cfg.Storage {
	case config.StoragePostgres:
		return postgres.Open(ctx, cfg.PostgresDSN, postgres.WithLogger(logger.Named("postgres")))
	default:
		return accounts.NewWALStore(cfg.WALDir, accounts.WithLogger(logger.Named("wal")))
	}
}

func newPriceSource(ctx context.Context, cfg config.Pricing) (pricer.Source, error) {
	switch cfg.Platform {
	case config.PlatformBinance:
		return pricer.NewBinancePricer(clients.NewBinanceClient()), nil
	case config.PlatformBybit:
		return pricer.NewBybitPricer(clients.NewBybitClient()), nil
	case config.PlatformHyperliquid:
		info, err := clients.NewHyperliquidInfo(ctx, cfg.HyperliquidURL)
		if err != nil {
			return nil, errors.Wrap(err, "hyperliquid client")
		}
		return pricer.NewHyperliquidPricer(info), nil
	case config.PlatformStatic:
		return pricer.NewStaticPricer(cfg.StaticPrices), nil
	default:
		return nil, errors.Errorf("unsupported pricing platform: %s", cfg.Platform)
	}
}

// ensureAccount creates the system account id when it does not exist yet.
func (a *App) ensureAccount(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	_, err := a.ledger.Account(ctx, id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrAccountNotFound) {
		return err
	}
	if _, err := a.ledger.CreateAccount(ctx, id); err != nil {
		return errors.Wrapf(err, "create system account %s", id)
	}
	return nil
}

// Handler exposes the HTTP handler without starting a listener.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Run starts the rate refresher, the quote janitor, the withdrawal scheduler
// and the HTTP server, and blocks until ctx is done or one of them fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.rates.Start(ctx); err != nil {
		return err
	}
	defer a.rates.Stop()

	if err := a.conversions.Start(ctx); err != nil {
		return err
	}
	defer a.conversions.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.scheduler.Run(ctx)
	})
	g.Go(func() error {
		if len(a.cfg.Web.TLSDomains) > 0 {
			return a.server.StartWithAutoTLS(ctx, a.cfg.Web.TLSDomains, a.cfg.Web.CertCache)
		}
		return a.server.Start(ctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the event stream and the store.
func (a *App) Close() {
	if a.events != nil {
		a.events.Close()
	}
	a.directory.Stop()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close ledger store", zap.Error(err))
	}
}
