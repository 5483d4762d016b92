package pricer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/vault/internal/domain"
	"github.com/vadiminshakov/vault/pkg/retrier"
)

const (
	DefaultTTL             = time.Minute
	DefaultRefreshInterval = 15 * time.Second
	fetchTimeout           = 5 * time.Second
)

// Price asset price against the cache's quote currency.
type Price struct {
	Value     decimal.Decimal
	FetchedAt time.Time
	// Stale is set when the feed failed and the last good value was served instead.
	Stale bool
}

type cached struct {
	value     decimal.Decimal
	fetchedAt time.Time
}

// RateCache caches per-asset prices against one quote currency. Prices are
// refreshed on a fixed interval between Start and Stop; a failed fetch falls
// back to the last good value flagged stale, never to a made-up one.
type RateCache struct {
	source  Source
	quote   string
	assets  []string
	ttl     time.Duration
	refresh time.Duration
	retrier *retrier.Retrier
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.RWMutex
	prices map[string]cached

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

// CacheOption configures a RateCache.
type CacheOption func(*RateCache)

// WithTTL sets how long a fetched price is served without refetching.
func WithTTL(d time.Duration) CacheOption {
	return func(c *RateCache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithRefreshInterval sets the background refresh period.
func WithRefreshInterval(d time.Duration) CacheOption {
	return func(c *RateCache) {
		if d > 0 {
			c.refresh = d
		}
	}
}

// WithRetrier overrides the fetch retry policy.
func WithRetrier(r *retrier.Retrier) CacheOption {
	return func(c *RateCache) {
		if r != nil {
			c.retrier = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) CacheOption {
	return func(c *RateCache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) CacheOption {
	return func(c *RateCache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewRateCache creates a cache pricing assets against quote through source.
func NewRateCache(source Source, quote string, assets []string, opts ...CacheOption) *RateCache {
	c := &RateCache{
		source:  source,
		quote:   domain.NormalizeSymbol(quote),
		ttl:     DefaultTTL,
		refresh: DefaultRefreshInterval,
		retrier: retrier.New(
			retrier.WithMaxRetries(2),
			retrier.WithInitialInterval(100*time.Millisecond),
			retrier.WithMaxInterval(time.Second),
		),
		logger: zap.NewNop(),
		now:    time.Now,
		prices: make(map[string]cached),
	}
	for _, a := range assets {
		symbol := domain.NormalizeSymbol(a)
		if symbol != c.quote {
			c.assets = append(c.assets, symbol)
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// QuoteCurrency returns the common currency all prices are expressed in.
func (c *RateCache) QuoteCurrency() string {
	return c.quote
}

// Price returns the price of asset. A fresh cached value is served as is; an
// expired one is refetched, and if that fails the old value comes back stale.
func (c *RateCache) Price(ctx context.Context, asset string) (Price, error) {
	asset = domain.NormalizeSymbol(asset)
	if asset == c.quote {
		return Price{Value: decimal.NewFromInt(1), FetchedAt: c.now()}, nil
	}

	c.mu.RLock()
	entry, ok := c.prices[asset]
	c.mu.RUnlock()

	if ok && c.now().Sub(entry.fetchedAt) <= c.ttl {
		return Price{Value: entry.value, FetchedAt: entry.fetchedAt}, nil
	}

	value, err := c.fetch(ctx, asset)
	if err == nil {
		return Price{Value: value, FetchedAt: c.now()}, nil
	}

	// re-read: the refresh loop may have stored a value meanwhile
	c.mu.RLock()
	entry, ok = c.prices[asset]
	c.mu.RUnlock()
	if !ok {
		return Price{}, errors.Wrapf(domain.ErrPricingUnavailable, "%s: %v", asset, err)
	}

	c.logger.Warn("serving stale price",
		zap.String("asset", asset),
		zap.String("price", entry.value.String()),
		zap.Time("fetched_at", entry.fetchedAt),
		zap.Error(err))
	return Price{Value: entry.value, FetchedAt: entry.fetchedAt, Stale: true}, nil
}

func (c *RateCache) fetch(ctx context.Context, asset string) (decimal.Decimal, error) {
	pair := domain.NewPair(asset, c.quote)
	value, err := retrier.DoWithData(c.retrier, ctx, func(ctx context.Context) (decimal.Decimal, error) {
		fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
		defer cancel()
		return c.source.GetPrice(fctx, pair)
	})
	if err != nil {
		return decimal.Zero, err
	}
	if !value.IsPositive() {
		return decimal.Zero, errors.Errorf("non-positive price %s for %s", value.String(), pair.String())
	}

	c.mu.Lock()
	c.prices[asset] = cached{value: value, fetchedAt: c.now()}
	c.mu.Unlock()
	return value, nil
}

// Refresh refetches every configured asset and returns the first failure.
// Assets that fail keep their previous value.
func (c *RateCache) Refresh(ctx context.Context) error {
	var first error
	for _, asset := range c.assets {
		if _, err := c.fetch(ctx, asset); err != nil {
			c.logger.Warn("price refresh failed", zap.String("asset", asset), zap.Error(err))
			if first == nil {
				first = errors.Wrapf(err, "refresh %s", asset)
			}
		}
	}
	return first
}

// Start performs an initial refresh and then refreshes in the background until Stop.
func (c *RateCache) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.cancel != nil {
		return errors.New("rate cache already started")
	}

	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn("initial price refresh incomplete", zap.Error(err))
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.loop(loopCtx, c.done)

	c.logger.Info("rate cache started",
		zap.String("quote", c.quote),
		zap.Strings("assets", c.assets),
		zap.Duration("refresh", c.refresh))
	return nil
}

func (c *RateCache) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Refresh(ctx)
		}
	}
}

// Stop ends background refresh and waits for the loop to exit.
func (c *RateCache) Stop() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.cancel == nil {
		return
	}

	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil
	c.logger.Info("rate cache stopped")
}
