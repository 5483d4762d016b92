// Package conversion issues rate-locked quotes and executes same-account
// asset conversions against them.
package conversion

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/vault/internal/domain"
	"github.com/vadiminshakov/vault/internal/services/ledger"
	"github.com/vadiminshakov/vault/internal/services/pricer"
)

const (
	DefaultLockWindow = 18 * time.Second
	DefaultRetention  = 5 * time.Minute
	janitorInterval   = 30 * time.Second
)

var defaultFeeRate = decimal.RequireFromString("0.001")

type rateSource interface {
	Price(ctx context.Context, asset string) (pricer.Price, error)
}

type batchRunner interface {
	Run(ctx context.Context, build ledger.BuildFunc) error
	NewBatch() *domain.Batch
}

// Engine conversion engine. The quote book lives in memory between Start and Stop.
type Engine struct {
	ledger     batchRunner
	rates      rateSource
	assets     map[string]struct{}
	lockWindow time.Duration
	retention  time.Duration
	feeRate    decimal.Decimal
	feeAccount string
	allowStale bool
	logger     *zap.Logger
	now        func() time.Time

	mu     sync.Mutex
	quotes map[string]*domain.Quote

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLockWindow sets how long a quote stays executable.
func WithLockWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.lockWindow = d
		}
	}
}

// WithRetention sets how long expired quotes are kept before the janitor drops them.
func WithRetention(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.retention = d
		}
	}
}

// WithFeeRate sets the proportional fee deducted from the converted output.
func WithFeeRate(rate decimal.Decimal) Option {
	return func(e *Engine) {
		if !rate.IsNegative() && rate.LessThan(decimal.NewFromInt(1)) {
			e.feeRate = rate
		}
	}
}

// WithFeeAccount credits collected fees to accountID. Without it fees are burned.
func WithFeeAccount(accountID string) Option {
	return func(e *Engine) {
		e.feeAccount = accountID
	}
}

// WithAllowStale lets quotes priced from stale rates be executed.
func WithAllowStale(allow bool) Option {
	return func(e *Engine) {
		e.allowStale = allow
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the engine clock for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates a conversion engine for assets.
func NewEngine(l batchRunner, rates rateSource, assets []string, opts ...Option) *Engine {
	e := &Engine{
		ledger:     l,
		rates:      rates,
		assets:     make(map[string]struct{}, len(assets)),
		lockWindow: DefaultLockWindow,
		retention:  DefaultRetention,
		feeRate:    defaultFeeRate,
		logger:     zap.NewNop(),
		now:        time.Now,
		quotes:     make(map[string]*domain.Quote),
	}
	for _, a := range assets {
		e.assets[domain.NormalizeSymbol(a)] = struct{}{}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FeeRate returns the configured conversion fee.
func (e *Engine) FeeRate() decimal.Decimal {
	return e.feeRate
}

// Quote prices amount of from in to through each asset's price against the
// common quote currency and locks the rate for the lock window.
func (e *Engine) Quote(ctx context.Context, from, to string, amount decimal.Decimal) (domain.Quote, error) {
	pair, err := e.pair(from, to)
	if err != nil {
		return domain.Quote{}, err
	}
	if !amount.IsPositive() {
		return domain.Quote{}, domain.ErrInvalidAmount
	}

	priceFrom, err := e.rates.Price(ctx, pair.From)
	if err != nil {
		return domain.Quote{}, err
	}
	priceTo, err := e.rates.Price(ctx, pair.To)
	if err != nil {
		return domain.Quote{}, err
	}

	issuedAt := e.now()
	q := domain.Quote{
		ID:        uuid.New().String(),
		FromAsset: pair.From,
		ToAsset:   pair.To,
		Amount:    amount,
		Rate:      priceFrom.Value.Div(priceTo.Value),
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(e.lockWindow),
		Stale:     priceFrom.Stale || priceTo.Stale,
	}

	e.mu.Lock()
	e.quotes[q.ID] = &q
	e.mu.Unlock()

	e.logger.Debug("quote issued",
		zap.String("quote", q.ID),
		zap.String("pair", pair.String()),
		zap.String("rate", q.Rate.String()),
		zap.Bool("stale", q.Stale))

	return q, nil
}

func (e *Engine) pair(from, to string) (domain.Pair, error) {
	pair := domain.NewPair(from, to)
	for _, symbol := range []string{pair.From, pair.To} {
		if _, ok := e.assets[symbol]; !ok {
			return domain.Pair{}, errors.Wrapf(domain.ErrUnsupportedAsset, "asset %s", symbol)
		}
	}
	if pair.Identity() {
		return domain.Pair{}, errors.Wrapf(domain.ErrQuoteMismatch, "cannot convert %s to itself", pair.From)
	}
	return pair, nil
}

// Execute converts amount of from into to for accountID at the rate locked by quoteID.
// The quote is consumed only when the conversion commits.
func (e *Engine) Execute(ctx context.Context, accountID, from, to string, amount decimal.Decimal, quoteID string) (string, error) {
	q, err := e.claim(quoteID, domain.NewPair(from, to), amount)
	if err != nil {
		return "", err
	}

	gross, fee, net := q.Estimate(amount, e.feeRate)
	if !net.IsPositive() {
		e.release(quoteID)
		return "", errors.Wrapf(domain.ErrInvalidAmount, "conversion output %s is not positive", net.String())
	}

	txID := uuid.New().String()
	err = e.ledger.Run(ctx, func(context.Context) (*domain.Batch, error) {
		batch := e.ledger.NewBatch()
		now := batch.CreatedAt
		tx := domain.Transaction{
			ID:        txID,
			Kind:      domain.KindConversion,
			Direction: domain.DirectionInternal,
			Asset:     q.FromAsset,
			Amount:    amount,
			Status:    domain.StatusCompleted,
			CreatedAt: now,
			UpdatedAt: now,
			FromAsset: q.FromAsset,
			ToAsset:   q.ToAsset,
			ToAmount:  net,
			Rate:      q.Rate,
			Fee:       fee,
			QuoteID:   q.ID,
			Stale:     q.Stale,
		}

		batch.Debit(accountID, q.FromAsset, amount).
			Credit(accountID, q.ToAsset, net).
			Append(accountID, tx)
		if e.feeAccount != "" && fee.IsPositive() {
			batch.Credit(e.feeAccount, q.ToAsset, fee)
			if e.feeAccount != accountID {
				batch.Append(e.feeAccount, feeRecord(tx, accountID))
			}
		}
		return batch, nil
	})
	if err != nil {
		e.release(quoteID)
		return "", err
	}

	fields := []zap.Field{
		zap.String("tx", txID),
		zap.String("account", accountID),
		zap.String("from", amount.String()+" "+q.FromAsset),
		zap.String("to", net.String()+" "+q.ToAsset),
		zap.String("gross", gross.String()),
		zap.String("fee", fee.String()),
		zap.String("rate", q.Rate.String()),
	}
	if e.feeAccount == "" {
		e.logger.Warn("conversion completed, fee burned", fields...)
	} else {
		e.logger.Info("conversion completed", append(fields, zap.String("fee_account", e.feeAccount))...)
	}

	return txID, nil
}

// feeRecord is the fee account's side of a conversion: the fee it received,
// under the conversion's id.
func feeRecord(tx domain.Transaction, accountID string) domain.Transaction {
	rec := tx
	rec.Direction = domain.DirectionInbound
	rec.Asset = tx.ToAsset
	rec.Amount = tx.Fee
	rec.ToAmount = tx.Fee
	rec.CounterpartyID = accountID
	return rec
}

// claim validates the quote against the request and marks it used.
func (e *Engine) claim(quoteID string, pair domain.Pair, amount decimal.Decimal) (domain.Quote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	q, ok := e.quotes[quoteID]
	if !ok {
		return domain.Quote{}, errors.Wrapf(domain.ErrQuoteNotFound, "quote %s", quoteID)
	}
	if q.Used {
		return domain.Quote{}, errors.Wrapf(domain.ErrQuoteAlreadyUsed, "quote %s", quoteID)
	}
	if q.FromAsset != pair.From || q.ToAsset != pair.To || !q.Amount.Equal(amount) {
		return domain.Quote{}, errors.Wrapf(domain.ErrQuoteMismatch, "quote %s is for %s %s", quoteID, q.Amount.String(), domain.Pair{From: q.FromAsset, To: q.ToAsset}.String())
	}
	if q.Expired(e.now()) {
		return domain.Quote{}, errors.Wrapf(domain.ErrQuoteExpired, "quote %s expired at %s", quoteID, q.ExpiresAt.Format(time.RFC3339))
	}
	if q.Stale && !e.allowStale {
		return domain.Quote{}, errors.Wrapf(domain.ErrStaleQuote, "quote %s", quoteID)
	}

	q.Used = true
	return *q, nil
}

func (e *Engine) release(quoteID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if q, ok := e.quotes[quoteID]; ok {
		q.Used = false
	}
}

// Purge drops quotes that expired more than the retention period ago.
func (e *Engine) Purge() int {
	cutoff := e.now().Add(-e.retention)

	e.mu.Lock()
	defer e.mu.Unlock()

	purged := 0
	for id, q := range e.quotes {
		if q.ExpiresAt.Before(cutoff) {
			delete(e.quotes, id)
			purged++
		}
	}
	return purged
}

// Start runs the quote book janitor until Stop.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.cancel != nil {
		return errors.New("conversion engine already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(janitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if n := e.Purge(); n > 0 {
					e.logger.Debug("expired quotes purged", zap.Int("count", n))
				}
			}
		}
	}(e.done)

	return nil
}

// Stop ends the janitor and clears the quote book.
func (e *Engine) Stop() {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.cancel == nil {
		return
	}

	e.cancel()
	<-e.done
	e.cancel = nil
	e.done = nil

	e.mu.Lock()
	e.quotes = make(map[string]*domain.Quote)
	e.mu.Unlock()
}
