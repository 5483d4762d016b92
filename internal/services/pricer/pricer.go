// Package pricer is the only place that talks to third-party price feeds.
package pricer

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/vault/internal/domain"
)

// Source fetches the current price of pair.From denominated in pair.To.
type Source interface {
	GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error)
}

// StaticPricer serves a fixed price table. Used offline and in tests.
type StaticPricer struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
	fail   error
}

// NewStaticPricer creates a pricer over prices keyed by base asset.
func NewStaticPricer(prices map[string]decimal.Decimal) *StaticPricer {
	p := &StaticPricer{prices: make(map[string]decimal.Decimal, len(prices))}
	for symbol, price := range prices {
		p.prices[domain.NormalizeSymbol(symbol)] = price
	}
	return p
}

// Set updates one price.
func (p *StaticPricer) Set(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[domain.NormalizeSymbol(symbol)] = price
}

// SetFailure makes every call fail with err until cleared with nil.
func (p *StaticPricer) SetFailure(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
}

func (p *StaticPricer) GetPrice(_ context.Context, pair domain.Pair) (decimal.Decimal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.fail != nil {
		return decimal.Zero, p.fail
	}
	price, ok := p.prices[pair.From]
	if !ok {
		return decimal.Zero, fmt.Errorf("no static price for %s", pair.String())
	}
	return price, nil
}
