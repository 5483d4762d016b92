package pricer

import (
	"context"

	"github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/vault/internal/domain"
)

const bybitSpot = "spot"

// BybitPricer reads last trade prices from the Bybit V5 spot tickers.
type BybitPricer struct {
	client *bybit.Client
}

func NewBybitPricer(client *bybit.Client) *BybitPricer {
	return &BybitPricer{client: client}
}

// GetPrice ignores ctx: the bybit client has no context-aware call for tickers.
func (p *BybitPricer) GetPrice(_ context.Context, pair domain.Pair) (decimal.Decimal, error) {
	symbol := bybit.SymbolV5(pair.Symbol())

	result, err := p.client.V5().Market().GetTickers(bybit.V5GetTickersParam{
		Category: bybitSpot,
		Symbol:   &symbol,
	})
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "bybit ticker %s", symbol)
	}
	if result.Result.Spot == nil {
		return decimal.Zero, errors.Errorf("bybit returned no spot tickers for %s", symbol)
	}

	for _, t := range result.Result.Spot.List {
		if t.Symbol == symbol {
			return parseFeedPrice("bybit", pair, t.LastPrice)
		}
	}
	return decimal.Zero, errors.Errorf("bybit returned no ticker for %s", symbol)
}
