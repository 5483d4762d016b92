package pricer

import (
	"context"

	"github.com/adshao/go-binance/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/vault/internal/domain"
)

// BinancePricer reads last trade prices from the Binance spot ticker.
type BinancePricer struct {
	client *binance.Client
}

// NewBinancePricer creates a pricer; an unauthenticated client is enough.
func NewBinancePricer(client *binance.Client) *BinancePricer {
	return &BinancePricer{client: client}
}

func (p *BinancePricer) GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	symbol := pair.Symbol()
	prices, err := p.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "binance ticker %s", symbol)
	}

	for _, sp := range prices {
		if sp.Symbol == symbol {
			return parseFeedPrice("binance", pair, sp.Price)
		}
	}
	return decimal.Zero, errors.Errorf("binance returned no ticker for %s", symbol)
}
