package pricer

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/vault/internal/domain"
)

// parseFeedPrice turns a venue's raw price into a positive decimal. Rates are
// divided by these values, so zero or negative quotes are feed errors.
func parseFeedPrice(venue string, pair domain.Pair, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, errors.Errorf("%s returned no price for %s", venue, pair.String())
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "%s price for %s", venue, pair.String())
	}
	if !price.IsPositive() {
		return decimal.Zero, errors.Errorf("%s returned non-positive price %s for %s", venue, raw, pair.String())
	}
	return price, nil
}
