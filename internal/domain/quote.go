package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote time-bounded exchange rate offer between two assets.
type Quote struct {
	ID        string          `json:"id"`
	FromAsset string          `json:"from_asset"`
	ToAsset   string          `json:"to_asset"`
	Amount    decimal.Decimal `json:"amount"`
	Rate      decimal.Decimal `json:"rate"`
	IssuedAt  time.Time       `json:"issued_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	// Stale is set when at least one leg was priced from a cached value after a feed failure.
	Stale bool `json:"stale"`
	Used  bool `json:"used"`
}

// Expired reports whether the quote can no longer be honoured at now.
func (q Quote) Expired(now time.Time) bool {
	return now.After(q.ExpiresAt)
}

// Estimate returns the gross and net output for amount at the locked rate.
func (q Quote) Estimate(amount, feeRate decimal.Decimal) (gross, fee, net decimal.Decimal) {
	gross = amount.Mul(q.Rate)
	fee = gross.Mul(feeRate)
	net = gross.Sub(fee)
	return gross, fee, net
}
