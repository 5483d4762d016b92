package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account ledger identity owning asset positions and an append-only history.
type Account struct {
	ID        string                     `json:"id"`
	Alias     uint64                     `json:"alias"`
	Positions map[string]decimal.Decimal `json:"positions"`
	History   []Transaction              `json:"history,omitempty"`
	Version   uint64                     `json:"version"`
	CreatedAt time.Time                  `json:"created_at"`
}

// AssetPosition quantity of one asset held by an account.
type AssetPosition struct {
	Symbol string          `json:"symbol"`
	Amount decimal.Decimal `json:"amount"`
}

// AccountRef id/alias pair used to rebuild the alias directory.
type AccountRef struct {
	ID    string
	Alias uint64
}

// NewAccount creates an empty account.
func NewAccount(id string, alias uint64, createdAt time.Time) Account {
	return Account{
		ID:        id,
		Alias:     alias,
		Positions: make(map[string]decimal.Decimal),
		CreatedAt: createdAt,
	}
}

// Balance returns the position amount or zero when absent.
func (a Account) Balance(asset string) decimal.Decimal {
	amount, ok := a.Positions[asset]
	if !ok {
		return decimal.Zero
	}
	return amount
}

// PositionList returns positions as a slice.
func (a Account) PositionList() []AssetPosition {
	out := make([]AssetPosition, 0, len(a.Positions))
	for symbol, amount := range a.Positions {
		out = append(out, AssetPosition{Symbol: symbol, Amount: amount})
	}
	return out
}

// HasTransaction reports whether id is already in the history.
func (a Account) HasTransaction(id string) bool {
	for _, tx := range a.History {
		if tx.ID == id {
			return true
		}
	}
	return false
}

// WithdrawnSince sums principal of live withdrawals of asset created at or after since.
// Failed and cancelled withdrawals were refunded and do not count.
func (a Account) WithdrawnSince(asset string, since time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, tx := range a.History {
		if tx.Kind != KindWithdrawal || tx.Asset != asset || tx.CreatedAt.Before(since) {
			continue
		}
		if tx.Status == StatusFailed || tx.Status == StatusCancelled {
			continue
		}
		total = total.Add(tx.Amount)
	}
	return total
}

// Clone deep-copies the account.
func (a Account) Clone() Account {
	c := a
	c.Positions = make(map[string]decimal.Decimal, len(a.Positions))
	for k, v := range a.Positions {
		c.Positions[k] = v
	}
	c.History = make([]Transaction, len(a.History))
	for i, tx := range a.History {
		c.History[i] = tx.Clone()
	}
	return c
}

// LegacyAccount pre-positions record that kept the dominant asset in a scalar field.
// It is accepted once as migration input and never read as a source of truth.
type LegacyAccount struct {
	ID      string          `json:"id"`
	Asset   string          `json:"asset"`
	Balance decimal.Decimal `json:"balance"`
}
