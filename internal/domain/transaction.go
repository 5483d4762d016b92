package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction immutable record of a ledger operation. Only the lifecycle
// fields (Status, UpdatedAt, SettlementRef, FailureReason, Trail, Refund) change,
// and only forward.
type Transaction struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Direction Direction       `json:"direction"`
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`

	// transfer; the payer on a conversion fee record
	CounterpartyID string `json:"counterparty_id,omitempty"`

	// withdrawal
	Network       string          `json:"network,omitempty"`
	Address       string          `json:"address,omitempty"`
	FeeAsset      string          `json:"fee_asset,omitempty"`
	FeeAmount     decimal.Decimal `json:"fee_amount"`
	Tier          string          `json:"tier,omitempty"`
	SettlementRef string          `json:"settlement_ref,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`

	// conversion
	FromAsset string          `json:"from_asset,omitempty"`
	ToAsset   string          `json:"to_asset,omitempty"`
	ToAmount  decimal.Decimal `json:"to_amount"`
	Rate      decimal.Decimal `json:"rate"`
	Fee       decimal.Decimal `json:"fee"`
	QuoteID   string          `json:"quote_id,omitempty"`
	Stale     bool            `json:"stale,omitempty"`

	Trail  []StatusChange `json:"trail,omitempty"`
	Refund *Refund        `json:"refund,omitempty"`
}

// StatusChange audit entry for a status transition.
type StatusChange struct {
	From Status    `json:"from"`
	To   Status    `json:"to"`
	At   time.Time `json:"at"`
	Note string    `json:"note,omitempty"`
}

// Refund compensating credit recorded on a failed or cancelled withdrawal.
type Refund struct {
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	FeeAsset  string          `json:"fee_asset,omitempty"`
	FeeAmount decimal.Decimal `json:"fee_amount"`
	At        time.Time       `json:"at"`
}

// Clone returns a deep copy so callers never share mutable slices with a store.
func (t Transaction) Clone() Transaction {
	c := t
	if t.Trail != nil {
		c.Trail = make([]StatusChange, len(t.Trail))
		copy(c.Trail, t.Trail)
	}
	if t.Refund != nil {
		r := *t.Refund
		c.Refund = &r
	}
	return c
}

// ApplyAdvance moves the record to next and appends the audit entry.
func (t *Transaction) ApplyAdvance(change StatusChange, refund *Refund, settlementRef string) {
	t.Status = change.To
	t.UpdatedAt = change.At
	t.Trail = append(t.Trail, change)
	if change.To == StatusFailed && change.Note != "" {
		t.FailureReason = change.Note
	}
	if refund != nil {
		r := *refund
		t.Refund = &r
	}
	if settlementRef != "" {
		t.SettlementRef = settlementRef
	}
}

// Reserved returns the principal and fee that were debited for a withdrawal.
func (t Transaction) Reserved() (principal, fee decimal.Decimal) {
	return t.Amount, t.FeeAmount
}

// OwnedTransaction transaction together with the account whose history holds it.
type OwnedTransaction struct {
	AccountID   string
	Transaction Transaction
}
