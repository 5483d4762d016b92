package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OpKind type of a single mutation inside a batch.
type OpKind string

const (
	OpCreateAccount OpKind = "create_account"
	OpCredit        OpKind = "credit"
	OpDebit         OpKind = "debit"
	OpAppend        OpKind = "append"
	OpAdvance       OpKind = "advance"
	OpReference     OpKind = "reference"
	OpExpectVersion OpKind = "expect_version"
)

// Op single ledger mutation. Which fields are set depends on Kind.
type Op struct {
	Kind      OpKind          `json:"kind"`
	AccountID string          `json:"account_id,omitempty"`
	Asset     string          `json:"asset,omitempty"`
	Amount    decimal.Decimal `json:"amount"`

	Account *Account     `json:"account,omitempty"`
	Tx      *Transaction `json:"tx,omitempty"`

	TxID          string        `json:"tx_id,omitempty"`
	Expected      Status        `json:"expected,omitempty"`
	Change        *StatusChange `json:"change,omitempty"`
	Refund        *Refund       `json:"refund,omitempty"`
	SettlementRef string        `json:"settlement_ref,omitempty"`

	Version uint64 `json:"version,omitempty"`
}

// Batch set of mutations a store commits all-or-nothing.
type Batch struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Ops       []Op      `json:"ops"`
}

// NewBatch creates an empty batch stamped with now.
func NewBatch(now time.Time) *Batch {
	return &Batch{ID: uuid.New().String(), CreatedAt: now}
}

// CreateAccount registers a new account.
func (b *Batch) CreateAccount(account Account) *Batch {
	acc := account.Clone()
	b.Ops = append(b.Ops, Op{Kind: OpCreateAccount, AccountID: account.ID, Account: &acc})
	return b
}

// Credit increases a position, creating it when absent.
func (b *Batch) Credit(accountID, asset string, amount decimal.Decimal) *Batch {
	b.Ops = append(b.Ops, Op{Kind: OpCredit, AccountID: accountID, Asset: asset, Amount: amount})
	return b
}

// Debit decreases a position; the store rejects it when the balance does not cover amount.
func (b *Batch) Debit(accountID, asset string, amount decimal.Decimal) *Batch {
	b.Ops = append(b.Ops, Op{Kind: OpDebit, AccountID: accountID, Asset: asset, Amount: amount})
	return b
}

// Append adds tx to the account history; a repeated id is a no-op.
func (b *Batch) Append(accountID string, tx Transaction) *Batch {
	t := tx.Clone()
	b.Ops = append(b.Ops, Op{Kind: OpAppend, AccountID: accountID, Tx: &t})
	return b
}

// Advance moves txID owned by accountID from expected to change.To, recording the change in the trail.
func (b *Batch) Advance(accountID, txID string, expected Status, change StatusChange, refund *Refund, settlementRef string) *Batch {
	c := change
	c.From = expected
	b.Ops = append(b.Ops, Op{
		Kind:          OpAdvance,
		AccountID:     accountID,
		TxID:          txID,
		Expected:      expected,
		Change:        &c,
		Refund:        refund,
		SettlementRef: settlementRef,
	})
	return b
}

// Reference records the settlement rail reference on txID without changing its
// status. The store rejects it with ErrStaleStatus unless txID is still expected.
func (b *Batch) Reference(accountID, txID string, expected Status, settlementRef string) *Batch {
	b.Ops = append(b.Ops, Op{
		Kind:          OpReference,
		AccountID:     accountID,
		TxID:          txID,
		Expected:      expected,
		SettlementRef: settlementRef,
	})
	return b
}

// ExpectVersion fails the batch with ErrConcurrencyConflict if the account changed since it was read.
func (b *Batch) ExpectVersion(accountID string, version uint64) *Batch {
	b.Ops = append(b.Ops, Op{Kind: OpExpectVersion, AccountID: accountID, Version: version})
	return b
}

// Accounts returns the distinct account ids the batch touches, in first-seen order.
func (b *Batch) Accounts() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, op := range b.Ops {
		if op.AccountID == "" {
			continue
		}
		if _, ok := seen[op.AccountID]; ok {
			continue
		}
		seen[op.AccountID] = struct{}{}
		out = append(out, op.AccountID)
	}
	return out
}
