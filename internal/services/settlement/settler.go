// Package settlement defines the contract an external settlement rail must
// satisfy to move a withdrawal from pending through processing to a final state.
package settlement

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/vault/internal/domain"
)

// ErrNotReady means the rail is not ready to take or finish the withdrawal yet; ask again later.
var ErrNotReady = errors.New("settlement not ready")

// State of a submitted withdrawal on the rail.
type State string

const (
	StateInFlight State = "in_flight"
	StateSettled  State = "settled"
	StateRejected State = "rejected"
)

// Request withdrawal as seen by a rail.
type Request struct {
	TxID        string
	AccountID   string
	Asset       string
	Amount      decimal.Decimal
	Network     string
	Address     string
	FeeAsset    string
	FeeAmount   decimal.Decimal
	CreatedAt   time.Time
	SubmittedAt time.Time
	Ref         string
}

// NewRequest builds a rail request from a stored withdrawal.
func NewRequest(owned domain.OwnedTransaction) Request {
	tx := owned.Transaction
	req := Request{
		TxID:      tx.ID,
		AccountID: owned.AccountID,
		Asset:     tx.Asset,
		Amount:    tx.Amount,
		Network:   tx.Network,
		Address:   tx.Address,
		FeeAsset:  tx.FeeAsset,
		FeeAmount: tx.FeeAmount,
		CreatedAt: tx.CreatedAt,
		Ref:       tx.SettlementRef,
	}
	for _, change := range tx.Trail {
		if change.To == domain.StatusProcessing {
			req.SubmittedAt = change.At
		}
	}
	return req
}

// Outcome result of polling a submitted withdrawal.
type Outcome struct {
	State  State
	Reason string
}

// Settler port to an external settlement rail.
type Settler interface {
	// Ready reports whether the rail takes the pending withdrawal now. It returns
	// ErrNotReady to wait, and an error wrapping domain.ErrExternalSettlement to
	// refuse it before anything is handed over.
	Ready(ctx context.Context, req Request) error
	// Submit hands a withdrawal already claimed as processing to the rail and
	// returns the rail reference. It must be idempotent per TxID: a submission
	// whose reference was never recorded is repeated. Errors wrapping
	// domain.ErrExternalSettlement are final; anything else is retried.
	Submit(ctx context.Context, req Request) (string, error)
	// Status polls a submitted withdrawal.
	Status(ctx context.Context, req Request) (Outcome, error)
}
