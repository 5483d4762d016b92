package domain

import (
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccount_WithdrawnSince(t *testing.T) {
	day := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	w := func(id string, asset string, amount int64, status Status, at time.Time) Transaction {
		return Transaction{ID: id, Kind: KindWithdrawal, Asset: asset, Amount: decimal.NewFromInt(amount), Status: status, CreatedAt: at}
	}

	acc := NewAccount("alice", 123456, day)
	acc.History = []Transaction{
		w("yesterday", "USDT", 500, StatusCompleted, day.Add(-time.Hour)),
		w("done", "USDT", 100, StatusCompleted, day.Add(time.Hour)),
		w("open", "USDT", 50, StatusProcessing, day.Add(2*time.Hour)),
		w("failed", "USDT", 70, StatusFailed, day.Add(3*time.Hour)),
		w("cancelled", "USDT", 80, StatusCancelled, day.Add(4*time.Hour)),
		w("other-asset", "BTC", 1, StatusPending, day.Add(time.Hour)),
		{ID: "transfer", Kind: KindTransfer, Asset: "USDT", Amount: decimal.NewFromInt(999), Status: StatusCompleted, CreatedAt: day.Add(time.Hour)},
	}

	assert.True(t, decimal.NewFromInt(150).Equal(acc.WithdrawnSince("USDT", day)))
	assert.True(t, decimal.NewFromInt(1).Equal(acc.WithdrawnSince("BTC", day)))
	assert.True(t, acc.WithdrawnSince("ETH", day).IsZero())
}

func TestAccount_CloneIsDeep(t *testing.T) {
	acc := NewAccount("alice", 1, time.Now())
	acc.Positions["USDT"] = decimal.NewFromInt(10)
	acc.History = []Transaction{{ID: "tx", Trail: []StatusChange{{To: StatusPending}}, Refund: &Refund{Asset: "USDT"}}}

	c := acc.Clone()
	c.Positions["USDT"] = decimal.NewFromInt(99)
	c.History[0].Trail[0].To = StatusFailed
	c.History[0].Refund.Asset = "BTC"

	assert.True(t, decimal.NewFromInt(10).Equal(acc.Balance("USDT")))
	assert.Equal(t, StatusPending, acc.History[0].Trail[0].To)
	assert.Equal(t, "USDT", acc.History[0].Refund.Asset)
	assert.True(t, acc.Balance("BTC").IsZero())
}

func TestErrors_Taxonomy(t *testing.T) {
	for _, err := range []error{ErrInvalidAmount, ErrBelowMinimum, ErrExceedsMaximum, ErrInvalidAddress, ErrUnsupportedAsset, ErrUnsupportedNetwork, ErrQuoteMismatch} {
		assert.ErrorIs(t, errors.Wrap(err, "ctx"), ErrValidation, err.Error())
	}
	assert.NotErrorIs(t, ErrInsufficientFunds, ErrValidation)

	err := fmt.Errorf("commit: %w", &InsufficientFundsError{Asset: "ETH", Available: "0.1", Required: "0.2"})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	asset, ok := InsufficientAsset(err)
	require.True(t, ok)
	assert.Equal(t, "ETH", asset)

	_, ok = InsufficientAsset(ErrAccountNotFound)
	assert.False(t, ok)
}

func TestQuote_ExpiredAndEstimate(t *testing.T) {
	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q := Quote{Rate: decimal.NewFromInt(2), IssuedAt: issued, ExpiresAt: issued.Add(18 * time.Second)}

	assert.False(t, q.Expired(issued.Add(18*time.Second)))
	assert.True(t, q.Expired(issued.Add(18*time.Second+time.Nanosecond)))

	gross, fee, net := q.Estimate(decimal.NewFromInt(50), decimal.RequireFromString("0.001"))
	assert.True(t, decimal.NewFromInt(100).Equal(gross))
	assert.True(t, decimal.RequireFromString("0.1").Equal(fee))
	assert.True(t, decimal.RequireFromString("99.9").Equal(net))
}
