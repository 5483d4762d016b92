package settlement

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/vault/internal/domain"
)

func TestNewRequest(t *testing.T) {
	submitted := time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC)
	owned := domain.OwnedTransaction{
		AccountID: "alice",
		Transaction: domain.Transaction{
			ID:            "w-1",
			Asset:         "BTC",
			Amount:        decimal.RequireFromString("0.002"),
			FeeAsset:      "BNB",
			FeeAmount:     decimal.RequireFromString("0.074"),
			SettlementRef: "sim-w-1",
			Trail: []domain.StatusChange{
				{From: domain.StatusPending, To: domain.StatusProcessing, At: submitted},
			},
		},
	}

	req := NewRequest(owned)
	assert.Equal(t, "alice", req.AccountID)
	assert.Equal(t, "sim-w-1", req.Ref)
	assert.Equal(t, submitted, req.SubmittedAt)
	assert.Equal(t, "BNB", req.FeeAsset)
}

func TestSimulator(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	now := start
	sim := NewSimulator(WithDelays(5*time.Second, 10*time.Second), WithClock(func() time.Time { return now }))
	ctx := context.Background()
	req := Request{TxID: "w-1", CreatedAt: start}

	assert.ErrorIs(t, sim.Ready(ctx, req), ErrNotReady)

	now = start.Add(5 * time.Second)
	require.NoError(t, sim.Ready(ctx, req))
	ref, err := sim.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "sim-w-1", ref)

	req.Ref = ref
	req.SubmittedAt = now

	out, err := sim.Status(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StateInFlight, out.State)

	now = now.Add(10 * time.Second)
	out, err = sim.Status(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StateSettled, out.State)

	_, err = sim.Status(ctx, Request{TxID: "w-2"})
	assert.Error(t, err)
}

func TestSimulator_Rejection(t *testing.T) {
	sim := NewSimulator(WithDelays(0, 0), WithRejection(func(req Request) error {
		if req.Network == "broken" {
			return errors.New("network halted")
		}
		return nil
	}))

	_, err := sim.Submit(context.Background(), Request{TxID: "w-1", Network: "broken"})
	assert.ErrorIs(t, err, domain.ErrExternalSettlement)

	_, err = sim.Submit(context.Background(), Request{TxID: "w-2", Network: "ok"})
	assert.NoError(t, err)
}

func TestSimulator_Bounce(t *testing.T) {
	const blocked = "0x52908400098527886E0F7030069857D2E4169EE7"
	sim := NewSimulator(WithDelays(0, 0), WithBounce(RejectAddresses("address on hold", blocked)))
	ctx := context.Background()

	req := Request{TxID: "w-1", Address: strings.ToLower(blocked)}
	ref, err := sim.Submit(ctx, req)
	require.NoError(t, err)

	req.Ref = ref
	out, err := sim.Status(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StateRejected, out.State)
	assert.Equal(t, "address on hold", out.Reason)

	out, err = sim.Status(ctx, Request{TxID: "w-2", Ref: "sim-w-2", Address: "bc1qother"})
	require.NoError(t, err)
	assert.Equal(t, StateSettled, out.State)
}

func TestRejectAddresses(t *testing.T) {
	rule := RejectAddresses("blocked", "TXyz", "bc1qabc")

	assert.Error(t, rule(Request{Address: "txyz"}))
	assert.Error(t, rule(Request{Address: "bc1qabc"}))
	assert.NoError(t, rule(Request{Address: "bc1qdef"}))
	assert.NoError(t, RejectAddresses("none")(Request{Address: "bc1qabc"}))
}
