package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/vault/config"
	"github.com/vadiminshakov/vault/internal/domain"
	"github.com/vadiminshakov/vault/internal/services/withdrawal"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()

	tmp := config.DefaultTmp()
	tmp.Ledger.WALDir = t.TempDir()
	tmp.Web.Addr = "127.0.0.1:0"
	tmp.Settlement.Tick = 10 * time.Millisecond
	cfg, err := tmp.Build()
	require.NoError(t, err)
	return cfg
}

func TestNew_CreatesFeeAccountOnce(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a, err := New(ctx, cfg, nil)
	require.NoError(t, err)
	acc, err := a.ledger.Account(ctx, "treasury")
	require.NoError(t, err)
	a.Close()

	// reopening the same WAL keeps the existing account and its alias
	a, err = New(ctx, cfg, nil)
	require.NoError(t, err)
	defer a.Close()
	again, err := a.ledger.Account(ctx, "treasury")
	require.NoError(t, err)
	assert.Equal(t, acc.Alias, again.Alias)
}

func TestNew_RejectsUnknownPlatform(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pricing.Platform = "kraken"

	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestApp_ServesRequests(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), nil)
	require.NoError(t, err)
	defer a.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/accounts", strings.NewReader(`{"id":"alice"}`))
	a.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/quotes", strings.NewReader(`{"from":"ETH","to":"USDT","amount":"1"}`))
	a.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), nil)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestApp_SettlementFailuresRefund(t *testing.T) {
	const (
		refused = "0xde0B295669a9FD93d5F28D9Ec85E40f4cb697BAe"
		bounced = "0x52908400098527886E0F7030069857D2E4169EE7"
	)
	cfg := testConfig(t)
	cfg.Settlement.SubmitDelay = time.Millisecond
	cfg.Settlement.SettleDelay = time.Millisecond
	cfg.Settlement.RejectAddresses = []string{refused}
	cfg.Settlement.BounceAddresses = []string{bounced}

	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()
	ctx := context.Background()

	txs := make(map[string]string)
	for id, address := range map[string]string{"alice": refused, "bob": bounced} {
		_, err := a.ledger.CreateAccount(ctx, id)
		require.NoError(t, err)
		_, err = a.ledger.Deposit(ctx, id, "ETH", decimal.NewFromInt(1), "dep-"+id)
		require.NoError(t, err)

		txID, err := a.withdrawals.RequestWithdrawal(ctx, withdrawal.Request{
			AccountID: id, Asset: "ETH", Network: "erc20",
			Amount: decimal.RequireFromString("0.5"), Address: address,
		})
		require.NoError(t, err)
		txs[id] = txID
	}

	require.Eventually(t, func() bool {
		if _, err := a.scheduler.Tick(ctx); err != nil {
			return false
		}
		for id, txID := range txs {
			tx, err := a.ledger.Transaction(ctx, txID, id)
			if err != nil || tx.Status != domain.StatusFailed {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	for id, txID := range txs {
		tx, err := a.ledger.Transaction(ctx, txID, id)
		require.NoError(t, err)
		require.NotNil(t, tx.Refund)
		assert.Equal(t, domain.StatusProcessing, tx.Trail[len(tx.Trail)-1].From)

		b, err := a.ledger.GetBalance(ctx, id, "ETH")
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(1).Equal(b), id+" "+b.String())
	}

	alice, err := a.ledger.Transaction(ctx, txs["alice"], "alice")
	require.NoError(t, err)
	assert.Contains(t, alice.FailureReason, "destination refused by rail")

	bob, err := a.ledger.Transaction(ctx, txs["bob"], "bob")
	require.NoError(t, err)
	assert.Equal(t, "payout bounced by rail", bob.FailureReason)
}
