package accounts

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/vault/internal/domain"
)

var testNow = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func openStore(t *testing.T, dir string, opts ...Option) *WALStore {
	t.Helper()
	s, err := NewWALStore(dir, opts...)
	require.NoError(t, err)
	return s
}

func seed(t *testing.T, s *WALStore, ids ...string) {
	t.Helper()
	batch := domain.NewBatch(testNow)
	for i, id := range ids {
		batch.CreateAccount(domain.NewAccount(id, uint64(100000+i), testNow))
	}
	require.NoError(t, s.Commit(context.Background(), batch))
}

func withdrawal(id string, status domain.Status, createdAt time.Time) domain.Transaction {
	return domain.Transaction{
		ID:        id,
		Kind:      domain.KindWithdrawal,
		Direction: domain.DirectionOutbound,
		Asset:     "USDT",
		Amount:    decimal.NewFromInt(10),
		Status:    status,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestWALStore_CommitAndReplay(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openStore(t, dir)
	seed(t, s, "alice", "bob")
	require.NoError(t, s.Commit(ctx, domain.NewBatch(testNow).
		Credit("alice", "USDT", decimal.NewFromInt(100)).
		Credit("bob", "BTC", decimal.RequireFromString("0.5"))))
	require.NoError(t, s.Commit(ctx, domain.NewBatch(testNow).
		Debit("alice", "USDT", decimal.NewFromInt(30)).
		Credit("bob", "USDT", decimal.NewFromInt(30))))
	index := s.CurrentIndex()
	require.NoError(t, s.Close())

	s = openStore(t, dir)
	t.Cleanup(func() { _ = s.Close() })

	assert.Equal(t, index, s.CurrentIndex())

	balance, err := s.Balance(ctx, "alice", "USDT")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(70).Equal(balance))

	balance, err = s.Balance(ctx, "bob", "USDT")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(30).Equal(balance))

	balance, err = s.Balance(ctx, "bob", "BTC")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("0.5").Equal(balance))

	refs, err := s.Accounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.AccountRef{{ID: "alice", Alias: 100000}, {ID: "bob", Alias: 100001}}, refs)
}

func TestWALStore_BatchIsAllOrNothing(t *testing.T) {
	s := openStore(t, t.TempDir())
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	seed(t, s, "alice", "bob")
	require.NoError(t, s.Commit(ctx, domain.NewBatch(testNow).Credit("alice", "USDT", decimal.NewFromInt(50))))
	index := s.CurrentIndex()

	err := s.Commit(ctx, domain.NewBatch(testNow).
		Credit("bob", "USDT", decimal.NewFromInt(80)).
		Debit("alice", "USDT", decimal.NewFromInt(80)))
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	var insufficient *domain.InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "USDT", insufficient.Asset)

	balance, _ := s.Balance(ctx, "bob", "USDT")
	assert.True(t, balance.IsZero())
	balance, _ = s.Balance(ctx, "alice", "USDT")
	assert.True(t, decimal.NewFromInt(50).Equal(balance))
	assert.Equal(t, index, s.CurrentIndex(), "rejected batch must not reach the WAL")
}

func TestWALStore_DebitsWithinBatchAccumulate(t *testing.T) {
	s := openStore(t, t.TempDir())
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	seed(t, s, "alice")
	require.NoError(t, s.Commit(ctx, domain.NewBatch(testNow).Credit("alice", "ETH", decimal.NewFromInt(1))))

	err := s.Commit(ctx, domain.NewBatch(testNow).
		Debit("alice", "ETH", decimal.RequireFromString("0.6")).
		Debit("alice", "ETH", decimal.RequireFromString("0.6")))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestWALStore_Rejections(t *testing.T) {
	s := openStore(t, t.TempDir())
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	seed(t, s, "alice")

	tests := []struct {
		name  string
		batch *domain.Batch
		want  error
	}{
		{"duplicate account", domain.NewBatch(testNow).CreateAccount(domain.NewAccount("alice", 1, testNow)), domain.ErrAccountExists},
		{"alias taken", domain.NewBatch(testNow).CreateAccount(domain.NewAccount("carol", 100000, testNow)), domain.ErrAliasTaken},
		{"unknown account", domain.NewBatch(testNow).Credit("nobody", "USDT", decimal.NewFromInt(1)), domain.ErrAccountNotFound},
		{"zero amount", domain.NewBatch(testNow).Credit("alice", "USDT", decimal.Zero), domain.ErrInvalidAmount},
		{"version", domain.NewBatch(testNow).ExpectVersion("alice", 42).Credit("alice", "USDT", decimal.NewFromInt(1)), domain.ErrConcurrencyConflict},
		{"advance unknown", domain.NewBatch(testNow).Advance("alice", "tx-x", domain.StatusPending, domain.StatusChange{To: domain.StatusProcessing, At: testNow}, nil, ""), domain.ErrTransactionNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, s.Commit(ctx, tt.batch), tt.want)
		})
	}

	assert.Error(t, s.Commit(ctx, domain.NewBatch(testNow)))
}

func TestWALStore_AppendIsIdempotent(t *testing.T) {
	s := openStore(t, t.TempDir())
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	seed(t, s, "alice")
	tx := withdrawal("tx-1", domain.StatusPending, testNow)

	require.NoError(t, s.Commit(ctx, domain.NewBatch(testNow).Append("alice", tx)))
	index := s.CurrentIndex()
	require.NoError(t, s.Commit(ctx, domain.NewBatch(testNow).Append("alice", tx)))
	assert.Equal(t, index, s.CurrentIndex())

	history, err := s.History(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestWALStore_AdvanceIsForwardOnly(t *testing.T) {
	s := openStore(t, t.TempDir())
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	seed(t, s, "alice")
	require.NoError(t, s.Commit(ctx, domain.NewBatch(testNow).Append("alice", withdrawal("tx-1", domain.StatusPending, testNow))))

	later := testNow.Add(time.Minute)
	require.NoError(t, s.Commit(ctx, domain.NewBatch(later).
		Advance("alice", "tx-1", domain.StatusPending, domain.StatusChange{To: domain.StatusProcessing, At: later}, nil, "ref-1")))

	err := s.Commit(ctx, domain.NewBatch(later).
		Advance("alice", "tx-1", domain.StatusPending, domain.StatusChange{To: domain.StatusProcessing, At: later}, nil, ""))
	assert.ErrorIs(t, err, domain.ErrStaleStatus)

	err = s.Commit(ctx, domain.NewBatch(later).
		Advance("alice", "tx-1", domain.StatusProcessing, domain.StatusChange{To: domain.StatusPending, At: later}, nil, ""))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	tx, err := s.Transaction(ctx, "tx-1", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, tx.Status)
	assert.Equal(t, "ref-1", tx.SettlementRef)
	require.Len(t, tx.Trail, 1)
	assert.Equal(t, domain.StatusPending, tx.Trail[0].From)
	assert.Equal(t, later, tx.Trail[0].At)
}

func TestWALStore_RefundingStatusNeedsRefund(t *testing.T) {
	s := openStore(t, t.TempDir())
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	seed(t, s, "alice")
	require.NoError(t, s.Commit(ctx, domain.NewBatch(testNow).Append("alice", withdrawal("tx-1", domain.StatusPending, testNow))))

	for _, to := range []domain.Status{domain.StatusFailed, domain.StatusCancelled} {
		err := s.Commit(ctx, domain.NewBatch(testNow).
			Advance("alice", "tx-1", domain.StatusPending, domain.StatusChange{To: to, At: testNow}, nil, ""))
		assert.ErrorIs(t, err, domain.ErrInvalidTransition, to)
	}

	refund := &domain.Refund{Asset: "USDT", Amount: decimal.NewFromInt(10), At: testNow}
	require.NoError(t, s.Commit(ctx, domain.NewBatch(testNow).
		Advance("alice", "tx-1", domain.StatusPending, domain.StatusChange{To: domain.StatusCancelled, At: testNow}, refund, "").
		Credit("alice", "USDT", refund.Amount)))

	tx, err := s.Transaction(ctx, "tx-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, tx.Status)
	require.NotNil(t, tx.Refund)
}

func TestWALStore_ReferenceKeepsStatus(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	ctx := context.Background()

	seed(t, s, "alice")
	require.NoError(t, s.Commit(ctx, domain.NewBatch(testNow).Append("alice", withdrawal("tx-1", domain.StatusPending, testNow))))

	err := s.Commit(ctx, domain.NewBatch(testNow).Reference("alice", "tx-1", domain.StatusProcessing, "rail-1"))
	assert.ErrorIs(t, err, domain.ErrStaleStatus)
	err = s.Commit(ctx, domain.NewBatch(testNow).Reference("alice", "missing", domain.StatusPending, "rail-1"))
	assert.ErrorIs(t, err, domain.ErrTransactionNotFound)

	before, err := s.Account(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, domain.NewBatch(testNow).
		Advance("alice", "tx-1", domain.StatusPending, domain.StatusChange{To: domain.StatusProcessing, At: testNow}, nil, "").
		Reference("alice", "tx-1", domain.StatusProcessing, "rail-1")))
	require.NoError(t, s.Close())

	s = openStore(t, dir)
	t.Cleanup(func() { _ = s.Close() })

	tx, err := s.Transaction(ctx, "tx-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, tx.Status)
	assert.Equal(t, "rail-1", tx.SettlementRef)
	assert.Len(t, tx.Trail, 1)

	after, err := s.Account(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, before.Version+1, after.Version)
}

func TestWALStore_AdvanceUpdatesEveryOwner(t *testing.T) {
	s := openStore(t, t.TempDir())
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	seed(t, s, "alice", "bob")
	out := domain.Transaction{ID: "tx-t", Kind: domain.KindTransfer, Direction: domain.DirectionOutbound, Asset: "USDT", Amount: decimal.NewFromInt(1), Status: domain.StatusProcessing, CreatedAt: testNow}
	in := out
	in.Direction = domain.DirectionInbound

	require.NoError(t, s.Commit(ctx, domain.NewBatch(testNow).
		Append("alice", out).
		Append("bob", in).
		Advance("", "tx-t", domain.StatusProcessing, domain.StatusChange{To: domain.StatusCompleted, At: testNow}, nil, "")))

	for _, owner := range []string{"alice", "bob"} {
		tx, err := s.Transaction(ctx, "tx-t", owner)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, tx.Status, owner)
	}

	inbound, err := s.Transaction(ctx, "tx-t", "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.DirectionInbound, inbound.Direction)

	_, err = s.Transaction(ctx, "tx-t", "carol")
	assert.ErrorIs(t, err, domain.ErrTransactionNotFound)
}

func TestWALStore_VersionBumpsOnTouch(t *testing.T) {
	s := openStore(t, t.TempDir())
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	seed(t, s, "alice", "bob")
	before, err := s.Account(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, s.Commit(ctx, domain.NewBatch(testNow).
		ExpectVersion("alice", before.Version).
		Credit("alice", "USDT", decimal.NewFromInt(1)).
		Credit("alice", "BTC", decimal.NewFromInt(1))))

	after, err := s.Account(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, before.Version+1, after.Version)

	bob, err := s.Account(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, before.Version, bob.Version)
}

func TestWALStore_OpenWithdrawals(t *testing.T) {
	s := openStore(t, t.TempDir())
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	seed(t, s, "alice", "bob")
	require.NoError(t, s.Commit(ctx, domain.NewBatch(testNow).
		Append("bob", withdrawal("w-2", domain.StatusProcessing, testNow.Add(2*time.Second))).
		Append("alice", withdrawal("w-1", domain.StatusPending, testNow.Add(time.Second))).
		Append("alice", withdrawal("w-done", domain.StatusCompleted, testNow)).
		Append("alice", domain.Transaction{ID: "t-1", Kind: domain.KindTransfer, Asset: "USDT", Amount: decimal.NewFromInt(1), Status: domain.StatusProcessing, CreatedAt: testNow})))

	open, err := s.OpenWithdrawals(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "w-1", open[0].Transaction.ID)
	assert.Equal(t, "alice", open[0].AccountID)
	assert.Equal(t, "w-2", open[1].Transaction.ID)
	assert.Equal(t, "bob", open[1].AccountID)
}

func TestWALStore_SnapshotReplay(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openStore(t, dir, WithSnapshotEvery(2))
	seed(t, s, "alice")
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Commit(ctx, domain.NewBatch(testNow).Credit("alice", "USDT", decimal.NewFromInt(10))))
	}
	require.NoError(t, s.Commit(ctx, domain.NewBatch(testNow).Append("alice", withdrawal("w-1", domain.StatusPending, testNow))))
	require.NoError(t, s.Close())

	s = openStore(t, dir, WithSnapshotEvery(2))
	t.Cleanup(func() { _ = s.Close() })

	acc, err := s.Account(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(50).Equal(acc.Balance("USDT")))
	require.Len(t, acc.History, 1)

	// owners are rebuilt from the snapshot too, so advances still resolve
	require.NoError(t, s.Commit(ctx, domain.NewBatch(testNow).
		Advance("", "w-1", domain.StatusPending, domain.StatusChange{To: domain.StatusProcessing, At: testNow}, nil, "")))
}

func TestWALStore_AccountCopiesAreDetached(t *testing.T) {
	s := openStore(t, t.TempDir())
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	seed(t, s, "alice")
	require.NoError(t, s.Commit(ctx, domain.NewBatch(testNow).Credit("alice", "USDT", decimal.NewFromInt(5))))

	acc, err := s.Account(ctx, "alice")
	require.NoError(t, err)
	acc.Positions["USDT"] = decimal.NewFromInt(1000)

	balance, err := s.Balance(ctx, "alice", "USDT")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(5).Equal(balance))

	_, err = s.Account(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}
