// Package ledger is the sole balance mutator. It owns account creation,
// atomic position changes, idempotent history appends and guarded status
// transitions; every other service reaches the store through it.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/vault/internal/domain"
	"github.com/vadiminshakov/vault/internal/events"
	"github.com/vadiminshakov/vault/pkg/retrier"
)

// Store durable ledger storage. Commit must apply a batch all-or-nothing and
// perform debits as check-and-decrement against the stored position.
type Store interface {
	Commit(ctx context.Context, batch *domain.Batch) error
	Balance(ctx context.Context, accountID, asset string) (decimal.Decimal, error)
	Account(ctx context.Context, accountID string) (domain.Account, error)
	Accounts(ctx context.Context) ([]domain.AccountRef, error)
	History(ctx context.Context, accountID string) ([]domain.Transaction, error)
	Transaction(ctx context.Context, txID, owner string) (domain.Transaction, error)
	OpenWithdrawals(ctx context.Context) ([]domain.OwnedTransaction, error)
}

type aliasMinter interface {
	Mint(ctx context.Context, accountID string, claim func(ctx context.Context, alias uint64) error) (uint64, error)
}

type publisher interface {
	Publish(e events.TransactionEvent)
}

// BuildFunc produces a batch from freshly read state. It is called again after a concurrency conflict.
type BuildFunc func(ctx context.Context) (*domain.Batch, error)

// Ledger account ledger service.
type Ledger struct {
	store   Store
	aliases aliasMinter
	events  publisher
	retrier *retrier.Retrier
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(lg *Ledger) {
		if l != nil {
			lg.logger = l
		}
	}
}

// WithPublisher sets the transaction event sink.
func WithPublisher(p publisher) Option {
	return func(lg *Ledger) {
		lg.events = p
	}
}

// WithMaxRetries bounds retries on concurrency conflicts.
func WithMaxRetries(n int) Option {
	return func(lg *Ledger) {
		lg.retrier = newConflictRetrier(n, lg.logger)
	}
}

// WithClock overrides the clock for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(lg *Ledger) {
		if now != nil {
			lg.now = now
		}
	}
}

const defaultMaxRetries = 5

// New creates a ledger over store. aliases mints public aliases for new accounts.
func New(store Store, aliases aliasMinter, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("store is required for ledger")
	}
	if aliases == nil {
		return nil, errors.New("alias directory is required for ledger")
	}

	l := &Ledger{
		store:   store,
		aliases: aliases,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.retrier == nil {
		l.retrier = newConflictRetrier(defaultMaxRetries, l.logger)
	}

	return l, nil
}

func newConflictRetrier(maxRetries int, logger *zap.Logger) *retrier.Retrier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return retrier.New(
		retrier.WithMaxRetries(maxRetries),
		retrier.WithInitialInterval(5*time.Millisecond),
		retrier.WithMaxInterval(200*time.Millisecond),
		retrier.WithRetryIf(func(err error) bool {
			return errors.Is(err, domain.ErrConcurrencyConflict)
		}),
		retrier.WithOnRetry(func(attempt int, err error) {
			logger.Debug("retrying ledger batch after conflict", zap.Int("attempt", attempt), zap.Error(err))
		}),
	)
}

// Now returns the ledger clock time.
func (l *Ledger) Now() time.Time {
	return l.now()
}

// NewBatch starts a batch stamped with the ledger clock.
func (l *Ledger) NewBatch() *domain.Batch {
	return domain.NewBatch(l.now())
}

// Run builds and commits a batch, rebuilding it on concurrency conflicts up to
// the retry bound. Exhausting the bound surfaces ErrConcurrencyConflict.
func (l *Ledger) Run(ctx context.Context, build BuildFunc) error {
	var committed *domain.Batch
	err := l.retrier.Do(ctx, func(ctx context.Context) error {
		batch, err := build(ctx)
		if err != nil {
			return err
		}
		if batch == nil || len(batch.Ops) == 0 {
			committed = nil
			return nil
		}
		if err := l.store.Commit(ctx, batch); err != nil {
			return err
		}
		committed = batch
		return nil
	})
	if err != nil {
		return err
	}

	if committed != nil {
		l.publish(ctx, committed)
	}
	return nil
}

// Commit commits a prebuilt batch once, without conflict retries.
func (l *Ledger) Commit(ctx context.Context, batch *domain.Batch) error {
	if err := l.store.Commit(ctx, batch); err != nil {
		return err
	}
	l.publish(ctx, batch)
	return nil
}

func (l *Ledger) publish(ctx context.Context, batch *domain.Batch) {
	if l.events == nil {
		return
	}

	for _, op := range batch.Ops {
		switch op.Kind {
		case domain.OpAppend:
			l.events.Publish(events.TransactionEvent{
				Type:      events.TypeAppended,
				AccountID: op.AccountID,
				Tx:        op.Tx.Clone(),
				At:        batch.CreatedAt,
			})
		case domain.OpAdvance:
			tx, err := l.store.Transaction(ctx, op.TxID, op.AccountID)
			if err != nil {
				l.logger.Warn("failed to load advanced transaction for event", zap.String("tx", op.TxID), zap.Error(err))
				continue
			}
			l.events.Publish(events.TransactionEvent{
				Type:      events.TypeAdvanced,
				AccountID: op.AccountID,
				Tx:        tx,
				At:        batch.CreatedAt,
			})
		}
	}
}

// CreateAccount registers ownerID as a ledger account with a freshly minted alias.
func (l *Ledger) CreateAccount(ctx context.Context, ownerID string) (domain.Account, error) {
	if ownerID == "" {
		return domain.Account{}, errors.New("owner id is required")
	}

	var created domain.Account
	_, err := l.aliases.Mint(ctx, ownerID, func(ctx context.Context, alias uint64) error {
		account := domain.NewAccount(ownerID, alias, l.now())
		if err := l.store.Commit(ctx, l.NewBatch().CreateAccount(account)); err != nil {
			return err
		}
		created = account
		return nil
	})
	if err != nil {
		return domain.Account{}, errors.Wrapf(err, "create account %s", ownerID)
	}

	l.logger.Info("account created", zap.String("account", created.ID), zap.Uint64("alias", created.Alias))
	return created, nil
}

// GetBalance returns the position amount; a missing account or position reads as zero.
func (l *Ledger) GetBalance(ctx context.Context, accountID, asset string) (decimal.Decimal, error) {
	balance, err := l.store.Balance(ctx, accountID, domain.NormalizeSymbol(asset))
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "read %s balance of %s", asset, accountID)
	}
	return balance, nil
}

// Credit atomically increases a position, creating it when absent.
func (l *Ledger) Credit(ctx context.Context, accountID, asset string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return domain.ErrInvalidAmount
	}
	asset = domain.NormalizeSymbol(asset)
	return l.Run(ctx, func(context.Context) (*domain.Batch, error) {
		return l.NewBatch().Credit(accountID, asset, amount), nil
	})
}

// Debit atomically decreases a position; it fails with InsufficientFundsError when the balance is short.
func (l *Ledger) Debit(ctx context.Context, accountID, asset string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return domain.ErrInvalidAmount
	}
	asset = domain.NormalizeSymbol(asset)
	return l.Run(ctx, func(context.Context) (*domain.Batch, error) {
		return l.NewBatch().Debit(accountID, asset, amount), nil
	})
}

// AppendTransaction adds tx to the account history. Re-appending an id is a no-op.
func (l *Ledger) AppendTransaction(ctx context.Context, accountID string, tx domain.Transaction) error {
	if tx.ID == "" {
		return errors.New("transaction id is required")
	}
	return l.Run(ctx, func(context.Context) (*domain.Batch, error) {
		return l.NewBatch().Append(accountID, tx), nil
	})
}

// AdvanceStatus moves txID from expected to next. It fails with ErrStaleStatus
// when another writer already moved the transaction. Failed and cancelled carry
// a refund and are only reachable through the withdrawal service.
func (l *Ledger) AdvanceStatus(ctx context.Context, txID string, expected, next domain.Status, note string) error {
	if !expected.CanAdvanceTo(next) {
		return errors.Wrapf(domain.ErrInvalidTransition, "%s -> %s", expected, next)
	}
	if next.Refunds() {
		return errors.Wrapf(domain.ErrInvalidTransition, "%s -> %s needs a refund", expected, next)
	}
	return l.Run(ctx, func(ctx context.Context) (*domain.Batch, error) {
		change := domain.StatusChange{To: next, At: l.now(), Note: note}
		return l.NewBatch().Advance("", txID, expected, change, nil, ""), nil
	})
}

// Deposit credits an externally funded amount and records it. A repeated ref is a no-op.
func (l *Ledger) Deposit(ctx context.Context, accountID, asset string, amount decimal.Decimal, ref string) (string, error) {
	if !amount.IsPositive() {
		return "", domain.ErrInvalidAmount
	}
	if ref == "" {
		ref = uuid.New().String()
	}
	asset = domain.NormalizeSymbol(asset)

	err := l.Run(ctx, func(ctx context.Context) (*domain.Batch, error) {
		acc, err := l.store.Account(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if acc.HasTransaction(ref) {
			return nil, nil
		}
		now := l.now()
		tx := domain.Transaction{
			ID:        ref,
			Kind:      domain.KindDeposit,
			Direction: domain.DirectionInbound,
			Asset:     asset,
			Amount:    amount,
			Status:    domain.StatusCompleted,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return l.NewBatch().
			ExpectVersion(accountID, acc.Version).
			Credit(accountID, asset, amount).
			Append(accountID, tx), nil
	})
	if err != nil {
		return "", errors.Wrapf(err, "deposit %s %s to %s", amount.String(), asset, accountID)
	}

	return ref, nil
}

// MigrateLegacy folds a legacy scalar balance into the positions map once.
// The legacy record is never consulted again.
func (l *Ledger) MigrateLegacy(ctx context.Context, legacy domain.LegacyAccount) error {
	if legacy.ID == "" || legacy.Asset == "" {
		return errors.New("legacy account id and asset are required")
	}

	if _, err := l.store.Account(ctx, legacy.ID); err != nil {
		if !errors.Is(err, domain.ErrAccountNotFound) {
			return err
		}
		if _, err := l.CreateAccount(ctx, legacy.ID); err != nil && !errors.Is(err, domain.ErrAccountExists) {
			return err
		}
	}

	if !legacy.Balance.IsPositive() {
		return nil
	}

	ref := "migration-" + legacy.ID
	asset := domain.NormalizeSymbol(legacy.Asset)
	return l.Run(ctx, func(ctx context.Context) (*domain.Batch, error) {
		acc, err := l.store.Account(ctx, legacy.ID)
		if err != nil {
			return nil, err
		}
		if acc.HasTransaction(ref) {
			return nil, nil
		}
		now := l.now()
		tx := domain.Transaction{
			ID:        ref,
			Kind:      domain.KindMigration,
			Direction: domain.DirectionInbound,
			Asset:     asset,
			Amount:    legacy.Balance,
			Status:    domain.StatusCompleted,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return l.NewBatch().
			ExpectVersion(legacy.ID, acc.Version).
			Credit(legacy.ID, asset, legacy.Balance).
			Append(legacy.ID, tx), nil
	})
}

// Account returns a copy of the account with positions and history.
func (l *Ledger) Account(ctx context.Context, accountID string) (domain.Account, error) {
	return l.store.Account(ctx, accountID)
}

// History returns the account history in creation order.
func (l *Ledger) History(ctx context.Context, accountID string) ([]domain.Transaction, error) {
	return l.store.History(ctx, accountID)
}

// Transaction returns the transaction as recorded in owner's history (any owner when empty).
func (l *Ledger) Transaction(ctx context.Context, txID, owner string) (domain.Transaction, error) {
	return l.store.Transaction(ctx, txID, owner)
}

// OpenWithdrawals lists non-terminal withdrawals for the settlement scheduler.
func (l *Ledger) OpenWithdrawals(ctx context.Context) ([]domain.OwnedTransaction, error) {
	return l.store.OpenWithdrawals(ctx)
}
