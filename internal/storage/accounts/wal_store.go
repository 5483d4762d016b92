// Package accounts keeps the authoritative ledger image in memory and makes it
// durable through a write-ahead log. Every committed batch is a single WAL
// record, so a batch is either fully replayed after a restart or not at all.
package accounts

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/gowal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/vault/internal/domain"
)

const (
	DefaultDir        = "./wal/ledger"
	segmentLimit      = 1000
	maxSegments       = 100
	dirPermissions    = 0o755
	batchKeyPrefix    = "ledger_batch_"
	snapshotKey       = "ledger_snapshot"
	defaultSnapshotAt = segmentLimit / 2
)

// WALStore ledger store backed by gowal.
type WALStore struct {
	wal    *gowal.Wal
	mu     sync.RWMutex
	state  *state
	logger *zap.Logger

	// a full snapshot is written every snapshotEvery batches so that segment
	// rotation never drops state that is still needed for replay.
	snapshotEvery int
	sinceSnapshot int
}

// Option configures a WALStore.
type Option func(*WALStore)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *WALStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSnapshotEvery overrides how many batches are written between snapshots.
func WithSnapshotEvery(n int) Option {
	return func(s *WALStore) {
		if n > 0 {
			s.snapshotEvery = n
		}
	}
}

// NewWALStore opens (or creates) the WAL under dir and replays it.
func NewWALStore(dir string, opts ...Option) (*WALStore, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to ensure WAL directory %s", dir)
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "ledger_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init ledger WAL")
	}

	s := &WALStore{
		wal:           wal,
		state:         newState(),
		logger:        zap.NewNop(),
		snapshotEvery: defaultSnapshotAt,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.replay(); err != nil {
		_ = wal.Close()
		return nil, err
	}

	s.logger.Info("ledger WAL replayed",
		zap.String("dir", dir),
		zap.Int("accounts", len(s.state.accounts)),
		zap.Uint64("index", wal.CurrentIndex()))

	return s, nil
}

func (s *WALStore) replay() error {
	for msg := range s.wal.Iterator() {
		switch {
		case msg.Key == snapshotKey:
			var accounts []domain.Account
			if err := json.Unmarshal(msg.Value, &accounts); err != nil {
				return errors.Wrap(err, "decode ledger snapshot")
			}
			s.state.reset(accounts)
			s.sinceSnapshot = 0
		case strings.HasPrefix(msg.Key, batchKeyPrefix):
			var batch domain.Batch
			if err := json.Unmarshal(msg.Value, &batch); err != nil {
				return errors.Wrapf(err, "decode ledger batch %s", msg.Key)
			}
			s.state.apply(&batch)
			s.sinceSnapshot++
		}
	}
	return nil
}

// Commit validates, persists and applies batch as one unit.
func (s *WALStore) Commit(ctx context.Context, batch *domain.Batch) error {
	if s == nil || s.wal == nil {
		return errors.New("ledger store is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	effective, err := s.state.validate(batch)
	if err != nil {
		return err
	}
	if len(effective.Ops) == 0 {
		return nil
	}

	payload, err := json.Marshal(effective)
	if err != nil {
		return errors.Wrap(err, "marshal ledger batch")
	}

	nextIndex := s.wal.CurrentIndex() + 1
	if err := s.wal.Write(nextIndex, batchKeyPrefix+effective.ID, payload); err != nil {
		return errors.Wrap(err, "write ledger batch")
	}
	s.state.apply(effective)

	s.sinceSnapshot++
	if s.sinceSnapshot >= s.snapshotEvery {
		if err := s.writeSnapshot(); err != nil {
			// the batch itself is durable; a missed snapshot is retried on the next commit
			s.logger.Warn("failed to write ledger snapshot", zap.Error(err))
		}
	}

	return nil
}

func (s *WALStore) writeSnapshot() error {
	payload, err := json.Marshal(s.state.snapshot())
	if err != nil {
		return errors.Wrap(err, "marshal ledger snapshot")
	}
	nextIndex := s.wal.CurrentIndex() + 1
	if err := s.wal.Write(nextIndex, snapshotKey, payload); err != nil {
		return errors.Wrap(err, "write ledger snapshot")
	}
	s.sinceSnapshot = 0
	return nil
}

// Balance returns the position amount, zero when the account or position is absent.
func (s *WALStore) Balance(_ context.Context, accountID, asset string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.state.accounts[accountID]
	if !ok {
		return decimal.Zero, nil
	}
	return acc.Balance(asset), nil
}

// Account returns a copy of the account.
func (s *WALStore) Account(_ context.Context, accountID string) (domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.state.accounts[accountID]
	if !ok {
		return domain.Account{}, errors.Wrapf(domain.ErrAccountNotFound, "account %s", accountID)
	}
	return acc.Clone(), nil
}

// Accounts lists id/alias pairs of every account.
func (s *WALStore) Accounts(_ context.Context) ([]domain.AccountRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refs := make([]domain.AccountRef, 0, len(s.state.accounts))
	for _, acc := range s.state.accounts {
		refs = append(refs, domain.AccountRef{ID: acc.ID, Alias: acc.Alias})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs, nil
}

// History returns the account history in creation order.
func (s *WALStore) History(ctx context.Context, accountID string) ([]domain.Transaction, error) {
	acc, err := s.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return acc.History, nil
}

// Transaction returns the record with txID as seen by owner, or by its first owner when owner is empty.
func (s *WALStore) Transaction(_ context.Context, txID, owner string) (domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owners := s.state.owners[txID]
	if owner == "" && len(owners) > 0 {
		owner = owners[0]
	}
	tx := s.state.findTx(owner, txID)
	if tx == nil {
		return domain.Transaction{}, errors.Wrapf(domain.ErrTransactionNotFound, "transaction %s", txID)
	}
	return tx.Clone(), nil
}

// OpenWithdrawals returns every non-terminal withdrawal ordered by creation time.
func (s *WALStore) OpenWithdrawals(_ context.Context) ([]domain.OwnedTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.OwnedTransaction
	for _, acc := range s.state.accounts {
		for _, tx := range acc.History {
			if tx.Kind == domain.KindWithdrawal && !tx.Status.Terminal() {
				out = append(out, domain.OwnedTransaction{AccountID: acc.ID, Transaction: tx.Clone()})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Transaction.CreatedAt.Before(out[j].Transaction.CreatedAt)
	})
	return out, nil
}

// CurrentIndex returns the latest WAL index stored.
func (s *WALStore) CurrentIndex() uint64 {
	if s == nil || s.wal == nil {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.wal.CurrentIndex()
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("ledger store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
