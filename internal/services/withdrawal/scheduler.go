package withdrawal

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/vault/internal/domain"
	"github.com/vadiminshakov/vault/internal/services/settlement"
)

const DefaultTick = 2 * time.Second

// Scheduler server-side loop that advances open withdrawals. It keeps no
// state of its own: every tick reloads non-terminal withdrawals from the
// ledger, so progress survives restarts and never depends on a client.
type Scheduler struct {
	service *Service
	settler settlement.Settler
	tick    time.Duration
	logger  *zap.Logger
}

// NewScheduler creates a scheduler polling settler every tick.
func NewScheduler(service *Service, settler settlement.Settler, tick time.Duration, logger *zap.Logger) *Scheduler {
	if tick <= 0 {
		tick = DefaultTick
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{service: service, settler: settler, tick: tick, logger: logger}
}

// Run ticks until ctx is cancelled. The first pass happens immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.logger.Info("withdrawal scheduler started", zap.Duration("tick", s.tick))
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("withdrawal scheduler tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			s.logger.Info("withdrawal scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick makes one pass over open withdrawals and returns how many changed status.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	open, err := s.service.ledger.OpenWithdrawals(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "load open withdrawals")
	}

	moved := 0
	for _, owned := range open {
		if err := ctx.Err(); err != nil {
			return moved, err
		}

		changed, err := s.step(ctx, owned)
		if err != nil {
			if errors.Is(err, domain.ErrStaleStatus) {
				// another writer (cancel, operator) got there first
				continue
			}
			s.logger.Warn("withdrawal step failed",
				zap.String("tx", owned.Transaction.ID),
				zap.String("status", owned.Transaction.Status.String()),
				zap.Error(err))
			continue
		}
		if changed {
			moved++
		}
	}

	return moved, nil
}

func (s *Scheduler) step(ctx context.Context, owned domain.OwnedTransaction) (bool, error) {
	tx := owned.Transaction
	req := settlement.NewRequest(owned)

	switch tx.Status {
	case domain.StatusPending:
		err := s.settler.Ready(ctx, req)
		switch {
		case errors.Is(err, settlement.ErrNotReady):
			return false, nil
		case errors.Is(err, domain.ErrExternalSettlement):
			return true, s.service.fail(ctx, owned.AccountID, tx.ID, err.Error())
		case err != nil:
			return false, err
		}

		// processing closes the cancellation window before the rail sees anything
		if err := s.service.advance(ctx, owned.AccountID, tx.ID, domain.StatusPending, domain.StatusProcessing, "claimed for settlement", ""); err != nil {
			return false, err
		}
		claimed, err := s.service.ledger.Transaction(ctx, tx.ID, owned.AccountID)
		if err != nil {
			return true, err
		}
		return true, s.submit(ctx, domain.OwnedTransaction{AccountID: owned.AccountID, Transaction: claimed})

	case domain.StatusProcessing:
		if tx.SettlementRef == "" {
			return false, s.submit(ctx, owned)
		}

		outcome, err := s.settler.Status(ctx, req)
		if err != nil {
			return false, err
		}

		switch outcome.State {
		case settlement.StateSettled:
			if err := s.service.advance(ctx, owned.AccountID, tx.ID, domain.StatusProcessing, domain.StatusCompleted, "settled", ""); err != nil {
				return false, err
			}
			s.logger.Info("withdrawal completed", zap.String("tx", tx.ID), zap.String("ref", tx.SettlementRef))
			return true, nil
		case settlement.StateRejected:
			reason := outcome.Reason
			if reason == "" {
				reason = domain.ErrExternalSettlement.Error()
			}
			return true, s.service.fail(ctx, owned.AccountID, tx.ID, reason)
		default:
			return false, nil
		}
	}

	return false, nil
}

// submit hands a claimed withdrawal to the rail and records the reference.
// A final refusal fails it from processing with a refund; anything else leaves
// it processing without a reference so the next tick submits again.
func (s *Scheduler) submit(ctx context.Context, owned domain.OwnedTransaction) error {
	tx := owned.Transaction

	ref, err := s.settler.Submit(ctx, settlement.NewRequest(owned))
	switch {
	case errors.Is(err, domain.ErrExternalSettlement):
		return s.service.fail(ctx, owned.AccountID, tx.ID, err.Error())
	case err != nil:
		return errors.Wrap(err, "submit to settlement")
	}

	err = s.service.ledger.Run(ctx, func(context.Context) (*domain.Batch, error) {
		return s.service.ledger.NewBatch().Reference(owned.AccountID, tx.ID, domain.StatusProcessing, ref), nil
	})
	if err != nil {
		return errors.Wrapf(err, "record settlement ref %s", ref)
	}

	s.logger.Info("withdrawal processing", zap.String("tx", tx.ID), zap.String("ref", ref))
	return nil
}
