// Package transfer moves value between two ledger accounts in one atomic batch.
package transfer

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/vault/internal/domain"
	"github.com/vadiminshakov/vault/internal/services/ledger"
)

type resolver interface {
	Resolve(ref string) (string, error)
}

type batchRunner interface {
	Run(ctx context.Context, build ledger.BuildFunc) error
	NewBatch() *domain.Batch
	Account(ctx context.Context, accountID string) (domain.Account, error)
}

// Service transfer protocol.
type Service struct {
	ledger    batchRunner
	directory resolver
	assets    map[string]struct{}
	logger    *zap.Logger
}

// NewService creates a transfer service restricted to assets.
func NewService(l batchRunner, directory resolver, assets []string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	set := make(map[string]struct{}, len(assets))
	for _, a := range assets {
		set[domain.NormalizeSymbol(a)] = struct{}{}
	}
	return &Service{ledger: l, directory: directory, assets: set, logger: logger}
}

// Transfer debits sender and credits the account behind recipientRef. Both
// histories get the same transaction id; the whole movement commits or nothing does.
func (s *Service) Transfer(ctx context.Context, senderID, recipientRef, asset string, amount decimal.Decimal) (string, error) {
	asset = domain.NormalizeSymbol(asset)
	if _, ok := s.assets[asset]; !ok {
		return "", errors.Wrapf(domain.ErrUnsupportedAsset, "asset %s", asset)
	}
	if !amount.IsPositive() {
		return "", domain.ErrInvalidAmount
	}

	recipientID, err := s.directory.Resolve(recipientRef)
	if err != nil {
		return "", err
	}
	if recipientID == senderID {
		return "", domain.ErrSelfTransferNotAllowed
	}

	txID := uuid.New().String()
	err = s.ledger.Run(ctx, func(ctx context.Context) (*domain.Batch, error) {
		if _, err := s.ledger.Account(ctx, senderID); err != nil {
			return nil, err
		}
		if _, err := s.ledger.Account(ctx, recipientID); err != nil {
			if errors.Is(err, domain.ErrAccountNotFound) {
				return nil, errors.Wrapf(domain.ErrRecipientNotFound, "account %s", recipientID)
			}
			return nil, err
		}

		batch := s.ledger.NewBatch()
		now := batch.CreatedAt
		outbound := domain.Transaction{
			ID:             txID,
			Kind:           domain.KindTransfer,
			Direction:      domain.DirectionOutbound,
			Asset:          asset,
			Amount:         amount,
			Status:         domain.StatusCompleted,
			CreatedAt:      now,
			UpdatedAt:      now,
			CounterpartyID: recipientID,
		}
		inbound := outbound
		inbound.Direction = domain.DirectionInbound
		inbound.CounterpartyID = senderID

		return batch.
			Debit(senderID, asset, amount).
			Credit(recipientID, asset, amount).
			Append(senderID, outbound).
			Append(recipientID, inbound), nil
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("transfer completed",
		zap.String("tx", txID),
		zap.String("from", senderID),
		zap.String("to", recipientID),
		zap.String("asset", asset),
		zap.String("amount", amount.String()))

	return txID, nil
}
