// Package withdrawal validates and reserves outbound withdrawals and drives
// them through pending, processing and a final state.
package withdrawal

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/vault/config"
	"github.com/vadiminshakov/vault/internal/domain"
	"github.com/vadiminshakov/vault/internal/services/ledger"
)

// staleRetries bounds how often a refund is rebuilt after losing a status race.
const staleRetries = 3

type ledgerClient interface {
	Run(ctx context.Context, build ledger.BuildFunc) error
	NewBatch() *domain.Batch
	Account(ctx context.Context, accountID string) (domain.Account, error)
	Transaction(ctx context.Context, txID, owner string) (domain.Transaction, error)
	OpenWithdrawals(ctx context.Context) ([]domain.OwnedTransaction, error)
}

// Request withdrawal request from an account holder.
type Request struct {
	AccountID string
	Asset     string
	Network   string
	Amount    decimal.Decimal
	Address   string
	// Tier opaque verification tier supplied by the KYC collaborator.
	Tier string
}

// Service withdrawal state machine.
type Service struct {
	ledger ledgerClient
	assets map[string]config.Asset
	logger *zap.Logger
}

// NewService creates a withdrawal service over the configured asset policies.
func NewService(l ledgerClient, assets map[string]config.Asset, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{ledger: l, assets: assets, logger: logger}
}

// RequestWithdrawal validates req, reserves principal and network fee and
// records a pending withdrawal, all in one batch.
func (s *Service) RequestWithdrawal(ctx context.Context, req Request) (string, error) {
	asset, network, err := s.validate(req)
	if err != nil {
		return "", err
	}

	symbol := asset.Symbol
	tier := strings.ToLower(strings.TrimSpace(req.Tier))
	if tier == "" {
		tier = config.DefaultTier
	}
	address := strings.TrimSpace(req.Address)

	txID := uuid.New().String()
	err = s.ledger.Run(ctx, func(ctx context.Context) (*domain.Batch, error) {
		acc, err := s.ledger.Account(ctx, req.AccountID)
		if err != nil {
			return nil, err
		}

		batch := s.ledger.NewBatch()
		now := batch.CreatedAt

		if max, ok := asset.DailyMaximum(tier); ok {
			used := acc.WithdrawnSince(symbol, startOfDay(now))
			if used.Add(req.Amount).GreaterThan(max) {
				return nil, errors.Wrapf(domain.ErrExceedsMaximum, "%s used today %s, limit %s", symbol, used.String(), max.String())
			}
		}

		tx := domain.Transaction{
			ID:        txID,
			Kind:      domain.KindWithdrawal,
			Direction: domain.DirectionOutbound,
			Asset:     symbol,
			Amount:    req.Amount,
			Status:    domain.StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
			Network:   network.Name,
			Address:   address,
			FeeAsset:  network.FeeAsset,
			FeeAmount: network.FeeAmount,
			Tier:      tier,
			Trail: []domain.StatusChange{
				{From: domain.StatusRequested, To: domain.StatusPending, At: now, Note: "funds reserved"},
			},
		}

		// the version guard keeps racing requests from both passing the daily limit
		batch.ExpectVersion(req.AccountID, acc.Version)
		reserve(batch, req.AccountID, symbol, req.Amount, network.FeeAsset, network.FeeAmount, false)
		return batch.Append(req.AccountID, tx), nil
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("withdrawal requested",
		zap.String("tx", txID),
		zap.String("account", req.AccountID),
		zap.String("asset", symbol),
		zap.String("amount", req.Amount.String()),
		zap.String("network", network.Name),
		zap.String("fee", network.FeeAmount.String()+" "+network.FeeAsset))

	return txID, nil
}

func (s *Service) validate(req Request) (config.Asset, config.Network, error) {
	symbol := domain.NormalizeSymbol(req.Asset)
	asset, ok := s.assets[symbol]
	if !ok {
		return config.Asset{}, config.Network{}, errors.Wrapf(domain.ErrUnsupportedAsset, "asset %s", symbol)
	}
	if !req.Amount.IsPositive() {
		return config.Asset{}, config.Network{}, domain.ErrInvalidAmount
	}
	if req.Amount.LessThan(asset.Minimum) {
		return config.Asset{}, config.Network{}, errors.Wrapf(domain.ErrBelowMinimum, "%s minimum is %s", symbol, asset.Minimum.String())
	}
	if max, ok := asset.DailyMaximum(strings.ToLower(strings.TrimSpace(req.Tier))); ok && req.Amount.GreaterThan(max) {
		return config.Asset{}, config.Network{}, errors.Wrapf(domain.ErrExceedsMaximum, "%s daily limit is %s", symbol, max.String())
	}

	network, ok := asset.Networks[strings.ToLower(strings.TrimSpace(req.Network))]
	if !ok {
		return config.Asset{}, config.Network{}, errors.Wrapf(domain.ErrUnsupportedNetwork, "%s on %q", symbol, req.Network)
	}
	if !validAddress(network, strings.TrimSpace(req.Address)) {
		return config.Asset{}, config.Network{}, errors.Wrapf(domain.ErrInvalidAddress, "%s address %q", network.Name, req.Address)
	}

	return asset, network, nil
}

func validAddress(network config.Network, address string) bool {
	if address == "" {
		return false
	}
	if network.EVM && (!strings.HasPrefix(address, "0x") || !common.IsHexAddress(address)) {
		return false
	}
	if network.AddressPattern != nil && !network.AddressPattern.MatchString(address) {
		return false
	}
	return true
}

// reserve debits (or, with refund set, credits back) principal and fee. The
// same asset is moved once so the balance check covers both.
func reserve(batch *domain.Batch, accountID, asset string, amount decimal.Decimal, feeAsset string, fee decimal.Decimal, refund bool) {
	move := batch.Debit
	if refund {
		move = batch.Credit
	}

	if feeAsset == asset {
		move(accountID, asset, amount.Add(fee))
		return
	}
	move(accountID, asset, amount)
	if fee.IsPositive() {
		move(accountID, feeAsset, fee)
	}
}

// Cancel moves a requested or pending withdrawal owned by accountID to
// cancelled and refunds principal and fee.
func (s *Service) Cancel(ctx context.Context, accountID, txID string) error {
	err := s.settle(ctx, accountID, txID, domain.StatusCancelled, "cancelled by holder", func(st domain.Status) error {
		if !st.Cancellable() {
			return errors.Wrapf(domain.ErrCancellationWindowClosed, "withdrawal %s is %s", txID, st)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("withdrawal cancelled", zap.String("tx", txID), zap.String("account", accountID))
	return nil
}

// Fail forces a pending or processing withdrawal to failed with a refund.
// It is the entry point for operators and settlement callbacks.
func (s *Service) Fail(ctx context.Context, txID, reason string) error {
	owner, err := s.owner(ctx, txID)
	if err != nil {
		return err
	}
	return s.fail(ctx, owner, txID, reason)
}

func (s *Service) fail(ctx context.Context, accountID, txID, reason string) error {
	err := s.settle(ctx, accountID, txID, domain.StatusFailed, reason, func(st domain.Status) error {
		if !st.CanAdvanceTo(domain.StatusFailed) {
			return errors.Wrapf(domain.ErrInvalidTransition, "withdrawal %s is %s", txID, st)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Warn("withdrawal failed and refunded",
		zap.String("tx", txID),
		zap.String("account", accountID),
		zap.String("reason", reason))
	return nil
}

func (s *Service) owner(ctx context.Context, txID string) (string, error) {
	open, err := s.ledger.OpenWithdrawals(ctx)
	if err != nil {
		return "", err
	}
	for _, o := range open {
		if o.Transaction.ID == txID {
			return o.AccountID, nil
		}
	}
	if _, err := s.ledger.Transaction(ctx, txID, ""); err == nil {
		return "", errors.Wrapf(domain.ErrInvalidTransition, "withdrawal %s is already final", txID)
	}
	return "", errors.Wrapf(domain.ErrTransactionNotFound, "withdrawal %s", txID)
}

// settle moves the withdrawal to a refunding terminal status. A lost status
// race is rebuilt against the new status, which check then accepts or refuses.
func (s *Service) settle(ctx context.Context, accountID, txID string, target domain.Status, note string, check func(domain.Status) error) error {
	var err error
	for attempt := 0; attempt < staleRetries; attempt++ {
		err = s.ledger.Run(ctx, func(ctx context.Context) (*domain.Batch, error) {
			tx, err := s.ledger.Transaction(ctx, txID, accountID)
			if err != nil {
				return nil, err
			}
			if tx.Kind != domain.KindWithdrawal {
				return nil, errors.Wrapf(domain.ErrTransactionNotFound, "withdrawal %s", txID)
			}
			if err := check(tx.Status); err != nil {
				return nil, err
			}

			batch := s.ledger.NewBatch()
			refund := &domain.Refund{
				Asset:     tx.Asset,
				Amount:    tx.Amount,
				FeeAsset:  tx.FeeAsset,
				FeeAmount: tx.FeeAmount,
				At:        batch.CreatedAt,
			}
			change := domain.StatusChange{To: target, At: batch.CreatedAt, Note: note}

			batch.Advance(accountID, txID, tx.Status, change, refund, "")
			reserve(batch, accountID, tx.Asset, tx.Amount, tx.FeeAsset, tx.FeeAmount, true)
			return batch, nil
		})
		if !errors.Is(err, domain.ErrStaleStatus) {
			return err
		}
	}
	return err
}

// advance records a non-refunding forward step such as pending to processing.
func (s *Service) advance(ctx context.Context, accountID, txID string, from, to domain.Status, note, settlementRef string) error {
	return s.ledger.Run(ctx, func(context.Context) (*domain.Batch, error) {
		batch := s.ledger.NewBatch()
		change := domain.StatusChange{To: to, At: batch.CreatedAt, Note: note}
		return batch.Advance(accountID, txID, from, change, nil, settlementRef), nil
	})
}

func startOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
