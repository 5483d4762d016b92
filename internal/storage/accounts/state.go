package accounts

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/vault/internal/domain"
)

// state in-memory ledger image rebuilt from the WAL.
type state struct {
	accounts map[string]*domain.Account
	aliases  map[uint64]string
	// owners maps a transaction id to every account whose history holds it.
	owners map[string][]string
}

func newState() *state {
	return &state{
		accounts: make(map[string]*domain.Account),
		aliases:  make(map[uint64]string),
		owners:   make(map[string][]string),
	}
}

func (s *state) reset(accounts []domain.Account) {
	*s = *newState()
	for _, acc := range accounts {
		c := acc.Clone()
		s.accounts[c.ID] = &c
		s.aliases[c.Alias] = c.ID
		for _, tx := range c.History {
			s.owners[tx.ID] = append(s.owners[tx.ID], c.ID)
		}
	}
}

func (s *state) snapshot() []domain.Account {
	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]domain.Account, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.accounts[id].Clone())
	}
	return out
}

func (s *state) findTx(accountID, txID string) *domain.Transaction {
	acc, ok := s.accounts[accountID]
	if !ok {
		return nil
	}
	for i := range acc.History {
		if acc.History[i].ID == txID {
			return &acc.History[i]
		}
	}
	return nil
}

func (s *state) status(txID string) (domain.Status, bool) {
	owners := s.owners[txID]
	if len(owners) == 0 {
		return "", false
	}
	tx := s.findTx(owners[0], txID)
	if tx == nil {
		return "", false
	}
	return tx.Status, true
}

type positionKey struct {
	account string
	asset   string
}

// scratch tracks the provisional effect of a batch while it is validated.
type scratch struct {
	base     *state
	created  map[string]*domain.Account
	aliases  map[uint64]struct{}
	balances map[positionKey]decimal.Decimal
	appended map[string]map[string]struct{}
	statuses map[string]domain.Status
}

func newScratch(base *state) *scratch {
	return &scratch{
		base:     base,
		created:  make(map[string]*domain.Account),
		aliases:  make(map[uint64]struct{}),
		balances: make(map[positionKey]decimal.Decimal),
		appended: make(map[string]map[string]struct{}),
		statuses: make(map[string]domain.Status),
	}
}

func (sc *scratch) accountExists(id string) bool {
	if _, ok := sc.created[id]; ok {
		return true
	}
	_, ok := sc.base.accounts[id]
	return ok
}

func (sc *scratch) balance(account, asset string) decimal.Decimal {
	key := positionKey{account: account, asset: asset}
	if b, ok := sc.balances[key]; ok {
		return b
	}
	if acc, ok := sc.base.accounts[account]; ok {
		return acc.Balance(asset)
	}
	return decimal.Zero
}

func (sc *scratch) hasTx(account, txID string) bool {
	if set, ok := sc.appended[account]; ok {
		if _, dup := set[txID]; dup {
			return true
		}
	}
	if acc, ok := sc.base.accounts[account]; ok {
		return acc.HasTransaction(txID)
	}
	return false
}

func (sc *scratch) status(txID string) (domain.Status, bool) {
	if st, ok := sc.statuses[txID]; ok {
		return st, true
	}
	return sc.base.status(txID)
}

// validate checks every op against current state plus the earlier ops of the
// same batch, and returns the batch with idempotent no-op appends removed.
func (s *state) validate(batch *domain.Batch) (*domain.Batch, error) {
	if batch == nil || len(batch.Ops) == 0 {
		return nil, errors.New("empty batch")
	}

	sc := newScratch(s)
	effective := &domain.Batch{ID: batch.ID, CreatedAt: batch.CreatedAt, Ops: make([]domain.Op, 0, len(batch.Ops))}

	for _, op := range batch.Ops {
		switch op.Kind {
		case domain.OpCreateAccount:
			if op.Account == nil || op.Account.ID == "" {
				return nil, errors.New("create account op without account")
			}
			if sc.accountExists(op.Account.ID) {
				return nil, errors.Wrapf(domain.ErrAccountExists, "account %s", op.Account.ID)
			}
			if _, taken := s.aliases[op.Account.Alias]; taken {
				return nil, errors.Wrapf(domain.ErrAliasTaken, "alias %d", op.Account.Alias)
			}
			if _, taken := sc.aliases[op.Account.Alias]; taken {
				return nil, errors.Wrapf(domain.ErrAliasTaken, "alias %d", op.Account.Alias)
			}
			sc.created[op.Account.ID] = op.Account
			sc.aliases[op.Account.Alias] = struct{}{}

		case domain.OpCredit, domain.OpDebit:
			if !op.Amount.IsPositive() {
				return nil, domain.ErrInvalidAmount
			}
			if !sc.accountExists(op.AccountID) {
				return nil, errors.Wrapf(domain.ErrAccountNotFound, "account %s", op.AccountID)
			}
			key := positionKey{account: op.AccountID, asset: op.Asset}
			current := sc.balance(op.AccountID, op.Asset)
			if op.Kind == domain.OpCredit {
				sc.balances[key] = current.Add(op.Amount)
				break
			}
			if current.LessThan(op.Amount) {
				return nil, &domain.InsufficientFundsError{
					Asset:     op.Asset,
					Available: current.String(),
					Required:  op.Amount.String(),
				}
			}
			sc.balances[key] = current.Sub(op.Amount)

		case domain.OpAppend:
			if op.Tx == nil || op.Tx.ID == "" {
				return nil, errors.New("append op without transaction")
			}
			if !sc.accountExists(op.AccountID) {
				return nil, errors.Wrapf(domain.ErrAccountNotFound, "account %s", op.AccountID)
			}
			if sc.hasTx(op.AccountID, op.Tx.ID) {
				continue
			}
			if sc.appended[op.AccountID] == nil {
				sc.appended[op.AccountID] = make(map[string]struct{})
			}
			sc.appended[op.AccountID][op.Tx.ID] = struct{}{}
			if _, known := sc.status(op.Tx.ID); !known {
				sc.statuses[op.Tx.ID] = op.Tx.Status
			}

		case domain.OpAdvance:
			if op.Change == nil {
				return nil, errors.New("advance op without status change")
			}
			current, ok := sc.status(op.TxID)
			if !ok || (op.AccountID != "" && !sc.hasTx(op.AccountID, op.TxID)) {
				return nil, errors.Wrapf(domain.ErrTransactionNotFound, "transaction %s", op.TxID)
			}
			if current != op.Expected {
				return nil, errors.Wrapf(domain.ErrStaleStatus, "transaction %s is %s, expected %s", op.TxID, current, op.Expected)
			}
			if !current.CanAdvanceTo(op.Change.To) {
				return nil, errors.Wrapf(domain.ErrInvalidTransition, "%s -> %s", current, op.Change.To)
			}
			if op.Change.To.Refunds() && op.Refund == nil {
				return nil, errors.Wrapf(domain.ErrInvalidTransition, "%s -> %s without refund", current, op.Change.To)
			}
			sc.statuses[op.TxID] = op.Change.To

		case domain.OpReference:
			if op.SettlementRef == "" {
				return nil, errors.New("reference op without settlement ref")
			}
			current, ok := sc.status(op.TxID)
			if !ok || (op.AccountID != "" && !sc.hasTx(op.AccountID, op.TxID)) {
				return nil, errors.Wrapf(domain.ErrTransactionNotFound, "transaction %s", op.TxID)
			}
			if current != op.Expected {
				return nil, errors.Wrapf(domain.ErrStaleStatus, "transaction %s is %s, expected %s", op.TxID, current, op.Expected)
			}

		case domain.OpExpectVersion:
			acc, ok := s.accounts[op.AccountID]
			if !ok {
				return nil, errors.Wrapf(domain.ErrAccountNotFound, "account %s", op.AccountID)
			}
			if acc.Version != op.Version {
				return nil, errors.Wrapf(domain.ErrConcurrencyConflict, "account %s version %d, expected %d", op.AccountID, acc.Version, op.Version)
			}

		default:
			return nil, errors.Errorf("unknown op kind %q", op.Kind)
		}

		effective.Ops = append(effective.Ops, op)
	}

	return effective, nil
}

// apply mutates state with an already validated batch. Replay uses it unchanged.
func (s *state) apply(batch *domain.Batch) {
	touched := make(map[string]struct{})

	for _, op := range batch.Ops {
		switch op.Kind {
		case domain.OpCreateAccount:
			acc := op.Account.Clone()
			if acc.Positions == nil {
				acc.Positions = make(map[string]decimal.Decimal)
			}
			s.accounts[acc.ID] = &acc
			s.aliases[acc.Alias] = acc.ID
			touched[acc.ID] = struct{}{}

		case domain.OpCredit:
			acc := s.accounts[op.AccountID]
			acc.Positions[op.Asset] = acc.Balance(op.Asset).Add(op.Amount)
			touched[acc.ID] = struct{}{}

		case domain.OpDebit:
			acc := s.accounts[op.AccountID]
			acc.Positions[op.Asset] = acc.Balance(op.Asset).Sub(op.Amount)
			touched[acc.ID] = struct{}{}

		case domain.OpAppend:
			acc := s.accounts[op.AccountID]
			acc.History = append(acc.History, op.Tx.Clone())
			s.owners[op.Tx.ID] = append(s.owners[op.Tx.ID], acc.ID)
			touched[acc.ID] = struct{}{}

		case domain.OpAdvance:
			for _, owner := range s.owners[op.TxID] {
				if tx := s.findTx(owner, op.TxID); tx != nil {
					tx.ApplyAdvance(*op.Change, op.Refund, op.SettlementRef)
					touched[owner] = struct{}{}
				}
			}

		case domain.OpReference:
			for _, owner := range s.owners[op.TxID] {
				if tx := s.findTx(owner, op.TxID); tx != nil {
					tx.SettlementRef = op.SettlementRef
					touched[owner] = struct{}{}
				}
			}
		}
	}

	for id := range touched {
		s.accounts[id].Version++
	}
}
