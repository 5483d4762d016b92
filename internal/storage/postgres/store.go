// Package postgres is the relational ledger store. A batch is one SQL
// transaction: debits are guarded decrements, status and version checks take
// row locks, and repeated appends are absorbed by the primary key.
package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/vault/internal/domain"
)

const (
	defaultMaxConns = 10

	pgUniqueViolation      = "23505"
	pgForeignKeyViolation  = "23503"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"

	aliasConstraint = "accounts_alias_key"
)

// Store ledger store backed by a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// Option configures a Store.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	maxConns int32
	migrate  bool
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMaxConns bounds the pool size.
func WithMaxConns(n int32) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConns = n
		}
	}
}

// WithoutMigrations skips applying the embedded schema on Open.
func WithoutMigrations() Option {
	return func(o *options) {
		o.migrate = false
	}
}

// Open migrates the schema and connects a pool to dsn.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	o := options{logger: zap.NewNop(), maxConns: defaultMaxConns, migrate: true}
	for _, opt := range opts {
		opt(&o)
	}

	if o.migrate {
		if err := Migrate(dsn, o.logger); err != nil {
			return nil, err
		}
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse database URL")
	}
	cfg.MaxConns = o.maxConns
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "unable to connect to database")
	}

	o.logger.Info("connected to postgres ledger", zap.Int32("max_conns", o.maxConns))
	return &Store{pool: pool, logger: o.logger}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Commit applies batch in a single SQL transaction.
func (s *Store) Commit(ctx context.Context, batch *domain.Batch) error {
	if batch == nil || len(batch.Ops) == 0 {
		return errors.New("empty batch")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return errors.Wrap(err, "begin ledger transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	touched := make(map[string]struct{})
	for _, op := range batch.Ops {
		owners, err := s.applyOp(ctx, tx, op)
		if err != nil {
			return mapError(err)
		}
		for _, id := range owners {
			touched[id] = struct{}{}
		}
	}

	if len(touched) == 0 {
		return nil
	}

	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	if _, err := tx.Exec(ctx, `UPDATE accounts SET version = version + 1 WHERE id = ANY($1)`, ids); err != nil {
		return mapError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return mapError(errors.Wrap(err, "commit ledger transaction"))
	}
	return nil
}

// applyOp executes one op and returns the accounts whose state it changed.
func (s *Store) applyOp(ctx context.Context, tx pgx.Tx, op domain.Op) ([]string, error) {
	switch op.Kind {
	case domain.OpCreateAccount:
		if op.Account == nil || op.Account.ID == "" {
			return nil, errors.New("create account op without account")
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO accounts (id, alias, version, created_at) VALUES ($1, $2, 0, $3)`,
			op.Account.ID, int64(op.Account.Alias), op.Account.CreatedAt.UTC())
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				if pgErr.ConstraintName == aliasConstraint {
					return nil, errors.Wrapf(domain.ErrAliasTaken, "alias %d", op.Account.Alias)
				}
				return nil, errors.Wrapf(domain.ErrAccountExists, "account %s", op.Account.ID)
			}
			return nil, err
		}
		return []string{op.Account.ID}, nil

	case domain.OpCredit:
		if !op.Amount.IsPositive() {
			return nil, domain.ErrInvalidAmount
		}
		if err := lockAccount(ctx, tx, op.AccountID, nil); err != nil {
			return nil, err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO positions (account_id, asset, amount) VALUES ($1, $2, $3::text::numeric)
			ON CONFLICT (account_id, asset) DO UPDATE SET amount = positions.amount + EXCLUDED.amount`,
			op.AccountID, op.Asset, op.Amount.String())
		if err != nil {
			return nil, err
		}
		return []string{op.AccountID}, nil

	case domain.OpDebit:
		if !op.Amount.IsPositive() {
			return nil, domain.ErrInvalidAmount
		}
		if err := lockAccount(ctx, tx, op.AccountID, nil); err != nil {
			return nil, err
		}
		tag, err := tx.Exec(ctx, `
			UPDATE positions SET amount = amount - $3::text::numeric
			WHERE account_id = $1 AND asset = $2 AND amount >= $3::text::numeric`,
			op.AccountID, op.Asset, op.Amount.String())
		if err != nil {
			return nil, err
		}
		if tag.RowsAffected() == 0 {
			available, err := balance(ctx, tx, op.AccountID, op.Asset)
			if err != nil {
				return nil, err
			}
			return nil, &domain.InsufficientFundsError{
				Asset:     op.Asset,
				Available: available.String(),
				Required:  op.Amount.String(),
			}
		}
		return []string{op.AccountID}, nil

	case domain.OpAppend:
		if op.Tx == nil || op.Tx.ID == "" {
			return nil, errors.New("append op without transaction")
		}
		record, err := json.Marshal(op.Tx)
		if err != nil {
			return nil, errors.Wrap(err, "marshal transaction")
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO transactions (id, account_id, kind, status, created_at, record)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb)
			ON CONFLICT (id, account_id) DO NOTHING`,
			op.Tx.ID, op.AccountID, string(op.Tx.Kind), string(op.Tx.Status), op.Tx.CreatedAt.UTC(), string(record))
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
				return nil, errors.Wrapf(domain.ErrAccountNotFound, "account %s", op.AccountID)
			}
			return nil, err
		}
		if tag.RowsAffected() == 0 {
			return nil, nil
		}
		return []string{op.AccountID}, nil

	case domain.OpAdvance:
		if op.Change == nil {
			return nil, errors.New("advance op without status change")
		}
		return advance(ctx, tx, op)

	case domain.OpReference:
		if op.SettlementRef == "" {
			return nil, errors.New("reference op without settlement ref")
		}
		return reference(ctx, tx, op)

	case domain.OpExpectVersion:
		var version int64
		if err := lockAccount(ctx, tx, op.AccountID, &version); err != nil {
			return nil, err
		}
		if uint64(version) != op.Version {
			return nil, errors.Wrapf(domain.ErrConcurrencyConflict, "account %s version %d, expected %d", op.AccountID, version, op.Version)
		}
		return nil, nil
	}

	return nil, errors.Errorf("unknown op kind %q", op.Kind)
}

func lockAccount(ctx context.Context, tx pgx.Tx, accountID string, version *int64) error {
	var v int64
	err := tx.QueryRow(ctx, `SELECT version FROM accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Wrapf(domain.ErrAccountNotFound, "account %s", accountID)
	}
	if err != nil {
		return err
	}
	if version != nil {
		*version = v
	}
	return nil
}

type ownedRecord struct {
	accountID string
	status    domain.Status
	tx        domain.Transaction
}

// lockTransaction locks every owner's copy of op.TxID and checks it is still op.Expected.
func lockTransaction(ctx context.Context, tx pgx.Tx, op domain.Op) ([]ownedRecord, error) {
	rows, err := tx.Query(ctx,
		`SELECT account_id, status, record FROM transactions WHERE id = $1 ORDER BY seq FOR UPDATE`, op.TxID)
	if err != nil {
		return nil, err
	}

	var records []ownedRecord
	for rows.Next() {
		var (
			r      ownedRecord
			status string
			raw    []byte
		)
		if err := rows.Scan(&r.accountID, &status, &raw); err != nil {
			rows.Close()
			return nil, err
		}
		if err := json.Unmarshal(raw, &r.tx); err != nil {
			rows.Close()
			return nil, errors.Wrapf(err, "decode transaction %s", op.TxID)
		}
		r.status = domain.Status(status)
		records = append(records, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	found := len(records) > 0
	if found && op.AccountID != "" {
		found = false
		for _, r := range records {
			if r.accountID == op.AccountID {
				found = true
				break
			}
		}
	}
	if !found {
		return nil, errors.Wrapf(domain.ErrTransactionNotFound, "transaction %s", op.TxID)
	}

	if current := records[0].status; current != op.Expected {
		return nil, errors.Wrapf(domain.ErrStaleStatus, "transaction %s is %s, expected %s", op.TxID, current, op.Expected)
	}
	return records, nil
}

func saveRecords(ctx context.Context, tx pgx.Tx, txID string, records []ownedRecord) ([]string, error) {
	owners := make([]string, 0, len(records))
	for _, r := range records {
		record, err := json.Marshal(r.tx)
		if err != nil {
			return nil, errors.Wrap(err, "marshal transaction")
		}
		if _, err := tx.Exec(ctx,
			`UPDATE transactions SET status = $3, record = $4::jsonb WHERE id = $1 AND account_id = $2`,
			txID, r.accountID, string(r.tx.Status), string(record)); err != nil {
			return nil, err
		}
		owners = append(owners, r.accountID)
	}
	return owners, nil
}

func advance(ctx context.Context, tx pgx.Tx, op domain.Op) ([]string, error) {
	records, err := lockTransaction(ctx, tx, op)
	if err != nil {
		return nil, err
	}
	if current := records[0].status; !current.CanAdvanceTo(op.Change.To) {
		return nil, errors.Wrapf(domain.ErrInvalidTransition, "%s -> %s", current, op.Change.To)
	}
	if op.Change.To.Refunds() && op.Refund == nil {
		return nil, errors.Wrapf(domain.ErrInvalidTransition, "%s -> %s without refund", records[0].status, op.Change.To)
	}

	for i := range records {
		records[i].tx.ApplyAdvance(*op.Change, op.Refund, op.SettlementRef)
	}
	return saveRecords(ctx, tx, op.TxID, records)
}

func reference(ctx context.Context, tx pgx.Tx, op domain.Op) ([]string, error) {
	records, err := lockTransaction(ctx, tx, op)
	if err != nil {
		return nil, err
	}
	for i := range records {
		records[i].tx.SettlementRef = op.SettlementRef
	}
	return saveRecords(ctx, tx, op.TxID, records)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func balance(ctx context.Context, q querier, accountID, asset string) (decimal.Decimal, error) {
	var amount string
	err := q.QueryRow(ctx,
		`SELECT amount::text FROM positions WHERE account_id = $1 AND asset = $2`, accountID, asset).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(amount)
}

// mapError turns lock contention into a retryable conflict.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected) {
		return errors.Wrap(domain.ErrConcurrencyConflict, pgErr.Message)
	}
	return err
}

// Balance returns the position amount, zero when the account or position is absent.
func (s *Store) Balance(ctx context.Context, accountID, asset string) (decimal.Decimal, error) {
	return balance(ctx, s.pool, accountID, asset)
}

// Account loads the account with its positions and history.
func (s *Store) Account(ctx context.Context, accountID string) (domain.Account, error) {
	var (
		alias   int64
		version int64
		created time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT alias, version, created_at FROM accounts WHERE id = $1`, accountID).Scan(&alias, &version, &created)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, errors.Wrapf(domain.ErrAccountNotFound, "account %s", accountID)
	}
	if err != nil {
		return domain.Account{}, err
	}

	acc := domain.NewAccount(accountID, uint64(alias), created.UTC())
	acc.Version = uint64(version)

	rows, err := s.pool.Query(ctx, `SELECT asset, amount::text FROM positions WHERE account_id = $1`, accountID)
	if err != nil {
		return domain.Account{}, err
	}
	for rows.Next() {
		var asset, amount string
		if err := rows.Scan(&asset, &amount); err != nil {
			rows.Close()
			return domain.Account{}, err
		}
		value, err := decimal.NewFromString(amount)
		if err != nil {
			rows.Close()
			return domain.Account{}, errors.Wrapf(err, "decode %s position", asset)
		}
		acc.Positions[asset] = value
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.Account{}, err
	}

	acc.History, err = s.history(ctx, accountID)
	if err != nil {
		return domain.Account{}, err
	}
	return acc, nil
}

func (s *Store) history(ctx context.Context, accountID string) ([]domain.Transaction, error) {
	rows, err := s.pool.Query(ctx, `SELECT record FROM transactions WHERE account_id = $1 ORDER BY seq`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var tx domain.Transaction
		if err := json.Unmarshal(raw, &tx); err != nil {
			return nil, errors.Wrap(err, "decode transaction")
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// Accounts lists id/alias pairs of every account.
func (s *Store) Accounts(ctx context.Context) ([]domain.AccountRef, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, alias FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []domain.AccountRef
	for rows.Next() {
		var (
			id    string
			alias int64
		)
		if err := rows.Scan(&id, &alias); err != nil {
			return nil, err
		}
		refs = append(refs, domain.AccountRef{ID: id, Alias: uint64(alias)})
	}
	return refs, rows.Err()
}

// History returns the account history in creation order.
func (s *Store) History(ctx context.Context, accountID string) ([]domain.Transaction, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)`, accountID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.Wrapf(domain.ErrAccountNotFound, "account %s", accountID)
	}
	return s.history(ctx, accountID)
}

// Transaction returns the record with txID as seen by owner, or by its first owner when owner is empty.
func (s *Store) Transaction(ctx context.Context, txID, owner string) (domain.Transaction, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT record FROM transactions
		WHERE id = $1 AND ($2 = '' OR account_id = $2)
		ORDER BY seq LIMIT 1`, txID, owner).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Transaction{}, errors.Wrapf(domain.ErrTransactionNotFound, "transaction %s", txID)
	}
	if err != nil {
		return domain.Transaction{}, err
	}

	var tx domain.Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return domain.Transaction{}, errors.Wrap(err, "decode transaction")
	}
	return tx, nil
}

// OpenWithdrawals returns every non-terminal withdrawal ordered by creation time.
func (s *Store) OpenWithdrawals(ctx context.Context) ([]domain.OwnedTransaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT account_id, record FROM transactions
		WHERE kind = $1 AND status IN ($2, $3, $4)
		ORDER BY created_at, seq`,
		string(domain.KindWithdrawal),
		string(domain.StatusRequested), string(domain.StatusPending), string(domain.StatusProcessing))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.OwnedTransaction
	for rows.Next() {
		var (
			accountID string
			raw       []byte
		)
		if err := rows.Scan(&accountID, &raw); err != nil {
			return nil, err
		}
		var tx domain.Transaction
		if err := json.Unmarshal(raw, &tx); err != nil {
			return nil, errors.Wrap(err, "decode transaction")
		}
		out = append(out, domain.OwnedTransaction{AccountID: accountID, Transaction: tx})
	}
	return out, rows.Err()
}
