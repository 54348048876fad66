package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const walletColumns = `id::text, entity_type, COALESCE(entity_id, ''), virtual_account_code,
        balance::text, currency, created_at, updated_at`

const transactionColumns = `id::text, wallet_id::text, tx_type, amount::text, balance_before::text,
        balance_after::text, source, COALESCE(source_ref, ''), COALESCE(description, ''), created_at`

const uniqueViolation = "23505"

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps wallets and their transactions in PostgreSQL. Every
// mutation locks the wallet row with SELECT ... FOR UPDATE.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed ledger store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// CreateWallet inserts a wallet with a zero balance.
func (s *PostgresStore) CreateWallet(ctx context.Context, w NewWallet) (Wallet, error) {
	if err := w.validate(); err != nil {
		return Wallet{}, err
	}
	row := s.db.QueryRow(ctx, `INSERT INTO wallets (id, entity_type, entity_id, virtual_account_code, balance, currency)
        VALUES ($1, $2, $3, $4, 0, $5)
        RETURNING `+walletColumns,
		uuid.New(), string(w.EntityType), nullable(w.EntityID), w.VirtualAccountCode, Currency)
	wallet, err := scanWallet(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Wallet{}, fmt.Errorf("%w: %s", ErrWalletExists, w.VirtualAccountCode)
		}
		return Wallet{}, err
	}
	return wallet, nil
}

// EnsureWallet returns the wallet for the code, creating it when absent.
func (s *PostgresStore) EnsureWallet(ctx context.Context, w NewWallet) (Wallet, error) {
	if err := w.validate(); err != nil {
		return Wallet{}, err
	}
	if _, err := s.db.Exec(ctx, `INSERT INTO wallets (id, entity_type, entity_id, virtual_account_code, balance, currency)
        VALUES ($1, $2, $3, $4, 0, $5)
        ON CONFLICT (virtual_account_code) DO NOTHING`,
		uuid.New(), string(w.EntityType), nullable(w.EntityID), w.VirtualAccountCode, Currency); err != nil {
		return Wallet{}, err
	}
	return s.Wallet(ctx, ByCode(w.VirtualAccountCode))
}

// Wallet reads a wallet without locking it.
func (s *PostgresStore) Wallet(ctx context.Context, ref Ref) (Wallet, error) {
	return selectWallet(ctx, s.db, ref, false)
}

// Credit adds funds to a wallet in its own transaction.
func (s *PostgresStore) Credit(ctx context.Context, ref Ref, p Posting) (Movement, error) {
	var m Movement
	err := s.Batch(ctx, func(tx Tx) error {
		var err error
		m, err = tx.Credit(ctx, ref, p)
		return err
	})
	return m, err
}

// Debit removes funds from a wallet in its own transaction.
func (s *PostgresStore) Debit(ctx context.Context, ref Ref, p Posting) (Movement, error) {
	var m Movement
	err := s.Batch(ctx, func(tx Tx) error {
		var err error
		m, err = tx.Debit(ctx, ref, p)
		return err
	})
	return m, err
}

// Batch runs fn inside a single database transaction. Any error rolls back
// every posting made through the Tx.
func (s *PostgresStore) Batch(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if err := fn(WithTx(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// History returns the latest transactions of a wallet, newest first.
func (s *PostgresStore) History(ctx context.Context, ref Ref, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 20
	}
	wallet, err := s.Wallet(ctx, ref)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, `SELECT `+transactionColumns+`
        FROM wallet_transactions WHERE wallet_id = $1::uuid
        ORDER BY created_at DESC, seq DESC LIMIT $2`, wallet.ID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// HasPosting reports whether any transaction carries the source and reference.
func (s *PostgresStore) HasPosting(ctx context.Context, source, sourceRef string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (
        SELECT 1 FROM wallet_transactions WHERE source = $1 AND source_ref = $2)`, source, sourceRef).Scan(&exists)
	return exists, err
}

type pgTx struct {
	tx pgx.Tx
}

// WithTx exposes ledger postings on a transaction owned by another repository,
// so a debit can commit together with that repository's own rows.
func WithTx(tx pgx.Tx) Tx {
	return &pgTx{tx: tx}
}

func (t *pgTx) Lock(ctx context.Context, ref Ref) (Wallet, error) {
	return selectWallet(ctx, t.tx, ref, true)
}

func (t *pgTx) Credit(ctx context.Context, ref Ref, p Posting) (Movement, error) {
	return t.post(ctx, ref, TxCredit, p)
}

func (t *pgTx) Debit(ctx context.Context, ref Ref, p Posting) (Movement, error) {
	return t.post(ctx, ref, TxDebit, p)
}

func (t *pgTx) post(ctx context.Context, ref Ref, kind TxType, p Posting) (Movement, error) {
	if err := p.validate(); err != nil {
		return Movement{}, err
	}
	wallet, err := t.Lock(ctx, ref)
	if err != nil {
		return Movement{}, err
	}
	after, err := apply(wallet, kind, p)
	if err != nil {
		return Movement{}, err
	}

	if _, err := t.tx.Exec(ctx, `UPDATE wallets SET balance = $2::numeric, updated_at = now() WHERE id = $1::uuid`,
		wallet.ID, after.String()); err != nil {
		return Movement{}, err
	}

	record := Transaction{
		ID:            uuid.NewString(),
		WalletID:      wallet.ID,
		TxType:        kind,
		Amount:        p.Amount,
		BalanceBefore: wallet.Balance,
		BalanceAfter:  after,
		Source:        p.Source,
		SourceRef:     p.SourceRef,
		Description:   p.Description,
	}
	if err := t.tx.QueryRow(ctx, `INSERT INTO wallet_transactions
        (id, wallet_id, tx_type, amount, balance_before, balance_after, source, source_ref, description)
        VALUES ($1::uuid, $2::uuid, $3, $4::numeric, $5::numeric, $6::numeric, $7, $8, $9)
        RETURNING created_at`,
		record.ID, record.WalletID, string(kind), p.Amount.String(), wallet.Balance.String(), after.String(),
		p.Source, nullable(p.SourceRef), nullable(p.Description)).Scan(&record.CreatedAt); err != nil {
		return Movement{}, err
	}
	record.CreatedAt = record.CreatedAt.UTC()

	return Movement{BalanceBefore: wallet.Balance, BalanceAfter: after, Transaction: record}, nil
}

func selectWallet(ctx context.Context, q querier, ref Ref, lock bool) (Wallet, error) {
	var (
		query string
		arg   string
	)
	switch {
	case ref.ID != "":
		if _, err := uuid.Parse(ref.ID); err != nil {
			return Wallet{}, fmt.Errorf("%w: %s", ErrWalletNotFound, ref)
		}
		query = `SELECT ` + walletColumns + ` FROM wallets WHERE id = $1::uuid`
		arg = ref.ID
	case ref.Code != "":
		query = `SELECT ` + walletColumns + ` FROM wallets WHERE virtual_account_code = $1`
		arg = ref.Code
	default:
		return Wallet{}, fmt.Errorf("%w: empty reference", ErrWalletNotFound)
	}
	if lock {
		query += ` FOR UPDATE`
	}
	wallet, err := scanWallet(q.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return Wallet{}, fmt.Errorf("%w: %s", ErrWalletNotFound, ref)
	}
	return wallet, err
}

func scanWallet(row pgx.Row) (Wallet, error) {
	var (
		w          Wallet
		entityType string
		balance    string
	)
	if err := row.Scan(&w.ID, &entityType, &w.EntityID, &w.VirtualAccountCode, &balance, &w.Currency, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return Wallet{}, err
	}
	bal, err := decimal.NewFromString(balance)
	if err != nil {
		return Wallet{}, fmt.Errorf("parse balance: %w", err)
	}
	w.EntityType = EntityType(entityType)
	w.Balance = bal
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	return w, nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		t                     Transaction
		kind                  string
		amount, before, after string
		createdAt             time.Time
	)
	if err := row.Scan(&t.ID, &t.WalletID, &kind, &amount, &before, &after, &t.Source, &t.SourceRef, &t.Description, &createdAt); err != nil {
		return Transaction{}, err
	}
	var err error
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return Transaction{}, err
	}
	if t.BalanceBefore, err = decimal.NewFromString(before); err != nil {
		return Transaction{}, err
	}
	if t.BalanceAfter, err = decimal.NewFromString(after); err != nil {
		return Transaction{}, err
	}
	t.TxType = TxType(kind)
	t.CreatedAt = createdAt.UTC()
	return t, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
