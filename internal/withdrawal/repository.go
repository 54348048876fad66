package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/twende-pay/twende_pay/internal/ledger"
)

// Repository persists withdrawals. Every status change goes through
// Transition so the state machine is enforced under the row lock.
type Repository interface {
	// CreateWithDebit debits the wallet and inserts w in one transaction.
	CreateWithDebit(ctx context.Context, w Withdrawal, debit ledger.Posting) (Withdrawal, error)
	Get(ctx context.Context, id string) (Withdrawal, error)
	// FindByConversation matches a provider callback by conversation id,
	// falling back to the originator conversation id.
	FindByConversation(ctx context.Context, conversationID, originatorID string) (Withdrawal, error)
	Transition(ctx context.Context, id string, to Status, u Update) (Withdrawal, error)
	// Reschedule records a transient dispatch failure.
	Reschedule(ctx context.Context, id string, attempts int, next time.Time, reason string) error
	// Annotate stores a provider response without changing status.
	Annotate(ctx context.Context, id string, response []byte) error
	// Claim leases a single due PENDING withdrawal for dispatch.
	Claim(ctx context.Context, id string, now time.Time, lease time.Duration) (Withdrawal, bool, error)
	// ClaimDue leases up to limit due PENDING withdrawals.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Withdrawal, error)
	// Recredit returns the amount of a FAILED withdrawal to its wallet once.
	Recredit(ctx context.Context, id, operator string, credit ledger.Posting) (Withdrawal, error)
}

const withdrawalColumns = `id::text, wallet_id::text, amount::text, mode, COALESCE(phone_number, ''),
        COALESCE(bank_paybill, ''), COALESCE(bank_account, ''), status, originator_conversation_id,
        COALESCE(mpesa_conversation_id, ''), COALESCE(mpesa_transaction_id, ''), COALESCE(mpesa_response::text, ''),
        COALESCE(failure_reason, ''), attempts, next_attempt_at, COALESCE(requested_by, ''),
        recredited_at, COALESCE(recredited_by, ''), created_at, updated_at`

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed withdrawal repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// CreateWithDebit debits the wallet through the ledger on the same
// transaction that inserts the withdrawal row.
func (r *PostgresRepository) CreateWithDebit(ctx context.Context, w Withdrawal, debit ledger.Posting) (Withdrawal, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Withdrawal{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if _, err := ledger.WithTx(tx).Debit(ctx, ledger.ByID(w.WalletID), debit); err != nil {
		return Withdrawal{}, err
	}

	row := tx.QueryRow(ctx, `INSERT INTO withdrawals
        (id, wallet_id, amount, mode, phone_number, bank_paybill, bank_account, status,
         originator_conversation_id, attempts, next_attempt_at, requested_by)
        VALUES ($1::uuid, $2::uuid, $3::numeric, $4, $5, $6, $7, $8, $9, 0, $10, $11)
        RETURNING `+withdrawalColumns,
		w.ID, w.WalletID, w.Amount.String(), string(w.Mode), nullable(w.PhoneNumber), nullable(w.BankPaybill),
		nullable(w.BankAccount), string(StatusPending), w.OriginatorConversationID, w.NextAttemptAt.UTC(), nullable(w.RequestedBy))
	created, err := scanWithdrawal(row)
	if err != nil {
		return Withdrawal{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Withdrawal{}, err
	}
	return created, nil
}

// Get fetches a withdrawal by id.
func (r *PostgresRepository) Get(ctx context.Context, id string) (Withdrawal, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Withdrawal{}, ErrNotFound
	}
	return one(r.db.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1::uuid`, id))
}

// FindByConversation resolves a withdrawal from provider correlation ids.
func (r *PostgresRepository) FindByConversation(ctx context.Context, conversationID, originatorID string) (Withdrawal, error) {
	if conversationID != "" {
		w, err := one(r.db.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE mpesa_conversation_id = $1`, conversationID))
		if !errors.Is(err, ErrNotFound) {
			return w, err
		}
	}
	if originatorID != "" {
		return one(r.db.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE originator_conversation_id = $1`, originatorID))
	}
	return Withdrawal{}, ErrNotFound
}

// Transition moves a withdrawal to a new status under a row lock.
func (r *PostgresRepository) Transition(ctx context.Context, id string, to Status, u Update) (Withdrawal, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Withdrawal{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	current, err := one(tx.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1::uuid FOR UPDATE`, id))
	if err != nil {
		return Withdrawal{}, err
	}
	if !CanTransition(current.Status, to) {
		return current, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
	}

	updated, err := one(tx.QueryRow(ctx, `UPDATE withdrawals SET
            status = $2,
            mpesa_conversation_id = COALESCE($3, mpesa_conversation_id),
            mpesa_transaction_id = COALESCE($4, mpesa_transaction_id),
            failure_reason = COALESCE($5, failure_reason),
            mpesa_response = COALESCE($6::jsonb, mpesa_response),
            updated_at = now()
        WHERE id = $1::uuid
        RETURNING `+withdrawalColumns,
		id, string(to), nullable(u.ConversationID), nullable(u.TransactionID), nullable(u.FailureReason), nullableJSON(u.Response)))
	if err != nil {
		return Withdrawal{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Withdrawal{}, err
	}
	return updated, nil
}

// Reschedule pushes the next dispatch attempt out and records the reason.
func (r *PostgresRepository) Reschedule(ctx context.Context, id string, attempts int, next time.Time, reason string) error {
	cmd, err := r.db.Exec(ctx, `UPDATE withdrawals SET attempts = $2, next_attempt_at = $3, failure_reason = $4, updated_at = now()
        WHERE id = $1::uuid AND status = $5`, id, attempts, next.UTC(), nullable(reason), string(StatusPending))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Annotate stores a raw provider payload on the withdrawal.
func (r *PostgresRepository) Annotate(ctx context.Context, id string, response []byte) error {
	cmd, err := r.db.Exec(ctx, `UPDATE withdrawals SET mpesa_response = $2::jsonb, updated_at = now() WHERE id = $1::uuid`,
		id, nullableJSON(response))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Claim leases the withdrawal when it is PENDING and due.
func (r *PostgresRepository) Claim(ctx context.Context, id string, now time.Time, lease time.Duration) (Withdrawal, bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Withdrawal{}, false, nil
	}
	w, err := one(r.db.QueryRow(ctx, `UPDATE withdrawals SET next_attempt_at = $3, updated_at = now()
        WHERE id = $1::uuid AND status = $4 AND next_attempt_at <= $2
        RETURNING `+withdrawalColumns, id, now.UTC(), now.Add(lease).UTC(), string(StatusPending)))
	if errors.Is(err, ErrNotFound) {
		return Withdrawal{}, false, nil
	}
	if err != nil {
		return Withdrawal{}, false, err
	}
	return w, true, nil
}

// ClaimDue leases due PENDING withdrawals, skipping rows another worker holds.
func (r *PostgresRepository) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Withdrawal, error) {
	rows, err := r.db.Query(ctx, `UPDATE withdrawals SET next_attempt_at = $2, updated_at = now()
        WHERE id IN (
            SELECT id FROM withdrawals
            WHERE status = $3 AND next_attempt_at <= $1
            ORDER BY next_attempt_at
            LIMIT $4
            FOR UPDATE SKIP LOCKED)
        RETURNING `+withdrawalColumns, now.UTC(), now.Add(lease).UTC(), string(StatusPending), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Recredit credits the wallet back and stamps the withdrawal in one transaction.
func (r *PostgresRepository) Recredit(ctx context.Context, id, operator string, credit ledger.Posting) (Withdrawal, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Withdrawal{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	current, err := one(tx.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1::uuid FOR UPDATE`, id))
	if err != nil {
		return Withdrawal{}, err
	}
	if err := recreditable(current); err != nil {
		return current, err
	}
	if _, err := ledger.WithTx(tx).Credit(ctx, ledger.ByID(current.WalletID), credit); err != nil {
		return Withdrawal{}, err
	}
	updated, err := one(tx.QueryRow(ctx, `UPDATE withdrawals SET recredited_at = now(), recredited_by = $2, updated_at = now()
        WHERE id = $1::uuid RETURNING `+withdrawalColumns, id, operator))
	if err != nil {
		return Withdrawal{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Withdrawal{}, err
	}
	return updated, nil
}

func recreditable(w Withdrawal) error {
	if w.Status != StatusFailed {
		return fmt.Errorf("%w: only FAILED withdrawals can be recredited, status is %s", ErrInvalidTransition, w.Status)
	}
	if w.RecreditedAt != nil {
		return ErrAlreadyRecredited
	}
	return nil
}

func one(row pgx.Row) (Withdrawal, error) {
	w, err := scanWithdrawal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Withdrawal{}, ErrNotFound
	}
	return w, err
}

func scanWithdrawal(row pgx.Row) (Withdrawal, error) {
	var (
		w                    Withdrawal
		amount, mode, status string
		response             string
	)
	if err := row.Scan(&w.ID, &w.WalletID, &amount, &mode, &w.PhoneNumber, &w.BankPaybill, &w.BankAccount, &status,
		&w.OriginatorConversationID, &w.ConversationID, &w.TransactionID, &response, &w.FailureReason, &w.Attempts,
		&w.NextAttemptAt, &w.RequestedBy, &w.RecreditedAt, &w.RecreditedBy, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return Withdrawal{}, err
	}
	value, err := decimal.NewFromString(amount)
	if err != nil {
		return Withdrawal{}, fmt.Errorf("parse amount: %w", err)
	}
	w.Amount = value
	w.Mode = Mode(mode)
	w.Status = Status(status)
	if response != "" {
		w.ProviderResponse = []byte(response)
	}
	w.NextAttemptAt = w.NextAttemptAt.UTC()
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	return w, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
