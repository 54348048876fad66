package fareintent

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const intentColumns = `id::text, reference, virtual_account_code, amount::text, phone,
        COALESCE(checkout_request_id, ''), status, COALESCE(mpesa_receipt, ''), COALESCE(failure_reason, ''),
        created_at, updated_at`

// PostgresRepository implements Repository using PostgreSQL. A partial
// unique index keeps references unique among PENDING intents.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed fare intent repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a pending intent.
func (r *PostgresRepository) Create(ctx context.Context, in Intent) (Intent, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	created, err := scanIntent(r.db.QueryRow(ctx, `INSERT INTO fare_intents
        (id, reference, virtual_account_code, amount, phone, status)
        VALUES ($1::uuid, $2, $3, $4::numeric, $5, $6)
        RETURNING `+intentColumns,
		in.ID, in.Reference, in.VirtualAccountCode, in.Amount.String(), in.Phone, string(StatusPending)))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Intent{}, ErrReferenceTaken
		}
		return Intent{}, err
	}
	return created, nil
}

// AttachCheckout stores the checkout request id returned by the STK push.
func (r *PostgresRepository) AttachCheckout(ctx context.Context, id, checkoutRequestID string) error {
	return r.exec(ctx, `UPDATE fare_intents SET checkout_request_id = $2, updated_at = now() WHERE id = $1::uuid`, id, checkoutRequestID)
}

// ByCheckoutID resolves the intent an STK callback belongs to.
func (r *PostgresRepository) ByCheckoutID(ctx context.Context, checkoutRequestID string) (Intent, error) {
	in, err := scanIntent(r.db.QueryRow(ctx, `SELECT `+intentColumns+` FROM fare_intents WHERE checkout_request_id = $1`, checkoutRequestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Intent{}, ErrNotFound
	}
	return in, err
}

// MarkPaid settles a pending intent with the provider receipt.
func (r *PostgresRepository) MarkPaid(ctx context.Context, id, receipt string) error {
	return r.settle(ctx, id, StatusPaid, receipt, "")
}

// MarkFailed closes a pending intent with a reason.
func (r *PostgresRepository) MarkFailed(ctx context.Context, id, reason string) error {
	return r.settle(ctx, id, StatusFailed, "", reason)
}

func (r *PostgresRepository) settle(ctx context.Context, id string, to Status, receipt, reason string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	cmd, err := r.db.Exec(ctx, `UPDATE fare_intents
        SET status = $2, mpesa_receipt = NULLIF($3, ''), failure_reason = NULLIF($4, ''), updated_at = now()
        WHERE id = $1::uuid AND status = $5`, id, string(to), receipt, reason, string(StatusPending))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM fare_intents WHERE id = $1::uuid)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrNotPending
	}
	return nil
}

func (r *PostgresRepository) exec(ctx context.Context, sql string, args ...any) error {
	cmd, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanIntent(row pgx.Row) (Intent, error) {
	var (
		in             Intent
		amount, status string
	)
	if err := row.Scan(&in.ID, &in.Reference, &in.VirtualAccountCode, &amount, &in.Phone, &in.CheckoutRequestID,
		&status, &in.Receipt, &in.FailureReason, &in.CreatedAt, &in.UpdatedAt); err != nil {
		return Intent{}, err
	}
	value, err := decimal.NewFromString(amount)
	if err != nil {
		return Intent{}, fmt.Errorf("parse amount: %w", err)
	}
	in.Amount = value
	in.Status = Status(status)
	in.CreatedAt = in.CreatedAt.UTC()
	in.UpdatedAt = in.UpdatedAt.UTC()
	return in, nil
}
