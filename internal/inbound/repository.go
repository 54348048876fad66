package inbound

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/twende-pay/twende_pay/internal/mpesa"
)

// ErrDuplicatePayment marks a notification whose receipt was already stored.
// Callers treat it as success.
var ErrDuplicatePayment = errors.New("duplicate inbound payment")

// RawPayment is a provider notification as received plus its parsed fields.
type RawPayment struct {
	ID                string
	Receipt           string
	Kind              mpesa.Kind
	Amount            decimal.Decimal
	Phone             string
	AccountReference  string
	CheckoutRequestID string
	TransactionTime   time.Time
	Payload           []byte
	Processed         bool
	ProcessingError   string
	CreatedAt         time.Time
}

// Repository stores raw inbound payments. The unique receipt index is what
// makes ingestion idempotent under concurrent duplicate deliveries.
type Repository interface {
	// Insert stores p, returning ErrDuplicatePayment when the receipt exists.
	Insert(ctx context.Context, p RawPayment) (RawPayment, error)
	MarkProcessed(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) error
	// Abandon closes a row that can never settle, keeping reason for operators.
	Abandon(ctx context.Context, id, reason string) error
	// Unprocessed lists rows still awaiting settlement, oldest first.
	Unprocessed(ctx context.Context, olderThan time.Time, limit int) ([]RawPayment, error)
	// Claim leases an unprocessed row until now+lease. It reports false when
	// the row is processed or another reconciler holds an unexpired lease.
	Claim(ctx context.Context, id string, now time.Time, lease time.Duration) (RawPayment, bool, error)
}

const rawColumns = `id::text, mpesa_receipt, kind, amount::text, phone, account_reference,
        COALESCE(checkout_request_id, ''), transaction_time, payload::text, processed,
        COALESCE(processing_error, ''), created_at`

// PostgresRepository implements Repository on paybill_payments_raw.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed raw payment repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Insert relies on ON CONFLICT DO NOTHING so two concurrent deliveries of
// the same receipt produce exactly one row.
func (r *PostgresRepository) Insert(ctx context.Context, p RawPayment) (RawPayment, error) {
	var txTime any
	if !p.TransactionTime.IsZero() {
		txTime = p.TransactionTime.UTC()
	}
	row := r.db.QueryRow(ctx, `INSERT INTO paybill_payments_raw
        (id, mpesa_receipt, kind, amount, phone, account_reference, checkout_request_id, transaction_time, payload, processed)
        VALUES ($1::uuid, $2, $3, $4::numeric, $5, $6, $7, $8, $9::jsonb, false)
        ON CONFLICT (mpesa_receipt) DO NOTHING
        RETURNING `+rawColumns,
		uuid.NewString(), p.Receipt, string(p.Kind), p.Amount.String(), p.Phone, p.AccountReference,
		nullable(p.CheckoutRequestID), txTime, string(p.Payload))
	stored, err := scanRaw(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return RawPayment{}, fmt.Errorf("%w: %s", ErrDuplicatePayment, p.Receipt)
	}
	return stored, err
}

// MarkProcessed flags a row as settled.
func (r *PostgresRepository) MarkProcessed(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `UPDATE paybill_payments_raw
        SET processed = true, processing_error = NULL, processed_at = now() WHERE id = $1::uuid`, id)
	return err
}

// MarkFailed records why settlement failed, leaving the row unprocessed.
func (r *PostgresRepository) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := r.db.Exec(ctx, `UPDATE paybill_payments_raw SET processing_error = $2 WHERE id = $1::uuid`, id, reason)
	return err
}

// Abandon marks the row processed without a settlement.
func (r *PostgresRepository) Abandon(ctx context.Context, id, reason string) error {
	_, err := r.db.Exec(ctx, `UPDATE paybill_payments_raw
        SET processed = true, processing_error = $2, processed_at = now() WHERE id = $1::uuid`, id, reason)
	return err
}

// Claim takes the reconcile lease with a conditional update, so only one
// reconciler settles a row at a time.
func (r *PostgresRepository) Claim(ctx context.Context, id string, now time.Time, lease time.Duration) (RawPayment, bool, error) {
	row := r.db.QueryRow(ctx, `UPDATE paybill_payments_raw SET reconcile_lease_until = $3
        WHERE id = $1::uuid AND processed = false
          AND (reconcile_lease_until IS NULL OR reconcile_lease_until <= $2)
        RETURNING `+rawColumns, id, now.UTC(), now.Add(lease).UTC())
	p, err := scanRaw(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return RawPayment{}, false, nil
	}
	if err != nil {
		return RawPayment{}, false, err
	}
	return p, true, nil
}

// Unprocessed lists rows created before olderThan that are not yet settled.
func (r *PostgresRepository) Unprocessed(ctx context.Context, olderThan time.Time, limit int) ([]RawPayment, error) {
	rows, err := r.db.Query(ctx, `SELECT `+rawColumns+` FROM paybill_payments_raw
        WHERE processed = false AND created_at < $1
        ORDER BY created_at LIMIT $2`, olderThan.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RawPayment
	for rows.Next() {
		p, err := scanRaw(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanRaw(row pgx.Row) (RawPayment, error) {
	var (
		p            RawPayment
		kind, amount string
		txTime       *time.Time
		payload      string
	)
	if err := row.Scan(&p.ID, &p.Receipt, &kind, &amount, &p.Phone, &p.AccountReference, &p.CheckoutRequestID,
		&txTime, &payload, &p.Processed, &p.ProcessingError, &p.CreatedAt); err != nil {
		return RawPayment{}, err
	}
	value, err := decimal.NewFromString(amount)
	if err != nil {
		return RawPayment{}, fmt.Errorf("parse amount: %w", err)
	}
	p.Amount = value
	p.Kind = mpesa.Kind(kind)
	if txTime != nil {
		p.TransactionTime = txTime.UTC()
	}
	p.Payload = []byte(payload)
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type memoryRepository struct {
	mu        sync.Mutex
	rows      map[string]RawPayment
	byReceipt map[string]string
	leases    map[string]time.Time
}

// NewMemoryRepository builds an in-memory raw payment store for testing.
func NewMemoryRepository() Repository {
	return &memoryRepository{
		rows:      make(map[string]RawPayment),
		byReceipt: make(map[string]string),
		leases:    make(map[string]time.Time),
	}
}

func (r *memoryRepository) Insert(_ context.Context, p RawPayment) (RawPayment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byReceipt[p.Receipt]; exists {
		return RawPayment{}, fmt.Errorf("%w: %s", ErrDuplicatePayment, p.Receipt)
	}
	p.ID = uuid.NewString()
	p.Processed = false
	p.CreatedAt = time.Now().UTC()
	r.rows[p.ID] = p
	r.byReceipt[p.Receipt] = p.ID
	return p, nil
}

func (r *memoryRepository) MarkProcessed(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rows[id]
	if !ok {
		return fmt.Errorf("raw payment %s not found", id)
	}
	p.Processed = true
	p.ProcessingError = ""
	r.rows[id] = p
	return nil
}

func (r *memoryRepository) MarkFailed(_ context.Context, id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rows[id]
	if !ok {
		return fmt.Errorf("raw payment %s not found", id)
	}
	p.ProcessingError = reason
	r.rows[id] = p
	return nil
}

func (r *memoryRepository) Abandon(_ context.Context, id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rows[id]
	if !ok {
		return fmt.Errorf("raw payment %s not found", id)
	}
	p.Processed = true
	p.ProcessingError = reason
	r.rows[id] = p
	return nil
}

func (r *memoryRepository) Claim(_ context.Context, id string, now time.Time, lease time.Duration) (RawPayment, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rows[id]
	if !ok || p.Processed {
		return RawPayment{}, false, nil
	}
	if until, leased := r.leases[id]; leased && until.After(now) {
		return RawPayment{}, false, nil
	}
	r.leases[id] = now.Add(lease)
	return p, true, nil
}

func (r *memoryRepository) Unprocessed(_ context.Context, olderThan time.Time, limit int) ([]RawPayment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []RawPayment
	for _, p := range r.rows {
		if !p.Processed && p.CreatedAt.Before(olderThan) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
