package fareintent

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned for unknown intents.
	ErrNotFound = errors.New("fare intent not found")
	// ErrReferenceTaken signals a collision on the short reference.
	ErrReferenceTaken = errors.New("fare intent reference taken")
	// ErrNotPending rejects settling an intent twice.
	ErrNotPending = errors.New("fare intent is not pending")
)

// Status is the lifecycle of a fare intent.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusPaid    Status = "PAID"
	StatusFailed  Status = "FAILED"
)

// Intent records a USSD fare payment awaiting the payer's STK confirmation.
// The reference is what the passenger sees and quotes to the crew.
type Intent struct {
	ID                 string          `json:"id"`
	Reference          string          `json:"reference"`
	VirtualAccountCode string          `json:"virtual_account_code"`
	Amount             decimal.Decimal `json:"amount"`
	Phone              string          `json:"phone"`
	CheckoutRequestID  string          `json:"checkout_request_id,omitempty"`
	Status             Status          `json:"status"`
	Receipt            string          `json:"mpesa_receipt,omitempty"`
	FailureReason      string          `json:"failure_reason,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// NewReference returns a TT#### reference. Uniqueness among pending intents
// is enforced by the repository.
func NewReference() string {
	return fmt.Sprintf("TT%04d", rand.IntN(10000))
}

// Repository persists fare intents.
type Repository interface {
	// Create inserts a pending intent, returning ErrReferenceTaken when another
	// pending intent already holds the reference.
	Create(ctx context.Context, in Intent) (Intent, error)
	AttachCheckout(ctx context.Context, id, checkoutRequestID string) error
	ByCheckoutID(ctx context.Context, checkoutRequestID string) (Intent, error)
	MarkPaid(ctx context.Context, id, receipt string) error
	MarkFailed(ctx context.Context, id, reason string) error
}

type memoryRepository struct {
	mu      sync.Mutex
	intents map[string]Intent
}

// NewMemoryRepository builds an in-memory fare intent store for testing.
func NewMemoryRepository() Repository {
	return &memoryRepository{intents: make(map[string]Intent)}
}

func (r *memoryRepository) Create(_ context.Context, in Intent) (Intent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.intents {
		if existing.Status == StatusPending && existing.Reference == in.Reference {
			return Intent{}, ErrReferenceTaken
		}
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	in.Status = StatusPending
	in.CreatedAt = now
	in.UpdatedAt = now
	r.intents[in.ID] = in
	return in, nil
}

func (r *memoryRepository) AttachCheckout(_ context.Context, id, checkoutRequestID string) error {
	return r.update(id, func(in *Intent) error {
		in.CheckoutRequestID = checkoutRequestID
		return nil
	})
}

func (r *memoryRepository) ByCheckoutID(_ context.Context, checkoutRequestID string) (Intent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, in := range r.intents {
		if checkoutRequestID != "" && in.CheckoutRequestID == checkoutRequestID {
			return in, nil
		}
	}
	return Intent{}, ErrNotFound
}

func (r *memoryRepository) MarkPaid(_ context.Context, id, receipt string) error {
	return r.update(id, func(in *Intent) error {
		if in.Status != StatusPending {
			return ErrNotPending
		}
		in.Status = StatusPaid
		in.Receipt = receipt
		return nil
	})
}

func (r *memoryRepository) MarkFailed(_ context.Context, id, reason string) error {
	return r.update(id, func(in *Intent) error {
		if in.Status != StatusPending {
			return ErrNotPending
		}
		in.Status = StatusFailed
		in.FailureReason = reason
		return nil
	})
}

func (r *memoryRepository) update(id string, fn func(in *Intent) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.intents[id]
	if !ok {
		return ErrNotFound
	}
	if err := fn(&in); err != nil {
		return err
	}
	in.UpdatedAt = time.Now().UTC()
	r.intents[id] = in
	return nil
}
