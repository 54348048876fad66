package withdrawal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/twende-pay/twende_pay/internal/ledger"
)

type memoryRepository struct {
	mu     sync.Mutex
	ledger ledger.Store
	rows   map[string]Withdrawal
}

// NewMemoryRepository builds an in-memory withdrawal store for testing. Debits
// and recredits go through the given ledger store.
func NewMemoryRepository(store ledger.Store) Repository {
	return &memoryRepository{ledger: store, rows: make(map[string]Withdrawal)}
}

func (r *memoryRepository) CreateWithDebit(ctx context.Context, w Withdrawal, debit ledger.Posting) (Withdrawal, error) {
	var created Withdrawal
	err := r.ledger.Batch(ctx, func(tx ledger.Tx) error {
		if _, err := tx.Debit(ctx, ledger.ByID(w.WalletID), debit); err != nil {
			return err
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, exists := r.rows[w.ID]; exists {
			return fmt.Errorf("withdrawal %s already exists", w.ID)
		}
		now := time.Now().UTC()
		w.Status = StatusPending
		w.CreatedAt = now
		w.UpdatedAt = now
		r.rows[w.ID] = w
		created = w
		return nil
	})
	if err != nil {
		return Withdrawal{}, err
	}
	return created, nil
}

func (r *memoryRepository) Get(_ context.Context, id string) (Withdrawal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.rows[id]
	if !ok {
		return Withdrawal{}, ErrNotFound
	}
	return w, nil
}

func (r *memoryRepository) FindByConversation(_ context.Context, conversationID, originatorID string) (Withdrawal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conversationID != "" {
		for _, w := range r.rows {
			if w.ConversationID == conversationID {
				return w, nil
			}
		}
	}
	if originatorID != "" {
		for _, w := range r.rows {
			if w.OriginatorConversationID == originatorID {
				return w, nil
			}
		}
	}
	return Withdrawal{}, ErrNotFound
}

func (r *memoryRepository) Transition(_ context.Context, id string, to Status, u Update) (Withdrawal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.rows[id]
	if !ok {
		return Withdrawal{}, ErrNotFound
	}
	if !CanTransition(w.Status, to) {
		return w, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, w.Status, to)
	}
	w.Status = to
	if u.ConversationID != "" {
		w.ConversationID = u.ConversationID
	}
	if u.TransactionID != "" {
		w.TransactionID = u.TransactionID
	}
	if u.FailureReason != "" {
		w.FailureReason = u.FailureReason
	}
	if len(u.Response) > 0 {
		w.ProviderResponse = append([]byte(nil), u.Response...)
	}
	w.UpdatedAt = time.Now().UTC()
	r.rows[id] = w
	return w, nil
}

func (r *memoryRepository) Reschedule(_ context.Context, id string, attempts int, next time.Time, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.rows[id]
	if !ok || w.Status != StatusPending {
		return ErrNotFound
	}
	w.Attempts = attempts
	w.NextAttemptAt = next.UTC()
	w.FailureReason = reason
	w.UpdatedAt = time.Now().UTC()
	r.rows[id] = w
	return nil
}

func (r *memoryRepository) Annotate(_ context.Context, id string, response []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.rows[id]
	if !ok {
		return ErrNotFound
	}
	w.ProviderResponse = append([]byte(nil), response...)
	w.UpdatedAt = time.Now().UTC()
	r.rows[id] = w
	return nil
}

func (r *memoryRepository) Claim(_ context.Context, id string, now time.Time, lease time.Duration) (Withdrawal, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.rows[id]
	if !ok || w.Status != StatusPending || w.NextAttemptAt.After(now) {
		return Withdrawal{}, false, nil
	}
	w.NextAttemptAt = now.Add(lease).UTC()
	r.rows[id] = w
	return w, true, nil
}

func (r *memoryRepository) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]Withdrawal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []Withdrawal
	for _, w := range r.rows {
		if w.Status == StatusPending && !w.NextAttemptAt.After(now) {
			due = append(due, w)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].NextAttemptAt = now.Add(lease).UTC()
		r.rows[due[i].ID] = due[i]
	}
	return due, nil
}

func (r *memoryRepository) Recredit(ctx context.Context, id, operator string, credit ledger.Posting) (Withdrawal, error) {
	var updated Withdrawal
	err := r.ledger.Batch(ctx, func(tx ledger.Tx) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		w, ok := r.rows[id]
		if !ok {
			return ErrNotFound
		}
		if err := recreditable(w); err != nil {
			return err
		}
		if _, err := tx.Credit(ctx, ledger.ByID(w.WalletID), credit); err != nil {
			return err
		}
		now := time.Now().UTC()
		w.RecreditedAt = &now
		w.RecreditedBy = operator
		w.UpdatedAt = now
		r.rows[id] = w
		updated = w
		return nil
	})
	if err != nil {
		return Withdrawal{}, err
	}
	return updated, nil
}
