package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type memoryStore struct {
	mu           sync.RWMutex
	wallets      map[string]Wallet
	byCode       map[string]string
	rowLocks     map[string]*sync.Mutex
	transactions []Transaction
}

// NewInMemory creates a concurrency-safe in-memory store useful for unit
// tests. Each wallet has its own mutex standing in for the row lock.
func NewInMemory() Store {
	return &memoryStore{
		wallets:  make(map[string]Wallet),
		byCode:   make(map[string]string),
		rowLocks: make(map[string]*sync.Mutex),
	}
}

func (s *memoryStore) CreateWallet(_ context.Context, w NewWallet) (Wallet, error) {
	if err := w.validate(); err != nil {
		return Wallet{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byCode[w.VirtualAccountCode]; exists {
		return Wallet{}, fmt.Errorf("%w: %s", ErrWalletExists, w.VirtualAccountCode)
	}
	return s.insertLocked(w), nil
}

func (s *memoryStore) EnsureWallet(_ context.Context, w NewWallet) (Wallet, error) {
	if err := w.validate(); err != nil {
		return Wallet{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, exists := s.byCode[w.VirtualAccountCode]; exists {
		return s.wallets[id], nil
	}
	return s.insertLocked(w), nil
}

func (s *memoryStore) insertLocked(w NewWallet) Wallet {
	now := time.Now().UTC()
	wallet := Wallet{
		ID:                 uuid.NewString(),
		EntityType:         w.EntityType,
		EntityID:           w.EntityID,
		VirtualAccountCode: w.VirtualAccountCode,
		Balance:            decimal.Zero,
		Currency:           Currency,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	s.wallets[wallet.ID] = wallet
	s.byCode[wallet.VirtualAccountCode] = wallet.ID
	s.rowLocks[wallet.ID] = &sync.Mutex{}
	return wallet
}

func (s *memoryStore) Wallet(_ context.Context, ref Ref) (Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, err := s.resolveLocked(ref)
	if err != nil {
		return Wallet{}, err
	}
	return s.wallets[id], nil
}

func (s *memoryStore) resolveLocked(ref Ref) (string, error) {
	if ref.ID != "" {
		if _, ok := s.wallets[ref.ID]; ok {
			return ref.ID, nil
		}
	} else if id, ok := s.byCode[ref.Code]; ok && ref.Code != "" {
		return id, nil
	}
	return "", fmt.Errorf("%w: %s", ErrWalletNotFound, ref)
}

func (s *memoryStore) Credit(ctx context.Context, ref Ref, p Posting) (Movement, error) {
	var m Movement
	err := s.Batch(ctx, func(tx Tx) error {
		var err error
		m, err = tx.Credit(ctx, ref, p)
		return err
	})
	return m, err
}

func (s *memoryStore) Debit(ctx context.Context, ref Ref, p Posting) (Movement, error) {
	var m Movement
	err := s.Batch(ctx, func(tx Tx) error {
		var err error
		m, err = tx.Debit(ctx, ref, p)
		return err
	})
	return m, err
}

func (s *memoryStore) Batch(_ context.Context, fn func(tx Tx) error) error {
	tx := &memoryTx{store: s, staged: make(map[string]Wallet)}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, w := range tx.staged {
		s.wallets[id] = w
	}
	s.transactions = append(s.transactions, tx.records...)
	return nil
}

func (s *memoryStore) History(_ context.Context, ref Ref, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, err := s.resolveLocked(ref)
	if err != nil {
		return nil, err
	}
	var out []Transaction
	for i := len(s.transactions) - 1; i >= 0 && len(out) < limit; i-- {
		if s.transactions[i].WalletID == id {
			out = append(out, s.transactions[i])
		}
	}
	return out, nil
}

func (s *memoryStore) HasPosting(_ context.Context, source, sourceRef string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.transactions {
		if t.Source == source && t.SourceRef == sourceRef {
			return true, nil
		}
	}
	return false, nil
}

type memoryTx struct {
	store   *memoryStore
	held    []string
	staged  map[string]Wallet
	records []Transaction
}

func (t *memoryTx) Lock(_ context.Context, ref Ref) (Wallet, error) {
	t.store.mu.RLock()
	id, err := t.store.resolveLocked(ref)
	var rowLock *sync.Mutex
	if err == nil {
		rowLock = t.store.rowLocks[id]
	}
	t.store.mu.RUnlock()
	if err != nil {
		return Wallet{}, err
	}

	if w, ok := t.staged[id]; ok {
		return w, nil
	}
	rowLock.Lock()
	t.held = append(t.held, id)

	t.store.mu.RLock()
	w := t.store.wallets[id]
	t.store.mu.RUnlock()
	t.staged[id] = w
	return w, nil
}

func (t *memoryTx) Credit(ctx context.Context, ref Ref, p Posting) (Movement, error) {
	return t.post(ctx, ref, TxCredit, p)
}

func (t *memoryTx) Debit(ctx context.Context, ref Ref, p Posting) (Movement, error) {
	return t.post(ctx, ref, TxDebit, p)
}

func (t *memoryTx) post(ctx context.Context, ref Ref, kind TxType, p Posting) (Movement, error) {
	if err := p.validate(); err != nil {
		return Movement{}, err
	}
	w, err := t.Lock(ctx, ref)
	if err != nil {
		return Movement{}, err
	}
	after, err := apply(w, kind, p)
	if err != nil {
		return Movement{}, err
	}
	now := time.Now().UTC()
	record := Transaction{
		ID:            uuid.NewString(),
		WalletID:      w.ID,
		TxType:        kind,
		Amount:        p.Amount,
		BalanceBefore: w.Balance,
		BalanceAfter:  after,
		Source:        p.Source,
		SourceRef:     p.SourceRef,
		Description:   p.Description,
		CreatedAt:     now,
	}
	w.Balance = after
	w.UpdatedAt = now
	t.staged[w.ID] = w
	t.records = append(t.records, record)
	return Movement{BalanceBefore: record.BalanceBefore, BalanceAfter: after, Transaction: record}, nil
}

func (t *memoryTx) release() {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	for i := len(t.held) - 1; i >= 0; i-- {
		t.store.rowLocks[t.held[i]].Unlock()
	}
	t.held = nil
}
