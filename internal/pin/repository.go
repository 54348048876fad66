package pin

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists one PIN hash per wallet.
type Repository interface {
	Hash(ctx context.Context, walletID string) ([]byte, error)
	// Insert stores the first PIN of a wallet and fails with ErrAlreadySet
	// when one exists.
	Insert(ctx context.Context, walletID string, hash []byte) error
	Delete(ctx context.Context, walletID string) error
}

// PostgresRepository implements Repository using the wallet_pins table.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed PIN repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Hash fetches the stored hash of a wallet PIN.
func (r *PostgresRepository) Hash(ctx context.Context, walletID string) ([]byte, error) {
	id, err := uuid.Parse(walletID)
	if err != nil {
		return nil, ErrNotSet
	}
	var hash []byte
	err = r.db.QueryRow(ctx, `SELECT pin_hash FROM wallet_pins WHERE wallet_id = $1`, id).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotSet
	}
	return hash, err
}

// Insert stores a new PIN hash unless one exists.
func (r *PostgresRepository) Insert(ctx context.Context, walletID string, hash []byte) error {
	id, err := uuid.Parse(walletID)
	if err != nil {
		return err
	}
	cmd, err := r.db.Exec(ctx, `INSERT INTO wallet_pins (wallet_id, pin_hash, created_at, updated_at)
        VALUES ($1, $2, now(), now()) ON CONFLICT (wallet_id) DO NOTHING`, id, hash)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrAlreadySet
	}
	return nil
}

// Delete removes the PIN so the next wallet session prompts for a new one.
func (r *PostgresRepository) Delete(ctx context.Context, walletID string) error {
	id, err := uuid.Parse(walletID)
	if err != nil {
		return ErrNotSet
	}
	cmd, err := r.db.Exec(ctx, `DELETE FROM wallet_pins WHERE wallet_id = $1`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotSet
	}
	return nil
}

type memoryRepository struct {
	mu     sync.RWMutex
	hashes map[string][]byte
}

// NewMemoryRepository builds an in-memory PIN store for testing.
func NewMemoryRepository() Repository {
	return &memoryRepository{hashes: make(map[string][]byte)}
}

func (r *memoryRepository) Hash(_ context.Context, walletID string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hash, ok := r.hashes[walletID]
	if !ok {
		return nil, ErrNotSet
	}
	return hash, nil
}

func (r *memoryRepository) Insert(_ context.Context, walletID string, hash []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.hashes[walletID]; exists {
		return ErrAlreadySet
	}
	r.hashes[walletID] = hash
	return nil
}

func (r *memoryRepository) Delete(_ context.Context, walletID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.hashes[walletID]; !exists {
		return ErrNotSet
	}
	delete(r.hashes, walletID)
	return nil
}
