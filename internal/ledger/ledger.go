package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds occurs when a debit exceeds the wallet balance at
	// the time the wallet row is locked.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrWalletNotFound is returned when a wallet reference does not resolve.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrWalletExists is returned by CreateWallet for a taken virtual account code.
	ErrWalletExists = errors.New("wallet already exists")

	// ErrInvalidAmount rejects zero, negative or sub-cent posting amounts.
	ErrInvalidAmount = errors.New("amount must be positive with at most two decimals")
)

// Currency is the only currency wallets hold.
const Currency = "KES"

// EntityType identifies what kind of owner a wallet belongs to.
type EntityType string

const (
	EntitySacco  EntityType = "SACCO"
	EntityMatatu EntityType = "MATATU"
	EntityTaxi   EntityType = "TAXI"
	EntityBoda   EntityType = "BODA"
	EntitySystem EntityType = "SYSTEM"
	EntityMSISDN EntityType = "MSISDN"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntitySacco, EntityMatatu, EntityTaxi, EntityBoda, EntitySystem, EntityMSISDN:
		return true
	}
	return false
}

// Vehicle reports whether the wallet belongs to a fare-collecting vehicle.
func (t EntityType) Vehicle() bool {
	return t == EntityMatatu || t == EntityTaxi || t == EntityBoda
}

// TxType is the direction of a wallet transaction.
type TxType string

const (
	TxCredit TxType = "CREDIT"
	TxDebit  TxType = "DEBIT"
)

// Source tags recorded on wallet transactions.
const (
	SourceC2B                = "MPESA_C2B"
	SourceSTK                = "MPESA_STK"
	SourceWithdrawal         = "WITHDRAWAL"
	SourceWithdrawalReversal = "WITHDRAWAL_REVERSAL"
	SourceOpeningBalance     = "OPENING_BALANCE"
	FeeSourcePrefix          = "FEE_"
)

// Wallet is the stored value account of a single entity.
type Wallet struct {
	ID                 string          `json:"id"`
	EntityType         EntityType      `json:"entity_type"`
	EntityID           string          `json:"entity_id,omitempty"`
	VirtualAccountCode string          `json:"virtual_account_code"`
	Balance            decimal.Decimal `json:"balance"`
	Currency           string          `json:"currency"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Transaction is an immutable record of one balance mutation.
type Transaction struct {
	ID            string          `json:"id"`
	WalletID      string          `json:"wallet_id"`
	TxType        TxType          `json:"tx_type"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Source        string          `json:"source"`
	SourceRef     string          `json:"source_ref,omitempty"`
	Description   string          `json:"description,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Posting describes a credit or debit request.
type Posting struct {
	Amount      decimal.Decimal
	Source      string
	SourceRef   string
	Description string
}

func (p Posting) validate() error {
	if !p.Amount.IsPositive() || !p.Amount.Equal(p.Amount.Round(2)) {
		return ErrInvalidAmount
	}
	if p.Source == "" {
		return fmt.Errorf("posting source is required")
	}
	return nil
}

// Movement is the outcome of a single credit or debit.
type Movement struct {
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Transaction   Transaction
}

// Ref addresses a wallet by internal id or by virtual account code.
type Ref struct {
	ID   string
	Code string
}

// ByID references a wallet by its internal identifier.
func ByID(id string) Ref { return Ref{ID: id} }

// ByCode references a wallet by its virtual account code.
func ByCode(code string) Ref { return Ref{Code: code} }

func (r Ref) String() string {
	if r.ID != "" {
		return "id:" + r.ID
	}
	return "code:" + r.Code
}

// NewWallet describes a wallet to create.
type NewWallet struct {
	EntityType         EntityType
	EntityID           string
	VirtualAccountCode string
}

func (n NewWallet) validate() error {
	if !n.EntityType.Valid() {
		return fmt.Errorf("unknown entity type %q", n.EntityType)
	}
	if n.VirtualAccountCode == "" {
		return fmt.Errorf("virtual account code is required")
	}
	return nil
}

// Tx is a unit of work holding wallet row locks until it commits. Locks are
// taken in call order and released together.
type Tx interface {
	Lock(ctx context.Context, ref Ref) (Wallet, error)
	Credit(ctx context.Context, ref Ref, p Posting) (Movement, error)
	Debit(ctx context.Context, ref Ref, p Posting) (Movement, error)
}

// Store is the authoritative wallet balance and transaction history.
type Store interface {
	CreateWallet(ctx context.Context, w NewWallet) (Wallet, error)
	EnsureWallet(ctx context.Context, w NewWallet) (Wallet, error)
	Wallet(ctx context.Context, ref Ref) (Wallet, error)
	Credit(ctx context.Context, ref Ref, p Posting) (Movement, error)
	Debit(ctx context.Context, ref Ref, p Posting) (Movement, error)
	Batch(ctx context.Context, fn func(tx Tx) error) error
	History(ctx context.Context, ref Ref, limit int) ([]Transaction, error)
	HasPosting(ctx context.Context, source, sourceRef string) (bool, error)
}

func apply(w Wallet, kind TxType, p Posting) (decimal.Decimal, error) {
	switch kind {
	case TxCredit:
		return w.Balance.Add(p.Amount), nil
	case TxDebit:
		if p.Amount.GreaterThan(w.Balance) {
			return decimal.Zero, ErrInsufficientFunds
		}
		return w.Balance.Sub(p.Amount), nil
	}
	return decimal.Zero, fmt.Errorf("unknown tx type %q", kind)
}
