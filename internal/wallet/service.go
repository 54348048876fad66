package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/twende-pay/twende_pay/internal/ledger"
)

const (
	defaultStatementLimit = 20
	maxStatementLimit     = 200
)

// ErrInvalidInput rejects malformed operator input.
var ErrInvalidInput = errors.New("invalid wallet input")

var codePattern = regexp.MustCompile(`^[A-Z0-9]{3,32}$`)

// PinResetter clears a wallet PIN.
type PinResetter interface {
	Reset(ctx context.Context, walletID, operator string) error
}

// Service exposes operator wallet operations backed by the ledger.
type Service struct {
	store  ledger.Store
	pins   PinResetter
	logger *slog.Logger
}

// NewService builds a wallet service instance.
func NewService(store ledger.Store, pins PinResetter, logger *slog.Logger) *Service {
	return &Service{store: store, pins: pins, logger: logger}
}

// Create opens a wallet for a sacco, vehicle, system account or subscriber.
func (s *Service) Create(ctx context.Context, input CreateInput) (ledger.Wallet, error) {
	code := strings.ToUpper(strings.TrimSpace(input.VirtualAccountCode))
	if !codePattern.MatchString(code) {
		return ledger.Wallet{}, fmt.Errorf("%w: virtual account code must be 3-32 letters or digits", ErrInvalidInput)
	}
	if !input.EntityType.Valid() {
		return ledger.Wallet{}, fmt.Errorf("%w: unknown entity type %q", ErrInvalidInput, input.EntityType)
	}
	w, err := s.store.CreateWallet(ctx, ledger.NewWallet{
		EntityType:         input.EntityType,
		EntityID:           strings.TrimSpace(input.EntityID),
		VirtualAccountCode: code,
	})
	if err != nil {
		return ledger.Wallet{}, err
	}
	s.logger.Info("wallet created",
		slog.String("wallet_id", w.ID),
		slog.String("entity_type", string(w.EntityType)),
		slog.String("virtual_account_code", w.VirtualAccountCode))
	return w, nil
}

// Get retrieves a wallet by virtual account code.
func (s *Service) Get(ctx context.Context, code string) (ledger.Wallet, error) {
	return s.store.Wallet(ctx, ledger.ByCode(normalize(code)))
}

// Balance returns the wallet balance.
func (s *Service) Balance(ctx context.Context, code string) (Balance, error) {
	w, err := s.Get(ctx, code)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		WalletID:           w.ID,
		VirtualAccountCode: w.VirtualAccountCode,
		Amount:             w.Balance,
		Currency:           w.Currency,
		AsOf:               time.Now().UTC(),
	}, nil
}

// Statement returns the wallet and up to limit recent transactions.
func (s *Service) Statement(ctx context.Context, code string, limit int) (Statement, error) {
	if limit <= 0 {
		limit = defaultStatementLimit
	}
	if limit > maxStatementLimit {
		limit = maxStatementLimit
	}
	w, err := s.Get(ctx, code)
	if err != nil {
		return Statement{}, err
	}
	txs, err := s.store.History(ctx, ledger.ByID(w.ID), limit)
	if err != nil {
		return Statement{}, err
	}
	if txs == nil {
		txs = []ledger.Transaction{}
	}
	return Statement{Wallet: w, Transactions: txs}, nil
}

// ResetPin clears the wallet PIN so the next USSD session prompts for a new
// one. Identity is checked out of band before an operator calls this.
func (s *Service) ResetPin(ctx context.Context, code, operator string) error {
	w, err := s.Get(ctx, code)
	if err != nil {
		return err
	}
	if err := s.pins.Reset(ctx, w.ID, operator); err != nil {
		return err
	}
	s.logger.Info("wallet pin reset",
		slog.String("wallet_id", w.ID),
		slog.String("virtual_account_code", w.VirtualAccountCode),
		slog.String("operator", operator))
	return nil
}

func normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
