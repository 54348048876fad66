package withdrawal

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/twende-pay/twende_pay/internal/ledger"
	"github.com/twende-pay/twende_pay/internal/metrics"
	"github.com/twende-pay/twende_pay/internal/msisdn"
)

// Enqueuer hands a committed withdrawal to the payout worker.
type Enqueuer interface {
	Enqueue(ctx context.Context, withdrawalID string) error
}

// Limits bound a single withdrawal. A zero value disables that side.
type Limits struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// Request describes a withdrawal to open.
type Request struct {
	Wallet      ledger.Ref
	Amount      decimal.Decimal
	Destination Destination
	RequestedBy string
}

// Service debits wallets and opens withdrawals for payout.
type Service struct {
	repo    Repository
	wallets ledger.Store
	queue   Enqueuer
	limits  Limits
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewService wires the withdrawal service.
func NewService(repo Repository, wallets ledger.Store, queue Enqueuer, limits Limits, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{
		repo:    repo,
		wallets: wallets,
		queue:   queue,
		limits:  limits,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Request validates the request, then debits the wallet and records a
// PENDING withdrawal atomically. The balance check happens under the wallet
// row lock. Dispatch is asynchronous; an enqueue failure leaves the row for
// the payout sweep.
func (s *Service) Request(ctx context.Context, req Request) (Withdrawal, error) {
	dest, err := s.validate(req)
	if err != nil {
		s.metrics.Withdrawal(string(req.Destination.Mode), "invalid")
		return Withdrawal{}, err
	}

	wallet, err := s.wallets.Wallet(ctx, req.Wallet)
	if err != nil {
		s.metrics.Withdrawal(string(dest.Mode), "wallet_not_found")
		return Withdrawal{}, err
	}

	id := uuid.NewString()
	w := Withdrawal{
		ID:                       id,
		WalletID:                 wallet.ID,
		Amount:                   req.Amount,
		Mode:                     dest.Mode,
		PhoneNumber:              dest.Phone,
		BankPaybill:              dest.Paybill,
		BankAccount:              dest.Account,
		Status:                   StatusPending,
		OriginatorConversationID: ulid.MustNew(ulid.Timestamp(s.now()), rand.Reader).String(),
		NextAttemptAt:            s.now().UTC(),
		RequestedBy:              req.RequestedBy,
	}
	created, err := s.repo.CreateWithDebit(ctx, w, ledger.Posting{
		Amount:      req.Amount,
		Source:      ledger.SourceWithdrawal,
		SourceRef:   id,
		Description: describe(dest),
	})
	if err != nil {
		outcome := "error"
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			outcome = "insufficient_funds"
		}
		s.metrics.Withdrawal(string(dest.Mode), outcome)
		return Withdrawal{}, err
	}
	s.metrics.Withdrawal(string(dest.Mode), "accepted")

	s.logger.Info("withdrawal opened",
		slog.String("withdrawal_id", created.ID),
		slog.String("wallet_id", created.WalletID),
		slog.String("amount", created.Amount.StringFixed(2)),
		slog.String("mode", string(created.Mode)),
	)

	if s.queue != nil {
		if err := s.queue.Enqueue(ctx, created.ID); err != nil {
			s.logger.Warn("withdrawal enqueue failed, sweep will dispatch",
				slog.String("withdrawal_id", created.ID), slog.Any("error", err))
		}
	}
	return created, nil
}

// Get returns a withdrawal by id.
func (s *Service) Get(ctx context.Context, id string) (Withdrawal, error) {
	return s.repo.Get(ctx, id)
}

// Recredit reverses a FAILED withdrawal back into its wallet. It succeeds at
// most once per withdrawal.
func (s *Service) Recredit(ctx context.Context, id, operator string) (Withdrawal, error) {
	w, err := s.repo.Get(ctx, id)
	if err != nil {
		return Withdrawal{}, err
	}
	if err := recreditable(w); err != nil {
		return w, err
	}
	updated, err := s.repo.Recredit(ctx, id, operator, ledger.Posting{
		Amount:      w.Amount,
		Source:      ledger.SourceWithdrawalReversal,
		SourceRef:   w.ID,
		Description: "reversal of failed withdrawal",
	})
	if err != nil {
		return Withdrawal{}, err
	}
	s.logger.Info("withdrawal recredited",
		slog.String("withdrawal_id", updated.ID),
		slog.String("operator", operator),
		slog.String("amount", updated.Amount.StringFixed(2)),
	)
	return updated, nil
}

func (s *Service) validate(req Request) (Destination, error) {
	amount := req.Amount
	if !amount.IsPositive() {
		return Destination{}, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if !amount.Equal(amount.Truncate(0)) {
		return Destination{}, fmt.Errorf("%w: amount must be whole shillings", ErrInvalidAmount)
	}
	if !s.limits.Min.IsZero() && amount.LessThan(s.limits.Min) {
		return Destination{}, fmt.Errorf("%w: minimum withdrawal is %s", ErrInvalidAmount, s.limits.Min)
	}
	if !s.limits.Max.IsZero() && amount.GreaterThan(s.limits.Max) {
		return Destination{}, fmt.Errorf("%w: maximum withdrawal is %s", ErrInvalidAmount, s.limits.Max)
	}

	dest := req.Destination
	switch dest.Mode {
	case ModeMobile, "":
		phone, err := msisdn.Normalize(dest.Phone)
		if err != nil {
			return Destination{}, fmt.Errorf("%w: %v", ErrInvalidDestination, err)
		}
		return Destination{Mode: ModeMobile, Phone: phone}, nil
	case ModeBank:
		paybill := strings.TrimSpace(dest.Paybill)
		account := strings.TrimSpace(dest.Account)
		if !digits(paybill) || account == "" || len(account) > 20 {
			return Destination{}, fmt.Errorf("%w: bank paybill and account are required", ErrInvalidDestination)
		}
		return Destination{Mode: ModeBank, Paybill: paybill, Account: account}, nil
	}
	return Destination{}, fmt.Errorf("%w: unknown mode %q", ErrInvalidDestination, dest.Mode)
}

func describe(d Destination) string {
	if d.Mode == ModeBank {
		return fmt.Sprintf("withdrawal to paybill %s", d.Paybill)
	}
	return "withdrawal to " + msisdn.Mask(d.Phone)
}

func digits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
