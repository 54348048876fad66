package pin

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrNotSet is returned when the wallet has no PIN yet.
	ErrNotSet = errors.New("pin not set")
	// ErrAlreadySet is returned when setting a PIN over an existing one.
	ErrAlreadySet = errors.New("pin already set")
	// ErrInvalidFormat rejects anything other than four digits.
	ErrInvalidFormat = errors.New("pin must be 4 digits")
	// ErrMismatch is returned for a wrong PIN.
	ErrMismatch = errors.New("pin mismatch")
	// ErrLocked is returned while the wallet is locked out after repeated failures.
	ErrLocked = errors.New("pin locked, too many attempts")
)

// Service manages wallet PINs.
type Service struct {
	repo    Repository
	limiter Limiter
	cost    int
	logger  *slog.Logger
}

// NewService creates a PIN service. limiter may be nil to disable lockout.
func NewService(repo Repository, limiter Limiter, logger *slog.Logger) *Service {
	return &Service{repo: repo, limiter: limiter, cost: bcrypt.DefaultCost, logger: logger}
}

// WithCost overrides the bcrypt cost. Tests use bcrypt.MinCost.
func (s *Service) WithCost(cost int) *Service {
	s.cost = cost
	return s
}

// Valid reports whether pin has the accepted format.
func Valid(pin string) bool {
	if len(pin) != 4 {
		return false
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Exists reports whether the wallet has a PIN.
func (s *Service) Exists(ctx context.Context, walletID string) (bool, error) {
	_, err := s.repo.Hash(ctx, walletID)
	if errors.Is(err, ErrNotSet) {
		return false, nil
	}
	return err == nil, err
}

// Set stores the first PIN of a wallet.
func (s *Service) Set(ctx context.Context, walletID, pin string) error {
	if !Valid(pin) {
		return ErrInvalidFormat
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), s.cost)
	if err != nil {
		return err
	}
	return s.repo.Insert(ctx, walletID, hash)
}

// Match compares pin with the stored hash without touching the attempt
// counter.
func (s *Service) Match(ctx context.Context, walletID, pin string) (bool, error) {
	hash, err := s.repo.Hash(ctx, walletID)
	if err != nil {
		return false, err
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(pin)) == nil, nil
}

// Verify checks pin and counts failures towards the lockout.
func (s *Service) Verify(ctx context.Context, walletID, pin string) error {
	if err := s.check(ctx, walletID, pin); err != nil {
		return err
	}
	if s.limiter != nil {
		if err := s.limiter.Clear(ctx, walletID); err != nil {
			s.logger.Warn("clear pin failures", slog.String("wallet_id", walletID), slog.Any("error", err))
		}
	}
	return nil
}

// Recheck is Verify for a PIN entered earlier in the same session. A locked
// wallet and a wrong PIN fail exactly as in Verify, but a correct PIN leaves
// the failure count alone.
func (s *Service) Recheck(ctx context.Context, walletID, pin string) error {
	return s.check(ctx, walletID, pin)
}

func (s *Service) check(ctx context.Context, walletID, pin string) error {
	if s.limiter != nil {
		locked, err := s.limiter.Locked(ctx, walletID)
		if err != nil {
			s.logger.Warn("pin limiter unavailable", slog.String("wallet_id", walletID), slog.Any("error", err))
		} else if locked {
			return ErrLocked
		}
	}
	ok, err := s.Match(ctx, walletID, pin)
	if err != nil {
		return err
	}
	if !ok {
		if s.limiter != nil {
			if err := s.limiter.Fail(ctx, walletID); err != nil {
				s.logger.Warn("record pin failure", slog.String("wallet_id", walletID), slog.Any("error", err))
			}
		}
		return ErrMismatch
	}
	return nil
}

// Reset removes the PIN after an out-of-band identity check by an operator.
// The owner sets a new PIN on their next wallet session.
func (s *Service) Reset(ctx context.Context, walletID, operator string) error {
	if err := s.repo.Delete(ctx, walletID); err != nil {
		return err
	}
	if s.limiter != nil {
		if err := s.limiter.Clear(ctx, walletID); err != nil {
			s.logger.Warn("clear pin failures", slog.String("wallet_id", walletID), slog.Any("error", err))
		}
	}
	s.logger.Info("wallet pin reset", slog.String("wallet_id", walletID), slog.String("operator", operator))
	return nil
}
