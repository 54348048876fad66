package fareintent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/twende-pay/twende_pay/internal/mpesa"
	"github.com/twende-pay/twende_pay/internal/msisdn"
)

const maxReferenceAttempts = 5

// Pusher triggers an STK push on the payer's handset.
type Pusher interface {
	STKPush(ctx context.Context, req mpesa.STKPushRequest) (mpesa.STKPushResponse, error)
}

// Service opens fare intents and asks the provider to collect them.
type Service struct {
	repo    Repository
	pusher  Pusher
	timeout time.Duration
	logger  *slog.Logger
	newRef  func() string
}

// NewService wires the fare intent service. timeout bounds the STK push call.
func NewService(repo Repository, pusher Pusher, timeout time.Duration, logger *slog.Logger) *Service {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Service{repo: repo, pusher: pusher, timeout: timeout, logger: logger, newRef: NewReference}
}

// Initiate records a pending intent for the vehicle and triggers the STK
// push. If the push fails the intent is closed as FAILED and the error
// returned.
func (s *Service) Initiate(ctx context.Context, vehicleCode, phone string, amount decimal.Decimal) (Intent, error) {
	payer, err := msisdn.Normalize(phone)
	if err != nil {
		return Intent{}, err
	}

	var in Intent
	for attempt := 0; attempt < maxReferenceAttempts; attempt++ {
		in, err = s.repo.Create(ctx, Intent{
			Reference:          s.newRef(),
			VirtualAccountCode: vehicleCode,
			Amount:             amount,
			Phone:              payer,
		})
		if !errors.Is(err, ErrReferenceTaken) {
			break
		}
	}
	if err != nil {
		return Intent{}, fmt.Errorf("create fare intent: %w", err)
	}

	pushCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp, err := s.pusher.STKPush(pushCtx, mpesa.STKPushRequest{
		Phone:            payer,
		Amount:           amount,
		AccountReference: in.Reference,
		Description:      "Fare " + vehicleCode,
	})
	if err != nil {
		if ferr := s.repo.MarkFailed(ctx, in.ID, err.Error()); ferr != nil {
			s.logger.Error("close failed fare intent", slog.String("intent_id", in.ID), slog.Any("error", ferr))
		}
		s.logger.Warn("stk push failed",
			slog.String("reference", in.Reference),
			slog.String("phone", msisdn.Mask(payer)),
			slog.Any("error", err))
		return Intent{}, err
	}
	if err := s.repo.AttachCheckout(ctx, in.ID, resp.CheckoutRequestID); err != nil {
		return Intent{}, fmt.Errorf("attach checkout id: %w", err)
	}
	in.CheckoutRequestID = resp.CheckoutRequestID

	s.logger.Info("fare intent opened",
		slog.String("reference", in.Reference),
		slog.String("vehicle", vehicleCode),
		slog.String("amount", amount.StringFixed(2)),
		slog.String("checkout_request_id", resp.CheckoutRequestID))
	return in, nil
}

// ByCheckoutID resolves the intent for an STK callback.
func (s *Service) ByCheckoutID(ctx context.Context, checkoutRequestID string) (Intent, error) {
	return s.repo.ByCheckoutID(ctx, checkoutRequestID)
}

// MarkPaid records the receipt that settled the intent.
func (s *Service) MarkPaid(ctx context.Context, id, receipt string) error {
	return s.repo.MarkPaid(ctx, id, receipt)
}

// MarkFailed closes the intent after a failed STK result.
func (s *Service) MarkFailed(ctx context.Context, id, reason string) error {
	return s.repo.MarkFailed(ctx, id, reason)
}
