package payout

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/twende-pay/twende_pay/internal/metrics"
	"github.com/twende-pay/twende_pay/internal/mpesa"
	"github.com/twende-pay/twende_pay/internal/notification"
	"github.com/twende-pay/twende_pay/internal/withdrawal"
)

// Provider is the payout side of the M-Pesa client.
type Provider interface {
	B2C(ctx context.Context, req mpesa.PayoutRequest) (mpesa.Acceptance, error)
	B2B(ctx context.Context, req mpesa.PayoutRequest) (mpesa.Acceptance, error)
}

// DispatchOptions tunes retries of transient provider failures.
type DispatchOptions struct {
	MaxAttempts     int           // default: 5
	BaseBackoff     time.Duration // default: 30s
	MaxBackoff      time.Duration // default: 30m
	Lease           time.Duration // default: 2m
	ProviderTimeout time.Duration // default: 30s
}

// Dispatcher submits PENDING withdrawals to the provider. A withdrawal is
// leased before the call so a concurrent sweep cannot send it twice, and
// once the provider accepts it is never resubmitted.
type Dispatcher struct {
	repo     withdrawal.Repository
	provider Provider
	opt      DispatchOptions
	metrics  *metrics.Metrics
	notifier notification.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewDispatcher builds a dispatcher with defaults applied to opt.
func NewDispatcher(repo withdrawal.Repository, provider Provider, opt DispatchOptions, m *metrics.Metrics, notifier notification.Notifier, logger *slog.Logger) *Dispatcher {
	if opt.MaxAttempts <= 0 {
		opt.MaxAttempts = 5
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = 30 * time.Second
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = 30 * time.Minute
	}
	if opt.Lease <= 0 {
		opt.Lease = 2 * time.Minute
	}
	if opt.ProviderTimeout <= 0 {
		opt.ProviderTimeout = 30 * time.Second
	}
	return &Dispatcher{
		repo:     repo,
		provider: provider,
		opt:      opt,
		metrics:  m,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Dispatch submits one withdrawal if it is still PENDING and due. It returns
// nil when another worker already holds it.
func (d *Dispatcher) Dispatch(ctx context.Context, withdrawalID string) error {
	w, ok, err := d.repo.Claim(ctx, withdrawalID, d.now(), d.opt.Lease)
	if err != nil {
		return err
	}
	if !ok {
		d.metrics.PayoutDispatch("skipped")
		return nil
	}
	return d.dispatch(ctx, w)
}

// Sweep dispatches every due PENDING withdrawal, catching rows whose stream
// entry was lost. It returns how many were attempted.
func (d *Dispatcher) Sweep(ctx context.Context, limit int) (int, error) {
	due, err := d.repo.ClaimDue(ctx, d.now(), d.opt.Lease, limit)
	if err != nil {
		return 0, err
	}
	var errs []error
	for _, w := range due {
		if err := d.dispatch(ctx, w); err != nil {
			errs = append(errs, err)
		}
	}
	return len(due), errors.Join(errs...)
}

func (d *Dispatcher) dispatch(ctx context.Context, w withdrawal.Withdrawal) error {
	req := mpesa.PayoutRequest{
		OriginatorConversationID: w.OriginatorConversationID,
		Amount:                   w.Amount,
		Remarks:                  "Wallet withdrawal",
		Occasion:                 w.ID,
	}

	callCtx, cancel := context.WithTimeout(ctx, d.opt.ProviderTimeout)
	var (
		acc mpesa.Acceptance
		err error
	)
	switch w.Mode {
	case withdrawal.ModeBank:
		req.Paybill = w.BankPaybill
		req.AccountReference = w.BankAccount
		acc, err = d.provider.B2B(callCtx, req)
	default:
		req.Phone = w.PhoneNumber
		acc, err = d.provider.B2C(callCtx, req)
	}
	cancel()

	log := d.logger.With(slog.String("withdrawal_id", w.ID), slog.String("mode", string(w.Mode)))

	if err == nil {
		if _, terr := d.repo.Transition(ctx, w.ID, withdrawal.StatusProcessing, withdrawal.Update{
			ConversationID: acc.ConversationID,
			Response:       acc.Raw,
		}); terr != nil {
			log.Error("record payout acceptance", slog.String("conversation_id", acc.ConversationID), slog.Any("error", terr))
			return terr
		}
		d.metrics.PayoutDispatch("accepted")
		log.Info("payout accepted", slog.String("conversation_id", acc.ConversationID))
		return nil
	}

	attempts := w.Attempts + 1
	if mpesa.Retryable(err) && attempts < d.opt.MaxAttempts {
		next := d.now().Add(d.backoff(attempts))
		if rerr := d.repo.Reschedule(ctx, w.ID, attempts, next, err.Error()); rerr != nil {
			log.Error("reschedule payout", slog.Any("error", rerr))
			return rerr
		}
		d.metrics.PayoutDispatch("retry")
		log.Warn("payout deferred", slog.Int("attempts", attempts), slog.Time("next_attempt_at", next), slog.Any("error", err))
		return nil
	}

	failed, terr := d.repo.Transition(ctx, w.ID, withdrawal.StatusFailed, withdrawal.Update{
		FailureReason: err.Error(),
		Response:      providerBody(err),
	})
	if terr != nil {
		log.Error("record payout failure", slog.Any("error", terr))
		return terr
	}
	d.metrics.PayoutDispatch("failed")
	log.Error("payout failed before acceptance", slog.Int("attempts", attempts), slog.Any("error", err))
	notifyResult(ctx, d.notifier, d.logger, failed)
	return nil
}

func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.opt.BaseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= d.opt.MaxBackoff {
			return d.opt.MaxBackoff
		}
	}
	return delay
}

func providerBody(err error) []byte {
	var perr *mpesa.ProviderError
	if errors.As(err, &perr) && perr.Body != "" && perr.Body[0] == '{' {
		return []byte(perr.Body)
	}
	return nil
}
