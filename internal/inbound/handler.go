package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twende-pay/twende_pay/internal/fareintent"
	"github.com/twende-pay/twende_pay/internal/fees"
	"github.com/twende-pay/twende_pay/internal/ledger"
	"github.com/twende-pay/twende_pay/internal/metrics"
	"github.com/twende-pay/twende_pay/internal/mpesa"
	"github.com/twende-pay/twende_pay/internal/msisdn"
	"github.com/twende-pay/twende_pay/internal/notification"
	"github.com/twende-pay/twende_pay/internal/settlement"
)

// Outcome is what happened to one notification. Every outcome is
// acknowledged to the provider.
type Outcome string

const (
	OutcomeSettled     Outcome = "settled"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeRejected    Outcome = "rejected"
	OutcomeUnsettled   Outcome = "unsettled"
	OutcomeNotPaid     Outcome = "not_paid"
	OutcomeNoIntent    Outcome = "no_intent"
	OutcomeStoreFailed Outcome = "store_failed"
)

// reconcileLease bounds how long one reconciler owns a raw row.
const reconcileLease = 2 * time.Minute

// Settler applies a payment to the ledger.
type Settler interface {
	SettleFare(ctx context.Context, req settlement.Request) (settlement.Result, error)
}

// Intents resolves and closes the fare intents behind STK payments.
type Intents interface {
	ByCheckoutID(ctx context.Context, checkoutRequestID string) (fareintent.Intent, error)
	MarkPaid(ctx context.Context, id, receipt string) error
	MarkFailed(ctx context.Context, id, reason string) error
}

// Handler ingests payment notifications at least once and settles them
// exactly once, keyed on the provider receipt.
type Handler struct {
	repo     Repository
	settler  Settler
	intents  Intents
	wallets  ledger.Store
	metrics  *metrics.Metrics
	notifier notification.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewHandler wires the inbound payment handler.
func NewHandler(repo Repository, settler Settler, intents Intents, wallets ledger.Store, m *metrics.Metrics, notifier notification.Notifier, logger *slog.Logger) *Handler {
	return &Handler{
		repo:     repo,
		settler:  settler,
		intents:  intents,
		wallets:  wallets,
		metrics:  m,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Ingest parses, stores and settles one notification. Failures are logged and
// kept on the raw row; they never surface to the provider.
func (h *Handler) Ingest(ctx context.Context, payload []byte) Outcome {
	p, err := mpesa.ParseInbound(payload)
	if err != nil {
		h.metrics.InboundCallback("unknown", string(OutcomeRejected))
		h.logger.Error("inbound payload rejected", slog.Any("error", err), slog.Int("bytes", len(payload)))
		return OutcomeRejected
	}
	kind := string(p.Kind)

	var (
		intent    fareintent.Intent
		intentErr error
	)
	if p.Kind == mpesa.KindSTK {
		intent, intentErr = h.intents.ByCheckoutID(ctx, p.CheckoutRequestID)
		if intentErr != nil && !errors.Is(intentErr, fareintent.ErrNotFound) {
			h.logger.Error("resolve fare intent", slog.String("checkout_request_id", p.CheckoutRequestID), slog.Any("error", intentErr))
		}
		if !p.Succeeded() {
			if intent.ID != "" {
				if err := h.intents.MarkFailed(ctx, intent.ID, fmt.Sprintf("%s: %s", p.ResultCode, p.ResultDesc)); err != nil && !errors.Is(err, fareintent.ErrNotPending) {
					h.logger.Error("close fare intent", slog.String("intent_id", intent.ID), slog.Any("error", err))
				}
			}
			h.metrics.InboundCallback(kind, string(OutcomeNotPaid))
			h.logger.Info("stk payment not completed",
				slog.String("checkout_request_id", p.CheckoutRequestID),
				slog.String("result_code", p.ResultCode),
				slog.String("result_desc", p.ResultDesc))
			return OutcomeNotPaid
		}
		p.AccountReference = intent.VirtualAccountCode
	}

	raw, err := h.repo.Insert(ctx, RawPayment{
		Receipt:           p.Receipt,
		Kind:              p.Kind,
		Amount:            p.Amount,
		Phone:             p.Phone,
		AccountReference:  p.AccountReference,
		CheckoutRequestID: p.CheckoutRequestID,
		TransactionTime:   p.TransactionTime,
		Payload:           payload,
	})
	if errors.Is(err, ErrDuplicatePayment) {
		h.metrics.InboundCallback(kind, string(OutcomeDuplicate))
		h.logger.Info("duplicate inbound payment ignored", slog.String("receipt", p.Receipt))
		return OutcomeDuplicate
	}
	if err != nil {
		h.metrics.InboundCallback(kind, string(OutcomeStoreFailed))
		h.logger.Error("store inbound payment", slog.String("receipt", p.Receipt), slog.Any("error", err))
		return OutcomeStoreFailed
	}

	if errors.Is(intentErr, fareintent.ErrNotFound) {
		h.abandonOrphan(ctx, raw)
		h.metrics.InboundCallback(kind, string(OutcomeNoIntent))
		return OutcomeNoIntent
	}

	outcome := h.settle(ctx, raw, intent.ID)
	h.metrics.InboundCallback(kind, string(outcome))
	return outcome
}

// abandonOrphan closes an STK payment with no fare intent behind it. Nothing
// names the wallet to credit, so retrying cannot succeed.
func (h *Handler) abandonOrphan(ctx context.Context, raw RawPayment) {
	if err := h.repo.Abandon(ctx, raw.ID, "no fare intent for checkout "+raw.CheckoutRequestID); err != nil {
		h.logger.Error("abandon raw payment", slog.String("receipt", raw.Receipt), slog.Any("error", err))
		return
	}
	h.logger.Warn("stk payment has no fare intent",
		slog.String("receipt", raw.Receipt),
		slog.String("checkout_request_id", raw.CheckoutRequestID),
		slog.String("amount", raw.Amount.StringFixed(2)))
}

// Reconcile retries settlement of rows left unprocessed. Each row is leased
// first, so concurrent reconcilers never settle the same receipt. Rows whose
// credit already reached the ledger are only marked processed.
func (h *Handler) Reconcile(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	rows, err := h.repo.Unprocessed(ctx, olderThan, limit)
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, listed := range rows {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		raw, ok, err := h.repo.Claim(ctx, listed.ID, h.now(), reconcileLease)
		if err != nil {
			h.logger.Error("claim raw payment", slog.String("receipt", listed.Receipt), slog.Any("error", err))
			continue
		}
		if !ok {
			continue
		}
		done, err := h.alreadySettled(ctx, raw)
		if err != nil {
			h.logger.Error("check existing settlement", slog.String("receipt", raw.Receipt), slog.Any("error", err))
			continue
		}
		if done {
			if err := h.repo.MarkProcessed(ctx, raw.ID); err != nil {
				h.logger.Error("mark raw payment processed", slog.String("receipt", raw.Receipt), slog.Any("error", err))
				continue
			}
			settled++
			continue
		}
		var intentID string
		if raw.Kind == mpesa.KindSTK && raw.CheckoutRequestID != "" {
			intent, err := h.intents.ByCheckoutID(ctx, raw.CheckoutRequestID)
			switch {
			case err == nil:
				intentID = intent.ID
				if raw.AccountReference == "" {
					raw.AccountReference = intent.VirtualAccountCode
				}
			case errors.Is(err, fareintent.ErrNotFound) && raw.AccountReference == "":
				h.abandonOrphan(ctx, raw)
				continue
			}
		}
		if h.settle(ctx, raw, intentID) == OutcomeSettled {
			settled++
		}
	}
	return settled, nil
}

func (h *Handler) settle(ctx context.Context, raw RawPayment, intentID string) Outcome {
	source := ledger.SourceC2B
	if raw.Kind == mpesa.KindSTK {
		source = ledger.SourceSTK
	}
	res, err := h.settler.SettleFare(ctx, settlement.Request{
		VirtualAccountCode: raw.AccountReference,
		Gross:              raw.Amount,
		Source:             source,
		SourceRef:          raw.Receipt,
		Description:        fmt.Sprintf("%s payment from %s", raw.Kind, msisdn.Mask(raw.Phone)),
	})
	if err != nil {
		if merr := h.repo.MarkFailed(ctx, raw.ID, err.Error()); merr != nil {
			h.logger.Error("record settlement failure", slog.String("receipt", raw.Receipt), slog.Any("error", merr))
		}
		h.logger.Error("inbound payment left unsettled",
			slog.String("receipt", raw.Receipt),
			slog.String("account_reference", raw.AccountReference),
			slog.Any("error", err))
		return OutcomeUnsettled
	}

	if err := h.repo.MarkProcessed(ctx, raw.ID); err != nil {
		// The ledger holds the credit; reconciliation finds it via HasPosting.
		h.logger.Error("mark raw payment processed", slog.String("receipt", raw.Receipt), slog.Any("error", err))
	}
	if intentID != "" {
		if err := h.intents.MarkPaid(ctx, intentID, raw.Receipt); err != nil && !errors.Is(err, fareintent.ErrNotPending) {
			h.logger.Error("mark fare intent paid", slog.String("intent_id", intentID), slog.Any("error", err))
		}
	}

	h.logger.Info("inbound payment settled",
		slog.String("receipt", raw.Receipt),
		slog.String("wallet_id", res.WalletID),
		slog.String("gross", raw.Amount.StringFixed(2)),
		slog.String("net", res.Net.StringFixed(2)),
		slog.String("fees", res.TotalFees.StringFixed(2)))

	if h.notifier != nil && raw.Phone != "" {
		msg := notification.Message{
			Kind:        notification.KindFareReceived,
			Destination: raw.Phone,
			Body:        fmt.Sprintf("KES %s paid to %s. Ref %s.", raw.Amount.StringFixed(0), raw.AccountReference, raw.Receipt),
		}
		if err := h.notifier.Send(ctx, msg); err != nil {
			h.logger.Warn("notification failed", slog.String("receipt", raw.Receipt), slog.Any("error", err))
		}
	}
	return OutcomeSettled
}

// alreadySettled looks for postings carrying the receipt. A fare whose fees
// consumed the whole amount has no destination posting, so the fee source is
// checked too.
func (h *Handler) alreadySettled(ctx context.Context, raw RawPayment) (bool, error) {
	source := ledger.SourceC2B
	if raw.Kind == mpesa.KindSTK {
		source = ledger.SourceSTK
	}
	found, err := h.wallets.HasPosting(ctx, source, raw.Receipt)
	if err != nil || found {
		return found, err
	}
	if raw.AccountReference == "" {
		return false, nil
	}
	wallet, err := h.wallets.Wallet(ctx, ledger.ByCode(raw.AccountReference))
	if errors.Is(err, ledger.ErrWalletNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	feeContext := fees.ContextFor(wallet.EntityType)
	if feeContext == "" {
		return false, nil
	}
	return h.wallets.HasPosting(ctx, ledger.FeeSourcePrefix+feeContext, raw.Receipt)
}

// RunReconciler retries unprocessed rows older than age every interval until
// ctx is cancelled.
func (h *Handler) RunReconciler(ctx context.Context, interval, age time.Duration, batch int) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := h.Reconcile(ctx, time.Now().Add(-age), batch)
			if err != nil && ctx.Err() == nil {
				h.logger.Error("inbound reconcile", slog.Int("settled", n), slog.Any("error", err))
			} else if n > 0 {
				h.logger.Info("inbound reconcile", slog.Int("settled", n))
			}
		}
	}
}
