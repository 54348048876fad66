package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twende-pay/twende_pay/internal/metrics"
	"github.com/twende-pay/twende_pay/internal/mpesa"
	"github.com/twende-pay/twende_pay/internal/notification"
	"github.com/twende-pay/twende_pay/internal/withdrawal"
)

// Outcome summarises what a payout callback did.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeUnknown   Outcome = "unknown"
	OutcomeRecorded  Outcome = "recorded"
)

// ResultHandler applies asynchronous payout results to withdrawals.
type ResultHandler struct {
	repo     withdrawal.Repository
	metrics  *metrics.Metrics
	notifier notification.Notifier
	logger   *slog.Logger
}

// NewResultHandler wires the payout result handler.
func NewResultHandler(repo withdrawal.Repository, m *metrics.Metrics, notifier notification.Notifier, logger *slog.Logger) *ResultHandler {
	return &ResultHandler{repo: repo, metrics: m, notifier: notifier, logger: logger}
}

// HandleResult moves the matching withdrawal to SUCCESS or FAILED. Results
// for withdrawals already in a terminal state are ignored, so provider
// retries are harmless.
func (h *ResultHandler) HandleResult(ctx context.Context, payload []byte) (Outcome, error) {
	res, err := mpesa.ParsePayoutResult(payload)
	if err != nil {
		h.metrics.PayoutResult("invalid")
		return OutcomeUnknown, err
	}
	w, err := h.repo.FindByConversation(ctx, res.ConversationID, res.OriginatorConversationID)
	if errors.Is(err, withdrawal.ErrNotFound) {
		h.metrics.PayoutResult("unmatched")
		h.logger.Warn("payout result for unknown withdrawal",
			slog.String("conversation_id", res.ConversationID),
			slog.String("originator_conversation_id", res.OriginatorConversationID))
		return OutcomeUnknown, err
	}
	if err != nil {
		return OutcomeUnknown, err
	}
	if w.Status.Terminal() {
		h.metrics.PayoutResult("duplicate")
		return OutcomeDuplicate, nil
	}

	// The result can beat the acceptance write when the provider is fast.
	if w.Status == withdrawal.StatusPending {
		if w, err = h.repo.Transition(ctx, w.ID, withdrawal.StatusProcessing, withdrawal.Update{ConversationID: res.ConversationID}); err != nil {
			return OutcomeUnknown, err
		}
	}

	to := withdrawal.StatusSuccess
	update := withdrawal.Update{
		ConversationID: res.ConversationID,
		TransactionID:  res.TransactionID,
		Response:       payload,
	}
	if !res.Succeeded() {
		to = withdrawal.StatusFailed
		update.FailureReason = fmt.Sprintf("%s: %s", res.ResultCode, res.ResultDesc)
	}
	updated, err := h.repo.Transition(ctx, w.ID, to, update)
	if errors.Is(err, withdrawal.ErrInvalidTransition) && updated.Status.Terminal() {
		h.metrics.PayoutResult("duplicate")
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return OutcomeUnknown, err
	}

	h.metrics.PayoutResult(string(to))
	h.logger.Info("payout result applied",
		slog.String("withdrawal_id", updated.ID),
		slog.String("status", string(updated.Status)),
		slog.String("result_code", res.ResultCode),
		slog.String("transaction_id", res.TransactionID))
	notifyResult(ctx, h.notifier, h.logger, updated)
	return OutcomeApplied, nil
}

// HandleTimeout records a queue timeout. The payout may still complete, so
// the withdrawal keeps its status until a result arrives or an operator acts.
func (h *ResultHandler) HandleTimeout(ctx context.Context, payload []byte) (Outcome, error) {
	res, err := mpesa.ParsePayoutResult(payload)
	if err != nil {
		h.metrics.PayoutResult("invalid")
		return OutcomeUnknown, err
	}
	w, err := h.repo.FindByConversation(ctx, res.ConversationID, res.OriginatorConversationID)
	if err != nil {
		h.metrics.PayoutResult("unmatched")
		return OutcomeUnknown, err
	}
	if err := h.repo.Annotate(ctx, w.ID, payload); err != nil {
		return OutcomeUnknown, err
	}
	h.metrics.PayoutResult("timeout")
	h.logger.Warn("payout timed out at provider",
		slog.String("withdrawal_id", w.ID),
		slog.String("status", string(w.Status)),
		slog.String("result_desc", res.ResultDesc))
	return OutcomeRecorded, nil
}

func notifyResult(ctx context.Context, n notification.Notifier, logger *slog.Logger, w withdrawal.Withdrawal) {
	if n == nil || w.PhoneNumber == "" {
		return
	}
	msg := notification.Message{Destination: w.PhoneNumber}
	switch w.Status {
	case withdrawal.StatusSuccess:
		msg.Kind = notification.KindPayoutSucceeded
		msg.Body = fmt.Sprintf("Withdrawal of KES %s sent. Ref %s.", w.Amount.StringFixed(0), w.TransactionID)
	case withdrawal.StatusFailed:
		msg.Kind = notification.KindPayoutFailed
		msg.Body = fmt.Sprintf("Withdrawal of KES %s failed. Contact support.", w.Amount.StringFixed(0))
	default:
		return
	}
	if err := n.Send(ctx, msg); err != nil {
		logger.Warn("notification failed", slog.String("withdrawal_id", w.ID), slog.Any("error", err))
	}
}
