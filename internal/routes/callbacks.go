package routes

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/twende-pay/twende_pay/internal/middleware"
	"github.com/twende-pay/twende_pay/internal/mpesa"
	"github.com/twende-pay/twende_pay/internal/payout"
)

// RegisterCallbackRoutes wires the M-Pesa notification endpoints. Every
// authenticated callback is acknowledged with 200 whatever happened to it;
// outcomes live in logs, metrics and the stored rows.
func RegisterCallbackRoutes(r fiber.Router, s *Services, secret string, logger *slog.Logger) {
	cb := r.Group("/callbacks/mpesa", middleware.CallbackSecret(secret, logger))

	cb.Post("/c2b/validation", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(mpesa.Accepted())
	})
	ingest := func(c *fiber.Ctx) error {
		s.Inbound.Ingest(c.UserContext(), body(c))
		return c.Status(http.StatusOK).JSON(mpesa.Accepted())
	}
	cb.Post("/c2b/confirmation", ingest)
	cb.Post("/stk", ingest)

	result := payoutCallback(s.Payouts.HandleResult, logger)
	timeout := payoutCallback(s.Payouts.HandleTimeout, logger)
	cb.Post("/b2c/result", result)
	cb.Post("/b2c/timeout", timeout)
	cb.Post("/b2b/result", result)
	cb.Post("/b2b/timeout", timeout)
}

func payoutCallback(handle func(context.Context, []byte) (payout.Outcome, error), logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		outcome, err := handle(c.UserContext(), body(c))
		if err != nil {
			logger.Error("payout callback", slog.String("path", c.Path()), slog.String("outcome", string(outcome)), slog.Any("error", err))
		}
		return c.Status(http.StatusOK).JSON(mpesa.Accepted())
	}
}

// body copies the request body; fiber reuses the buffer after the handler.
func body(c *fiber.Ctx) []byte {
	return append([]byte(nil), c.Body()...)
}
