package routes

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/twende-pay/twende_pay/internal/middleware"
)

// RegisterFeeRoutes exposes the active fee rules of a context and a cache
// refresh after rules were edited in fees_config.
func RegisterFeeRoutes(r fiber.Router, s *Services, logger *slog.Logger) {
	r.Get("/fees/:context", func(c *fiber.Ctx) error {
		rules, err := s.FeeRules.ActiveRules(c.UserContext(), strings.ToUpper(c.Params("context")))
		if err != nil {
			return err
		}
		return c.Status(http.StatusOK).JSON(fiber.Map{"context": strings.ToUpper(c.Params("context")), "rules": rules})
	})
	r.Post("/fees/:context/refresh", func(c *fiber.Ctx) error {
		feeContext := strings.ToUpper(c.Params("context"))
		if s.FeeCache != nil {
			if err := s.FeeCache.Invalidate(c.UserContext(), feeContext); err != nil {
				return fiber.NewError(http.StatusServiceUnavailable, "fee cache unavailable")
			}
		}
		logger.Info("fee rules refreshed", slog.String("context", feeContext), slog.String("operator", middleware.Operator(c)))
		return c.SendStatus(http.StatusNoContent)
	})
}
