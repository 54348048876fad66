package routes

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/twende-pay/twende_pay/internal/middleware"
	"github.com/twende-pay/twende_pay/internal/ussd"
)

// RegisterUSSDRoutes wires the gateway endpoint, limited per caller.
func RegisterUSSDRoutes(app *fiber.App, h *ussd.Handler, cache *redis.Client, perMinute int) {
	limit := middleware.RateLimit(cache, middleware.RateLimitConfig{
		Prefix: "rl:ussd:",
		Max:    perMinute,
		Window: time.Minute,
		Key:    middleware.FormValue("phoneNumber"),
		Limited: func(c *fiber.Ctx) error {
			c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
			return c.Status(http.StatusOK).SendString("END Too many requests. Please try again in a minute.")
		},
	})
	app.Post("/ussd", limit, h.Serve)
}
