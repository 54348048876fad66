package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
)

const (
	adminKeyHeader       = "X-Admin-Key"
	operatorHeader       = "X-Operator"
	callbackSecretHeader = "X-Callback-Secret"
	operatorLocal        = "operator"
)

// AdminKey guards operator endpoints with a static key. The caller names
// itself in X-Operator; the name ends up in audit fields such as
// recredited_by.
func AdminKey(key string, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if key == "" {
			return fiber.NewError(http.StatusServiceUnavailable, "admin api disabled")
		}
		got := c.Get(adminKeyHeader)
		if got == "" {
			if authz := c.Get(fiber.HeaderAuthorization); strings.HasPrefix(strings.ToLower(authz), "bearer ") {
				got = strings.TrimSpace(authz[len("Bearer "):])
			}
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			logger.Warn("admin key rejected", slog.String("path", c.Path()), slog.String("ip", c.IP()))
			return fiber.NewError(http.StatusUnauthorized, "invalid admin key")
		}
		operator := strings.TrimSpace(c.Get(operatorHeader))
		if operator == "" {
			operator = "admin"
		}
		c.Locals(operatorLocal, operator)
		return c.Next()
	}
}

// Operator returns the operator recorded by AdminKey.
func Operator(c *fiber.Ctx) string {
	op, _ := c.Locals(operatorLocal).(string)
	return op
}

// CallbackSecret checks the shared secret the provider callbacks carry in
// X-Callback-Secret or the secret query parameter. An empty secret disables
// the check.
func CallbackSecret(secret string, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if secret == "" {
			return c.Next()
		}
		got := c.Get(callbackSecretHeader)
		if got == "" {
			got = c.Query("secret")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			logger.Warn("callback secret rejected", slog.String("path", c.Path()), slog.String("ip", c.IP()))
			return fiber.NewError(http.StatusForbidden, "forbidden")
		}
		return c.Next()
	}
}
