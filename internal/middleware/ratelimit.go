package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// RateLimitConfig configures a fixed-window counter in Redis.
type RateLimitConfig struct {
	Prefix string
	Max    int
	Window time.Duration
	// Key picks the subject to count. An empty key falls back to the client IP.
	Key func(c *fiber.Ctx) string
	// Limited renders the rejection. Defaults to 429.
	Limited fiber.Handler
}

// RateLimit counts requests per subject and window. It fails open when Redis
// is missing or erroring.
func RateLimit(cache *redis.Client, cfg RateLimitConfig) fiber.Handler {
	if cfg.Max <= 0 {
		cfg.Max = 30
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "rl:http:"
	}
	if cfg.Limited == nil {
		cfg.Limited = func(*fiber.Ctx) error {
			return fiber.NewError(http.StatusTooManyRequests, "too many requests, try again later")
		}
	}
	return func(c *fiber.Ctx) error {
		if cache == nil {
			return c.Next()
		}
		subject := ""
		if cfg.Key != nil {
			subject = strings.TrimSpace(cfg.Key(c))
		}
		if subject == "" {
			subject = c.IP()
		}
		key := cfg.Prefix + subject
		cnt, err := cache.Incr(c.UserContext(), key).Result()
		if err != nil {
			return c.Next()
		}
		if cnt == 1 {
			cache.Expire(c.UserContext(), key, cfg.Window)
		}
		if cnt > int64(cfg.Max) {
			return cfg.Limited(c)
		}
		return c.Next()
	}
}

// FormValue keys a limiter on a form field such as the USSD phoneNumber.
func FormValue(field string) func(c *fiber.Ctx) string {
	return func(c *fiber.Ctx) string {
		return c.FormValue(field)
	}
}
