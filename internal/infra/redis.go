package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the client shared by idempotency, rate limits,
// PIN lockout, the fee cache and the payout stream.
type RedisOptions struct {
	URL string
	// ClientName shows up in CLIENT LIST; payout consumers are easier to
	// match to instances with it.
	ClientName string
}

// NewRedisClient configures a Redis client and verifies connectivity.
func NewRedisClient(ctx context.Context, opt RedisOptions) (*redis.Client, error) {
	if opt.URL == "" {
		return nil, fmt.Errorf("redis url is required")
	}

	ro, err := redis.ParseURL(opt.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if ro.DialTimeout == 0 {
		ro.DialTimeout = 5 * time.Second
	}
	if opt.ClientName != "" {
		ro.ClientName = opt.ClientName
	}
	client := redis.NewClient(ro)

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}
