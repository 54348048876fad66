package pin

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter counts failed PIN attempts per wallet.
type Limiter interface {
	Locked(ctx context.Context, walletID string) (bool, error)
	Fail(ctx context.Context, walletID string) error
	Clear(ctx context.Context, walletID string) error
}

// RedisLimiter locks a wallet after MaxFailures wrong PINs within Window.
type RedisLimiter struct {
	cache       *redis.Client
	maxFailures int64
	window      time.Duration
}

// NewRedisLimiter builds a limiter. Zero values default to 5 failures per 15 minutes.
func NewRedisLimiter(cache *redis.Client, maxFailures int, window time.Duration) *RedisLimiter {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &RedisLimiter{cache: cache, maxFailures: int64(maxFailures), window: window}
}

func key(walletID string) string {
	return "rl:pin:" + walletID
}

// Locked reports whether the wallet exhausted its attempts.
func (l *RedisLimiter) Locked(ctx context.Context, walletID string) (bool, error) {
	n, err := l.cache.Get(ctx, key(walletID)).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n >= l.maxFailures, nil
}

// Fail records a wrong PIN. The window starts at the first failure.
func (l *RedisLimiter) Fail(ctx context.Context, walletID string) error {
	k := key(walletID)
	n, err := l.cache.Incr(ctx, k).Result()
	if err != nil {
		return err
	}
	if n == 1 {
		return l.cache.Expire(ctx, k, l.window).Err()
	}
	return nil
}

// Clear resets the counter after a correct PIN.
func (l *RedisLimiter) Clear(ctx context.Context, walletID string) error {
	return l.cache.Del(ctx, key(walletID)).Err()
}
