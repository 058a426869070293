package bulk

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a fixed-window limiter shared across worker processes.
// The window counter lives under one key per tenant and minute.
type RedisLimiter struct {
	client    *redis.Client
	perMinute int
}

// NewRedisLimiter creates a Redis-backed limiter.
func NewRedisLimiter(client *redis.Client, perMinute int) *RedisLimiter {
	if perMinute <= 0 {
		perMinute = DefaultRatePerMinute
	}

	return &RedisLimiter{client: client, perMinute: perMinute}
}

// Wait implements Limiter.
func (l *RedisLimiter) Wait(ctx context.Context, tenantID string) error {
	for {
		window := time.Now().Truncate(time.Minute)
		key := fmt.Sprintf("bulk:rate:%s:%d", tenantID, window.Unix())

		count, err := l.client.Incr(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("rate window increment failed: %w", err)
		}

		if count == 1 {
			// First hit owns the key lifetime; two minutes outlives any
			// clock skew between workers.
			l.client.Expire(ctx, key, 2*time.Minute)
		}

		if count <= int64(l.perMinute) {
			return nil
		}

		wait := time.Until(window.Add(time.Minute))
		if wait < 0 {
			wait = 0
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
