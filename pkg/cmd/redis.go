package cmd

import (
	"fmt"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient parses the URL and returns a client, or nil when no URL is
// configured. Redis backs event dedup and bulk rate limiting; without it both
// fall back to in-process implementations.
func NewRedisClient(redisURL string) *redis.Client {
	if redisURL == "" {
		return nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		panic(fmt.Errorf("invalid redis URL: %w", err))
	}

	return redis.NewClient(opts)
}
