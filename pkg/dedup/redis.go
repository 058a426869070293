package dedup

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/tideflow-io/tideflow/pkg/models"
)

// Redis is a deduplicator backed by a shared Redis instance, for multi-node
// deployments where the window must hold across processes. SET NX PX makes
// the claim atomic.
type Redis struct {
	client *redis.Client
	opts   Options
}

// NewRedis creates a Redis-backed deduplicator.
func NewRedis(client *redis.Client, opts Options) *Redis {
	return &Redis{client: client, opts: opts}
}

// Seen implements Deduplicator.
func (r *Redis) Seen(ctx context.Context, event models.DomainEvent) (bool, error) {
	key := Key(event, r.opts.IncludePayloadHash)

	claimed, err := r.client.SetNX(ctx, key, "1", r.opts.window()).Result()
	if err != nil {
		return false, fmt.Errorf("dedup claim failed: %w", err)
	}

	return !claimed, nil
}
