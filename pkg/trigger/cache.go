package trigger

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tideflow-io/tideflow/pkg/models"
	"github.com/tideflow-io/tideflow/pkg/persistence"
)

type cacheKey struct {
	tenantID  string
	eventType models.EventType
}

// Cache is the read-mostly trigger index the matcher consults per event.
// It is rebuilt wholesale on trigger mutations, never queried from storage
// on the event path.
type Cache struct {
	persistence persistence.Persistence
	logger      *slog.Logger

	mu    sync.RWMutex
	byKey map[cacheKey][]*models.Trigger
}

// NewCache creates an empty cache. Call Refresh before serving events.
func NewCache(p persistence.Persistence, logger *slog.Logger) *Cache {
	return &Cache{
		persistence: p,
		logger:      logger.With("module", "trigger_cache"),
		byKey:       make(map[cacheKey][]*models.Trigger),
	}
}

// Refresh rebuilds the index from storage. Inactive triggers are left out;
// deactivation takes effect at the next refresh.
func (c *Cache) Refresh(ctx context.Context) error {
	triggers, err := c.persistence.TriggerRepository().ListAll(ctx)
	if err != nil {
		return err
	}

	byKey := make(map[cacheKey][]*models.Trigger)
	active := 0

	for _, trigger := range triggers {
		if !trigger.Active {
			continue
		}

		key := cacheKey{tenantID: trigger.TenantID, eventType: trigger.EventType}
		byKey[key] = append(byKey[key], trigger)
		active++
	}

	c.mu.Lock()
	c.byKey = byKey
	c.mu.Unlock()

	c.logger.DebugContext(ctx, "Trigger cache refreshed", "active_triggers", active)

	return nil
}

// Lookup returns the active triggers bound to the event type within the
// tenant. The returned slice must not be mutated.
func (c *Cache) Lookup(tenantID string, eventType models.EventType) []*models.Trigger {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.byKey[cacheKey{tenantID: tenantID, eventType: eventType}]
}
