// Package dedup collapses duplicate inbound events. Events carrying an
// identical (tenant, event type, subject) tuple inside the window are treated
// as one logical event; only the first one reaches the trigger matcher.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tideflow-io/tideflow/pkg/models"
)

// DefaultWindow is the deduplication window applied when none is configured.
const DefaultWindow = 5 * time.Second

// Options configures key granularity. Payload hash inclusion is a refinement,
// off by default.
type Options struct {
	Window             time.Duration
	IncludePayloadHash bool
}

func (o Options) window() time.Duration {
	if o.Window <= 0 {
		return DefaultWindow
	}

	return o.Window
}

// Deduplicator answers whether an event was already seen inside the window.
// Seen records the event as a side effect, so a false return claims the slot.
type Deduplicator interface {
	Seen(ctx context.Context, event models.DomainEvent) (bool, error)
}

// Key builds the deduplication key for an event.
func Key(event models.DomainEvent, includePayload bool) string {
	parts := []string{event.TenantID, string(event.Type), event.SubjectID}

	if includePayload {
		payload, err := json.Marshal(event.Payload)
		if err == nil {
			sum := sha256.Sum256(payload)
			parts = append(parts, hex.EncodeToString(sum[:8]))
		}
	}

	return "dedup:" + strings.Join(parts, ":")
}

// Memory is an in-process deduplicator for tests and single-node setups.
type Memory struct {
	opts  Options
	clock clockwork.Clock

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemory creates an in-memory deduplicator.
func NewMemory(opts Options, clock clockwork.Clock) *Memory {
	return &Memory{
		opts:  opts,
		clock: clock,
		seen:  make(map[string]time.Time),
	}
}

// Seen implements Deduplicator.
func (m *Memory) Seen(_ context.Context, event models.DomainEvent) (bool, error) {
	key := Key(event, m.opts.IncludePayloadHash)
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if at, ok := m.seen[key]; ok && now.Sub(at) < m.opts.window() {
		return true, nil
	}

	m.seen[key] = now

	// Opportunistic sweep of expired entries to bound the map.
	if len(m.seen) > 4096 {
		for k, at := range m.seen {
			if now.Sub(at) >= m.opts.window() {
				delete(m.seen, k)
			}
		}
	}

	return false, nil
}
