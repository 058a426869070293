package bulk

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultRatePerMinute is the per-tenant enrollment rate ceiling. Exceeding
// it delays enrollment, it never drops subjects.
const DefaultRatePerMinute = 600

// Limiter throttles enrollment throughput per tenant. Wait blocks until the
// caller may enroll one subject.
type Limiter interface {
	Wait(ctx context.Context, tenantID string) error
}

// NopLimiter applies no throttling.
type NopLimiter struct{}

func (NopLimiter) Wait(context.Context, string) error { return nil }

// MemoryLimiter is a fixed-window rate limiter keyed by tenant.
type MemoryLimiter struct {
	perMinute int
	clock     clockwork.Clock

	mu      sync.Mutex
	windows map[string]*rateWindow
}

type rateWindow struct {
	start time.Time
	count int
}

// NewMemoryLimiter creates a limiter allowing perMinute enrollments per
// tenant. A non-positive rate falls back to the default.
func NewMemoryLimiter(perMinute int, clock clockwork.Clock) *MemoryLimiter {
	if perMinute <= 0 {
		perMinute = DefaultRatePerMinute
	}

	return &MemoryLimiter{
		perMinute: perMinute,
		clock:     clock,
		windows:   make(map[string]*rateWindow),
	}
}

// Wait implements Limiter.
func (l *MemoryLimiter) Wait(ctx context.Context, tenantID string) error {
	for {
		delay, ok := l.tryAcquire(tenantID)
		if ok {
			return nil
		}

		timer := l.clock.NewTimer(delay)

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.Chan():
		}
	}
}

func (l *MemoryLimiter) tryAcquire(tenantID string) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()

	window, ok := l.windows[tenantID]
	if !ok || now.Sub(window.start) >= time.Minute {
		window = &rateWindow{start: now}
		l.windows[tenantID] = window
	}

	if window.count < l.perMinute {
		window.count++
		return 0, true
	}

	return window.start.Add(time.Minute).Sub(now), false
}
