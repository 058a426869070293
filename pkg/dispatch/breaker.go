package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// WithBreaker wraps a dispatcher in a circuit breaker. A dispatcher that
// keeps timing out trips the breaker; while open, dispatches fail fast with
// a transient error so the retry policy reschedules them instead of piling
// work onto a struggling provider. Permanent errors do not count as breaker
// failures: a misconfigured step says nothing about provider health.
type WithBreaker struct {
	inner   Dispatcher
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewWithBreaker wraps the inner dispatcher.
func NewWithBreaker(inner Dispatcher, logger *slog.Logger) *WithBreaker {
	settings := gobreaker.Settings{
		Name:    "action-dispatcher",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Dispatcher breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &WithBreaker{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger.With("module", "dispatch_breaker"),
	}
}

// Dispatch implements Dispatcher.
func (d *WithBreaker) Dispatch(ctx context.Context, actionType string, config map[string]any, dctx Context) (*Result, error) {
	var permanent *Error

	result, err := d.breaker.Execute(func() (any, error) {
		res, derr := d.inner.Dispatch(ctx, actionType, config, dctx)
		if derr != nil && IsPermanent(derr) {
			// Swallow the error inside the breaker so it counts as a
			// success, and hand it back to the caller unchanged below.
			var e *Error
			if errors.As(derr, &e) {
				permanent = e
			} else {
				permanent = NewPermanent("permanent", derr.Error(), derr)
			}

			return nil, nil
		}

		return res, derr
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, NewTransient("breaker_open", "action dispatcher circuit open", err)
		}

		return nil, err
	}

	if permanent != nil {
		return nil, permanent
	}

	if result == nil {
		return &Result{}, nil
	}

	res, ok := result.(*Result)
	if !ok {
		return &Result{}, nil
	}

	return res, nil
}
