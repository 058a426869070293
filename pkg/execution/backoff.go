package execution

import "time"

// RetryPolicy is the exponential backoff schedule applied to transient step
// failures. Attempts beyond MaxAttempts exhaust the policy and fail the
// execution.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	MaxAttempts int
}

// DefaultRetryPolicy retries three times at 1, 3 and 9 minutes, never
// waiting longer than an hour between attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   time.Minute,
		MaxDelay:    time.Hour,
		Multiplier:  3.0,
		MaxAttempts: 3,
	}
}

// NextDelay returns the delay before the given retry attempt (1-based). The
// second return is false once the policy is exhausted.
func (p RetryPolicy) NextDelay(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt > p.MaxAttempts {
		return 0, false
	}

	delay := p.BaseDelay

	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.Multiplier)
		if delay >= p.MaxDelay {
			return p.MaxDelay, true
		}
	}

	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	return delay, true
}
