package execution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_NextDelay(t *testing.T) {
	policy := DefaultRetryPolicy()

	tests := []struct {
		name    string
		attempt int
		want    time.Duration
		ok      bool
	}{
		{name: "first retry", attempt: 1, want: time.Minute, ok: true},
		{name: "second retry", attempt: 2, want: 3 * time.Minute, ok: true},
		{name: "third retry", attempt: 3, want: 9 * time.Minute, ok: true},
		{name: "exhausted", attempt: 4, want: 0, ok: false},
		{name: "zero attempt", attempt: 0, want: 0, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delay, ok := policy.NextDelay(tt.attempt)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, delay)
		})
	}
}

func TestRetryPolicy_DelayIsCapped(t *testing.T) {
	policy := RetryPolicy{
		BaseDelay:   time.Minute,
		MaxDelay:    time.Hour,
		Multiplier:  10.0,
		MaxAttempts: 5,
	}

	delay, ok := policy.NextDelay(5)
	assert.True(t, ok)
	assert.Equal(t, time.Hour, delay)
}
