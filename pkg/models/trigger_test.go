package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		eventType EventType
		category  TriggerCategory
	}{
		{EventContactCreated, CategoryContact},
		{EventContactUpdated, CategoryContact},
		{EventTagAdded, CategoryContact},
		{EventTagRemoved, CategoryContact},
		{EventFormSubmitted, CategoryEngagement},
		{EventEmailOpened, CategoryEngagement},
		{EventEmailClicked, CategoryEngagement},
		{EventDealStageChanged, CategorySales},
		{EventAppointmentBooked, CategoryCalendar},
		{EventInvoicePaid, CategoryBilling},
	}

	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			assert.Equal(t, tt.category, CategoryOf(tt.eventType))
			assert.True(t, KnownEventType(tt.eventType))
		})
	}

	assert.Empty(t, CategoryOf(EventType("webhook_fired")))
	assert.False(t, KnownEventType(EventType("webhook_fired")))
}

func validTrigger() *Trigger {
	return &Trigger{
		ID:         "tr-1",
		WorkflowID: "wf-1",
		TenantID:   "t-1",
		EventType:  EventTagAdded,
		Active:     true,
	}
}

func TestTriggerValidate(t *testing.T) {
	t.Run("defaults enrollment mode and derives category", func(t *testing.T) {
		trigger := validTrigger()

		require.NoError(t, trigger.Validate())
		assert.Equal(t, EnrollmentModeMultiple, trigger.Settings.EnrollmentMode)
		assert.Equal(t, CategoryContact, trigger.Category)
	})

	t.Run("rejects unknown event type", func(t *testing.T) {
		trigger := validTrigger()
		trigger.EventType = "webhook_fired"

		var verr *ValidationError
		require.ErrorAs(t, trigger.Validate(), &verr)
	})

	t.Run("rejects unknown enrollment mode", func(t *testing.T) {
		trigger := validTrigger()
		trigger.Settings.EnrollmentMode = "exactly_once"

		require.Error(t, trigger.Validate())
	})

	t.Run("rejects unknown timezone", func(t *testing.T) {
		trigger := validTrigger()
		trigger.Settings.Timezone = "Mars/Olympus_Mons"

		require.Error(t, trigger.Validate())
	})

	t.Run("rejects inverted hours window", func(t *testing.T) {
		trigger := validTrigger()
		trigger.Settings.StartHour = 18
		trigger.Settings.EndHour = 9

		require.Error(t, trigger.Validate())
	})
}

func TestTriggerSettingsInBusinessHours(t *testing.T) {
	monday := func(hour int) time.Time {
		return time.Date(2026, 3, 2, hour, 0, 0, 0, time.UTC)
	}

	t.Run("disabled setting always passes", func(t *testing.T) {
		var s TriggerSettings
		assert.True(t, s.InBusinessHours(monday(3)))
	})

	t.Run("default window is nine to five on weekdays", func(t *testing.T) {
		s := TriggerSettings{BusinessHoursOnly: true}

		assert.True(t, s.InBusinessHours(monday(9)))
		assert.True(t, s.InBusinessHours(monday(16)))
		assert.False(t, s.InBusinessHours(monday(8)))
		assert.False(t, s.InBusinessHours(monday(17)))
		assert.False(t, s.InBusinessHours(time.Date(2026, 3, 8, 10, 0, 0, 0, time.UTC)), "sunday")
	})

	t.Run("configured window and timezone apply", func(t *testing.T) {
		s := TriggerSettings{
			BusinessHoursOnly: true,
			Timezone:          "America/Sao_Paulo",
			StartHour:         8,
			EndHour:           12,
		}

		// 14:00 UTC is 11:00 local.
		assert.True(t, s.InBusinessHours(monday(14)))
		// 16:00 UTC is 13:00 local, past the window.
		assert.False(t, s.InBusinessHours(monday(16)))
	})
}
