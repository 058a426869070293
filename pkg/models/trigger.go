package models

import "time"

// EventType is one of the fixed enumeration of inbound domain event types a
// trigger can bind to.
type EventType string

const (
	EventContactCreated    EventType = "contact_created"
	EventContactUpdated    EventType = "contact_updated"
	EventTagAdded          EventType = "tag_added"
	EventTagRemoved        EventType = "tag_removed"
	EventFormSubmitted     EventType = "form_submitted"
	EventEmailOpened       EventType = "email_opened"
	EventEmailClicked      EventType = "email_clicked"
	EventDealStageChanged  EventType = "deal_stage_changed"
	EventAppointmentBooked EventType = "appointment_booked"
	EventInvoicePaid       EventType = "invoice_paid"
)

// TriggerCategory groups event types by their originating collaborator.
type TriggerCategory string

const (
	CategoryContact    TriggerCategory = "contact"
	CategoryEngagement TriggerCategory = "engagement"
	CategorySales      TriggerCategory = "sales"
	CategoryCalendar   TriggerCategory = "calendar"
	CategoryBilling    TriggerCategory = "billing"
)

var eventCategories = map[EventType]TriggerCategory{
	EventContactCreated:    CategoryContact,
	EventContactUpdated:    CategoryContact,
	EventTagAdded:          CategoryContact,
	EventTagRemoved:        CategoryContact,
	EventFormSubmitted:     CategoryEngagement,
	EventEmailOpened:       CategoryEngagement,
	EventEmailClicked:      CategoryEngagement,
	EventDealStageChanged:  CategorySales,
	EventAppointmentBooked: CategoryCalendar,
	EventInvoicePaid:       CategoryBilling,
}

// CategoryOf returns the category derived from an event type, or the empty
// string for an unknown event type.
func CategoryOf(eventType EventType) TriggerCategory {
	return eventCategories[eventType]
}

// KnownEventType reports whether the event type belongs to the fixed
// enumeration.
func KnownEventType(eventType EventType) bool {
	_, ok := eventCategories[eventType]
	return ok
}

// EnrollmentMode controls whether a subject may hold several concurrent
// executions of the same workflow.
type EnrollmentMode string

const (
	// EnrollmentModeMultiple allows a new execution regardless of existing ones.
	EnrollmentModeMultiple EnrollmentMode = "multiple_enrollment"
	// EnrollmentModeSingle skips enrollment while the subject has a
	// non-terminal execution for the workflow.
	EnrollmentModeSingle EnrollmentMode = "single_enrollment"
)

// Default enrollment window for triggers that restrict matching to business
// hours without configuring their own.
const (
	DefaultBusinessStartHour = 9
	DefaultBusinessEndHour   = 17
)

// TriggerSettings is the settings bag attached to a trigger. The window
// fields only take effect when BusinessHoursOnly is set; an unconfigured
// window means Monday through Friday, 09:00 to 17:00, in the configured
// timezone (UTC when unset).
type TriggerSettings struct {
	EnrollmentMode    EnrollmentMode `json:"enrollment_mode"`
	BusinessHoursOnly bool           `json:"business_hours_only"`
	Timezone          string         `json:"timezone,omitempty"`
	StartHour         int            `json:"start_hour,omitempty"`
	EndHour           int            `json:"end_hour,omitempty"`
}

// InBusinessHours reports whether at falls inside the trigger's enrollment
// window. Triggers without BusinessHoursOnly always report true.
func (s TriggerSettings) InBusinessHours(at time.Time) bool {
	if !s.BusinessHoursOnly {
		return true
	}

	if s.Timezone != "" {
		if loc, err := time.LoadLocation(s.Timezone); err == nil {
			at = at.In(loc)
		}
	}

	switch at.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}

	start, end := s.StartHour, s.EndHour
	if start == 0 && end == 0 {
		start, end = DefaultBusinessStartHour, DefaultBusinessEndHour
	}

	return at.Hour() >= start && at.Hour() < end
}

// Trigger binds one workflow to one inbound event type plus a filter set.
// A workflow has at most one trigger; the trigger is deleted only when its
// workflow is deleted.
type Trigger struct {
	ID         string          `json:"id"          validate:"required"`
	WorkflowID string          `json:"workflow_id" validate:"required"`
	TenantID   string          `json:"tenant_id"   validate:"required"`
	EventType  EventType       `json:"event_type"  validate:"required"`
	Category   TriggerCategory `json:"category"`
	Filters    *FilterSet      `json:"filters,omitempty"`
	Settings   TriggerSettings `json:"settings"`
	Active     bool            `json:"active"`
	CreatedBy  string          `json:"created_by"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Validate revalidates the trigger configuration. It runs on every mutation.
func (t *Trigger) Validate() error {
	if !KnownEventType(t.EventType) {
		return &ValidationError{Entity: "trigger", ID: t.ID, Message: "unknown event type " + string(t.EventType)}
	}

	if t.Settings.EnrollmentMode == "" {
		t.Settings.EnrollmentMode = EnrollmentModeMultiple
	}

	if t.Settings.EnrollmentMode != EnrollmentModeMultiple && t.Settings.EnrollmentMode != EnrollmentModeSingle {
		return &ValidationError{Entity: "trigger", ID: t.ID, Message: "unknown enrollment mode " + string(t.Settings.EnrollmentMode)}
	}

	if t.Settings.Timezone != "" {
		if _, err := time.LoadLocation(t.Settings.Timezone); err != nil {
			return &ValidationError{Entity: "trigger", ID: t.ID, Message: "unknown timezone " + t.Settings.Timezone}
		}
	}

	if t.Settings.StartHour < 0 || t.Settings.EndHour > 24 ||
		(t.Settings.EndHour != 0 && t.Settings.StartHour >= t.Settings.EndHour) {
		return &ValidationError{Entity: "trigger", ID: t.ID, Message: "invalid business hours window"}
	}

	if err := t.Filters.Validate(); err != nil {
		return &ValidationError{Entity: "trigger", ID: t.ID, Message: err.Error()}
	}

	t.Category = CategoryOf(t.EventType)

	return nil
}
