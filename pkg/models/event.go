package models

import "time"

// DomainEvent is one inbound event pushed by the CRM, marketing, billing or
// calendar collaborators.
type DomainEvent struct {
	TenantID   string         `json:"tenant_id"  validate:"required"`
	Type       EventType      `json:"type"       validate:"required"`
	SubjectID  string         `json:"subject_id" validate:"required"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}
