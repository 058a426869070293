package web

import "github.com/tideflow-io/tideflow/pkg/models"

// SaveWorkflowRequest is the create/update payload for a workflow.
type SaveWorkflowRequest struct {
	TenantID string                 `json:"tenant_id" validate:"required"`
	Name     string                 `json:"name"      validate:"required,min=3"`
	Status   models.WorkflowStatus  `json:"status"`
	Steps    []*models.WorkflowStep `json:"steps"`
	Goal     *models.FilterSet      `json:"goal,omitempty"`
}

// SaveTriggerRequest binds one trigger to a workflow.
type SaveTriggerRequest struct {
	TenantID  string                 `json:"tenant_id"  validate:"required"`
	EventType models.EventType       `json:"event_type" validate:"required"`
	Filters   *models.FilterSet      `json:"filters,omitempty"`
	Settings  models.TriggerSettings `json:"settings"`
	Active    bool                   `json:"active"`
}

// CancelExecutionRequest optionally carries the cancellation reason.
type CancelExecutionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// RouteConditionRequest carries the dry-run context for a condition step.
type RouteConditionRequest struct {
	TenantID  string         `json:"tenant_id" validate:"required"`
	SubjectID string         `json:"subject_id"`
	Subject   map[string]any `json:"subject,omitempty"`
	Event     map[string]any `json:"event,omitempty"`
}

// BulkEnrollmentRequest submits a bulk job.
type BulkEnrollmentRequest struct {
	TenantID   string           `json:"tenant_id"   validate:"required"`
	WorkflowID string           `json:"workflow_id" validate:"required"`
	Selection  models.Selection `json:"selection"`
	BatchSize  int              `json:"batch_size,omitempty"`
}
