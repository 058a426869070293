package models

import "time"

// ExecutionStatus is the lifecycle state of one enrollment.
type ExecutionStatus string

const (
	ExecutionStatusQueued    ExecutionStatus = "queued"
	ExecutionStatusActive    ExecutionStatus = "active"
	ExecutionStatusWaiting   ExecutionStatus = "waiting"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal executions are
// immutable.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// Well-known termination reasons.
const (
	ReasonTimeout        = "timeout"
	ReasonGoalMet        = "goal_met"
	ReasonSubjectRemoved = "subject_removed"
	ReasonUserRequested  = "user_requested"
)

// Execution is one subject's single run through one workflow version. The
// workflow version is frozen at creation; concurrent edits to the workflow
// definition do not affect in-flight executions. The (Status, CurrentStepID,
// RetryCount) tuple is the checkpoint that makes step advances crash safe.
type Execution struct {
	ID              string          `json:"id"`
	WorkflowID      string          `json:"workflow_id"`
	WorkflowVersion int             `json:"workflow_version"`
	SubjectID       string          `json:"subject_id"`
	TenantID        string          `json:"tenant_id"`
	Status          ExecutionStatus `json:"status"`
	CurrentStepID   string          `json:"current_step_id"`
	RetryCount      int             `json:"retry_count"`
	Source          string          `json:"source"`
	EventID         string          `json:"event_id,omitempty"` // originating event, for audit
	ResumeAt        *time.Time      `json:"resume_at,omitempty"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	CancelReason    string          `json:"cancel_reason,omitempty"`
	EnrolledAt      time.Time       `json:"enrolled_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	Reason          string          `json:"reason,omitempty"`
}

// StepStatus records the outcome of one step attempt.
type StepStatus string

const (
	StepStatusSuccess StepStatus = "success"
	StepStatusFailed  StepStatus = "failed"
	StepStatusSkipped StepStatus = "skipped"
)

// ExecutionLogEntry is the append-only record of one step attempt. Entries
// are write-once; they are only ever removed by bulk retention expiry.
type ExecutionLogEntry struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id"`
	StepIndex   int            `json:"step_index"`
	ActionType  string         `json:"action_type"`
	Status      StepStatus     `json:"status"`
	Duration    time.Duration  `json:"duration"`
	Error       string         `json:"error,omitempty"`
	Response    map[string]any `json:"response,omitempty"`
	At          time.Time      `json:"at"`
}

// EnrollmentRequest asks the execution core to create one execution. It is
// produced by the trigger matcher and the bulk enrollment scheduler.
type EnrollmentRequest struct {
	WorkflowID      string `json:"workflow_id"`
	WorkflowVersion int    `json:"workflow_version"`
	TenantID        string `json:"tenant_id"`
	SubjectID       string `json:"subject_id"`
	Source          string `json:"source"`
	EventID         string `json:"event_id,omitempty"`
}
