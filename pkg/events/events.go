// Package events defines the event types flowing between the api, worker
// and sweeper processes: inbound subject events, execution lifecycle
// notifications, cache invalidations and bulk job handoffs.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/tideflow-io/tideflow/pkg/models"
)

type EventType string

// Kafka topics.
const Topic = "tideflow.events"                      // lifecycle and cache invalidation events
const SubjectEventTopic = "tideflow.subject.events"  // inbound domain events from collaborators
const ExecutionTopic = "tideflow.execution.commands" // advance commands for workers

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Inbound collaborator events.
	SubjectEventReceivedEvent EventType = "subject.event.received"

	// Execution commands.
	ExecutionAdvanceEvent EventType = "execution.advance"

	// Execution lifecycle notifications.
	ExecutionEnrolledEvent       EventType = "execution.enrolled"
	ExecutionWaitingEvent        EventType = "execution.waiting"
	ExecutionRetryScheduledEvent EventType = "execution.retry_scheduled"
	ExecutionCompletedEvent      EventType = "execution.completed"
	ExecutionFailedEvent         EventType = "execution.failed"
	ExecutionCancelledEvent      EventType = "execution.cancelled"
	ExecutionPausedEvent         EventType = "execution.paused"

	// Configuration mutations, consumed as trigger cache invalidations.
	TriggerChangedEvent    EventType = "trigger.changed"
	WorkflowPublishedEvent EventType = "workflow.published"

	// Bulk enrollment handoffs.
	BulkJobSubmittedEvent EventType = "bulk.job.submitted"
	BulkJobFinishedEvent  EventType = "bulk.job.finished"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	TenantID  string         `json:"tenant_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, tenantID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		TenantID:  tenantID,
		Metadata:  make(map[string]any),
	}
}

// SubjectEventReceived wraps one inbound domain event for transport to the
// matcher.
type SubjectEventReceived struct {
	BaseEvent

	Event models.DomainEvent `json:"event"`
}

func (e SubjectEventReceived) GetType() EventType {
	return SubjectEventReceivedEvent
}

// ExecutionAdvance asks a worker to advance one execution from one step.
// Delivery is at-least-once; the step id makes duplicates harmless.
type ExecutionAdvance struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	StepID      string `json:"step_id"`
}

func (e ExecutionAdvance) GetType() EventType {
	return ExecutionAdvanceEvent
}

// ExecutionStateChanged carries one execution lifecycle transition. The
// concrete event type encodes the transition.
type ExecutionStateChanged struct {
	BaseEvent

	ExecutionID string                 `json:"execution_id"`
	WorkflowID  string                 `json:"workflow_id"`
	SubjectID   string                 `json:"subject_id"`
	Status      models.ExecutionStatus `json:"status"`
	Reason      string                 `json:"reason,omitempty"`
	ResumeAt    *time.Time             `json:"resume_at,omitempty"`
}

type ExecutionEnrolled struct{ ExecutionStateChanged }

func (e ExecutionEnrolled) GetType() EventType { return ExecutionEnrolledEvent }

type ExecutionWaiting struct{ ExecutionStateChanged }

func (e ExecutionWaiting) GetType() EventType { return ExecutionWaitingEvent }

type ExecutionRetryScheduled struct {
	ExecutionStateChanged

	Attempt int `json:"attempt"`
}

func (e ExecutionRetryScheduled) GetType() EventType { return ExecutionRetryScheduledEvent }

type ExecutionCompleted struct{ ExecutionStateChanged }

func (e ExecutionCompleted) GetType() EventType { return ExecutionCompletedEvent }

type ExecutionFailed struct {
	ExecutionStateChanged

	Error string `json:"error,omitempty"`
}

func (e ExecutionFailed) GetType() EventType { return ExecutionFailedEvent }

type ExecutionCancelled struct{ ExecutionStateChanged }

func (e ExecutionCancelled) GetType() EventType { return ExecutionCancelledEvent }

type ExecutionPaused struct{ ExecutionStateChanged }

func (e ExecutionPaused) GetType() EventType { return ExecutionPausedEvent }

// TriggerChanged signals that a trigger was created, updated or deleted.
// Matchers refresh their cache on receipt.
type TriggerChanged struct {
	BaseEvent

	TriggerID  string `json:"trigger_id"`
	WorkflowID string `json:"workflow_id"`
}

func (e TriggerChanged) GetType() EventType { return TriggerChangedEvent }

// WorkflowPublished signals a workflow version went live.
type WorkflowPublished struct {
	BaseEvent

	WorkflowID string `json:"workflow_id"`
	Version    int    `json:"version"`
}

func (e WorkflowPublished) GetType() EventType { return WorkflowPublishedEvent }

// BulkJobSubmitted hands a pending bulk job to a worker.
type BulkJobSubmitted struct {
	BaseEvent

	JobID      string `json:"job_id"`
	WorkflowID string `json:"workflow_id"`
}

func (e BulkJobSubmitted) GetType() EventType { return BulkJobSubmittedEvent }

// BulkJobFinished reports a bulk job's terminal status and counters.
type BulkJobFinished struct {
	BaseEvent

	JobID    string               `json:"job_id"`
	Status   models.BulkJobStatus `json:"status"`
	Counters models.BulkCounters  `json:"counters"`
}

func (e BulkJobFinished) GetType() EventType { return BulkJobFinishedEvent }
