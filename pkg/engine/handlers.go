package engine

import (
	"context"
	"fmt"

	"github.com/tideflow-io/tideflow/pkg/eventbus"
	"github.com/tideflow-io/tideflow/pkg/events"
	"github.com/tideflow-io/tideflow/pkg/models"
)

func (e *Engine) handleSubjectEvent(ctx context.Context, event any) error {
	received, ok := event.(*events.SubjectEventReceived)
	if !ok {
		return fmt.Errorf("unexpected event payload %T", event)
	}

	_, err := e.SubmitEvent(ctx, received.Event)

	return err
}

func (e *Engine) handleAdvance(ctx context.Context, event any) error {
	advance, ok := event.(*events.ExecutionAdvance)
	if !ok {
		return fmt.Errorf("unexpected event payload %T", event)
	}

	return e.machine.Advance(ctx, advance.ExecutionID, advance.StepID)
}

func (e *Engine) handleCacheInvalidation(ctx context.Context, _ any) error {
	return e.cache.Refresh(ctx)
}

func (e *Engine) handleBulkJob(ctx context.Context, event any) error {
	submitted, ok := event.(*events.BulkJobSubmitted)
	if !ok {
		return fmt.Errorf("unexpected event payload %T", event)
	}

	return e.ProcessBulkJob(ctx, submitted.JobID)
}

// onTransition is the machine hook translating persisted execution
// transitions into lifecycle events and metrics.
func (e *Engine) onTransition(ctx context.Context, exec *models.Execution) {
	base := events.ExecutionStateChanged{
		BaseEvent:   events.NewBaseEvent(lifecycleEventType(exec), exec.TenantID),
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		SubjectID:   exec.SubjectID,
		Status:      exec.Status,
		Reason:      exec.Reason,
		ResumeAt:    exec.ResumeAt,
	}

	if e.metrics != nil {
		if exec.Status == models.ExecutionStatusQueued {
			e.metrics.EnrollmentsCreated.Inc()
		}

		if exec.Status.Terminal() {
			e.metrics.ExecutionsFinished.WithLabelValues(string(exec.Status), exec.Reason).Inc()
		}
	}

	var event eventbus.Event

	switch exec.Status {
	case models.ExecutionStatusQueued:
		event = events.ExecutionEnrolled{ExecutionStateChanged: base}
	case models.ExecutionStatusWaiting:
		event = events.ExecutionWaiting{ExecutionStateChanged: base}
	case models.ExecutionStatusActive:
		// The only persisted transition that leaves an execution active is
		// a scheduled retry.
		event = events.ExecutionRetryScheduled{ExecutionStateChanged: base, Attempt: exec.RetryCount}
	case models.ExecutionStatusPaused:
		event = events.ExecutionPaused{ExecutionStateChanged: base}
	case models.ExecutionStatusCompleted:
		event = events.ExecutionCompleted{ExecutionStateChanged: base}
	case models.ExecutionStatusFailed:
		event = events.ExecutionFailed{ExecutionStateChanged: base, Error: exec.LastError}
	case models.ExecutionStatusCancelled:
		event = events.ExecutionCancelled{ExecutionStateChanged: base}
	default:
		return
	}

	e.publish(ctx, exec.ID, event)
}

func lifecycleEventType(exec *models.Execution) events.EventType {
	switch exec.Status {
	case models.ExecutionStatusQueued:
		return events.ExecutionEnrolledEvent
	case models.ExecutionStatusWaiting:
		return events.ExecutionWaitingEvent
	case models.ExecutionStatusActive:
		return events.ExecutionRetryScheduledEvent
	case models.ExecutionStatusPaused:
		return events.ExecutionPausedEvent
	case models.ExecutionStatusCompleted:
		return events.ExecutionCompletedEvent
	case models.ExecutionStatusFailed:
		return events.ExecutionFailedEvent
	case models.ExecutionStatusCancelled:
		return events.ExecutionCancelledEvent
	default:
		return events.ExecutionEnrolledEvent
	}
}
