// Package execution runs enrollments through their workflow steps. The
// machine persists a (status, step pointer, retry count) checkpoint after
// every transition; a crash between dispatch and checkpoint re-runs at most
// one step, which is why dispatchers must tolerate at-least-once invocation.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/tideflow-io/tideflow/pkg/dispatch"
	"github.com/tideflow-io/tideflow/pkg/filter"
	"github.com/tideflow-io/tideflow/pkg/models"
	"github.com/tideflow-io/tideflow/pkg/persistence"
	"github.com/tideflow-io/tideflow/pkg/router"
	"github.com/tideflow-io/tideflow/pkg/subject"
)

// MaxExecutionDuration bounds the wall-clock lifetime of one execution,
// measured from enrollment. Executions past it fail with reason timeout.
const MaxExecutionDuration = 24 * time.Hour

// Hook observes persisted execution transitions. Hooks run after the
// checkpoint write, outside the per-execution lock ordering guarantees of
// other executions.
type Hook func(ctx context.Context, execution *models.Execution)

// Machine advances executions step by step. All public operations are safe
// for concurrent use; advances for the same execution id are serialized.
type Machine struct {
	persistence persistence.Persistence
	subjects    subject.Store
	dispatcher  dispatch.Dispatcher
	router      *router.Router
	policy      RetryPolicy
	clock       clockwork.Clock
	locks       *lockTable
	hooks       []Hook
	logger      *slog.Logger
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithRetryPolicy overrides the default backoff schedule.
func WithRetryPolicy(policy RetryPolicy) MachineOption {
	return func(m *Machine) { m.policy = policy }
}

// WithClock injects the clock, for deterministic tests.
func WithClock(clock clockwork.Clock) MachineOption {
	return func(m *Machine) { m.clock = clock }
}

// WithHook registers a transition observer.
func WithHook(hook Hook) MachineOption {
	return func(m *Machine) { m.hooks = append(m.hooks, hook) }
}

// NewMachine creates a Machine.
func NewMachine(p persistence.Persistence, subjects subject.Store, dispatcher dispatch.Dispatcher, r *router.Router, logger *slog.Logger, opts ...MachineOption) *Machine {
	m := &Machine{
		persistence: p,
		subjects:    subjects,
		dispatcher:  dispatcher,
		router:      r,
		policy:      DefaultRetryPolicy(),
		clock:       clockwork.NewRealClock(),
		locks:       newLockTable(),
		logger:      logger.With("module", "execution"),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Enroll creates a queued execution pinned to the workflow's current
// version. It does not advance; the caller decides when the first step runs.
func (m *Machine) Enroll(ctx context.Context, workflow *models.Workflow, req models.EnrollmentRequest) (*models.Execution, error) {
	if workflow.Status != models.WorkflowStatusActive {
		return nil, fmt.Errorf("workflow %s is not active", workflow.ID)
	}

	version := req.WorkflowVersion
	if version == 0 {
		version = workflow.Version
	}

	execution := &models.Execution{
		ID:              uuid.NewString(),
		WorkflowID:      workflow.ID,
		WorkflowVersion: version,
		SubjectID:       req.SubjectID,
		TenantID:        req.TenantID,
		Status:          models.ExecutionStatusQueued,
		CurrentStepID:   workflow.EntryStepID(),
		Source:          req.Source,
		EventID:         req.EventID,
		EnrolledAt:      m.clock.Now().UTC(),
	}

	if err := m.persistence.ExecutionRepository().Save(ctx, execution); err != nil {
		return nil, err
	}

	m.notify(ctx, execution)
	m.logger.InfoContext(ctx, "Execution enrolled",
		"execution_id", execution.ID,
		"workflow_id", execution.WorkflowID,
		"subject_id", execution.SubjectID,
		"source", execution.Source)

	return execution, nil
}

// Advance runs the execution forward from stepID until it suspends or
// terminates. It is idempotent: a terminal execution, or a stepID that no
// longer matches the checkpoint, is a no-op. Duplicate deliveries of the
// same advance therefore dispatch each step at most once per checkpoint.
func (m *Machine) Advance(ctx context.Context, executionID, stepID string) error {
	release := m.locks.acquire(executionID)
	defer release()

	execution, err := m.persistence.ExecutionRepository().GetByID(ctx, executionID)
	if err != nil {
		return err
	}

	if execution.Status.Terminal() {
		return nil
	}

	if stepID != "" && stepID != execution.CurrentStepID {
		m.logger.DebugContext(ctx, "Stale advance ignored",
			"execution_id", executionID, "step_id", stepID, "current_step_id", execution.CurrentStepID)

		return nil
	}

	return m.run(ctx, execution)
}

// Resume advances the execution from its checkpointed step. Not-yet-due
// waits are left untouched.
func (m *Machine) Resume(ctx context.Context, executionID string) error {
	return m.Advance(ctx, executionID, "")
}

// ResumeDue wakes executions whose resume time has passed, in due order, and
// returns how many were advanced.
func (m *Machine) ResumeDue(ctx context.Context, limit int) (int, error) {
	due, err := m.persistence.ExecutionRepository().DueForResume(ctx, m.clock.Now().UTC(), limit)
	if err != nil {
		return 0, err
	}

	resumed := 0

	for _, execution := range due {
		if err := m.Resume(ctx, execution.ID); err != nil {
			m.logger.ErrorContext(ctx, "Resume failed",
				"execution_id", execution.ID, "error", err)

			continue
		}

		resumed++
	}

	return resumed, nil
}

// Cancel requests cancellation. Queued and waiting executions cancel
// immediately; active ones finish their in-flight step and cancel at the
// next boundary. Terminal executions are a no-op.
func (m *Machine) Cancel(ctx context.Context, executionID, reason string) error {
	release := m.locks.acquire(executionID)
	defer release()

	execution, err := m.persistence.ExecutionRepository().GetByID(ctx, executionID)
	if err != nil {
		return err
	}

	if execution.Status.Terminal() {
		return nil
	}

	if reason == "" {
		reason = models.ReasonUserRequested
	}

	execution.CancelRequested = true
	execution.CancelReason = reason

	if execution.Status == models.ExecutionStatusQueued || execution.Status == models.ExecutionStatusWaiting || execution.Status == models.ExecutionStatusPaused {
		return m.finish(ctx, execution, models.ExecutionStatusCancelled, reason, "")
	}

	return m.persistence.ExecutionRepository().Save(ctx, execution)
}

// Pause suspends a non-terminal execution until Unpause. Paused executions
// ignore resume sweeps.
func (m *Machine) Pause(ctx context.Context, executionID string) error {
	release := m.locks.acquire(executionID)
	defer release()

	execution, err := m.persistence.ExecutionRepository().GetByID(ctx, executionID)
	if err != nil {
		return err
	}

	if execution.Status.Terminal() || execution.Status == models.ExecutionStatusPaused {
		return nil
	}

	execution.Status = models.ExecutionStatusPaused

	if err := m.persistence.ExecutionRepository().Save(ctx, execution); err != nil {
		return err
	}

	m.notify(ctx, execution)

	return nil
}

// Unpause returns a paused execution to active and advances it.
func (m *Machine) Unpause(ctx context.Context, executionID string) error {
	release := m.locks.acquire(executionID)
	defer release()

	execution, err := m.persistence.ExecutionRepository().GetByID(ctx, executionID)
	if err != nil {
		return err
	}

	if execution.Status != models.ExecutionStatusPaused {
		return nil
	}

	execution.Status = models.ExecutionStatusActive

	if err := m.persistence.ExecutionRepository().Save(ctx, execution); err != nil {
		return err
	}

	return m.run(ctx, execution)
}

// run is the step loop. The caller holds the execution lock.
func (m *Machine) run(ctx context.Context, execution *models.Execution) error {
	if execution.Status == models.ExecutionStatusPaused {
		return nil
	}

	now := m.clock.Now().UTC()

	if execution.ResumeAt != nil {
		if now.Before(*execution.ResumeAt) {
			return nil
		}

		execution.ResumeAt = nil
	}

	if execution.Status == models.ExecutionStatusQueued || execution.Status == models.ExecutionStatusWaiting {
		execution.Status = models.ExecutionStatusActive

		if execution.StartedAt == nil {
			started := now
			execution.StartedAt = &started
		}
	}

	workflow, err := m.persistence.WorkflowRepository().GetVersion(ctx, execution.WorkflowID, execution.WorkflowVersion)
	if err != nil {
		if errors.Is(err, persistence.ErrWorkflowVersionNotFound) || errors.Is(err, persistence.ErrWorkflowNotFound) {
			return m.finish(ctx, execution, models.ExecutionStatusFailed, "", "pinned workflow version is gone")
		}

		return err
	}

	for {
		now = m.clock.Now().UTC()

		if execution.CancelRequested {
			return m.finish(ctx, execution, models.ExecutionStatusCancelled, execution.CancelReason, "")
		}

		if now.Sub(execution.EnrolledAt) >= MaxExecutionDuration {
			return m.finish(ctx, execution, models.ExecutionStatusFailed, models.ReasonTimeout, "execution exceeded maximum duration")
		}

		record, err := m.subjects.Get(ctx, execution.TenantID, execution.SubjectID)
		if err != nil {
			return err
		}

		if record == nil || !models.SubjectPresent(record) {
			return m.finish(ctx, execution, models.ExecutionStatusCancelled, models.ReasonSubjectRemoved, "")
		}

		if workflow.Goal != nil && !workflow.Goal.IsZero() && filter.EvaluateSet(workflow.Goal, record) {
			return m.finish(ctx, execution, models.ExecutionStatusCompleted, models.ReasonGoalMet, "")
		}

		if execution.CurrentStepID == "" {
			return m.finish(ctx, execution, models.ExecutionStatusCompleted, "", "")
		}

		step := workflow.StepByID(execution.CurrentStepID)
		if step == nil {
			return m.finish(ctx, execution, models.ExecutionStatusFailed, "", "step "+execution.CurrentStepID+" not found in pinned version")
		}

		suspended, err := m.runStep(ctx, execution, workflow, step, record)
		if err != nil {
			return err
		}

		if suspended || execution.Status.Terminal() {
			return nil
		}
	}
}

// runStep executes one step and persists the resulting checkpoint. It
// returns true when the execution suspended (wait or retry backoff).
func (m *Machine) runStep(ctx context.Context, execution *models.Execution, workflow *models.Workflow, step *models.WorkflowStep, record map[string]any) (bool, error) {
	switch step.Type {
	case models.StepTypeAction:
		return m.runAction(ctx, execution, workflow, step, record)
	case models.StepTypeCondition:
		return false, m.runCondition(ctx, execution, workflow, step, record)
	case models.StepTypeWait:
		return true, m.runWait(ctx, execution, workflow, step)
	default:
		return false, m.finish(ctx, execution, models.ExecutionStatusFailed, "", "unknown step type "+string(step.Type))
	}
}

func (m *Machine) runAction(ctx context.Context, execution *models.Execution, workflow *models.Workflow, step *models.WorkflowStep, record map[string]any) (bool, error) {
	dctx := dispatch.NewContext(execution, record)
	started := m.clock.Now()

	result, err := m.dispatcher.Dispatch(ctx, step.ActionType, step.Configuration, dctx)
	duration := m.clock.Now().Sub(started)

	if err != nil {
		return m.handleActionFailure(ctx, execution, workflow, step, duration, err)
	}

	var response map[string]any
	if result != nil {
		response = result.ResponseData
	}

	m.appendLog(ctx, execution, workflow, step, models.StepStatusSuccess, duration, "", response)

	execution.RetryCount = 0
	execution.LastError = ""

	return false, m.moveTo(ctx, execution, step.Next)
}

func (m *Machine) handleActionFailure(ctx context.Context, execution *models.Execution, workflow *models.Workflow, step *models.WorkflowStep, duration time.Duration, derr error) (bool, error) {
	m.appendLog(ctx, execution, workflow, step, models.StepStatusFailed, duration, derr.Error(), nil)

	execution.LastError = derr.Error()

	if dispatch.IsPermanent(derr) {
		m.logger.WarnContext(ctx, "Step failed permanently",
			"execution_id", execution.ID, "step_id", step.ID, "error", derr)

		return false, m.finish(ctx, execution, models.ExecutionStatusFailed, "", derr.Error())
	}

	execution.RetryCount++

	delay, ok := m.policy.NextDelay(execution.RetryCount)
	if !ok {
		m.logger.WarnContext(ctx, "Retries exhausted",
			"execution_id", execution.ID, "step_id", step.ID, "attempts", execution.RetryCount)

		return false, m.finish(ctx, execution, models.ExecutionStatusFailed, "", "retries exhausted: "+derr.Error())
	}

	resumeAt := m.clock.Now().UTC().Add(delay)
	execution.ResumeAt = &resumeAt

	m.logger.InfoContext(ctx, "Step failed, retry scheduled",
		"execution_id", execution.ID,
		"step_id", step.ID,
		"attempt", execution.RetryCount,
		"resume_at", resumeAt,
		"error", derr)

	if err := m.persistence.ExecutionRepository().Save(ctx, execution); err != nil {
		return false, err
	}

	m.notify(ctx, execution)

	return true, nil
}

func (m *Machine) runCondition(ctx context.Context, execution *models.Execution, workflow *models.Workflow, step *models.WorkflowStep, record map[string]any) error {
	started := m.clock.Now()

	branch, err := m.router.Route(step.Condition, router.Context{
		TenantID:  execution.TenantID,
		SubjectID: execution.SubjectID,
		Subject:   record,
		Now:       m.clock.Now(),
	})

	duration := m.clock.Now().Sub(started)

	if err != nil {
		m.appendLog(ctx, execution, workflow, step, models.StepStatusFailed, duration, err.Error(), nil)

		return m.finish(ctx, execution, models.ExecutionStatusFailed, "", err.Error())
	}

	m.appendLog(ctx, execution, workflow, step, models.StepStatusSuccess, duration, "", nil)
	m.logger.DebugContext(ctx, "Condition routed",
		"execution_id", execution.ID, "step_id", step.ID, "branch_id", branch.ID)

	return m.moveTo(ctx, execution, branch.Next)
}

// runWait checkpoints past the wait step before suspending, so a duplicate
// resume sees the pointer already moved.
func (m *Machine) runWait(ctx context.Context, execution *models.Execution, workflow *models.Workflow, step *models.WorkflowStep) error {
	resumeAt := m.clock.Now().UTC().Add(step.WaitDuration)

	execution.Status = models.ExecutionStatusWaiting
	execution.ResumeAt = &resumeAt

	if step.Next != nil {
		execution.CurrentStepID = *step.Next
	} else {
		execution.CurrentStepID = ""
	}

	m.appendLog(ctx, execution, workflow, step, models.StepStatusSuccess, 0, "", nil)

	if err := m.persistence.ExecutionRepository().Save(ctx, execution); err != nil {
		return err
	}

	m.notify(ctx, execution)
	m.logger.DebugContext(ctx, "Execution waiting",
		"execution_id", execution.ID, "resume_at", resumeAt)

	return nil
}

// moveTo checkpoints the step pointer. A nil next pointer means the path
// ended and the execution completes.
func (m *Machine) moveTo(ctx context.Context, execution *models.Execution, next *string) error {
	if next == nil {
		return m.finish(ctx, execution, models.ExecutionStatusCompleted, "", "")
	}

	execution.CurrentStepID = *next

	return m.persistence.ExecutionRepository().Save(ctx, execution)
}

func (m *Machine) finish(ctx context.Context, execution *models.Execution, status models.ExecutionStatus, reason, lastError string) error {
	now := m.clock.Now().UTC()

	execution.Status = status
	execution.Reason = reason
	execution.ResumeAt = nil
	execution.CompletedAt = &now

	if lastError != "" {
		execution.LastError = lastError
	}

	if err := m.persistence.ExecutionRepository().Save(ctx, execution); err != nil {
		return err
	}

	m.notify(ctx, execution)
	m.logger.InfoContext(ctx, "Execution finished",
		"execution_id", execution.ID,
		"status", execution.Status,
		"reason", execution.Reason)

	return nil
}

func (m *Machine) appendLog(ctx context.Context, execution *models.Execution, workflow *models.Workflow, step *models.WorkflowStep, status models.StepStatus, duration time.Duration, errMsg string, response map[string]any) {
	entry := &models.ExecutionLogEntry{
		ID:          uuid.NewString(),
		ExecutionID: execution.ID,
		StepID:      step.ID,
		StepIndex:   stepIndex(workflow, step.ID),
		ActionType:  step.ActionType,
		Status:      status,
		Duration:    duration,
		Error:       errMsg,
		Response:    response,
		At:          m.clock.Now().UTC(),
	}

	if err := m.persistence.ExecutionLogRepository().Append(ctx, entry); err != nil {
		// The checkpoint, not the log, is the source of truth; losing one
		// audit row must not stop the execution.
		m.logger.ErrorContext(ctx, "Failed to append execution log",
			"execution_id", execution.ID, "step_id", step.ID, "error", err)
	}
}

func (m *Machine) notify(ctx context.Context, execution *models.Execution) {
	for _, hook := range m.hooks {
		hook(ctx, execution)
	}
}

func stepIndex(workflow *models.Workflow, stepID string) int {
	for i, step := range workflow.Steps {
		if step.ID == stepID {
			return i
		}
	}

	return -1
}
