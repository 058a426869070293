// Package engine is the composition root of the execution core. It wires
// the trigger matcher, branch router, execution machine and bulk scheduler
// together and exposes the operations the api and worker processes call.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/tideflow-io/tideflow/pkg/bulk"
	"github.com/tideflow-io/tideflow/pkg/dedup"
	"github.com/tideflow-io/tideflow/pkg/dispatch"
	"github.com/tideflow-io/tideflow/pkg/eventbus"
	"github.com/tideflow-io/tideflow/pkg/events"
	"github.com/tideflow-io/tideflow/pkg/execution"
	"github.com/tideflow-io/tideflow/pkg/metrics"
	"github.com/tideflow-io/tideflow/pkg/models"
	"github.com/tideflow-io/tideflow/pkg/persistence"
	"github.com/tideflow-io/tideflow/pkg/registry"
	"github.com/tideflow-io/tideflow/pkg/router"
	"github.com/tideflow-io/tideflow/pkg/subject"
	"github.com/tideflow-io/tideflow/pkg/trigger"
)

// Config carries the engine's collaborators. Persistence, Subjects,
// Dispatcher and Logger are required; the rest default to in-process
// implementations.
type Config struct {
	Persistence  persistence.Persistence
	Subjects     subject.Store
	Dispatcher   dispatch.Dispatcher
	Logger       *slog.Logger
	Bus          eventbus.EventBus
	Deduplicator dedup.Deduplicator
	Limiter      bulk.Limiter
	Metrics      *metrics.Metrics
	Clock        clockwork.Clock
	RetryPolicy  *execution.RetryPolicy
}

// Engine exposes the execution core's operations.
type Engine struct {
	persistence persistence.Persistence
	subjects    subject.Store
	bus         eventbus.EventBus
	metrics     *metrics.Metrics
	clock       clockwork.Clock
	logger      *slog.Logger

	registry  *registry.Registry
	cache     *trigger.Cache
	matcher   *trigger.Matcher
	machine   *execution.Machine
	router    *router.Router
	scheduler *bulk.Scheduler
}

// New builds the engine and refreshes the trigger cache.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.Persistence == nil || cfg.Subjects == nil || cfg.Dispatcher == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("persistence, subjects, dispatcher and logger are required")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	deduplicator := cfg.Deduplicator
	if deduplicator == nil {
		deduplicator = dedup.NewMemory(dedup.Options{}, clock)
	}

	reg, err := registry.NewRegistry(cfg.Logger)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		persistence: cfg.Persistence,
		subjects:    cfg.Subjects,
		bus:         cfg.Bus,
		metrics:     cfg.Metrics,
		clock:       clock,
		logger:      cfg.Logger.With("module", "engine"),
		registry:    reg,
	}

	machineOpts := []execution.MachineOption{
		execution.WithClock(clock),
		execution.WithHook(e.onTransition),
	}
	if cfg.RetryPolicy != nil {
		machineOpts = append(machineOpts, execution.WithRetryPolicy(*cfg.RetryPolicy))
	}

	dispatcher := cfg.Dispatcher
	if cfg.Metrics != nil {
		dispatcher = &instrumentedDispatcher{inner: cfg.Dispatcher, metrics: cfg.Metrics, clock: clock}
	}

	e.router = router.New(cfg.Logger)
	e.machine = execution.NewMachine(cfg.Persistence, cfg.Subjects, dispatcher, e.router, cfg.Logger, machineOpts...)

	e.cache = trigger.NewCache(cfg.Persistence, cfg.Logger)
	e.matcher = trigger.NewMatcher(e.cache, cfg.Persistence, cfg.Subjects, deduplicator, cfg.Logger)

	schedulerOpts := []bulk.SchedulerOption{bulk.WithClock(clock)}
	if cfg.Limiter != nil {
		schedulerOpts = append(schedulerOpts, bulk.WithLimiter(cfg.Limiter))
	}
	if cfg.RetryPolicy != nil {
		schedulerOpts = append(schedulerOpts, bulk.WithRetryPolicy(*cfg.RetryPolicy))
	}

	e.scheduler = bulk.NewScheduler(cfg.Persistence, cfg.Subjects, e.machine, cfg.Logger, schedulerOpts...)

	if err := e.cache.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("initial trigger cache refresh: %w", err)
	}

	return e, nil
}

// Start registers the engine's event handlers and begins consuming. Without
// a bus the engine runs everything inline and Start is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	if e.bus == nil {
		return nil
	}

	handlers := map[events.EventType]eventbus.EventHandler{
		events.SubjectEventReceivedEvent: e.handleSubjectEvent,
		events.ExecutionAdvanceEvent:     e.handleAdvance,
		events.TriggerChangedEvent:       e.handleCacheInvalidation,
		events.WorkflowPublishedEvent:    e.handleCacheInvalidation,
		events.BulkJobSubmittedEvent:     e.handleBulkJob,
	}

	for eventType, handler := range handlers {
		if err := e.bus.Handle(eventType, handler); err != nil {
			return err
		}
	}

	return e.bus.Subscribe(ctx)
}

// SubmitEvent runs one inbound domain event through the matcher and enrolls
// every matching workflow. The created executions are queued and their first
// advance is dispatched.
func (e *Engine) SubmitEvent(ctx context.Context, event models.DomainEvent) ([]*models.Execution, error) {
	if e.metrics != nil {
		e.metrics.EventsReceived.WithLabelValues(string(event.Type)).Inc()
	}

	requests, err := e.matcher.Match(ctx, event)
	if err != nil {
		return nil, err
	}

	executions := make([]*models.Execution, 0, len(requests))

	for _, request := range requests {
		workflow, err := e.persistence.WorkflowRepository().GetByID(ctx, request.WorkflowID)
		if err != nil {
			e.logger.ErrorContext(ctx, "Enrollment skipped, workflow unavailable",
				"workflow_id", request.WorkflowID, "error", err)

			continue
		}

		exec, err := e.machine.Enroll(ctx, workflow, request)
		if err != nil {
			e.logger.ErrorContext(ctx, "Enrollment failed",
				"workflow_id", request.WorkflowID, "subject_id", request.SubjectID, "error", err)

			continue
		}

		executions = append(executions, exec)

		if err := e.requestAdvance(ctx, exec); err != nil {
			return executions, err
		}
	}

	return executions, nil
}

// requestAdvance hands the execution's next step to a worker, or runs it
// inline when no bus is configured.
func (e *Engine) requestAdvance(ctx context.Context, exec *models.Execution) error {
	if e.bus == nil {
		return e.machine.Advance(ctx, exec.ID, exec.CurrentStepID)
	}

	advance := events.ExecutionAdvance{
		BaseEvent:   events.NewBaseEvent(events.ExecutionAdvanceEvent, exec.TenantID),
		ExecutionID: exec.ID,
		StepID:      exec.CurrentStepID,
	}

	return e.bus.Publish(ctx, exec.ID, advance)
}

// AdvanceExecution advances one execution from the given step.
func (e *Engine) AdvanceExecution(ctx context.Context, executionID, stepID string) error {
	return e.machine.Advance(ctx, executionID, stepID)
}

// CancelExecution requests cancellation of one execution.
func (e *Engine) CancelExecution(ctx context.Context, executionID, reason string) error {
	return e.machine.Cancel(ctx, executionID, reason)
}

// PauseExecution suspends one execution.
func (e *Engine) PauseExecution(ctx context.Context, executionID string) error {
	return e.machine.Pause(ctx, executionID)
}

// ResumeExecution returns a paused execution to service.
func (e *Engine) ResumeExecution(ctx context.Context, executionID string) error {
	return e.machine.Unpause(ctx, executionID)
}

// GetExecution returns one execution.
func (e *Engine) GetExecution(ctx context.Context, executionID string) (*models.Execution, error) {
	return e.persistence.ExecutionRepository().GetByID(ctx, executionID)
}

// ExecutionLog returns the step attempt history of one execution.
func (e *Engine) ExecutionLog(ctx context.Context, executionID string) ([]*models.ExecutionLogEntry, error) {
	return e.persistence.ExecutionLogRepository().ListByExecution(ctx, executionID)
}

// SweepDueResumes wakes executions whose resume time has passed. The sweeper
// process calls this on a schedule.
func (e *Engine) SweepDueResumes(ctx context.Context, limit int) (int, error) {
	resumed, err := e.machine.ResumeDue(ctx, limit)

	if e.metrics != nil && resumed > 0 {
		e.metrics.ResumesSwept.Add(float64(resumed))
	}

	return resumed, err
}

// SaveWorkflow validates and persists a workflow definition. Activating a
// workflow publishes an immutable version snapshot.
func (e *Engine) SaveWorkflow(ctx context.Context, workflow *models.Workflow) error {
	if err := workflow.Validate(); err != nil {
		return err
	}

	if err := e.registry.ValidateWorkflow(workflow); err != nil {
		return err
	}

	if err := e.persistence.WorkflowRepository().Save(ctx, workflow); err != nil {
		return err
	}

	if workflow.Status == models.WorkflowStatusActive {
		e.publish(ctx, workflow.ID, events.WorkflowPublished{
			BaseEvent:  events.NewBaseEvent(events.WorkflowPublishedEvent, workflow.TenantID),
			WorkflowID: workflow.ID,
			Version:    workflow.Version,
		})
	}

	return e.cache.Refresh(ctx)
}

// GetWorkflow returns one workflow definition.
func (e *Engine) GetWorkflow(ctx context.Context, workflowID string) (*models.Workflow, error) {
	return e.persistence.WorkflowRepository().GetByID(ctx, workflowID)
}

// DeleteWorkflow soft-deletes a workflow and its trigger. In-flight
// executions keep running their pinned versions.
func (e *Engine) DeleteWorkflow(ctx context.Context, workflowID string) error {
	if err := e.persistence.WorkflowRepository().Delete(ctx, workflowID); err != nil {
		return err
	}

	return e.cache.Refresh(ctx)
}

// SaveTrigger validates and persists a trigger, then refreshes the matcher
// cache.
func (e *Engine) SaveTrigger(ctx context.Context, t *models.Trigger) error {
	if err := t.Validate(); err != nil {
		return err
	}

	if _, err := e.persistence.WorkflowRepository().GetByID(ctx, t.WorkflowID); err != nil {
		return fmt.Errorf("trigger workflow: %w", err)
	}

	if err := e.persistence.TriggerRepository().Save(ctx, t); err != nil {
		return err
	}

	e.publish(ctx, t.ID, events.TriggerChanged{
		BaseEvent:  events.NewBaseEvent(events.TriggerChangedEvent, t.TenantID),
		TriggerID:  t.ID,
		WorkflowID: t.WorkflowID,
	})

	return e.cache.Refresh(ctx)
}

// RouteCondition dry-runs the branch router against one condition step of a
// workflow. No execution state is read or written, so callers can preview
// routing decisions for arbitrary contexts.
func (e *Engine) RouteCondition(ctx context.Context, workflowID, stepID string, rc router.Context) (*models.Branch, error) {
	workflow, err := e.persistence.WorkflowRepository().GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	step := workflow.StepByID(stepID)
	if step == nil {
		return nil, &models.ValidationError{Entity: "workflow", ID: workflowID, Message: "no step " + stepID}
	}

	if step.Type != models.StepTypeCondition || step.Condition == nil {
		return nil, &models.ValidationError{Entity: "step", ID: stepID, Message: "not a condition step"}
	}

	return e.router.Route(step.Condition, rc)
}

// SubmitBulkEnrollment submits a bulk job. With a bus the job is handed to a
// worker; without one it processes inline.
func (e *Engine) SubmitBulkEnrollment(ctx context.Context, req bulk.SubmitRequest) (*models.BulkEnrollmentJob, error) {
	job, err := e.scheduler.Submit(ctx, req)
	if err != nil {
		return nil, err
	}

	if e.bus == nil {
		if err := e.scheduler.Process(ctx, job.ID); err != nil {
			return job, err
		}

		e.reportBulkFinished(ctx, job.ID)

		return e.persistence.BulkRepository().GetJob(ctx, job.ID)
	}

	submitted := events.BulkJobSubmitted{
		BaseEvent:  events.NewBaseEvent(events.BulkJobSubmittedEvent, job.TenantID),
		JobID:      job.ID,
		WorkflowID: job.WorkflowID,
	}

	return job, e.bus.Publish(ctx, job.ID, submitted)
}

// BulkEnrollmentProgress returns the job's progress snapshot.
func (e *Engine) BulkEnrollmentProgress(ctx context.Context, jobID string) (*models.ProgressSnapshot, error) {
	return e.scheduler.Progress(ctx, jobID)
}

// CancelBulkEnrollment requests cancellation of a bulk job.
func (e *Engine) CancelBulkEnrollment(ctx context.Context, jobID string) error {
	return e.scheduler.Cancel(ctx, jobID)
}

// ProcessBulkJob runs one bulk job to completion. Workers call it when a
// submitted job arrives.
func (e *Engine) ProcessBulkJob(ctx context.Context, jobID string) error {
	if err := e.scheduler.Process(ctx, jobID); err != nil {
		return err
	}

	e.reportBulkFinished(ctx, jobID)

	return nil
}

func (e *Engine) reportBulkFinished(ctx context.Context, jobID string) {
	job, err := e.persistence.BulkRepository().GetJob(ctx, jobID)
	if err != nil {
		return
	}

	if e.metrics != nil {
		e.metrics.BulkJobsFinished.WithLabelValues(string(job.Status)).Inc()
	}

	e.publish(ctx, job.ID, events.BulkJobFinished{
		BaseEvent: events.NewBaseEvent(events.BulkJobFinishedEvent, job.TenantID),
		JobID:     job.ID,
		Status:    job.Status,
		Counters:  job.Counters,
	})
}

// instrumentedDispatcher counts step attempts by outcome and observes their
// wall-clock duration.
type instrumentedDispatcher struct {
	inner   dispatch.Dispatcher
	metrics *metrics.Metrics
	clock   clockwork.Clock
}

func (d *instrumentedDispatcher) Dispatch(ctx context.Context, actionType string, config map[string]any, dctx dispatch.Context) (*dispatch.Result, error) {
	start := d.clock.Now()

	result, err := d.inner.Dispatch(ctx, actionType, config, dctx)

	d.metrics.StepDuration.Observe(d.clock.Since(start).Seconds())

	status := "ok"

	switch {
	case err == nil:
	case dispatch.IsPermanent(err):
		status = "permanent_failure"
	default:
		status = "transient_failure"
	}

	d.metrics.StepsDispatched.WithLabelValues(status).Inc()

	return result, err
}

func (e *Engine) publish(ctx context.Context, key string, event eventbus.Event) {
	if e.bus == nil {
		return
	}

	if err := e.bus.Publish(ctx, key, event); err != nil {
		e.logger.ErrorContext(ctx, "Event publish failed",
			"event_type", event.GetType(), "key", key, "error", err)
	}
}
