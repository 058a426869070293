// Package bulk enrolls large subject selections into a workflow in bounded
// batches. The selection is resolved to concrete subject ids before anything
// is queued, so the job total is exact from the start and per-subject
// failures never abort their siblings.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/tideflow-io/tideflow/pkg/execution"
	"github.com/tideflow-io/tideflow/pkg/models"
	"github.com/tideflow-io/tideflow/pkg/persistence"
	"github.com/tideflow-io/tideflow/pkg/subject"
)

// SourceBulk marks executions enrolled by a bulk job.
const SourceBulk = "bulk"

// DefaultTenantConcurrency bounds how many bulk jobs of one tenant process
// at once unless overridden. Excess jobs queue behind the semaphore.
const DefaultTenantConcurrency = 5

// ErrSelectionTooLarge rejects selections above the job ceiling.
var ErrSelectionTooLarge = fmt.Errorf("selection exceeds the %d subject ceiling", models.MaxBulkSubjects)

// ErrEmptySelection rejects selections that resolve to zero subjects.
var ErrEmptySelection = errors.New("selection resolves to no subjects")

// Enroller creates one execution. The execution machine satisfies it.
type Enroller interface {
	Enroll(ctx context.Context, workflow *models.Workflow, req models.EnrollmentRequest) (*models.Execution, error)
}

// SubmitRequest describes one bulk enrollment job.
type SubmitRequest struct {
	TenantID   string
	WorkflowID string
	Selection  models.Selection
	BatchSize  int
}

// Scheduler owns the bulk enrollment lifecycle: submission, batch
// processing, progress reporting and cancellation.
type Scheduler struct {
	persistence persistence.Persistence
	subjects    subject.Store
	enroller    Enroller
	limiter     Limiter
	policy      execution.RetryPolicy
	clock       clockwork.Clock
	logger      *slog.Logger
	concurrency int

	mu         sync.Mutex
	semaphores map[string]chan struct{}
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithLimiter sets the enrollment rate limiter.
func WithLimiter(limiter Limiter) SchedulerOption {
	return func(s *Scheduler) { s.limiter = limiter }
}

// WithClock injects the clock.
func WithClock(clock clockwork.Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = clock }
}

// WithRetryPolicy overrides the batch retry schedule.
func WithRetryPolicy(policy execution.RetryPolicy) SchedulerOption {
	return func(s *Scheduler) { s.policy = policy }
}

// WithTenantConcurrency overrides how many jobs of one tenant may process
// concurrently. Values below one are ignored.
func WithTenantConcurrency(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n >= 1 {
			s.concurrency = n
		}
	}
}

// NewScheduler creates a Scheduler.
func NewScheduler(p persistence.Persistence, subjects subject.Store, enroller Enroller, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		persistence: p,
		subjects:    subjects,
		enroller:    enroller,
		limiter:     NopLimiter{},
		policy:      execution.DefaultRetryPolicy(),
		clock:       clockwork.NewRealClock(),
		logger:      logger.With("module", "bulk_scheduler"),
		concurrency: DefaultTenantConcurrency,
		semaphores:  make(map[string]chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Submit resolves the selection, persists the job with its batches and
// returns it in pending state. Resolution happens here, before any batch is
// queued: the job ceiling and the exact total are known up front. Processing
// starts when a worker picks the job up via Process.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (*models.BulkEnrollmentJob, error) {
	workflow, err := s.persistence.WorkflowRepository().GetByID(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}

	if workflow.Status != models.WorkflowStatusActive {
		return nil, fmt.Errorf("workflow %s is not active", workflow.ID)
	}

	subjectIDs, unmatched, err := s.resolveSelection(ctx, req.TenantID, req.Selection)
	if err != nil {
		return nil, err
	}

	if len(subjectIDs) == 0 {
		return nil, ErrEmptySelection
	}

	if len(subjectIDs) > models.MaxBulkSubjects {
		return nil, ErrSelectionTooLarge
	}

	batchSize := req.BatchSize
	if batchSize <= 0 || batchSize > models.DefaultBatchSize {
		batchSize = models.DefaultBatchSize
	}

	job := &models.BulkEnrollmentJob{
		ID:              uuid.NewString(),
		TenantID:        req.TenantID,
		WorkflowID:      workflow.ID,
		WorkflowVersion: workflow.Version,
		Selection:       req.Selection,
		BatchSize:       batchSize,
		Status:          models.BulkJobPending,
		Counters:        models.BulkCounters{Total: len(subjectIDs)},
		Unmatched:       unmatched,
		SubmittedAt:     s.clock.Now().UTC(),
	}

	if err := s.persistence.BulkRepository().SaveJob(ctx, job); err != nil {
		return nil, err
	}

	for index := 0; index*batchSize < len(subjectIDs); index++ {
		end := (index + 1) * batchSize
		if end > len(subjectIDs) {
			end = len(subjectIDs)
		}

		batch := &models.Batch{
			ID:         uuid.NewString(),
			JobID:      job.ID,
			Index:      index,
			SubjectIDs: subjectIDs[index*batchSize : end],
			Status:     models.BatchPending,
		}

		if err := s.persistence.BulkRepository().SaveBatch(ctx, batch); err != nil {
			return nil, err
		}
	}

	s.logger.InfoContext(ctx, "Bulk job submitted",
		"job_id", job.ID,
		"workflow_id", job.WorkflowID,
		"subjects", len(subjectIDs),
		"unmatched", len(unmatched))

	return job, nil
}

func (s *Scheduler) resolveSelection(ctx context.Context, tenantID string, selection models.Selection) ([]string, []string, error) {
	switch selection.Type {
	case models.SelectionIDs:
		return selection.SubjectIDs, nil, nil
	case models.SelectionFilter:
		if err := selection.Filters.Validate(); err != nil {
			return nil, nil, fmt.Errorf("invalid selection filter: %w", err)
		}

		ids, err := s.subjects.FindByFilter(ctx, tenantID, selection.Filters)

		return ids, nil, err
	case models.SelectionImport:
		return s.subjects.MatchImported(ctx, tenantID, selection.ImportRefs)
	default:
		return nil, nil, fmt.Errorf("unknown selection type %q", selection.Type)
	}
}

// Process runs the job's batches to a terminal status. It blocks behind the
// tenant semaphore, processes batches in order with per-batch retries, and
// checkpoints counters after every batch. Safe to call again after a worker
// crash: terminal batches are skipped.
func (s *Scheduler) Process(ctx context.Context, jobID string) error {
	job, err := s.persistence.BulkRepository().GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	if job.Status.Terminal() {
		return nil
	}

	release := s.acquireTenant(ctx, job.TenantID)
	if release == nil {
		return ctx.Err()
	}
	defer release()

	workflow, err := s.persistence.WorkflowRepository().GetVersion(ctx, job.WorkflowID, job.WorkflowVersion)
	if err != nil {
		job.Status = models.BulkJobFailed

		if saveErr := s.persistence.BulkRepository().SaveJob(ctx, job); saveErr != nil {
			return saveErr
		}

		return err
	}

	if job.Status == models.BulkJobPending {
		job.Status = models.BulkJobProcessing
		started := s.clock.Now().UTC()
		job.StartedAt = &started

		if err := s.persistence.BulkRepository().SaveJob(ctx, job); err != nil {
			return err
		}
	}

	batches, err := s.persistence.BulkRepository().ListBatches(ctx, jobID)
	if err != nil {
		return err
	}

	for _, batch := range batches {
		if batch.Status.Terminal() {
			continue
		}

		job, err = s.persistence.BulkRepository().GetJob(ctx, jobID)
		if err != nil {
			return err
		}

		if job.Status == models.BulkJobCancelling {
			return s.cancelRemaining(ctx, job, batches)
		}

		if err := s.processBatch(ctx, job, workflow, batch); err != nil {
			return err
		}
	}

	return s.finishJob(ctx, jobID)
}

func (s *Scheduler) processBatch(ctx context.Context, job *models.BulkEnrollmentJob, workflow *models.Workflow, batch *models.Batch) error {
	batch.Status = models.BatchProcessing

	// Snapshot counters so a mid-batch infrastructure failure rolls them
	// back before the retry; otherwise retried subjects double-count.
	baseCounters := job.Counters
	baseFailures := len(job.Failures)

	for {
		batch.Attempts++

		if err := s.persistence.BulkRepository().SaveBatch(ctx, batch); err != nil {
			return err
		}

		job.Counters = baseCounters
		job.Failures = job.Failures[:baseFailures]

		err := s.enrollBatch(ctx, job, workflow, batch)
		if err == nil {
			batch.Status = models.BatchCompleted
			batch.LastError = ""

			break
		}

		batch.LastError = err.Error()

		delay, ok := s.policy.NextDelay(batch.Attempts)
		if !ok {
			// The batch is spent; discard the partial increments of the
			// final attempt and count every subject as failed exactly once
			// so the job total still reconciles.
			job.Counters = baseCounters
			job.Failures = job.Failures[:baseFailures]
			s.failBatchSubjects(job, batch, err)
			batch.Status = models.BatchFailed

			s.logger.ErrorContext(ctx, "Batch failed permanently",
				"job_id", job.ID, "batch_index", batch.Index, "error", err)

			break
		}

		s.logger.WarnContext(ctx, "Batch attempt failed, retrying",
			"job_id", job.ID, "batch_index", batch.Index, "attempt", batch.Attempts, "error", err)

		timer := s.clock.NewTimer(delay)

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.Chan():
		}
	}

	if err := s.persistence.BulkRepository().SaveBatch(ctx, batch); err != nil {
		return err
	}

	// A cancel may have landed while the batch was in flight; the counter
	// checkpoint must not overwrite it.
	current, err := s.persistence.BulkRepository().GetJob(ctx, job.ID)
	if err == nil && current.Status == models.BulkJobCancelling {
		job.Status = models.BulkJobCancelling
	}

	return s.persistence.BulkRepository().SaveJob(ctx, job)
}

// enrollBatch enrolls every subject of the batch, isolating per-subject
// failures. Only infrastructure errors (store or persistence down) propagate
// and mark the batch retryable.
func (s *Scheduler) enrollBatch(ctx context.Context, job *models.BulkEnrollmentJob, workflow *models.Workflow, batch *models.Batch) error {
	for _, subjectID := range batch.SubjectIDs {
		if err := s.limiter.Wait(ctx, job.TenantID); err != nil {
			return err
		}

		record, err := s.subjects.Get(ctx, job.TenantID, subjectID)
		if err != nil {
			return fmt.Errorf("load subject %s: %w", subjectID, err)
		}

		job.Counters.Processed++

		if record == nil {
			job.Counters.Failed++
			s.recordFailure(job, subjectID, "subject_not_found", "subject does not exist")

			continue
		}

		if !models.SubjectEnrollable(record) {
			job.Counters.Skipped++

			continue
		}

		_, err = s.enroller.Enroll(ctx, workflow, models.EnrollmentRequest{
			WorkflowID:      workflow.ID,
			WorkflowVersion: job.WorkflowVersion,
			TenantID:        job.TenantID,
			SubjectID:       subjectID,
			Source:          SourceBulk,
		})
		if err != nil {
			job.Counters.Failed++
			s.recordFailure(job, subjectID, "enroll_failed", err.Error())

			continue
		}

		job.Counters.Success++
	}

	return nil
}

func (s *Scheduler) failBatchSubjects(job *models.BulkEnrollmentJob, batch *models.Batch, err error) {
	for _, subjectID := range batch.SubjectIDs {
		job.Counters.Processed++
		job.Counters.Failed++
		s.recordFailure(job, subjectID, "batch_failed", err.Error())
	}
}

func (s *Scheduler) recordFailure(job *models.BulkEnrollmentJob, subjectID, code, reason string) {
	if len(job.Failures) >= models.MaxFailureSampleSize {
		return
	}

	job.Failures = append(job.Failures, models.SubjectFailure{
		SubjectID: subjectID,
		Code:      code,
		Reason:    reason,
	})
}

func (s *Scheduler) finishJob(ctx context.Context, jobID string) error {
	job, err := s.persistence.BulkRepository().GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	switch {
	case job.Status == models.BulkJobCancelling:
		job.Status = models.BulkJobCancelled
	case job.Counters.Failed > 0:
		job.Status = models.BulkJobCompletedWithErrors
	default:
		job.Status = models.BulkJobCompleted
	}

	completed := s.clock.Now().UTC()
	job.CompletedAt = &completed

	if err := s.persistence.BulkRepository().SaveJob(ctx, job); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "Bulk job finished",
		"job_id", job.ID,
		"status", job.Status,
		"success", job.Counters.Success,
		"failed", job.Counters.Failed,
		"skipped", job.Counters.Skipped)

	return nil
}

// cancelRemaining marks unprocessed batches skipped and the job cancelled.
// Already-created executions are untouched.
func (s *Scheduler) cancelRemaining(ctx context.Context, job *models.BulkEnrollmentJob, batches []*models.Batch) error {
	for _, batch := range batches {
		if batch.Status.Terminal() {
			continue
		}

		batch.Status = models.BatchSkipped

		if err := s.persistence.BulkRepository().SaveBatch(ctx, batch); err != nil {
			return err
		}

		job.Counters.Processed += len(batch.SubjectIDs)
		job.Counters.Skipped += len(batch.SubjectIDs)
	}

	job.Status = models.BulkJobCancelled
	completed := s.clock.Now().UTC()
	job.CompletedAt = &completed

	if err := s.persistence.BulkRepository().SaveJob(ctx, job); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "Bulk job cancelled", "job_id", job.ID)

	return nil
}

// Cancel requests cancellation. Pending jobs cancel immediately; processing
// jobs finish their in-flight batch and stop at the next boundary.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	job, err := s.persistence.BulkRepository().GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	if job.Status.Terminal() {
		return nil
	}

	if job.Status == models.BulkJobPending {
		batches, err := s.persistence.BulkRepository().ListBatches(ctx, jobID)
		if err != nil {
			return err
		}

		return s.cancelRemaining(ctx, job, batches)
	}

	job.Status = models.BulkJobCancelling

	return s.persistence.BulkRepository().SaveJob(ctx, job)
}

// Progress returns the job's progress snapshot without blocking processing.
func (s *Scheduler) Progress(ctx context.Context, jobID string) (*models.ProgressSnapshot, error) {
	job, err := s.persistence.BulkRepository().GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	batches, err := s.persistence.BulkRepository().ListBatches(ctx, jobID)
	if err != nil {
		return nil, err
	}

	current := 0

	for _, batch := range batches {
		if batch.Status.Terminal() {
			current++
		}
	}

	return &models.ProgressSnapshot{
		JobID:         job.ID,
		Status:        job.Status,
		Counters:      job.Counters,
		CurrentBatch:  current,
		TotalBatches:  len(batches),
		FailureSample: job.Failures,
	}, nil
}

// acquireTenant blocks on the tenant's job semaphore. It returns nil when
// the context expired first.
func (s *Scheduler) acquireTenant(ctx context.Context, tenantID string) func() {
	s.mu.Lock()

	sem, ok := s.semaphores[tenantID]
	if !ok {
		sem = make(chan struct{}, s.concurrency)
		s.semaphores[tenantID] = sem
	}
	s.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }
	case <-ctx.Done():
		return nil
	}
}
