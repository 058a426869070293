package bulk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tideflow-io/tideflow/pkg/execution"
	"github.com/tideflow-io/tideflow/pkg/models"
	"github.com/tideflow-io/tideflow/pkg/persistence/memory"
	"github.com/tideflow-io/tideflow/pkg/subject"
)

// stubEnroller counts enrollments and fails the subject ids it is told to.
type stubEnroller struct {
	mu       sync.Mutex
	enrolled []string
	failIDs  map[string]error
	onEnroll func(n int)
}

func newStubEnroller() *stubEnroller {
	return &stubEnroller{failIDs: make(map[string]error)}
}

func (e *stubEnroller) Enroll(_ context.Context, _ *models.Workflow, req models.EnrollmentRequest) (*models.Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err, ok := e.failIDs[req.SubjectID]; ok {
		return nil, err
	}

	e.enrolled = append(e.enrolled, req.SubjectID)

	if e.onEnroll != nil {
		e.onEnroll(len(e.enrolled))
	}

	return &models.Execution{ID: "ex-" + req.SubjectID}, nil
}

func (e *stubEnroller) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.enrolled)
}

type schedulerFixture struct {
	scheduler *Scheduler
	store     *memory.Persistence
	subjects  *subject.MemoryStore
	enroller  *stubEnroller
}

func newSchedulerFixture(t *testing.T, opts ...SchedulerOption) *schedulerFixture {
	t.Helper()

	f := &schedulerFixture{
		store:    memory.NewPersistence(),
		subjects: subject.NewMemoryStore(),
		enroller: newStubEnroller(),
	}

	f.scheduler = NewScheduler(f.store, f.subjects, f.enroller, slog.Default(), opts...)

	workflow := &models.Workflow{
		ID:       "wf-1",
		TenantID: "t-1",
		Name:     "Re-engagement",
		Status:   models.WorkflowStatusActive,
		Version:  1,
		Steps: []*models.WorkflowStep{
			{ID: "step-1", Name: "Send", Type: models.StepTypeAction, ActionType: "send_email"},
		},
	}
	require.NoError(t, f.store.WorkflowRepository().Save(context.Background(), workflow))

	return f
}

func subjectIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("s-%04d", i)
	}

	return ids
}

func (f *schedulerFixture) seedSubjects(ids []string) {
	for _, id := range ids {
		f.subjects.Put("t-1", id, map[string]any{"email": id + "@example.org"})
	}
}

func TestScheduler_EnrollsSelectionWithFailureIsolation(t *testing.T) {
	f := newSchedulerFixture(t)

	// 1000 selected ids, the last 50 never existed.
	ids := subjectIDs(1000)
	f.seedSubjects(ids[:950])

	job, err := f.scheduler.Submit(context.Background(), SubmitRequest{
		TenantID:   "t-1",
		WorkflowID: "wf-1",
		Selection:  models.Selection{Type: models.SelectionIDs, SubjectIDs: ids},
	})
	require.NoError(t, err)
	require.Equal(t, models.BulkJobPending, job.Status)
	require.Equal(t, 1000, job.Counters.Total)

	require.NoError(t, f.scheduler.Process(context.Background(), job.ID))

	progress, err := f.scheduler.Progress(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BulkJobCompletedWithErrors, progress.Status)
	assert.Equal(t, 1000, progress.Counters.Processed)
	assert.Equal(t, 950, progress.Counters.Success)
	assert.Equal(t, 50, progress.Counters.Failed)
	assert.Equal(t, 10, progress.TotalBatches)
	assert.Equal(t, 10, progress.CurrentBatch)
	assert.Len(t, progress.FailureSample, 50)
	assert.Equal(t, "subject_not_found", progress.FailureSample[0].Code)
	assert.Equal(t, 950, f.enroller.count())
}

func TestScheduler_CleanJobCompletes(t *testing.T) {
	f := newSchedulerFixture(t)
	ids := subjectIDs(150)
	f.seedSubjects(ids)

	job, err := f.scheduler.Submit(context.Background(), SubmitRequest{
		TenantID:   "t-1",
		WorkflowID: "wf-1",
		Selection:  models.Selection{Type: models.SelectionIDs, SubjectIDs: ids},
	})
	require.NoError(t, err)
	require.NoError(t, f.scheduler.Process(context.Background(), job.ID))

	progress, err := f.scheduler.Progress(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BulkJobCompleted, progress.Status)
	assert.Equal(t, 2, progress.TotalBatches)
	assert.Empty(t, progress.FailureSample)
}

func TestScheduler_RejectsOversizedSelection(t *testing.T) {
	f := newSchedulerFixture(t)

	_, err := f.scheduler.Submit(context.Background(), SubmitRequest{
		TenantID:   "t-1",
		WorkflowID: "wf-1",
		Selection:  models.Selection{Type: models.SelectionIDs, SubjectIDs: subjectIDs(models.MaxBulkSubjects + 1)},
	})
	require.ErrorIs(t, err, ErrSelectionTooLarge)
}

func TestScheduler_RejectsEmptySelection(t *testing.T) {
	f := newSchedulerFixture(t)

	_, err := f.scheduler.Submit(context.Background(), SubmitRequest{
		TenantID:   "t-1",
		WorkflowID: "wf-1",
		Selection:  models.Selection{Type: models.SelectionFilter, Filters: &models.FilterSet{
			Mode: models.FilterModeAll,
			Predicates: []models.Predicate{
				{Field: "email", Operator: models.OperatorEquals, Value: "nobody@example.org"},
			},
		}},
	})
	require.ErrorIs(t, err, ErrEmptySelection)
}

func TestScheduler_FilterSelectionResolvesBeforeQueueing(t *testing.T) {
	f := newSchedulerFixture(t)
	f.subjects.Put("t-1", "s-1", map[string]any{"plan": "pro"})
	f.subjects.Put("t-1", "s-2", map[string]any{"plan": "free"})
	f.subjects.Put("t-1", "s-3", map[string]any{"plan": "pro"})

	job, err := f.scheduler.Submit(context.Background(), SubmitRequest{
		TenantID:   "t-1",
		WorkflowID: "wf-1",
		Selection: models.Selection{Type: models.SelectionFilter, Filters: &models.FilterSet{
			Mode: models.FilterModeAll,
			Predicates: []models.Predicate{
				{Field: "plan", Operator: models.OperatorEquals, Value: "pro"},
			},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, job.Counters.Total, "total is exact at submission time")

	// A subject gaining the plan after submission is not picked up.
	f.subjects.Put("t-1", "s-4", map[string]any{"plan": "pro"})
	require.NoError(t, f.scheduler.Process(context.Background(), job.ID))
	assert.Equal(t, 2, f.enroller.count())
}

func TestScheduler_ImportSelectionRecordsUnmatched(t *testing.T) {
	f := newSchedulerFixture(t)
	f.subjects.Put("t-1", "s-1", map[string]any{"email": "ana@example.org"})

	job, err := f.scheduler.Submit(context.Background(), SubmitRequest{
		TenantID:   "t-1",
		WorkflowID: "wf-1",
		Selection: models.Selection{
			Type:       models.SelectionImport,
			ImportRefs: []string{"Ana@Example.org", "ghost@example.org"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, job.Counters.Total)
	assert.Equal(t, []string{"ghost@example.org"}, job.Unmatched)
}

func TestScheduler_UnenrollableSubjectsAreSkipped(t *testing.T) {
	f := newSchedulerFixture(t)
	f.subjects.Put("t-1", "s-1", map[string]any{"email": "a@example.org"})
	f.subjects.Put("t-1", "s-2", map[string]any{"email": "b@example.org", "opted_out": true})
	f.subjects.Put("t-1", "s-3", map[string]any{"email": "c@example.org"})

	job, err := f.scheduler.Submit(context.Background(), SubmitRequest{
		TenantID:   "t-1",
		WorkflowID: "wf-1",
		Selection:  models.Selection{Type: models.SelectionIDs, SubjectIDs: []string{"s-1", "s-2", "s-3"}},
	})
	require.NoError(t, err)
	require.NoError(t, f.scheduler.Process(context.Background(), job.ID))

	progress, err := f.scheduler.Progress(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BulkJobCompleted, progress.Status)
	assert.Equal(t, 2, progress.Counters.Success)
	assert.Equal(t, 1, progress.Counters.Skipped)
	assert.Zero(t, progress.Counters.Failed)
}

func TestScheduler_PerSubjectEnrollFailureDoesNotAbortBatch(t *testing.T) {
	f := newSchedulerFixture(t)
	ids := subjectIDs(5)
	f.seedSubjects(ids)
	f.enroller.failIDs["s-0002"] = errors.New("tenant quota exceeded")

	job, err := f.scheduler.Submit(context.Background(), SubmitRequest{
		TenantID:   "t-1",
		WorkflowID: "wf-1",
		Selection:  models.Selection{Type: models.SelectionIDs, SubjectIDs: ids},
	})
	require.NoError(t, err)
	require.NoError(t, f.scheduler.Process(context.Background(), job.ID))

	progress, err := f.scheduler.Progress(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, progress.Counters.Success)
	assert.Equal(t, 1, progress.Counters.Failed)
	require.Len(t, progress.FailureSample, 1)
	assert.Equal(t, "s-0002", progress.FailureSample[0].SubjectID)
	assert.Equal(t, "enroll_failed", progress.FailureSample[0].Code)
}

func TestScheduler_FailureSampleIsCapped(t *testing.T) {
	f := newSchedulerFixture(t)

	// 1500 selected ids, none of which exist.
	ids := subjectIDs(1500)

	job, err := f.scheduler.Submit(context.Background(), SubmitRequest{
		TenantID:   "t-1",
		WorkflowID: "wf-1",
		Selection:  models.Selection{Type: models.SelectionIDs, SubjectIDs: ids},
	})
	require.NoError(t, err)
	require.NoError(t, f.scheduler.Process(context.Background(), job.ID))

	progress, err := f.scheduler.Progress(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1500, progress.Counters.Failed, "counters keep the true total")
	assert.Len(t, progress.FailureSample, models.MaxFailureSampleSize)
}

func TestScheduler_CancelPendingJob(t *testing.T) {
	f := newSchedulerFixture(t)
	ids := subjectIDs(10)
	f.seedSubjects(ids)

	job, err := f.scheduler.Submit(context.Background(), SubmitRequest{
		TenantID:   "t-1",
		WorkflowID: "wf-1",
		Selection:  models.Selection{Type: models.SelectionIDs, SubjectIDs: ids},
	})
	require.NoError(t, err)
	require.NoError(t, f.scheduler.Cancel(context.Background(), job.ID))

	progress, err := f.scheduler.Progress(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BulkJobCancelled, progress.Status)
	assert.Equal(t, 10, progress.Counters.Skipped)
	assert.Zero(t, f.enroller.count())
}

func TestScheduler_CancelDuringProcessingStopsAtBatchBoundary(t *testing.T) {
	f := newSchedulerFixture(t)
	ids := subjectIDs(250) // three batches
	f.seedSubjects(ids)

	job, err := f.scheduler.Submit(context.Background(), SubmitRequest{
		TenantID:   "t-1",
		WorkflowID: "wf-1",
		Selection:  models.Selection{Type: models.SelectionIDs, SubjectIDs: ids},
	})
	require.NoError(t, err)

	// Request cancellation while the first batch is enrolling.
	f.enroller.onEnroll = func(n int) {
		if n == 10 {
			require.NoError(t, f.scheduler.Cancel(context.Background(), job.ID))
		}
	}

	require.NoError(t, f.scheduler.Process(context.Background(), job.ID))

	progress, err := f.scheduler.Progress(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BulkJobCancelled, progress.Status)
	assert.Equal(t, 100, f.enroller.count(), "the in-flight batch finishes, the rest never start")
	assert.Equal(t, 150, progress.Counters.Skipped)
}

func TestScheduler_BatchRetriesOnInfrastructureFailure(t *testing.T) {
	f := newSchedulerFixture(t, WithRetryPolicy(execution.RetryPolicy{
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		Multiplier:  1.0,
		MaxAttempts: 3,
	}))

	ids := subjectIDs(5)
	f.seedSubjects(ids)

	flaky := &flakyStore{Store: f.subjects, failures: 2}
	f.scheduler.subjects = flaky

	job, err := f.scheduler.Submit(context.Background(), SubmitRequest{
		TenantID:   "t-1",
		WorkflowID: "wf-1",
		Selection:  models.Selection{Type: models.SelectionIDs, SubjectIDs: ids},
	})
	require.NoError(t, err)
	require.NoError(t, f.scheduler.Process(context.Background(), job.ID))

	progress, err := f.scheduler.Progress(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BulkJobCompleted, progress.Status)

	batches, err := f.store.BulkRepository().ListBatches(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, 3, batches[0].Attempts)
}

func TestScheduler_ExhaustedBatchFailsItsSubjects(t *testing.T) {
	f := newSchedulerFixture(t, WithRetryPolicy(execution.RetryPolicy{
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		Multiplier:  1.0,
		MaxAttempts: 2,
	}))

	ids := subjectIDs(5)
	f.seedSubjects(ids)
	f.scheduler.subjects = &flakyStore{Store: f.subjects, failures: 10}

	job, err := f.scheduler.Submit(context.Background(), SubmitRequest{
		TenantID:   "t-1",
		WorkflowID: "wf-1",
		Selection:  models.Selection{Type: models.SelectionIDs, SubjectIDs: ids},
	})
	require.NoError(t, err)
	require.NoError(t, f.scheduler.Process(context.Background(), job.ID))

	progress, err := f.scheduler.Progress(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BulkJobCompletedWithErrors, progress.Status)
	assert.Equal(t, 5, progress.Counters.Failed)
	assert.Equal(t, "batch_failed", progress.FailureSample[0].Code)
}

func TestScheduler_TenantConcurrencyOption(t *testing.T) {
	f := newSchedulerFixture(t, WithTenantConcurrency(1))

	release := f.scheduler.acquireTenant(context.Background(), "t-1")
	require.NotNil(t, release)

	// The only slot is taken, so a second job cannot enter.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Nil(t, f.scheduler.acquireTenant(ctx, "t-1"))

	release()

	second := f.scheduler.acquireTenant(context.Background(), "t-1")
	require.NotNil(t, second)
	second()

	defaulted := newSchedulerFixture(t)
	assert.Equal(t, DefaultTenantConcurrency, defaulted.scheduler.concurrency)
}

func TestScheduler_ExhaustedBatchCountsEachSubjectOnce(t *testing.T) {
	f := newSchedulerFixture(t, WithRetryPolicy(execution.RetryPolicy{
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		Multiplier:  1.0,
		MaxAttempts: 2,
	}))

	ids := subjectIDs(5)
	f.seedSubjects(ids)

	// The store breaks partway through the batch on every attempt, so the
	// final attempt leaves partial increments behind when the batch is
	// declared failed.
	f.scheduler.subjects = &faultyStore{Store: f.subjects, failID: "s-0003"}

	job, err := f.scheduler.Submit(context.Background(), SubmitRequest{
		TenantID:   "t-1",
		WorkflowID: "wf-1",
		Selection:  models.Selection{Type: models.SelectionIDs, SubjectIDs: ids},
	})
	require.NoError(t, err)
	require.NoError(t, f.scheduler.Process(context.Background(), job.ID))

	progress, err := f.scheduler.Progress(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BulkJobCompletedWithErrors, progress.Status)
	assert.Equal(t, 5, progress.Counters.Total)
	assert.Equal(t, 5, progress.Counters.Processed)
	assert.Zero(t, progress.Counters.Success)
	assert.Equal(t, 5, progress.Counters.Failed)
	sum := progress.Counters.Success + progress.Counters.Failed + progress.Counters.Skipped
	assert.Equal(t, progress.Counters.Processed, sum, "counters reconcile after exhaustion")
	require.Len(t, progress.FailureSample, 5)
	assert.Equal(t, "batch_failed", progress.FailureSample[0].Code)
}

// flakyStore fails its first N Get calls, then delegates.
type flakyStore struct {
	subject.Store

	mu       sync.Mutex
	failures int
}

func (s *flakyStore) Get(ctx context.Context, tenantID, subjectID string) (map[string]any, error) {
	s.mu.Lock()

	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()

		return nil, errors.New("store unavailable")
	}
	s.mu.Unlock()

	return s.Store.Get(ctx, tenantID, subjectID)
}

// faultyStore fails every Get for a single subject id.
type faultyStore struct {
	subject.Store

	failID string
}

func (s *faultyStore) Get(ctx context.Context, tenantID, subjectID string) (map[string]any, error) {
	if subjectID == s.failID {
		return nil, errors.New("store unavailable")
	}

	return s.Store.Get(ctx, tenantID, subjectID)
}
