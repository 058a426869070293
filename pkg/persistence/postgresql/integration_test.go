package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/tideflow-io/tideflow/pkg/models"
	"github.com/tideflow-io/tideflow/pkg/persistence"
	"github.com/tideflow-io/tideflow/pkg/persistence/postgresql"
)

var postgresContainer *postgres.PostgresContainer

func dropDB(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	for _, table := range []string{"bulk_batches", "bulk_jobs", "execution_log", "executions", "triggers", "workflow_versions", "workflows", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	require.NoError(t, db.Close())
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("tideflow_test"),
			postgres.WithUsername("tideflow"),
			postgres.WithPassword("tideflow"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDB(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	store, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDB(ctx, t, databaseURL)
		require.NoError(t, store.Close(ctx))
		cancel()
	})

	return store, ctx
}

func strptr(s string) *string { return &s }

func testWorkflow() *models.Workflow {
	now := time.Now().UTC().Truncate(time.Millisecond)

	return &models.Workflow{
		ID:       uuid.NewString(),
		TenantID: "t-1",
		Name:     "Welcome series",
		Status:   models.WorkflowStatusActive,
		Version:  1,
		Steps: []*models.WorkflowStep{
			{
				ID: "step-1", Name: "Welcome email", Type: models.StepTypeAction,
				ActionType: "send_email", Configuration: map[string]any{"template_id": "welcome"},
				Next: strptr("step-2"),
			},
			{
				ID: "step-2", Name: "Tag", Type: models.StepTypeAction,
				ActionType: "add_tag", Configuration: map[string]any{"tag": "welcomed"},
			},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestWorkflowRepository_SaveAndVersionSnapshots(t *testing.T) {
	store, ctx := setupTestDB(t)

	workflow := testWorkflow()
	require.NoError(t, store.WorkflowRepository().Save(ctx, workflow))

	got, err := store.WorkflowRepository().GetByID(ctx, workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.Name, got.Name)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, "welcome", got.Steps[0].Configuration["template_id"])

	// Publishing v2 keeps the v1 snapshot untouched.
	workflow.Version = 2
	workflow.Name = "Welcome series v2"
	workflow.Steps = workflow.Steps[:1]
	require.NoError(t, store.WorkflowRepository().Save(ctx, workflow))

	v1, err := store.WorkflowRepository().GetVersion(ctx, workflow.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "Welcome series", v1.Name)
	assert.Len(t, v1.Steps, 2)

	v2, err := store.WorkflowRepository().GetVersion(ctx, workflow.ID, 2)
	require.NoError(t, err)
	assert.Len(t, v2.Steps, 1)

	_, err = store.WorkflowRepository().GetVersion(ctx, workflow.ID, 3)
	assert.ErrorIs(t, err, persistence.ErrWorkflowVersionNotFound)
}

func TestWorkflowRepository_DeleteCascadesTrigger(t *testing.T) {
	store, ctx := setupTestDB(t)

	workflow := testWorkflow()
	require.NoError(t, store.WorkflowRepository().Save(ctx, workflow))

	now := time.Now().UTC().Truncate(time.Millisecond)
	trigger := &models.Trigger{
		ID:         uuid.NewString(),
		WorkflowID: workflow.ID,
		TenantID:   "t-1",
		EventType:  models.EventContactCreated,
		Settings:   models.TriggerSettings{EnrollmentMode: models.EnrollmentModeMultiple},
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, store.TriggerRepository().Save(ctx, trigger))

	require.NoError(t, store.WorkflowRepository().Delete(ctx, workflow.ID))

	_, err := store.WorkflowRepository().GetByID(ctx, workflow.ID)
	assert.ErrorIs(t, err, persistence.ErrWorkflowNotFound)

	_, err = store.TriggerRepository().GetByWorkflow(ctx, workflow.ID)
	assert.ErrorIs(t, err, persistence.ErrTriggerNotFound)
}

func TestTriggerRepository_UpsertAndList(t *testing.T) {
	store, ctx := setupTestDB(t)

	workflow := testWorkflow()
	require.NoError(t, store.WorkflowRepository().Save(ctx, workflow))

	now := time.Now().UTC().Truncate(time.Millisecond)
	trigger := &models.Trigger{
		ID:         uuid.NewString(),
		WorkflowID: workflow.ID,
		TenantID:   "t-1",
		EventType:  models.EventContactCreated,
		Filters: &models.FilterSet{Mode: models.FilterModeAll, Predicates: []models.Predicate{
			{Field: "email", Operator: models.OperatorContains, Value: "@example.org"},
		}},
		Settings:  models.TriggerSettings{EnrollmentMode: models.EnrollmentModeSingle},
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.TriggerRepository().Save(ctx, trigger))

	got, err := store.TriggerRepository().GetByWorkflow(ctx, workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentModeSingle, got.Settings.EnrollmentMode)
	require.NotNil(t, got.Filters)
	assert.Len(t, got.Filters.Predicates, 1)

	trigger.EventType = models.EventTagAdded
	trigger.Active = false
	require.NoError(t, store.TriggerRepository().Save(ctx, trigger))

	all, err := store.TriggerRepository().ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, models.EventTagAdded, all[0].EventType)
	assert.False(t, all[0].Active)
}

func TestExecutionRepository_CheckpointLifecycle(t *testing.T) {
	store, ctx := setupTestDB(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	execution := &models.Execution{
		ID:              uuid.NewString(),
		WorkflowID:      "wf-1",
		WorkflowVersion: 1,
		SubjectID:       "s-1",
		TenantID:        "t-1",
		Status:          models.ExecutionStatusQueued,
		CurrentStepID:   "step-1",
		Source:          "trigger",
		EnrolledAt:      now,
	}
	require.NoError(t, store.ExecutionRepository().Save(ctx, execution))

	open, err := store.ExecutionRepository().HasOpen(ctx, "t-1", "wf-1", "s-1")
	require.NoError(t, err)
	assert.True(t, open)

	resumeAt := now.Add(-time.Minute)
	execution.Status = models.ExecutionStatusWaiting
	execution.ResumeAt = &resumeAt
	require.NoError(t, store.ExecutionRepository().Save(ctx, execution))

	due, err := store.ExecutionRepository().DueForResume(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, execution.ID, due[0].ID)

	completedAt := now
	execution.Status = models.ExecutionStatusCompleted
	execution.ResumeAt = nil
	execution.CompletedAt = &completedAt
	require.NoError(t, store.ExecutionRepository().Save(ctx, execution))

	// Terminal executions are immutable.
	execution.Status = models.ExecutionStatusActive
	err = store.ExecutionRepository().Save(ctx, execution)
	assert.ErrorIs(t, err, persistence.ErrTerminalExecution)

	open, err = store.ExecutionRepository().HasOpen(ctx, "t-1", "wf-1", "s-1")
	require.NoError(t, err)
	assert.False(t, open)

	due, err = store.ExecutionRepository().DueForResume(ctx, now.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestExecutionLogRepository_AppendAndList(t *testing.T) {
	store, ctx := setupTestDB(t)

	executionID := uuid.NewString()
	base := time.Now().UTC().Truncate(time.Millisecond)

	for i, status := range []models.StepStatus{models.StepStatusSuccess, models.StepStatusFailed} {
		entry := &models.ExecutionLogEntry{
			ID:          uuid.NewString(),
			ExecutionID: executionID,
			StepID:      "step-1",
			StepIndex:   i,
			ActionType:  "send_email",
			Status:      status,
			Duration:    150 * time.Millisecond,
			At:          base.Add(time.Duration(i) * time.Second),
		}
		if status == models.StepStatusSuccess {
			entry.Response = map[string]any{"message_id": "m-1"}
		}
		require.NoError(t, store.ExecutionLogRepository().Append(ctx, entry))
	}

	entries, err := store.ExecutionLogRepository().ListByExecution(ctx, executionID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.StepStatusSuccess, entries[0].Status)
	assert.Equal(t, models.StepStatusFailed, entries[1].Status)
	assert.Equal(t, 150*time.Millisecond, entries[0].Duration)
	assert.Equal(t, "m-1", entries[0].Response["message_id"])
	assert.Nil(t, entries[1].Response)
}

func TestBulkRepository_JobAndBatchRoundtrip(t *testing.T) {
	store, ctx := setupTestDB(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	job := &models.BulkEnrollmentJob{
		ID:         uuid.NewString(),
		TenantID:   "t-1",
		WorkflowID: "wf-1",
		Selection: models.Selection{
			Type:       models.SelectionIDs,
			SubjectIDs: []string{"s-1", "s-2", "s-3"},
		},
		BatchSize:   2,
		Status:      models.BulkJobPending,
		Counters:    models.BulkCounters{Total: 3},
		SubmittedAt: now,
	}
	require.NoError(t, store.BulkRepository().SaveJob(ctx, job))

	batches := []*models.Batch{
		{ID: uuid.NewString(), JobID: job.ID, Index: 0, SubjectIDs: []string{"s-1", "s-2"}, Status: models.BatchPending},
		{ID: uuid.NewString(), JobID: job.ID, Index: 1, SubjectIDs: []string{"s-3"}, Status: models.BatchPending},
	}
	for _, batch := range batches {
		require.NoError(t, store.BulkRepository().SaveBatch(ctx, batch))
	}

	job.Status = models.BulkJobCompletedWithErrors
	job.Counters = models.BulkCounters{Total: 3, Processed: 3, Success: 2, Failed: 1}
	job.Failures = []models.SubjectFailure{{SubjectID: "s-3", Code: "subject_not_found", Reason: "subject not found"}}
	require.NoError(t, store.BulkRepository().SaveJob(ctx, job))

	got, err := store.BulkRepository().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BulkJobCompletedWithErrors, got.Status)
	assert.Equal(t, 2, got.Counters.Success)
	require.Len(t, got.Failures, 1)
	assert.Equal(t, "subject_not_found", got.Failures[0].Code)

	batches[0].Status = models.BatchCompleted
	batches[0].Attempts = 1
	require.NoError(t, store.BulkRepository().SaveBatch(ctx, batches[0]))

	listed, err := store.BulkRepository().ListBatches(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, models.BatchCompleted, listed[0].Status)
	assert.Equal(t, []string{"s-1", "s-2"}, listed[0].SubjectIDs)

	_, err = store.BulkRepository().GetJob(ctx, "ghost")
	assert.ErrorIs(t, err, persistence.ErrJobNotFound)
}
