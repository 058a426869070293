// Package persistence defines the storage abstraction for workflows,
// triggers, executions and bulk enrollment jobs. All cross-entity
// relationships are id references resolved through explicit lookups; no
// entity owns a pointer to another.
package persistence

import (
	"context"
	"time"

	"github.com/tideflow-io/tideflow/pkg/models"
)

// Persistence groups the repositories of one storage backend.
type Persistence interface {
	WorkflowRepository() WorkflowRepository
	TriggerRepository() TriggerRepository
	ExecutionRepository() ExecutionRepository
	ExecutionLogRepository() ExecutionLogRepository
	BulkRepository() BulkRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// WorkflowRepository stores workflow definitions and their published
// versions. Published versions are immutable snapshots.
type WorkflowRepository interface {
	GetByID(ctx context.Context, id string) (*models.Workflow, error)
	// GetVersion returns the immutable snapshot a running execution pinned
	// at enrollment time.
	GetVersion(ctx context.Context, id string, version int) (*models.Workflow, error)
	Save(ctx context.Context, workflow *models.Workflow) error
	Delete(ctx context.Context, id string) error
}

// TriggerRepository stores triggers. ListAll feeds the matcher's read-mostly
// cache; it is refreshed on trigger mutation, not queried per event.
type TriggerRepository interface {
	GetByWorkflow(ctx context.Context, workflowID string) (*models.Trigger, error)
	ListAll(ctx context.Context) ([]*models.Trigger, error)
	Save(ctx context.Context, trigger *models.Trigger) error
	Delete(ctx context.Context, id string) error
}

// ExecutionRepository stores execution checkpoints. Save persists the full
// (status, step pointer, retry count) tuple atomically; it is the write that
// makes crash recovery possible.
type ExecutionRepository interface {
	GetByID(ctx context.Context, id string) (*models.Execution, error)
	Save(ctx context.Context, execution *models.Execution) error
	// HasOpen reports whether the subject holds a non-terminal execution of
	// the workflow, for single-enrollment triggers.
	HasOpen(ctx context.Context, tenantID, workflowID, subjectID string) (bool, error)
	// DueForResume lists executions whose resume_at has passed: waiting
	// steps to wake and failed attempts ready to retry.
	DueForResume(ctx context.Context, now time.Time, limit int) ([]*models.Execution, error)
}

// ExecutionLogRepository appends write-once step attempt records.
type ExecutionLogRepository interface {
	Append(ctx context.Context, entry *models.ExecutionLogEntry) error
	ListByExecution(ctx context.Context, executionID string) ([]*models.ExecutionLogEntry, error)
}

// BulkRepository stores bulk enrollment jobs and their batches.
type BulkRepository interface {
	SaveJob(ctx context.Context, job *models.BulkEnrollmentJob) error
	GetJob(ctx context.Context, id string) (*models.BulkEnrollmentJob, error)
	SaveBatch(ctx context.Context, batch *models.Batch) error
	ListBatches(ctx context.Context, jobID string) ([]*models.Batch, error)
}
