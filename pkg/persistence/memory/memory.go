// Package memory provides an in-process persistence implementation. Entities
// live in id-keyed maps guarded by a read-write mutex; it backs unit tests,
// local development and single-node deployments.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tideflow-io/tideflow/pkg/models"
	"github.com/tideflow-io/tideflow/pkg/persistence"
)

// Persistence implements persistence.Persistence with in-memory maps.
type Persistence struct {
	mu         sync.RWMutex
	workflows  map[string]*models.Workflow
	versions   map[string]*models.Workflow // key: id@version
	triggers   map[string]*models.Trigger
	executions map[string]*models.Execution
	logs       map[string][]*models.ExecutionLogEntry
	jobs       map[string]*models.BulkEnrollmentJob
	batches    map[string][]*models.Batch
}

// NewPersistence creates an empty in-memory store.
func NewPersistence() *Persistence {
	return &Persistence{
		workflows:  make(map[string]*models.Workflow),
		versions:   make(map[string]*models.Workflow),
		triggers:   make(map[string]*models.Trigger),
		executions: make(map[string]*models.Execution),
		logs:       make(map[string][]*models.ExecutionLogEntry),
		jobs:       make(map[string]*models.BulkEnrollmentJob),
		batches:    make(map[string][]*models.Batch),
	}
}

func (p *Persistence) WorkflowRepository() persistence.WorkflowRepository         { return (*workflowRepo)(p) }
func (p *Persistence) TriggerRepository() persistence.TriggerRepository           { return (*triggerRepo)(p) }
func (p *Persistence) ExecutionRepository() persistence.ExecutionRepository       { return (*executionRepo)(p) }
func (p *Persistence) ExecutionLogRepository() persistence.ExecutionLogRepository { return (*logRepo)(p) }
func (p *Persistence) BulkRepository() persistence.BulkRepository                 { return (*bulkRepo)(p) }

func (p *Persistence) HealthCheck(_ context.Context) error { return nil }
func (p *Persistence) Close(_ context.Context) error       { return nil }

// clone deep-copies an entity through JSON so stored state never aliases
// caller-held structs.
func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("memory store clone: %v", err))
	}

	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		panic(fmt.Sprintf("memory store clone: %v", err))
	}

	return out
}

type workflowRepo Persistence

func (r *workflowRepo) GetByID(_ context.Context, id string) (*models.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	workflow, ok := r.workflows[id]
	if !ok || workflow.DeletedAt != nil {
		return nil, persistence.NewStoreError("GetByID", "workflow", id, persistence.ErrWorkflowNotFound)
	}

	return clone(workflow), nil
}

func (r *workflowRepo) GetVersion(_ context.Context, id string, version int) (*models.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot, ok := r.versions[versionKey(id, version)]
	if !ok {
		return nil, persistence.NewStoreError("GetVersion", "workflow", id, persistence.ErrWorkflowVersionNotFound)
	}

	return clone(snapshot), nil
}

func (r *workflowRepo) Save(_ context.Context, workflow *models.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := clone(workflow)
	r.workflows[workflow.ID] = stored

	// Activating a workflow freezes the current definition as an immutable
	// version snapshot; executions pin against it.
	if workflow.Status == models.WorkflowStatusActive {
		r.versions[versionKey(workflow.ID, workflow.Version)] = clone(workflow)
	}

	return nil
}

func (r *workflowRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	workflow, ok := r.workflows[id]
	if !ok {
		return persistence.NewStoreError("Delete", "workflow", id, persistence.ErrWorkflowNotFound)
	}

	now := time.Now().UTC()
	workflow.DeletedAt = &now

	// Trigger deletion cascades from workflow deletion.
	for triggerID, trigger := range r.triggers {
		if trigger.WorkflowID == id {
			delete(r.triggers, triggerID)
		}
	}

	return nil
}

func versionKey(id string, version int) string {
	return fmt.Sprintf("%s@%d", id, version)
}

type triggerRepo Persistence

func (r *triggerRepo) GetByWorkflow(_ context.Context, workflowID string) (*models.Trigger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, trigger := range r.triggers {
		if trigger.WorkflowID == workflowID {
			return clone(trigger), nil
		}
	}

	return nil, persistence.NewStoreError("GetByWorkflow", "trigger", workflowID, persistence.ErrTriggerNotFound)
}

func (r *triggerRepo) ListAll(_ context.Context) ([]*models.Trigger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	triggers := make([]*models.Trigger, 0, len(r.triggers))
	for _, trigger := range r.triggers {
		triggers = append(triggers, clone(trigger))
	}

	sort.Slice(triggers, func(i, j int) bool { return triggers[i].ID < triggers[j].ID })

	return triggers, nil
}

func (r *triggerRepo) Save(_ context.Context, trigger *models.Trigger) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.triggers[trigger.ID] = clone(trigger)

	return nil
}

func (r *triggerRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.triggers[id]; !ok {
		return persistence.NewStoreError("Delete", "trigger", id, persistence.ErrTriggerNotFound)
	}

	delete(r.triggers, id)

	return nil
}

type executionRepo Persistence

func (r *executionRepo) GetByID(_ context.Context, id string) (*models.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	execution, ok := r.executions[id]
	if !ok {
		return nil, persistence.NewStoreError("GetByID", "execution", id, persistence.ErrExecutionNotFound)
	}

	return clone(execution), nil
}

func (r *executionRepo) Save(_ context.Context, execution *models.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.executions[execution.ID]; ok && existing.Status.Terminal() {
		return persistence.NewStoreError("Save", "execution", execution.ID, persistence.ErrTerminalExecution)
	}

	r.executions[execution.ID] = clone(execution)

	return nil
}

func (r *executionRepo) HasOpen(_ context.Context, tenantID, workflowID, subjectID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, execution := range r.executions {
		if execution.TenantID == tenantID &&
			execution.WorkflowID == workflowID &&
			execution.SubjectID == subjectID &&
			!execution.Status.Terminal() {
			return true, nil
		}
	}

	return false, nil
}

func (r *executionRepo) DueForResume(_ context.Context, now time.Time, limit int) ([]*models.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	due := make([]*models.Execution, 0)

	for _, execution := range r.executions {
		if execution.Status.Terminal() || execution.ResumeAt == nil {
			continue
		}

		if !execution.ResumeAt.After(now) {
			due = append(due, clone(execution))
		}
	}

	sort.Slice(due, func(i, j int) bool { return due[i].ResumeAt.Before(*due[j].ResumeAt) })

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

type logRepo Persistence

func (r *logRepo) Append(_ context.Context, entry *models.ExecutionLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logs[entry.ExecutionID] = append(r.logs[entry.ExecutionID], clone(entry))

	return nil
}

func (r *logRepo) ListByExecution(_ context.Context, executionID string) ([]*models.ExecutionLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*models.ExecutionLogEntry, 0, len(r.logs[executionID]))
	for _, entry := range r.logs[executionID] {
		entries = append(entries, clone(entry))
	}

	return entries, nil
}

type bulkRepo Persistence

func (r *bulkRepo) SaveJob(_ context.Context, job *models.BulkEnrollmentJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.jobs[job.ID] = clone(job)

	return nil
}

func (r *bulkRepo) GetJob(_ context.Context, id string) (*models.BulkEnrollmentJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, persistence.NewStoreError("GetJob", "bulk job", id, persistence.ErrJobNotFound)
	}

	return clone(job), nil
}

func (r *bulkRepo) SaveBatch(_ context.Context, batch *models.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := clone(batch)

	for i, existing := range r.batches[batch.JobID] {
		if existing.ID == batch.ID {
			r.batches[batch.JobID][i] = stored
			return nil
		}
	}

	r.batches[batch.JobID] = append(r.batches[batch.JobID], stored)

	return nil
}

func (r *bulkRepo) ListBatches(_ context.Context, jobID string) ([]*models.Batch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	batches := make([]*models.Batch, 0, len(r.batches[jobID]))
	for _, batch := range r.batches[jobID] {
		batches = append(batches, clone(batch))
	}

	sort.Slice(batches, func(i, j int) bool { return batches[i].Index < batches[j].Index })

	return batches, nil
}
