package models

import "time"

// SelectionType describes how a bulk enrollment job selects its subjects.
type SelectionType string

const (
	SelectionIDs    SelectionType = "ids"    // explicit, already-resolved id list
	SelectionFilter SelectionType = "filter" // filter query, executed once per job
	SelectionImport SelectionType = "import" // imported list, matched against existing subjects
)

// Selection is the subject selection definition of a bulk enrollment job.
type Selection struct {
	Type       SelectionType `json:"type"`
	SubjectIDs []string      `json:"subject_ids,omitempty"`
	Filters    *FilterSet    `json:"filters,omitempty"`
	ImportRefs []string      `json:"import_refs,omitempty"` // external references, e.g. email addresses
}

// BulkJobStatus is the lifecycle state of a bulk enrollment job.
type BulkJobStatus string

const (
	BulkJobPending             BulkJobStatus = "pending"
	BulkJobProcessing          BulkJobStatus = "processing"
	BulkJobCompleted           BulkJobStatus = "completed"
	BulkJobCompletedWithErrors BulkJobStatus = "completed_with_errors"
	BulkJobCancelling          BulkJobStatus = "cancelling"
	BulkJobCancelled           BulkJobStatus = "cancelled"
	BulkJobFailed              BulkJobStatus = "failed"
)

// Terminal reports whether the job status is final.
func (s BulkJobStatus) Terminal() bool {
	return s == BulkJobCompleted || s == BulkJobCompletedWithErrors || s == BulkJobCancelled || s == BulkJobFailed
}

// BatchStatus is the lifecycle state of one batch.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchSkipped    BatchStatus = "skipped"
)

// Terminal reports whether the batch status is final.
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchFailed || s == BatchSkipped
}

// Limits for bulk enrollment jobs.
const (
	MaxBulkSubjects      = 10000
	DefaultBatchSize     = 100
	MaxFailureSampleSize = 1000
)

// BulkCounters is the monotonically advancing progress counter set of a job.
type BulkCounters struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Success   int `json:"success"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// SubjectFailure records one per-subject enrollment failure. The failure list
// of a job is capped at MaxFailureSampleSize entries.
type SubjectFailure struct {
	SubjectID string `json:"subject_id"`
	Code      string `json:"code"`
	Reason    string `json:"reason"`
}

// BulkEnrollmentJob represents one request to enroll up to MaxBulkSubjects
// subjects into a workflow. It owns its batches; sum of batch sizes always
// equals Counters.Total, and the job cannot complete while any batch is
// pending or processing.
type BulkEnrollmentJob struct {
	ID              string           `json:"id"`
	TenantID        string           `json:"tenant_id"   validate:"required"`
	WorkflowID      string           `json:"workflow_id" validate:"required"`
	WorkflowVersion int              `json:"workflow_version"`
	Selection       Selection        `json:"selection"`
	BatchSize       int              `json:"batch_size"`
	Status          BulkJobStatus    `json:"status"`
	Counters        BulkCounters     `json:"counters"`
	Failures        []SubjectFailure `json:"failures,omitempty"`
	Unmatched       []string         `json:"unmatched,omitempty"` // import refs with no matching subject
	SubmittedAt     time.Time        `json:"submitted_at"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}

// Batch is a bounded, ordered slice of subject ids processed together.
// Batches fail and retry independently of their siblings.
type Batch struct {
	ID         string      `json:"id"`
	JobID      string      `json:"job_id"`
	Index      int         `json:"index"`
	SubjectIDs []string    `json:"subject_ids"`
	Status     BatchStatus `json:"status"`
	Attempts   int         `json:"attempts"`
	LastError  string      `json:"last_error,omitempty"`
}

// ProgressSnapshot is the queryable progress view of a job. Reading it never
// blocks in-flight batch processing.
type ProgressSnapshot struct {
	JobID         string           `json:"job_id"`
	Status        BulkJobStatus    `json:"status"`
	Counters      BulkCounters     `json:"counters"`
	CurrentBatch  int              `json:"current_batch"`
	TotalBatches  int              `json:"total_batches"`
	FailureSample []SubjectFailure `json:"failure_sample,omitempty"`
}
