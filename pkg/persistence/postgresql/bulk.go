package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tideflow-io/tideflow/pkg/models"
	"github.com/tideflow-io/tideflow/pkg/persistence"
)

// BulkRepository stores bulk enrollment jobs and their batches.
type BulkRepository struct {
	db *sql.DB
}

func (r *BulkRepository) SaveJob(ctx context.Context, job *models.BulkEnrollmentJob) error {
	selectionJSON, err := json.Marshal(job.Selection)
	if err != nil {
		return fmt.Errorf("failed to marshal selection: %w", err)
	}

	countersJSON, err := json.Marshal(job.Counters)
	if err != nil {
		return fmt.Errorf("failed to marshal counters: %w", err)
	}

	failuresJSON, err := json.Marshal(job.Failures)
	if err != nil {
		return fmt.Errorf("failed to marshal failures: %w", err)
	}

	unmatchedJSON, err := json.Marshal(job.Unmatched)
	if err != nil {
		return fmt.Errorf("failed to marshal unmatched refs: %w", err)
	}

	query := `
		INSERT INTO bulk_jobs (id, tenant_id, workflow_id, workflow_version, selection, batch_size,
			status, counters, failures, unmatched, submitted_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			workflow_version = EXCLUDED.workflow_version,
			status = EXCLUDED.status,
			counters = EXCLUDED.counters,
			failures = EXCLUDED.failures,
			unmatched = EXCLUDED.unmatched,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at
	`

	_, err = r.db.ExecContext(ctx, query,
		job.ID,
		job.TenantID,
		job.WorkflowID,
		job.WorkflowVersion,
		selectionJSON,
		job.BatchSize,
		job.Status,
		countersJSON,
		failuresJSON,
		unmatchedJSON,
		job.SubmittedAt,
		job.StartedAt,
		job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save bulk job: %w", err)
	}

	return nil
}

func (r *BulkRepository) GetJob(ctx context.Context, id string) (*models.BulkEnrollmentJob, error) {
	query := `
		SELECT id, tenant_id, workflow_id, workflow_version, selection, batch_size,
			status, counters, failures, unmatched, submitted_at, started_at, completed_at
		FROM bulk_jobs
		WHERE id = $1
	`

	var (
		job           models.BulkEnrollmentJob
		selectionJSON []byte
		countersJSON  []byte
		failuresJSON  []byte
		unmatchedJSON []byte
	)

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&job.ID,
		&job.TenantID,
		&job.WorkflowID,
		&job.WorkflowVersion,
		&selectionJSON,
		&job.BatchSize,
		&job.Status,
		&countersJSON,
		&failuresJSON,
		&unmatchedJSON,
		&job.SubmittedAt,
		&job.StartedAt,
		&job.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("GetJob", "bulk job", id, persistence.ErrJobNotFound)
		}

		return nil, fmt.Errorf("failed to scan bulk job: %w", err)
	}

	if err := json.Unmarshal(selectionJSON, &job.Selection); err != nil {
		return nil, fmt.Errorf("failed to unmarshal selection: %w", err)
	}

	if err := json.Unmarshal(countersJSON, &job.Counters); err != nil {
		return nil, fmt.Errorf("failed to unmarshal counters: %w", err)
	}

	if len(failuresJSON) > 0 {
		if err := json.Unmarshal(failuresJSON, &job.Failures); err != nil {
			return nil, fmt.Errorf("failed to unmarshal failures: %w", err)
		}
	}

	if len(unmatchedJSON) > 0 {
		if err := json.Unmarshal(unmatchedJSON, &job.Unmatched); err != nil {
			return nil, fmt.Errorf("failed to unmarshal unmatched refs: %w", err)
		}
	}

	return &job, nil
}

func (r *BulkRepository) SaveBatch(ctx context.Context, batch *models.Batch) error {
	subjectsJSON, err := json.Marshal(batch.SubjectIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal subject ids: %w", err)
	}

	query := `
		INSERT INTO bulk_batches (id, job_id, batch_index, subject_ids, status, attempts, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error
	`

	_, err = r.db.ExecContext(ctx, query,
		batch.ID,
		batch.JobID,
		batch.Index,
		subjectsJSON,
		batch.Status,
		batch.Attempts,
		batch.LastError,
	)
	if err != nil {
		return fmt.Errorf("failed to save batch: %w", err)
	}

	return nil
}

func (r *BulkRepository) ListBatches(ctx context.Context, jobID string) ([]*models.Batch, error) {
	query := `
		SELECT id, job_id, batch_index, subject_ids, status, attempts, last_error
		FROM bulk_batches
		WHERE job_id = $1
		ORDER BY batch_index
	`

	rows, err := r.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}

	defer func() { _ = rows.Close() }()

	batches := make([]*models.Batch, 0)

	for rows.Next() {
		var (
			batch        models.Batch
			subjectsJSON []byte
		)

		err := rows.Scan(
			&batch.ID,
			&batch.JobID,
			&batch.Index,
			&subjectsJSON,
			&batch.Status,
			&batch.Attempts,
			&batch.LastError,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}

		if err := json.Unmarshal(subjectsJSON, &batch.SubjectIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal subject ids: %w", err)
		}

		batches = append(batches, &batch)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating batches: %w", err)
	}

	return batches, nil
}
