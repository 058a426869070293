package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tideflow-io/tideflow/pkg/models"
	"github.com/tideflow-io/tideflow/pkg/persistence"
)

// ExecutionRepository handles execution checkpoint storage.
type ExecutionRepository struct {
	db *sql.DB
}

const executionColumns = `
	id
  , workflow_id
  , workflow_version
  , subject_id
  , tenant_id
  , status
  , current_step_id
  , retry_count
  , source
  , event_id
  , resume_at
  , cancel_requested
  , cancel_reason
  , enrolled_at
  , started_at
  , completed_at
  , last_error
  , reason
`

const terminalStatuses = `('completed', 'failed', 'cancelled')`

func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = $1`

	execution, err := scanExecution(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("GetByID", "execution", id, persistence.ErrExecutionNotFound)
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	return execution, nil
}

// Save persists the full checkpoint atomically. Writes against a terminal
// execution are rejected; the conditional upsert makes the guard race free.
func (r *ExecutionRepository) Save(ctx context.Context, execution *models.Execution) error {
	query := `
		INSERT INTO executions (id, workflow_id, workflow_version, subject_id, tenant_id, status,
			current_step_id, retry_count, source, event_id, resume_at, cancel_requested, cancel_reason,
			enrolled_at, started_at, completed_at, last_error, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			current_step_id = EXCLUDED.current_step_id,
			retry_count = EXCLUDED.retry_count,
			resume_at = EXCLUDED.resume_at,
			cancel_requested = EXCLUDED.cancel_requested,
			cancel_reason = EXCLUDED.cancel_reason,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			last_error = EXCLUDED.last_error,
			reason = EXCLUDED.reason
		WHERE executions.status NOT IN ` + terminalStatuses + `
	`

	result, err := r.db.ExecContext(ctx, query,
		execution.ID,
		execution.WorkflowID,
		execution.WorkflowVersion,
		execution.SubjectID,
		execution.TenantID,
		execution.Status,
		execution.CurrentStepID,
		execution.RetryCount,
		execution.Source,
		execution.EventID,
		execution.ResumeAt,
		execution.CancelRequested,
		execution.CancelReason,
		execution.EnrolledAt,
		execution.StartedAt,
		execution.CompletedAt,
		execution.LastError,
		execution.Reason,
	)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NewStoreError("Save", "execution", execution.ID, persistence.ErrTerminalExecution)
	}

	return nil
}

func (r *ExecutionRepository) HasOpen(ctx context.Context, tenantID, workflowID, subjectID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM executions
			WHERE tenant_id = $1 AND workflow_id = $2 AND subject_id = $3
				AND status NOT IN ` + terminalStatuses + `
		)
	`

	var open bool

	err := r.db.QueryRowContext(ctx, query, tenantID, workflowID, subjectID).Scan(&open)
	if err != nil {
		return false, fmt.Errorf("failed to query open executions: %w", err)
	}

	return open, nil
}

func (r *ExecutionRepository) DueForResume(ctx context.Context, now time.Time, limit int) ([]*models.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE resume_at IS NOT NULL
			AND resume_at <= $1
			AND status NOT IN ` + terminalStatuses + `
		ORDER BY resume_at
		LIMIT $2
	`

	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due executions: %w", err)
	}

	defer func() { _ = rows.Close() }()

	due := make([]*models.Execution, 0)

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		due = append(due, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return due, nil
}

func scanExecution(row rowScanner) (*models.Execution, error) {
	var execution models.Execution

	err := row.Scan(
		&execution.ID,
		&execution.WorkflowID,
		&execution.WorkflowVersion,
		&execution.SubjectID,
		&execution.TenantID,
		&execution.Status,
		&execution.CurrentStepID,
		&execution.RetryCount,
		&execution.Source,
		&execution.EventID,
		&execution.ResumeAt,
		&execution.CancelRequested,
		&execution.CancelReason,
		&execution.EnrolledAt,
		&execution.StartedAt,
		&execution.CompletedAt,
		&execution.LastError,
		&execution.Reason,
	)
	if err != nil {
		return nil, err
	}

	return &execution, nil
}
