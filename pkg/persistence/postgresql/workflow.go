package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tideflow-io/tideflow/pkg/models"
	"github.com/tideflow-io/tideflow/pkg/persistence"
)

// WorkflowRepository handles workflow-related database operations. Step lists
// and goals are stored as JSONB; the definition is read and written whole.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const workflowColumns = `
	id
  , tenant_id
  , name
  , status
  , version
  , steps
  , goal
  , created_at
  , updated_at
  , deleted_at
`

func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = $1 AND deleted_at IS NULL`

	workflow, err := scanWorkflow(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("GetByID", "workflow", id, persistence.ErrWorkflowNotFound)
		}

		return nil, fmt.Errorf("failed to scan workflow: %w", err)
	}

	return workflow, nil
}

func (r *WorkflowRepository) GetVersion(ctx context.Context, id string, version int) (*models.Workflow, error) {
	var definition []byte

	query := `SELECT definition FROM workflow_versions WHERE workflow_id = $1 AND version = $2`

	err := r.db.QueryRowContext(ctx, query, id, version).Scan(&definition)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("GetVersion", "workflow", id, persistence.ErrWorkflowVersionNotFound)
		}

		return nil, fmt.Errorf("failed to query workflow version: %w", err)
	}

	workflow := &models.Workflow{}
	if err := json.Unmarshal(definition, workflow); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow version: %w", err)
	}

	return workflow, nil
}

func (r *WorkflowRepository) Save(ctx context.Context, workflow *models.Workflow) error {
	stepsJSON, err := json.Marshal(workflow.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}

	goalJSON, err := marshalNullable(workflow.Goal)
	if err != nil {
		return fmt.Errorf("failed to marshal goal: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := `
		INSERT INTO workflows (id, tenant_id, name, status, version, steps, goal, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			version = EXCLUDED.version,
			steps = EXCLUDED.steps,
			goal = EXCLUDED.goal,
			updated_at = EXCLUDED.updated_at,
			deleted_at = EXCLUDED.deleted_at
	`

	_, err = tx.ExecContext(ctx, query,
		workflow.ID,
		workflow.TenantID,
		workflow.Name,
		workflow.Status,
		workflow.Version,
		stepsJSON,
		goalJSON,
		workflow.CreatedAt,
		workflow.UpdatedAt,
		workflow.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}

	// Activating a workflow freezes the current definition as an immutable
	// version snapshot; executions pin against it.
	if workflow.Status == models.WorkflowStatusActive {
		definition, err := json.Marshal(workflow)
		if err != nil {
			return fmt.Errorf("failed to marshal workflow snapshot: %w", err)
		}

		snapshotQuery := `
			INSERT INTO workflow_versions (workflow_id, version, definition)
			VALUES ($1, $2, $3)
			ON CONFLICT (workflow_id, version) DO UPDATE SET definition = EXCLUDED.definition
		`

		_, err = tx.ExecContext(ctx, snapshotQuery, workflow.ID, workflow.Version, definition)
		if err != nil {
			return fmt.Errorf("failed to save workflow snapshot: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Delete soft deletes the workflow and removes its trigger.
func (r *WorkflowRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	result, err := tx.ExecContext(ctx,
		`UPDATE workflows SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL`,
		id, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NewStoreError("Delete", "workflow", id, persistence.ErrWorkflowNotFound)
	}

	// Trigger deletion cascades from workflow deletion.
	_, err = tx.ExecContext(ctx, `DELETE FROM triggers WHERE workflow_id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow trigger: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*models.Workflow, error) {
	var (
		workflow  models.Workflow
		stepsJSON []byte
		goalJSON  []byte
	)

	err := row.Scan(
		&workflow.ID,
		&workflow.TenantID,
		&workflow.Name,
		&workflow.Status,
		&workflow.Version,
		&stepsJSON,
		&goalJSON,
		&workflow.CreatedAt,
		&workflow.UpdatedAt,
		&workflow.DeletedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(stepsJSON, &workflow.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}

	if len(goalJSON) > 0 {
		if err := json.Unmarshal(goalJSON, &workflow.Goal); err != nil {
			return nil, fmt.Errorf("failed to unmarshal goal: %w", err)
		}
	}

	return &workflow, nil
}

// marshalNullable marshals v, mapping nil pointers to SQL NULL instead of the
// JSON literal null.
func marshalNullable[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}

	return json.Marshal(v)
}
