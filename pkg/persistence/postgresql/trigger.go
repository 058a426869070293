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

// TriggerRepository handles trigger-related database operations.
type TriggerRepository struct {
	db *sql.DB
}

const triggerColumns = `
	id
  , workflow_id
  , tenant_id
  , event_type
  , category
  , filters
  , settings
  , active
  , created_by
  , created_at
  , updated_at
`

func (r *TriggerRepository) GetByWorkflow(ctx context.Context, workflowID string) (*models.Trigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM triggers WHERE workflow_id = $1`

	trigger, err := scanTrigger(r.db.QueryRowContext(ctx, query, workflowID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("GetByWorkflow", "trigger", workflowID, persistence.ErrTriggerNotFound)
		}

		return nil, fmt.Errorf("failed to scan trigger: %w", err)
	}

	return trigger, nil
}

func (r *TriggerRepository) ListAll(ctx context.Context) ([]*models.Trigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM triggers ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query triggers: %w", err)
	}

	defer func() { _ = rows.Close() }()

	triggers := make([]*models.Trigger, 0)

	for rows.Next() {
		trigger, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trigger: %w", err)
		}

		triggers = append(triggers, trigger)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating triggers: %w", err)
	}

	return triggers, nil
}

func (r *TriggerRepository) Save(ctx context.Context, trigger *models.Trigger) error {
	filtersJSON, err := marshalNullable(trigger.Filters)
	if err != nil {
		return fmt.Errorf("failed to marshal filters: %w", err)
	}

	settingsJSON, err := json.Marshal(trigger.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	query := `
		INSERT INTO triggers (id, workflow_id, tenant_id, event_type, category, filters, settings, active, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			event_type = EXCLUDED.event_type,
			category = EXCLUDED.category,
			filters = EXCLUDED.filters,
			settings = EXCLUDED.settings,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		trigger.ID,
		trigger.WorkflowID,
		trigger.TenantID,
		trigger.EventType,
		trigger.Category,
		filtersJSON,
		settingsJSON,
		trigger.Active,
		trigger.CreatedBy,
		trigger.CreatedAt,
		trigger.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save trigger: %w", err)
	}

	return nil
}

func (r *TriggerRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM triggers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete trigger: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NewStoreError("Delete", "trigger", id, persistence.ErrTriggerNotFound)
	}

	return nil
}

func scanTrigger(row rowScanner) (*models.Trigger, error) {
	var (
		trigger      models.Trigger
		filtersJSON  []byte
		settingsJSON []byte
	)

	err := row.Scan(
		&trigger.ID,
		&trigger.WorkflowID,
		&trigger.TenantID,
		&trigger.EventType,
		&trigger.Category,
		&filtersJSON,
		&settingsJSON,
		&trigger.Active,
		&trigger.CreatedBy,
		&trigger.CreatedAt,
		&trigger.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(filtersJSON) > 0 {
		if err := json.Unmarshal(filtersJSON, &trigger.Filters); err != nil {
			return nil, fmt.Errorf("failed to unmarshal filters: %w", err)
		}
	}

	if err := json.Unmarshal(settingsJSON, &trigger.Settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}

	return &trigger, nil
}
