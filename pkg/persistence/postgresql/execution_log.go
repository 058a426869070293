package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tideflow-io/tideflow/pkg/models"
)

// ExecutionLogRepository stores write-once step attempt records.
type ExecutionLogRepository struct {
	db *sql.DB
}

func (r *ExecutionLogRepository) Append(ctx context.Context, entry *models.ExecutionLogEntry) error {
	var responseJSON []byte

	if entry.Response != nil {
		data, err := json.Marshal(entry.Response)
		if err != nil {
			return fmt.Errorf("failed to marshal response: %w", err)
		}

		responseJSON = data
	}

	query := `
		INSERT INTO execution_log (id, execution_id, step_id, step_index, action_type, status, duration_ns, error, response, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.ExecContext(ctx, query,
		entry.ID,
		entry.ExecutionID,
		entry.StepID,
		entry.StepIndex,
		entry.ActionType,
		entry.Status,
		int64(entry.Duration),
		entry.Error,
		responseJSON,
		entry.At,
	)
	if err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}

	return nil
}

func (r *ExecutionLogRepository) ListByExecution(ctx context.Context, executionID string) ([]*models.ExecutionLogEntry, error) {
	query := `
		SELECT id, execution_id, step_id, step_index, action_type, status, duration_ns, error, response, at
		FROM execution_log
		WHERE execution_id = $1
		ORDER BY at, step_index
	`

	rows, err := r.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query log entries: %w", err)
	}

	defer func() { _ = rows.Close() }()

	entries := make([]*models.ExecutionLogEntry, 0)

	for rows.Next() {
		var (
			entry        models.ExecutionLogEntry
			durationNS   int64
			responseJSON []byte
		)

		err := rows.Scan(
			&entry.ID,
			&entry.ExecutionID,
			&entry.StepID,
			&entry.StepIndex,
			&entry.ActionType,
			&entry.Status,
			&durationNS,
			&entry.Error,
			&responseJSON,
			&entry.At,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}

		if len(responseJSON) > 0 {
			if err := json.Unmarshal(responseJSON, &entry.Response); err != nil {
				return nil, fmt.Errorf("failed to unmarshal response: %w", err)
			}
		}

		entry.Duration = time.Duration(durationNS)
		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating log entries: %w", err)
	}

	return entries, nil
}
