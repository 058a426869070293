// Package trigger matches inbound domain events against the active triggers
// of their tenant and emits enrollment requests for the execution core.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tideflow-io/tideflow/pkg/dedup"
	"github.com/tideflow-io/tideflow/pkg/filter"
	"github.com/tideflow-io/tideflow/pkg/models"
	"github.com/tideflow-io/tideflow/pkg/persistence"
	"github.com/tideflow-io/tideflow/pkg/subject"
)

// SourceTrigger marks executions enrolled by event matching.
const SourceTrigger = "trigger"

// Matcher turns one domain event into zero or more enrollment requests.
// Matching is tenant scoped: an event only ever sees the triggers of its own
// tenant.
type Matcher struct {
	cache       *Cache
	persistence persistence.Persistence
	subjects    subject.Store
	dedup       dedup.Deduplicator
	validate    *validator.Validate
	logger      *slog.Logger
}

// NewMatcher creates a Matcher reading triggers from the cache.
func NewMatcher(cache *Cache, p persistence.Persistence, subjects subject.Store, deduplicator dedup.Deduplicator, logger *slog.Logger) *Matcher {
	return &Matcher{
		cache:       cache,
		persistence: p,
		subjects:    subjects,
		dedup:       deduplicator,
		validate:    validator.New(),
		logger:      logger.With("module", "trigger_matcher"),
	}
}

// Match evaluates the event against the tenant's active triggers. Duplicate
// events inside the dedup window, unknown event types and non-enrollable
// subjects all yield an empty result, not an error.
func (m *Matcher) Match(ctx context.Context, event models.DomainEvent) ([]models.EnrollmentRequest, error) {
	if err := m.validate.Struct(event); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}

	if !models.KnownEventType(event.Type) {
		m.logger.WarnContext(ctx, "Dropping event of unknown type",
			"tenant_id", event.TenantID, "event_type", event.Type)

		return nil, nil
	}

	seen, err := m.dedup.Seen(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("dedup check: %w", err)
	}

	if seen {
		m.logger.DebugContext(ctx, "Duplicate event collapsed",
			"tenant_id", event.TenantID,
			"event_type", event.Type,
			"subject_id", event.SubjectID)

		return nil, nil
	}

	triggers := m.cache.Lookup(event.TenantID, event.Type)
	if len(triggers) == 0 {
		return nil, nil
	}

	record, err := m.subjects.Get(ctx, event.TenantID, event.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("load subject %s: %w", event.SubjectID, err)
	}

	if !models.SubjectEnrollable(record) {
		m.logger.DebugContext(ctx, "Subject not enrollable",
			"tenant_id", event.TenantID, "subject_id", event.SubjectID)

		return nil, nil
	}

	evalRecord := mergeEventRecord(record, event.Payload)

	var requests []models.EnrollmentRequest

	for _, trigger := range triggers {
		request, matched := m.matchTrigger(ctx, trigger, event, evalRecord)
		if matched {
			requests = append(requests, request)
		}
	}

	return requests, nil
}

func (m *Matcher) matchTrigger(ctx context.Context, trigger *models.Trigger, event models.DomainEvent, record map[string]any) (models.EnrollmentRequest, bool) {
	if !filter.EvaluateSet(trigger.Filters, record) {
		return models.EnrollmentRequest{}, false
	}

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	if !trigger.Settings.InBusinessHours(occurredAt) {
		m.logger.DebugContext(ctx, "Enrollment skipped outside business hours",
			"trigger_id", trigger.ID,
			"subject_id", event.SubjectID,
			"occurred_at", occurredAt)

		return models.EnrollmentRequest{}, false
	}

	workflow, err := m.persistence.WorkflowRepository().GetByID(ctx, trigger.WorkflowID)
	if err != nil {
		m.logger.WarnContext(ctx, "Trigger points to unavailable workflow",
			"trigger_id", trigger.ID, "workflow_id", trigger.WorkflowID, "error", err)

		return models.EnrollmentRequest{}, false
	}

	if workflow.Status != models.WorkflowStatusActive || workflow.DeletedAt != nil {
		return models.EnrollmentRequest{}, false
	}

	if trigger.Settings.EnrollmentMode == models.EnrollmentModeSingle {
		open, err := m.persistence.ExecutionRepository().HasOpen(ctx, trigger.TenantID, trigger.WorkflowID, event.SubjectID)
		if err != nil {
			m.logger.ErrorContext(ctx, "Open execution check failed",
				"trigger_id", trigger.ID, "subject_id", event.SubjectID, "error", err)

			return models.EnrollmentRequest{}, false
		}

		if open {
			m.logger.InfoContext(ctx, "Enrollment skipped, subject already enrolled",
				"trigger_id", trigger.ID,
				"workflow_id", trigger.WorkflowID,
				"subject_id", event.SubjectID)

			return models.EnrollmentRequest{}, false
		}
	}

	return models.EnrollmentRequest{
		WorkflowID:      workflow.ID,
		WorkflowVersion: workflow.Version,
		TenantID:        trigger.TenantID,
		SubjectID:       event.SubjectID,
		Source:          SourceTrigger,
		EventID:         dedup.Key(event, false),
	}, true
}

// mergeEventRecord lays the event payload over the subject record so trigger
// filters can address both. Payload fields win on collision.
func mergeEventRecord(record, payload map[string]any) map[string]any {
	merged := make(map[string]any, len(record)+len(payload))

	for k, v := range record {
		merged[k] = v
	}

	for k, v := range payload {
		merged[k] = v
	}

	return merged
}
