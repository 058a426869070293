package trigger

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tideflow-io/tideflow/pkg/dedup"
	"github.com/tideflow-io/tideflow/pkg/models"
	"github.com/tideflow-io/tideflow/pkg/persistence/memory"
	"github.com/tideflow-io/tideflow/pkg/subject"
)

type matcherFixture struct {
	matcher  *Matcher
	cache    *Cache
	store    *memory.Persistence
	subjects *subject.MemoryStore
	clock    *clockwork.FakeClock
}

func newMatcherFixture(t *testing.T) *matcherFixture {
	t.Helper()

	f := &matcherFixture{
		store:    memory.NewPersistence(),
		subjects: subject.NewMemoryStore(),
		clock:    clockwork.NewFakeClockAt(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)),
	}

	logger := slog.Default()
	f.cache = NewCache(f.store, logger)
	f.matcher = NewMatcher(f.cache, f.store, f.subjects, dedup.NewMemory(dedup.Options{}, f.clock), logger)

	return f
}

func (f *matcherFixture) saveWorkflow(t *testing.T, workflow *models.Workflow) {
	t.Helper()
	require.NoError(t, f.store.WorkflowRepository().Save(context.Background(), workflow))
}

func (f *matcherFixture) saveTrigger(t *testing.T, trigger *models.Trigger) {
	t.Helper()
	require.NoError(t, trigger.Validate())
	require.NoError(t, f.store.TriggerRepository().Save(context.Background(), trigger))
	require.NoError(t, f.cache.Refresh(context.Background()))
}

func activeWorkflow(id, tenantID string) *models.Workflow {
	return &models.Workflow{
		ID:       id,
		TenantID: tenantID,
		Name:     "Lead nurture",
		Status:   models.WorkflowStatusActive,
		Version:  1,
		Steps: []*models.WorkflowStep{
			{ID: "step-1", Name: "Send", Type: models.StepTypeAction, ActionType: "send_email"},
		},
	}
}

func leadTagTrigger(id, workflowID, tenantID string) *models.Trigger {
	return &models.Trigger{
		ID:         id,
		WorkflowID: workflowID,
		TenantID:   tenantID,
		EventType:  models.EventTagAdded,
		Active:     true,
		Filters: &models.FilterSet{
			Mode: models.FilterModeAll,
			Predicates: []models.Predicate{
				{Field: "tags", Operator: models.OperatorContains, Value: "lead"},
			},
		},
	}
}

func tagAddedEvent(tenantID, subjectID string) models.DomainEvent {
	return models.DomainEvent{
		TenantID:   tenantID,
		Type:       models.EventTagAdded,
		SubjectID:  subjectID,
		Payload:    map[string]any{"tag": "lead"},
		OccurredAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
}

func TestMatch_FilterGatesEnrollment(t *testing.T) {
	f := newMatcherFixture(t)
	f.saveWorkflow(t, activeWorkflow("wf-1", "t-1"))
	f.saveTrigger(t, leadTagTrigger("tr-1", "wf-1", "t-1"))

	t.Run("subject with the tag enrolls", func(t *testing.T) {
		f.subjects.Put("t-1", "s-1", map[string]any{"tags": []any{"lead", "newsletter"}})

		requests, err := f.matcher.Match(context.Background(), tagAddedEvent("t-1", "s-1"))
		require.NoError(t, err)
		require.Len(t, requests, 1)
		assert.Equal(t, "wf-1", requests[0].WorkflowID)
		assert.Equal(t, 1, requests[0].WorkflowVersion)
		assert.Equal(t, SourceTrigger, requests[0].Source)
		assert.NotEmpty(t, requests[0].EventID)
	})

	t.Run("subject without the tag does not", func(t *testing.T) {
		f.subjects.Put("t-1", "s-2", map[string]any{"tags": []any{"newsletter"}})

		requests, err := f.matcher.Match(context.Background(), tagAddedEvent("t-1", "s-2"))
		require.NoError(t, err)
		assert.Empty(t, requests)
	})
}

func TestMatch_TenantIsolation(t *testing.T) {
	f := newMatcherFixture(t)
	f.saveWorkflow(t, activeWorkflow("wf-1", "t-1"))
	f.saveTrigger(t, leadTagTrigger("tr-1", "wf-1", "t-1"))
	f.subjects.Put("t-2", "s-1", map[string]any{"tags": []any{"lead"}})

	requests, err := f.matcher.Match(context.Background(), tagAddedEvent("t-2", "s-1"))
	require.NoError(t, err)
	assert.Empty(t, requests, "triggers of one tenant never see another tenant's events")
}

func TestMatch_InactiveTriggerIsSkipped(t *testing.T) {
	f := newMatcherFixture(t)
	f.saveWorkflow(t, activeWorkflow("wf-1", "t-1"))

	trigger := leadTagTrigger("tr-1", "wf-1", "t-1")
	trigger.Active = false
	f.saveTrigger(t, trigger)
	f.subjects.Put("t-1", "s-1", map[string]any{"tags": []any{"lead"}})

	requests, err := f.matcher.Match(context.Background(), tagAddedEvent("t-1", "s-1"))
	require.NoError(t, err)
	assert.Empty(t, requests)
}

func TestMatch_InactiveWorkflowIsSkipped(t *testing.T) {
	f := newMatcherFixture(t)

	workflow := activeWorkflow("wf-1", "t-1")
	f.saveWorkflow(t, workflow)
	f.saveTrigger(t, leadTagTrigger("tr-1", "wf-1", "t-1"))

	workflow.Status = models.WorkflowStatusInactive
	f.saveWorkflow(t, workflow)
	f.subjects.Put("t-1", "s-1", map[string]any{"tags": []any{"lead"}})

	requests, err := f.matcher.Match(context.Background(), tagAddedEvent("t-1", "s-1"))
	require.NoError(t, err)
	assert.Empty(t, requests)
}

func TestMatch_SingleEnrollmentSkipsOpenExecution(t *testing.T) {
	f := newMatcherFixture(t)
	f.saveWorkflow(t, activeWorkflow("wf-1", "t-1"))

	trigger := leadTagTrigger("tr-1", "wf-1", "t-1")
	trigger.Settings.EnrollmentMode = models.EnrollmentModeSingle
	f.saveTrigger(t, trigger)
	f.subjects.Put("t-1", "s-1", map[string]any{"tags": []any{"lead"}})

	require.NoError(t, f.store.ExecutionRepository().Save(context.Background(), &models.Execution{
		ID:         "ex-1",
		WorkflowID: "wf-1",
		TenantID:   "t-1",
		SubjectID:  "s-1",
		Status:     models.ExecutionStatusWaiting,
		EnrolledAt: time.Now(),
	}))

	requests, err := f.matcher.Match(context.Background(), tagAddedEvent("t-1", "s-1"))
	require.NoError(t, err)
	assert.Empty(t, requests, "single enrollment skips subjects with an open execution")
}

func TestMatch_MultipleEnrollmentAllowsConcurrentExecutions(t *testing.T) {
	f := newMatcherFixture(t)
	f.saveWorkflow(t, activeWorkflow("wf-1", "t-1"))
	f.saveTrigger(t, leadTagTrigger("tr-1", "wf-1", "t-1"))
	f.subjects.Put("t-1", "s-1", map[string]any{"tags": []any{"lead"}})

	require.NoError(t, f.store.ExecutionRepository().Save(context.Background(), &models.Execution{
		ID:         "ex-1",
		WorkflowID: "wf-1",
		TenantID:   "t-1",
		SubjectID:  "s-1",
		Status:     models.ExecutionStatusActive,
		EnrolledAt: time.Now(),
	}))

	requests, err := f.matcher.Match(context.Background(), tagAddedEvent("t-1", "s-1"))
	require.NoError(t, err)
	assert.Len(t, requests, 1)
}

func TestMatch_BusinessHoursOnly(t *testing.T) {
	f := newMatcherFixture(t)
	f.saveWorkflow(t, activeWorkflow("wf-1", "t-1"))

	trigger := leadTagTrigger("tr-1", "wf-1", "t-1")
	trigger.Settings.BusinessHoursOnly = true
	f.saveTrigger(t, trigger)

	tests := []struct {
		name       string
		subjectID  string
		occurredAt time.Time
		matches    bool
	}{
		{"weekday morning matches", "s-1", time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), true},
		{"weekday evening is skipped", "s-2", time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC), false},
		{"weekend is skipped", "s-3", time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.subjects.Put("t-1", tt.subjectID, map[string]any{"tags": []any{"lead"}})

			event := tagAddedEvent("t-1", tt.subjectID)
			event.OccurredAt = tt.occurredAt

			requests, err := f.matcher.Match(context.Background(), event)
			require.NoError(t, err)

			if tt.matches {
				assert.Len(t, requests, 1)
			} else {
				assert.Empty(t, requests)
			}
		})
	}
}

func TestMatch_BusinessHoursCustomWindow(t *testing.T) {
	f := newMatcherFixture(t)
	f.saveWorkflow(t, activeWorkflow("wf-1", "t-1"))

	trigger := leadTagTrigger("tr-1", "wf-1", "t-1")
	trigger.Settings.BusinessHoursOnly = true
	trigger.Settings.Timezone = "America/Sao_Paulo"
	trigger.Settings.StartHour = 8
	trigger.Settings.EndHour = 12
	f.saveTrigger(t, trigger)
	f.subjects.Put("t-1", "s-1", map[string]any{"tags": []any{"lead"}})

	// 14:00 UTC is 11:00 in Sao Paulo, inside the 08-12 window.
	event := tagAddedEvent("t-1", "s-1")
	event.OccurredAt = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

	requests, err := f.matcher.Match(context.Background(), event)
	require.NoError(t, err)
	assert.Len(t, requests, 1)
}

func TestMatch_DuplicateEventsCollapse(t *testing.T) {
	f := newMatcherFixture(t)
	f.saveWorkflow(t, activeWorkflow("wf-1", "t-1"))
	f.saveTrigger(t, leadTagTrigger("tr-1", "wf-1", "t-1"))
	f.subjects.Put("t-1", "s-1", map[string]any{"tags": []any{"lead"}})

	event := tagAddedEvent("t-1", "s-1")

	first, err := f.matcher.Match(context.Background(), event)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := f.matcher.Match(context.Background(), event)
	require.NoError(t, err)
	assert.Empty(t, second, "same event within the window yields nothing")

	f.clock.Advance(6 * time.Second)

	third, err := f.matcher.Match(context.Background(), event)
	require.NoError(t, err)
	assert.Len(t, third, 1, "outside the window the event matches again")
}

func TestMatch_UnenrollableSubject(t *testing.T) {
	f := newMatcherFixture(t)
	f.saveWorkflow(t, activeWorkflow("wf-1", "t-1"))
	f.saveTrigger(t, leadTagTrigger("tr-1", "wf-1", "t-1"))

	tests := []struct {
		name   string
		record map[string]any
	}{
		{name: "opted out", record: map[string]any{"tags": []any{"lead"}, "opted_out": true}},
		{name: "blocked", record: map[string]any{"tags": []any{"lead"}, "blocked": true}},
		{name: "soft deleted", record: map[string]any{"tags": []any{"lead"}, "deleted_at": "2026-03-01T00:00:00Z"}},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subjectID := "s-" + string(rune('a'+i))
			f.subjects.Put("t-1", subjectID, tt.record)

			requests, err := f.matcher.Match(context.Background(), tagAddedEvent("t-1", subjectID))
			require.NoError(t, err)
			assert.Empty(t, requests)
		})
	}
}

func TestMatch_AbsentSubject(t *testing.T) {
	f := newMatcherFixture(t)
	f.saveWorkflow(t, activeWorkflow("wf-1", "t-1"))
	f.saveTrigger(t, leadTagTrigger("tr-1", "wf-1", "t-1"))

	requests, err := f.matcher.Match(context.Background(), tagAddedEvent("t-1", "s-ghost"))
	require.NoError(t, err)
	assert.Empty(t, requests)
}

func TestMatch_UnknownEventTypeIsDropped(t *testing.T) {
	f := newMatcherFixture(t)

	requests, err := f.matcher.Match(context.Background(), models.DomainEvent{
		TenantID:  "t-1",
		Type:      models.EventType("webhook_fired"),
		SubjectID: "s-1",
	})
	require.NoError(t, err)
	assert.Empty(t, requests)
}

func TestMatch_InvalidEventIsRejected(t *testing.T) {
	f := newMatcherFixture(t)

	_, err := f.matcher.Match(context.Background(), models.DomainEvent{Type: models.EventTagAdded})
	require.Error(t, err)
}

func TestMatch_EventPayloadIsVisibleToFilters(t *testing.T) {
	f := newMatcherFixture(t)
	f.saveWorkflow(t, activeWorkflow("wf-1", "t-1"))

	trigger := leadTagTrigger("tr-1", "wf-1", "t-1")
	trigger.Filters = &models.FilterSet{
		Mode: models.FilterModeAll,
		Predicates: []models.Predicate{
			{Field: "tag", Operator: models.OperatorEquals, Value: "lead"},
		},
	}
	f.saveTrigger(t, trigger)
	f.subjects.Put("t-1", "s-1", map[string]any{"email": "ana@example.org"})

	requests, err := f.matcher.Match(context.Background(), tagAddedEvent("t-1", "s-1"))
	require.NoError(t, err)
	assert.Len(t, requests, 1)
}
