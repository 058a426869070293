// Package web exposes the REST API of the execution core: event intake,
// workflow and trigger management, execution control and bulk enrollment.
package web

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/tideflow-io/tideflow/pkg/bulk"
	"github.com/tideflow-io/tideflow/pkg/engine"
	"github.com/tideflow-io/tideflow/pkg/models"
	"github.com/tideflow-io/tideflow/pkg/persistence"
	"github.com/tideflow-io/tideflow/pkg/router"
)

type APIHandlers struct {
	engine      *engine.Engine
	persistence persistence.Persistence
	validator   *validator.Validate
}

func NewAPIHandlers(eng *engine.Engine, p persistence.Persistence) *APIHandlers {
	return &APIHandlers{
		engine:      eng,
		persistence: p,
		validator:   validator.New(),
	}
}

// RegisterRoutes mounts the API on the app.
func (h *APIHandlers) RegisterRoutes(app *fiber.App) {
	app.Get("/health", h.HealthCheck)

	v1 := app.Group("/v1")

	v1.Post("/events", h.SubmitEvent)

	v1.Post("/workflows", h.CreateWorkflow)
	v1.Get("/workflows/:id", h.GetWorkflow)
	v1.Put("/workflows/:id", h.UpdateWorkflow)
	v1.Delete("/workflows/:id", h.DeleteWorkflow)
	v1.Put("/workflows/:id/trigger", h.SaveTrigger)
	v1.Post("/workflows/:id/steps/:stepId/route", h.RouteCondition)

	v1.Get("/executions/:id", h.GetExecution)
	v1.Get("/executions/:id/log", h.GetExecutionLog)
	v1.Post("/executions/:id/cancel", h.CancelExecution)
	v1.Post("/executions/:id/pause", h.PauseExecution)
	v1.Post("/executions/:id/resume", h.ResumeExecution)

	v1.Post("/bulk-enrollments", h.SubmitBulkEnrollment)
	v1.Get("/bulk-enrollments/:id", h.BulkEnrollmentProgress)
	v1.Post("/bulk-enrollments/:id/cancel", h.CancelBulkEnrollment)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.persistence.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		httpStatus = http.StatusInternalServerError
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}

// SubmitEvent ingests one domain event. The response lists the executions
// the event enrolled; duplicates and non-matching events yield an empty
// list, not an error.
func (h *APIHandlers) SubmitEvent(c fiber.Ctx) error {
	var event models.DomainEvent
	if err := c.Bind().JSON(&event); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(event); err != nil {
		return badRequest(c, err.Error())
	}

	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	executions, err := h.engine.SubmitEvent(c.Context(), event)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"enrolled":   len(executions),
		"executions": executions,
	})
}

func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	var req SaveWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	now := time.Now().UTC()
	workflow := &models.Workflow{
		ID:        uuid.NewString(),
		TenantID:  req.TenantID,
		Name:      req.Name,
		Status:    req.Status,
		Version:   1,
		Steps:     req.Steps,
		Goal:      req.Goal,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if workflow.Status == "" {
		workflow.Status = models.WorkflowStatusDraft
	}

	if err := h.engine.SaveWorkflow(c.Context(), workflow); err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(workflow)
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	workflow, err := h.engine.GetWorkflow(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(workflow)
}

// UpdateWorkflow applies the payload and bumps the version. Activating a
// workflow snapshots the new version; running executions stay pinned to the
// version they enrolled with.
func (h *APIHandlers) UpdateWorkflow(c fiber.Ctx) error {
	var req SaveWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	existing, err := h.engine.GetWorkflow(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	existing.Name = req.Name
	existing.Steps = req.Steps
	existing.Goal = req.Goal
	existing.Version++
	existing.UpdatedAt = time.Now().UTC()

	if req.Status != "" {
		existing.Status = req.Status
	}

	if err := h.engine.SaveWorkflow(c.Context(), existing); err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(existing)
}

func (h *APIHandlers) DeleteWorkflow(c fiber.Ctx) error {
	if err := h.engine.DeleteWorkflow(c.Context(), c.Params("id")); err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) SaveTrigger(c fiber.Ctx) error {
	var req SaveTriggerRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	workflowID := c.Params("id")

	trigger := &models.Trigger{
		WorkflowID: workflowID,
		TenantID:   req.TenantID,
		EventType:  req.EventType,
		Filters:    req.Filters,
		Settings:   req.Settings,
		Active:     req.Active,
		UpdatedAt:  time.Now().UTC(),
	}

	if existing, err := h.persistence.TriggerRepository().GetByWorkflow(c.Context(), workflowID); err == nil {
		trigger.ID = existing.ID
		trigger.CreatedAt = existing.CreatedAt
	} else {
		trigger.ID = uuid.NewString()
		trigger.CreatedAt = trigger.UpdatedAt
	}

	if err := h.engine.SaveTrigger(c.Context(), trigger); err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(trigger)
}

// RouteCondition dry-runs the branch router for one condition step. Nothing
// is persisted; the response names the branch the given context would take.
func (h *APIHandlers) RouteCondition(c fiber.Ctx) error {
	var req RouteConditionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	branch, err := h.engine.RouteCondition(c.Context(), c.Params("id"), c.Params("stepId"), router.Context{
		TenantID:  req.TenantID,
		SubjectID: req.SubjectID,
		Subject:   req.Subject,
		Event:     req.Event,
		Now:       time.Now().UTC(),
	})
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(branch)
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	execution, err := h.engine.GetExecution(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) GetExecutionLog(c fiber.Ctx) error {
	entries, err := h.engine.ExecutionLog(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(fiber.Map{"entries": entries})
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	var req CancelExecutionRequest

	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	if err := h.engine.CancelExecution(c.Context(), c.Params("id"), req.Reason); err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) PauseExecution(c fiber.Ctx) error {
	if err := h.engine.PauseExecution(c.Context(), c.Params("id")); err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) ResumeExecution(c fiber.Ctx) error {
	if err := h.engine.ResumeExecution(c.Context(), c.Params("id")); err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) SubmitBulkEnrollment(c fiber.Ctx) error {
	var req BulkEnrollmentRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	job, err := h.engine.SubmitBulkEnrollment(c.Context(), bulk.SubmitRequest{
		TenantID:   req.TenantID,
		WorkflowID: req.WorkflowID,
		Selection:  req.Selection,
		BatchSize:  req.BatchSize,
	})
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(job)
}

func (h *APIHandlers) BulkEnrollmentProgress(c fiber.Ctx) error {
	progress, err := h.engine.BulkEnrollmentProgress(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(progress)
}

func (h *APIHandlers) CancelBulkEnrollment(c fiber.Ctx) error {
	if err := h.engine.CancelBulkEnrollment(c.Context(), c.Params("id")); err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}
