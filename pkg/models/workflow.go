package models

import "time"

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"    // Editable, not enrollable
	WorkflowStatusActive   WorkflowStatus = "active"   // Enrollable
	WorkflowStatusInactive WorkflowStatus = "inactive" // Paused, not enrollable
)

// StepType classifies a workflow step.
type StepType string

const (
	StepTypeAction    StepType = "action"
	StepTypeCondition StepType = "condition"
	StepTypeWait      StepType = "wait"
)

// WorkflowStep is one node of a workflow definition. Action steps dispatch a
// side effect through the external dispatcher, condition steps route through
// the branch router, wait steps suspend the execution until resume_at.
type WorkflowStep struct {
	ID            string         `json:"id"   validate:"required"`
	Name          string         `json:"name" validate:"required"`
	Type          StepType       `json:"type" validate:"required"`
	ActionType    string         `json:"action_type,omitempty"` // action steps
	Configuration map[string]any `json:"configuration,omitempty"`
	Condition     *ConditionNode `json:"condition,omitempty"`     // condition steps
	WaitDuration  time.Duration  `json:"wait_duration,omitempty"` // wait steps
	Next          *string        `json:"next,omitempty"`          // nil completes the execution
}

// Workflow is a versioned automation definition. Published versions are
// immutable; executions pin the version they enrolled against and ignore
// later edits until they reach a terminal state.
type Workflow struct {
	ID        string          `json:"id"        validate:"required"`
	TenantID  string          `json:"tenant_id" validate:"required"`
	Name      string          `json:"name"      validate:"required,min=3"`
	Status    WorkflowStatus  `json:"status"`
	Version   int             `json:"version"`
	Trigger   *Trigger        `json:"trigger,omitempty"`
	Steps     []*WorkflowStep `json:"steps"`
	Goal      *FilterSet      `json:"goal,omitempty"` // satisfied goal completes executions early
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	DeletedAt *time.Time      `json:"deleted_at,omitempty"`
}

// StepByID returns the step with the given id, or nil.
func (w *Workflow) StepByID(id string) *WorkflowStep {
	for _, step := range w.Steps {
		if step.ID == id {
			return step
		}
	}

	return nil
}

// EntryStepID returns the id of the first step, or the empty string for a
// workflow without steps.
func (w *Workflow) EntryStepID() string {
	if len(w.Steps) == 0 {
		return ""
	}

	return w.Steps[0].ID
}

// Validate checks the workflow definition: step ids unique, step pointers
// resolvable, condition nodes valid, filter sets within bounds.
func (w *Workflow) Validate() error {
	ids := make(map[string]struct{}, len(w.Steps))

	for _, step := range w.Steps {
		if _, dup := ids[step.ID]; dup {
			return &ValidationError{Entity: "workflow", ID: w.ID, Message: "duplicate step id " + step.ID}
		}

		ids[step.ID] = struct{}{}
	}

	for _, step := range w.Steps {
		if err := w.validateStep(step, ids); err != nil {
			return err
		}
	}

	if w.Trigger != nil {
		if err := w.Trigger.Validate(); err != nil {
			return err
		}
	}

	if err := w.Goal.Validate(); err != nil {
		return &ValidationError{Entity: "workflow", ID: w.ID, Message: "goal: " + err.Error()}
	}

	return nil
}

func (w *Workflow) validateStep(step *WorkflowStep, ids map[string]struct{}) error {
	if step.Next != nil {
		if _, ok := ids[*step.Next]; !ok {
			return &ValidationError{Entity: "workflow", ID: w.ID, Message: "step " + step.ID + " points to unknown step " + *step.Next}
		}
	}

	switch step.Type {
	case StepTypeAction:
		if step.ActionType == "" {
			return &ValidationError{Entity: "workflow", ID: w.ID, Message: "action step " + step.ID + " is missing an action type"}
		}
	case StepTypeCondition:
		if step.Condition == nil {
			return &ValidationError{Entity: "workflow", ID: w.ID, Message: "condition step " + step.ID + " is missing its condition node"}
		}

		if err := step.Condition.Validate(); err != nil {
			return err
		}

		for _, branch := range step.Condition.Branches {
			if branch.Next == nil {
				continue
			}

			if _, ok := ids[*branch.Next]; !ok {
				return &ValidationError{Entity: "workflow", ID: w.ID, Message: "branch " + branch.ID + " points to unknown step " + *branch.Next}
			}
		}
	case StepTypeWait:
		if step.WaitDuration <= 0 {
			return &ValidationError{Entity: "workflow", ID: w.ID, Message: "wait step " + step.ID + " requires a positive duration"}
		}
	default:
		return &ValidationError{Entity: "workflow", ID: w.ID, Message: "step " + step.ID + " has unknown type " + string(step.Type)}
	}

	return nil
}
