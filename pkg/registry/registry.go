// Package registry holds the closed sets of condition kinds and action types
// plus the JSON schema each one's configuration must satisfy. The registry is
// built once at startup and consulted on every workflow save; invalid
// configurations never reach routing or dispatch.
package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/xeipuuv/gojsonschema"

	"github.com/tideflow-io/tideflow/pkg/models"
)

// Registry validates condition and action configurations against their
// registered schemas. It is read-only after construction.
type Registry struct {
	logger     *slog.Logger
	conditions map[models.ConditionKind]*gojsonschema.Schema
	actions    map[string]*gojsonschema.Schema
}

// NewRegistry creates a registry preloaded with the built-in condition kinds
// and action types.
func NewRegistry(logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		logger:     logger.With("module", "registry"),
		conditions: make(map[models.ConditionKind]*gojsonschema.Schema),
		actions:    make(map[string]*gojsonschema.Schema),
	}

	for kind, schema := range builtinConditionSchemas {
		if err := r.registerCondition(kind, schema); err != nil {
			return nil, err
		}
	}

	for actionType, schema := range builtinActionSchemas {
		if err := r.RegisterAction(actionType, schema); err != nil {
			return nil, err
		}
	}

	return r, nil
}

func (r *Registry) registerCondition(kind models.ConditionKind, schemaJSON string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("condition schema %s: %w", kind, err)
	}

	r.conditions[kind] = schema

	return nil
}

// RegisterAction adds an action type with its configuration schema.
func (r *Registry) RegisterAction(actionType, schemaJSON string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("action schema %s: %w", actionType, err)
	}

	r.actions[actionType] = schema

	return nil
}

// KnownAction reports whether the action type is registered.
func (r *Registry) KnownAction(actionType string) bool {
	_, ok := r.actions[actionType]
	return ok
}

// ValidateCondition checks a condition node's config against its kind schema.
func (r *Registry) ValidateCondition(kind models.ConditionKind, config map[string]any) error {
	schema, ok := r.conditions[kind]
	if !ok {
		return fmt.Errorf("unknown condition kind %q", kind)
	}

	return validate(schema, config, "condition "+string(kind))
}

// ValidateAction checks an action step's configuration against its schema.
func (r *Registry) ValidateAction(actionType string, config map[string]any) error {
	schema, ok := r.actions[actionType]
	if !ok {
		return fmt.Errorf("unknown action type %q", actionType)
	}

	return validate(schema, config, "action "+actionType)
}

// ValidateWorkflow runs every step configuration of the workflow through the
// registry, on top of the structural checks the model performs itself.
func (r *Registry) ValidateWorkflow(workflow *models.Workflow) error {
	for _, step := range workflow.Steps {
		switch step.Type {
		case models.StepTypeAction:
			if err := r.ValidateAction(step.ActionType, step.Configuration); err != nil {
				return fmt.Errorf("step %s: %w", step.ID, err)
			}
		case models.StepTypeCondition:
			if step.Condition.BranchType == models.BranchTypeSplitTest {
				continue
			}

			if err := r.ValidateCondition(step.Condition.Kind, step.Condition.Config); err != nil {
				return fmt.Errorf("step %s: %w", step.ID, err)
			}
		case models.StepTypeWait:
		}
	}

	return nil
}

func validate(schema *gojsonschema.Schema, config map[string]any, subject string) error {
	if config == nil {
		config = map[string]any{}
	}

	raw, err := json.Marshal(config)
	if err != nil {
		return err
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("%s config: %w", subject, err)
	}

	if !result.Valid() {
		return fmt.Errorf("%s config: %s", subject, result.Errors()[0].String())
	}

	return nil
}
