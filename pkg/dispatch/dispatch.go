// Package dispatch defines the Action Dispatcher protocol the execution core
// consumes. The dispatcher executes one workflow step's side effect (send an
// email, call a webhook, mutate a CRM record); the core only sees success or
// a classified failure. Dispatchers must be idempotent or tolerate
// at-least-once invocation.
package dispatch

import (
	"context"

	"github.com/tideflow-io/tideflow/pkg/models"
)

// Context carries the execution state an action may need.
type Context struct {
	TenantID    string
	ExecutionID string
	WorkflowID  string
	SubjectID   string
	Subject     map[string]any
	Event       map[string]any
}

// Result is the outcome of one successful dispatch.
type Result struct {
	ResponseData map[string]any
}

// Dispatcher executes one step action. A nil error means the side effect was
// applied; any error must be classifiable via Classify.
type Dispatcher interface {
	Dispatch(ctx context.Context, actionType string, config map[string]any, dctx Context) (*Result, error)
}

// Func adapts a function to the Dispatcher interface.
type Func func(ctx context.Context, actionType string, config map[string]any, dctx Context) (*Result, error)

func (f Func) Dispatch(ctx context.Context, actionType string, config map[string]any, dctx Context) (*Result, error) {
	return f(ctx, actionType, config, dctx)
}

// NewContext builds a dispatch context from an execution and its subject
// record.
func NewContext(execution *models.Execution, subject map[string]any) Context {
	return Context{
		TenantID:    execution.TenantID,
		ExecutionID: execution.ID,
		WorkflowID:  execution.WorkflowID,
		SubjectID:   execution.SubjectID,
		Subject:     subject,
	}
}
