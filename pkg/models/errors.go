package models

import "fmt"

// ValidationError reports a configuration-time rejection. Validation errors
// are surfaced synchronously when an entity is created or updated and never
// appear as runtime failures.
type ValidationError struct {
	Entity  string
	ID      string
	Message string
}

func (e *ValidationError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("invalid %s %s: %s", e.Entity, e.ID, e.Message)
	}

	return fmt.Sprintf("invalid %s: %s", e.Entity, e.Message)
}
