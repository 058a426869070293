// Package models defines the core domain models for the workflow automation
// execution core: triggers, filters, conditions, executions and bulk
// enrollment jobs.
package models

import (
	"fmt"
	"math"
)

// Operator is a typed comparison applied by a predicate.
type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorNotEquals   Operator = "not_equals"
	OperatorContains    Operator = "contains"
	OperatorNotContains Operator = "not_contains"
	OperatorStartsWith  Operator = "starts_with"
	OperatorEndsWith    Operator = "ends_with"
	OperatorGreaterThan Operator = "greater_than"
	OperatorLessThan    Operator = "less_than"
	OperatorIn          Operator = "in"
	OperatorNotIn       Operator = "not_in"
	OperatorIsEmpty     Operator = "is_empty"
	OperatorIsNotEmpty  Operator = "is_not_empty"
)

var knownOperators = map[Operator]struct{}{
	OperatorEquals:      {},
	OperatorNotEquals:   {},
	OperatorContains:    {},
	OperatorNotContains: {},
	OperatorStartsWith:  {},
	OperatorEndsWith:    {},
	OperatorGreaterThan: {},
	OperatorLessThan:    {},
	OperatorIn:          {},
	OperatorNotIn:       {},
	OperatorIsEmpty:     {},
	OperatorIsNotEmpty:  {},
}

// FilterMode combines the predicates of one filter set.
type FilterMode string

const (
	FilterModeAll FilterMode = "all" // every predicate must hold
	FilterModeAny FilterMode = "any" // at least one predicate must hold
)

// Structural bounds for filter sets. Exceeding them is a configuration
// error, rejected before a filter set is ever evaluated.
const (
	MaxFilterDepth      = 3
	MaxFilterPredicates = 20
)

// Predicate is a single typed comparison against a record field. Field
// supports dot-path addressing into nested structures ("contact.address.city").
type Predicate struct {
	Field    string   `json:"field"    validate:"required"`
	Operator Operator `json:"operator" validate:"required"`
	Value    any      `json:"value,omitempty"`
}

// FilterSet is an immutable combination of predicates and nested groups.
// It is replaced wholesale on update, never mutated in place.
type FilterSet struct {
	Mode       FilterMode   `json:"mode"`
	Predicates []Predicate  `json:"predicates,omitempty"`
	Groups     []*FilterSet `json:"groups,omitempty"`
}

// Validate checks the structural bounds of the filter set: nesting depth of
// at most MaxFilterDepth, at most MaxFilterPredicates predicates in total,
// and known operators and modes throughout.
func (fs *FilterSet) Validate() error {
	if fs == nil {
		return nil
	}

	total, err := fs.validate(1)
	if err != nil {
		return err
	}

	if total > MaxFilterPredicates {
		return fmt.Errorf("filter set has %d predicates, maximum is %d", total, MaxFilterPredicates)
	}

	return nil
}

func (fs *FilterSet) validate(depth int) (int, error) {
	if depth > MaxFilterDepth {
		return 0, fmt.Errorf("filter set nesting depth exceeds maximum of %d", MaxFilterDepth)
	}

	if fs.Mode != FilterModeAll && fs.Mode != FilterModeAny {
		return 0, fmt.Errorf("unknown filter mode %q", fs.Mode)
	}

	total := 0

	for i, p := range fs.Predicates {
		if p.Field == "" {
			return 0, fmt.Errorf("predicate %d has an empty field", i)
		}

		if _, ok := knownOperators[p.Operator]; !ok {
			return 0, fmt.Errorf("predicate %d has unknown operator %q", i, p.Operator)
		}

		total++
	}

	for _, group := range fs.Groups {
		n, err := group.validate(depth + 1)
		if err != nil {
			return 0, err
		}

		total += n
	}

	return total, nil
}

// IsZero reports whether the filter set carries no predicates at all. A zero
// filter set matches every record.
func (fs *FilterSet) IsZero() bool {
	if fs == nil {
		return true
	}

	if len(fs.Predicates) > 0 {
		return false
	}

	for _, group := range fs.Groups {
		if !group.IsZero() {
			return false
		}
	}

	return true
}

// PercentageTolerance is the floating point tolerance applied when checking
// that split test percentages sum to exactly 100.
const PercentageTolerance = 0.01

func percentagesSumTo100(sum float64) bool {
	return math.Abs(sum-100) <= PercentageTolerance
}
