// Package filter implements the predicate and filter set evaluators. All
// functions are pure: no side effects, no I/O, deterministic for identical
// inputs, and safe to call from any number of goroutines.
package filter

import (
	"strings"

	"github.com/tideflow-io/tideflow/pkg/models"
)

// Evaluate applies a single predicate to a record. A missing field yields a
// typed absent value; every operator defines its absent-value result, so
// evaluation never errors.
func Evaluate(p models.Predicate, record map[string]any) bool {
	value, found := Resolve(record, p.Field)

	switch p.Operator {
	case models.OperatorEquals:
		return found && looseEqual(value, p.Value)
	case models.OperatorNotEquals:
		return !found || !looseEqual(value, p.Value)
	case models.OperatorContains:
		return found && containsFold(value, p.Value)
	case models.OperatorNotContains:
		return !found || !containsFold(value, p.Value)
	case models.OperatorStartsWith:
		return found && strings.HasPrefix(foldString(value), foldString(p.Value))
	case models.OperatorEndsWith:
		return found && strings.HasSuffix(foldString(value), foldString(p.Value))
	case models.OperatorGreaterThan:
		return found && numericCompare(value, p.Value, func(a, b float64) bool { return a > b })
	case models.OperatorLessThan:
		return found && numericCompare(value, p.Value, func(a, b float64) bool { return a < b })
	case models.OperatorIn:
		return found && memberOf(value, p.Value)
	case models.OperatorNotIn:
		return !found || !memberOf(value, p.Value)
	case models.OperatorIsEmpty:
		return !found || isEmpty(value)
	case models.OperatorIsNotEmpty:
		return found && !isEmpty(value)
	default:
		// Unknown operators are rejected at validation time; at evaluation
		// time they simply never match.
		return false
	}
}

// EvaluateSet combines the predicates and nested groups of a filter set.
// ALL short-circuits on the first false result, ANY on the first true one.
// Nested groups are evaluated depth first. A nil or empty filter set matches
// every record.
func EvaluateSet(fs *models.FilterSet, record map[string]any) bool {
	if fs.IsZero() {
		return true
	}

	switch fs.Mode {
	case models.FilterModeAny:
		for _, p := range fs.Predicates {
			if Evaluate(p, record) {
				return true
			}
		}

		for _, group := range fs.Groups {
			if group.IsZero() {
				continue
			}

			if EvaluateSet(group, record) {
				return true
			}
		}

		return false
	default: // FilterModeAll
		for _, p := range fs.Predicates {
			if !Evaluate(p, record) {
				return false
			}
		}

		for _, group := range fs.Groups {
			if !EvaluateSet(group, record) {
				return false
			}
		}

		return true
	}
}
