package router

import (
	"fmt"
	"strings"
	"time"

	"github.com/tideflow-io/tideflow/pkg/filter"
	"github.com/tideflow-io/tideflow/pkg/models"
)

// evaluator decides whether one conditional branch matches the routing
// context. Evaluators are pure: same node, branch and context always yield
// the same answer.
type evaluator func(node *models.ConditionNode, branch *models.Branch, rc Context) (bool, error)

// builtinEvaluators is the dispatch table over the closed set of condition
// kinds. Adding a kind means adding a row here plus its config schema in the
// registry package.
func builtinEvaluators() map[models.ConditionKind]evaluator {
	return map[models.ConditionKind]evaluator{
		models.ConditionFieldEquals:   evalAgainstMerged,
		models.ConditionCustomField:   evalAgainstMerged,
		models.ConditionHasTag:        evalAgainstSubject,
		models.ConditionPipelineStage: evalAgainstSubject,
		models.ConditionEngagement:    evalEngagement,
		models.ConditionTimeBased:     evalTimeBased,
	}
}

// evalAgainstMerged matches branch filters against the subject record merged
// with the triggering event payload. Event fields win on collision so the
// freshest data routes.
func evalAgainstMerged(_ *models.ConditionNode, branch *models.Branch, rc Context) (bool, error) {
	return filter.EvaluateSet(branch.Filters, mergedRecord(rc)), nil
}

func evalAgainstSubject(_ *models.ConditionNode, branch *models.Branch, rc Context) (bool, error) {
	return filter.EvaluateSet(branch.Filters, rc.Subject), nil
}

// evalEngagement matches against the subject's engagement counters, exposed
// under the "engagement" key next to the plain subject fields.
func evalEngagement(_ *models.ConditionNode, branch *models.Branch, rc Context) (bool, error) {
	record := mergedRecord(rc)

	if _, ok := record["engagement"]; !ok {
		record["engagement"] = map[string]any{}
	}

	return filter.EvaluateSet(branch.Filters, record), nil
}

// evalTimeBased gates the branch on the node's configured time window (days
// of week and an hour range, in the configured timezone), then applies the
// branch filters as usual.
func evalTimeBased(node *models.ConditionNode, branch *models.Branch, rc Context) (bool, error) {
	now := rc.Now
	if now.IsZero() {
		now = time.Now()
	}

	inWindow, err := inTimeWindow(node.Config, now)
	if err != nil {
		return false, err
	}

	if !inWindow {
		return false, nil
	}

	return filter.EvaluateSet(branch.Filters, mergedRecord(rc)), nil
}

func inTimeWindow(config map[string]any, now time.Time) (bool, error) {
	if tz, ok := config["timezone"].(string); ok && tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return false, fmt.Errorf("invalid timezone %q: %w", tz, err)
		}

		now = now.In(loc)
	}

	if days, ok := config["days"].([]any); ok && len(days) > 0 {
		if !dayAllowed(days, now.Weekday()) {
			return false, nil
		}
	}

	startHour := intConfig(config, "start_hour", 0)
	endHour := intConfig(config, "end_hour", 24)

	hour := now.Hour()

	return hour >= startHour && hour < endHour, nil
}

func dayAllowed(days []any, weekday time.Weekday) bool {
	name := strings.ToLower(weekday.String())

	for _, d := range days {
		if s, ok := d.(string); ok && strings.ToLower(s) == name {
			return true
		}
	}

	return false
}

func intConfig(config map[string]any, key string, fallback int) int {
	switch v := config[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func mergedRecord(rc Context) map[string]any {
	record := make(map[string]any, len(rc.Subject)+len(rc.Event))

	for k, v := range rc.Subject {
		record[k] = v
	}

	for k, v := range rc.Event {
		record[k] = v
	}

	return record
}
