package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tideflow-io/tideflow/pkg/models"
)

func record() map[string]any {
	return map[string]any{
		"email": "ana@gmail.com",
		"name":  "Ana",
		"age":   34,
		"score": "18.5",
		"tags":  []any{"lead", "prospect"},
		"address": map[string]any{
			"city":    "Lisbon",
			"country": "PT",
		},
		"notes": "",
	}
}

func TestEvaluate_Operators(t *testing.T) {
	tests := []struct {
		name      string
		predicate models.Predicate
		want      bool
	}{
		{"equals string", models.Predicate{Field: "name", Operator: models.OperatorEquals, Value: "Ana"}, true},
		{"equals mismatched", models.Predicate{Field: "name", Operator: models.OperatorEquals, Value: "Bob"}, false},
		{"equals numeric coercion", models.Predicate{Field: "age", Operator: models.OperatorEquals, Value: "34"}, true},
		{"not equals", models.Predicate{Field: "name", Operator: models.OperatorNotEquals, Value: "Bob"}, true},
		{"contains substring case-insensitive", models.Predicate{Field: "email", Operator: models.OperatorContains, Value: "@GMAIL"}, true},
		{"contains list element", models.Predicate{Field: "tags", Operator: models.OperatorContains, Value: "lead"}, true},
		{"not contains list element", models.Predicate{Field: "tags", Operator: models.OperatorNotContains, Value: "customer"}, true},
		{"starts with", models.Predicate{Field: "email", Operator: models.OperatorStartsWith, Value: "ana@"}, true},
		{"ends with", models.Predicate{Field: "email", Operator: models.OperatorEndsWith, Value: ".com"}, true},
		{"greater than", models.Predicate{Field: "age", Operator: models.OperatorGreaterThan, Value: 30}, true},
		{"greater than string number", models.Predicate{Field: "score", Operator: models.OperatorGreaterThan, Value: 18}, true},
		{"greater than non-numeric is false", models.Predicate{Field: "name", Operator: models.OperatorGreaterThan, Value: 1}, false},
		{"less than", models.Predicate{Field: "age", Operator: models.OperatorLessThan, Value: 30}, false},
		{"in", models.Predicate{Field: "name", Operator: models.OperatorIn, Value: []any{"Ana", "Bob"}}, true},
		{"not in", models.Predicate{Field: "name", Operator: models.OperatorNotIn, Value: []any{"Bob"}}, true},
		{"is empty on blank string", models.Predicate{Field: "notes", Operator: models.OperatorIsEmpty}, true},
		{"is not empty", models.Predicate{Field: "tags", Operator: models.OperatorIsNotEmpty}, true},
		{"dot path equals", models.Predicate{Field: "address.city", Operator: models.OperatorEquals, Value: "Lisbon"}, true},
		{"dot path through scalar", models.Predicate{Field: "name.first", Operator: models.OperatorEquals, Value: "Ana"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.predicate, record()))
		})
	}
}

func TestEvaluate_AbsentField(t *testing.T) {
	tests := []struct {
		name     string
		operator models.Operator
		want     bool
	}{
		{"equals absent is false", models.OperatorEquals, false},
		{"not equals absent is true", models.OperatorNotEquals, true},
		{"contains absent is false", models.OperatorContains, false},
		{"not contains absent is true", models.OperatorNotContains, true},
		{"greater than absent is false", models.OperatorGreaterThan, false},
		{"less than absent is false", models.OperatorLessThan, false},
		{"in absent is false", models.OperatorIn, false},
		{"not in absent is true", models.OperatorNotIn, true},
		{"is empty absent is true", models.OperatorIsEmpty, true},
		{"is not empty absent is false", models.OperatorIsNotEmpty, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := models.Predicate{Field: "missing", Operator: tt.operator, Value: []any{"x"}}
			assert.Equal(t, tt.want, Evaluate(p, record()))
		})
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	p := models.Predicate{Field: "tags", Operator: models.OperatorContains, Value: "lead"}
	rec := record()

	first := Evaluate(p, rec)
	second := Evaluate(p, rec)

	assert.Equal(t, first, second)
	assert.True(t, first)
}

func TestEvaluateSet_Modes(t *testing.T) {
	allSet := &models.FilterSet{
		Mode: models.FilterModeAll,
		Predicates: []models.Predicate{
			{Field: "name", Operator: models.OperatorEquals, Value: "Ana"},
			{Field: "age", Operator: models.OperatorGreaterThan, Value: 18},
		},
	}
	assert.True(t, EvaluateSet(allSet, record()))

	allSet.Predicates[1].Value = 40
	assert.False(t, EvaluateSet(allSet, record()))

	anySet := &models.FilterSet{
		Mode: models.FilterModeAny,
		Predicates: []models.Predicate{
			{Field: "name", Operator: models.OperatorEquals, Value: "Bob"},
			{Field: "tags", Operator: models.OperatorContains, Value: "lead"},
		},
	}
	assert.True(t, EvaluateSet(anySet, record()))
}

func TestEvaluateSet_NestedGroups(t *testing.T) {
	fs := &models.FilterSet{
		Mode: models.FilterModeAll,
		Predicates: []models.Predicate{
			{Field: "address.country", Operator: models.OperatorEquals, Value: "PT"},
		},
		Groups: []*models.FilterSet{
			{
				Mode: models.FilterModeAny,
				Predicates: []models.Predicate{
					{Field: "tags", Operator: models.OperatorContains, Value: "customer"},
					{Field: "tags", Operator: models.OperatorContains, Value: "lead"},
				},
			},
		},
	}

	assert.True(t, EvaluateSet(fs, record()))
}

func TestEvaluateSet_NilMatchesEverything(t *testing.T) {
	assert.True(t, EvaluateSet(nil, record()))
	assert.True(t, EvaluateSet(&models.FilterSet{Mode: models.FilterModeAll}, nil))
}

func TestFilterSetValidate_Bounds(t *testing.T) {
	many := func(n int) []models.Predicate {
		ps := make([]models.Predicate, n)
		for i := range ps {
			ps[i] = models.Predicate{Field: "name", Operator: models.OperatorEquals, Value: "x"}
		}

		return ps
	}

	atLimit := &models.FilterSet{Mode: models.FilterModeAll, Predicates: many(models.MaxFilterPredicates)}
	require.NoError(t, atLimit.Validate())

	overLimit := &models.FilterSet{Mode: models.FilterModeAll, Predicates: many(models.MaxFilterPredicates + 1)}
	require.Error(t, overLimit.Validate())

	depth3 := &models.FilterSet{
		Mode: models.FilterModeAll,
		Groups: []*models.FilterSet{{
			Mode: models.FilterModeAny,
			Groups: []*models.FilterSet{{
				Mode:       models.FilterModeAll,
				Predicates: many(1),
			}},
		}},
	}
	require.NoError(t, depth3.Validate())

	depth4 := &models.FilterSet{
		Mode: models.FilterModeAll,
		Groups: []*models.FilterSet{{
			Mode: models.FilterModeAll,
			Groups: []*models.FilterSet{{
				Mode: models.FilterModeAll,
				Groups: []*models.FilterSet{{
					Mode:       models.FilterModeAll,
					Predicates: many(1),
				}},
			}},
		}},
	}
	require.Error(t, depth4.Validate())
}

func TestFilterSetValidate_UnknownOperator(t *testing.T) {
	fs := &models.FilterSet{
		Mode:       models.FilterModeAll,
		Predicates: []models.Predicate{{Field: "name", Operator: "matches_regex"}},
	}

	assert.Error(t, fs.Validate())
}
