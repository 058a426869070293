package models

// BranchType determines how a condition node selects its outgoing branch.
type BranchType string

const (
	BranchTypeIfElse      BranchType = "if_else"
	BranchTypeMultiBranch BranchType = "multi_branch"
	BranchTypeSplitTest   BranchType = "split_test"
)

// ConditionKind is the closed set of condition strategies. Dispatch over the
// kinds happens through a lookup table built once at startup, not through
// open-ended subclassing.
type ConditionKind string

const (
	ConditionFieldEquals   ConditionKind = "field_equals"
	ConditionHasTag        ConditionKind = "has_tag"
	ConditionPipelineStage ConditionKind = "pipeline_stage"
	ConditionCustomField   ConditionKind = "custom_field"
	ConditionEngagement    ConditionKind = "engagement"
	ConditionTimeBased     ConditionKind = "time_based"
)

var knownConditionKinds = map[ConditionKind]struct{}{
	ConditionFieldEquals:   {},
	ConditionHasTag:        {},
	ConditionPipelineStage: {},
	ConditionCustomField:   {},
	ConditionEngagement:    {},
	ConditionTimeBased:     {},
}

// KnownConditionKind reports whether the kind belongs to the closed set.
func KnownConditionKind(kind ConditionKind) bool {
	_, ok := knownConditionKinds[kind]
	return ok
}

// Branch is one possible outgoing path of a condition node. Order is the
// evaluation priority (ascending). Percentage applies to split tests only.
type Branch struct {
	ID         string     `json:"id"   validate:"required"`
	Name       string     `json:"name" validate:"required"`
	Order      int        `json:"order"`
	Percentage float64    `json:"percentage,omitempty"`
	IsDefault  bool       `json:"is_default,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
	Filters    *FilterSet `json:"filters,omitempty"`
	Next       *string    `json:"next,omitempty"` // next step id, nil ends the path
}

// ConditionNode is a decision point in a workflow.
type ConditionNode struct {
	ID         string         `json:"id"          validate:"required"`
	WorkflowID string         `json:"workflow_id"`
	BranchType BranchType     `json:"branch_type" validate:"required"`
	Kind       ConditionKind  `json:"kind"`
	Config     map[string]any `json:"config,omitempty"`
	Branches   []*Branch      `json:"branches"    validate:"required"`
}

// Bounds on branch counts per branch type.
const (
	MaxMultiBranchConditional = 10
	MinSplitTestBranches      = 2
	MaxSplitTestBranches      = 5
)

// Validate enforces the per-branch-type invariants: if_else has exactly two
// branches with one default; multi_branch has 2-10 conditional branches plus
// exactly one default; split_test has 2-5 branches whose percentages sum to
// 100 within tolerance. Invalid configurations are rejected here and never
// reach routing.
func (c *ConditionNode) Validate() error {
	switch c.BranchType {
	case BranchTypeIfElse:
		return c.validateIfElse()
	case BranchTypeMultiBranch:
		return c.validateMultiBranch()
	case BranchTypeSplitTest:
		return c.validateSplitTest()
	default:
		return &ValidationError{Entity: "condition", ID: c.ID, Message: "unknown branch type " + string(c.BranchType)}
	}
}

func (c *ConditionNode) validateIfElse() error {
	if err := c.validateKindAndFilters(); err != nil {
		return err
	}

	if len(c.Branches) != 2 {
		return &ValidationError{Entity: "condition", ID: c.ID, Message: "if_else requires exactly 2 branches"}
	}

	if c.countDefaults() != 1 {
		return &ValidationError{Entity: "condition", ID: c.ID, Message: "if_else requires exactly one default branch"}
	}

	return nil
}

func (c *ConditionNode) validateMultiBranch() error {
	if err := c.validateKindAndFilters(); err != nil {
		return err
	}

	conditional := 0

	for _, b := range c.Branches {
		if !b.IsDefault {
			conditional++
		}
	}

	if conditional < 2 || conditional > MaxMultiBranchConditional {
		return &ValidationError{Entity: "condition", ID: c.ID, Message: "multi_branch requires 2-10 conditional branches"}
	}

	if c.countDefaults() != 1 {
		return &ValidationError{Entity: "condition", ID: c.ID, Message: "multi_branch requires exactly one default branch"}
	}

	return nil
}

func (c *ConditionNode) validateSplitTest() error {
	if len(c.Branches) < MinSplitTestBranches || len(c.Branches) > MaxSplitTestBranches {
		return &ValidationError{Entity: "condition", ID: c.ID, Message: "split_test requires 2-5 branches"}
	}

	sum := 0.0
	for _, b := range c.Branches {
		if b.Percentage < 0 {
			return &ValidationError{Entity: "condition", ID: c.ID, Message: "split_test percentages must be non-negative"}
		}

		sum += b.Percentage
	}

	if !percentagesSumTo100(sum) {
		return &ValidationError{Entity: "condition", ID: c.ID, Message: "split_test percentages must sum to 100"}
	}

	return nil
}

func (c *ConditionNode) validateKindAndFilters() error {
	if !KnownConditionKind(c.Kind) {
		return &ValidationError{Entity: "condition", ID: c.ID, Message: "unknown condition kind " + string(c.Kind)}
	}

	for _, b := range c.Branches {
		if err := b.Filters.Validate(); err != nil {
			return &ValidationError{Entity: "condition", ID: c.ID, Message: "branch " + b.ID + ": " + err.Error()}
		}
	}

	return nil
}

func (c *ConditionNode) countDefaults() int {
	n := 0

	for _, b := range c.Branches {
		if b.IsDefault {
			n++
		}
	}

	return n
}

// DefaultBranch returns the branch flagged as default, or nil. Validation
// guarantees a default exists for if_else and multi_branch nodes.
func (c *ConditionNode) DefaultBranch() *Branch {
	for _, b := range c.Branches {
		if b.IsDefault {
			return b
		}
	}

	return nil
}

// ErrorBranch returns the explicitly configured error branch, or nil.
func (c *ConditionNode) ErrorBranch() *Branch {
	for _, b := range c.Branches {
		if b.IsError {
			return b
		}
	}

	return nil
}
