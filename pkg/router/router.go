// Package router decides which single outgoing branch an execution takes at
// a condition node. Routing never raises past this package: every evaluation
// failure falls back to the error branch when configured, else the default
// branch.
package router

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/tideflow-io/tideflow/pkg/models"
)

// Context is the evaluation context a condition node is routed against.
type Context struct {
	TenantID  string
	SubjectID string
	Subject   map[string]any
	Event     map[string]any
	Now       time.Time
}

// Router routes condition nodes. It holds the closed dispatch table of
// condition-kind evaluators, built once at construction and shared read-only
// afterwards.
type Router struct {
	evaluators map[models.ConditionKind]evaluator
	logger     *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures a Router.
type Option func(*Router)

// WithRandSource fixes the random source used for split test draws, for
// reproducible bucketing in tests.
func WithRandSource(source rand.Source) Option {
	return func(r *Router) {
		r.rng = rand.New(source)
	}
}

// New creates a Router.
func New(logger *slog.Logger, opts ...Option) *Router {
	r := &Router{
		evaluators: builtinEvaluators(),
		logger:     logger.With("module", "branch_router"),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Route selects exactly one branch. The node must have passed validation;
// a structurally invalid node (no default on if_else/multi_branch) is the
// only way Route returns an error.
func (r *Router) Route(node *models.ConditionNode, rc Context) (*models.Branch, error) {
	if node.BranchType == models.BranchTypeSplitTest {
		return r.routeSplitTest(node)
	}

	defaultBranch := node.DefaultBranch()
	if defaultBranch == nil {
		return nil, fmt.Errorf("condition node %s has no default branch", node.ID)
	}

	for _, branch := range orderedBranches(node) {
		if branch.IsDefault || branch.IsError {
			continue
		}

		matched, err := r.evaluateBranch(node, branch, rc)
		if err != nil {
			r.logger.Error("Branch evaluation failed, falling back",
				"condition_id", node.ID,
				"branch_id", branch.ID,
				"kind", node.Kind,
				"subject_id", rc.SubjectID,
				"error", err)

			if errorBranch := node.ErrorBranch(); errorBranch != nil {
				return errorBranch, nil
			}

			return defaultBranch, nil
		}

		if matched {
			return branch, nil
		}
	}

	return defaultBranch, nil
}

// evaluateBranch dispatches to the kind evaluator, converting panics into
// errors so a broken field access can never escape the router.
func (r *Router) evaluateBranch(node *models.ConditionNode, branch *models.Branch, rc Context) (matched bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			matched = false
			err = fmt.Errorf("condition evaluation panic: %v", rec)
		}
	}()

	eval, ok := r.evaluators[node.Kind]
	if !ok {
		return false, fmt.Errorf("no evaluator registered for condition kind %q", node.Kind)
	}

	return eval(node, branch, rc)
}

func (r *Router) routeSplitTest(node *models.ConditionNode) (*models.Branch, error) {
	branches := orderedBranches(node)
	if len(branches) == 0 {
		return nil, fmt.Errorf("split test node %s has no branches", node.ID)
	}

	r.mu.Lock()
	draw := r.rng.Float64() * 100
	r.mu.Unlock()

	cumulative := 0.0

	for _, branch := range branches {
		cumulative += branch.Percentage
		if draw < cumulative {
			return branch, nil
		}
	}

	// Floating point residue: the draw landed past the final boundary.
	return branches[len(branches)-1], nil
}

func orderedBranches(node *models.ConditionNode) []*models.Branch {
	branches := make([]*models.Branch, len(node.Branches))
	copy(branches, node.Branches)
	sort.SliceStable(branches, func(i, j int) bool { return branches[i].Order < branches[j].Order })

	return branches
}
