// internal/lifecycle/detector.go
package lifecycle

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/landd/internal/config"
	"github.com/fyrsmithlabs/landd/internal/gateway"
	"github.com/fyrsmithlabs/landd/internal/logging"
)

// Detector infers the worker's lifecycle state and pre-flight issues by
// reading the gateway. It never mutates anything.
type Detector struct {
	local    gateway.Local
	provider gateway.Provider
	labels   config.LabelConfig
	agent    config.AgentConfig
	base     string
	logger   *logging.Logger
}

// NewDetector creates a detector.
func NewDetector(local gateway.Local, provider gateway.Provider, cfg *config.Config, logger *logging.Logger) (*Detector, error) {
	if local == nil {
		return nil, fmt.Errorf("local gateway is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("provider gateway is required")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Detector{
		local:    local,
		provider: provider,
		labels:   cfg.Labels,
		agent:    cfg.Agent,
		base:     cfg.Repo.BaseBranch,
		logger:   logger,
	}, nil
}

// Detect derives the current lifecycle state for agentID.
//
// The current local branch is the anchor: a branch outside the worker's
// naming convention means Idle. Otherwise the work item's labels and the
// commit count ahead of base classify the state. A label combination that
// matches no state is not coerced; Detect conservatively reports Idle and
// PreFlight surfaces the mismatch.
func (d *Detector) Detect(ctx context.Context, agentID string) (State, error) {
	branch, err := d.local.CurrentBranch(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read current branch: %w", err)
	}
	item, ok := ParseBranch(d.agent, agentID, branch)
	if !ok {
		return Idle{}, nil
	}

	work, err := d.provider.GetWorkItem(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("failed to read work item #%d: %w", item, err)
	}
	ab, err := d.local.CommitsAheadBehind(ctx, branch, d.base)
	if err != nil {
		return nil, fmt.Errorf("failed to count commits on %s: %w", branch, err)
	}

	hasAssigned := work.HasLabel(d.labels.Assigned)
	hasReview := work.HasLabel(d.labels.Review)

	switch {
	case hasAssigned && !hasReview && ab.Ahead == 0:
		return Assigned{WorkItem: item, Branch: branch}, nil
	case hasAssigned && !hasReview:
		return Working{WorkItem: item, Branch: branch, CommitsAhead: ab.Ahead}, nil
	case hasReview && !hasAssigned:
		return Landed{WorkItem: item}, nil
	default:
		d.logger.Warn(ctx, "label combination matches no lifecycle state, reporting idle",
			zap.Int("work_item", item),
			zap.Strings("labels", work.Labels),
		)
		return Idle{}, nil
	}
}

// PreFlight detects inconsistencies that must be resolved before the next
// transition. Pure reads; the planner's recovery path consumes the result.
func (d *Detector) PreFlight(ctx context.Context, agentID string) ([]PreFlightIssue, error) {
	var issues []PreFlightIssue

	branch, err := d.local.CurrentBranch(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read current branch: %w", err)
	}
	if item, ok := ParseBranch(d.agent, agentID, branch); ok {
		work, err := d.provider.GetWorkItem(ctx, item)
		if err != nil {
			return nil, fmt.Errorf("failed to read work item #%d: %w", item, err)
		}
		if mismatch := d.labelMismatch(work); mismatch != nil {
			issues = append(issues, *mismatch)
		}

		ab, err := d.local.CommitsAheadBehind(ctx, branch, d.base)
		if err != nil {
			return nil, fmt.Errorf("failed to count commits on %s: %w", branch, err)
		}
		if ab.Ahead == 0 {
			issues = append(issues, NoCommits{})
		}
		if ab.Behind > 0 {
			issues = append(issues, BehindMain{Commits: ab.Behind})
		}
		if ab.Ahead > 0 {
			unpushed, err := d.local.UnpushedCommits(ctx, branch)
			if err != nil {
				return nil, fmt.Errorf("failed to count unpushed commits: %w", err)
			}
			if unpushed > 0 {
				issues = append(issues, UnpushedCommits{Count: unpushed})
			}
			paths, err := d.local.MergeProbe(ctx, branch, d.base)
			if err != nil {
				return nil, fmt.Errorf("merge probe failed: %w", err)
			}
			if len(paths) > 0 {
				issues = append(issues, MergeConflicts{Paths: paths})
			}
		}
	}

	// Items labeled assigned whose worker branch is gone: the labels claim
	// live work that has no branch behind it.
	assigned, err := d.provider.ListWorkItemsByLabel(ctx, d.labels.Assigned)
	if err != nil {
		return nil, fmt.Errorf("failed to list assigned items: %w", err)
	}
	for _, work := range assigned {
		expected := BranchName(d.agent, agentID, work.Number)
		exists, err := d.local.BranchExists(ctx, expected)
		if err != nil {
			return nil, fmt.Errorf("failed to check branch %s: %w", expected, err)
		}
		if !exists {
			issues = append(issues, BranchMissing{Branch: expected})
		}
		if mismatch := d.labelMismatch(work); mismatch != nil && work.Number != itemOf(branch, d.agent, agentID) {
			issues = append(issues, *mismatch)
		}
	}

	return issues, nil
}

// labelMismatch returns a LabelMismatch when the item's route markers do
// not map to exactly one lifecycle classification.
func (d *Detector) labelMismatch(work *gateway.WorkItem) *LabelMismatch {
	hasAssigned := work.HasLabel(d.labels.Assigned)
	hasReview := work.HasLabel(d.labels.Review)
	if hasAssigned != hasReview {
		return nil
	}
	return &LabelMismatch{
		WorkItem: work.Number,
		Expected: []string{d.labels.Assigned, d.labels.Review},
		Actual:   work.Labels,
	}
}

func itemOf(branch string, agent config.AgentConfig, agentID string) int {
	if n, ok := ParseBranch(agent, agentID, branch); ok {
		return n
	}
	return 0
}
