// internal/lifecycle/planner.go
package lifecycle

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/landd/internal/config"
)

// TransitionContext carries the identifiers a plan needs.
type TransitionContext struct {
	AgentID   string
	WorkItem  int
	Branch    string
	WorkItems []int
	BundlePR  int
}

// Planner turns a requested transition or a set of pre-flight issues into
// an ordered plan. Pure decision logic: deterministic for identical inputs,
// no I/O.
type Planner struct {
	labels config.LabelConfig
	agent  config.AgentConfig
	base   string
}

// NewPlanner creates a planner.
func NewPlanner(cfg *config.Config) *Planner {
	return &Planner{
		labels: cfg.Labels,
		agent:  cfg.Agent,
		base:   cfg.Repo.BaseBranch,
	}
}

// legalTransitions is the fixed transition table. Everything absent is
// illegal and plans as a Critical, non-executable error.
//
// Landed never goes back to Working: once the review label is on, the item
// proceeds to a bundle or an individual PR. Working and Assigned may return
// to Idle only through the explicit reset/correction paths.
var legalTransitions = map[Kind][]Kind{
	KindIdle:     {KindAssigned},
	KindAssigned: {KindWorking, KindIdle},
	KindWorking:  {KindLanded, KindIdle},
	KindLanded:   {KindBundled, KindMerged},
	KindBundled:  {KindMerged},
	KindMerged:   {},
}

// IsLegal reports whether (from, to) is in the transition table.
func IsLegal(from, to Kind) bool {
	for _, k := range legalTransitions[from] {
		if k == to {
			return true
		}
	}
	return false
}

// PlanTransition produces the ordered plan for (from, to). Illegal pairs
// produce a Critical, non-executable plan whose only operation reports the
// error.
func (p *Planner) PlanTransition(from, to Kind, tctx TransitionContext) *Plan {
	if !IsLegal(from, to) {
		reason := fmt.Sprintf("illegal transition %s -> %s for agent %s", from, to, tctx.AgentID)
		return &Plan{
			ID:             uuid.New().String(),
			From:           from,
			To:             to,
			Ops:            []Op{ErrorOp{Reason: reason}},
			Risk:           RiskCritical,
			CanAutoExecute: false,
			Reason:         reason,
		}
	}

	plan := &Plan{
		ID:   uuid.New().String(),
		From: from,
		To:   to,
		Risk: RiskSafe,
	}

	switch {
	case from == KindIdle && to == KindAssigned:
		plan.Risk = RiskLow
		plan.Ops = []Op{
			CreateRemoteBranchOp{Branch: tctx.Branch, From: p.base},
			CreateLocalBranchOp{Branch: tctx.Branch, From: p.base},
			AddLabelOp{Item: tctx.WorkItem, Label: p.labels.Assigned},
			RemoveLabelOp{Item: tctx.WorkItem, Label: p.labels.Ready},
			NoticeOp{Message: fmt.Sprintf("claimed #%d on %s", tctx.WorkItem, tctx.Branch)},
		}

	case from == KindAssigned && to == KindWorking:
		// Commits appear through the worker itself; nothing external moves.
		plan.Ops = []Op{
			NoticeOp{Message: fmt.Sprintf("working on #%d", tctx.WorkItem)},
		}

	case from == KindWorking && to == KindLanded:
		// Ordering matters: the review label is the durable signal of
		// completion, so it goes on before the assigned label (which frees
		// capacity) comes off. A crash mid-sequence then never leaves work
		// indistinguishable from "never landed".
		plan.Risk = RiskLow
		plan.Ops = []Op{
			AddLabelOp{Item: tctx.WorkItem, Label: p.labels.Review},
			RemoveLabelOp{Item: tctx.WorkItem, Label: p.labels.Assigned},
			RemoveLabelOp{Item: tctx.WorkItem, Label: p.labels.Ready},
			CheckoutOp{Branch: p.base},
			NoticeOp{Message: fmt.Sprintf("landed #%d, worker is free", tctx.WorkItem)},
		}

	case (from == KindAssigned || from == KindWorking) && to == KindIdle:
		// Reset path: release the claim and return the item to the pool.
		// Work preservation (backup branches) is planned separately by the
		// caller before this runs.
		plan.Risk = RiskHigh
		plan.Ops = []Op{
			CheckoutOp{Branch: p.base},
			RemoveLabelOp{Item: tctx.WorkItem, Label: p.labels.Assigned},
			AddLabelOp{Item: tctx.WorkItem, Label: p.labels.Ready},
			NoticeOp{Message: fmt.Sprintf("reset: released #%d back to the pool", tctx.WorkItem)},
		}

	case from == KindLanded && to == KindBundled:
		plan.Ops = []Op{
			RemoveLabelOp{Item: tctx.WorkItem, Label: p.labels.Review},
			AddLabelOp{Item: tctx.WorkItem, Label: p.labels.Bundled},
			NoticeOp{Message: fmt.Sprintf("bundled #%d into PR #%d", tctx.WorkItem, tctx.BundlePR)},
		}

	case from == KindLanded && to == KindMerged:
		// Individual-PR fallback path.
		plan.Ops = []Op{
			RemoveLabelOp{Item: tctx.WorkItem, Label: p.labels.Review},
			AddLabelOp{Item: tctx.WorkItem, Label: p.labels.Bundled},
			NoticeOp{Message: fmt.Sprintf("#%d routed to individual PR", tctx.WorkItem)},
		}

	case from == KindBundled && to == KindMerged:
		plan.Ops = []Op{
			NoticeOp{Message: fmt.Sprintf("bundle PR #%d merged", tctx.BundlePR)},
		}
	}

	plan.CanAutoExecute = plan.Risk <= RiskLow
	return plan
}

// PlanRecovery produces a corrective plan for detected pre-flight issues.
// Risk combines as the maximum across all issues.
func (p *Planner) PlanRecovery(tctx TransitionContext, issues []PreFlightIssue) *Plan {
	plan := &Plan{
		ID:   uuid.New().String(),
		Risk: RiskSafe,
	}
	if len(issues) == 0 {
		plan.CanAutoExecute = true
		return plan
	}

	for _, issue := range issues {
		switch i := issue.(type) {
		case UnpushedCommits:
			// Pushing is safe: it only publishes existing local work.
			plan.Ops = append(plan.Ops, PushOp{Branch: tctx.Branch})
			plan.Risk = maxRisk(plan.Risk, RiskLow)

		case BehindMain:
			// Never auto-rebase; the worker or a human decides.
			plan.Ops = append(plan.Ops, WarningOp{Message: i.String()})
			plan.Risk = maxRisk(plan.Risk, RiskLow)

		case MergeConflicts:
			plan.Ops = append(plan.Ops, ErrorOp{Reason: i.String() + "; resolve manually, conflicts are never auto-resolved"})
			plan.Risk = maxRisk(plan.Risk, RiskCritical)
			plan.Reason = i.String()

		case NoCommits:
			plan.Ops = append(plan.Ops, WarningOp{Message: "branch has no commits: decide abandon or continue"})
			plan.Risk = maxRisk(plan.Risk, RiskHigh)

		case BranchMissing:
			plan.Ops = append(plan.Ops, ErrorOp{Reason: i.String() + "; labels claim live work with no branch behind it"})
			plan.Risk = maxRisk(plan.Risk, RiskCritical)
			plan.Reason = i.String()

		case LabelMismatch:
			plan.Ops = append(plan.Ops, WarningOp{Message: i.String()})
			plan.Risk = maxRisk(plan.Risk, RiskMedium)
		}
	}

	plan.CanAutoExecute = plan.Risk <= RiskLow
	return plan
}

// PlanPreserve plans the work-preservation sequence used before a reset or
// a critical drift correction: fork a backup branch at the current tip and
// push it so the commits stay reachable from a named ref.
func (p *Planner) PlanPreserve(tctx TransitionContext, backupBranch string) *Plan {
	return &Plan{
		ID:   uuid.New().String(),
		Risk: RiskLow,
		Ops: []Op{
			CreateLocalBranchOp{Branch: backupBranch, From: tctx.Branch},
			PushOp{Branch: backupBranch},
			NoticeOp{Message: fmt.Sprintf("preserved %s as %s", tctx.Branch, backupBranch)},
		},
		CanAutoExecute: true,
	}
}
