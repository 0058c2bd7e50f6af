// internal/lifecycle/plan.go
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/landd/internal/gateway"
	"github.com/fyrsmithlabs/landd/internal/logging"
)

// RiskLevel orders plans by the damage a wrong execution could do.
// Safe and Low plans execute without confirmation; Medium and High require
// explicit caller opt-in; Critical plans never auto-execute.
type RiskLevel int

const (
	RiskSafe RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

// String returns the risk name.
func (r RiskLevel) String() string {
	switch r {
	case RiskSafe:
		return "safe"
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return fmt.Sprintf("risk(%d)", int(r))
	}
}

// maxRisk returns the higher of two risk levels.
func maxRisk(a, b RiskLevel) RiskLevel {
	if a > b {
		return a
	}
	return b
}

// Deps is what operations need to apply themselves.
type Deps struct {
	Local    gateway.Local
	Provider gateway.Provider
	Logger   *logging.Logger
}

// Op is one gateway operation in a plan. Every op is idempotent: applying
// it when its effect already holds is a no-op, so re-running a plan after a
// crash or manual fix is always safe.
type Op interface {
	Name() string
	Apply(ctx context.Context, deps Deps) error
}

// Plan is an ordered list of operations with a risk classification.
type Plan struct {
	ID   string
	From Kind
	To   Kind
	Ops  []Op
	Risk RiskLevel
	// CanAutoExecute is true for Safe and Low plans.
	CanAutoExecute bool
	// Reason is set on non-executable plans.
	Reason string
}

// OpNames lists the plan's operation names in order.
func (p *Plan) OpNames() []string {
	names := make([]string, len(p.Ops))
	for i, op := range p.Ops {
		names[i] = op.Name()
	}
	return names
}

// AddLabelOp adds a label to a work item, skipping when already present.
type AddLabelOp struct {
	Item  int
	Label string
}

func (o AddLabelOp) Name() string { return fmt.Sprintf("add_label(#%d, %s)", o.Item, o.Label) }

func (o AddLabelOp) Apply(ctx context.Context, deps Deps) error {
	item, err := deps.Provider.GetWorkItem(ctx, o.Item)
	if err != nil {
		return err
	}
	if item.HasLabel(o.Label) {
		return nil
	}
	return deps.Provider.AddLabel(ctx, o.Item, o.Label)
}

// RemoveLabelOp removes a label from a work item, skipping when absent.
type RemoveLabelOp struct {
	Item  int
	Label string
}

func (o RemoveLabelOp) Name() string { return fmt.Sprintf("remove_label(#%d, %s)", o.Item, o.Label) }

func (o RemoveLabelOp) Apply(ctx context.Context, deps Deps) error {
	item, err := deps.Provider.GetWorkItem(ctx, o.Item)
	if err != nil {
		return err
	}
	if !item.HasLabel(o.Label) {
		return nil
	}
	return deps.Provider.RemoveLabel(ctx, o.Item, o.Label)
}

// CreateLocalBranchOp creates and checks out a local branch.
type CreateLocalBranchOp struct {
	Branch string
	From   string
}

func (o CreateLocalBranchOp) Name() string {
	return fmt.Sprintf("create_local_branch(%s from %s)", o.Branch, o.From)
}

func (o CreateLocalBranchOp) Apply(ctx context.Context, deps Deps) error {
	exists, err := deps.Local.BranchExists(ctx, o.Branch)
	if err != nil {
		return err
	}
	if exists {
		return deps.Local.Checkout(ctx, o.Branch)
	}
	return deps.Local.CreateBranch(ctx, o.Branch, o.From)
}

// CreateRemoteBranchOp creates a branch on the provider.
type CreateRemoteBranchOp struct {
	Branch string
	From   string
}

func (o CreateRemoteBranchOp) Name() string {
	return fmt.Sprintf("create_remote_branch(%s from %s)", o.Branch, o.From)
}

func (o CreateRemoteBranchOp) Apply(ctx context.Context, deps Deps) error {
	exists, err := deps.Provider.RemoteBranchExists(ctx, o.Branch)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return deps.Provider.CreateRemoteBranch(ctx, o.Branch, o.From)
}

// CheckoutOp switches the working tree to a branch.
type CheckoutOp struct {
	Branch string
}

func (o CheckoutOp) Name() string { return fmt.Sprintf("checkout(%s)", o.Branch) }

func (o CheckoutOp) Apply(ctx context.Context, deps Deps) error {
	current, err := deps.Local.CurrentBranch(ctx)
	if err == nil && current == o.Branch {
		return nil
	}
	return deps.Local.Checkout(ctx, o.Branch)
}

// PushOp pushes a branch to the remote.
type PushOp struct {
	Branch string
}

func (o PushOp) Name() string { return fmt.Sprintf("push(%s)", o.Branch) }

func (o PushOp) Apply(ctx context.Context, deps Deps) error {
	return deps.Local.Push(ctx, o.Branch)
}

// NoticeOp logs a success notice. Always last in a happy-path plan.
type NoticeOp struct {
	Message string
}

func (o NoticeOp) Name() string { return "notice" }

func (o NoticeOp) Apply(ctx context.Context, deps Deps) error {
	deps.Logger.Info(ctx, o.Message)
	return nil
}

// WarningOp logs a warning without failing the plan.
type WarningOp struct {
	Message string
}

func (o WarningOp) Name() string { return "warning" }

func (o WarningOp) Apply(ctx context.Context, deps Deps) error {
	deps.Logger.Warn(ctx, o.Message)
	return nil
}

// ErrorOp fails the plan with a diagnostic. Used by illegal transitions and
// non-recoverable pre-flight issues.
type ErrorOp struct {
	Reason string
}

func (o ErrorOp) Name() string { return "error" }

func (o ErrorOp) Apply(ctx context.Context, deps Deps) error {
	deps.Logger.Error(ctx, o.Reason, zap.String("op", "error"))
	return errors.New(o.Reason)
}
