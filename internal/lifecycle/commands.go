// internal/lifecycle/commands.go
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/landd/internal/config"
	"github.com/fyrsmithlabs/landd/internal/continuity"
	"github.com/fyrsmithlabs/landd/internal/gateway"
	"github.com/fyrsmithlabs/landd/internal/logging"
)

// ErrNoReadyWork is returned by Claim when the ready queue is empty.
var ErrNoReadyWork = errors.New("no work items carry the ready label")

// ErrNotIdle is returned by Claim when the worker already holds an item.
var ErrNotIdle = errors.New("worker already holds a work item")

// ErrDirtyTree is returned by ForceReset when the working tree has
// uncommitted changes a backup branch cannot capture.
var ErrDirtyTree = errors.New("uncommitted changes in the working tree")

// ClaimResult reports a successful claim.
type ClaimResult struct {
	WorkItem *gateway.WorkItem
	Branch   string
	Report   *Report
}

// LandResult reports a completed landing.
type LandResult struct {
	WorkItem int
	Recovery *Report
	Report   *Report
}

// StatusReport is a read-only snapshot of the worker for humans.
type StatusReport struct {
	AgentID       string
	State         State
	Issues        []PreFlightIssue
	Checkpoint    *continuity.Checkpoint
	CheckpointAge time.Duration
	History       []continuity.HistoryEntry
}

// Service drives the worker lifecycle: claiming work, landing it, and
// resetting a stuck worker. All methods establish ground truth through the
// detector before acting; no cached state is trusted across calls.
type Service interface {
	// Claim assigns the highest-priority ready item to the worker. Fails
	// when the worker is not idle.
	Claim(ctx context.Context, agentID string) (*ClaimResult, error)

	// Land marks the worker's current item complete and frees the worker.
	// Pre-flight issues are corrected first where safe.
	Land(ctx context.Context, agentID string, opts ExecOptions) (*LandResult, error)

	// ForceReset releases the worker's claim, preserving any commits on a
	// backup branch. Requires confirmation.
	ForceReset(ctx context.Context, agentID string, opts ExecOptions) (*Report, error)

	// Status reports the detected state, open pre-flight issues, the stored
	// checkpoint and recent history.
	Status(ctx context.Context, agentID string) (*StatusReport, error)
}

type service struct {
	cfg      *config.Config
	detector *Detector
	planner  *Planner
	executor *Executor
	provider gateway.Provider
	local    gateway.Local
	store    *continuity.Store
	lock     *gateway.WorktreeLock
	logger   *logging.Logger
}

// NewService creates the lifecycle service.
func NewService(cfg *config.Config, local gateway.Local, provider gateway.Provider, store *continuity.Store, logger *logging.Logger) (Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if local == nil {
		return nil, errors.New("local gateway is required")
	}
	if provider == nil {
		return nil, errors.New("provider gateway is required")
	}
	if store == nil {
		return nil, errors.New("continuity store is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	detector, err := NewDetector(local, provider, cfg, logger)
	if err != nil {
		return nil, err
	}
	executor, err := NewExecutor(Deps{Local: local, Provider: provider, Logger: logger}, store, logger)
	if err != nil {
		return nil, err
	}
	return &service{
		cfg:      cfg,
		detector: detector,
		planner:  NewPlanner(cfg),
		executor: executor,
		provider: provider,
		local:    local,
		store:    store,
		lock:     gateway.NewWorktreeLock(filepath.Join(store.Dir(), gateway.LockFile)),
		logger:   logger,
	}, nil
}

func (s *service) Claim(ctx context.Context, agentID string) (*ClaimResult, error) {
	ctx = logging.WithAgentID(ctx, agentID)

	if err := s.lock.TryLock(); err != nil {
		return nil, fmt.Errorf("acquire working-tree lock: %w", err)
	}
	defer s.lock.Unlock()

	state, err := s.detector.Detect(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	if state.Kind() != KindIdle {
		return nil, fmt.Errorf("%w: current state is %s", ErrNotIdle, state)
	}

	items, err := s.provider.ListWorkItemsByLabel(ctx, s.cfg.Labels.Ready)
	if err != nil {
		return nil, fmt.Errorf("list ready work: %w", err)
	}
	if len(items) == 0 {
		return nil, ErrNoReadyWork
	}
	ordered := OrderCandidates(items, s.cfg.Labels)
	pick := ordered[0]
	branch := BranchName(s.cfg.Agent, agentID, pick.Number)

	s.logger.Info(ctx, "claiming work item",
		zap.Int("item", pick.Number),
		zap.String("title", pick.Title),
		zap.String("branch", branch),
		zap.Int("candidates", len(items)),
	)

	tctx := TransitionContext{AgentID: agentID, WorkItem: pick.Number, Branch: branch}
	plan := s.planner.PlanTransition(KindIdle, KindAssigned, tctx)
	report, err := s.executor.Execute(ctx, agentID, plan, Idle{}, Assigned{WorkItem: pick.Number, Branch: branch}, ExecOptions{})
	if err != nil {
		return nil, err
	}
	return &ClaimResult{WorkItem: pick, Branch: branch, Report: report}, nil
}

func (s *service) Land(ctx context.Context, agentID string, opts ExecOptions) (*LandResult, error) {
	ctx = logging.WithAgentID(ctx, agentID)

	if err := s.lock.TryLock(); err != nil {
		return nil, fmt.Errorf("acquire working-tree lock: %w", err)
	}
	defer s.lock.Unlock()

	state, err := s.detector.Detect(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	if landed, ok := state.(Landed); ok {
		return s.resumeLanding(ctx, agentID, landed, opts)
	}
	working, ok := state.(Working)
	if !ok {
		return nil, fmt.Errorf("cannot land from state %s: no completed work on the branch", state)
	}
	tctx := TransitionContext{AgentID: agentID, WorkItem: working.WorkItem, Branch: working.Branch}

	issues, err := s.detector.PreFlight(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("pre-flight: %w", err)
	}

	result := &LandResult{WorkItem: working.WorkItem}
	if len(issues) > 0 {
		recovery := s.planner.PlanRecovery(tctx, issues)
		result.Recovery, err = s.executor.Execute(ctx, agentID, recovery, state, state, opts)
		if err != nil {
			return result, fmt.Errorf("recovery: %w", err)
		}
	}

	plan := s.planner.PlanTransition(KindWorking, KindLanded, tctx)
	result.Report, err = s.executor.Execute(ctx, agentID, plan, state, Landed{WorkItem: working.WorkItem}, opts)
	if err != nil {
		return result, err
	}
	return result, nil
}

// resumeLanding finishes a landing that was interrupted after the review
// label went on. Every op in the landing plan re-checks external state
// before mutating, so re-running the whole plan completes exactly the
// remaining work.
func (s *service) resumeLanding(ctx context.Context, agentID string, landed Landed, opts ExecOptions) (*LandResult, error) {
	branch := BranchName(s.cfg.Agent, agentID, landed.WorkItem)
	s.logger.Info(ctx, "resuming interrupted landing",
		zap.Int("item", landed.WorkItem),
		zap.String("branch", branch),
	)

	tctx := TransitionContext{AgentID: agentID, WorkItem: landed.WorkItem, Branch: branch}
	plan := s.planner.PlanTransition(KindWorking, KindLanded, tctx)
	report, err := s.executor.Execute(ctx, agentID, plan, landed, Landed{WorkItem: landed.WorkItem}, opts)
	if err != nil {
		return &LandResult{WorkItem: landed.WorkItem, Report: report}, err
	}
	return &LandResult{WorkItem: landed.WorkItem, Report: report}, nil
}

func (s *service) ForceReset(ctx context.Context, agentID string, opts ExecOptions) (*Report, error) {
	ctx = logging.WithAgentID(ctx, agentID)

	if err := s.lock.TryLock(); err != nil {
		return nil, fmt.Errorf("acquire working-tree lock: %w", err)
	}
	defer s.lock.Unlock()

	state, err := s.detector.Detect(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}

	var tctx TransitionContext
	var preserve bool
	switch st := state.(type) {
	case Assigned:
		tctx = TransitionContext{AgentID: agentID, WorkItem: st.WorkItem, Branch: st.Branch}
	case Working:
		tctx = TransitionContext{AgentID: agentID, WorkItem: st.WorkItem, Branch: st.Branch}
		preserve = st.CommitsAhead > 0
	default:
		return nil, fmt.Errorf("nothing to reset: state is %s", state)
	}

	// A backup branch only captures commits. Uncommitted edits would be
	// lost on the checkout back to base, so refuse.
	dirty, err := s.local.UncommittedChanges(ctx)
	if err != nil {
		return nil, fmt.Errorf("inspect working tree: %w", err)
	}
	if len(dirty) > 0 {
		return nil, fmt.Errorf("%w: %d paths on %s, commit or stash them first",
			ErrDirtyTree, len(dirty), tctx.Branch)
	}

	if preserve {
		backup := fmt.Sprintf("backup/%s-%d-%s", agentID, tctx.WorkItem, time.Now().UTC().Format("20060102-150405"))
		plan := s.planner.PlanPreserve(tctx, backup)
		if _, err := s.executor.Execute(ctx, agentID, plan, state, state, opts); err != nil {
			return nil, fmt.Errorf("preserve work: %w", err)
		}
	}

	plan := s.planner.PlanTransition(state.Kind(), KindIdle, tctx)
	return s.executor.Execute(ctx, agentID, plan, state, Idle{}, opts)
}

func (s *service) Status(ctx context.Context, agentID string) (*StatusReport, error) {
	ctx = logging.WithAgentID(ctx, agentID)

	state, err := s.detector.Detect(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	report := &StatusReport{AgentID: agentID, State: state}

	// Pre-flight and history are informational; failures degrade the report
	// instead of failing it.
	if issues, err := s.detector.PreFlight(ctx, agentID); err == nil {
		report.Issues = issues
	} else {
		s.logger.Warn(ctx, "pre-flight check failed during status", zap.Error(err))
	}
	if cp, err := s.store.Restore(ctx); err == nil && cp != nil {
		report.Checkpoint = cp
		report.CheckpointAge = time.Since(cp.Timestamp)
	}
	if entries, err := s.store.History(ctx, 10); err == nil {
		report.History = entries
	}
	return report, nil
}

// OrderCandidates sorts work items by claim priority: unblockers first, then
// priority:high over priority:medium over priority:low over unlabelled, and
// finally oldest first. The sort is stable so provider order breaks ties.
func OrderCandidates(items []*gateway.WorkItem, labels config.LabelConfig) []*gateway.WorkItem {
	ordered := make([]*gateway.WorkItem, len(items))
	copy(ordered, items)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		au, bu := a.HasLabel(labels.Unblocker), b.HasLabel(labels.Unblocker)
		if au != bu {
			return au
		}
		ar, br := priorityRank(a, labels.PriorityPrefix), priorityRank(b, labels.PriorityPrefix)
		if ar != br {
			return ar < br
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return ordered
}

func priorityRank(item *gateway.WorkItem, prefix string) int {
	switch {
	case item.HasLabel(prefix + "high"):
		return 0
	case item.HasLabel(prefix + "medium"):
		return 1
	case item.HasLabel(prefix + "low"):
		return 2
	default:
		return 3
	}
}
