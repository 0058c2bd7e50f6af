// internal/bundling/engine.go
package bundling

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/landd/internal/config"
	"github.com/fyrsmithlabs/landd/internal/continuity"
	"github.com/fyrsmithlabs/landd/internal/gateway"
	"github.com/fyrsmithlabs/landd/internal/lifecycle"
	"github.com/fyrsmithlabs/landd/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/landd/internal/bundling"

// Outcome classifies a bundling pass.
type Outcome int

const (
	// OutcomeNoWork means no items carried the review label.
	OutcomeNoWork Outcome = iota
	// OutcomeSuccess means every item landed in the bundle PR.
	OutcomeSuccess
	// OutcomePartialSuccess means a bundle PR was opened but some items fell
	// back to individual PRs or failed.
	OutcomePartialSuccess
	// OutcomeAllIndividual means no bundle PR was opened; every shipped item
	// went out individually.
	OutcomeAllIndividual
	// OutcomeFailed means nothing shipped.
	OutcomeFailed
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeNoWork:
		return "no_work"
	case OutcomeSuccess:
		return "success"
	case OutcomePartialSuccess:
		return "partial_success"
	case OutcomeAllIndividual:
		return "all_individual"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result accounts for every item seen by a pass: each ends up bundled,
// individual, deferred, or failed.
type Result struct {
	Outcome  Outcome
	BundlePR int
	// Bundled lists items shipped in the bundle PR.
	Bundled []int
	// Individual maps item number to its individual PR number.
	Individual map[int]int
	// Deferred lists items pushed past the bundle size cap to the next pass.
	Deferred []int
	// Failed maps item number to the failure reason left as a comment.
	Failed map[int]string
}

// Engine runs bundling passes.
type Engine struct {
	cfg      *config.Config
	local    gateway.Local
	provider gateway.Provider
	planner  *lifecycle.Planner
	executor *lifecycle.Executor
	lock     *gateway.WorktreeLock
	logger   *logging.Logger

	tracer      trace.Tracer
	meter       metric.Meter
	passCounter metric.Int64Counter
	itemCounter metric.Int64Counter

	mu      sync.Mutex
	lastRun time.Time
}

// NewEngine creates the bundling engine.
func NewEngine(cfg *config.Config, local gateway.Local, provider gateway.Provider, store *continuity.Store, logger *logging.Logger) (*Engine, error) {
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
	executor, err := lifecycle.NewExecutor(lifecycle.Deps{Local: local, Provider: provider, Logger: logger}, store, logger)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:      cfg,
		local:    local,
		provider: provider,
		planner:  lifecycle.NewPlanner(cfg),
		executor: executor,
		lock:     gateway.NewWorktreeLock(filepath.Join(store.Dir(), gateway.LockFile)),
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}
	e.initMetrics()
	return e, nil
}

func (e *Engine) initMetrics() {
	var err error
	e.passCounter, err = e.meter.Int64Counter(
		"landd.bundling.passes_total",
		metric.WithDescription("Bundling passes by outcome"),
		metric.WithUnit("{pass}"),
	)
	if err != nil {
		e.logger.Warn(context.Background(), "failed to create pass counter", zap.Error(err))
	}
	e.itemCounter, err = e.meter.Int64Counter(
		"landd.bundling.items_total",
		metric.WithDescription("Items processed by disposition"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		e.logger.Warn(context.Background(), "failed to create item counter", zap.Error(err))
	}
}

// ShouldBundle reports whether a pass is due: the configured interval has
// elapsed, or an unblocker item is waiting in the review queue. The reason
// string is for logging.
func (e *Engine) ShouldBundle(ctx context.Context, now time.Time) (bool, string, error) {
	items, err := e.provider.ListWorkItemsByLabel(ctx, e.cfg.Labels.Review)
	if err != nil {
		return false, "", fmt.Errorf("list review queue: %w", err)
	}
	if len(items) == 0 {
		return false, "review queue empty", nil
	}
	for _, it := range items {
		if it.HasLabel(e.cfg.Labels.Unblocker) {
			return true, fmt.Sprintf("unblocker #%d waiting", it.Number), nil
		}
	}
	e.mu.Lock()
	last := e.lastRun
	e.mu.Unlock()
	if now.Sub(last) >= e.cfg.Bundling.Interval.Duration() {
		return true, "interval elapsed", nil
	}
	return false, "interval not elapsed", nil
}

// Run executes one bundling pass over the review queue.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "bundling.Run")
	defer span.End()
	ctx = logging.WithAgentID(ctx, e.cfg.Agent.ID)

	if err := e.lock.TryLock(); err != nil {
		return nil, fmt.Errorf("acquire working-tree lock: %w", err)
	}
	defer e.lock.Unlock()

	res := &Result{
		Individual: make(map[int]int),
		Failed:     make(map[int]string),
	}

	items, err := e.provider.ListWorkItemsByLabel(ctx, e.cfg.Labels.Review)
	if err != nil {
		return nil, fmt.Errorf("list review queue: %w", err)
	}
	if len(items) == 0 {
		res.Outcome = OutcomeNoWork
		e.finish(ctx, res)
		return res, nil
	}

	ordered := lifecycle.OrderCandidates(items, e.cfg.Labels)

	// Unblockers never wait for a bundle.
	var candidates []*gateway.WorkItem
	for _, it := range ordered {
		if it.HasLabel(e.cfg.Labels.Unblocker) {
			e.shipIndividual(ctx, it, res)
		} else {
			candidates = append(candidates, it)
		}
	}

	if max := e.cfg.Bundling.MaxBundleSize; len(candidates) > max {
		for _, it := range candidates[max:] {
			res.Deferred = append(res.Deferred, it.Number)
		}
		candidates = candidates[:max]
	}

	if len(candidates) > 0 {
		e.buildBundle(ctx, candidates, res)
	}

	// Leave the working tree on base regardless of how the pass went.
	if err := e.local.Checkout(ctx, e.cfg.Repo.BaseBranch); err != nil {
		e.logger.Warn(ctx, "failed to return working tree to base", zap.Error(err))
	}

	res.Outcome = classify(res)
	e.finish(ctx, res)
	return res, nil
}

// buildBundle cherry-picks each candidate's commits onto a fresh bundle
// branch. A conflicting item falls back to an individual PR; it never stops
// the rest of the batch.
func (e *Engine) buildBundle(ctx context.Context, candidates []*gateway.WorkItem, res *Result) {
	base := e.cfg.Repo.BaseBranch
	bundleBranch := e.cfg.Bundling.BranchPrefix + time.Now().UTC().Format("20060102-150405")

	if err := e.local.CreateBranch(ctx, bundleBranch, base); err != nil {
		e.logger.Error(ctx, "failed to create bundle branch", zap.String("branch", bundleBranch), zap.Error(err))
		for _, it := range candidates {
			res.Failed[it.Number] = "bundle branch creation failed"
		}
		return
	}

	var bundled []*gateway.WorkItem
	for _, it := range candidates {
		branch := lifecycle.BranchName(e.cfg.Agent, e.cfg.Agent.ID, it.Number)
		commits, err := e.collectCommits(ctx, branch, base)
		if err != nil {
			e.failItem(ctx, it, res, fmt.Sprintf("could not read commits from %s: %v", branch, err))
			continue
		}

		err = e.local.CherryPick(ctx, commits)
		if err == nil {
			bundled = append(bundled, it)
			e.logger.Debug(ctx, "picked item into bundle",
				zap.Int("item", it.Number),
				zap.Int("commits", len(commits)),
			)
			continue
		}
		if paths, ok := gateway.IsConflict(err); ok {
			// The pick was aborted and the bundle branch is clean again.
			e.logger.Info(ctx, "item conflicts with bundle, falling back to individual PR",
				zap.Int("item", it.Number),
				zap.Strings("paths", paths),
			)
			e.shipIndividual(ctx, it, res)
			continue
		}
		e.failItem(ctx, it, res, fmt.Sprintf("cherry-pick failed: %v", err))
	}

	if len(bundled) == 0 {
		return
	}

	if err := e.local.Push(ctx, bundleBranch); err != nil {
		e.logger.Error(ctx, "failed to push bundle branch", zap.String("branch", bundleBranch), zap.Error(err))
		for _, it := range bundled {
			e.failItem(ctx, it, res, "bundle branch push failed")
		}
		return
	}

	pull, err := e.provider.CreatePull(ctx, bundlePull(bundled, bundleBranch, base))
	if err != nil {
		e.logger.Error(ctx, "failed to open bundle PR", zap.String("branch", bundleBranch), zap.Error(err))
		for _, it := range bundled {
			e.failItem(ctx, it, res, "bundle PR creation failed")
		}
		return
	}
	res.BundlePR = pull.Number

	numbers := make([]int, 0, len(bundled))
	for _, it := range bundled {
		numbers = append(numbers, it.Number)
	}
	for _, it := range bundled {
		if err := e.relabel(ctx, it.Number, numbers, pull.Number); err != nil {
			// The PR exists; only the label moved incompletely. The drift
			// pass reconciles label state against open PRs.
			e.logger.Warn(ctx, "bundled item relabel failed",
				zap.Int("item", it.Number),
				zap.Error(err),
			)
		}
		res.Bundled = append(res.Bundled, it.Number)
	}
	e.logger.Info(ctx, "bundle PR opened",
		zap.Int("pr", pull.Number),
		zap.Ints("items", numbers),
	)
}

// shipIndividual opens a standalone PR for one item from its own branch.
func (e *Engine) shipIndividual(ctx context.Context, it *gateway.WorkItem, res *Result) {
	base := e.cfg.Repo.BaseBranch
	branch := lifecycle.BranchName(e.cfg.Agent, e.cfg.Agent.ID, it.Number)

	exists, err := e.local.BranchExists(ctx, branch)
	if err == nil && exists {
		if err := e.local.Push(ctx, branch); err != nil {
			e.failItem(ctx, it, res, fmt.Sprintf("push of %s failed: %v", branch, err))
			return
		}
	} else {
		remote, rerr := e.provider.RemoteBranchExists(ctx, branch)
		if rerr != nil || !remote {
			e.failItem(ctx, it, res, fmt.Sprintf("branch %s exists neither locally nor on the remote", branch))
			return
		}
	}

	pull, err := e.provider.CreatePull(ctx, gateway.NewPull{
		Title: fmt.Sprintf("#%d: %s", it.Number, it.Title),
		Body:  fmt.Sprintf("Closes #%d.", it.Number),
		Head:  branch,
		Base:  base,
	})
	if err != nil {
		e.failItem(ctx, it, res, fmt.Sprintf("PR creation failed: %v", err))
		return
	}

	if err := e.relabel(ctx, it.Number, []int{it.Number}, pull.Number); err != nil {
		e.logger.Warn(ctx, "individual item relabel failed",
			zap.Int("item", it.Number),
			zap.Error(err),
		)
	}
	res.Individual[it.Number] = pull.Number
	e.logger.Info(ctx, "individual PR opened",
		zap.Int("item", it.Number),
		zap.Int("pr", pull.Number),
	)
}

// relabel moves an item from the review label to the bundled label.
func (e *Engine) relabel(ctx context.Context, item int, bundle []int, pr int) error {
	tctx := lifecycle.TransitionContext{
		AgentID:   e.cfg.Agent.ID,
		WorkItem:  item,
		WorkItems: bundle,
		BundlePR:  pr,
	}
	plan := e.planner.PlanTransition(lifecycle.KindLanded, lifecycle.KindBundled, tctx)
	_, err := e.executor.Execute(ctx, e.cfg.Agent.ID, plan,
		lifecycle.Landed{WorkItem: item},
		lifecycle.Bundled{WorkItems: bundle, BundlePR: pr},
		lifecycle.ExecOptions{},
	)
	return err
}

// collectCommits reads the item's commits, oldest first. A branch with no
// commits ahead of base is an error: there is nothing to ship.
func (e *Engine) collectCommits(ctx context.Context, branch, base string) ([]gateway.Commit, error) {
	exists, err := e.local.BranchExists(ctx, branch)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("local branch %s not found", branch)
	}
	commits, err := e.local.ListBranchCommits(ctx, branch, base)
	if err != nil {
		return nil, err
	}
	if len(commits) == 0 {
		return nil, errors.New("no commits ahead of base")
	}
	return commits, nil
}

// failItem records a failure and leaves the reason on the issue so the
// outcome is visible without local logs.
func (e *Engine) failItem(ctx context.Context, it *gateway.WorkItem, res *Result, reason string) {
	res.Failed[it.Number] = reason
	e.logger.Error(ctx, "item failed bundling pass",
		zap.Int("item", it.Number),
		zap.String("reason", reason),
	)
	body := "Bundling pass could not ship this item: " + reason
	if err := e.provider.CommentOnIssue(ctx, it.Number, body); err != nil {
		e.logger.Warn(ctx, "failed to leave failure comment",
			zap.Int("item", it.Number),
			zap.Error(err),
		)
	}
}

func (e *Engine) finish(ctx context.Context, res *Result) {
	e.mu.Lock()
	e.lastRun = time.Now()
	e.mu.Unlock()

	if e.passCounter != nil {
		e.passCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", res.Outcome.String()),
		))
	}
	e.countItems(ctx, "bundled", len(res.Bundled))
	e.countItems(ctx, "individual", len(res.Individual))
	e.countItems(ctx, "deferred", len(res.Deferred))
	e.countItems(ctx, "failed", len(res.Failed))

	if res.Outcome != OutcomeNoWork {
		e.logger.Info(ctx, "bundling pass finished",
			zap.String("outcome", res.Outcome.String()),
			zap.Int("bundle_pr", res.BundlePR),
			zap.Ints("bundled", res.Bundled),
			zap.Int("individual", len(res.Individual)),
			zap.Ints("deferred", res.Deferred),
			zap.Int("failed", len(res.Failed)),
		)
	}
}

func (e *Engine) countItems(ctx context.Context, disposition string, n int) {
	if e.itemCounter == nil || n == 0 {
		return
	}
	e.itemCounter.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("disposition", disposition),
	))
}

func classify(res *Result) Outcome {
	shipped := len(res.Bundled) + len(res.Individual)
	switch {
	case shipped == 0 && len(res.Failed) == 0 && len(res.Deferred) == 0:
		return OutcomeNoWork
	case shipped == 0:
		return OutcomeFailed
	case res.BundlePR == 0:
		return OutcomeAllIndividual
	case len(res.Individual) == 0 && len(res.Failed) == 0:
		return OutcomeSuccess
	default:
		return OutcomePartialSuccess
	}
}

func bundlePull(items []*gateway.WorkItem, head, base string) gateway.NewPull {
	numbers := make([]string, 0, len(items))
	var body strings.Builder
	body.WriteString("Combined changes for:\n\n")
	for _, it := range items {
		numbers = append(numbers, fmt.Sprintf("#%d", it.Number))
		fmt.Fprintf(&body, "- #%d: %s\n", it.Number, it.Title)
	}
	return gateway.NewPull{
		Title: "Bundle: " + strings.Join(numbers, ", "),
		Body:  body.String(),
		Head:  head,
		Base:  base,
	}
}
