// internal/drift/reconciler.go
package drift

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
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

const instrumentationName = "github.com/fyrsmithlabs/landd/internal/drift"

// Reconciler runs drift-detection passes and applies corrections.
type Reconciler struct {
	cfg      *config.Config
	local    gateway.Local
	provider gateway.Provider
	detector *lifecycle.Detector
	planner  *lifecycle.Planner
	executor *lifecycle.Executor
	store    *continuity.Store
	logger   *logging.Logger

	lock *gateway.WorktreeLock

	tracer         trace.Tracer
	meter          metric.Meter
	findingCounter metric.Int64Counter

	mu             sync.Mutex
	lastCorrection map[string]time.Time
}

// NewReconciler creates a reconciler.
func NewReconciler(cfg *config.Config, local gateway.Local, provider gateway.Provider, store *continuity.Store, logger *logging.Logger) (*Reconciler, error) {
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
	detector, err := lifecycle.NewDetector(local, provider, cfg, logger)
	if err != nil {
		return nil, err
	}
	executor, err := lifecycle.NewExecutor(lifecycle.Deps{Local: local, Provider: provider, Logger: logger}, store, logger)
	if err != nil {
		return nil, err
	}
	r := &Reconciler{
		cfg:            cfg,
		local:          local,
		provider:       provider,
		detector:       detector,
		planner:        lifecycle.NewPlanner(cfg),
		executor:       executor,
		store:          store,
		lock:           gateway.NewWorktreeLock(filepath.Join(store.Dir(), gateway.LockFile)),
		logger:         logger,
		tracer:         otel.Tracer(instrumentationName),
		meter:          otel.Meter(instrumentationName),
		lastCorrection: make(map[string]time.Time),
	}
	var merr error
	r.findingCounter, merr = r.meter.Int64Counter(
		"landd.drift.findings_total",
		metric.WithDescription("Drift findings by severity"),
		metric.WithUnit("{finding}"),
	)
	if merr != nil {
		logger.Warn(context.Background(), "failed to create finding counter", zap.Error(merr))
	}
	return r, nil
}

// NextInterval returns how long to wait before the next pass given the
// current state: active states poll fast, settled states poll slow.
func (r *Reconciler) NextInterval(k lifecycle.Kind) time.Duration {
	switch k {
	case lifecycle.KindIdle, lifecycle.KindMerged:
		return r.cfg.Drift.MaxInterval.Duration()
	default:
		return r.cfg.Drift.MinInterval.Duration()
	}
}

// Run executes one reconciliation pass and returns what it found and did.
// The returned state is the worker's state after any corrections.
func (r *Reconciler) Run(ctx context.Context) (*Report, lifecycle.State, error) {
	ctx, span := r.tracer.Start(ctx, "drift.Run")
	defer span.End()
	ctx = logging.WithAgentID(ctx, r.cfg.Agent.ID)
	ctx = logging.WithPassID(ctx, uuid.New().String()[:8])

	if err := r.lock.TryLock(); err != nil {
		return nil, nil, fmt.Errorf("acquire working-tree lock: %w", err)
	}
	defer r.lock.Unlock()

	state, err := r.detector.Detect(ctx, r.cfg.Agent.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("detect: %w", err)
	}
	report := &Report{}

	// Believed vs detected. Landed and Bundled are invisible to detection
	// once the worker sits back on base, so a checkpoint in either state is
	// the authoritative tracking record and drives the external checks.
	// Any other divergence is stale belief: the detector already consulted
	// the external system.
	cp, _ := r.store.Restore(ctx)
	switch {
	case cp == nil:
		r.refreshCheckpoint(ctx, state)
	case tracksExternal(cp.State.Kind) && state.Kind() == lifecycle.KindIdle:
		believed, serr := lifecycle.FromSnapshot(cp.State)
		if serr != nil {
			r.logger.Warn(ctx, "tracking checkpoint unusable, re-detecting", zap.Error(serr))
			r.refreshCheckpoint(ctx, state)
			break
		}
		state = believed
		r.refreshCheckpoint(ctx, state)
	case !snapshotEqual(cp.State, lifecycle.Snapshot(state)):
		f := Finding{
			Severity: SeverityModerate,
			Subject:  "checkpoint",
			Detail:   fmt.Sprintf("checkpoint says %s, detection says %s", cp.State.Kind, state),
		}
		r.record(ctx, report, f)
		r.refreshCheckpoint(ctx, state)
		report.Corrections = append(report.Corrections, Correction{Finding: f, Action: "checkpoint_refreshed"})
	default:
		// Minor: belief matches ground truth, just renew the timestamp.
		r.refreshCheckpoint(ctx, state)
	}

	switch st := state.(type) {
	case lifecycle.Assigned:
		state = r.checkClaim(ctx, state, st.WorkItem, st.Branch, 0, report)
	case lifecycle.Working:
		state = r.checkClaim(ctx, state, st.WorkItem, st.Branch, st.CommitsAhead, report)
	case lifecycle.Landed:
		state = r.checkLanded(ctx, state, st.WorkItem, report)
	case lifecycle.Bundled:
		state = r.checkBundle(ctx, st, report)
	}

	return report, state, nil
}

// checkClaim verifies an actively claimed item still exists externally.
func (r *Reconciler) checkClaim(ctx context.Context, state lifecycle.State, item int, branch string, commitsAhead int, report *Report) lifecycle.State {
	work, err := r.provider.GetWorkItem(ctx, item)
	if err != nil && !gateway.IsNotFound(err) {
		r.logger.Warn(ctx, "drift pass could not read work item", zap.Int("item", item), zap.Error(err))
		return state
	}
	if err != nil || work.State == "closed" {
		f := Finding{
			Severity: SeverityCritical,
			Subject:  fmt.Sprintf("item:%d", item),
			Detail:   fmt.Sprintf("work item #%d was closed externally while claimed", item),
		}
		r.record(ctx, report, f)
		// The item is gone; re-adding the ready label would resurrect it.
		return r.release(ctx, state, branch, commitsAhead, f, false, report)
	}

	exists, err := r.provider.RemoteBranchExists(ctx, branch)
	if err != nil {
		r.logger.Warn(ctx, "drift pass could not read remote branch", zap.String("branch", branch), zap.Error(err))
		return state
	}
	if !exists {
		f := Finding{
			Severity: SeverityCritical,
			Subject:  "branch:" + branch,
			Detail:   fmt.Sprintf("remote branch %s was deleted while claimed", branch),
		}
		r.record(ctx, report, f)
		// The item is still open, so it returns to the pool.
		return r.release(ctx, state, branch, commitsAhead, f, true, report)
	}

	ab, err := r.local.CommitsAheadBehind(ctx, branch, r.cfg.Repo.BaseBranch)
	if err == nil && ab.Behind > r.cfg.Drift.BehindThreshold {
		f := Finding{
			Severity: SeverityModerate,
			Subject:  "branch:" + branch,
			Detail:   fmt.Sprintf("branch is %d commits behind %s", ab.Behind, r.cfg.Repo.BaseBranch),
		}
		r.record(ctx, report, f)
		report.Corrections = append(report.Corrections, Correction{Finding: f, Action: "recorded"})
	}
	return state
}

// checkLanded verifies an item awaiting bundling is still open. A human
// closing it means the work was superseded; the review label comes off so
// the bundler skips it.
func (r *Reconciler) checkLanded(ctx context.Context, state lifecycle.State, item int, report *Report) lifecycle.State {
	work, err := r.provider.GetWorkItem(ctx, item)
	if err != nil && !gateway.IsNotFound(err) {
		r.logger.Warn(ctx, "drift pass could not read work item", zap.Int("item", item), zap.Error(err))
		return state
	}
	if err == nil && work.State == "open" {
		return state
	}
	f := Finding{
		Severity: SeverityModerate,
		Subject:  fmt.Sprintf("item:%d", item),
		Detail:   fmt.Sprintf("work item #%d was closed externally before bundling", item),
	}
	r.record(ctx, report, f)
	if !r.allowCorrection(f.Subject) {
		report.Corrections = append(report.Corrections, Correction{Finding: f, Action: "skipped_cooldown"})
		return state
	}
	plan := &lifecycle.Plan{
		ID:   uuid.New().String(),
		From: lifecycle.KindLanded,
		To:   lifecycle.KindIdle,
		Ops: []lifecycle.Op{
			lifecycle.RemoveLabelOp{Item: item, Label: r.cfg.Labels.Review},
			lifecycle.NoticeOp{Message: fmt.Sprintf("dropped #%d from the review queue, closed externally", item)},
		},
		Risk:           lifecycle.RiskLow,
		CanAutoExecute: true,
	}
	if _, err := r.executor.Execute(ctx, r.cfg.Agent.ID, plan, state, lifecycle.Idle{}, lifecycle.ExecOptions{}); err != nil {
		r.logger.Error(ctx, "failed to drop closed item from review queue", zap.Int("item", item), zap.Error(err))
		return state
	}
	report.Corrections = append(report.Corrections, Correction{Finding: f, Action: "dropped_from_review"})
	report.StateChanged = true
	return lifecycle.Idle{}
}

// checkBundle tracks the bundle PR: merged means the items are done, closed
// without merge sends them back to the review queue.
func (r *Reconciler) checkBundle(ctx context.Context, st lifecycle.Bundled, report *Report) lifecycle.State {
	pull, err := r.provider.GetPull(ctx, st.BundlePR)
	if err != nil {
		r.logger.Warn(ctx, "drift pass could not read bundle PR", zap.Int("pr", st.BundlePR), zap.Error(err))
		return st
	}

	if pull.Merged {
		ops := make([]lifecycle.Op, 0, len(st.WorkItems)+1)
		for _, item := range st.WorkItems {
			ops = append(ops, lifecycle.RemoveLabelOp{Item: item, Label: r.cfg.Labels.Bundled})
		}
		ops = append(ops, lifecycle.NoticeOp{Message: fmt.Sprintf("bundle PR #%d merged, %d items done", st.BundlePR, len(st.WorkItems))})
		plan := &lifecycle.Plan{
			ID:             uuid.New().String(),
			From:           lifecycle.KindBundled,
			To:             lifecycle.KindMerged,
			Ops:            ops,
			Risk:           lifecycle.RiskSafe,
			CanAutoExecute: true,
		}
		if _, err := r.executor.Execute(ctx, r.cfg.Agent.ID, plan, st, lifecycle.Merged{WorkItems: st.WorkItems}, lifecycle.ExecOptions{}); err != nil {
			r.logger.Error(ctx, "failed to finalize merged bundle", zap.Int("pr", st.BundlePR), zap.Error(err))
			return st
		}
		r.deleteMergedBranches(ctx, st, pull)
		report.StateChanged = true
		return lifecycle.Merged{WorkItems: st.WorkItems}
	}

	if pull.State != "closed" {
		return st
	}

	// Closed without merging: the bundle was rejected. Items go back to the
	// review queue so the next pass can ship them again.
	f := Finding{
		Severity: SeverityCritical,
		Subject:  fmt.Sprintf("pr:%d", st.BundlePR),
		Detail:   fmt.Sprintf("bundle PR #%d was closed without merging", st.BundlePR),
	}
	r.record(ctx, report, f)
	if !r.allowCorrection(f.Subject) {
		report.Corrections = append(report.Corrections, Correction{Finding: f, Action: "skipped_cooldown"})
		return st
	}

	ops := make([]lifecycle.Op, 0, 2*len(st.WorkItems)+1)
	for _, item := range st.WorkItems {
		ops = append(ops,
			lifecycle.RemoveLabelOp{Item: item, Label: r.cfg.Labels.Bundled},
			lifecycle.AddLabelOp{Item: item, Label: r.cfg.Labels.Review},
		)
	}
	ops = append(ops, lifecycle.NoticeOp{Message: fmt.Sprintf("returned %d items to the review queue", len(st.WorkItems))})
	plan := &lifecycle.Plan{
		ID:             uuid.New().String(),
		From:           lifecycle.KindBundled,
		To:             lifecycle.KindIdle,
		Ops:            ops,
		Risk:           lifecycle.RiskLow,
		CanAutoExecute: true,
	}
	if _, err := r.executor.Execute(ctx, r.cfg.Agent.ID, plan, st, lifecycle.Idle{}, lifecycle.ExecOptions{}); err != nil {
		r.logger.Error(ctx, "failed to return bundle items to review queue", zap.Error(err))
		return st
	}
	issue := r.fileTrackingIssue(ctx, f, fmt.Sprintf("Items %v were returned to the review queue.", st.WorkItems))
	report.Corrections = append(report.Corrections, Correction{Finding: f, Action: "returned_to_review", TrackingIssue: issue})
	report.StateChanged = true
	return lifecycle.Idle{}
}

// deleteMergedBranches removes the PR head branch and the constituent
// worker branches once the bundle is merged. Best-effort: a branch someone
// already deleted is not an error.
func (r *Reconciler) deleteMergedBranches(ctx context.Context, st lifecycle.Bundled, pull *gateway.PullRequest) {
	branches := make([]string, 0, len(st.WorkItems)+1)
	if pull.Head != "" {
		branches = append(branches, pull.Head)
	}
	for _, item := range st.WorkItems {
		branches = append(branches, lifecycle.BranchName(r.cfg.Agent, r.cfg.Agent.ID, item))
	}
	for _, branch := range branches {
		if err := r.provider.DeleteRemoteBranch(ctx, branch); err != nil && !gateway.IsNotFound(err) {
			r.logger.Warn(ctx, "failed to delete merged branch",
				zap.String("branch", branch), zap.Error(err))
		}
	}
}

// release handles critical claim drift: preserve local commits on a backup
// branch, file a tracking issue, and free the worker. returnToPool re-adds
// the ready label when the item itself is still open.
func (r *Reconciler) release(ctx context.Context, state lifecycle.State, branch string, commitsAhead int, f Finding, returnToPool bool, report *Report) lifecycle.State {
	if !r.allowCorrection(f.Subject) {
		report.Corrections = append(report.Corrections, Correction{Finding: f, Action: "skipped_cooldown"})
		return state
	}

	corr := Correction{Finding: f, Action: "released"}
	item := itemOf(state)
	tctx := lifecycle.TransitionContext{AgentID: r.cfg.Agent.ID, WorkItem: item, Branch: branch}

	// A backup branch only captures commits; uncommitted edits would be
	// lost on the checkout back to base. Leave the worker untouched and
	// route to a human.
	if dirty, derr := r.local.UncommittedChanges(ctx); derr != nil {
		r.logger.Warn(ctx, "could not inspect working tree, skipping release", zap.Error(derr))
		return state
	} else if len(dirty) > 0 {
		r.logger.Error(ctx, "uncommitted changes block the release",
			zap.Int("item", item), zap.Strings("paths", dirty))
		issue := r.fileTrackingIssue(ctx, f, fmt.Sprintf(
			"Automatic release blocked: %d uncommitted paths on %s. Commit or stash them, then run reset.",
			len(dirty), branch))
		report.Corrections = append(report.Corrections, Correction{Finding: f, Action: "dirty_tree", TrackingIssue: issue})
		return state
	}

	if commitsAhead > 0 {
		backup := fmt.Sprintf("backup/%s-%d-%s", r.cfg.Agent.ID, item, time.Now().UTC().Format("20060102-150405"))
		plan := r.planner.PlanPreserve(tctx, backup)
		if _, err := r.executor.Execute(ctx, r.cfg.Agent.ID, plan, state, state, lifecycle.ExecOptions{}); err != nil {
			// Without the backup the reset would discard commits. Leave the
			// worker as is and let a human intervene via the tracking issue.
			r.logger.Error(ctx, "failed to preserve local work, leaving state untouched", zap.Error(err))
			issue := r.fileTrackingIssue(ctx, f, fmt.Sprintf("Automatic backup of %s failed: %v. Worker left untouched.", branch, err))
			report.Corrections = append(report.Corrections, Correction{Finding: f, Action: "preserve_failed", TrackingIssue: issue})
			return state
		}
		corr.BackupBranch = backup
	}

	ops := []lifecycle.Op{
		lifecycle.CheckoutOp{Branch: r.cfg.Repo.BaseBranch},
		lifecycle.RemoveLabelOp{Item: item, Label: r.cfg.Labels.Assigned},
	}
	if returnToPool {
		ops = append(ops, lifecycle.AddLabelOp{Item: item, Label: r.cfg.Labels.Ready})
	}
	ops = append(ops, lifecycle.NoticeOp{Message: fmt.Sprintf("released #%d after external drift", item)})
	plan := &lifecycle.Plan{
		ID:             uuid.New().String(),
		From:           state.Kind(),
		To:             lifecycle.KindIdle,
		Ops:            ops,
		Risk:           lifecycle.RiskLow,
		CanAutoExecute: true,
	}
	if _, err := r.executor.Execute(ctx, r.cfg.Agent.ID, plan, state, lifecycle.Idle{}, lifecycle.ExecOptions{}); err != nil {
		r.logger.Error(ctx, "failed to release worker after drift", zap.Error(err))
		return state
	}

	detail := "No local commits needed preserving."
	if corr.BackupBranch != "" {
		detail = "Local work preserved on " + corr.BackupBranch + "."
	}
	corr.TrackingIssue = r.fileTrackingIssue(ctx, f, detail)
	report.Corrections = append(report.Corrections, corr)
	report.StateChanged = true
	return lifecycle.Idle{}
}

// record counts a finding, logs it and appends it to history.
func (r *Reconciler) record(ctx context.Context, report *Report, f Finding) {
	report.Findings = append(report.Findings, f)
	if r.findingCounter != nil {
		r.findingCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("severity", f.Severity.String()),
		))
	}
	r.logger.Warn(ctx, "drift detected",
		zap.String("severity", f.Severity.String()),
		zap.String("subject", f.Subject),
		zap.String("detail", f.Detail),
	)
	_ = r.store.Append(ctx, continuity.HistoryEntry{
		Type:     continuity.EntryDrift,
		Severity: f.Severity.String(),
		Subject:  f.Subject,
		Detail:   f.Detail,
	})
}

// allowCorrection enforces the per-subject cooldown.
func (r *Reconciler) allowCorrection(subject string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.lastCorrection[subject]; ok && time.Since(last) < r.cfg.Drift.Cooldown.Duration() {
		return false
	}
	r.lastCorrection[subject] = time.Now()
	return true
}

func (r *Reconciler) fileTrackingIssue(ctx context.Context, f Finding, detail string) int {
	body := fmt.Sprintf("Drift correction applied by %s.\n\n%s\n\n%s\n", r.cfg.Agent.ID, f.Detail, detail)
	num, err := r.provider.CreateIssue(ctx, gateway.NewIssue{
		Title: "drift: " + f.Detail,
		Body:  body,
	})
	if err != nil {
		r.logger.Error(ctx, "failed to file drift tracking issue", zap.Error(err))
		return 0
	}
	return num
}

func (r *Reconciler) refreshCheckpoint(ctx context.Context, state lifecycle.State) {
	head, err := r.local.HeadHash(ctx)
	if err != nil {
		r.logger.Warn(ctx, "skipping checkpoint refresh, HEAD unreadable", zap.Error(err))
		return
	}
	_ = r.store.Checkpoint(ctx, &continuity.Checkpoint{
		AgentID:  r.cfg.Agent.ID,
		State:    lifecycle.Snapshot(state),
		HeadHash: head,
	})
}

func itemOf(state lifecycle.State) int {
	switch st := state.(type) {
	case lifecycle.Assigned:
		return st.WorkItem
	case lifecycle.Working:
		return st.WorkItem
	case lifecycle.Landed:
		return st.WorkItem
	default:
		return 0
	}
}

// tracksExternal reports whether a checkpoint kind records work whose fate
// lives in the provider (a review-queued item or an open PR) rather than in
// the working tree.
func tracksExternal(kind string) bool {
	return kind == lifecycle.KindLanded.String() || kind == lifecycle.KindBundled.String()
}

func snapshotEqual(a, b continuity.StateSnapshot) bool {
	if a.Kind != b.Kind || a.WorkItem != b.WorkItem || a.Branch != b.Branch ||
		a.CommitsAhead != b.CommitsAhead || a.BundlePR != b.BundlePR ||
		len(a.WorkItems) != len(b.WorkItems) {
		return false
	}
	for i := range a.WorkItems {
		if a.WorkItems[i] != b.WorkItems[i] {
			return false
		}
	}
	return true
}
