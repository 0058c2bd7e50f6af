package drift

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/landd/internal/config"
	"github.com/fyrsmithlabs/landd/internal/continuity"
	"github.com/fyrsmithlabs/landd/internal/gateway"
	"github.com/fyrsmithlabs/landd/internal/gateway/gatewaytest"
	"github.com/fyrsmithlabs/landd/internal/lifecycle"
	"github.com/fyrsmithlabs/landd/internal/logging"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Repo.Owner = "fyrsmithlabs"
	cfg.Repo.Name = "widgets"
	cfg.Repo.Path = "/tmp/widgets"
	return cfg
}

type fixture struct {
	reconciler *Reconciler
	local      *gatewaytest.FakeLocal
	provider   *gatewaytest.FakeProvider
	store      *continuity.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	local := gatewaytest.NewFakeLocal()
	provider := gatewaytest.NewFakeProvider()
	store, err := continuity.NewStore(t.TempDir(), nil, logging.NewNop())
	require.NoError(t, err)
	r, err := NewReconciler(testConfig(), local, provider, store, logging.NewNop())
	require.NoError(t, err)
	return &fixture{reconciler: r, local: local, provider: provider, store: store}
}

// claimItem puts the worker mid-task on the item's branch with one commit.
func (fx *fixture) claimItem(number int) string {
	branch := fmt.Sprintf("agent/agent-1/%d", number)
	fx.local.Branch = branch
	fx.local.Commits[branch] = []gateway.Commit{{Hash: "c1"}}
	fx.provider.RemoteBranches[branch] = true
	fx.provider.Items[number] = &gateway.WorkItem{Number: number, State: "open", Labels: []string{"assigned"}}
	return branch
}

func TestRunCleanStateRefreshesCheckpoint(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	report, state, err := fx.reconciler.Run(ctx)
	require.NoError(t, err)

	assert.Empty(t, report.Findings)
	assert.Equal(t, lifecycle.Idle{}, state)

	cp, err := fx.store.Restore(ctx)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "idle", cp.State.Kind)
}

func TestRunStaleCheckpointRefreshed(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	// The checkpoint believes the worker holds an item; the tree says idle.
	require.NoError(t, fx.store.Checkpoint(ctx, &continuity.Checkpoint{
		AgentID:  "agent-1",
		State:    continuity.StateSnapshot{Kind: "working", WorkItem: 9, Branch: "agent/agent-1/9"},
		HeadHash: "headhash",
	}))

	report, state, err := fx.reconciler.Run(ctx)
	require.NoError(t, err)

	require.Len(t, report.Findings, 1)
	assert.Equal(t, SeverityModerate, report.Findings[0].Severity)
	assert.Equal(t, "checkpoint", report.Findings[0].Subject)
	require.Len(t, report.Corrections, 1)
	assert.Equal(t, "checkpoint_refreshed", report.Corrections[0].Action)
	assert.Equal(t, lifecycle.Idle{}, state)

	cp, err := fx.store.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, "idle", cp.State.Kind)
}

func TestRunItemClosedExternally(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.claimItem(55)
	fx.provider.Items[55].State = "closed"

	report, state, err := fx.reconciler.Run(ctx)
	require.NoError(t, err)

	require.Len(t, report.Findings, 1)
	f := report.Findings[0]
	assert.Equal(t, SeverityCritical, f.Severity)
	assert.Equal(t, "item:55", f.Subject)

	require.Len(t, report.Corrections, 1)
	corr := report.Corrections[0]
	assert.Equal(t, "released", corr.Action)
	assert.Contains(t, corr.BackupBranch, "backup/agent-1-55-")
	assert.NotZero(t, corr.TrackingIssue)

	// Local work survived on the pushed backup branch.
	assert.Contains(t, fx.local.Pushed, corr.BackupBranch)
	// The worker is free again and the closed item did not return to the
	// ready pool.
	assert.Equal(t, lifecycle.Idle{}, state)
	assert.True(t, report.StateChanged)
	assert.Equal(t, "main", fx.local.Branch)
	for _, call := range fx.provider.AddLabelCalls {
		assert.NotEqual(t, "ready-for-work", call.Label)
	}
}

func TestRunBranchDeletedExternally(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	branch := fx.claimItem(55)
	delete(fx.provider.RemoteBranches, branch)

	report, state, err := fx.reconciler.Run(ctx)
	require.NoError(t, err)

	require.Len(t, report.Findings, 1)
	assert.Equal(t, SeverityCritical, report.Findings[0].Severity)
	assert.Equal(t, "branch:"+branch, report.Findings[0].Subject)

	// The item is still open, so it returns to the ready pool.
	item, err := fx.provider.GetWorkItem(ctx, 55)
	require.NoError(t, err)
	assert.True(t, item.HasLabel("ready-for-work"))
	assert.False(t, item.HasLabel("assigned"))
	assert.Equal(t, lifecycle.Idle{}, state)
}

func TestRunCooldownSuppressesRepeatCorrections(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.claimItem(55)
	fx.provider.Items[55].State = "closed"

	report, _, err := fx.reconciler.Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Corrections, 1)
	require.Equal(t, "released", report.Corrections[0].Action)

	// Recreate the same divergence immediately; the subject is cooling
	// down, so the pass records the drift without acting on it.
	fx.claimItem(55)
	fx.provider.Items[55].State = "closed"

	report, _, err = fx.reconciler.Run(ctx)
	require.NoError(t, err)
	last := report.Corrections[len(report.Corrections)-1]
	assert.Equal(t, "skipped_cooldown", last.Action)
	// No second tracking issue was filed.
	assert.Len(t, fx.provider.CreatedIssues, 1)
}

// checkpointBundle records a bundle the worker shipped earlier. The worker
// itself is back on base, so only the checkpoint remembers the PR.
func (fx *fixture) checkpointBundle(t *testing.T, items []int, pr int) {
	t.Helper()
	require.NoError(t, fx.store.Checkpoint(context.Background(), &continuity.Checkpoint{
		AgentID:  "agent-1",
		State:    continuity.StateSnapshot{Kind: "bundled", WorkItems: items, BundlePR: pr},
		HeadHash: "headhash",
	}))
}

func TestRunBundleMergedFinalizes(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.provider.Items[1] = &gateway.WorkItem{Number: 1, State: "open", Labels: []string{"bundled"}}
	fx.provider.Items[2] = &gateway.WorkItem{Number: 2, State: "open", Labels: []string{"bundled"}}
	fx.provider.Pulls[104] = &gateway.PullRequest{Number: 104, State: "closed", Merged: true, Head: "agent/agent-1/bundle-x"}
	fx.checkpointBundle(t, []int{1, 2}, 104)

	report, state, err := fx.reconciler.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, lifecycle.Merged{WorkItems: []int{1, 2}}, state)
	assert.True(t, report.StateChanged)
	for _, n := range []int{1, 2} {
		item, gerr := fx.provider.GetWorkItem(ctx, n)
		require.NoError(t, gerr)
		assert.False(t, item.HasLabel("bundled"), "#%d", n)
	}

	// The merged bundle's head branch and the constituent worker branches
	// were cleaned up.
	assert.ElementsMatch(t,
		[]string{"agent/agent-1/bundle-x", "agent/agent-1/1", "agent/agent-1/2"},
		fx.provider.DeletedBranches)

	cp, err := fx.store.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, "merged", cp.State.Kind)
}

func TestRunBundleClosedWithoutMerge(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.provider.Items[1] = &gateway.WorkItem{Number: 1, State: "open", Labels: []string{"bundled"}}
	fx.provider.Items[2] = &gateway.WorkItem{Number: 2, State: "open", Labels: []string{"bundled"}}
	fx.provider.Pulls[104] = &gateway.PullRequest{Number: 104, State: "closed", Merged: false}
	fx.checkpointBundle(t, []int{1, 2}, 104)

	report, state, err := fx.reconciler.Run(ctx)
	require.NoError(t, err)

	require.Len(t, report.Findings, 1)
	assert.Equal(t, SeverityCritical, report.Findings[0].Severity)
	assert.Equal(t, "pr:104", report.Findings[0].Subject)
	assert.Equal(t, lifecycle.Idle{}, state)

	// Items went back to the review queue and a tracking issue exists.
	for _, n := range []int{1, 2} {
		item, gerr := fx.provider.GetWorkItem(ctx, n)
		require.NoError(t, gerr)
		assert.True(t, item.HasLabel("ready-for-review"), "#%d", n)
		assert.False(t, item.HasLabel("bundled"), "#%d", n)
	}
	assert.Len(t, fx.provider.CreatedIssues, 1)
}

func TestRunBundleStillOpenKeepsTracking(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.provider.Pulls[104] = &gateway.PullRequest{Number: 104, State: "open"}
	fx.checkpointBundle(t, []int{1}, 104)

	report, state, err := fx.reconciler.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, lifecycle.Bundled{WorkItems: []int{1}, BundlePR: 104}, state)
	assert.Empty(t, report.Findings)
	assert.Empty(t, fx.provider.DeletedBranches)

	// The worker sits on base, but the checkpoint keeps tracking the PR.
	cp, err := fx.store.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, "bundled", cp.State.Kind)
	assert.Equal(t, 104, cp.State.BundlePR)
}

func TestRunLandedItemClosedExternally(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.provider.Items[7] = &gateway.WorkItem{Number: 7, State: "closed", Labels: []string{"ready-for-review"}}
	require.NoError(t, fx.store.Checkpoint(ctx, &continuity.Checkpoint{
		AgentID:  "agent-1",
		State:    continuity.StateSnapshot{Kind: "landed", WorkItem: 7},
		HeadHash: "headhash",
	}))

	report, state, err := fx.reconciler.Run(ctx)
	require.NoError(t, err)

	require.Len(t, report.Findings, 1)
	assert.Equal(t, SeverityModerate, report.Findings[0].Severity)
	require.Len(t, report.Corrections, 1)
	assert.Equal(t, "dropped_from_review", report.Corrections[0].Action)
	assert.Equal(t, lifecycle.Idle{}, state)

	item, err := fx.provider.GetWorkItem(ctx, 7)
	require.NoError(t, err)
	assert.False(t, item.HasLabel("ready-for-review"))
}

func TestRunLandedItemStillOpenKeepsTracking(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.provider.Items[7] = &gateway.WorkItem{Number: 7, State: "open", Labels: []string{"ready-for-review"}}
	require.NoError(t, fx.store.Checkpoint(ctx, &continuity.Checkpoint{
		AgentID:  "agent-1",
		State:    continuity.StateSnapshot{Kind: "landed", WorkItem: 7},
		HeadHash: "headhash",
	}))

	report, state, err := fx.reconciler.Run(ctx)
	require.NoError(t, err)

	assert.Empty(t, report.Findings)
	assert.Equal(t, lifecycle.Landed{WorkItem: 7}, state)

	cp, err := fx.store.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, "landed", cp.State.Kind)
	assert.Equal(t, 7, cp.State.WorkItem)
}

func TestRunDirtyTreeBlocksRelease(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	branch := fx.claimItem(55)
	fx.provider.Items[55].State = "closed"
	fx.local.Uncommitted = []string{"internal/widget/widget.go"}

	report, state, err := fx.reconciler.Run(ctx)
	require.NoError(t, err)

	require.Len(t, report.Findings, 1)
	require.Len(t, report.Corrections, 1)
	corr := report.Corrections[0]
	assert.Equal(t, "dirty_tree", corr.Action)
	assert.NotZero(t, corr.TrackingIssue)

	// Nothing moved: the worker keeps the branch until a human resolves it.
	assert.Equal(t, lifecycle.KindWorking, state.Kind())
	assert.False(t, report.StateChanged)
	assert.Equal(t, branch, fx.local.Branch)
	assert.Empty(t, fx.local.Pushed)
}

func TestRunFailsWhenTreeLocked(t *testing.T) {
	fx := newFixture(t)
	other := gateway.NewWorktreeLock(filepath.Join(fx.store.Dir(), gateway.LockFile))
	require.NoError(t, other.TryLock())
	defer other.Unlock()

	_, _, err := fx.reconciler.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock")
}

func TestRunBehindBaseIsModerate(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	branch := fx.claimItem(55)
	fx.local.Behind[branch] = 25

	report, state, err := fx.reconciler.Run(ctx)
	require.NoError(t, err)

	require.Len(t, report.Findings, 1)
	assert.Equal(t, SeverityModerate, report.Findings[0].Severity)
	// No reset: the worker keeps its claim.
	assert.Equal(t, lifecycle.KindWorking, state.Kind())
	assert.False(t, report.StateChanged)
}

func TestNextInterval(t *testing.T) {
	fx := newFixture(t)
	cfg := testConfig()

	assert.Equal(t, cfg.Drift.MaxInterval.Duration(), fx.reconciler.NextInterval(lifecycle.KindIdle))
	assert.Equal(t, cfg.Drift.MaxInterval.Duration(), fx.reconciler.NextInterval(lifecycle.KindMerged))
	assert.Equal(t, cfg.Drift.MinInterval.Duration(), fx.reconciler.NextInterval(lifecycle.KindWorking))
	assert.Equal(t, cfg.Drift.MinInterval.Duration(), fx.reconciler.NextInterval(lifecycle.KindBundled))
}
