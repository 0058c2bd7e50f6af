package lifecycle

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/landd/internal/continuity"
	"github.com/fyrsmithlabs/landd/internal/gateway"
	"github.com/fyrsmithlabs/landd/internal/gateway/gatewaytest"
	"github.com/fyrsmithlabs/landd/internal/logging"
)

func newServiceFixture(t *testing.T) (Service, *gatewaytest.FakeLocal, *gatewaytest.FakeProvider) {
	t.Helper()
	local := gatewaytest.NewFakeLocal()
	provider := gatewaytest.NewFakeProvider()
	store, err := continuity.NewStore(t.TempDir(), nil, logging.NewNop())
	require.NoError(t, err)
	svc, err := NewService(testConfig(), local, provider, store, logging.NewNop())
	require.NoError(t, err)
	return svc, local, provider
}

func TestOrderCandidates(t *testing.T) {
	labels := testConfig().Labels
	old := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	recent := old.Add(24 * time.Hour)

	items := []*gateway.WorkItem{
		{Number: 1, CreatedAt: recent},
		{Number: 2, CreatedAt: old},
		{Number: 3, Labels: []string{"priority:low"}, CreatedAt: recent},
		{Number: 4, Labels: []string{"priority:high"}, CreatedAt: recent},
		{Number: 5, Labels: []string{"unblocker"}, CreatedAt: recent},
		{Number: 6, Labels: []string{"priority:medium"}, CreatedAt: recent},
		{Number: 7, Labels: []string{"priority:high"}, CreatedAt: old},
	}

	ordered := OrderCandidates(items, labels)

	var numbers []int
	for _, it := range ordered {
		numbers = append(numbers, it.Number)
	}
	// Unblocker, then priority high (oldest first), medium, low, then
	// unlabelled by age.
	assert.Equal(t, []int{5, 7, 4, 6, 3, 2, 1}, numbers)
}

func TestClaimPicksBestCandidate(t *testing.T) {
	svc, local, provider := newServiceFixture(t)
	provider.Items[10] = &gateway.WorkItem{Number: 10, State: "open", Labels: []string{"ready-for-work"}}
	provider.Items[11] = &gateway.WorkItem{Number: 11, State: "open", Labels: []string{"ready-for-work", "priority:high"}}

	result, err := svc.Claim(context.Background(), "agent-1")
	require.NoError(t, err)

	assert.Equal(t, 11, result.WorkItem.Number)
	assert.Equal(t, "agent/agent-1/11", result.Branch)
	assert.Equal(t, "agent/agent-1/11", local.Branch)

	item, err := provider.GetWorkItem(context.Background(), 11)
	require.NoError(t, err)
	assert.True(t, item.HasLabel("assigned"))
	assert.False(t, item.HasLabel("ready-for-work"))

	// The untouched candidate keeps its ready label.
	other, err := provider.GetWorkItem(context.Background(), 10)
	require.NoError(t, err)
	assert.True(t, other.HasLabel("ready-for-work"))
}

func TestClaimFailsWhenNotIdle(t *testing.T) {
	svc, local, provider := newServiceFixture(t)
	local.Branch = "agent/agent-1/42"
	local.Commits["agent/agent-1/42"] = []gateway.Commit{{Hash: "c1"}}
	provider.Items[42] = &gateway.WorkItem{Number: 42, State: "open", Labels: []string{"assigned"}}
	provider.Items[50] = &gateway.WorkItem{Number: 50, State: "open", Labels: []string{"ready-for-work"}}

	_, err := svc.Claim(context.Background(), "agent-1")
	assert.ErrorIs(t, err, ErrNotIdle)
}

func TestClaimNoReadyWork(t *testing.T) {
	svc, _, _ := newServiceFixture(t)

	_, err := svc.Claim(context.Background(), "agent-1")
	assert.ErrorIs(t, err, ErrNoReadyWork)
}

func TestLandMovesItemToReviewQueue(t *testing.T) {
	svc, local, provider := newServiceFixture(t)
	local.Branch = "agent/agent-1/42"
	local.Commits["agent/agent-1/42"] = []gateway.Commit{{Hash: "c1"}}
	provider.Items[42] = &gateway.WorkItem{Number: 42, State: "open", Labels: []string{"assigned"}}

	result, err := svc.Land(context.Background(), "agent-1", ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, 42, result.WorkItem)

	item, err := provider.GetWorkItem(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, item.HasLabel("ready-for-review"))
	assert.False(t, item.HasLabel("assigned"))
	assert.Equal(t, "main", local.Branch)
}

func TestLandPushesUnpushedCommitsFirst(t *testing.T) {
	svc, local, provider := newServiceFixture(t)
	local.Branch = "agent/agent-1/42"
	local.Commits["agent/agent-1/42"] = []gateway.Commit{{Hash: "c1"}}
	local.Unpushed["agent/agent-1/42"] = 1
	provider.Items[42] = &gateway.WorkItem{Number: 42, State: "open", Labels: []string{"assigned"}}

	result, err := svc.Land(context.Background(), "agent-1", ExecOptions{})
	require.NoError(t, err)

	require.NotNil(t, result.Recovery)
	assert.Equal(t, []string{"agent/agent-1/42"}, local.Pushed)
}

func TestLandResumesInterruptedLanding(t *testing.T) {
	svc, local, provider := newServiceFixture(t)
	local.Branch = "agent/agent-1/42"
	local.Commits["agent/agent-1/42"] = []gateway.Commit{{Hash: "c1"}}
	// A crash after the review label went on and the assigned label came
	// off, but before the checkout back to base. Running land again must
	// finish the remaining work instead of refusing.
	provider.Items[42] = &gateway.WorkItem{Number: 42, State: "open", Labels: []string{"ready-for-review", "ready-for-work"}}

	result, err := svc.Land(context.Background(), "agent-1", ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, 42, result.WorkItem)
	assert.Equal(t, "main", local.Branch)

	item, err := provider.GetWorkItem(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, item.HasLabel("ready-for-review"))
	assert.False(t, item.HasLabel("ready-for-work"))
	// The review label was already on, so nothing re-added it.
	assert.Empty(t, provider.AddLabelCalls)
}

func TestLandBlocksOnMergeConflicts(t *testing.T) {
	svc, local, provider := newServiceFixture(t)
	local.Branch = "agent/agent-1/42"
	local.Commits["agent/agent-1/42"] = []gateway.Commit{{Hash: "c1"}}
	local.ProbeConflicts["agent/agent-1/42"] = []string{"a.go"}
	provider.Items[42] = &gateway.WorkItem{Number: 42, State: "open", Labels: []string{"assigned"}}

	_, err := svc.Land(context.Background(), "agent-1", ExecOptions{Confirmed: true})
	require.ErrorIs(t, err, ErrCriticalPlan)

	// Nothing landed: the review label never went on.
	item, gerr := provider.GetWorkItem(context.Background(), 42)
	require.NoError(t, gerr)
	assert.False(t, item.HasLabel("ready-for-review"))
	assert.True(t, item.HasLabel("assigned"))
}

func TestLandRefusesWithoutWork(t *testing.T) {
	svc, _, _ := newServiceFixture(t)

	_, err := svc.Land(context.Background(), "agent-1", ExecOptions{})
	assert.Error(t, err)
}

func TestForceResetPreservesWork(t *testing.T) {
	svc, local, provider := newServiceFixture(t)
	local.Branch = "agent/agent-1/42"
	local.Commits["agent/agent-1/42"] = []gateway.Commit{{Hash: "c1"}}
	provider.Items[42] = &gateway.WorkItem{Number: 42, State: "open", Labels: []string{"assigned"}}

	_, err := svc.ForceReset(context.Background(), "agent-1", ExecOptions{Confirmed: true})
	require.NoError(t, err)

	// A backup branch was created and pushed before the claim was released.
	require.NotEmpty(t, local.Created)
	assert.Contains(t, local.Created[0], "backup/agent-1-42-")
	require.NotEmpty(t, local.Pushed)
	assert.Equal(t, local.Created[0], local.Pushed[0])

	item, err := provider.GetWorkItem(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, item.HasLabel("ready-for-work"))
	assert.False(t, item.HasLabel("assigned"))
	assert.Equal(t, "main", local.Branch)
}

func TestForceResetRefusesDirtyTree(t *testing.T) {
	svc, local, provider := newServiceFixture(t)
	local.Branch = "agent/agent-1/42"
	local.Commits["agent/agent-1/42"] = []gateway.Commit{{Hash: "c1"}}
	local.Uncommitted = []string{"internal/widget/widget.go"}
	provider.Items[42] = &gateway.WorkItem{Number: 42, State: "open", Labels: []string{"assigned"}}

	_, err := svc.ForceReset(context.Background(), "agent-1", ExecOptions{Confirmed: true})
	require.ErrorIs(t, err, ErrDirtyTree)

	// Nothing moved: no backup branch, claim intact.
	assert.Empty(t, local.Created)
	assert.Equal(t, "agent/agent-1/42", local.Branch)
	item, gerr := provider.GetWorkItem(context.Background(), 42)
	require.NoError(t, gerr)
	assert.True(t, item.HasLabel("assigned"))
}

func TestForceResetRequiresConfirmation(t *testing.T) {
	svc, local, provider := newServiceFixture(t)
	local.Branch = "agent/agent-1/42"
	local.Commits["agent/agent-1/42"] = []gateway.Commit{{Hash: "c1"}}
	provider.Items[42] = &gateway.WorkItem{Number: 42, State: "open", Labels: []string{"assigned"}}

	_, err := svc.ForceReset(context.Background(), "agent-1", ExecOptions{})
	assert.ErrorIs(t, err, ErrConfirmationRequired)
}

func TestClaimFailsWhenTreeLocked(t *testing.T) {
	local := gatewaytest.NewFakeLocal()
	provider := gatewaytest.NewFakeProvider()
	store, err := continuity.NewStore(t.TempDir(), nil, logging.NewNop())
	require.NoError(t, err)
	svc, err := NewService(testConfig(), local, provider, store, logging.NewNop())
	require.NoError(t, err)
	provider.Items[10] = &gateway.WorkItem{Number: 10, State: "open", Labels: []string{"ready-for-work"}}

	other := gateway.NewWorktreeLock(filepath.Join(store.Dir(), gateway.LockFile))
	require.NoError(t, other.TryLock())
	defer other.Unlock()

	_, err = svc.Claim(context.Background(), "agent-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock")
}

func TestStatusReportsStateAndHistory(t *testing.T) {
	svc, local, provider := newServiceFixture(t)
	provider.Items[10] = &gateway.WorkItem{Number: 10, State: "open", Labels: []string{"ready-for-work"}}

	_, err := svc.Claim(context.Background(), "agent-1")
	require.NoError(t, err)
	local.Commits["agent/agent-1/10"] = []gateway.Commit{{Hash: "c1"}}

	report, err := svc.Status(context.Background(), "agent-1")
	require.NoError(t, err)

	assert.Equal(t, KindWorking, report.State.Kind())
	require.NotNil(t, report.Checkpoint)
	assert.NotEmpty(t, report.History)
}
