package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/landd/internal/gateway"
	"github.com/fyrsmithlabs/landd/internal/gateway/gatewaytest"
	"github.com/fyrsmithlabs/landd/internal/logging"
)

func newDetector(t *testing.T, local *gatewaytest.FakeLocal, provider *gatewaytest.FakeProvider) *Detector {
	t.Helper()
	d, err := NewDetector(local, provider, testConfig(), logging.NewNop())
	require.NoError(t, err)
	return d
}

func TestDetectIdleOnBaseBranch(t *testing.T) {
	local := gatewaytest.NewFakeLocal()
	provider := gatewaytest.NewFakeProvider()
	d := newDetector(t, local, provider)

	state, err := d.Detect(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, Idle{}, state)
}

func TestDetectIdleOnForeignBranch(t *testing.T) {
	local := gatewaytest.NewFakeLocal()
	local.Branch = "feature/something-else"
	d := newDetector(t, local, gatewaytest.NewFakeProvider())

	state, err := d.Detect(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, Idle{}, state)
}

func TestDetectAssigned(t *testing.T) {
	local := gatewaytest.NewFakeLocal()
	local.Branch = "agent/agent-1/42"
	local.Commits["agent/agent-1/42"] = nil
	provider := gatewaytest.NewFakeProvider()
	provider.Items[42] = &gateway.WorkItem{Number: 42, State: "open", Labels: []string{"assigned"}}
	d := newDetector(t, local, provider)

	state, err := d.Detect(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, Assigned{WorkItem: 42, Branch: "agent/agent-1/42"}, state)
}

func TestDetectWorking(t *testing.T) {
	local := gatewaytest.NewFakeLocal()
	local.Branch = "agent/agent-1/42"
	local.Commits["agent/agent-1/42"] = []gateway.Commit{{Hash: "c1"}, {Hash: "c2"}}
	provider := gatewaytest.NewFakeProvider()
	provider.Items[42] = &gateway.WorkItem{Number: 42, State: "open", Labels: []string{"assigned"}}
	d := newDetector(t, local, provider)

	state, err := d.Detect(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, Working{WorkItem: 42, Branch: "agent/agent-1/42", CommitsAhead: 2}, state)
}

func TestDetectLanded(t *testing.T) {
	local := gatewaytest.NewFakeLocal()
	local.Branch = "agent/agent-1/42"
	local.Commits["agent/agent-1/42"] = []gateway.Commit{{Hash: "c1"}}
	provider := gatewaytest.NewFakeProvider()
	provider.Items[42] = &gateway.WorkItem{Number: 42, State: "open", Labels: []string{"ready-for-review"}}
	d := newDetector(t, local, provider)

	state, err := d.Detect(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, Landed{WorkItem: 42}, state)
}

func TestDetectAmbiguousLabelsReportsIdle(t *testing.T) {
	// Both route markers at once maps to no state; detection stays
	// conservative and pre-flight carries the mismatch.
	local := gatewaytest.NewFakeLocal()
	local.Branch = "agent/agent-1/42"
	local.Commits["agent/agent-1/42"] = []gateway.Commit{{Hash: "c1"}}
	provider := gatewaytest.NewFakeProvider()
	provider.Items[42] = &gateway.WorkItem{Number: 42, State: "open", Labels: []string{"assigned", "ready-for-review"}}
	d := newDetector(t, local, provider)

	state, err := d.Detect(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, Idle{}, state)

	issues, err := d.PreFlight(context.Background(), "agent-1")
	require.NoError(t, err)
	require.NotEmpty(t, issues)
	mismatch, ok := issues[0].(LabelMismatch)
	require.True(t, ok)
	assert.Equal(t, 42, mismatch.WorkItem)
}

func TestPreFlightCleanBranch(t *testing.T) {
	local := gatewaytest.NewFakeLocal()
	local.Branch = "agent/agent-1/42"
	local.Commits["agent/agent-1/42"] = []gateway.Commit{{Hash: "c1"}}
	provider := gatewaytest.NewFakeProvider()
	provider.Items[42] = &gateway.WorkItem{Number: 42, State: "open", Labels: []string{"assigned"}}
	d := newDetector(t, local, provider)

	issues, err := d.PreFlight(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestPreFlightFindings(t *testing.T) {
	local := gatewaytest.NewFakeLocal()
	local.Branch = "agent/agent-1/42"
	local.Commits["agent/agent-1/42"] = []gateway.Commit{{Hash: "c1"}}
	local.Behind["agent/agent-1/42"] = 3
	local.Unpushed["agent/agent-1/42"] = 1
	local.ProbeConflicts["agent/agent-1/42"] = []string{"main.go"}
	provider := gatewaytest.NewFakeProvider()
	provider.Items[42] = &gateway.WorkItem{Number: 42, State: "open", Labels: []string{"assigned"}}
	d := newDetector(t, local, provider)

	issues, err := d.PreFlight(context.Background(), "agent-1")
	require.NoError(t, err)

	assert.Contains(t, issues, BehindMain{Commits: 3})
	assert.Contains(t, issues, UnpushedCommits{Count: 1})
	assert.Contains(t, issues, MergeConflicts{Paths: []string{"main.go"}})
}

func TestPreFlightNoCommits(t *testing.T) {
	local := gatewaytest.NewFakeLocal()
	local.Branch = "agent/agent-1/42"
	local.Commits["agent/agent-1/42"] = nil
	provider := gatewaytest.NewFakeProvider()
	provider.Items[42] = &gateway.WorkItem{Number: 42, State: "open", Labels: []string{"assigned"}}
	d := newDetector(t, local, provider)

	issues, err := d.PreFlight(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Contains(t, issues, NoCommits{})
}

func TestPreFlightBranchMissing(t *testing.T) {
	// An item labeled assigned whose worker branch does not exist locally:
	// the labels claim live work with nothing behind it.
	local := gatewaytest.NewFakeLocal()
	provider := gatewaytest.NewFakeProvider()
	provider.Items[7] = &gateway.WorkItem{Number: 7, State: "open", Labels: []string{"assigned"}}
	d := newDetector(t, local, provider)

	issues, err := d.PreFlight(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Contains(t, issues, BranchMissing{Branch: "agent/agent-1/7"})
}
