package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/landd/internal/config"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Repo.Owner = "fyrsmithlabs"
	cfg.Repo.Name = "widgets"
	cfg.Repo.Path = "/tmp/widgets"
	return cfg
}

func TestTransitionTable(t *testing.T) {
	legal := map[[2]Kind]bool{
		{KindIdle, KindAssigned}:    true,
		{KindAssigned, KindWorking}: true,
		{KindAssigned, KindIdle}:    true,
		{KindWorking, KindLanded}:   true,
		{KindWorking, KindIdle}:     true,
		{KindLanded, KindBundled}:   true,
		{KindLanded, KindMerged}:    true,
		{KindBundled, KindMerged}:   true,
	}
	for _, from := range AllKinds() {
		for _, to := range AllKinds() {
			want := legal[[2]Kind{from, to}]
			assert.Equal(t, want, IsLegal(from, to), "%s -> %s", from, to)
		}
	}
}

func TestPlanTransitionIllegal(t *testing.T) {
	p := NewPlanner(testConfig())

	plan := p.PlanTransition(KindMerged, KindWorking, TransitionContext{AgentID: "agent-1"})

	assert.Equal(t, RiskCritical, plan.Risk)
	assert.False(t, plan.CanAutoExecute)
	require.Len(t, plan.Ops, 1)
	assert.Equal(t, "error", plan.Ops[0].Name())
	assert.Contains(t, plan.Reason, "illegal transition")
}

func TestPlanTransitionClaim(t *testing.T) {
	p := NewPlanner(testConfig())

	plan := p.PlanTransition(KindIdle, KindAssigned, TransitionContext{
		AgentID:  "agent-1",
		WorkItem: 42,
		Branch:   "agent/agent-1/42",
	})

	assert.Equal(t, RiskLow, plan.Risk)
	assert.True(t, plan.CanAutoExecute)
	assert.Equal(t, []string{
		"create_remote_branch(agent/agent-1/42 from main)",
		"create_local_branch(agent/agent-1/42 from main)",
		"add_label(#42, assigned)",
		"remove_label(#42, ready-for-work)",
		"notice",
	}, plan.OpNames())
}

func TestPlanTransitionLanding(t *testing.T) {
	p := NewPlanner(testConfig())

	plan := p.PlanTransition(KindWorking, KindLanded, TransitionContext{
		AgentID:  "agent-1",
		WorkItem: 42,
		Branch:   "agent/agent-1/42",
	})

	// The review label must go on before the assigned label comes off, so a
	// crash in between never hides completed work.
	assert.Equal(t, []string{
		"add_label(#42, ready-for-review)",
		"remove_label(#42, assigned)",
		"remove_label(#42, ready-for-work)",
		"checkout(main)",
		"notice",
	}, plan.OpNames())
	assert.True(t, plan.CanAutoExecute)
}

func TestPlanTransitionReset(t *testing.T) {
	p := NewPlanner(testConfig())

	for _, from := range []Kind{KindAssigned, KindWorking} {
		plan := p.PlanTransition(from, KindIdle, TransitionContext{
			AgentID:  "agent-1",
			WorkItem: 7,
			Branch:   "agent/agent-1/7",
		})
		assert.Equal(t, RiskHigh, plan.Risk, "from %s", from)
		assert.False(t, plan.CanAutoExecute, "from %s", from)
		assert.Contains(t, plan.OpNames(), "add_label(#7, ready-for-work)")
	}
}

func TestPlanRecovery(t *testing.T) {
	p := NewPlanner(testConfig())
	tctx := TransitionContext{AgentID: "agent-1", WorkItem: 42, Branch: "agent/agent-1/42"}

	tests := []struct {
		name     string
		issues   []PreFlightIssue
		wantRisk RiskLevel
		wantAuto bool
		wantOps  []string
	}{
		{
			name:     "clean",
			issues:   nil,
			wantRisk: RiskSafe,
			wantAuto: true,
			wantOps:  []string{},
		},
		{
			name:     "unpushed commits push automatically",
			issues:   []PreFlightIssue{UnpushedCommits{Count: 2}},
			wantRisk: RiskLow,
			wantAuto: true,
			wantOps:  []string{"push(agent/agent-1/42)"},
		},
		{
			name:     "behind base only warns",
			issues:   []PreFlightIssue{BehindMain{Commits: 5}},
			wantRisk: RiskLow,
			wantAuto: true,
			wantOps:  []string{"warning"},
		},
		{
			name:     "merge conflicts are never auto-resolved",
			issues:   []PreFlightIssue{MergeConflicts{Paths: []string{"a.go"}}},
			wantRisk: RiskCritical,
			wantAuto: false,
			wantOps:  []string{"error"},
		},
		{
			name:     "empty branch needs a human decision",
			issues:   []PreFlightIssue{NoCommits{}},
			wantRisk: RiskHigh,
			wantAuto: false,
			wantOps:  []string{"warning"},
		},
		{
			name:     "missing branch is critical",
			issues:   []PreFlightIssue{BranchMissing{Branch: "agent/agent-1/42"}},
			wantRisk: RiskCritical,
			wantAuto: false,
			wantOps:  []string{"error"},
		},
		{
			name:     "risk combines as the maximum",
			issues:   []PreFlightIssue{UnpushedCommits{Count: 1}, LabelMismatch{WorkItem: 42}},
			wantRisk: RiskMedium,
			wantAuto: false,
			wantOps:  []string{"push(agent/agent-1/42)", "warning"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := p.PlanRecovery(tctx, tt.issues)
			assert.Equal(t, tt.wantRisk, plan.Risk)
			assert.Equal(t, tt.wantAuto, plan.CanAutoExecute)
			assert.Equal(t, tt.wantOps, plan.OpNames())
		})
	}
}

func TestPlanPreserve(t *testing.T) {
	p := NewPlanner(testConfig())
	tctx := TransitionContext{AgentID: "agent-1", WorkItem: 42, Branch: "agent/agent-1/42"}

	plan := p.PlanPreserve(tctx, "backup/agent-1-42-20260901-120000")

	assert.True(t, plan.CanAutoExecute)
	assert.Equal(t, []string{
		"create_local_branch(backup/agent-1-42-20260901-120000 from agent/agent-1/42)",
		"push(backup/agent-1-42-20260901-120000)",
		"notice",
	}, plan.OpNames())
}

func TestPlanIDsAreUnique(t *testing.T) {
	p := NewPlanner(testConfig())
	tctx := TransitionContext{AgentID: "agent-1", WorkItem: 1, Branch: "agent/agent-1/1"}

	a := p.PlanTransition(KindIdle, KindAssigned, tctx)
	b := p.PlanTransition(KindIdle, KindAssigned, tctx)
	require.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
}
