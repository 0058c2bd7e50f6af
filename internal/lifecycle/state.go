// internal/lifecycle/state.go
package lifecycle

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/landd/internal/config"
	"github.com/fyrsmithlabs/landd/internal/continuity"
)

// Kind identifies a lifecycle state variant.
type Kind int

const (
	KindIdle Kind = iota
	KindAssigned
	KindWorking
	KindLanded
	KindBundled
	KindMerged
)

// AllKinds returns every lifecycle kind, for exhaustive checks.
func AllKinds() []Kind {
	return []Kind{KindIdle, KindAssigned, KindWorking, KindLanded, KindBundled, KindMerged}
}

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindIdle:
		return "idle"
	case KindAssigned:
		return "assigned"
	case KindWorking:
		return "working"
	case KindLanded:
		return "landed"
	case KindBundled:
		return "bundled"
	case KindMerged:
		return "merged"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// State is the closed set of worker lifecycle states. Exactly one state is
// authoritative at any time, derived by re-reading external state.
type State interface {
	Kind() Kind
	String() string
	sealed()
}

// Idle: no active assignment.
type Idle struct{}

func (Idle) Kind() Kind     { return KindIdle }
func (Idle) String() string { return "idle" }
func (Idle) sealed()        {}

// Assigned: claimed, branch exists, zero commits ahead of base.
type Assigned struct {
	WorkItem int
	Branch   string
}

func (s Assigned) Kind() Kind { return KindAssigned }
func (s Assigned) String() string {
	return fmt.Sprintf("assigned(#%d on %s)", s.WorkItem, s.Branch)
}
func (Assigned) sealed() {}

// Working: at least one commit ahead of base.
type Working struct {
	WorkItem     int
	Branch       string
	CommitsAhead int
}

func (s Working) Kind() Kind { return KindWorking }
func (s Working) String() string {
	return fmt.Sprintf("working(#%d on %s, %d ahead)", s.WorkItem, s.Branch, s.CommitsAhead)
}
func (Working) sealed() {}

// Landed: work pushed and marked for review. The worker is free again at
// this instant, not when review or merge completes.
type Landed struct {
	WorkItem int
}

func (s Landed) Kind() Kind     { return KindLanded }
func (s Landed) String() string { return fmt.Sprintf("landed(#%d)", s.WorkItem) }
func (Landed) sealed()          {}

// Bundled: landed items consolidated into one pending pull request.
type Bundled struct {
	WorkItems []int
	BundlePR  int
}

func (s Bundled) Kind() Kind { return KindBundled }
func (s Bundled) String() string {
	return fmt.Sprintf("bundled(%v in PR #%d)", s.WorkItems, s.BundlePR)
}
func (Bundled) sealed() {}

// Merged: terminal, the change is in the base branch.
type Merged struct {
	WorkItems []int
}

func (s Merged) Kind() Kind     { return KindMerged }
func (s Merged) String() string { return fmt.Sprintf("merged(%v)", s.WorkItems) }
func (Merged) sealed()          {}

// Snapshot converts a state to its persisted form.
func Snapshot(s State) continuity.StateSnapshot {
	switch st := s.(type) {
	case Idle:
		return continuity.StateSnapshot{Kind: st.Kind().String()}
	case Assigned:
		return continuity.StateSnapshot{Kind: st.Kind().String(), WorkItem: st.WorkItem, Branch: st.Branch}
	case Working:
		return continuity.StateSnapshot{Kind: st.Kind().String(), WorkItem: st.WorkItem, Branch: st.Branch, CommitsAhead: st.CommitsAhead}
	case Landed:
		return continuity.StateSnapshot{Kind: st.Kind().String(), WorkItem: st.WorkItem}
	case Bundled:
		return continuity.StateSnapshot{Kind: st.Kind().String(), WorkItems: st.WorkItems, BundlePR: st.BundlePR}
	case Merged:
		return continuity.StateSnapshot{Kind: st.Kind().String(), WorkItems: st.WorkItems}
	default:
		return continuity.StateSnapshot{Kind: "idle"}
	}
}

// FromSnapshot converts a persisted snapshot back to a state.
func FromSnapshot(snap continuity.StateSnapshot) (State, error) {
	switch snap.Kind {
	case "idle", "":
		return Idle{}, nil
	case "assigned":
		return Assigned{WorkItem: snap.WorkItem, Branch: snap.Branch}, nil
	case "working":
		return Working{WorkItem: snap.WorkItem, Branch: snap.Branch, CommitsAhead: snap.CommitsAhead}, nil
	case "landed":
		return Landed{WorkItem: snap.WorkItem}, nil
	case "bundled":
		return Bundled{WorkItems: snap.WorkItems, BundlePR: snap.BundlePR}, nil
	case "merged":
		return Merged{WorkItems: snap.WorkItems}, nil
	default:
		return nil, fmt.Errorf("unknown state kind %q", snap.Kind)
	}
}

// BranchName builds the worker branch name for a work item:
// <prefix><agentID>/<item>.
func BranchName(agent config.AgentConfig, agentID string, item int) string {
	return agent.BranchPrefix + agentID + "/" + strconv.Itoa(item)
}

// ParseBranch extracts the work item number from a worker branch name.
// ok is false when the branch does not follow the worker's convention.
func ParseBranch(agent config.AgentConfig, agentID, branch string) (item int, ok bool) {
	prefix := agent.BranchPrefix + agentID + "/"
	if !strings.HasPrefix(branch, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(branch, prefix))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
