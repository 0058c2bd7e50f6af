// internal/lifecycle/preflight.go
package lifecycle

import (
	"fmt"
	"strings"
)

// PreFlightIssue is a detected inconsistency that must be resolved before a
// transition proceeds. Recomputed every cycle, never persisted; only the
// corrective actions are.
type PreFlightIssue interface {
	String() string
	preflight()
}

// NoCommits: the branch has no commits ahead of base; landing would be empty.
type NoCommits struct{}

func (NoCommits) String() string { return "branch has no commits ahead of base" }
func (NoCommits) preflight()     {}

// UnpushedCommits: local commits not yet on the remote.
type UnpushedCommits struct {
	Count int
}

func (i UnpushedCommits) String() string {
	return fmt.Sprintf("%d unpushed commits", i.Count)
}
func (UnpushedCommits) preflight() {}

// BehindMain: the branch is behind base.
type BehindMain struct {
	Commits int
}

func (i BehindMain) String() string {
	return fmt.Sprintf("branch is %d commits behind base", i.Commits)
}
func (BehindMain) preflight() {}

// MergeConflicts: merging the branch into base would conflict.
type MergeConflicts struct {
	Paths []string
}

func (i MergeConflicts) String() string {
	return "merge would conflict in " + strings.Join(i.Paths, ", ")
}
func (MergeConflicts) preflight() {}

// BranchMissing: labels claim an assignment but the worker branch is gone.
type BranchMissing struct {
	Branch string
}

func (i BranchMissing) String() string {
	return fmt.Sprintf("expected branch %s does not exist", i.Branch)
}
func (BranchMissing) preflight() {}

// LabelMismatch: the label combination does not map to any lifecycle state.
type LabelMismatch struct {
	WorkItem int
	Expected []string
	Actual   []string
}

func (i LabelMismatch) String() string {
	return fmt.Sprintf("issue #%d labels %v do not match any lifecycle state (route markers: %v)",
		i.WorkItem, i.Actual, i.Expected)
}
func (LabelMismatch) preflight() {}
