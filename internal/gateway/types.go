// internal/gateway/types.go
package gateway

import (
	"context"
	"time"
)

// WorkItem is an external issue as the engine sees it: identity, labels and
// open/closed state. The engine only reads and relabels work items; the
// provider owns them.
type WorkItem struct {
	Number    int
	Title     string
	Labels    []string
	State     string // "open" or "closed"
	Assignee  string
	CreatedAt time.Time
}

// HasLabel reports whether the item carries the given label.
func (w *WorkItem) HasLabel(label string) bool {
	for _, l := range w.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// PullRequest is the subset of provider PR state the engine consumes.
type PullRequest struct {
	Number int
	State  string // "open" or "closed"
	Merged bool
	Head   string
	Base   string
}

// AheadBehind counts commits on a branch relative to a base ref.
type AheadBehind struct {
	Ahead  int
	Behind int
}

// Commit is a local commit reference used for cherry-picking.
type Commit struct {
	Hash    string
	Message string
}

// NewPull describes a pull request to open.
type NewPull struct {
	Title  string
	Body   string
	Head   string
	Base   string
	Labels []string
}

// NewIssue describes a tracking issue to file.
type NewIssue struct {
	Title  string
	Body   string
	Labels []string
}

// Local is the typed surface over the git working tree.
type Local interface {
	// CurrentBranch returns the checked-out branch name, or an error with
	// KindInconsistency on detached HEAD.
	CurrentBranch(ctx context.Context) (string, error)

	// HeadHash returns the working tree HEAD commit hash.
	HeadHash(ctx context.Context) (string, error)

	// BranchExists reports whether a local branch exists.
	BranchExists(ctx context.Context, branch string) (bool, error)

	// CommitsAheadBehind counts commits on branch relative to base.
	CommitsAheadBehind(ctx context.Context, branch, base string) (AheadBehind, error)

	// ListBranchCommits returns the commits on branch that are not on base,
	// oldest first, ready to cherry-pick in order.
	ListBranchCommits(ctx context.Context, branch, base string) ([]Commit, error)

	// CreateBranch creates a local branch at the tip of from and checks it out.
	CreateBranch(ctx context.Context, branch, from string) error

	// Checkout switches the working tree to an existing branch.
	Checkout(ctx context.Context, branch string) error

	// Push pushes a branch to origin.
	Push(ctx context.Context, branch string) error

	// CherryPick applies commits onto the currently checked-out branch. On
	// conflict it aborts the pick, leaves the tree clean, and returns a
	// KindConflict error carrying ConflictError with the paths.
	CherryPick(ctx context.Context, commits []Commit) error

	// UnpushedCommits counts local commits on branch not yet on its
	// remote-tracking ref. A branch never pushed counts all its commits.
	UnpushedCommits(ctx context.Context, branch string) (int, error)

	// MergeProbe checks whether merging branch into base would conflict,
	// without touching the working tree. Returns the conflicting paths,
	// empty when the merge is clean.
	MergeProbe(ctx context.Context, branch, base string) ([]string, error)

	// UncommittedChanges lists paths with uncommitted modifications.
	UncommittedChanges(ctx context.Context) ([]string, error)
}

// Provider is the typed surface over the issue/PR/branch provider.
type Provider interface {
	// GetWorkItem reads a single issue.
	GetWorkItem(ctx context.Context, number int) (*WorkItem, error)

	// ListWorkItemsByLabel lists open issues carrying the given label.
	ListWorkItemsByLabel(ctx context.Context, label string) ([]*WorkItem, error)

	// AddLabel adds a label to an issue. Adding a label that is already
	// present is a no-op, so re-running a plan step is always safe.
	AddLabel(ctx context.Context, number int, label string) error

	// RemoveLabel removes a label from an issue. Removing an absent label
	// is a no-op.
	RemoveLabel(ctx context.Context, number int, label string) error

	// RemoteBranchExists reports whether a branch exists on the remote.
	RemoteBranchExists(ctx context.Context, branch string) (bool, error)

	// CreateRemoteBranch creates a remote branch at the tip of from.
	CreateRemoteBranch(ctx context.Context, branch, from string) error

	// DeleteRemoteBranch deletes a remote branch.
	DeleteRemoteBranch(ctx context.Context, branch string) error

	// CreatePull opens a pull request.
	CreatePull(ctx context.Context, pull NewPull) (*PullRequest, error)

	// GetPull reads pull request state.
	GetPull(ctx context.Context, number int) (*PullRequest, error)

	// CreateIssue files a tracking issue and returns its number.
	CreateIssue(ctx context.Context, issue NewIssue) (int, error)

	// CommentOnIssue leaves a comment, used for failure notes.
	CommentOnIssue(ctx context.Context, number int, body string) error
}
