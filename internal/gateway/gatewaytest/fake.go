// Package gatewaytest provides in-memory fakes of the gateway interfaces
// for tests of the decision-making packages.
package gatewaytest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/landd/internal/gateway"
)

// FakeLocal is an in-memory gateway.Local. Branch contents are modeled as
// the list of commits each branch carries ahead of base.
type FakeLocal struct {
	mu sync.Mutex

	// Branch is the currently checked-out branch.
	Branch string
	// Head is the working tree HEAD hash.
	Head string
	// Commits maps branch name to its commits ahead of base, oldest first.
	Commits map[string][]gateway.Commit
	// Behind maps branch name to commits behind base.
	Behind map[string]int
	// Uncommitted lists dirty paths.
	Uncommitted []string
	// Conflicts lists commit hashes whose cherry-pick conflicts, mapped to
	// the conflicting paths.
	Conflicts map[string][]string
	// Unpushed maps branch name to its unpushed commit count.
	Unpushed map[string]int
	// ProbeConflicts maps branch name to merge-probe conflict paths.
	ProbeConflicts map[string][]string

	// Errs forces an error for a method name ("Push", "Checkout", ...).
	Errs map[string]error

	// Recorded mutations.
	Pushed     []string
	CheckedOut []string
	Created    []string
	Picked     [][]string
}

// NewFakeLocal returns a FakeLocal sitting on base branch "main".
func NewFakeLocal() *FakeLocal {
	return &FakeLocal{
		Branch:         "main",
		Head:           "headhash",
		Commits:        make(map[string][]gateway.Commit),
		Behind:         make(map[string]int),
		Conflicts:      make(map[string][]string),
		Unpushed:       make(map[string]int),
		ProbeConflicts: make(map[string][]string),
		Errs:           make(map[string]error),
	}
}

func (f *FakeLocal) err(method string) error {
	return f.Errs[method]
}

func (f *FakeLocal) CurrentBranch(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("CurrentBranch"); err != nil {
		return "", err
	}
	return f.Branch, nil
}

func (f *FakeLocal) HeadHash(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("HeadHash"); err != nil {
		return "", err
	}
	return f.Head, nil
}

func (f *FakeLocal) BranchExists(ctx context.Context, branch string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("BranchExists"); err != nil {
		return false, err
	}
	if branch == "main" {
		return true, nil
	}
	_, ok := f.Commits[branch]
	return ok, nil
}

func (f *FakeLocal) CommitsAheadBehind(ctx context.Context, branch, base string) (gateway.AheadBehind, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("CommitsAheadBehind"); err != nil {
		return gateway.AheadBehind{}, err
	}
	return gateway.AheadBehind{
		Ahead:  len(f.Commits[branch]),
		Behind: f.Behind[branch],
	}, nil
}

func (f *FakeLocal) ListBranchCommits(ctx context.Context, branch, base string) ([]gateway.Commit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("ListBranchCommits"); err != nil {
		return nil, err
	}
	return append([]gateway.Commit(nil), f.Commits[branch]...), nil
}

func (f *FakeLocal) CreateBranch(ctx context.Context, branch, from string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("CreateBranch"); err != nil {
		return err
	}
	if _, exists := f.Commits[branch]; !exists {
		f.Commits[branch] = nil
	}
	f.Branch = branch
	f.Created = append(f.Created, branch)
	return nil
}

func (f *FakeLocal) Checkout(ctx context.Context, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("Checkout"); err != nil {
		return err
	}
	f.Branch = branch
	f.CheckedOut = append(f.CheckedOut, branch)
	return nil
}

func (f *FakeLocal) Push(ctx context.Context, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("Push"); err != nil {
		return err
	}
	f.Pushed = append(f.Pushed, branch)
	return nil
}

func (f *FakeLocal) CherryPick(ctx context.Context, commits []gateway.Commit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("CherryPick"); err != nil {
		return err
	}
	var hashes []string
	for _, c := range commits {
		hashes = append(hashes, c.Hash)
	}
	f.Picked = append(f.Picked, hashes)
	for _, c := range commits {
		if paths, conflict := f.Conflicts[c.Hash]; conflict {
			return &gateway.Error{
				Kind: gateway.KindConflict,
				Op:   "git.cherry_pick",
				Err:  &gateway.ConflictError{Paths: paths},
			}
		}
	}
	f.Commits[f.Branch] = append(f.Commits[f.Branch], commits...)
	return nil
}

func (f *FakeLocal) UnpushedCommits(ctx context.Context, branch string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("UnpushedCommits"); err != nil {
		return 0, err
	}
	return f.Unpushed[branch], nil
}

func (f *FakeLocal) MergeProbe(ctx context.Context, branch, base string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("MergeProbe"); err != nil {
		return nil, err
	}
	return append([]string(nil), f.ProbeConflicts[branch]...), nil
}

func (f *FakeLocal) UncommittedChanges(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("UncommittedChanges"); err != nil {
		return nil, err
	}
	return append([]string(nil), f.Uncommitted...), nil
}

// LabelCall records one AddLabel or RemoveLabel invocation.
type LabelCall struct {
	Number int
	Label  string
}

// FakeProvider is an in-memory gateway.Provider.
type FakeProvider struct {
	mu sync.Mutex

	Items          map[int]*gateway.WorkItem
	RemoteBranches map[string]bool
	Pulls          map[int]*gateway.PullRequest

	// Errs forces an error for a method name.
	Errs map[string]error

	// Recorded mutations.
	AddLabelCalls    []LabelCall
	RemoveLabelCalls []LabelCall
	CreatedPulls     []gateway.NewPull
	CreatedIssues    []gateway.NewIssue
	Comments         map[int][]string
	DeletedBranches  []string

	nextPull  int
	nextIssue int
}

// NewFakeProvider returns an empty provider. Pull numbers start at 100,
// tracking issue numbers at 900.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		Items:          make(map[int]*gateway.WorkItem),
		RemoteBranches: map[string]bool{"main": true},
		Pulls:          make(map[int]*gateway.PullRequest),
		Errs:           make(map[string]error),
		Comments:       make(map[int][]string),
		nextPull:       100,
		nextIssue:      900,
	}
}

func (f *FakeProvider) err(method string) error {
	return f.Errs[method]
}

func (f *FakeProvider) GetWorkItem(ctx context.Context, number int) (*gateway.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("GetWorkItem"); err != nil {
		return nil, err
	}
	item, ok := f.Items[number]
	if !ok {
		return nil, &gateway.Error{Kind: gateway.KindNotFound, Op: "provider.get_work_item",
			Err: fmt.Errorf("issue %d not found", number)}
	}
	cp := *item
	cp.Labels = append([]string(nil), item.Labels...)
	return &cp, nil
}

func (f *FakeProvider) ListWorkItemsByLabel(ctx context.Context, label string) ([]*gateway.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("ListWorkItemsByLabel"); err != nil {
		return nil, err
	}
	var out []*gateway.WorkItem
	for _, item := range f.Items {
		if item.State == "open" && item.HasLabel(label) {
			cp := *item
			cp.Labels = append([]string(nil), item.Labels...)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (f *FakeProvider) AddLabel(ctx context.Context, number int, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("AddLabel"); err != nil {
		return err
	}
	f.AddLabelCalls = append(f.AddLabelCalls, LabelCall{Number: number, Label: label})
	item, ok := f.Items[number]
	if !ok {
		return &gateway.Error{Kind: gateway.KindNotFound, Op: "provider.add_label",
			Err: fmt.Errorf("issue %d not found", number)}
	}
	if !item.HasLabel(label) {
		item.Labels = append(item.Labels, label)
	}
	return nil
}

func (f *FakeProvider) RemoveLabel(ctx context.Context, number int, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("RemoveLabel"); err != nil {
		return err
	}
	f.RemoveLabelCalls = append(f.RemoveLabelCalls, LabelCall{Number: number, Label: label})
	item, ok := f.Items[number]
	if !ok {
		return nil
	}
	labels := item.Labels[:0]
	for _, l := range item.Labels {
		if l != label {
			labels = append(labels, l)
		}
	}
	item.Labels = labels
	return nil
}

func (f *FakeProvider) RemoteBranchExists(ctx context.Context, branch string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("RemoteBranchExists"); err != nil {
		return false, err
	}
	return f.RemoteBranches[branch], nil
}

func (f *FakeProvider) CreateRemoteBranch(ctx context.Context, branch, from string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("CreateRemoteBranch"); err != nil {
		return err
	}
	f.RemoteBranches[branch] = true
	return nil
}

func (f *FakeProvider) DeleteRemoteBranch(ctx context.Context, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("DeleteRemoteBranch"); err != nil {
		return err
	}
	delete(f.RemoteBranches, branch)
	f.DeletedBranches = append(f.DeletedBranches, branch)
	return nil
}

func (f *FakeProvider) CreatePull(ctx context.Context, pull gateway.NewPull) (*gateway.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("CreatePull"); err != nil {
		return nil, err
	}
	f.CreatedPulls = append(f.CreatedPulls, pull)
	pr := &gateway.PullRequest{
		Number: f.nextPull,
		State:  "open",
		Head:   pull.Head,
		Base:   pull.Base,
	}
	f.Pulls[pr.Number] = pr
	f.nextPull++
	return pr, nil
}

func (f *FakeProvider) GetPull(ctx context.Context, number int) (*gateway.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("GetPull"); err != nil {
		return nil, err
	}
	pr, ok := f.Pulls[number]
	if !ok {
		return nil, &gateway.Error{Kind: gateway.KindNotFound, Op: "provider.get_pull",
			Err: fmt.Errorf("pull %d not found", number)}
	}
	cp := *pr
	return &cp, nil
}

func (f *FakeProvider) CreateIssue(ctx context.Context, issue gateway.NewIssue) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("CreateIssue"); err != nil {
		return 0, err
	}
	f.CreatedIssues = append(f.CreatedIssues, issue)
	number := f.nextIssue
	f.nextIssue++
	f.Items[number] = &gateway.WorkItem{
		Number: number,
		Title:  issue.Title,
		Labels: append([]string(nil), issue.Labels...),
		State:  "open",
	}
	return number, nil
}

func (f *FakeProvider) CommentOnIssue(ctx context.Context, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err("CommentOnIssue"); err != nil {
		return err
	}
	f.Comments[number] = append(f.Comments[number], body)
	return nil
}
