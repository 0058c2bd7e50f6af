// internal/gateway/git.go
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	gitcfg "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/landd/internal/config"
	"github.com/fyrsmithlabs/landd/internal/logging"
)

const remoteName = "origin"

// gitRepo implements Local over a git working tree using go-git, with the
// one exception of cherry-pick, which go-git does not implement: that call
// shells out to the git binary and converts conflicts into structured
// ConflictError values.
type gitRepo struct {
	path    string
	repo    *gogit.Repository
	token   config.Secret
	timeout time.Duration
	logger  *logging.Logger
}

// NewLocal opens the working tree at path.
func NewLocal(path string, token config.Secret, callTimeout time.Duration, logger *logging.Logger) (Local, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	repo, err := gogit.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository at %s: %w", path, err)
	}
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &gitRepo{
		path:    path,
		repo:    repo,
		token:   token,
		timeout: callTimeout,
		logger:  logger,
	}, nil
}

func (r *gitRepo) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

func (r *gitRepo) CurrentBranch(ctx context.Context) (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", newError(KindFatal, "git.current_branch", err)
	}
	if !head.Name().IsBranch() {
		return "", newError(KindInconsistency, "git.current_branch",
			fmt.Errorf("detached HEAD at %s", head.Hash()))
	}
	return head.Name().Short(), nil
}

func (r *gitRepo) HeadHash(ctx context.Context) (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", newError(KindFatal, "git.head_hash", err)
	}
	return head.Hash().String(), nil
}

func (r *gitRepo) BranchExists(ctx context.Context, branch string) (bool, error) {
	_, err := r.repo.Reference(plumbing.NewBranchReferenceName(branch), false)
	if err == plumbing.ErrReferenceNotFound {
		return false, nil
	}
	if err != nil {
		return false, newError(KindFatal, "git.branch_exists", err)
	}
	return true, nil
}

// resolveTip resolves a branch name to a commit hash, trying the local
// branch first and falling back to the remote-tracking ref.
func (r *gitRepo) resolveTip(branch string) (plumbing.Hash, error) {
	ref, err := r.repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err == nil {
		return ref.Hash(), nil
	}
	ref, err = r.repo.Reference(plumbing.NewRemoteReferenceName(remoteName, branch), true)
	if err == nil {
		return ref.Hash(), nil
	}
	if err == plumbing.ErrReferenceNotFound {
		return plumbing.ZeroHash, newError(KindNotFound, "git.resolve",
			fmt.Errorf("branch %s not found locally or on %s", branch, remoteName))
	}
	return plumbing.ZeroHash, newError(KindFatal, "git.resolve", err)
}

// mergeBase finds the common ancestor of two branch tips.
func (r *gitRepo) mergeBase(a, b plumbing.Hash) (plumbing.Hash, error) {
	ca, err := r.repo.CommitObject(a)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	cb, err := r.repo.CommitObject(b)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	bases, err := ca.MergeBase(cb)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if len(bases) == 0 {
		return plumbing.ZeroHash, fmt.Errorf("no merge base between %s and %s", a, b)
	}
	return bases[0].Hash, nil
}

// commitsAfter walks from tip back to stop and returns the commits in
// between, newest first. Traversal is bounded by stop, which is sufficient
// for the short linear branches the worker produces.
func (r *gitRepo) commitsAfter(tip, stop plumbing.Hash) ([]Commit, error) {
	var out []Commit
	seen := make(map[plumbing.Hash]bool)
	queue := []plumbing.Hash{tip}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if h == stop || seen[h] {
			continue
		}
		seen[h] = true
		c, err := r.repo.CommitObject(h)
		if err != nil {
			return nil, err
		}
		out = append(out, Commit{Hash: h.String(), Message: strings.SplitN(c.Message, "\n", 2)[0]})
		queue = append(queue, c.ParentHashes...)
	}
	return out, nil
}

func (r *gitRepo) CommitsAheadBehind(ctx context.Context, branch, base string) (AheadBehind, error) {
	branchTip, err := r.resolveTip(branch)
	if err != nil {
		return AheadBehind{}, err
	}
	baseTip, err := r.resolveTip(base)
	if err != nil {
		return AheadBehind{}, err
	}
	mb, err := r.mergeBase(branchTip, baseTip)
	if err != nil {
		return AheadBehind{}, newError(KindFatal, "git.ahead_behind", err)
	}
	ahead, err := r.commitsAfter(branchTip, mb)
	if err != nil {
		return AheadBehind{}, newError(KindFatal, "git.ahead_behind", err)
	}
	behind, err := r.commitsAfter(baseTip, mb)
	if err != nil {
		return AheadBehind{}, newError(KindFatal, "git.ahead_behind", err)
	}
	return AheadBehind{Ahead: len(ahead), Behind: len(behind)}, nil
}

func (r *gitRepo) ListBranchCommits(ctx context.Context, branch, base string) ([]Commit, error) {
	branchTip, err := r.resolveTip(branch)
	if err != nil {
		return nil, err
	}
	baseTip, err := r.resolveTip(base)
	if err != nil {
		return nil, err
	}
	mb, err := r.mergeBase(branchTip, baseTip)
	if err != nil {
		return nil, newError(KindFatal, "git.list_commits", err)
	}
	commits, err := r.commitsAfter(branchTip, mb)
	if err != nil {
		return nil, newError(KindFatal, "git.list_commits", err)
	}
	// Oldest first for cherry-picking in order.
	for i, j := 0, len(commits)-1; i < j; i, j = i+1, j-1 {
		commits[i], commits[j] = commits[j], commits[i]
	}
	return commits, nil
}

func (r *gitRepo) CreateBranch(ctx context.Context, branch, from string) error {
	tip, err := r.resolveTip(from)
	if err != nil {
		return err
	}
	wt, err := r.repo.Worktree()
	if err != nil {
		return newError(KindFatal, "git.create_branch", err)
	}
	err = wt.Checkout(&gogit.CheckoutOptions{
		Hash:   tip,
		Branch: plumbing.NewBranchReferenceName(branch),
		Create: true,
	})
	if err != nil {
		return newError(KindFatal, "git.create_branch", err)
	}
	r.logger.Debug(ctx, "created branch",
		zap.String("branch", branch),
		zap.String("from", from),
		zap.String("tip", tip.String()),
	)
	return nil
}

func (r *gitRepo) Checkout(ctx context.Context, branch string) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return newError(KindFatal, "git.checkout", err)
	}
	err = wt.Checkout(&gogit.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
	})
	if err == plumbing.ErrReferenceNotFound {
		return newError(KindNotFound, "git.checkout", fmt.Errorf("branch %s: %w", branch, err))
	}
	if err != nil {
		return newError(KindFatal, "git.checkout", err)
	}
	return nil
}

func (r *gitRepo) Push(ctx context.Context, branch string) error {
	ctx, cancel := r.callCtx(ctx)
	defer cancel()

	spec := gitcfg.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	opts := &gogit.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []gitcfg.RefSpec{spec},
	}
	if r.token.IsSet() {
		opts.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: r.token.Value()}
	}
	err := r.repo.PushContext(ctx, opts)
	if err == gogit.NoErrAlreadyUpToDate {
		return nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return newError(KindTransient, "git.push", err)
		}
		return newError(KindFatal, "git.push", err)
	}
	r.logger.Info(ctx, "pushed branch", zap.String("branch", branch))
	return nil
}

func (r *gitRepo) UncommittedChanges(ctx context.Context) ([]string, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return nil, newError(KindFatal, "git.status", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, newError(KindFatal, "git.status", err)
	}
	var paths []string
	for path, st := range status {
		if st.Worktree != gogit.Unmodified || st.Staging != gogit.Unmodified {
			paths = append(paths, path)
		}
	}
	return paths, nil
}

// CherryPick shells out to the git binary; go-git has no cherry-pick. On a
// conflict the pick is aborted so the tree is left clean, and the
// conflicting paths are reported.
func (r *gitRepo) CherryPick(ctx context.Context, commits []Commit) error {
	if len(commits) == 0 {
		return nil
	}
	ctx, cancel := r.callCtx(ctx)
	defer cancel()

	args := []string{"-C", r.path, "cherry-pick"}
	for _, c := range commits {
		args = append(args, c.Hash)
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		paths := r.conflictPaths(ctx)
		r.abortCherryPick(ctx)
		if len(paths) > 0 {
			return newError(KindConflict, "git.cherry_pick", &ConflictError{Paths: paths})
		}
		if ctx.Err() != nil {
			return newError(KindTransient, "git.cherry_pick", ctx.Err())
		}
		return newError(KindFatal, "git.cherry_pick",
			fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String())))
	}
	return nil
}

func (r *gitRepo) UnpushedCommits(ctx context.Context, branch string) (int, error) {
	localRef, err := r.repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err == plumbing.ErrReferenceNotFound {
		return 0, newError(KindNotFound, "git.unpushed",
			fmt.Errorf("branch %s not found", branch))
	}
	if err != nil {
		return 0, newError(KindFatal, "git.unpushed", err)
	}
	remoteRef, err := r.repo.Reference(plumbing.NewRemoteReferenceName(remoteName, branch), true)
	if err == plumbing.ErrReferenceNotFound {
		// Never pushed: everything on the branch is unpushed.
		commits, err := r.commitsAfter(localRef.Hash(), plumbing.ZeroHash)
		if err != nil {
			return 0, newError(KindFatal, "git.unpushed", err)
		}
		return len(commits), nil
	}
	if err != nil {
		return 0, newError(KindFatal, "git.unpushed", err)
	}
	if localRef.Hash() == remoteRef.Hash() {
		return 0, nil
	}
	commits, err := r.commitsAfter(localRef.Hash(), remoteRef.Hash())
	if err != nil {
		return 0, newError(KindFatal, "git.unpushed", err)
	}
	return len(commits), nil
}

// MergeProbe uses git merge-tree, which computes the merge in memory and
// reports conflicts without touching the working tree.
func (r *gitRepo) MergeProbe(ctx context.Context, branch, base string) ([]string, error) {
	ctx, cancel := r.callCtx(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "-C", r.path,
		"merge-tree", "--write-tree", "--name-only", base, branch)
	out, err := cmd.Output()
	if err == nil {
		return nil, nil
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok || exitErr.ExitCode() != 1 {
		if ctx.Err() != nil {
			return nil, newError(KindTransient, "git.merge_probe", ctx.Err())
		}
		return nil, newError(KindFatal, "git.merge_probe", err)
	}
	// Exit 1 means conflicts; output is the merged tree OID followed by
	// the conflicted file names.
	var paths []string
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	for i, line := range lines {
		if i == 0 || line == "" {
			continue
		}
		paths = append(paths, line)
	}
	if len(paths) == 0 {
		paths = []string{"(unknown)"}
	}
	return paths, nil
}

// conflictPaths lists unmerged paths after a failed cherry-pick.
func (r *gitRepo) conflictPaths(ctx context.Context) []string {
	out, err := exec.CommandContext(ctx, "git", "-C", r.path,
		"diff", "--name-only", "--diff-filter=U").Output()
	if err != nil {
		return nil
	}
	var paths []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths
}

func (r *gitRepo) abortCherryPick(ctx context.Context) {
	if err := exec.CommandContext(ctx, "git", "-C", r.path, "cherry-pick", "--abort").Run(); err != nil {
		r.logger.Warn(ctx, "cherry-pick abort failed", zap.Error(err))
	}
}
