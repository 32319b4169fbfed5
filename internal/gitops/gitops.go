// Package gitops wraps the git worktree/rebase/merge commands the
// Supervisor needs to manage one working tree per Ralph, following the
// os/exec.Command("git", ...)-per-operation shape used throughout
// tim-coutinho-agentops's cli/cmd/ao/worktree.go and rpi_cleanup.go
// (resolveRepoRoot, pruneWorktrees, isWorktreeDirty), generalized from a
// one-off CLI maintenance command into a reusable repository handle.
package gitops

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/taskdaemon/taskdaemon/internal/daemonerr"
)

// Repo is a handle on the main checkout that Supervisor spawns worktrees
// from.
type Repo struct {
	RootPath string
}

// Open resolves the repository root containing dir, matching
// resolveRepoRoot's `git rev-parse --show-toplevel` approach. Returns
// daemonerr.GitRequired when dir is not inside a git repository, so the
// caller can fall back to Simple execution mode per SPEC_FULL.md section
// 4.4.
func Open(ctx context.Context, dir string) (*Repo, error) {
	out, err := runIn(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, &daemonerr.GitRequired{
			Reason:  fmt.Sprintf("%s is not inside a git repository", dir),
			Options: daemonerr.DefaultGitRequiredOptions,
		}
	}
	return &Repo{RootPath: strings.TrimSpace(out)}, nil
}

// AddWorktree creates a new worktree at path on a new branch, based at
// baseRef.
func (r *Repo) AddWorktree(ctx context.Context, path, branch, baseRef string) error {
	_, err := r.run(ctx, "worktree", "add", "-b", branch, path, baseRef)
	if err != nil {
		return fmt.Errorf("%w: add worktree %s: %v", daemonerr.ErrGitError, path, err)
	}
	return nil
}

// RemoveWorktree force-removes a worktree, matching rpi_cleanup.go's
// `git worktree remove --force`.
func (r *Repo) RemoveWorktree(ctx context.Context, path string) error {
	_, err := r.run(ctx, "worktree", "remove", "--force", path)
	if err != nil {
		return fmt.Errorf("%w: remove worktree %s: %v", daemonerr.ErrGitError, path, err)
	}
	return nil
}

// Prune removes stale worktree administrative files, matching
// rpi_cleanup.go's pruneWorktrees.
func (r *Repo) Prune(ctx context.Context) error {
	_, err := r.run(ctx, "worktree", "prune")
	return err
}

// IsDirty reports whether worktreePath has uncommitted changes, matching
// worktree.go's isWorktreeDirty (`git -C path status --porcelain`).
func (r *Repo) IsDirty(ctx context.Context, worktreePath string) (bool, error) {
	out, err := runIn(ctx, worktreePath, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("%w: status %s: %v", daemonerr.ErrGitError, worktreePath, err)
	}
	return strings.TrimSpace(out) != "", nil
}

// RebaseOntoMain rebases the worktree's branch onto the current tip of
// mainBranch. On failure the rebase is aborted here and a wrapped
// daemonerr.ErrRebaseConflict is returned (the caller moves the run to
// Blocked rather than this package resolving automatically).
func (r *Repo) RebaseOntoMain(ctx context.Context, worktreePath, mainBranch string) error {
	_, err := runIn(ctx, worktreePath, "rebase", mainBranch)
	if err != nil {
		_, _ = runIn(ctx, worktreePath, "rebase", "--abort")
		return fmt.Errorf("%w: rebase onto %s: %v", daemonerr.ErrRebaseConflict, mainBranch, err)
	}
	return nil
}

// MergeNoFF merges branch with --no-ff into whatever branch the main
// checkout (not a worktree) has checked out, so history always records a
// merge commit per run.
func (r *Repo) MergeNoFF(ctx context.Context, branch string) error {
	_, err := r.run(ctx, "merge", "--no-ff", branch, "-m", fmt.Sprintf("merge %s", branch))
	if err != nil {
		return fmt.Errorf("%w: merge %s: %v", daemonerr.ErrMergeConflict, branch, err)
	}
	return nil
}

// Push pushes branch to origin. When `git remote` lists no remote at all,
// the push is skipped and nil returned.
func (r *Repo) Push(ctx context.Context, branch string) error {
	if remotes, err := r.run(ctx, "remote"); err == nil && strings.TrimSpace(remotes) == "" {
		return nil
	}
	_, err := r.run(ctx, "push", "origin", branch)
	if err != nil {
		return fmt.Errorf("%w: push %s: %v", daemonerr.ErrPushFailed, branch, err)
	}
	return nil
}

// DeleteBranch force-deletes a branch once its worktree and merge are
// both cleaned up.
func (r *Repo) DeleteBranch(ctx context.Context, branch string) error {
	_, err := r.run(ctx, "branch", "-D", branch)
	return err
}

// CommitAll stages every change in worktreePath and commits it, matching
// the Supervisor's "auto-commit before recovery"/WIP-before-rebase
// commits. A no-op (nil error) when the worktree has nothing staged,
// since `git commit` with no changes exits non-zero.
func CommitAll(ctx context.Context, worktreePath, message string) error {
	if _, err := runIn(ctx, worktreePath, "add", "-A"); err != nil {
		return fmt.Errorf("%w: stage %s: %v", daemonerr.ErrGitError, worktreePath, err)
	}
	status, err := runIn(ctx, worktreePath, "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("%w: status %s: %v", daemonerr.ErrGitError, worktreePath, err)
	}
	if strings.TrimSpace(status) == "" {
		return nil
	}
	if _, err := runIn(ctx, worktreePath, "commit", "-m", message); err != nil {
		return fmt.Errorf("%w: commit %s: %v", daemonerr.ErrGitError, worktreePath, err)
	}
	return nil
}

// RevParse resolves a ref to its commit sha.
func (r *Repo) RevParse(ctx context.Context, ref string) (string, error) {
	out, err := r.run(ctx, "rev-parse", ref)
	if err != nil {
		return "", fmt.Errorf("%w: rev-parse %s: %v", daemonerr.ErrGitError, ref, err)
	}
	return strings.TrimSpace(out), nil
}

func (r *Repo) run(ctx context.Context, args ...string) (string, error) {
	return runIn(ctx, r.RootPath, args...)
}

func runIn(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return string(out), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(ee.Stderr)))
		}
		return string(out), fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return string(out), nil
}
