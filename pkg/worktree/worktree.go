// Package worktree implements the worktree manager: isolates each
// running chunk in its own git worktree on a branch forked from the
// configured base branch, and mechanically commits and merges results
// back. All git invocations pin GIT_DIR/GIT_WORK_TREE to the worktree
// so an escaping `cd` in an agent cannot act on the host repository, via
// a subprocess-driven git wrapper (see DESIGN.md) generalized from a
// single fixed project root to one branch/worktree per chunk.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// Manager creates, inspects, and tears down per-chunk git worktrees
// rooted at <repo>/.ve/chunks/<chunk>/worktree, on branches named
// chunk/<chunk>.
type Manager struct {
	// RepoRoot is the host repository's working directory (the bare
	// checkout the operator runs the daemon from).
	RepoRoot string
	// BaseBranch is the branch new chunk branches fork from and merge
	// back into (orchestrator config default "main").
	BaseBranch string
	AuthorName  string
	AuthorEmail string
}

// New returns a Manager with a fixed mechanical-commit author identity.
func New(repoRoot, baseBranch string) *Manager {
	return &Manager{
		RepoRoot:    repoRoot,
		BaseBranch:  baseBranch,
		AuthorName:  "Orchestrator Agent",
		AuthorEmail: "orchestrator@localhost",
	}
}

func branchName(chunk string) string { return "chunk/" + chunk }

// WorktreePath returns the on-disk path a chunk's worktree lives at,
// whether or not it currently exists.
func (m *Manager) WorktreePath(chunk string) string {
	return filepath.Join(m.RepoRoot, ".ve", "chunks", chunk, "worktree")
}

// WrongBranchError is returned by CreateWorktree when a worktree already
// exists at the expected path but is checked out on an unexpected branch.
type WrongBranchError struct {
	Chunk    string
	Expected string
	Actual   string
}

func (e *WrongBranchError) Error() string {
	return fmt.Sprintf("worktree for chunk %q exists on branch %q, expected %q", e.Chunk, e.Actual, e.Expected)
}

// MergeFailure is raised by MergeToBase on conflict; the merge is left
// in progress (unresolved index) so the operator can resolve and retry.
type MergeFailure struct {
	Chunk        string
	FailingPaths []string
}

func (e *MergeFailure) Error() string {
	return fmt.Sprintf("merge of chunk/%s into base has conflicts in: %s", e.Chunk, strings.Join(e.FailingPaths, ", "))
}

// CreateWorktree ensures branch chunk/<chunk> exists (forking it from
// base_branch's head if not) and adds a worktree for it. Idempotent: if
// the worktree already exists on the expected branch, it is returned
// as-is; if it exists on the wrong branch, WrongBranchError is returned.
func (m *Manager) CreateWorktree(ctx context.Context, chunk string) (string, error) {
	path := m.WorktreePath(chunk)
	branch := branchName(chunk)

	if info, err := os.Stat(path); err == nil && info.IsDir() {
		current, err := m.currentBranchAt(ctx, path)
		if err != nil {
			return "", err
		}
		if current != branch {
			return "", &WrongBranchError{Chunk: chunk, Expected: branch, Actual: current}
		}
		return path, nil
	}

	if !m.branchExists(ctx, branch) {
		if _, err := m.hostGit(ctx, "branch", branch, m.BaseBranch); err != nil {
			return "", fmt.Errorf("worktree: create branch %s: %w", branch, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("worktree: mkdir parent: %w", err)
	}
	if _, err := m.hostGit(ctx, "worktree", "add", path, branch); err != nil {
		return "", fmt.Errorf("worktree: add %s: %w", path, err)
	}
	return path, nil
}

// RemoveWorktree removes the worktree directory and, if removeBranch is
// true, safe-deletes the branch (refusing if it is not fully merged).
func (m *Manager) RemoveWorktree(ctx context.Context, chunk string, removeBranch bool) error {
	path := m.WorktreePath(chunk)
	if _, err := m.hostGit(ctx, "worktree", "remove", "--force", path); err != nil {
		// The directory may already be gone (e.g. a crashed prior run);
		// fall back to a plain removal plus a prune so git forgets it.
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("worktree: remove %s: %w", path, err)
		}
		if _, pruneErr := m.hostGit(ctx, "worktree", "prune"); pruneErr != nil {
			return fmt.Errorf("worktree: prune after manual remove: %w", pruneErr)
		}
	}
	if removeBranch {
		if _, err := m.hostGit(ctx, "branch", "-d", branchName(chunk)); err != nil {
			return fmt.Errorf("worktree: delete branch %s: %w", branchName(chunk), err)
		}
	}
	return nil
}

// HasUncommittedChanges reports whether the chunk's worktree has a
// non-empty `git status --porcelain`.
func (m *Manager) HasUncommittedChanges(ctx context.Context, chunk string) (bool, error) {
	out, err := m.git(ctx, chunk, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("worktree: status %s: %w", chunk, err)
	}
	return strings.TrimSpace(out) != "", nil
}

// CommitChanges stages everything in the chunk's worktree and commits
// with a mechanical conventional message. It returns false, nil if
// there was nothing to commit.
func (m *Manager) CommitChanges(ctx context.Context, chunk string) (bool, error) {
	if _, err := m.git(ctx, chunk, "add", "-A"); err != nil {
		return false, fmt.Errorf("worktree: stage %s: %w", chunk, err)
	}

	dirty, err := m.HasUncommittedChanges(ctx, chunk)
	if err != nil {
		return false, err
	}
	if !dirty {
		return false, nil
	}

	message := fmt.Sprintf("chore(chunk): %s phase work", chunk)
	path := m.WorktreePath(chunk)
	cmd := m.gitCmd(ctx, chunk, "commit", "-m", message)
	cmd.Env = append(cmd.Env,
		"GIT_AUTHOR_NAME="+m.AuthorName,
		"GIT_AUTHOR_EMAIL="+m.AuthorEmail,
		"GIT_COMMITTER_NAME="+m.AuthorName,
		"GIT_COMMITTER_EMAIL="+m.AuthorEmail,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return false, fmt.Errorf("worktree: commit %s at %s: %w, output: %s", chunk, path, err, string(out))
	}
	return true, nil
}

// HasChanges reports whether chunk/<chunk> is ahead of base_branch.
func (m *Manager) HasChanges(ctx context.Context, chunk string) (bool, error) {
	out, err := m.hostGit(ctx, "rev-list", "--count", m.BaseBranch+".."+branchName(chunk))
	if err != nil {
		return false, fmt.Errorf("worktree: rev-list %s: %w", chunk, err)
	}
	return strings.TrimSpace(out) != "0", nil
}

// MergeToBase checks out base_branch in the host repository and merges
// chunk/<chunk> into it, preferring fast-forward and falling back to a
// merge commit. On conflict it returns *MergeFailure with the list of
// unmerged paths and leaves the merge in progress for operator resolution.
// With deleteBranch, the merged branch is safe-deleted afterwards; git
// refuses that while a worktree still has the branch checked out, so the
// chunk's worktree has to be removed first.
func (m *Manager) MergeToBase(ctx context.Context, chunk string, deleteBranch bool) error {
	if _, err := m.hostGit(ctx, "checkout", m.BaseBranch); err != nil {
		return fmt.Errorf("worktree: checkout base %s: %w", m.BaseBranch, err)
	}

	branch := branchName(chunk)
	_, err := m.hostGit(ctx, "merge", "--no-edit", branch)
	if err != nil {
		paths, pathsErr := m.unmergedPaths(ctx)
		if pathsErr != nil {
			return fmt.Errorf("worktree: merge %s failed, and listing conflicts failed: %w", branch, pathsErr)
		}
		return &MergeFailure{Chunk: chunk, FailingPaths: paths}
	}

	if deleteBranch {
		if _, err := m.hostGit(ctx, "branch", "-d", branch); err != nil {
			return fmt.Errorf("worktree: delete merged branch %s: %w", branch, err)
		}
	}
	return nil
}

func (m *Manager) unmergedPaths(ctx context.Context) ([]string, error) {
	out, err := m.hostGit(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if l := strings.TrimSpace(line); l != "" {
			paths = append(paths, l)
		}
	}
	return paths, nil
}

// CleanupOrphanedWorktrees enumerates on-disk worktree directories under
// .ve/chunks/ and returns the chunk names whose directory exists but is
// not present in knownRunning: candidates for the scheduler's startup
// recovery to remove.
func (m *Manager) CleanupOrphanedWorktrees(knownRunning map[string]bool) ([]string, error) {
	base := filepath.Join(m.RepoRoot, ".ve", "chunks")
	entries, err := os.ReadDir(base)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("worktree: list chunk dirs: %w", err)
	}

	var orphans []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		chunk := e.Name()
		worktreeDir := filepath.Join(base, chunk, "worktree")
		if _, err := os.Stat(worktreeDir); err != nil {
			continue
		}
		if !knownRunning[chunk] {
			orphans = append(orphans, chunk)
		}
	}
	sort.Strings(orphans)
	return orphans, nil
}

func (m *Manager) branchExists(ctx context.Context, branch string) bool {
	_, err := m.hostGit(ctx, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

func (m *Manager) currentBranchAt(ctx context.Context, worktreeDir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", worktreeDir, "branch", "--show-current")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("worktree: show-current at %s: %w", worktreeDir, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// hostGit runs git against the host repository (not a chunk worktree).
func (m *Manager) hostGit(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.RepoRoot
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, string(out))
	}
	return string(out), nil
}

// git runs git against a chunk's worktree with GIT_DIR/GIT_WORK_TREE
// pinned, so that an escaping `cd` inside an agent's shell tool call
// cannot redirect the invocation at the host repository.
func (m *Manager) git(ctx context.Context, chunk string, args ...string) (string, error) {
	cmd := m.gitCmd(ctx, chunk, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, string(out))
	}
	return string(out), nil
}

func (m *Manager) gitCmd(ctx context.Context, chunk string, args ...string) *exec.Cmd {
	path := m.WorktreePath(chunk)
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = path
	cmd.Env = append(os.Environ(),
		"GIT_DIR="+filepath.Join(path, ".git"),
		"GIT_WORK_TREE="+path,
	)
	return cmd
}
