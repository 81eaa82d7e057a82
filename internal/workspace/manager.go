// Package workspace manages the isolated git worktree and branch each
// attempt runs in, and merges completed work back into the base branch.
package workspace

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Manager handles per-attempt workspace and git worktree operations
type Manager struct {
	repoDir      string // source repository; empty means no repo configured
	workspaceDir string
	baseBranch   string
	branchPrefix string
}

// NewManager creates a new Manager
func NewManager(repoDir, workspaceDir, baseBranch, branchPrefix string) *Manager {
	if baseBranch == "" {
		baseBranch = "main"
	}
	if branchPrefix == "" {
		branchPrefix = "factory"
	}
	return &Manager{
		repoDir:      repoDir,
		workspaceDir: workspaceDir,
		baseBranch:   baseBranch,
		branchPrefix: branchPrefix,
	}
}

// HasRepo reports whether a source repository is configured
func (m *Manager) HasRepo() bool {
	return m.repoDir != ""
}

// BranchName returns the branch name for an attempt
func (m *Manager) BranchName(taskID, attemptID string) string {
	return fmt.Sprintf("%s/task-%s/%s", m.branchPrefix, taskID, shortID(attemptID))
}

// Allocate creates the workspace directory for an attempt
func (m *Manager) Allocate(attemptID string) (string, error) {
	if err := os.MkdirAll(m.workspaceDir, 0755); err != nil {
		return "", fmt.Errorf("creating workspace dir: %w", err)
	}
	path := filepath.Join(m.workspaceDir, "attempt-"+shortID(attemptID))
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", fmt.Errorf("creating attempt workspace: %w", err)
	}
	return path, nil
}

// CreateWorktree creates a branch and a git worktree at wsPath rooted at the
// project's default branch. It returns the base commit the branch starts from.
func (m *Manager) CreateWorktree(wsPath, branch string) (string, error) {
	// Fetch latest base first; the remote might not exist locally
	runGit(m.repoDir, "fetch", "origin", m.baseBranch)

	base := "origin/" + m.baseBranch
	if _, err := runGit(m.repoDir, "rev-parse", "--verify", base); err != nil {
		base = m.baseBranch
		if _, err := runGit(m.repoDir, "rev-parse", "--verify", base); err != nil {
			base = "HEAD"
		}
	}

	baseCommit, err := runGit(m.repoDir, "rev-parse", base)
	if err != nil {
		return "", fmt.Errorf("resolving base commit: %w", err)
	}

	// A worktree cannot be added over a non-empty directory
	os.Remove(wsPath)

	if out, err := runGit(m.repoDir, "worktree", "add", "-b", branch, wsPath, base); err != nil {
		return "", fmt.Errorf("git worktree add: %s: %w", out, err)
	}

	return baseCommit, nil
}

// HeadCommit returns the current HEAD of a worktree
func (m *Manager) HeadCommit(wsPath string) (string, error) {
	return runGit(wsPath, "rev-parse", "HEAD")
}

// Cleanup removes the attempt's worktree and workspace directory.
// It is idempotent: a missing directory or already-pruned worktree is not
// an error. When deleteBranch is set, the branch is removed too.
func (m *Manager) Cleanup(wsPath, branch string, deleteBranch bool) error {
	if m.HasRepo() {
		if wsPath != "" {
			if _, err := os.Stat(wsPath); err == nil {
				if out, err := runGit(m.repoDir, "worktree", "remove", "--force", wsPath); err != nil {
					// Not every workspace is a worktree (isolated mode)
					if !strings.Contains(out, "not a working tree") {
						runGit(m.repoDir, "worktree", "prune")
					}
				}
			} else {
				runGit(m.repoDir, "worktree", "prune")
			}
		}

		if deleteBranch && branch != "" {
			runGit(m.repoDir, "branch", "-D", branch)
		}
	}

	if wsPath == "" {
		return nil
	}
	if err := os.RemoveAll(wsPath); err != nil {
		return fmt.Errorf("removing workspace: %w", err)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// runGit runs git with an argument array (never through a shell) and
// returns trimmed combined output
func runGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}
