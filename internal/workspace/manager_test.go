package workspace

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hochfrequenz/agent-factory/internal/domain"
)

func setupGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	cmds := [][]string{
		{"git", "init", "-b", "main"},
		{"git", "config", "user.email", "test@test.com"},
		{"git", "config", "user.name", "Test"},
	}
	for _, args := range cmds {
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("%v failed: %s", args, out)
		}
	}

	writeFile(t, dir, "README.md", "# Test\n")
	gitRun(t, dir, "add", ".")
	gitRun(t, dir, "commit", "-m", "Initial commit")

	return dir
}

func gitRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %s", args, out)
	}
	return strings.TrimSpace(string(out))
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestManager_BranchName(t *testing.T) {
	m := NewManager("", "", "main", "factory")

	got := m.BranchName("task-42", "0123456789abcdef")
	want := "factory/task-task-42/01234567"
	if got != want {
		t.Errorf("BranchName() = %q, want %q", got, want)
	}
}

func TestManager_CreateWorktree(t *testing.T) {
	repoDir := setupGitRepo(t)
	m := NewManager(repoDir, t.TempDir(), "main", "factory")

	wsPath, err := m.Allocate("attempt-id-123")
	if err != nil {
		t.Fatal(err)
	}

	branch := m.BranchName("t1", "attempt-id-123")
	baseCommit, err := m.CreateWorktree(wsPath, branch)
	if err != nil {
		t.Fatal(err)
	}
	if baseCommit == "" {
		t.Error("no base commit returned")
	}

	if _, err := os.Stat(filepath.Join(wsPath, "README.md")); err != nil {
		t.Error("worktree does not contain repository files")
	}

	branches := gitRun(t, repoDir, "branch", "--list", branch)
	if branches == "" {
		t.Errorf("branch %s not created", branch)
	}

	head, err := m.HeadCommit(wsPath)
	if err != nil {
		t.Fatal(err)
	}
	if head != baseCommit {
		t.Errorf("fresh worktree HEAD = %s, want base %s", head, baseCommit)
	}
}

func TestManager_CleanupIsIdempotent(t *testing.T) {
	repoDir := setupGitRepo(t)
	m := NewManager(repoDir, t.TempDir(), "main", "factory")

	wsPath, _ := m.Allocate("attempt-1")
	branch := m.BranchName("t1", "attempt-1")
	if _, err := m.CreateWorktree(wsPath, branch); err != nil {
		t.Fatal(err)
	}

	if err := m.Cleanup(wsPath, branch, true); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(wsPath); !os.IsNotExist(err) {
		t.Error("workspace still exists after cleanup")
	}
	if out := gitRun(t, repoDir, "branch", "--list", branch); out != "" {
		t.Errorf("branch %s still exists after cleanup", branch)
	}

	// Second cleanup of the same workspace is not an error
	if err := m.Cleanup(wsPath, branch, true); err != nil {
		t.Errorf("second cleanup errored: %v", err)
	}
}

func TestManager_MergeCleanly(t *testing.T) {
	repoDir := setupGitRepo(t)
	m := NewManager(repoDir, t.TempDir(), "main", "factory")

	wsPath, _ := m.Allocate("attempt-m")
	branch := m.BranchName("t1", "attempt-m")
	if _, err := m.CreateWorktree(wsPath, branch); err != nil {
		t.Fatal(err)
	}

	// Agent work on the branch
	writeFile(t, wsPath, "feature.txt", "new feature\n")
	gitRun(t, wsPath, "add", ".")
	gitRun(t, wsPath, "commit", "-m", "Add feature")

	// Worktree must go before the branch can be merged into a fresh checkout
	if err := m.Cleanup(wsPath, branch, false); err != nil {
		t.Fatal(err)
	}

	res, err := m.Merge(branch, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.MergeMerged {
		t.Fatalf("merge status = %s, want merged", res.Status)
	}

	if _, err := os.Stat(filepath.Join(repoDir, "feature.txt")); err != nil {
		t.Error("merged file missing from base branch")
	}
}

func TestManager_MergeConflictAborts(t *testing.T) {
	repoDir := setupGitRepo(t)
	m := NewManager(repoDir, t.TempDir(), "main", "factory")

	wsPath, _ := m.Allocate("attempt-c")
	branch := m.BranchName("t1", "attempt-c")
	if _, err := m.CreateWorktree(wsPath, branch); err != nil {
		t.Fatal(err)
	}

	// Conflicting edits to the same file on branch and base
	writeFile(t, wsPath, "README.md", "# Branch version\n")
	gitRun(t, wsPath, "add", ".")
	gitRun(t, wsPath, "commit", "-m", "Branch edit")

	writeFile(t, repoDir, "README.md", "# Main version\n")
	gitRun(t, repoDir, "add", ".")
	gitRun(t, repoDir, "commit", "-m", "Main edit")

	if err := m.Cleanup(wsPath, branch, false); err != nil {
		t.Fatal(err)
	}

	res, err := m.Merge(branch, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.MergeConflict {
		t.Fatalf("merge status = %s, want conflict", res.Status)
	}
	if res.Detail == "" {
		t.Error("conflict detail missing")
	}

	// The abort left no in-progress merge behind
	cmd := exec.Command("git", "rev-parse", "-q", "--verify", "MERGE_HEAD")
	cmd.Dir = repoDir
	if err := cmd.Run(); err == nil {
		t.Error("repository still has an in-progress merge")
	}

	// Base content untouched
	data, _ := os.ReadFile(filepath.Join(repoDir, "README.md"))
	if string(data) != "# Main version\n" {
		t.Errorf("base file mutated: %q", data)
	}
}

func TestManager_CreateWorktreeWithoutRemote(t *testing.T) {
	// No origin configured: base resolution falls back to the local branch
	repoDir := setupGitRepo(t)
	m := NewManager(repoDir, t.TempDir(), "main", "factory")

	wsPath, _ := m.Allocate("attempt-nr")
	branch := m.BranchName("t2", "attempt-nr")
	baseCommit, err := m.CreateWorktree(wsPath, branch)
	if err != nil {
		t.Fatal(err)
	}

	head := gitRun(t, repoDir, "rev-parse", "main")
	if baseCommit != head {
		t.Errorf("base commit = %s, want local main %s", baseCommit, head)
	}
}
