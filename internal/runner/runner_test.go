package runner

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hochfrequenz/agent-factory/internal/domain"
	"github.com/hochfrequenz/agent-factory/internal/events"
	"github.com/hochfrequenz/agent-factory/internal/profiles"
	"github.com/hochfrequenz/agent-factory/internal/store"
	"github.com/hochfrequenz/agent-factory/internal/workspace"
)

func newTestRunner(t *testing.T, command string, args []string) (*Runner, *store.Store) {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	ws := workspace.NewManager("", t.TempDir(), "main", "factory")
	catalog := profiles.NewCatalog("", profiles.Profile{ID: "default", Command: command, Args: args})
	r := New(st, ws, events.NewHub(), catalog, 2*time.Second)
	return r, st
}

func seedAttempt(t *testing.T, st *store.Store, attemptID string) (*domain.Attempt, *domain.Task) {
	t.Helper()
	now := time.Now()
	task := &domain.Task{
		ID: "task-1", ProjectID: "p1", Title: "do the thing",
		Status: domain.TaskInProgress, CreatedAt: now, UpdatedAt: now,
	}
	if err := st.UpsertTask(task); err != nil {
		t.Fatal(err)
	}
	attempt := &domain.Attempt{
		ID: attemptID, TaskID: task.ID, ProjectID: "p1",
		QueuedAt: now, Status: domain.AttemptQueued, MergeStatus: domain.MergeNotMerged,
	}
	if err := st.CreateAttempt(attempt); err != nil {
		t.Fatal(err)
	}
	return attempt, task
}

func TestRunner_CompletedOnExitZero(t *testing.T) {
	r, st := newTestRunner(t, "sh", []string{"-c", "echo working; echo done"})
	attempt, task := seedAttempt(t, st, "att-ok")

	result := r.Start(context.Background(), attempt, task)

	if result.Status != domain.AttemptCompleted {
		t.Fatalf("status = %s, want completed", result.Status)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", result.ExitCode)
	}

	persisted, _ := st.GetAttempt("att-ok")
	if persisted.Status != domain.AttemptCompleted {
		t.Errorf("persisted status = %s", persisted.Status)
	}
	if persisted.WorkspacePath != "" {
		t.Errorf("workspace not reclaimed: %q", persisted.WorkspacePath)
	}

	// Output lines were captured
	logs, err := st.TailLogs("att-ok", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 || logs[0].Line != "working" || logs[1].Line != "done" {
		t.Errorf("logs = %v", logs)
	}
}

func TestRunner_FailedOnNonZeroExit(t *testing.T) {
	r, st := newTestRunner(t, "sh", []string{"-c", "echo oops >&2; exit 3"})
	attempt, task := seedAttempt(t, st, "att-bad")

	result := r.Start(context.Background(), attempt, task)

	if result.Status != domain.AttemptFailed {
		t.Fatalf("status = %s, want failed", result.Status)
	}
	if result.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", result.ExitCode)
	}

	logs, _ := st.TailLogs("att-bad", 10)
	if len(logs) != 1 || logs[0].Stream != "stderr" {
		t.Errorf("stderr not captured: %v", logs)
	}
}

func TestRunner_CancelStopsAttempt(t *testing.T) {
	r, st := newTestRunner(t, "sh", []string{"-c", "sleep 30"})
	attempt, task := seedAttempt(t, st, "att-cancel")

	done := make(chan ExitResult, 1)
	go func() {
		done <- r.Start(context.Background(), attempt, task)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r.Cancel("att-cancel") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case result := <-done:
		if result.Status != domain.AttemptStopped {
			t.Errorf("status = %s, want stopped", result.Status)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("attempt never terminated after cancel")
	}

	persisted, _ := st.GetAttempt("att-cancel")
	if persisted.Status != domain.AttemptStopped {
		t.Errorf("persisted status = %s, want stopped", persisted.Status)
	}
}

func TestRunner_CancelBeforeSpawnStops(t *testing.T) {
	r, st := newTestRunner(t, "sh", []string{"-c", "sleep 30"})
	attempt, task := seedAttempt(t, st, "att-early")

	// A stop can land after the attempt left the queue but before its
	// process exists. It must still terminate stopped, not failed.
	if !r.Cancel("att-early") {
		t.Fatal("pre-spawn cancel not accepted")
	}

	result := r.Start(context.Background(), attempt, task)
	if result.Status != domain.AttemptStopped {
		t.Fatalf("status = %s, want stopped", result.Status)
	}

	persisted, _ := st.GetAttempt("att-early")
	if persisted.Status != domain.AttemptStopped {
		t.Errorf("persisted status = %s, want stopped", persisted.Status)
	}
	if persisted.ErrorMessage != "cancelled before start" {
		t.Errorf("error message = %q", persisted.ErrorMessage)
	}
}

func TestRunner_UnknownProfileFails(t *testing.T) {
	r, st := newTestRunner(t, "sh", []string{"-c", "true"})
	attempt, task := seedAttempt(t, st, "att-prof")
	attempt.ProfileID = "does-not-exist"

	result := r.Start(context.Background(), attempt, task)
	if result.Status != domain.AttemptFailed {
		t.Errorf("status = %s, want failed", result.Status)
	}

	persisted, _ := st.GetAttempt("att-prof")
	if persisted.ErrorMessage == "" {
		t.Error("no error message recorded")
	}
}
