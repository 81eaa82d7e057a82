package factory

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hochfrequenz/agent-factory/internal/domain"
	"github.com/hochfrequenz/agent-factory/internal/workspace"
)

func TestCollector_SweepReclaimsTerminalWorkspaces(t *testing.T) {
	st := newTestStore(t)
	seedTasks(t, st, 2)

	wsDir := t.TempDir()
	ws := workspace.NewManager("", wsDir, "main", "factory")
	collector := NewCollector(st, ws)

	// A terminal attempt that was never cleaned
	leftover := filepath.Join(wsDir, "attempt-old")
	if err := os.MkdirAll(leftover, 0755); err != nil {
		t.Fatal(err)
	}
	a := &domain.Attempt{
		ID: "att-old", TaskID: "task-0", ProjectID: testProject,
		QueuedAt: time.Now(), Status: domain.AttemptQueued, MergeStatus: domain.MergeNotMerged,
	}
	st.CreateAttempt(a)
	st.MarkAttemptRunning(a.ID, leftover, "", "", time.Now().Add(-2*time.Hour))
	code := 0
	st.FinishAttempt(a.ID, domain.AttemptFailed, &code, "", time.Now().Add(-time.Hour))

	// A fresh terminal attempt below the age threshold
	fresh := filepath.Join(wsDir, "attempt-fresh")
	os.MkdirAll(fresh, 0755)
	b := &domain.Attempt{
		ID: "att-fresh", TaskID: "task-1", ProjectID: testProject,
		QueuedAt: time.Now(), Status: domain.AttemptQueued, MergeStatus: domain.MergeNotMerged,
	}
	st.CreateAttempt(b)
	st.MarkAttemptRunning(b.ID, fresh, "", "", time.Now())
	st.FinishAttempt(b.ID, domain.AttemptCompleted, &code, "", time.Now())

	report, err := collector.Sweep(SweepOptions{MinAge: 30 * time.Minute, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if report.Checked != 1 || report.Cleaned != 1 || report.Failed != 0 {
		t.Fatalf("report = %+v, want 1 checked / 1 cleaned", report)
	}

	if _, err := os.Stat(leftover); !os.IsNotExist(err) {
		t.Error("old workspace still on disk")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh workspace was reclaimed too early")
	}

	after, _ := st.GetAttempt(a.ID)
	if after.WorkspacePath != "" {
		t.Errorf("workspace path = %q, want cleared", after.WorkspacePath)
	}
	if after.Status != domain.AttemptFailed {
		t.Errorf("gc changed attempt status to %s", after.Status)
	}
}

func TestCollector_SweepIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	seedTasks(t, st, 1)

	wsDir := t.TempDir()
	ws := workspace.NewManager("", wsDir, "main", "factory")
	collector := NewCollector(st, ws)

	path := filepath.Join(wsDir, "attempt-x")
	os.MkdirAll(path, 0755)
	a := &domain.Attempt{
		ID: "att-x", TaskID: "task-0", ProjectID: testProject,
		QueuedAt: time.Now(), Status: domain.AttemptQueued, MergeStatus: domain.MergeNotMerged,
	}
	st.CreateAttempt(a)
	st.MarkAttemptRunning(a.ID, path, "", "", time.Now().Add(-2*time.Hour))
	code := 1
	st.FinishAttempt(a.ID, domain.AttemptFailed, &code, "", time.Now().Add(-time.Hour))

	first, err := collector.Sweep(SweepOptions{MinAge: time.Minute, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if first.Cleaned != 1 {
		t.Fatalf("first sweep cleaned %d, want 1", first.Cleaned)
	}

	// Second pass finds nothing and does not error
	second, err := collector.Sweep(SweepOptions{MinAge: time.Minute, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if second.Checked != 0 {
		t.Errorf("second sweep checked %d, want 0", second.Checked)
	}
}
