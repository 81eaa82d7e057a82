package factory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hochfrequenz/agent-factory/internal/domain"
)

func newTestAutopilot(t *testing.T, batchSize int) (*Autopilot, *Scheduler, *fakeRunner, []string) {
	t.Helper()
	st := newTestStore(t)
	ids := seedTasks(t, st, 4)
	fr := newFakeRunner(st, time.Millisecond)
	sched := newTestScheduler(t, st, fr)
	ap := NewAutopilot(st, sched, batchSize)
	return ap, sched, fr, ids
}

func TestAutopilot_BatchProgression(t *testing.T) {
	ap, _, _, ids := newTestAutopilot(t, 2)

	session, err := ap.Start(context.Background(), testProject, ids, 2)
	if err != nil {
		t.Fatal(err)
	}
	if session.State != domain.AutopilotRunning {
		t.Fatalf("state = %s, want running", session.State)
	}
	if session.RemainingBatches() != 2 {
		t.Errorf("remaining batches = %d, want 2", session.RemainingBatches())
	}

	// First batch drains, session parks at the approval gate
	waitFor(t, 5*time.Second, "waiting_approval", func() bool {
		return ap.Current().State == domain.AutopilotWaitingApproval
	})
	if got := ap.Current().BatchIndex; got != 1 {
		t.Errorf("batchIndex = %d, want 1", got)
	}

	if _, err := ap.Approve(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, "completed", func() bool {
		return ap.Current().State == domain.AutopilotCompleted
	})
}

func TestAutopilot_StartOnlyFromIdle(t *testing.T) {
	ap, sched, fr, ids := newTestAutopilot(t, 2)
	fr.delay = time.Second

	if _, err := ap.Start(context.Background(), testProject, ids, 2); err != nil {
		t.Fatal(err)
	}
	if _, err := ap.Start(context.Background(), testProject, ids, 2); !errors.Is(err, ErrAutopilotActive) {
		t.Errorf("got %v, want ErrAutopilotActive", err)
	}

	pool, _ := sched.registry.Get(testProject)
	ap.Cancel()
	select {
	case <-pool.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("batch run never finalized")
	}
}

func TestAutopilot_ApproveRequiresPendingBatch(t *testing.T) {
	ap, _, _, _ := newTestAutopilot(t, 2)

	if _, err := ap.Approve(context.Background()); !errors.Is(err, ErrNoApprovalPending) {
		t.Errorf("got %v, want ErrNoApprovalPending", err)
	}
}

func TestAutopilot_CancelReturnsToIdle(t *testing.T) {
	ap, sched, fr, ids := newTestAutopilot(t, 2)
	fr.delay = 10 * time.Second

	if _, err := ap.Start(context.Background(), testProject, ids, 2); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, "attempts running", func() bool {
		return fr.runningCount() > 0
	})

	pool, _ := sched.registry.Get(testProject)
	session, err := ap.Cancel()
	if err != nil {
		t.Fatal(err)
	}
	if !session.State.IsTerminal() {
		t.Errorf("state after cancel = %s, want terminal", session.State)
	}

	select {
	case <-pool.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("batch run never finalized after cancel")
	}

	// The machine is back at idle: a new session may start once the
	// cancelled tasks are back in the backlog
	fr.delay = time.Millisecond
	for _, id := range ids[:2] {
		if err := fr.st.UpdateTaskStatus(id, domain.TaskTodo); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := ap.Start(context.Background(), testProject, ids[:2], 2); err != nil {
		t.Fatalf("restart after cancel: %v", err)
	}
	waitFor(t, 5*time.Second, "second session done", func() bool {
		return ap.Current().State.IsTerminal()
	})
}

func TestAutopilot_SurvivesRestart(t *testing.T) {
	st := newTestStore(t)
	ids := seedTasks(t, st, 4)
	fr := newFakeRunner(st, time.Millisecond)
	sched := newTestScheduler(t, st, fr)
	ap := NewAutopilot(st, sched, 2)

	if _, err := ap.Start(context.Background(), testProject, ids, 2); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, "waiting_approval", func() bool {
		return ap.Current().State == domain.AutopilotWaitingApproval
	})

	// A fresh process restores the persisted session at the approval gate
	ap2 := NewAutopilot(st, newTestScheduler(t, st, fr), 2)
	if err := ap2.Restore(testProject); err != nil {
		t.Fatal(err)
	}
	restored := ap2.Current()
	if restored == nil {
		t.Fatal("no session restored")
	}
	if restored.State != domain.AutopilotWaitingApproval {
		t.Errorf("restored state = %s, want waiting_approval", restored.State)
	}
	if restored.BatchIndex != 1 {
		t.Errorf("restored batchIndex = %d, want 1", restored.BatchIndex)
	}
}

func TestAutopilot_RestoreFollowsFinishedRun(t *testing.T) {
	st := newTestStore(t)
	ids := seedTasks(t, st, 4)

	// The daemon died while a batch run was in flight; by now the run has
	// been finalized (recovery drained it) but the session still says running.
	now := time.Now()
	run := &domain.Run{
		ID: "run-batch-0", ProjectID: testProject, Status: domain.RunRunning,
		Mode: domain.ModeSelection, MaxParallel: 2, StartedAt: now, TaskCount: 2,
	}
	if err := st.CreateRun(run); err != nil {
		t.Fatal(err)
	}
	if err := st.FinalizeRun(run.ID, domain.RunCompleted, 2, 0, 0, now); err != nil {
		t.Fatal(err)
	}

	session := &domain.AutopilotRun{
		ID: "ap-1", ProjectID: testProject, State: domain.AutopilotRunning,
		BacklogIDs: ids, BatchSize: 2, MaxParallel: 2, CurrentRun: run.ID,
		StartedAt: now, UpdatedAt: now,
	}
	if err := st.SaveAutopilotRun(session); err != nil {
		t.Fatal(err)
	}

	ap := NewAutopilot(st, newTestScheduler(t, st, newFakeRunner(st, time.Millisecond)), 2)
	if err := ap.Restore(testProject); err != nil {
		t.Fatal(err)
	}

	restored := ap.Current()
	if restored.State != domain.AutopilotWaitingApproval {
		t.Errorf("restored state = %s, want waiting_approval", restored.State)
	}
	if restored.BatchIndex != 1 {
		t.Errorf("restored batchIndex = %d, want 1", restored.BatchIndex)
	}
}
