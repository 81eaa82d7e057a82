package factory

import (
	"testing"

	"github.com/hochfrequenz/agent-factory/internal/domain"
)

func attempt(id string) *domain.Attempt {
	return &domain.Attempt{ID: id, TaskID: "task-" + id}
}

func TestQueue_FIFOOrder(t *testing.T) {
	q := NewQueue(5)
	q.Enqueue(attempt("a"))
	q.Enqueue(attempt("b"))
	q.Enqueue(attempt("c"))

	for _, want := range []string{"a", "b", "c"} {
		got := q.DequeueNext()
		if got == nil || got.ID != want {
			t.Fatalf("DequeueNext() = %v, want %s", got, want)
		}
	}
	if got := q.DequeueNext(); got != nil {
		t.Errorf("empty queue returned %v", got)
	}
}

func TestQueue_AdmissionControl(t *testing.T) {
	q := NewQueue(2)
	q.Enqueue(attempt("a"))
	q.Enqueue(attempt("b"))
	q.Enqueue(attempt("c"))

	first := q.DequeueNext()
	second := q.DequeueNext()
	if first == nil || second == nil {
		t.Fatal("expected two dequeues to succeed")
	}
	if q.HasAvailableSlot() {
		t.Error("expected no available slot with 2 running and maxParallel=2")
	}
	if got := q.DequeueNext(); got != nil {
		t.Errorf("dequeue over capacity returned %v", got)
	}

	q.Release(first.ID)
	if !q.HasAvailableSlot() {
		t.Error("expected a slot after release")
	}
	if got := q.DequeueNext(); got == nil || got.ID != "c" {
		t.Errorf("DequeueNext() after release = %v, want c", got)
	}
}

func TestQueue_ClearAllKeepsInFlight(t *testing.T) {
	q := NewQueue(1)
	q.Enqueue(attempt("a"))
	q.Enqueue(attempt("b"))
	q.Enqueue(attempt("c"))

	running := q.DequeueNext()
	drained := q.ClearAll()

	if len(drained) != 2 {
		t.Fatalf("ClearAll() drained %d, want 2", len(drained))
	}
	if q.RunningCount() != 1 {
		t.Errorf("running count = %d, want 1", q.RunningCount())
	}
	if q.PendingCount() != 0 {
		t.Errorf("pending count = %d, want 0", q.PendingCount())
	}

	ids := q.RunningIDs()
	if len(ids) != 1 || ids[0] != running.ID {
		t.Errorf("RunningIDs() = %v, want [%s]", ids, running.ID)
	}
}
