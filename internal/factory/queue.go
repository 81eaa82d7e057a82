// Package factory contains the orchestration core: the admission-controlled
// attempt queue, the concurrency-limited worker pool, the run scheduler and
// the workspace garbage collector.
package factory

import (
	"sync"

	"github.com/hochfrequenz/agent-factory/internal/domain"
)

// Queue is the in-memory FIFO of pending attempts for one project, with
// admission control against the run's maxParallel. It is a cache: the
// persisted queued attempt rows are the source of truth, and recovery
// rebuilds it from them after a restart.
type Queue struct {
	mu          sync.Mutex
	pending     []*domain.Attempt
	running     map[string]struct{}
	maxParallel int
}

// NewQueue creates a queue admitting up to maxParallel concurrent attempts
func NewQueue(maxParallel int) *Queue {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Queue{
		running:     make(map[string]struct{}),
		maxParallel: maxParallel,
	}
}

// Enqueue appends an attempt to the pending FIFO
func (q *Queue) Enqueue(a *domain.Attempt) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, a)
}

// DequeueNext pops the oldest pending attempt if a slot is available and
// marks it running. Returns nil when the queue is empty or all slots are
// taken.
func (q *Queue) DequeueNext() *domain.Attempt {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 || len(q.running) >= q.maxParallel {
		return nil
	}
	a := q.pending[0]
	q.pending = q.pending[1:]
	q.running[a.ID] = struct{}{}
	return a
}

// HasAvailableSlot reports whether a new attempt may start
func (q *Queue) HasAvailableSlot() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running) < q.maxParallel
}

// Release frees the slot held by a finished attempt
func (q *Queue) Release(attemptID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.running, attemptID)
}

// ClearAll drains the pending FIFO without touching in-flight attempts and
// returns the drained entries so the caller can mark them stopped.
func (q *Queue) ClearAll() []*domain.Attempt {
	q.mu.Lock()
	defer q.mu.Unlock()

	drained := q.pending
	q.pending = nil
	return drained
}

// PendingCount returns the number of attempts still waiting for a slot
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// RunningCount returns the number of slots currently held
func (q *Queue) RunningCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running)
}

// RunningIDs returns the attempt IDs currently holding a slot
func (q *Queue) RunningIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]string, 0, len(q.running))
	for id := range q.running {
		ids = append(ids, id)
	}
	return ids
}
