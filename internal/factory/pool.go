package factory

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hochfrequenz/agent-factory/internal/domain"
	"github.com/hochfrequenz/agent-factory/internal/events"
	"github.com/hochfrequenz/agent-factory/internal/runner"
	"github.com/hochfrequenz/agent-factory/internal/store"
)

// AttemptRunner executes one attempt end to end and supports cancellation
// of running attempts. Satisfied by *runner.Runner.
type AttemptRunner interface {
	Start(ctx context.Context, attempt *domain.Attempt, task *domain.Task) runner.ExitResult
	Cancel(attemptID string) bool
}

// Pool pumps attempts out of the queue into AttemptRunners, holding the
// concurrency at the run's maxParallel. One pool exists per project while a
// run is active.
type Pool struct {
	run    *domain.Run
	queue  *Queue
	runner AttemptRunner
	store  *store.Store
	hub    *events.Hub
	sem    *semaphore.Weighted

	stopped    atomic.Bool
	pumpCancel context.CancelFunc
	wg         sync.WaitGroup
	done       chan struct{}

	tallyMu   sync.Mutex
	completed int
	failed    int
	stoppedN  int

	onFinished func(*domain.Run)
}

// NewPool creates a pool for one run. onFinished is invoked exactly once
// after the run has been finalized; it may be nil.
func NewPool(run *domain.Run, queue *Queue, r AttemptRunner, st *store.Store, hub *events.Hub, onFinished func(*domain.Run)) *Pool {
	maxParallel := run.MaxParallel
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Pool{
		run:        run,
		queue:      queue,
		runner:     r,
		store:      st,
		hub:        hub,
		sem:        semaphore.NewWeighted(int64(maxParallel)),
		done:       make(chan struct{}),
		onFinished: onFinished,
	}
}

// Start launches the pump loop in the background
func (p *Pool) Start(ctx context.Context) {
	pumpCtx, cancel := context.WithCancel(ctx)
	p.pumpCancel = cancel
	go p.pump(pumpCtx)
}

// Done is closed once the run has been finalized
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

// pump repeatedly acquires a slot, pops the next queued attempt and runs
// it asynchronously. It exits when the queue drains or stop is requested,
// then waits for in-flight attempts before finalizing the run.
func (p *Pool) pump(ctx context.Context) {
	defer p.pumpCancel()

	for {
		if p.stopped.Load() {
			break
		}
		if err := p.sem.Acquire(ctx, 1); err != nil {
			break
		}
		if p.stopped.Load() {
			p.sem.Release(1)
			break
		}
		attempt := p.queue.DequeueNext()
		if attempt == nil {
			p.sem.Release(1)
			break
		}

		p.wg.Add(1)
		go func(a *domain.Attempt) {
			defer p.wg.Done()
			defer p.sem.Release(1)
			defer p.queue.Release(a.ID)
			p.dispatch(ctx, a)
		}(attempt)
	}

	p.wg.Wait()
	p.finalize()
}

func (p *Pool) dispatch(ctx context.Context, attempt *domain.Attempt) {
	task, err := p.store.GetTask(attempt.TaskID)
	if err != nil || task == nil {
		log.Printf("[pool] task %s missing for attempt %s: %v", attempt.TaskID, attempt.ID, err)
		p.recordOrphan(attempt)
		return
	}

	result := p.runner.Start(ctx, attempt, task)

	p.tallyMu.Lock()
	switch result.Status {
	case domain.AttemptCompleted:
		p.completed++
	case domain.AttemptStopped:
		p.stoppedN++
	default:
		p.failed++
	}
	p.tallyMu.Unlock()

	if err := p.store.UpdateTaskStatus(task.ID, taskStatusFor(result.Status)); err != nil {
		log.Printf("[pool] updating task %s after attempt %s: %v", task.ID, attempt.ID, err)
	}
}

// recordOrphan marks an attempt whose task disappeared as failed without
// starting an agent
func (p *Pool) recordOrphan(attempt *domain.Attempt) {
	code := -1
	if err := p.store.FinishAttempt(attempt.ID, domain.AttemptFailed, &code, "task no longer exists", time.Now()); err != nil {
		log.Printf("[pool] persisting orphan attempt %s: %v", attempt.ID, err)
	}
	p.tallyMu.Lock()
	p.failed++
	p.tallyMu.Unlock()
}

// taskStatusFor maps a terminal attempt status onto the task's column:
// finished work goes to review, failures return to the backlog and stopped
// work is cancelled.
func taskStatusFor(s domain.AttemptStatus) domain.TaskStatus {
	switch s {
	case domain.AttemptCompleted:
		return domain.TaskInReview
	case domain.AttemptStopped:
		return domain.TaskCancelled
	default:
		return domain.TaskTodo
	}
}

// seedTally preloads the finalization counters with attempts that reached
// a terminal state before this pool existed (run resumed after a restart)
func (p *Pool) seedTally(completed, failed, stopped int) {
	p.tallyMu.Lock()
	p.completed, p.failed, p.stoppedN = completed, failed, stopped
	p.tallyMu.Unlock()
}

// RequestStop stops the pump, clears the pending queue and cancels every
// in-flight attempt. It returns the number of attempts it cancelled.
// Idempotent: a second call returns 0.
func (p *Pool) RequestStop() int {
	if !p.stopped.CompareAndSwap(false, true) {
		return 0
	}

	cancelled := 0
	now := time.Now()
	for _, a := range p.queue.ClearAll() {
		if err := p.store.FinishAttempt(a.ID, domain.AttemptStopped, nil, "cancelled before start", now); err != nil {
			log.Printf("[pool] stopping queued attempt %s: %v", a.ID, err)
		}
		p.hub.PublishAttempt(events.AttemptEvent{
			AttemptID: a.ID,
			TaskID:    a.TaskID,
			RunID:     a.RunID,
			Status:    string(domain.AttemptStopped),
		})
		if err := p.store.UpdateTaskStatus(a.TaskID, domain.TaskCancelled); err != nil {
			log.Printf("[pool] cancelling task %s: %v", a.TaskID, err)
		}
		p.tallyMu.Lock()
		p.stoppedN++
		p.tallyMu.Unlock()
		cancelled++
	}

	// Running attempts are signalled through the runner so they terminate
	// as stopped, not failed. The pump context stays alive until they ack.
	for _, id := range p.queue.RunningIDs() {
		if p.runner.Cancel(id) {
			cancelled++
		}
	}

	// Unblock a pump waiting on a slot
	if p.pumpCancel != nil {
		p.pumpCancel()
	}
	return cancelled
}

// finalize writes the run's terminal status exactly once and announces it
func (p *Pool) finalize() {
	defer close(p.done)

	p.tallyMu.Lock()
	completed, failed, stopped := p.completed, p.failed, p.stoppedN
	p.tallyMu.Unlock()

	status := domain.RunCompleted
	switch {
	case p.stopped.Load():
		status = domain.RunCancelled
	case failed > 0:
		status = domain.RunFailed
	}

	now := time.Now()
	if err := p.store.FinalizeRun(p.run.ID, status, completed, failed, stopped, now); err != nil {
		log.Printf("[pool] finalizing run %s: %v", p.run.ID, err)
	}
	p.run.Status = status
	p.run.FinishedAt = &now
	p.run.CompletedCount = completed
	p.run.FailedCount = failed
	p.run.StoppedCount = stopped

	p.hub.PublishRun(events.RunEvent{
		RunID:     p.run.ID,
		ProjectID: p.run.ProjectID,
		Status:    string(status),
		TaskCount: p.run.TaskCount,
	})
	log.Printf("[pool] run %s finished: %s (%d completed, %d failed, %d stopped)",
		p.run.ID, status, completed, failed, stopped)

	if p.onFinished != nil {
		p.onFinished(p.run)
	}
}

// Registry tracks the active pool per project. It is dependency-injected
// rather than a package-level map so tests can run isolated instances.
type Registry struct {
	mu    sync.Mutex
	pools map[string]*Pool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{pools: make(map[string]*Pool)}
}

// Register installs the pool as the project's active one. A second pool
// for the same project is rejected while the first is still registered.
func (r *Registry) Register(projectID string, p *Pool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pools[projectID]; exists {
		return ErrAlreadyRunning
	}
	r.pools[projectID] = p
	return nil
}

// Reserve claims the project's slot before any run state exists, so a
// concurrent start cannot interleave between admission and launch. The
// caller installs the pool once seeding succeeded, or removes the
// reservation on failure.
func (r *Registry) Reserve(projectID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pools[projectID]; exists {
		return ErrAlreadyRunning
	}
	r.pools[projectID] = nil
	return nil
}

// Install puts the pool into a previously reserved slot
func (r *Registry) Install(projectID string, p *Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools[projectID] = p
}

// Get returns the project's active pool, if any. A slot that is merely
// reserved has no pool yet and reports false.
func (r *Registry) Get(projectID string) (*Pool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[projectID]
	return p, ok && p != nil
}

// Remove drops the project's registry entry
func (r *Registry) Remove(projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pools, projectID)
}
