package factory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/agent-factory/internal/domain"
	"github.com/hochfrequenz/agent-factory/internal/events"
	"github.com/hochfrequenz/agent-factory/internal/notify"
	"github.com/hochfrequenz/agent-factory/internal/store"
	"github.com/hochfrequenz/agent-factory/internal/workspace"
)

// Admission errors, surfaced to the caller before any side effect
var (
	ErrNoTasks        = errors.New("no dispatchable tasks")
	ErrAlreadyRunning = errors.New("a run is already active for this project")
	ErrBudgetExceeded = errors.New("budget exceeded")
	ErrAlreadyApplied = errors.New("attempt already applied")
	ErrNotApplicable  = errors.New("attempt is not applicable")
	ErrNotFound       = errors.New("not found")
)

// BudgetChecker gates run admission on external eligibility (billing,
// provider quota). The default allows everything.
type BudgetChecker interface {
	Allow(projectID string, taskCount int) error
}

type allowAll struct{}

func (allowAll) Allow(string, int) error { return nil }

// AllowAll returns a BudgetChecker that admits every run
func AllowAll() BudgetChecker { return allowAll{} }

// BatchRequest describes one factory invocation
type BatchRequest struct {
	ProjectID    string
	Mode         domain.RunMode
	ColumnStatus domain.TaskStatus // column mode; defaults to todo
	TaskIDs      []string          // selection mode
	MaxParallel  int
	ProfileID    string
	SourceRunID  string // set for reruns
}

// Scheduler is the top-level orchestrator: it admits batches, creates run
// records, seeds the queue and starts the worker pool.
type Scheduler struct {
	store    *store.Store
	runner   AttemptRunner
	hub      *events.Hub
	ws       *workspace.Manager
	registry *Registry
	budget   BudgetChecker
	notifier notify.Notifier

	applyMu sync.Mutex // one merge at a time

	hookMu sync.Mutex
	hooks  []func(*domain.Run)
}

// NewScheduler wires a scheduler. budget and notifier may be nil.
func NewScheduler(st *store.Store, r AttemptRunner, hub *events.Hub, ws *workspace.Manager, registry *Registry, budget BudgetChecker, notifier notify.Notifier) *Scheduler {
	if budget == nil {
		budget = AllowAll()
	}
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	return &Scheduler{
		store:    st,
		runner:   r,
		hub:      hub,
		ws:       ws,
		registry: registry,
		budget:   budget,
		notifier: notifier,
	}
}

// OnRunFinished registers a hook invoked after every run finalization
func (s *Scheduler) OnRunFinished(fn func(*domain.Run)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// StartBatch admits and launches a run. It returns once the run record is
// created and the pool is pumping; draining and finalization happen in the
// background.
func (s *Scheduler) StartBatch(ctx context.Context, req BatchRequest) (*domain.Run, error) {
	// Claim the project slot before anything is written: a concurrent start
	// cannot interleave between admission and launch, and every failure
	// below releases the slot without leaving state behind.
	if err := s.registry.Reserve(req.ProjectID); err != nil {
		return nil, err
	}
	launched := false
	defer func() {
		if !launched {
			s.registry.Remove(req.ProjectID)
		}
	}()

	if existing, err := s.store.ActiveRun(req.ProjectID); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, ErrAlreadyRunning
	}

	tasks, err := s.resolveTasks(req)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, ErrNoTasks
	}

	if err := s.budget.Allow(req.ProjectID, len(tasks)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBudgetExceeded, err)
	}

	maxParallel := req.MaxParallel
	if maxParallel < 1 {
		maxParallel = 1
	}

	run := &domain.Run{
		ID:          uuid.NewString(),
		ProjectID:   req.ProjectID,
		Status:      domain.RunRunning,
		Mode:        req.Mode,
		MaxParallel: maxParallel,
		SourceRunID: req.SourceRunID,
		StartedAt:   time.Now(),
		TaskCount:   len(tasks),
	}
	if err := s.store.CreateRun(run); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	queue := NewQueue(maxParallel)
	seeded := make([]*domain.Attempt, 0, len(tasks))
	for _, task := range tasks {
		attempt := &domain.Attempt{
			ID:          uuid.NewString(),
			TaskID:      task.ID,
			RunID:       run.ID,
			ProjectID:   req.ProjectID,
			ProfileID:   req.ProfileID,
			QueuedAt:    time.Now(),
			Status:      domain.AttemptQueued,
			MergeStatus: domain.MergeNotMerged,
		}
		if err := s.store.CreateAttempt(attempt); err != nil {
			s.abortSeeding(run, seeded)
			return nil, fmt.Errorf("creating attempt for task %s: %w", task.ID, err)
		}
		seeded = append(seeded, attempt)
		if err := s.store.UpdateTaskStatus(task.ID, domain.TaskInProgress); err != nil {
			log.Printf("[scheduler] moving task %s to in_progress: %v", task.ID, err)
		}
		queue.Enqueue(attempt)
	}

	pool := NewPool(run, queue, s.runner, s.store, s.hub, s.runFinished)
	s.registry.Install(req.ProjectID, pool)
	pool.Start(ctx)
	launched = true

	s.hub.PublishRun(events.RunEvent{
		RunID:     run.ID,
		ProjectID: run.ProjectID,
		Status:    string(run.Status),
		TaskCount: run.TaskCount,
	})
	log.Printf("[scheduler] run %s started: %d tasks, maxParallel=%d", run.ID, run.TaskCount, maxParallel)
	return run, nil
}

// abortSeeding rolls a half-seeded run back so the project is not wedged
// behind a permanently-running run row: already-created attempts are
// stopped, their tasks return to the backlog and the run is finalized.
func (s *Scheduler) abortSeeding(run *domain.Run, seeded []*domain.Attempt) {
	now := time.Now()
	for _, a := range seeded {
		if err := s.store.FinishAttempt(a.ID, domain.AttemptStopped, nil, "run aborted during seeding", now); err != nil {
			log.Printf("[scheduler] rolling back attempt %s: %v", a.ID, err)
		}
		if err := s.store.UpdateTaskStatus(a.TaskID, domain.TaskTodo); err != nil {
			log.Printf("[scheduler] rolling back task %s: %v", a.TaskID, err)
		}
	}
	if err := s.store.FinalizeRun(run.ID, domain.RunFailed, 0, 0, len(seeded), now); err != nil {
		log.Printf("[scheduler] finalizing aborted run %s: %v", run.ID, err)
	}
}

// resolveTasks builds the deduplicated, dispatchable task set for a request
func (s *Scheduler) resolveTasks(req BatchRequest) ([]*domain.Task, error) {
	if req.Mode == domain.ModeColumn {
		status := req.ColumnStatus
		if status == "" {
			status = domain.TaskTodo
		}
		return s.store.ListTasks(req.ProjectID, status)
	}

	seen := make(map[string]struct{}, len(req.TaskIDs))
	var tasks []*domain.Task
	for _, id := range req.TaskIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		task, err := s.store.GetTask(id)
		if err != nil {
			return nil, err
		}
		if task == nil {
			return nil, fmt.Errorf("%w: task %s", ErrNotFound, id)
		}
		if !task.Dispatchable() {
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// runFinished is the pool's finalization hook: notify and release the
// registry slot so the next run can start.
func (s *Scheduler) runFinished(run *domain.Run) {
	s.registry.Remove(run.ProjectID)

	severity := notify.Success
	if run.Status == domain.RunFailed {
		severity = notify.Failure
	} else if run.Status == domain.RunCancelled {
		severity = notify.Warning
	}
	err := s.notifier.Send(notify.Notification{
		Title:    fmt.Sprintf("Factory run %s", run.Status),
		Message:  fmt.Sprintf("%d tasks: %d completed, %d failed, %d stopped", run.TaskCount, run.CompletedCount, run.FailedCount, run.StoppedCount),
		Severity: severity,
		RunID:    run.ID,
	})
	if err != nil {
		log.Printf("[scheduler] notification for run %s: %v", run.ID, err)
	}

	s.hookMu.Lock()
	hooks := append([]func(*domain.Run){}, s.hooks...)
	s.hookMu.Unlock()
	for _, fn := range hooks {
		fn(run)
	}
}

// Stop halts the project's active run. Idempotent: stopping a project with
// no active run returns zero cancellations and no error.
func (s *Scheduler) Stop(projectID string) (int, error) {
	pool, ok := s.registry.Get(projectID)
	if !ok {
		return 0, nil
	}
	return pool.RequestStop(), nil
}

// Rerun seeds a new run from a prior run's failed attempts or a chosen
// subset. The source run is never mutated.
func (s *Scheduler) Rerun(ctx context.Context, sourceRunID, mode string, selectedTaskIDs []string, maxParallel int, profileID string) (*domain.Run, error) {
	source, err := s.store.GetRun(sourceRunID)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, sourceRunID)
	}

	var taskIDs []string
	switch mode {
	case "failed":
		attempts, err := s.store.ListAttemptsByRun(sourceRunID)
		if err != nil {
			return nil, err
		}
		for _, a := range attempts {
			if a.Status == domain.AttemptFailed {
				taskIDs = append(taskIDs, a.TaskID)
			}
		}
	case "selected":
		taskIDs = selectedTaskIDs
	default:
		return nil, fmt.Errorf("unknown rerun mode %q", mode)
	}
	if len(taskIDs) == 0 {
		return nil, ErrNoTasks
	}

	// Failed tasks sit back in todo; re-flag them so the dispatchability
	// check in resolveTasks admits an explicit rerun selection too.
	for _, id := range taskIDs {
		task, err := s.store.GetTask(id)
		if err != nil {
			return nil, err
		}
		if task != nil && !task.Dispatchable() {
			if err := s.store.UpdateTaskStatus(id, domain.TaskTodo); err != nil {
				return nil, err
			}
		}
	}

	if maxParallel < 1 {
		maxParallel = source.MaxParallel
	}
	return s.StartBatch(ctx, BatchRequest{
		ProjectID:   source.ProjectID,
		Mode:        domain.ModeSelection,
		TaskIDs:     taskIDs,
		MaxParallel: maxParallel,
		ProfileID:   profileID,
		SourceRunID: sourceRunID,
	})
}

// ApplyResult reports the outcome of merging an attempt's branch
type ApplyResult struct {
	MergeStatus domain.MergeStatus
	AppliedAt   *time.Time
	ApplyError  string
	Log         []string
}

// Apply merges a completed attempt's branch back into the base branch.
// At-most-once: a second apply on an applied attempt is rejected without
// touching the repository.
func (s *Scheduler) Apply(attemptID, appliedBy string) (*ApplyResult, error) {
	attempt, err := s.store.GetAttempt(attemptID)
	if err != nil {
		return nil, err
	}
	if attempt == nil {
		return nil, fmt.Errorf("%w: attempt %s", ErrNotFound, attemptID)
	}
	if attempt.Applied() {
		return nil, ErrAlreadyApplied
	}
	if attempt.Status != domain.AttemptCompleted {
		return nil, fmt.Errorf("%w: status is %s", ErrNotApplicable, attempt.Status)
	}
	if attempt.Branch == "" || attempt.HeadCommit == "" {
		return nil, fmt.Errorf("%w: attempt has no branch to merge", ErrNotApplicable)
	}

	// One merge at a time; concurrent applies would fight over the
	// repository's checked-out branch.
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	res, err := s.ws.Merge(attempt.Branch, attempt.TaskID)
	if err != nil {
		applyErr := err.Error()
		if rErr := s.store.RecordApply(attemptID, domain.MergeNotMerged, appliedBy, applyErr, nil); rErr != nil {
			log.Printf("[scheduler] recording failed apply for %s: %v", attemptID, rErr)
		}
		return &ApplyResult{MergeStatus: domain.MergeNotMerged, ApplyError: applyErr}, err
	}

	now := time.Now()
	switch res.Status {
	case domain.MergeConflict:
		if err := s.store.RecordApply(attemptID, domain.MergeConflict, appliedBy, res.Detail, nil); err != nil {
			return nil, err
		}
		return &ApplyResult{MergeStatus: domain.MergeConflict, ApplyError: res.Detail, Log: res.Log}, nil

	default:
		if err := s.store.RecordApply(attemptID, domain.MergeMerged, appliedBy, "", &now); err != nil {
			return nil, err
		}
		if err := s.store.UpdateTaskStatus(attempt.TaskID, domain.TaskDone); err != nil {
			log.Printf("[scheduler] moving task %s to done: %v", attempt.TaskID, err)
		}
		// The branch is merged; reclaim it
		if err := s.ws.Cleanup("", attempt.Branch, true); err != nil {
			log.Printf("[scheduler] deleting merged branch %s: %v", attempt.Branch, err)
		}
		s.hub.PublishAttempt(events.AttemptEvent{
			AttemptID: attempt.ID,
			TaskID:    attempt.TaskID,
			RunID:     attempt.RunID,
			Status:    string(attempt.Status),
			Branch:    attempt.Branch,
		})
		return &ApplyResult{MergeStatus: domain.MergeMerged, AppliedAt: &now, Log: res.Log}, nil
	}
}

// RecoverPending rebuilds orchestration state after a restart. Attempts
// stuck in running are failed (their processes died with the old daemon);
// persisted queued attempts are the source of truth for the queue and get
// re-enqueued into a fresh pool that resumes the active run. A run with
// nothing left to schedule is finalized from its persisted attempts.
func (s *Scheduler) RecoverPending(ctx context.Context, projectID string) error {
	now := time.Now()

	running, err := s.store.ListAttemptsByStatus(projectID, domain.AttemptRunning)
	if err != nil {
		return err
	}
	for _, a := range running {
		if err := s.store.FinishAttempt(a.ID, domain.AttemptFailed, nil, "orphaned by restart", now); err != nil {
			return err
		}
		if err := s.store.UpdateTaskStatus(a.TaskID, domain.TaskTodo); err != nil {
			return err
		}
	}

	queued, err := s.store.ListAttemptsByStatus(projectID, domain.AttemptQueued)
	if err != nil {
		return err
	}

	active, err := s.store.ActiveRun(projectID)
	if err != nil {
		return err
	}

	// Queued rows whose run is gone (or finished) cannot be scheduled
	var resume []*domain.Attempt
	for _, a := range queued {
		if active != nil && a.RunID == active.ID {
			resume = append(resume, a)
			continue
		}
		if err := s.store.FinishAttempt(a.ID, domain.AttemptStopped, nil, "queue lost on restart", now); err != nil {
			return err
		}
		if err := s.store.UpdateTaskStatus(a.TaskID, domain.TaskTodo); err != nil {
			return err
		}
	}

	if active == nil {
		return nil
	}
	if len(resume) == 0 {
		return s.finalizeOrphanedRun(active, now)
	}

	queue := NewQueue(active.MaxParallel)
	for _, a := range resume {
		queue.Enqueue(a)
	}

	pool := NewPool(active, queue, s.runner, s.store, s.hub, s.runFinished)
	completed, failed, stopped, err := s.tallyRun(active.ID)
	if err != nil {
		return err
	}
	pool.seedTally(completed, failed, stopped)

	if err := s.registry.Register(projectID, pool); err != nil {
		return err
	}
	pool.Start(ctx)
	log.Printf("[scheduler] run %s resumed after restart: %d attempts requeued, %d orphaned",
		active.ID, len(resume), len(running))
	return nil
}

// tallyRun counts a run's attempts that already reached a terminal state
func (s *Scheduler) tallyRun(runID string) (completed, failed, stopped int, err error) {
	attempts, err := s.store.ListAttemptsByRun(runID)
	if err != nil {
		return 0, 0, 0, err
	}
	for _, a := range attempts {
		switch a.Status {
		case domain.AttemptCompleted:
			completed++
		case domain.AttemptFailed:
			failed++
		case domain.AttemptStopped:
			stopped++
		}
	}
	return completed, failed, stopped, nil
}

// finalizeOrphanedRun closes out a run that survived a restart with no
// schedulable attempts left
func (s *Scheduler) finalizeOrphanedRun(run *domain.Run, now time.Time) error {
	completed, failed, stopped, err := s.tallyRun(run.ID)
	if err != nil {
		return err
	}

	status := domain.RunCompleted
	if failed > 0 {
		status = domain.RunFailed
	}
	if err := s.store.FinalizeRun(run.ID, status, completed, failed, stopped, now); err != nil {
		return err
	}
	log.Printf("[scheduler] run %s orphaned by restart, finalized as %s (%d completed, %d failed, %d stopped)",
		run.ID, status, completed, failed, stopped)
	return nil
}
