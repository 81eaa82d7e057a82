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
	"github.com/hochfrequenz/agent-factory/internal/store"
)

// Autopilot state machine errors
var (
	ErrAutopilotActive     = errors.New("an autopilot session is already active")
	ErrAutopilotNotRunning = errors.New("autopilot session is not running")
	ErrNoApprovalPending   = errors.New("no batch awaiting approval")
)

// Autopilot drives batches of a generated backlog through the factory,
// pausing for approval between batches. Every transition is persisted so a
// session survives process restarts.
type Autopilot struct {
	store     *store.Store
	scheduler *Scheduler
	batchSize int

	mu      sync.Mutex
	session *domain.AutopilotRun
}

// NewAutopilot wires the batch state machine into the scheduler. It
// registers a run-finished hook so batch completion advances the session.
func NewAutopilot(st *store.Store, sched *Scheduler, batchSize int) *Autopilot {
	if batchSize < 1 {
		batchSize = 10
	}
	a := &Autopilot{store: st, scheduler: sched, batchSize: batchSize}
	sched.OnRunFinished(a.runFinished)
	return a
}

// Restore reloads the latest persisted session for a project, if any. A
// session restored in running state is reconciled against its batch run:
// when recovery resumed that run the usual run-finished hook advances the
// session, otherwise the session follows the run's persisted outcome.
func (a *Autopilot) Restore(projectID string) error {
	session, err := a.store.LatestAutopilotRun(projectID)
	if err != nil {
		return err
	}
	if session == nil || session.State.IsTerminal() {
		return nil
	}

	a.mu.Lock()
	a.session = session
	a.mu.Unlock()

	if session.State != domain.AutopilotRunning {
		return nil
	}

	run, err := a.store.GetRun(session.CurrentRun)
	if err != nil {
		return err
	}
	switch {
	case run == nil:
		// No trace of the batch run; park at the approval gate so the
		// operator re-dispatches
		return a.transition(session, domain.AutopilotWaitingApproval, "")
	case run.Status == domain.RunRunning:
		// Recovery resumed the run, the hook advances the session later
		return nil
	default:
		a.runFinished(run)
		return nil
	}
}

// Start begins a new session over the given backlog and dispatches the
// first batch. Only one non-terminal session may exist per project.
func (a *Autopilot) Start(ctx context.Context, projectID string, backlog []string, maxParallel int) (*domain.AutopilotRun, error) {
	a.mu.Lock()
	if a.session != nil && !a.session.State.IsTerminal() {
		a.mu.Unlock()
		return nil, ErrAutopilotActive
	}
	a.mu.Unlock()

	if latest, err := a.store.LatestAutopilotRun(projectID); err != nil {
		return nil, err
	} else if latest != nil && !latest.State.IsTerminal() {
		return nil, ErrAutopilotActive
	}
	if len(backlog) == 0 {
		return nil, ErrNoTasks
	}

	now := time.Now()
	session := &domain.AutopilotRun{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		State:       domain.AutopilotIdle,
		BacklogIDs:  backlog,
		BatchSize:   a.batchSize,
		MaxParallel: maxParallel,
		StartedAt:   now,
		UpdatedAt:   now,
	}

	if err := a.dispatchBatch(ctx, session); err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.session = session
	a.mu.Unlock()
	return session, nil
}

// dispatchBatch starts a factory run for the session's next backlog slice
// and moves the session to running
func (a *Autopilot) dispatchBatch(ctx context.Context, session *domain.AutopilotRun) error {
	batch := session.NextBatch()
	if batch == nil {
		return a.transition(session, domain.AutopilotCompleted, "")
	}

	run, err := a.scheduler.StartBatch(ctx, BatchRequest{
		ProjectID:   session.ProjectID,
		Mode:        domain.ModeSelection,
		TaskIDs:     batch,
		MaxParallel: session.MaxParallel,
	})
	if err != nil {
		if tErr := a.transition(session, domain.AutopilotFailed, ""); tErr != nil {
			log.Printf("[autopilot] persisting failed session %s: %v", session.ID, tErr)
		}
		return fmt.Errorf("dispatching batch %d: %w", session.BatchIndex, err)
	}

	log.Printf("[autopilot] session %s dispatched batch %d (%d tasks) as run %s",
		session.ID, session.BatchIndex, len(batch), run.ID)
	return a.transition(session, domain.AutopilotRunning, run.ID)
}

// runFinished advances the session when its in-flight batch run finalizes
func (a *Autopilot) runFinished(run *domain.Run) {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()

	if session == nil || session.State != domain.AutopilotRunning || session.CurrentRun != run.ID {
		return
	}

	switch run.Status {
	case domain.RunCancelled:
		// Stop of the underlying run cancels the whole session
		if err := a.transition(session, domain.AutopilotCancelled, ""); err != nil {
			log.Printf("[autopilot] persisting cancelled session %s: %v", session.ID, err)
		}
		return
	case domain.RunFailed:
		if err := a.transition(session, domain.AutopilotFailed, ""); err != nil {
			log.Printf("[autopilot] persisting failed session %s: %v", session.ID, err)
		}
		return
	}

	a.mu.Lock()
	session.BatchIndex++
	a.mu.Unlock()

	next := domain.AutopilotWaitingApproval
	if session.RemainingBatches() == 0 {
		next = domain.AutopilotCompleted
	}
	if err := a.transition(session, next, ""); err != nil {
		log.Printf("[autopilot] persisting session %s after batch: %v", session.ID, err)
	}
}

// Approve releases the approval gate and dispatches the next batch
func (a *Autopilot) Approve(ctx context.Context) (*domain.AutopilotRun, error) {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()

	if session == nil || session.State != domain.AutopilotWaitingApproval {
		return nil, ErrNoApprovalPending
	}
	if err := a.dispatchBatch(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Cancel aborts the session from any non-terminal state, stopping the
// in-flight batch run if one exists. The machine is back at idle: a new
// session may start immediately.
func (a *Autopilot) Cancel() (*domain.AutopilotRun, error) {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()

	if session == nil || session.State.IsTerminal() {
		return nil, ErrAutopilotNotRunning
	}

	if session.State == domain.AutopilotRunning {
		if n, err := a.scheduler.Stop(session.ProjectID); err != nil {
			log.Printf("[autopilot] stopping batch run for session %s: %v", session.ID, err)
		} else if n > 0 {
			log.Printf("[autopilot] session %s cancelled %d attempts", session.ID, n)
		}
	}

	if err := a.transition(session, domain.AutopilotCancelled, ""); err != nil {
		return nil, err
	}
	return session, nil
}

// Current returns the in-memory session, or nil
func (a *Autopilot) Current() *domain.AutopilotRun {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

func (a *Autopilot) transition(session *domain.AutopilotRun, state domain.AutopilotState, currentRun string) error {
	a.mu.Lock()
	session.State = state
	session.CurrentRun = currentRun
	session.UpdatedAt = time.Now()
	a.mu.Unlock()

	return a.store.SaveAutopilotRun(session)
}
