// Package runner executes one attempt: it binds the attempt to an isolated
// workspace, spawns the agent child process, streams its output and records
// the exit status. Failures stay scoped to the attempt; the runner never
// returns an error that could crash the worker pool.
package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/hochfrequenz/agent-factory/internal/domain"
	"github.com/hochfrequenz/agent-factory/internal/events"
	"github.com/hochfrequenz/agent-factory/internal/profiles"
	"github.com/hochfrequenz/agent-factory/internal/workspace"
)

// Store is the persistence surface the runner needs
type Store interface {
	MarkAttemptRunning(id, workspacePath, branch, baseCommit string, startedAt time.Time) error
	FinishAttempt(id string, status domain.AttemptStatus, exitCode *int, errMsg string, finishedAt time.Time) error
	SetAttemptHeadCommit(id, head string) error
	ClearAttemptWorkspace(id string) error
	AppendLog(attemptID string, ts time.Time, stream, line string) error
}

// ExitResult is the terminal outcome of one attempt
type ExitResult struct {
	Status   domain.AttemptStatus
	ExitCode int
}

// Runner runs attempts and tracks their processes for cancellation
type Runner struct {
	store    Store
	ws       *workspace.Manager
	hub      *events.Hub
	profiles *profiles.Catalog
	grace    time.Duration

	mu     sync.Mutex
	cancel map[string]context.CancelFunc // attemptID -> cancel
	wanted map[string]bool               // attemptID -> cancellation requested
}

// New creates a Runner
func New(store Store, ws *workspace.Manager, hub *events.Hub, catalog *profiles.Catalog, grace time.Duration) *Runner {
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return &Runner{
		store:    store,
		ws:       ws,
		hub:      hub,
		profiles: catalog,
		grace:    grace,
		cancel:   make(map[string]context.CancelFunc),
		wanted:   make(map[string]bool),
	}
}

// Start runs one attempt to completion. The returned result mirrors what
// was persisted on the attempt.
func (r *Runner) Start(ctx context.Context, attempt *domain.Attempt, task *domain.Task) ExitResult {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Register the cancellation scope before any work happens, so a stop
	// issued between dequeue and spawn still lands on this attempt.
	r.mu.Lock()
	if r.wanted[attempt.ID] {
		delete(r.wanted, attempt.ID)
		r.mu.Unlock()
		return r.stopBeforeSpawn(attempt)
	}
	r.cancel[attempt.ID] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.cancel, attempt.ID)
		delete(r.wanted, attempt.ID)
		r.mu.Unlock()
	}()

	// 1. Allocate the workspace. Without one there is nothing to clean.
	wsPath, err := r.ws.Allocate(attempt.ID)
	if err != nil {
		return r.fail(attempt, fmt.Sprintf("allocating workspace: %v", err))
	}
	attempt.WorkspacePath = wsPath

	// 2. Branch + worktree. A worktree failure degrades to isolated mode
	// rather than aborting: a running attempt without commit tracking
	// beats a hard stop.
	var branch, baseCommit string
	if r.ws.HasRepo() {
		branch = r.ws.BranchName(attempt.TaskID, attempt.ID)
		baseCommit, err = r.ws.CreateWorktree(wsPath, branch)
		if err != nil {
			log.Printf("[runner] worktree failed for attempt %s, continuing isolated: %v", attempt.ID, err)
			branch, baseCommit = "", ""
			if mkErr := os.MkdirAll(wsPath, 0755); mkErr != nil {
				return r.fail(attempt, fmt.Sprintf("recreating workspace: %v", mkErr))
			}
		}
	}
	attempt.Branch = branch
	attempt.BaseCommit = baseCommit

	// 3. Persist running, announce it
	now := time.Now()
	attempt.StartedAt = &now
	attempt.Status = domain.AttemptRunning
	if err := r.store.MarkAttemptRunning(attempt.ID, wsPath, branch, baseCommit, now); err != nil {
		log.Printf("[runner] persisting running state for %s: %v", attempt.ID, err)
	}
	r.publishStatus(attempt)

	// 4. Spawn the agent and stream its output
	result := r.runAgent(ctx, attempt, task)

	// 5. Persist terminal status
	finished := time.Now()
	attempt.FinishedAt = &finished
	attempt.Status = result.Status
	attempt.ExitCode = &result.ExitCode
	if branch != "" {
		if head, err := r.ws.HeadCommit(wsPath); err == nil {
			attempt.HeadCommit = head
			if err := r.store.SetAttemptHeadCommit(attempt.ID, head); err != nil {
				log.Printf("[runner] recording head commit for %s: %v", attempt.ID, err)
			}
		}
	}
	if err := r.store.FinishAttempt(attempt.ID, result.Status, &result.ExitCode, attempt.ErrorMessage, finished); err != nil {
		log.Printf("[runner] persisting terminal state for %s: %v", attempt.ID, err)
	}
	r.publishStatus(attempt)

	// 6. Cleanup. The branch survives for a later apply; only the
	// worktree and directory go. Failures are artifacts, never re-thrown.
	if err := r.CleanupAttempt(attempt); err != nil {
		log.Printf("[runner] cleanup failed for attempt %s (kept for gc): %v", attempt.ID, err)
	}

	return result
}

// runAgent spawns the agent process bound to the workspace and waits for
// it, streaming stdout/stderr lines as they arrive.
func (r *Runner) runAgent(ctx context.Context, attempt *domain.Attempt, task *domain.Task) ExitResult {
	profile, err := r.profiles.Get(attempt.ProfileID)
	if err != nil {
		attempt.ErrorMessage = err.Error()
		return ExitResult{Status: domain.AttemptFailed, ExitCode: -1}
	}

	args := append([]string{}, profile.Args...)
	args = append(args, agentPrompt(task))

	cmd := exec.CommandContext(ctx, profile.Command, args...)
	cmd.Dir = attempt.WorkspacePath
	cmd.Env = agentEnv(attempt, task, profile)
	// Graceful-then-forceful: SIGTERM on cancel, SIGKILL after the grace window
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.grace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		attempt.ErrorMessage = err.Error()
		return ExitResult{Status: domain.AttemptFailed, ExitCode: -1}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		attempt.ErrorMessage = err.Error()
		return ExitResult{Status: domain.AttemptFailed, ExitCode: -1}
	}

	if err := cmd.Start(); err != nil {
		// A cancel that fired before the spawn surfaces as a start error
		if r.cancelRequested(attempt.ID) {
			return ExitResult{Status: domain.AttemptStopped, ExitCode: -1}
		}
		attempt.ErrorMessage = fmt.Sprintf("starting %s: %v", profile.Command, err)
		return ExitResult{Status: domain.AttemptFailed, ExitCode: -1}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go r.streamLines(&wg, attempt.ID, "stdout", stdout)
	go r.streamLines(&wg, attempt.ID, "stderr", stderr)
	wg.Wait()

	waitErr := cmd.Wait()

	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	cancelled := r.cancelRequested(attempt.ID)

	switch {
	case cancelled:
		return ExitResult{Status: domain.AttemptStopped, ExitCode: exitCode}
	case exitCode == 0:
		return ExitResult{Status: domain.AttemptCompleted, ExitCode: 0}
	default:
		if waitErr != nil {
			attempt.ErrorMessage = waitErr.Error()
		}
		return ExitResult{Status: domain.AttemptFailed, ExitCode: exitCode}
	}
}

// streamLines forwards output lines to the hub and the log table as they
// arrive; no buffering beyond line boundaries.
func (r *Runner) streamLines(wg *sync.WaitGroup, attemptID, stream string, src io.Reader) {
	defer wg.Done()

	scanner := bufio.NewScanner(src)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		ts := time.Now()
		r.hub.PublishLog(events.LogEvent{
			AttemptID: attemptID,
			Timestamp: ts,
			Stream:    stream,
			Line:      line,
		})
		if err := r.store.AppendLog(attemptID, ts, stream, line); err != nil {
			log.Printf("[runner] appending log for %s: %v", attemptID, err)
		}
	}
}

// Cancel requests cancellation of an attempt. A running attempt is
// signalled immediately; an attempt that was dispatched but has not
// reached its spawn yet is marked so it stops before spawning.
func (r *Runner) Cancel(attemptID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.wanted[attemptID] = true
	if cancel, ok := r.cancel[attemptID]; ok {
		cancel()
	}
	return true
}

func (r *Runner) cancelRequested(attemptID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wanted[attemptID]
}

// stopBeforeSpawn persists a stop that won the race against the dispatch
func (r *Runner) stopBeforeSpawn(attempt *domain.Attempt) ExitResult {
	now := time.Now()
	attempt.Status = domain.AttemptStopped
	attempt.FinishedAt = &now
	if err := r.store.FinishAttempt(attempt.ID, domain.AttemptStopped, nil, "cancelled before start", now); err != nil {
		log.Printf("[runner] persisting stop for %s: %v", attempt.ID, err)
	}
	r.publishStatus(attempt)
	return ExitResult{Status: domain.AttemptStopped, ExitCode: -1}
}

// CleanupAttempt reclaims the attempt's workspace. Idempotent: a missing
// directory is not an error. The branch is kept for apply; deleteBranch
// happens there.
func (r *Runner) CleanupAttempt(attempt *domain.Attempt) error {
	if attempt.WorkspacePath == "" {
		return nil
	}
	if err := r.ws.Cleanup(attempt.WorkspacePath, "", false); err != nil {
		return err
	}
	if err := r.store.ClearAttemptWorkspace(attempt.ID); err != nil {
		return err
	}
	attempt.WorkspacePath = ""
	return nil
}

func (r *Runner) fail(attempt *domain.Attempt, msg string) ExitResult {
	attempt.ErrorMessage = msg
	attempt.Status = domain.AttemptFailed
	now := time.Now()
	attempt.FinishedAt = &now
	code := -1
	attempt.ExitCode = &code
	if err := r.store.FinishAttempt(attempt.ID, domain.AttemptFailed, &code, msg, now); err != nil {
		log.Printf("[runner] persisting failure for %s: %v", attempt.ID, err)
	}
	r.publishStatus(attempt)
	return ExitResult{Status: domain.AttemptFailed, ExitCode: code}
}

func (r *Runner) publishStatus(attempt *domain.Attempt) {
	r.hub.PublishAttempt(events.AttemptEvent{
		AttemptID: attempt.ID,
		TaskID:    attempt.TaskID,
		RunID:     attempt.RunID,
		Status:    string(attempt.Status),
		Branch:    attempt.Branch,
		ExitCode:  attempt.ExitCode,
	})
}

func agentPrompt(task *domain.Task) string {
	if task.Description == "" {
		return task.Title
	}
	return task.Title + "\n\n" + task.Description
}

func agentEnv(attempt *domain.Attempt, task *domain.Task, profile profiles.Profile) []string {
	env := os.Environ()
	env = append(env,
		"FACTORY_ATTEMPT_ID="+attempt.ID,
		"FACTORY_TASK_ID="+task.ID,
		"FACTORY_BRANCH="+attempt.Branch,
	)
	for k, v := range profile.Env {
		env = append(env, k+"="+v)
	}
	return env
}
