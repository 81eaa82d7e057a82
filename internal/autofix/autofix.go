// Package autofix dispatches a one-shot repair attempt for a failing pull
// request. Each PR gets at most one auto-fix, tracked in the database, so a
// broken fix can never loop back into another fix.
package autofix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/agent-factory/internal/domain"
	"github.com/hochfrequenz/agent-factory/internal/factory"
	"github.com/hochfrequenz/agent-factory/internal/store"
)

// ErrAlreadyFixed means the PR already consumed its single auto-fix attempt
var ErrAlreadyFixed = errors.New("pr already has an auto-fix attempt")

// Fixer turns a failing PR into a factory task and dispatches it
type Fixer struct {
	store     *store.Store
	scheduler *factory.Scheduler
	repoDir   string
}

// NewFixer creates a Fixer operating on the given repository
func NewFixer(st *store.Store, sched *factory.Scheduler, repoDir string) *Fixer {
	return &Fixer{store: st, scheduler: sched, repoDir: repoDir}
}

// prInfo is the subset of gh pr view output the fixer needs
type prInfo struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	HeadRefName string `json:"headRefName"`
	Body        string `json:"body"`
}

// Result describes a dispatched auto-fix
type Result struct {
	TaskID string
	RunID  string
}

// FixPR dispatches one repair attempt for the PR. The guard is written
// before anything else happens, so two concurrent calls for the same PR
// cannot both dispatch.
func (f *Fixer) FixPR(ctx context.Context, projectID string, prNumber int, maxParallel int, profileID string) (*Result, error) {
	taskID := uuid.NewString()

	first, err := f.store.TryRecordAutofix(prNumber, projectID, taskID)
	if err != nil {
		return nil, fmt.Errorf("recording auto-fix guard: %w", err)
	}
	if !first {
		return nil, ErrAlreadyFixed
	}

	info, err := f.fetchPR(prNumber)
	if err != nil {
		return nil, fmt.Errorf("reading pr #%d: %w", prNumber, err)
	}

	now := time.Now()
	task := &domain.Task{
		ID:        taskID,
		ProjectID: projectID,
		Title:     fmt.Sprintf("Fix failing PR #%d: %s", prNumber, info.Title),
		Description: fmt.Sprintf(
			"Pull request #%d (%s) on branch %s has failing checks. Investigate the failures and fix them.\n\n%s",
			prNumber, info.URL, info.HeadRefName, info.Body),
		Status:    domain.TaskTodo,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := f.store.UpsertTask(task); err != nil {
		return nil, fmt.Errorf("creating fix task: %w", err)
	}

	if maxParallel < 1 {
		maxParallel = 1
	}
	run, err := f.scheduler.StartBatch(ctx, factory.BatchRequest{
		ProjectID:   projectID,
		Mode:        domain.ModeSelection,
		TaskIDs:     []string{taskID},
		MaxParallel: maxParallel,
		ProfileID:   profileID,
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[autofix] pr #%d: dispatched fix task %s as run %s", prNumber, taskID, run.ID)
	return &Result{TaskID: taskID, RunID: run.ID}, nil
}

// fetchPR reads PR metadata via the gh CLI
func (f *Fixer) fetchPR(prNumber int) (*prInfo, error) {
	cmd := exec.Command("gh", "pr", "view", fmt.Sprintf("%d", prNumber),
		"--json", "title,url,headRefName,body",
	)
	cmd.Dir = f.repoDir
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("gh pr view: %w", err)
	}

	var info prInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, fmt.Errorf("parsing gh output: %w", err)
	}
	return &info, nil
}
