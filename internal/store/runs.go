package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/hochfrequenz/agent-factory/internal/domain"
)

// CreateRun inserts a new factory run
func (s *Store) CreateRun(r *domain.Run) error {
	_, err := s.db.Exec(`
		INSERT INTO factory_runs (id, project_id, status, mode, max_parallel, source_run_id, started_at, task_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.ProjectID, string(r.Status), string(r.Mode), r.MaxParallel, r.SourceRunID, r.StartedAt, r.TaskCount)
	return err
}

// GetRun retrieves a run by ID, or nil if not found
func (s *Store) GetRun(id string) (*domain.Run, error) {
	row := s.db.QueryRow(`
		SELECT id, project_id, status, mode, max_parallel, source_run_id, started_at, finished_at,
		       task_count, completed_count, failed_count, stopped_count
		FROM factory_runs WHERE id = ?
	`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// ActiveRun returns the project's run still in running state, or nil
func (s *Store) ActiveRun(projectID string) (*domain.Run, error) {
	row := s.db.QueryRow(`
		SELECT id, project_id, status, mode, max_parallel, source_run_id, started_at, finished_at,
		       task_count, completed_count, failed_count, stopped_count
		FROM factory_runs WHERE project_id = ? AND status = ? ORDER BY started_at DESC LIMIT 1
	`, projectID, string(domain.RunRunning))
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// FinalizeRun writes the terminal status and aggregate counts. A run is
// finalized exactly once; later writes against a terminal run are rejected
// by the WHERE clause rather than erroring.
func (s *Store) FinalizeRun(id string, status domain.RunStatus, completed, failed, stopped int, finishedAt time.Time) error {
	_, err := s.db.Exec(`
		UPDATE factory_runs
		SET status = ?, completed_count = ?, failed_count = ?, stopped_count = ?, finished_at = ?
		WHERE id = ? AND status = ?
	`, string(status), completed, failed, stopped, finishedAt, id, string(domain.RunRunning))
	return err
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var r domain.Run
	var status, mode string
	var sourceRunID sql.NullString
	var finishedAt sql.NullTime

	err := row.Scan(&r.ID, &r.ProjectID, &status, &mode, &r.MaxParallel, &sourceRunID, &r.StartedAt, &finishedAt,
		&r.TaskCount, &r.CompletedCount, &r.FailedCount, &r.StoppedCount)
	if err != nil {
		return nil, err
	}

	r.Status = domain.RunStatus(status)
	r.Mode = domain.RunMode(mode)
	r.SourceRunID = sourceRunID.String
	if finishedAt.Valid {
		t := finishedAt.Time
		r.FinishedAt = &t
	}
	return &r, nil
}

// SaveAutopilotRun upserts a planning session so the batch state machine
// survives process restarts
func (s *Store) SaveAutopilotRun(a *domain.AutopilotRun) error {
	backlog, err := json.Marshal(a.BacklogIDs)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO autopilot_runs (id, project_id, state, backlog, batch_size, batch_index, max_parallel, current_run, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			backlog = excluded.backlog,
			batch_index = excluded.batch_index,
			current_run = excluded.current_run,
			updated_at = excluded.updated_at
	`, a.ID, a.ProjectID, string(a.State), string(backlog), a.BatchSize, a.BatchIndex, a.MaxParallel, a.CurrentRun, a.StartedAt, a.UpdatedAt)
	return err
}

// GetAutopilotRun retrieves a planning session by ID, or nil if not found
func (s *Store) GetAutopilotRun(id string) (*domain.AutopilotRun, error) {
	row := s.db.QueryRow(`
		SELECT id, project_id, state, backlog, batch_size, batch_index, max_parallel, current_run, started_at, updated_at
		FROM autopilot_runs WHERE id = ?
	`, id)
	return scanAutopilot(row)
}

// LatestAutopilotRun returns the most recent planning session for a project,
// or nil when none exists
func (s *Store) LatestAutopilotRun(projectID string) (*domain.AutopilotRun, error) {
	row := s.db.QueryRow(`
		SELECT id, project_id, state, backlog, batch_size, batch_index, max_parallel, current_run, started_at, updated_at
		FROM autopilot_runs WHERE project_id = ? ORDER BY started_at DESC LIMIT 1
	`, projectID)
	return scanAutopilot(row)
}

func scanAutopilot(row rowScanner) (*domain.AutopilotRun, error) {
	var a domain.AutopilotRun
	var state string
	var backlog, currentRun sql.NullString

	err := row.Scan(&a.ID, &a.ProjectID, &state, &backlog, &a.BatchSize, &a.BatchIndex, &a.MaxParallel, &currentRun, &a.StartedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	a.State = domain.AutopilotState(state)
	a.CurrentRun = currentRun.String
	if backlog.Valid && backlog.String != "" {
		if err := json.Unmarshal([]byte(backlog.String), &a.BacklogIDs); err != nil {
			return nil, err
		}
	}
	return &a, nil
}

// TryRecordAutofix records an auto-fix attempt for a PR. It returns false
// when the PR already has one, enforcing at-most-one fix per PR.
func (s *Store) TryRecordAutofix(prNumber int, projectID, taskID string) (bool, error) {
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO factory_pr_autofix (pr_number, project_id, task_id) VALUES (?, ?, ?)
	`, prNumber, projectID, taskID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
