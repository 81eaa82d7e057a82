package store

import (
	"database/sql"
	"time"

	"github.com/hochfrequenz/agent-factory/internal/domain"
)

const attemptColumns = `id, task_id, run_id, project_id, profile_id, queued_at, started_at, finished_at,
	workspace_path, branch, base_commit, head_commit, status, exit_code, error_message,
	merge_status, applied_at, applied_by, apply_error`

// CreateAttempt inserts a new attempt row
func (s *Store) CreateAttempt(a *domain.Attempt) error {
	_, err := s.db.Exec(`
		INSERT INTO attempts (id, task_id, run_id, project_id, profile_id, queued_at, status, merge_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.TaskID, a.RunID, a.ProjectID, a.ProfileID, a.QueuedAt, string(a.Status), string(a.MergeStatus))
	return err
}

// GetAttempt retrieves an attempt by ID, or nil if not found
func (s *Store) GetAttempt(id string) (*domain.Attempt, error) {
	row := s.db.QueryRow(`SELECT `+attemptColumns+` FROM attempts WHERE id = ?`, id)
	a, err := scanAttempt(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// UpdateAttemptStatus updates status and error message only
func (s *Store) UpdateAttemptStatus(id string, status domain.AttemptStatus, errMsg string) error {
	_, err := s.db.Exec(`UPDATE attempts SET status = ?, error_message = ? WHERE id = ?`,
		string(status), errMsg, id)
	return err
}

// MarkAttemptRunning records the transition to running along with the
// workspace the attempt was bound to
func (s *Store) MarkAttemptRunning(id, workspacePath, branch, baseCommit string, startedAt time.Time) error {
	_, err := s.db.Exec(`
		UPDATE attempts SET status = ?, workspace_path = ?, branch = ?, base_commit = ?, started_at = ?
		WHERE id = ?
	`, string(domain.AttemptRunning), workspacePath, branch, baseCommit, startedAt, id)
	return err
}

// FinishAttempt records the terminal status and exit code
func (s *Store) FinishAttempt(id string, status domain.AttemptStatus, exitCode *int, errMsg string, finishedAt time.Time) error {
	_, err := s.db.Exec(`
		UPDATE attempts SET status = ?, exit_code = ?, error_message = ?, finished_at = ?
		WHERE id = ?
	`, string(status), exitCode, errMsg, finishedAt, id)
	return err
}

// SetAttemptHeadCommit records the final commit produced by the agent
func (s *Store) SetAttemptHeadCommit(id, head string) error {
	_, err := s.db.Exec(`UPDATE attempts SET head_commit = ? WHERE id = ?`, head, id)
	return err
}

// ClearAttemptWorkspace marks the workspace as reclaimed. Cleanup is
// idempotent, so clearing an already-cleared path is fine.
func (s *Store) ClearAttemptWorkspace(id string) error {
	_, err := s.db.Exec(`UPDATE attempts SET workspace_path = '' WHERE id = ?`, id)
	return err
}

// RecordApply writes the merge/apply fields of a terminal attempt
func (s *Store) RecordApply(id string, mergeStatus domain.MergeStatus, appliedBy, applyError string, appliedAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE attempts SET merge_status = ?, applied_by = ?, apply_error = ?, applied_at = ?
		WHERE id = ?
	`, string(mergeStatus), appliedBy, applyError, appliedAt, id)
	return err
}

// ListAttemptsByRun returns all attempts owned by a run, oldest first
func (s *Store) ListAttemptsByRun(runID string) ([]*domain.Attempt, error) {
	return s.listAttempts(`SELECT `+attemptColumns+` FROM attempts WHERE run_id = ? ORDER BY queued_at, id`, runID)
}

// ListAttemptsByStatus returns a project's attempts in the given status
func (s *Store) ListAttemptsByStatus(projectID string, status domain.AttemptStatus) ([]*domain.Attempt, error) {
	return s.listAttempts(`SELECT `+attemptColumns+` FROM attempts WHERE project_id = ? AND status = ? ORDER BY queued_at, id`,
		projectID, string(status))
}

// ListReclaimableAttempts returns terminal attempts older than minAge that
// still reference a workspace path, up to limit rows
func (s *Store) ListReclaimableAttempts(minAge time.Duration, limit int) ([]*domain.Attempt, error) {
	cutoff := time.Now().Add(-minAge)
	return s.listAttempts(`
		SELECT `+attemptColumns+` FROM attempts
		WHERE status IN ('completed', 'failed', 'stopped')
		  AND finished_at IS NOT NULL AND finished_at < ?
		  AND workspace_path IS NOT NULL AND workspace_path != ''
		ORDER BY finished_at
		LIMIT ?
	`, cutoff, limit)
}

func (s *Store) listAttempts(query string, args ...interface{}) ([]*domain.Attempt, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*domain.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func scanAttempt(row rowScanner) (*domain.Attempt, error) {
	var a domain.Attempt
	var runID, profileID, workspace, branch, baseCommit, headCommit, errMsg, appliedBy, applyError sql.NullString
	var status, mergeStatus string
	var startedAt, finishedAt, appliedAt sql.NullTime
	var exitCode sql.NullInt64

	err := row.Scan(&a.ID, &a.TaskID, &runID, &a.ProjectID, &profileID, &a.QueuedAt, &startedAt, &finishedAt,
		&workspace, &branch, &baseCommit, &headCommit, &status, &exitCode, &errMsg,
		&mergeStatus, &appliedAt, &appliedBy, &applyError)
	if err != nil {
		return nil, err
	}

	a.RunID = runID.String
	a.ProfileID = profileID.String
	a.WorkspacePath = workspace.String
	a.Branch = branch.String
	a.BaseCommit = baseCommit.String
	a.HeadCommit = headCommit.String
	a.ErrorMessage = errMsg.String
	a.AppliedBy = appliedBy.String
	a.ApplyError = applyError.String
	a.Status = domain.AttemptStatus(status)
	a.MergeStatus = domain.MergeStatus(mergeStatus)
	if startedAt.Valid {
		t := startedAt.Time
		a.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		a.FinishedAt = &t
	}
	if appliedAt.Valid {
		t := appliedAt.Time
		a.AppliedAt = &t
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		a.ExitCode = &code
	}
	return &a, nil
}

// AttemptStatusCounts returns per-status attempt counts for a project
func (s *Store) AttemptStatusCounts(projectID string) (map[domain.AttemptStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM attempts WHERE project_id = ? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.AttemptStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.AttemptStatus(status)] = n
	}
	return counts, rows.Err()
}

// AppendLog stores one streamed output line for an attempt
func (s *Store) AppendLog(attemptID string, ts time.Time, stream, line string) error {
	_, err := s.db.Exec(`INSERT INTO attempt_logs (attempt_id, timestamp, stream, line) VALUES (?, ?, ?, ?)`,
		attemptID, ts, stream, line)
	return err
}

// TailLogs returns the most recent limit log entries for an attempt, oldest first
func (s *Store) TailLogs(attemptID string, limit int) ([]*domain.LogEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, attempt_id, timestamp, stream, line FROM (
			SELECT id, attempt_id, timestamp, stream, line FROM attempt_logs
			WHERE attempt_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id
	`, attemptID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.LogEntry
	for rows.Next() {
		var e domain.LogEntry
		var stream, line sql.NullString
		if err := rows.Scan(&e.ID, &e.AttemptID, &e.Timestamp, &stream, &line); err != nil {
			return nil, err
		}
		e.Stream = stream.String
		e.Line = line.String
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
