package domain

import "time"

// Attempt represents one execution of a Task by an agent, bound to its own
// git worktree and branch. Once terminal it is immutable except for the
// merge/apply fields, which a later apply operation writes.
type Attempt struct {
	ID            string        `json:"id"`
	TaskID        string        `json:"taskId"`
	RunID         string        `json:"runId,omitempty"` // empty for ad-hoc attempts
	ProjectID     string        `json:"projectId"`
	ProfileID     string        `json:"profileId,omitempty"`
	QueuedAt      time.Time     `json:"queuedAt"`
	StartedAt     *time.Time    `json:"startedAt,omitempty"`
	FinishedAt    *time.Time    `json:"finishedAt,omitempty"`
	WorkspacePath string        `json:"workspacePath,omitempty"`
	Branch        string        `json:"branch,omitempty"`
	BaseCommit    string        `json:"baseCommit,omitempty"`
	HeadCommit    string        `json:"headCommit,omitempty"`
	Status        AttemptStatus `json:"status"`
	ExitCode      *int          `json:"exitCode,omitempty"`
	ErrorMessage  string        `json:"errorMessage,omitempty"`

	// Apply metadata, written by the apply operation only
	MergeStatus MergeStatus `json:"mergeStatus"`
	AppliedAt   *time.Time  `json:"appliedAt,omitempty"`
	AppliedBy   string      `json:"appliedBy,omitempty"`
	ApplyError  string      `json:"applyError,omitempty"`
}

// Isolated reports whether the attempt runs without branch/commit tracking
// (worktree creation failed and the attempt degraded to a plain directory).
func (a *Attempt) Isolated() bool {
	return a.Branch == ""
}

// Applied reports whether the attempt's branch was already merged back
func (a *Attempt) Applied() bool {
	return a.MergeStatus == MergeMerged || a.MergeStatus == MergeResolved
}

// LogEntry is one timestamped line of agent output
type LogEntry struct {
	ID        int64     `json:"id"`
	AttemptID string    `json:"attemptId"`
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"` // stdout or stderr
	Line      string    `json:"line"`
}
