package domain

// TaskStatus represents the kanban column a task sits in
type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "in_progress"
	TaskInReview   TaskStatus = "in_review"
	TaskDone       TaskStatus = "done"
	TaskCancelled  TaskStatus = "cancelled"
)

// AttemptStatus represents the lifecycle state of an attempt
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptQueued    AttemptStatus = "queued"
	AttemptRunning   AttemptStatus = "running"
	AttemptCompleted AttemptStatus = "completed"
	AttemptFailed    AttemptStatus = "failed"
	AttemptStopped   AttemptStatus = "stopped"
)

// IsTerminal reports whether the status is a final one
func (s AttemptStatus) IsTerminal() bool {
	switch s {
	case AttemptCompleted, AttemptFailed, AttemptStopped:
		return true
	}
	return false
}

// MergeStatus represents whether an attempt's branch made it back to base
type MergeStatus string

const (
	MergeNotMerged MergeStatus = "not_merged"
	MergeMerged    MergeStatus = "merged"
	MergeConflict  MergeStatus = "conflict"
	MergeResolved  MergeStatus = "resolved"
)

// RunStatus represents the state of a batch run
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run has finished
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// RunMode describes how the run's task set was selected
type RunMode string

const (
	ModeColumn    RunMode = "column"
	ModeSelection RunMode = "selection"
)

// AutopilotState represents the batch-approval state machine
type AutopilotState string

const (
	AutopilotIdle            AutopilotState = "idle"
	AutopilotRunning         AutopilotState = "running"
	AutopilotWaitingApproval AutopilotState = "waiting_approval"
	AutopilotCompleted       AutopilotState = "completed"
	AutopilotFailed          AutopilotState = "failed"
	AutopilotCancelled       AutopilotState = "cancelled"
)

// IsTerminal reports whether the autopilot session has finished
func (s AutopilotState) IsTerminal() bool {
	return s == AutopilotCompleted || s == AutopilotFailed || s == AutopilotCancelled
}
