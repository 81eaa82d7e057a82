package domain

import "time"

// Run represents a batch of attempts dispatched together under one
// concurrency budget. It owns zero or more Attempts and becomes terminal
// when every owned attempt is terminal or the run is explicitly stopped.
type Run struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"projectId"`
	Status      RunStatus  `json:"status"`
	Mode        RunMode    `json:"mode"`
	MaxParallel int        `json:"maxParallel"`
	SourceRunID string     `json:"sourceRunId,omitempty"` // set for reruns
	StartedAt   time.Time  `json:"startedAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`

	// Aggregate counts, maintained on finalization
	TaskCount      int `json:"taskCount"`
	CompletedCount int `json:"completedCount"`
	FailedCount    int `json:"failedCount"`
	StoppedCount   int `json:"stoppedCount"`
}

// AutopilotRun is a persisted planning session driving batches of a backlog
// through the approval state machine.
type AutopilotRun struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"projectId"`
	State       AutopilotState `json:"state"`
	BacklogIDs  []string       `json:"backlogIds"` // full ordered backlog of task IDs
	BatchSize   int            `json:"batchSize"`
	BatchIndex  int            `json:"batchIndex"` // next batch to dispatch
	MaxParallel int            `json:"maxParallel"`
	CurrentRun  string         `json:"currentRun,omitempty"` // factory run ID of the in-flight batch
	StartedAt   time.Time      `json:"startedAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// RemainingBatches reports how many batches are still undispatched
func (a *AutopilotRun) RemainingBatches() int {
	if a.BatchSize <= 0 {
		return 0
	}
	total := (len(a.BacklogIDs) + a.BatchSize - 1) / a.BatchSize
	if a.BatchIndex >= total {
		return 0
	}
	return total - a.BatchIndex
}

// NextBatch returns the next contiguous backlog slice, or nil when exhausted
func (a *AutopilotRun) NextBatch() []string {
	start := a.BatchIndex * a.BatchSize
	if start >= len(a.BacklogIDs) {
		return nil
	}
	end := start + a.BatchSize
	if end > len(a.BacklogIDs) {
		end = len(a.BacklogIDs)
	}
	return a.BacklogIDs[start:end]
}
