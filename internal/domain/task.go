package domain

import "time"

// Task represents a unit of work dispatchable to an agent
type Task struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"projectId"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Dispatchable reports whether the task may be handed to an agent
func (t *Task) Dispatchable() bool {
	return t.Status != TaskDone && t.Status != TaskCancelled
}
