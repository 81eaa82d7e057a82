// Package events provides the in-process pub/sub hub that republishes
// attempt and run state changes to push-style stream clients. Each
// subscriber owns its own buffered channel, closed on unsubscribe, so a
// slow or disconnected client never blocks publishers.
package events

import (
	"sync"
	"time"
)

// Kind identifies the event payload type
type Kind string

const (
	KindRun     Kind = "run"
	KindSummary Kind = "summary"
	KindAttempt Kind = "attempt"
	KindLog     Kind = "log"
)

// Event is one state change pushed to stream clients
type Event struct {
	Kind Kind        `json:"type"`
	Data interface{} `json:"data"`
}

// RunEvent describes a run state transition
type RunEvent struct {
	RunID     string `json:"run_id"`
	ProjectID string `json:"project_id"`
	Status    string `json:"status"`
	TaskCount int    `json:"task_count"`
}

// AttemptEvent describes an attempt state transition
type AttemptEvent struct {
	AttemptID string `json:"attempt_id"`
	TaskID    string `json:"task_id"`
	RunID     string `json:"run_id,omitempty"`
	Status    string `json:"status"`
	Branch    string `json:"branch,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
}

// LogEvent is one timestamped line of agent output
type LogEvent struct {
	AttemptID string    `json:"attempt_id"`
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"`
	Line      string    `json:"line"`
}

// Summary aggregates attempt counts for the live status line
type Summary struct {
	ProjectID string `json:"project_id"`
	RunID     string `json:"run_id,omitempty"`
	Queued    int    `json:"queued"`
	Running   int    `json:"running"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Stopped   int    `json:"stopped"`
}

const subscriberBuffer = 64

// Hub fans events out to subscribers
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a new subscriber. The returned cancel func removes
// the subscriber and closes its channel; it is safe to call twice.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber. Subscribers whose buffer
// is full drop the event rather than stalling the publisher.
func (h *Hub) Publish(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// PublishRun is shorthand for publishing a run transition
func (h *Hub) PublishRun(e RunEvent) {
	h.Publish(Event{Kind: KindRun, Data: e})
}

// PublishAttempt is shorthand for publishing an attempt transition
func (h *Hub) PublishAttempt(e AttemptEvent) {
	h.Publish(Event{Kind: KindAttempt, Data: e})
}

// PublishLog is shorthand for publishing an output line
func (h *Hub) PublishLog(e LogEvent) {
	h.Publish(Event{Kind: KindLog, Data: e})
}

// SubscriberCount returns the number of connected subscribers
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
