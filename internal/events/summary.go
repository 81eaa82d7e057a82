package events

import (
	"context"
	"time"
)

// SummaryFunc produces the current attempt-count snapshot
type SummaryFunc func() Summary

// Summarizer re-snapshots aggregate counts at a fixed interval and
// publishes a summary event only when the counts changed since the last
// tick. Individual transitions are pushed on change by their owners; the
// summary line is the one place polling-plus-diff is still used.
type Summarizer struct {
	hub      *Hub
	snapshot SummaryFunc
	interval time.Duration

	last Summary
	seen bool
}

// NewSummarizer creates a summarizer over the given snapshot func
func NewSummarizer(hub *Hub, snapshot SummaryFunc, interval time.Duration) *Summarizer {
	return &Summarizer{hub: hub, snapshot: snapshot, interval: interval}
}

// Run ticks until the context is cancelled
func (s *Summarizer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick takes one snapshot and publishes it if it differs from the last
func (s *Summarizer) Tick() {
	cur := s.snapshot()
	if s.seen && cur == s.last {
		return
	}
	s.last = cur
	s.seen = true
	s.hub.Publish(Event{Kind: KindSummary, Data: cur})
}
