package factory

import (
	"fmt"
	"log"
	"time"

	"github.com/hochfrequenz/agent-factory/internal/store"
	"github.com/hochfrequenz/agent-factory/internal/workspace"
)

// SweepOptions bounds one garbage collection pass
type SweepOptions struct {
	MinAge time.Duration // only attempts finished longer ago than this
	Limit  int           // max attempts per pass
}

// SweepReport tallies one pass for observability
type SweepReport struct {
	Checked int
	Cleaned int
	Failed  int
	Reasons map[string]string // attemptID -> failure reason
}

// Collector reclaims workspaces of attempts that finished but were never
// cleaned, typically after a crash. Safe to run repeatedly and concurrently
// with normal completion because cleanup is idempotent.
type Collector struct {
	store *store.Store
	ws    *workspace.Manager
}

// NewCollector creates a Collector
func NewCollector(st *store.Store, ws *workspace.Manager) *Collector {
	return &Collector{store: st, ws: ws}
}

// Sweep runs one collection pass
func (c *Collector) Sweep(opts SweepOptions) (*SweepReport, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}

	attempts, err := c.store.ListReclaimableAttempts(opts.MinAge, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("listing reclaimable attempts: %w", err)
	}

	report := &SweepReport{Reasons: make(map[string]string)}
	for _, a := range attempts {
		report.Checked++

		if err := c.ws.Cleanup(a.WorkspacePath, "", false); err != nil {
			report.Failed++
			report.Reasons[a.ID] = err.Error()
			continue
		}
		if err := c.store.ClearAttemptWorkspace(a.ID); err != nil {
			report.Failed++
			report.Reasons[a.ID] = err.Error()
			continue
		}
		report.Cleaned++
	}

	if report.Checked > 0 {
		log.Printf("[gc] swept %d workspaces: %d cleaned, %d failed", report.Checked, report.Cleaned, report.Failed)
	}
	return report, nil
}
