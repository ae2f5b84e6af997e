package rollout

import (
	"context"
	"time"
)

// Run and unit statuses recorded in the journal.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusDeployed  = "deployed"
)

// RunRecord describes a run when it starts.
type RunRecord struct {
	ID        string
	Group     string
	Host      string
	DryRun    bool
	StartedAt time.Time
}

// UnitEvent records the outcome of one unit.
type UnitEvent struct {
	RunID string
	Wave  int
	Unit  string
	// Status is StatusDeployed or StatusFailed.
	Status string
	Error  string
	At     time.Time
}

// Journal is an audit trail of runs. It is written, never read, by the
// orchestrator; write failures do not change a run's outcome.
type Journal interface {
	RunStarted(ctx context.Context, run RunRecord) error
	UnitFinished(ctx context.Context, event UnitEvent) error
	RunFinished(ctx context.Context, runID, status string, runErr error, at time.Time) error
}

// NopJournal discards every record.
type NopJournal struct{}

func (NopJournal) RunStarted(context.Context, RunRecord) error { return nil }
func (NopJournal) UnitFinished(context.Context, UnitEvent) error { return nil }
func (NopJournal) RunFinished(context.Context, string, string, error, time.Time) error {
	return nil
}
