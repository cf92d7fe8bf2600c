package workflow

import (
	"context"

	"github.com/getlarge/themoltnet-sub004/id"
)

// ListOpts controls filtering and pagination for workflow run list queries.
type ListOpts struct {
	// States filters by run state. Empty means all states.
	States []RunState
	// Limit is the maximum number of runs to return. Zero means no limit.
	Limit int
	// Offset is the number of runs to skip.
	Offset int
}

// Store defines the persistence contract for workflow runs and checkpoints.
type Store interface {
	// CreateRun persists a new workflow run.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun retrieves a workflow run by ID.
	GetRun(ctx context.Context, runID id.RunID) (*Run, error)

	// UpdateRun persists changes to an existing workflow run.
	UpdateRun(ctx context.Context, run *Run) error

	// ListRuns returns workflow runs matching the given options, ordered
	// by start time.
	ListRuns(ctx context.Context, opts ListOpts) ([]*Run, error)

	// SaveCheckpoint persists a step checkpoint. Checkpoints are written
	// once per (RunID, StepName) and never updated.
	SaveCheckpoint(ctx context.Context, ckpt *Checkpoint) error

	// GetCheckpoint retrieves the checkpoint for a specific workflow step.
	// Returns nil if no checkpoint exists.
	GetCheckpoint(ctx context.Context, runID id.RunID, stepName string) (*Checkpoint, error)

	// ListCheckpoints returns all checkpoints for a workflow run in
	// creation order.
	ListCheckpoints(ctx context.Context, runID id.RunID) ([]*Checkpoint, error)
}
