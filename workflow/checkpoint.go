package workflow

import (
	"time"

	"github.com/getlarge/themoltnet-sub004/id"
)

// StepStatus is the recorded outcome of a step.
type StepStatus string

const (
	// StepSucceeded means the step function returned without error and its
	// result was recorded.
	StepSucceeded StepStatus = "succeeded"
	// StepFailed means the step exhausted its retry budget and the failure
	// was recorded. Replaying a failed checkpoint re-raises the error
	// without re-invoking the step function.
	StepFailed StepStatus = "failed"
)

// Checkpoint records the outcome of a workflow step. It is the idempotency
// boundary of durable execution: on redo, the recorded result (or error) is
// replayed instead of re-executing the step function.
//
// A checkpoint is immutable once written, and at most one succeeded
// checkpoint exists per (RunID, StepName).
type Checkpoint struct {
	ID       id.CheckpointID `json:"id"`
	RunID    id.RunID        `json:"run_id"`
	StepName string          `json:"step_name"`
	Status   StepStatus      `json:"status"`
	// Attempts is how many times the step function was invoked before the
	// outcome was recorded.
	Attempts int `json:"attempts"`
	// Data holds the encoded step result for succeeded checkpoints.
	Data []byte `json:"data,omitempty"`
	// Error holds the final error message for failed checkpoints.
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
