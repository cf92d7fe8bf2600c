package workflow

import (
	"time"

	"github.com/getlarge/themoltnet-sub004/id"
)

// Name identifies a registered workflow. Names form a closed set declared
// by the packages that own the workflow definitions (diary, signing), so a
// typo'd name is caught where the constant would have to be declared.
type Name string

// RunState represents the lifecycle state of a workflow run.
type RunState string

const (
	// RunStatePending means the run is durably recorded but not yet executing.
	RunStatePending RunState = "pending"
	// RunStateRunning means the workflow is currently executing.
	RunStateRunning RunState = "running"
	// RunStateCompleted means the workflow finished successfully.
	RunStateCompleted RunState = "completed"
	// RunStateFailed means the workflow failed terminally.
	RunStateFailed RunState = "failed"
)

// Terminal reports whether the state is an end state.
func (s RunState) Terminal() bool {
	return s == RunStateCompleted || s == RunStateFailed
}

// Run represents a single execution of a workflow. Runs are created on
// start, mutated only by the Runner, and retained — never deleted — for
// recovery and audit.
type Run struct {
	ID          id.RunID   `json:"id"`
	Name        Name       `json:"name"`
	State       RunState   `json:"state"`
	Input       []byte     `json:"input,omitempty"`
	Output      []byte     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
