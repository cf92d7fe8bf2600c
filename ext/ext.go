// Package ext defines the extension system. Extensions are notified of
// lifecycle events (workflow started, step completed, signing resolved,
// etc.) and can react to them — logging, metrics, tracing, etc.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/getlarge/themoltnet-sub004/signing"
	"github.com/getlarge/themoltnet-sub004/workflow"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Workflow lifecycle hooks
// ──────────────────────────────────────────────────

// WorkflowStarted is called when a workflow run begins.
type WorkflowStarted interface {
	OnWorkflowStarted(ctx context.Context, r *workflow.Run) error
}

// StepCompleted is called after a workflow step completes.
type StepCompleted interface {
	OnStepCompleted(ctx context.Context, r *workflow.Run, stepName string, elapsed time.Duration) error
}

// StepFailed is called when a workflow step exhausts its retries.
type StepFailed interface {
	OnStepFailed(ctx context.Context, r *workflow.Run, stepName string, err error) error
}

// WorkflowCompleted is called after a workflow run finishes successfully.
type WorkflowCompleted interface {
	OnWorkflowCompleted(ctx context.Context, r *workflow.Run, elapsed time.Duration) error
}

// WorkflowFailed is called when a workflow run fails terminally.
type WorkflowFailed interface {
	OnWorkflowFailed(ctx context.Context, r *workflow.Run, err error) error
}

// ──────────────────────────────────────────────────
// Signing lifecycle hooks
// ──────────────────────────────────────────────────

// SigningRequested is called when a new signing request is created.
type SigningRequested interface {
	OnSigningRequested(ctx context.Context, req *signing.Request) error
}

// SigningResolved is called when a signing request reaches a terminal
// status (completed or expired).
type SigningResolved interface {
	OnSigningResolved(ctx context.Context, req *signing.Request) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
