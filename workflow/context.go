package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/getlarge/themoltnet-sub004/event"
	"github.com/getlarge/themoltnet-sub004/id"
)

// StepEmitter is called by the Workflow to emit step lifecycle events.
// Declared here rather than importing ext to break the import cycle;
// ext.Registry satisfies it directly.
type StepEmitter interface {
	EmitStepCompleted(ctx context.Context, run *Run, stepName string, elapsed time.Duration)
	EmitStepFailed(ctx context.Context, run *Run, stepName string, err error)
}

// Compensation is an explicit undo action registered by a succeeded saga
// step, executed when a later step fails terminally. Compensations must be
// idempotent: a crash during compensation re-runs them on recovery.
type Compensation struct {
	StepName   string
	Compensate func(ctx context.Context) error
}

// Workflow is the durable execution context passed to workflow handlers.
// It provides checkpointed step execution, saga compensations, and the
// run-scoped event channel. Each method consults the durable store before
// doing work, which is what makes replay deterministic.
type Workflow struct {
	ctx     context.Context
	run     *Run
	store   Store
	events  *event.Channel
	emitter StepEmitter
	logger  *slog.Logger

	// compensations is the LIFO saga stack for this execution.
	compensations []Compensation
}

// NewContext creates a Workflow execution context. This is called by the
// Runner, not by users.
func NewContext(
	ctx context.Context,
	run *Run,
	store Store,
	events *event.Channel,
	emitter StepEmitter,
	logger *slog.Logger,
) *Workflow {
	return &Workflow{
		ctx:     ctx,
		run:     run,
		store:   store,
		events:  events,
		emitter: emitter,
		logger:  logger,
	}
}

// Context returns the underlying context.Context.
func (w *Workflow) Context() context.Context { return w.ctx }

// RunID returns the workflow run ID.
func (w *Workflow) RunID() id.RunID { return w.run.ID }

// Run returns the workflow run.
func (w *Workflow) Run() *Run { return w.run }

// setOutput records the handler's result on the run. The Runner persists
// it when the run completes.
func (w *Workflow) setOutput(out any) error {
	if out == nil {
		return nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("workflow %s: marshal output: %w", w.run.Name, err)
	}
	w.run.Output = data
	return nil
}

// Compensations returns the registered saga compensations in registration
// order.
func (w *Workflow) Compensations() []Compensation {
	return w.compensations
}

// RunCompensations executes all registered compensations in reverse
// (LIFO) order. All compensations are attempted even if one fails; the
// failures are joined. Once compensation has started, the original effects
// are never retried again.
func (w *Workflow) RunCompensations() error {
	var errs []error
	for i := len(w.compensations) - 1; i >= 0; i-- {
		comp := w.compensations[i]
		w.logger.Info("running compensation",
			slog.String("run_id", w.run.ID.String()),
			slog.String("step", comp.StepName),
		)
		if err := comp.Compensate(w.ctx); err != nil {
			errs = append(errs, fmt.Errorf("compensate %q: %w", comp.StepName, err))
		}
	}
	return errors.Join(errs...)
}
