package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	moltnet "github.com/getlarge/themoltnet-sub004"
	"github.com/getlarge/themoltnet-sub004/event"
	"github.com/getlarge/themoltnet-sub004/id"
)

// tracerName is the instrumentation scope for runner spans.
const tracerName = "github.com/getlarge/themoltnet-sub004/workflow"

// resultPollInterval is how often Handle.Result polls the store for a
// terminal run state.
const resultPollInterval = 25 * time.Millisecond

// recoveryConcurrency bounds how many crashed runs ResumeAll replays at once.
const recoveryConcurrency = 8

// RunEmitter emits workflow-level lifecycle events. Declared here rather
// than importing ext to break the import cycle; ext.Registry satisfies it
// directly.
type RunEmitter interface {
	StepEmitter
	EmitWorkflowStarted(ctx context.Context, run *Run)
	EmitWorkflowCompleted(ctx context.Context, run *Run, elapsed time.Duration)
	EmitWorkflowFailed(ctx context.Context, run *Run, err error)
}

// Submitter hands workflow executions to a bounded worker pool. Implemented
// by worker.Pool.
type Submitter interface {
	Submit(task func()) error
}

// Runner orchestrates workflow execution: creating runs, building the
// durable Workflow context, invoking handlers, managing state, and
// recovering incomplete runs after a crash.
type Runner struct {
	registry *Registry
	store    Store
	events   event.Store
	emitter  RunEmitter
	logger   *slog.Logger
	tracer   trace.Tracer

	// submitter, when set, services StartAsync executions.
	submitter Submitter
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithSubmitter sets the worker pool that services asynchronous starts.
func WithSubmitter(s Submitter) RunnerOption {
	return func(r *Runner) { r.submitter = s }
}

// WithTracerProvider sets a custom OTel TracerProvider for the runner.
// If not set, the global provider is used.
func WithTracerProvider(tp trace.TracerProvider) RunnerOption {
	return func(r *Runner) { r.tracer = tp.Tracer(tracerName) }
}

// NewRunner creates a workflow runner.
func NewRunner(
	registry *Registry,
	store Store,
	events event.Store,
	emitter RunEmitter,
	logger *slog.Logger,
	opts ...RunnerOption,
) *Runner {
	r := &Runner{
		registry: registry,
		store:    store,
		events:   events,
		emitter:  emitter,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry returns the workflow registry.
func (r *Runner) Registry() *Registry { return r.registry }

// Start starts a new workflow run with a typed input and executes it
// synchronously. The returned run is terminal; callers inspect run.State.
// The input is JSON-marshaled and stored on the Run.
func Start[T any](ctx context.Context, runner *Runner, name Name, input T) (*Run, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal input for workflow %q: %w", name, err)
	}
	return runner.StartRaw(ctx, name, data)
}

// StartAsync starts a new workflow run and hands its execution to the
// worker pool, returning a Handle immediately. Use Handle.Result to await
// the terminal value. The run survives the caller: execution continues on
// a detached context.
func StartAsync[T any](ctx context.Context, runner *Runner, name Name, input T) (*Handle, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal input for workflow %q: %w", name, err)
	}
	return runner.StartAsyncRaw(ctx, name, data)
}

// StartRaw starts a workflow run with pre-serialized JSON input and
// executes it synchronously.
func (r *Runner) StartRaw(ctx context.Context, name Name, input []byte) (*Run, error) {
	run, runner, err := r.createRun(ctx, name, input)
	if err != nil {
		return nil, err
	}

	r.executeRun(ctx, run, runner, input)
	return run, nil
}

// StartAsyncRaw starts a workflow run with pre-serialized JSON input on the
// worker pool and returns a handle to its eventual result.
func (r *Runner) StartAsyncRaw(ctx context.Context, name Name, input []byte) (*Handle, error) {
	if r.submitter == nil {
		return nil, fmt.Errorf("workflow %q: no worker pool configured for async start", name)
	}

	run, runner, err := r.createRun(ctx, name, input)
	if err != nil {
		return nil, err
	}

	// The run must outlive the caller's request context.
	detached := context.WithoutCancel(ctx)
	if submitErr := r.submitter.Submit(func() {
		r.executeRun(detached, run, runner, input)
	}); submitErr != nil {
		return nil, fmt.Errorf("workflow %q: submit run %s: %w", name, run.ID, submitErr)
	}

	return r.Handle(run.ID), nil
}

// createRun durably records a new pending run and emits the started hook.
func (r *Runner) createRun(ctx context.Context, name Name, input []byte) (*Run, RunnerFunc, error) {
	runner, ok := r.registry.Get(name)
	if !ok {
		return nil, nil, fmt.Errorf("no workflow registered for %q", name)
	}

	now := time.Now().UTC()
	run := &Run{
		ID:        id.NewRunID(),
		Name:      name,
		State:     RunStatePending,
		Input:     input,
		StartedAt: now,
		UpdatedAt: now,
	}

	if err := r.store.CreateRun(ctx, run); err != nil {
		return nil, nil, fmt.Errorf("create run for workflow %q: %w", name, err)
	}

	r.emitter.EmitWorkflowStarted(ctx, run)
	return run, runner, nil
}

// executeRun runs the workflow handler and handles completion/failure.
// It triggers saga compensations on workflow failure. Compensation failure
// is fatal: it is logged with both errors and leaves the run failed for
// operator attention.
func (r *Runner) executeRun(ctx context.Context, run *Run, runner RunnerFunc, input []byte) {
	ctx, span := r.tracer.Start(ctx, "workflow.run",
		trace.WithAttributes(
			attribute.String("workflow.name", string(run.Name)),
			attribute.String("workflow.run_id", run.ID.String()),
		),
	)
	defer span.End()

	if run.State != RunStateRunning {
		run.State = RunStateRunning
		run.UpdatedAt = time.Now().UTC()
		if err := r.store.UpdateRun(ctx, run); err != nil {
			r.logger.Error("failed to mark run as running",
				slog.String("run_id", run.ID.String()),
				slog.String("error", err.Error()),
			)
			return
		}
	}

	start := time.Now()
	wf := NewContext(ctx, run, r.store, event.NewChannel(r.events, run.ID), r.emitter, r.logger)

	err := runner(wf, input)
	elapsed := time.Since(start)

	now := time.Now().UTC()

	if err != nil {
		// Run saga compensations before marking the run failed. Once
		// compensation is decided, the original effects are never retried.
		if len(wf.Compensations()) > 0 {
			r.logger.Info("running saga compensations",
				slog.String("run_id", run.ID.String()),
				slog.Int("count", len(wf.Compensations())),
			)
			if compErr := wf.RunCompensations(); compErr != nil {
				r.logger.Error("compensation failed during workflow failure",
					slog.String("run_id", run.ID.String()),
					slog.String("workflow_error", err.Error()),
					slog.String("compensation_error", compErr.Error()),
				)
				err = fmt.Errorf("%w: %v (original: %w)", moltnet.ErrCompensationFailed, compErr, err)
			}
		}

		span.SetStatus(codes.Error, err.Error())

		run.State = RunStateFailed
		run.Error = err.Error()
		run.UpdatedAt = now
		run.CompletedAt = &now
		if updateErr := r.store.UpdateRun(ctx, run); updateErr != nil {
			r.logger.Error("failed to update run as failed",
				slog.String("run_id", run.ID.String()),
				slog.String("error", updateErr.Error()),
			)
		}
		r.emitter.EmitWorkflowFailed(ctx, run, err)
		return
	}

	run.State = RunStateCompleted
	run.UpdatedAt = now
	run.CompletedAt = &now
	if updateErr := r.store.UpdateRun(ctx, run); updateErr != nil {
		r.logger.Error("failed to update run as completed",
			slog.String("run_id", run.ID.String()),
			slog.String("error", updateErr.Error()),
		)
	}
	r.emitter.EmitWorkflowCompleted(ctx, run, elapsed)
}

// Resume re-executes an incomplete workflow run (crash recovery). Steps with
// checkpoints are replayed from their recorded outcomes; a suspended Receive
// re-blocks on the same durable wait.
func (r *Runner) Resume(ctx context.Context, runID id.RunID) error {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("get run %s: %w", runID, err)
	}
	if run.State.Terminal() {
		return fmt.Errorf("run %s is already terminal (%w)", runID, moltnet.ErrInvalidState)
	}

	runner, ok := r.registry.Get(run.Name)
	if !ok {
		return fmt.Errorf("no workflow registered for %q (run %s)", run.Name, runID)
	}

	r.executeRun(ctx, run, runner, run.Input)
	return nil
}

// ResumeAll finds every run left incomplete by a prior crash and resumes it.
// Called at startup. Resumes execute concurrently, bounded so a large
// backlog cannot overwhelm the process.
func (r *Runner) ResumeAll(ctx context.Context) error {
	runs, err := r.store.ListRuns(ctx, ListOpts{
		States: []RunState{RunStatePending, RunStateRunning},
	})
	if err != nil {
		return fmt.Errorf("list incomplete workflow runs: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(recoveryConcurrency)

	for _, run := range runs {
		g.Go(func() error {
			r.logger.Info("resuming workflow run",
				slog.String("run_id", run.ID.String()),
				slog.String("workflow", string(run.Name)),
			)
			if resumeErr := r.Resume(gctx, run.ID); resumeErr != nil {
				r.logger.Error("failed to resume workflow run",
					slog.String("run_id", run.ID.String()),
					slog.String("error", resumeErr.Error()),
				)
			}
			return nil
		})
	}

	return g.Wait()
}

// ── Handle ──────────────────────────────────────────

// Handle refers to a workflow run and can await its terminal value from any
// process — not necessarily the one that started it.
type Handle struct {
	runner *Runner
	runID  id.RunID
}

// Handle returns a handle for an existing run ID.
func (r *Runner) Handle(runID id.RunID) *Handle {
	return &Handle{runner: r, runID: runID}
}

// RunID returns the run this handle refers to.
func (h *Handle) RunID() id.RunID { return h.runID }

// Result blocks until the run reaches a terminal state, polling the store,
// and returns the recorded output. A failed run returns its recorded error.
func (h *Handle) Result(ctx context.Context) ([]byte, error) {
	for {
		run, err := h.runner.store.GetRun(ctx, h.runID)
		if err != nil {
			return nil, fmt.Errorf("get run %s: %w", h.runID, err)
		}

		switch run.State {
		case RunStateCompleted:
			return run.Output, nil
		case RunStateFailed:
			return nil, fmt.Errorf("workflow run %s failed: %s", h.runID, run.Error)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(resultPollInterval):
		}
	}
}
