package workflow_test

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/getlarge/themoltnet-sub004/store/memory"
	"github.com/getlarge/themoltnet-sub004/workflow"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// noopEmitter satisfies workflow.RunEmitter for tests that don't assert
// on lifecycle hooks.
type noopEmitter struct{}

func (noopEmitter) EmitWorkflowStarted(context.Context, *workflow.Run)                    {}
func (noopEmitter) EmitWorkflowCompleted(context.Context, *workflow.Run, time.Duration)   {}
func (noopEmitter) EmitWorkflowFailed(context.Context, *workflow.Run, error)              {}
func (noopEmitter) EmitStepCompleted(context.Context, *workflow.Run, string, time.Duration) {
}
func (noopEmitter) EmitStepFailed(context.Context, *workflow.Run, string, error) {}

// goSubmitter services async starts on plain goroutines, standing in for
// the worker pool.
type goSubmitter struct{}

func (goSubmitter) Submit(task func()) error {
	go task()
	return nil
}

func newTestRunner(opts ...workflow.RunnerOption) (*workflow.Runner, *workflow.Registry, *memory.Store) {
	st := memory.New()
	reg := workflow.NewRegistry()
	runner := workflow.NewRunner(reg, st, st, noopEmitter{}, testLogger(), opts...)
	return runner, reg, st
}
