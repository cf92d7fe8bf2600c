package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/getlarge/themoltnet-sub004/ext"
	"github.com/getlarge/themoltnet-sub004/signing"
	"github.com/getlarge/themoltnet-sub004/workflow"
)

const meterName = "github.com/getlarge/themoltnet-sub004/observability"

// Compile-time interface checks.
var (
	_ ext.Extension         = (*MetricsExtension)(nil)
	_ ext.WorkflowStarted   = (*MetricsExtension)(nil)
	_ ext.StepCompleted     = (*MetricsExtension)(nil)
	_ ext.StepFailed        = (*MetricsExtension)(nil)
	_ ext.WorkflowCompleted = (*MetricsExtension)(nil)
	_ ext.WorkflowFailed    = (*MetricsExtension)(nil)
	_ ext.SigningRequested  = (*MetricsExtension)(nil)
	_ ext.SigningResolved   = (*MetricsExtension)(nil)
)

// MetricsExtension records lifecycle metrics via OpenTelemetry. Register it
// as an extension to automatically track workflow starts, completions,
// failure rates, per-step outcomes and durations, and signing request
// resolution.
type MetricsExtension struct {
	workflowStarted   metric.Int64Counter
	workflowCompleted metric.Int64Counter
	workflowFailed    metric.Int64Counter
	workflowDuration  metric.Float64Histogram
	stepCompleted     metric.Int64Counter
	stepFailed        metric.Int64Counter
	stepDuration      metric.Float64Histogram
	signingRequested  metric.Int64Counter
	signingResolved   metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension using the global
// MeterProvider.
func NewMetricsExtension() (*MetricsExtension, error) {
	return NewMetricsExtensionWithProvider(otel.GetMeterProvider())
}

// NewMetricsExtensionWithProvider creates a MetricsExtension with the
// provided MeterProvider.
func NewMetricsExtensionWithProvider(mp metric.MeterProvider) (*MetricsExtension, error) {
	meter := mp.Meter(meterName)
	m := &MetricsExtension{}

	var err error
	if m.workflowStarted, err = meter.Int64Counter("moltnet.workflow.started",
		metric.WithDescription("Workflow runs started")); err != nil {
		return nil, fmt.Errorf("moltnet/observability: %w", err)
	}
	if m.workflowCompleted, err = meter.Int64Counter("moltnet.workflow.completed",
		metric.WithDescription("Workflow runs completed successfully")); err != nil {
		return nil, fmt.Errorf("moltnet/observability: %w", err)
	}
	if m.workflowFailed, err = meter.Int64Counter("moltnet.workflow.failed",
		metric.WithDescription("Workflow runs failed terminally")); err != nil {
		return nil, fmt.Errorf("moltnet/observability: %w", err)
	}
	if m.workflowDuration, err = meter.Float64Histogram("moltnet.workflow.duration",
		metric.WithDescription("Workflow run duration"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("moltnet/observability: %w", err)
	}
	if m.stepCompleted, err = meter.Int64Counter("moltnet.step.completed",
		metric.WithDescription("Workflow steps completed")); err != nil {
		return nil, fmt.Errorf("moltnet/observability: %w", err)
	}
	if m.stepFailed, err = meter.Int64Counter("moltnet.step.failed",
		metric.WithDescription("Workflow steps failed after exhausting retries")); err != nil {
		return nil, fmt.Errorf("moltnet/observability: %w", err)
	}
	if m.stepDuration, err = meter.Float64Histogram("moltnet.step.duration",
		metric.WithDescription("Workflow step duration"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("moltnet/observability: %w", err)
	}
	if m.signingRequested, err = meter.Int64Counter("moltnet.signing.requested",
		metric.WithDescription("Signing requests created")); err != nil {
		return nil, fmt.Errorf("moltnet/observability: %w", err)
	}
	if m.signingResolved, err = meter.Int64Counter("moltnet.signing.resolved",
		metric.WithDescription("Signing requests resolved, by terminal status")); err != nil {
		return nil, fmt.Errorf("moltnet/observability: %w", err)
	}

	return m, nil
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func workflowAttrs(run *workflow.Run) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("workflow", string(run.Name)))
}

// ── Workflow lifecycle hooks ────────────────────────

// OnWorkflowStarted implements ext.WorkflowStarted.
func (m *MetricsExtension) OnWorkflowStarted(ctx context.Context, run *workflow.Run) error {
	m.workflowStarted.Add(ctx, 1, workflowAttrs(run))
	return nil
}

// OnStepCompleted implements ext.StepCompleted.
func (m *MetricsExtension) OnStepCompleted(ctx context.Context, run *workflow.Run, stepName string, elapsed time.Duration) error {
	attrs := metric.WithAttributes(
		attribute.String("workflow", string(run.Name)),
		attribute.String("step", stepName),
	)
	m.stepCompleted.Add(ctx, 1, attrs)
	m.stepDuration.Record(ctx, elapsed.Seconds(), attrs)
	return nil
}

// OnStepFailed implements ext.StepFailed.
func (m *MetricsExtension) OnStepFailed(ctx context.Context, run *workflow.Run, stepName string, _ error) error {
	m.stepFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", string(run.Name)),
		attribute.String("step", stepName),
	))
	return nil
}

// OnWorkflowCompleted implements ext.WorkflowCompleted.
func (m *MetricsExtension) OnWorkflowCompleted(ctx context.Context, run *workflow.Run, elapsed time.Duration) error {
	m.workflowCompleted.Add(ctx, 1, workflowAttrs(run))
	m.workflowDuration.Record(ctx, elapsed.Seconds(), workflowAttrs(run))
	return nil
}

// OnWorkflowFailed implements ext.WorkflowFailed.
func (m *MetricsExtension) OnWorkflowFailed(ctx context.Context, run *workflow.Run, _ error) error {
	m.workflowFailed.Add(ctx, 1, workflowAttrs(run))
	return nil
}

// ── Signing lifecycle hooks ─────────────────────────

// OnSigningRequested implements ext.SigningRequested.
func (m *MetricsExtension) OnSigningRequested(ctx context.Context, _ *signing.Request) error {
	m.signingRequested.Add(ctx, 1)
	return nil
}

// OnSigningResolved implements ext.SigningResolved.
func (m *MetricsExtension) OnSigningResolved(ctx context.Context, req *signing.Request) error {
	m.signingResolved.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(req.Status)),
	))
	return nil
}
