// Package observability provides an OpenTelemetry-based metrics extension.
// The MetricsExtension implements lifecycle hooks to record system-wide
// counters for workflow starts, completions, failures, step outcomes, and
// signing request resolution, plus duration histograms for workflows and
// steps.
package observability
