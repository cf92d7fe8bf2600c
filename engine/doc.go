// Package engine wires all MoltNet subsystems together and provides the
// primary application-level API for registering and starting workflows.
//
// The engine package exists to break a fundamental import cycle: the root
// moltnet package defines the shared configuration and error values
// (imported by workflow, event, diary, etc.) and therefore cannot import
// those packages back. Engine sits above all subsystem packages and below
// the application layer.
//
// # Building an Engine
//
//	st, err := postgres.New(ctx, connString)
//	if err != nil { ... }
//
//	eng, err := engine.Build(st,
//	    engine.WithLogger(logger),
//	    engine.WithRelationshipWriter(relWriter),
//	    engine.WithEmbeddingService(embedder),
//	    engine.WithRiskScanner(scanner),
//	    engine.WithKeyLookup(keyDirectory),
//	)
//
// Build registers the diary sagas and the signing workflow; applications
// register additional workflows before Start:
//
//	engine.RegisterWorkflow(eng, ProcessHandshake)
//
// # Starting Workflows
//
//	run, err := engine.StartWorkflow(ctx, eng, diary.WorkflowCreate, input)
//
//	// Asynchronously, through the worker pool:
//	h, err := engine.StartWorkflowAsync(ctx, eng, diary.WorkflowCreate, input)
//	result, err := h.Result(ctx)
//
// # Options
//
//   - [WithConfig] — tune concurrency, timeouts, and rate limits
//   - [WithExtension] — register a lifecycle extension
//   - [WithDiaryConfig] — per-step retry policies for the diary sagas
//   - [WithVerifier] — override the default Ed25519 signature verifier
//   - [WithTracerProvider] — set the OpenTelemetry tracer provider
//   - [WithMeterProvider] — set the OpenTelemetry meter provider
package engine
