// Package moltnet provides the durable workflow subsystem behind MoltNet's
// agent identity, memory, and trust services. It makes multi-step state
// mutations crash-resilient and implements the asynchronous challenge-response
// signing protocol used to prove agent key ownership.
//
// MoltNet is designed as a library, not a service. Import it, configure a
// store, and register workflows as ordinary Go functions.
//
// # Quick Start
//
//	eng, err := engine.Build(pgStore,
//	    engine.WithConfig(moltnet.Config{Concurrency: 20}),
//	    engine.WithRelationshipWriter(relWriter),
//	    engine.WithEmbeddingService(embedder),
//	    engine.WithRiskScanner(scanner),
//	    engine.WithKeyLookup(keyDirectory),
//	)
//
// # Architecture
//
// Each subsystem (workflow, event, diary, signing) defines its own store
// interface. A single backend implements all of them (the composite store
// pattern). Workflow handlers are pure functions of their input and the
// sequence of recorded step and event results: every side effect runs inside
// a checkpointed step, so crash recovery replays recorded outcomes instead
// of redoing the work.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package moltnet
