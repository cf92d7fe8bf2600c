// Package workflow implements durable workflow execution: named workflow
// definitions, durably tracked runs, checkpointed steps with retry policies,
// saga compensations, and crash recovery.
//
// A workflow handler must be a pure function of its input and the sequence
// of step and message results obtained so far. All non-determinism —
// generated IDs, current time, external calls — belongs inside steps, so
// that resuming a run after a crash replays recorded results instead of
// recomputing them and reproduces the exact decision sequence up to the
// crash point.
package workflow
