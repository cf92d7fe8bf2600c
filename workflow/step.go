package workflow

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/getlarge/themoltnet-sub004/event"
	"github.com/getlarge/themoltnet-sub004/id"
)

// Step executes a named step function under the given retry policy. The
// checkpoint for (run, name) is consulted first: a succeeded checkpoint is
// skipped without calling fn (replay); a failed checkpoint re-raises the
// recorded error without calling fn. Otherwise fn is invoked, retried per
// the policy, and the outcome — success or exhausted failure — is recorded
// once.
func (w *Workflow) Step(name string, policy RetryPolicy, fn func(ctx context.Context) error) error {
	ckpt, err := w.store.GetCheckpoint(w.ctx, w.run.ID, name)
	if err != nil {
		return fmt.Errorf("workflow %s: get checkpoint %q: %w", w.run.Name, name, err)
	}
	if ckpt != nil {
		return w.replay(name, ckpt, nil)
	}

	_, execErr := w.execute(name, policy, func(ctx context.Context) ([]byte, error) {
		return nil, fn(ctx)
	})
	return execErr
}

// StepWithResult executes a named step that returns a typed value. The
// result is serialized via encoding/gob and recorded on the checkpoint.
// On replay, the recorded result is deserialized and returned without
// re-executing the step function.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func StepWithResult[T any](w *Workflow, name string, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	ckpt, err := w.store.GetCheckpoint(w.ctx, w.run.ID, name)
	if err != nil {
		return zero, fmt.Errorf("workflow %s: get checkpoint %q: %w", w.run.Name, name, err)
	}
	if ckpt != nil {
		var result T
		if replayErr := w.replay(name, ckpt, &result); replayErr != nil {
			return zero, replayErr
		}
		return result, nil
	}

	var result T
	_, execErr := w.execute(name, policy, func(ctx context.Context) ([]byte, error) {
		r, stepErr := fn(ctx)
		if stepErr != nil {
			return nil, stepErr
		}
		var buf bytes.Buffer
		if encErr := gob.NewEncoder(&buf).Encode(r); encErr != nil {
			return nil, fmt.Errorf("encode result: %w", encErr)
		}
		result = r
		return buf.Bytes(), nil
	})
	if execErr != nil {
		return zero, execErr
	}
	return result, nil
}

// replay reproduces a recorded step outcome. A succeeded checkpoint decodes
// its data into out (when out is non-nil); a failed checkpoint re-raises
// the recorded error. The step function is never invoked.
func (w *Workflow) replay(name string, ckpt *Checkpoint, out any) error {
	if ckpt.Status == StepFailed {
		w.logger.Debug("replaying recorded step failure",
			slog.String("run_id", w.run.ID.String()),
			slog.String("step", name),
		)
		return fmt.Errorf("workflow %s step %q: %s", w.run.Name, name, ckpt.Error)
	}

	w.logger.Debug("skipping checkpointed step",
		slog.String("run_id", w.run.ID.String()),
		slog.String("step", name),
	)
	if out == nil {
		return nil
	}
	if decErr := gob.NewDecoder(bytes.NewReader(ckpt.Data)).Decode(out); decErr != nil {
		return fmt.Errorf("workflow %s: decode checkpoint %q: %w", w.run.Name, name, decErr)
	}
	return nil
}

// execute runs fn under the retry policy and records the outcome once.
func (w *Workflow) execute(name string, policy RetryPolicy, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	maxAttempts := policy.maxAttempts()
	start := time.Now()

	for attempt := 1; ; attempt++ {
		// A cancelled context records nothing: recovery re-runs the step.
		if err := w.ctx.Err(); err != nil {
			return nil, err
		}

		data, stepErr := fn(w.ctx)
		if stepErr == nil {
			if saveErr := w.record(name, StepSucceeded, attempt, data, ""); saveErr != nil {
				return nil, saveErr
			}
			w.emitter.EmitStepCompleted(w.ctx, w.run, name, time.Since(start))
			return data, nil
		}

		if attempt >= maxAttempts {
			if saveErr := w.record(name, StepFailed, attempt, nil, stepErr.Error()); saveErr != nil {
				return nil, saveErr
			}
			w.emitter.EmitStepFailed(w.ctx, w.run, name, stepErr)
			return nil, fmt.Errorf("workflow %s step %q: %w", w.run.Name, name, stepErr)
		}

		var delay time.Duration
		if policy.Backoff != nil {
			delay = policy.Backoff.Delay(attempt)
		}
		w.logger.Debug("step failed, retrying",
			slog.String("run_id", w.run.ID.String()),
			slog.String("step", name),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", stepErr.Error()),
		)

		select {
		case <-w.ctx.Done():
			return nil, w.ctx.Err()
		case <-time.After(delay):
		}
	}
}

// record writes the step checkpoint.
func (w *Workflow) record(name string, status StepStatus, attempts int, data []byte, errMsg string) error {
	ckpt := &Checkpoint{
		ID:        id.NewCheckpointID(),
		RunID:     w.run.ID,
		StepName:  name,
		Status:    status,
		Attempts:  attempts,
		Data:      data,
		Error:     errMsg,
		CreatedAt: time.Now().UTC(),
	}
	if err := w.store.SaveCheckpoint(w.ctx, ckpt); err != nil {
		return fmt.Errorf("workflow %s: save checkpoint %q: %w", w.run.Name, name, err)
	}
	return nil
}

// ── Saga Compensations ──────────────────────────────

// StepWithCompensation executes a named step with an associated compensation
// function. If the step succeeds, the compensation is pushed onto a LIFO
// stack. When the workflow fails later, all registered compensations run in
// reverse order to undo completed work (saga pattern).
func (w *Workflow) StepWithCompensation(
	name string,
	policy RetryPolicy,
	execute func(ctx context.Context) error,
	compensate func(ctx context.Context) error,
) error {
	if err := w.Step(name, policy, execute); err != nil {
		return err
	}
	w.compensations = append(w.compensations, Compensation{
		StepName:   name,
		Compensate: compensate,
	})
	return nil
}

// StepWithResultAndCompensation executes a named step that returns a typed
// value, with an associated compensation function. If the step succeeds,
// the result is checkpointed and the compensation is registered on the stack.
func StepWithResultAndCompensation[T any](
	w *Workflow,
	name string,
	policy RetryPolicy,
	execute func(ctx context.Context) (T, error),
	compensate func(ctx context.Context) error,
) (T, error) {
	result, err := StepWithResult(w, name, policy, execute)
	if err != nil {
		return result, err
	}
	w.compensations = append(w.compensations, Compensation{
		StepName:   name,
		Compensate: compensate,
	})
	return result, nil
}

// ── Event Channel ───────────────────────────────────

// Publish sets the run's broadcast slot for key (last-write-wins). Publish
// is not checkpointed: overwriting the slot with the same payload during
// replay is indistinguishable to readers, so replaying it is safe.
func (w *Workflow) Publish(key event.Key, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("workflow %s: marshal broadcast %q: %w", w.run.Name, key, err)
	}
	if pubErr := w.events.Publish(w.ctx, key, data); pubErr != nil {
		return fmt.Errorf("workflow %s: publish %q: %w", w.run.Name, key, pubErr)
	}
	return nil
}

// LatestBroadcast returns the most recent broadcast payload for key, or nil
// if the slot was never set.
func (w *Workflow) LatestBroadcast(key event.Key) ([]byte, error) {
	b, err := w.events.Latest(w.ctx, key)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: latest %q: %w", w.run.Name, key, err)
	}
	if b == nil {
		return nil, nil
	}
	return b.Payload, nil
}

// Receive suspends the workflow's logical execution until a directed
// message arrives on topic or the timeout expires. The outcome is
// checkpointed: a recorded empty checkpoint replays the timeout; a recorded
// message replays without re-waiting. With no checkpoint — including after
// a crash mid-wait — Receive blocks on the same durable (run, topic) wait,
// so a resumed run never duplicates the pending request.
//
// Returns nil on timeout. Timeout is a defined outcome, not an error.
func (w *Workflow) Receive(topic event.Topic, timeout time.Duration) (*event.Message, error) {
	stepName := "recv:" + string(topic)

	ckpt, err := w.store.GetCheckpoint(w.ctx, w.run.ID, stepName)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: get checkpoint %q: %w", w.run.Name, stepName, err)
	}
	if ckpt != nil {
		if len(ckpt.Data) == 0 {
			// Recorded timeout.
			return nil, nil
		}
		// Messages are checkpointed as JSON: the TypeID inside has no
		// exported fields and cannot be gob-encoded.
		var msg event.Message
		if decErr := json.Unmarshal(ckpt.Data, &msg); decErr != nil {
			return nil, fmt.Errorf("workflow %s: decode checkpoint %q: %w", w.run.Name, stepName, decErr)
		}
		return &msg, nil
	}

	start := time.Now()
	msg, recvErr := w.events.Receive(w.ctx, topic, timeout)
	if recvErr != nil {
		return nil, fmt.Errorf("workflow %s recv %q: %w", w.run.Name, topic, recvErr)
	}

	if msg == nil {
		// Timeout — record the empty outcome so replay resolves the same way.
		if saveErr := w.record(stepName, StepSucceeded, 1, nil, ""); saveErr != nil {
			return nil, saveErr
		}
		w.emitter.EmitStepCompleted(w.ctx, w.run, stepName, time.Since(start))
		return nil, nil
	}

	data, encErr := json.Marshal(msg)
	if encErr != nil {
		return nil, fmt.Errorf("workflow %s: encode message %q: %w", w.run.Name, stepName, encErr)
	}
	if saveErr := w.record(stepName, StepSucceeded, 1, data, ""); saveErr != nil {
		return nil, saveErr
	}
	w.emitter.EmitStepCompleted(w.ctx, w.run, stepName, time.Since(start))
	return msg, nil
}
