package signing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/getlarge/themoltnet-sub004/event"
	"github.com/getlarge/themoltnet-sub004/id"
	"github.com/getlarge/themoltnet-sub004/workflow"
)

// WorkflowRequest is the name of the challenge-response signing workflow.
const WorkflowRequest workflow.Name = "signing.request"

// WorkflowInput starts a signing workflow for an already-persisted request.
type WorkflowInput struct {
	RequestID id.RequestID `json:"request_id"`
}

// Envelope is the broadcast payload handed to the external signer. It
// carries everything the signer needs to produce the challenge response.
type Envelope struct {
	RequestID id.RequestID `json:"request_id"`
	Message   string       `json:"message"`
	Nonce     string       `json:"nonce"`
}

// SignatureSubmission is the directed-message payload an external signer
// sends back.
type SignatureSubmission struct {
	Signature string `json:"signature"`
}

// Result is the terminal outcome broadcast when a signing workflow
// resolves.
type Result struct {
	RequestID id.RequestID `json:"request_id"`
	Status    Status       `json:"status"`
	Valid     *bool        `json:"valid,omitempty"`
}

// Emitter receives signing lifecycle events. Satisfied by ext.Registry.
type Emitter interface {
	EmitSigningRequested(ctx context.Context, req *Request)
	EmitSigningResolved(ctx context.Context, req *Request)
}

// nopEmitter drops all events.
type nopEmitter struct{}

func (nopEmitter) EmitSigningRequested(context.Context, *Request) {}
func (nopEmitter) EmitSigningResolved(context.Context, *Request)  {}

// Workflows owns the signing workflow. The workflow publishes an envelope,
// suspends awaiting an external signature (possibly across process
// restarts), and always resolves the request to completed or expired.
type Workflows struct {
	store    Store
	keys     KeyLookup
	verifier Verifier
	timeout  time.Duration
	emitter  Emitter
	logger   *slog.Logger

	persistPolicy workflow.RetryPolicy
	lookupPolicy  workflow.RetryPolicy
}

// NewWorkflows creates the signing workflow set. timeout bounds how long a
// request waits for an external signature.
func NewWorkflows(
	store Store,
	keys KeyLookup,
	verifier Verifier,
	timeout time.Duration,
	emitter Emitter,
	logger *slog.Logger,
) *Workflows {
	if emitter == nil {
		emitter = nopEmitter{}
	}
	return &Workflows{
		store:         store,
		keys:          keys,
		verifier:      verifier,
		timeout:       timeout,
		emitter:       emitter,
		logger:        logger,
		persistPolicy: workflow.DefaultRetry(),
		lookupPolicy:  workflow.DefaultRetry(),
	}
}

// Register adds the signing workflow to the registry.
func (w *Workflows) Register(reg *workflow.Registry) {
	workflow.RegisterDefinition(reg, workflow.NewDefinition(WorkflowRequest, w.run))
}

// run is the signing workflow body:
// link run → publish envelope → await signature → verify → persist outcome
// → publish result. The Receive suspension is durable: a crash mid-wait
// resumes blocking on the same (run, topic) wait without re-publishing a
// new challenge.
func (w *Workflows) run(wf *workflow.Workflow, in WorkflowInput) (any, error) {
	ctx := wf.Context()

	// Record the run on the request row so external submissions can be
	// routed to this workflow.
	err := wf.Step("link-request", w.persistPolicy, func(ctx context.Context) error {
		runID := wf.RunID()
		return w.store.UpdateStatus(ctx, in.RequestID, StatusUpdate{
			Status: StatusPending,
			RunID:  &runID,
		})
	})
	if err != nil {
		return nil, err
	}

	// Message and nonce are immutable after creation, so this read is
	// deterministic across replays and needs no checkpoint.
	req, err := w.store.GetRequest(ctx, in.RequestID)
	if err != nil {
		return nil, fmt.Errorf("signing run: %w", err)
	}

	if err := wf.Publish(event.KeyEnvelope, Envelope{
		RequestID: in.RequestID,
		Message:   req.Message,
		Nonce:     req.Nonce,
	}); err != nil {
		return nil, err
	}

	msg, err := wf.Receive(event.TopicSignature, w.timeout)
	if err != nil {
		return nil, err
	}

	if msg == nil {
		return w.resolveExpired(wf, in.RequestID)
	}

	var sub SignatureSubmission
	if err := json.Unmarshal(msg.Payload, &sub); err != nil {
		return nil, fmt.Errorf("signing run: decode submission: %w", err)
	}

	publicKey, err := workflow.StepWithResult(wf, "lookup-key", w.lookupPolicy,
		func(ctx context.Context) (string, error) {
			return w.keys.GetPublicKey(ctx, req.RequesterID)
		})
	if err != nil {
		return nil, err
	}

	// Verification is pure: retrying cannot change the outcome. An unknown
	// requester key verifies to false rather than erroring, so the request
	// still resolves terminally.
	valid, err := workflow.StepWithResult(wf, "verify", workflow.NoRetry(),
		func(_ context.Context) (bool, error) {
			if publicKey == "" {
				w.logger.Warn("no public key registered for requester",
					slog.String("request_id", in.RequestID.String()),
				)
				return false, nil
			}
			return w.verifier.Verify(req.SigningPayload(), sub.Signature, publicKey), nil
		})
	if err != nil {
		return nil, err
	}

	return w.resolveCompleted(wf, in.RequestID, sub.Signature, valid)
}

// resolveExpired persists the expired status and publishes the result.
func (w *Workflows) resolveExpired(wf *workflow.Workflow, requestID id.RequestID) (any, error) {
	err := wf.Step("persist-expired", w.persistPolicy, func(ctx context.Context) error {
		now := time.Now().UTC()
		return w.store.UpdateStatus(ctx, requestID, StatusUpdate{
			Status:      StatusExpired,
			CompletedAt: &now,
		})
	})
	if err != nil {
		return nil, err
	}

	result := Result{RequestID: requestID, Status: StatusExpired}
	if err := wf.Publish(event.KeyResult, result); err != nil {
		return nil, err
	}

	w.emitResolved(wf.Context(), requestID)
	return result, nil
}

// resolveCompleted persists the verification outcome and publishes the
// result. A failed verification still completes the request; Valid carries
// the outcome.
func (w *Workflows) resolveCompleted(wf *workflow.Workflow, requestID id.RequestID, signature string, valid bool) (any, error) {
	err := wf.Step("persist-completed", w.persistPolicy, func(ctx context.Context) error {
		now := time.Now().UTC()
		return w.store.UpdateStatus(ctx, requestID, StatusUpdate{
			Status:      StatusCompleted,
			Signature:   &signature,
			Valid:       &valid,
			CompletedAt: &now,
		})
	})
	if err != nil {
		return nil, err
	}

	result := Result{RequestID: requestID, Status: StatusCompleted, Valid: &valid}
	if err := wf.Publish(event.KeyResult, result); err != nil {
		return nil, err
	}

	w.emitResolved(wf.Context(), requestID)
	return result, nil
}

func (w *Workflows) emitResolved(ctx context.Context, requestID id.RequestID) {
	req, err := w.store.GetRequest(ctx, requestID)
	if err != nil {
		w.logger.Warn("failed to load request for resolved hook",
			slog.String("request_id", requestID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	w.emitter.EmitSigningResolved(ctx, req)
}
