package signing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	moltnet "github.com/getlarge/themoltnet-sub004"
	"github.com/getlarge/themoltnet-sub004/event"
	"github.com/getlarge/themoltnet-sub004/id"
	"github.com/getlarge/themoltnet-sub004/workflow"
)

// nonceBytes is the entropy of a signing nonce (hex-encoded on the wire).
const nonceBytes = 16

// Service is the external surface of the signing protocol. Signers never
// touch the workflow machinery directly: they read envelopes and submit
// signatures through the Service, which routes them onto the suspended
// workflow's event channel.
type Service struct {
	store   Store
	events  event.Store
	runner  *workflow.Runner
	timeout time.Duration
	emitter Emitter
}

// NewService creates a signing service. timeout must match the workflow's
// receive timeout, since it stamps ExpiresAt on new requests.
func NewService(
	store Store,
	events event.Store,
	runner *workflow.Runner,
	timeout time.Duration,
	emitter Emitter,
) *Service {
	if emitter == nil {
		emitter = nopEmitter{}
	}
	return &Service{
		store:   store,
		events:  events,
		runner:  runner,
		timeout: timeout,
		emitter: emitter,
	}
}

// RequestSignature creates a signing request and starts its workflow
// asynchronously. The returned request is pending; the caller polls
// Request or awaits the result broadcast.
func (s *Service) RequestSignature(ctx context.Context, requesterID id.AgentID, message string) (*Request, error) {
	nonce, err := newNonce()
	if err != nil {
		return nil, fmt.Errorf("signing: generate nonce: %w", err)
	}

	now := time.Now().UTC()
	req := &Request{
		ID:          id.NewRequestID(),
		RequesterID: requesterID,
		Message:     message,
		Nonce:       nonce,
		Status:      StatusPending,
		ExpiresAt:   now.Add(s.timeout),
		CreatedAt:   now,
	}
	if err := s.store.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("signing: create request: %w", err)
	}

	s.emitter.EmitSigningRequested(ctx, req)

	if _, err := workflow.StartAsync(ctx, s.runner, WorkflowRequest, WorkflowInput{RequestID: req.ID}); err != nil {
		return nil, fmt.Errorf("signing: start workflow: %w", err)
	}

	return req, nil
}

// Envelope returns the signing envelope for a request, or nil if the
// workflow has not published it yet.
func (s *Service) Envelope(ctx context.Context, requestID id.RequestID) (*Envelope, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.RunID.IsNil() {
		return nil, nil // workflow not linked yet
	}

	b, err := event.NewChannel(s.events, req.RunID).Latest(ctx, event.KeyEnvelope)
	if err != nil {
		return nil, fmt.Errorf("signing: read envelope: %w", err)
	}
	if b == nil {
		return nil, nil
	}

	var env Envelope
	if err := json.Unmarshal(b.Payload, &env); err != nil {
		return nil, fmt.Errorf("signing: decode envelope: %w", err)
	}
	return &env, nil
}

// SubmitSignature hands an external signature to the suspended workflow by
// sending it on the run's signature topic. Submitting to a terminal request
// returns ErrInvalidState.
func (s *Service) SubmitSignature(ctx context.Context, requestID id.RequestID, signature string) error {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status != StatusPending {
		return fmt.Errorf("signing: request %s is %s: %w", requestID, req.Status, moltnet.ErrInvalidState)
	}
	if req.RunID.IsNil() {
		return fmt.Errorf("signing: request %s has no linked run yet: %w", requestID, moltnet.ErrInvalidState)
	}

	payload, err := json.Marshal(SignatureSubmission{Signature: signature})
	if err != nil {
		return fmt.Errorf("signing: encode submission: %w", err)
	}
	if _, err := event.NewChannel(s.events, req.RunID).Send(ctx, event.TopicSignature, payload); err != nil {
		return fmt.Errorf("signing: submit signature: %w", err)
	}
	return nil
}

// Request returns the current state of a signing request.
func (s *Service) Request(ctx context.Context, requestID id.RequestID) (*Request, error) {
	return s.store.GetRequest(ctx, requestID)
}

// Result returns the terminal result broadcast for a request, or nil if the
// workflow has not resolved yet.
func (s *Service) Result(ctx context.Context, requestID id.RequestID) (*Result, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.RunID.IsNil() {
		return nil, nil
	}

	b, err := event.NewChannel(s.events, req.RunID).Latest(ctx, event.KeyResult)
	if err != nil {
		return nil, fmt.Errorf("signing: read result: %w", err)
	}
	if b == nil {
		return nil, nil
	}

	var result Result
	if err := json.Unmarshal(b.Payload, &result); err != nil {
		return nil, fmt.Errorf("signing: decode result: %w", err)
	}
	return &result, nil
}

// newNonce returns a hex-encoded random nonce.
func newNonce() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
