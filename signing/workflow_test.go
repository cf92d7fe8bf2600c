package signing_test

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	moltnet "github.com/getlarge/themoltnet-sub004"
	"github.com/getlarge/themoltnet-sub004/event"
	"github.com/getlarge/themoltnet-sub004/id"
	"github.com/getlarge/themoltnet-sub004/signing"
	"github.com/getlarge/themoltnet-sub004/store/memory"
	"github.com/getlarge/themoltnet-sub004/workflow"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type noopEmitter struct{}

func (noopEmitter) EmitWorkflowStarted(context.Context, *workflow.Run)                      {}
func (noopEmitter) EmitWorkflowCompleted(context.Context, *workflow.Run, time.Duration)     {}
func (noopEmitter) EmitWorkflowFailed(context.Context, *workflow.Run, error)                {}
func (noopEmitter) EmitStepCompleted(context.Context, *workflow.Run, string, time.Duration) {}
func (noopEmitter) EmitStepFailed(context.Context, *workflow.Run, string, error)            {}

type goSubmitter struct{}

func (goSubmitter) Submit(task func()) error {
	go task()
	return nil
}

type keyDirectory struct {
	keys map[id.AgentID]string
}

func (k *keyDirectory) GetPublicKey(_ context.Context, agentID id.AgentID) (string, error) {
	return k.keys[agentID], nil
}

type fixture struct {
	store   *memory.Store
	runner  *workflow.Runner
	service *signing.Service
	keys    *keyDirectory
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	st := memory.New()
	reg := workflow.NewRegistry()
	keys := &keyDirectory{keys: make(map[id.AgentID]string)}

	signing.NewWorkflows(st, keys, signing.Ed25519Verifier{}, timeout, nil, testLogger()).Register(reg)
	runner := workflow.NewRunner(reg, st, st, noopEmitter{}, testLogger(),
		workflow.WithSubmitter(goSubmitter{}))

	return &fixture{
		store:   st,
		runner:  runner,
		service: signing.NewService(st, st, runner, timeout, nil),
		keys:    keys,
	}
}

func registerKeypair(t *testing.T, f *fixture) (id.AgentID, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	agent := id.NewAgentID()
	f.keys.keys[agent] = hex.EncodeToString(pub)
	return agent, priv
}

func awaitEnvelope(t *testing.T, f *fixture, requestID id.RequestID) *signing.Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		env, err := f.service.Envelope(context.Background(), requestID)
		if err != nil {
			t.Fatalf("Envelope: %v", err)
		}
		if env != nil {
			return env
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("envelope never published")
	return nil
}

func awaitTerminal(t *testing.T, f *fixture, requestID id.RequestID) *signing.Request {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		req, err := f.service.Request(context.Background(), requestID)
		if err != nil {
			t.Fatalf("Request: %v", err)
		}
		if req.Status != signing.StatusPending {
			return req
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("request never resolved")
	return nil
}

func TestSigningHappyPath(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	ctx := context.Background()
	agent, priv := registerKeypair(t, f)

	req, err := f.service.RequestSignature(ctx, agent, "prove-identity")
	if err != nil {
		t.Fatalf("RequestSignature: %v", err)
	}
	if req.Status != signing.StatusPending {
		t.Fatalf("status = %q", req.Status)
	}
	if req.Nonce == "" {
		t.Fatal("request has no nonce")
	}

	env := awaitEnvelope(t, f, req.ID)
	if env.Message != "prove-identity" || env.Nonce != req.Nonce {
		t.Fatalf("envelope = %+v", env)
	}

	sig := hex.EncodeToString(ed25519.Sign(priv, []byte(env.Message+"."+env.Nonce)))
	if err := f.service.SubmitSignature(ctx, req.ID, sig); err != nil {
		t.Fatalf("SubmitSignature: %v", err)
	}

	final := awaitTerminal(t, f, req.ID)
	if final.Status != signing.StatusCompleted {
		t.Fatalf("status = %q, want completed", final.Status)
	}
	if final.Valid == nil || !*final.Valid {
		t.Fatal("signature should verify")
	}
	if final.Signature != sig {
		t.Errorf("recorded signature = %q", final.Signature)
	}
	if final.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	res, err := f.service.Result(ctx, req.ID)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if res == nil || res.Status != signing.StatusCompleted {
		t.Fatalf("result = %+v", res)
	}
}

func TestSigningExpires(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond)
	ctx := context.Background()
	agent, _ := registerKeypair(t, f)

	req, err := f.service.RequestSignature(ctx, agent, "nobody-answers")
	if err != nil {
		t.Fatalf("RequestSignature: %v", err)
	}

	final := awaitTerminal(t, f, req.ID)
	if final.Status != signing.StatusExpired {
		t.Fatalf("status = %q, want expired", final.Status)
	}
	if final.Valid != nil {
		t.Errorf("Valid = %v, want unset on expiry", *final.Valid)
	}
	if final.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	res, err := f.service.Result(ctx, req.ID)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if res == nil || res.Status != signing.StatusExpired {
		t.Fatalf("result = %+v", res)
	}
}

func TestSigningRejectsSignatureWithoutNonce(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	ctx := context.Background()
	agent, priv := registerKeypair(t, f)

	req, err := f.service.RequestSignature(ctx, agent, "replay-me")
	if err != nil {
		t.Fatalf("RequestSignature: %v", err)
	}
	env := awaitEnvelope(t, f, req.ID)

	// Signing the bare message without the nonce must not verify: this is
	// the replay protection.
	sig := hex.EncodeToString(ed25519.Sign(priv, []byte(env.Message)))
	if err := f.service.SubmitSignature(ctx, req.ID, sig); err != nil {
		t.Fatalf("SubmitSignature: %v", err)
	}

	final := awaitTerminal(t, f, req.ID)
	if final.Status != signing.StatusCompleted {
		t.Fatalf("status = %q, want completed", final.Status)
	}
	if final.Valid == nil || *final.Valid {
		t.Fatal("replayed signature must verify false")
	}
}

func TestSigningUnknownRequesterResolvesFalse(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	ctx := context.Background()
	agent := id.NewAgentID() // no key registered

	req, err := f.service.RequestSignature(ctx, agent, "who-are-you")
	if err != nil {
		t.Fatalf("RequestSignature: %v", err)
	}
	env := awaitEnvelope(t, f, req.ID)

	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	sig := hex.EncodeToString(ed25519.Sign(priv, []byte(env.Message+"."+env.Nonce)))
	if err := f.service.SubmitSignature(ctx, req.ID, sig); err != nil {
		t.Fatalf("SubmitSignature: %v", err)
	}

	final := awaitTerminal(t, f, req.ID)
	if final.Status != signing.StatusCompleted {
		t.Fatalf("status = %q, want completed", final.Status)
	}
	if final.Valid == nil || *final.Valid {
		t.Fatal("unknown requester must resolve invalid, not error")
	}
}

func TestSubmitSignatureToTerminalRequest(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond)
	ctx := context.Background()
	agent, _ := registerKeypair(t, f)

	req, err := f.service.RequestSignature(ctx, agent, "too-late")
	if err != nil {
		t.Fatalf("RequestSignature: %v", err)
	}
	awaitTerminal(t, f, req.ID)

	err = f.service.SubmitSignature(ctx, req.ID, "deadbeef")
	if !errors.Is(err, moltnet.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestSubmitSignatureBeforeWorkflowLinks(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	// A request row with no linked run: the workflow has not executed yet.
	req := &signing.Request{
		ID:          id.NewRequestID(),
		RequesterID: id.NewAgentID(),
		Message:     "early",
		Nonce:       "abc123",
		Status:      signing.StatusPending,
		ExpiresAt:   time.Now().Add(time.Minute),
		CreatedAt:   time.Now().UTC(),
	}
	if err := f.store.CreateRequest(ctx, req); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	err := f.service.SubmitSignature(ctx, req.ID, "deadbeef")
	if !errors.Is(err, moltnet.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

// TestResumeReblocksOnSignatureWait reconstructs the store state a crash
// mid-wait leaves behind, resumes the run, and checks that the workflow
// re-blocks on the same wait and still accepts the signature.
func TestResumeReblocksOnSignatureWait(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	ctx := context.Background()
	agent, priv := registerKeypair(t, f)

	runID := id.NewRunID()
	req := &signing.Request{
		ID:          id.NewRequestID(),
		RequesterID: agent,
		RunID:       runID,
		Message:     "survive-the-crash",
		Nonce:       "f00dcafe",
		Status:      signing.StatusPending,
		ExpiresAt:   time.Now().Add(time.Minute),
		CreatedAt:   time.Now().UTC(),
	}
	if err := f.store.CreateRequest(ctx, req); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	input, err := json.Marshal(signing.WorkflowInput{RequestID: req.ID})
	if err != nil {
		t.Fatalf("marshal input: %v", err)
	}
	now := time.Now().UTC()
	run := &workflow.Run{
		ID:        runID,
		Name:      signing.WorkflowRequest,
		State:     workflow.RunStateRunning,
		Input:     input,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := f.store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	// The crash happened after linking but before a signature arrived.
	err = f.store.SaveCheckpoint(ctx, &workflow.Checkpoint{
		ID:        id.NewCheckpointID(),
		RunID:     runID,
		StepName:  "link-request",
		Status:    workflow.StepSucceeded,
		Attempts:  1,
		CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- f.runner.Resume(context.Background(), runID) }()

	env := awaitEnvelope(t, f, req.ID)
	if env.Nonce != "f00dcafe" {
		t.Fatalf("resume changed the nonce: %q", env.Nonce)
	}

	sig := hex.EncodeToString(ed25519.Sign(priv, []byte(env.Message+"."+env.Nonce)))
	if err := f.service.SubmitSignature(ctx, req.ID, sig); err != nil {
		t.Fatalf("SubmitSignature: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Resume: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("resumed run never finished")
	}

	final, err := f.service.Request(ctx, req.ID)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if final.Status != signing.StatusCompleted {
		t.Fatalf("status = %q, want completed", final.Status)
	}
	if final.Valid == nil || !*final.Valid {
		t.Fatal("signature should verify after resume")
	}

	// Exactly one envelope checkpoint path: the broadcast slot was simply
	// overwritten with the identical payload, never duplicated.
	events := event.NewChannel(f.store, runID)
	b, err := events.Latest(ctx, event.KeyEnvelope)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if b == nil {
		t.Fatal("envelope broadcast missing")
	}
}
