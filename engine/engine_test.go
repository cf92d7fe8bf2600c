package engine_test

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	moltnet "github.com/getlarge/themoltnet-sub004"
	"github.com/getlarge/themoltnet-sub004/diary"
	"github.com/getlarge/themoltnet-sub004/engine"
	"github.com/getlarge/themoltnet-sub004/id"
	"github.com/getlarge/themoltnet-sub004/signing"
	"github.com/getlarge/themoltnet-sub004/store/memory"
	"github.com/getlarge/themoltnet-sub004/workflow"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRelWriter struct {
	mu      sync.Mutex
	owners  map[id.EntryID]id.AgentID
	viewers map[id.EntryID][]id.AgentID
}

func newFakeRelWriter() *fakeRelWriter {
	return &fakeRelWriter{
		owners:  make(map[id.EntryID]id.AgentID),
		viewers: make(map[id.EntryID][]id.AgentID),
	}
}

func (f *fakeRelWriter) GrantOwnership(_ context.Context, entryID id.EntryID, agentID id.AgentID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owners[entryID] = agentID
	return nil
}

func (f *fakeRelWriter) GrantViewer(_ context.Context, entryID id.EntryID, agentID id.AgentID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.viewers[entryID] = append(f.viewers[entryID], agentID)
	return nil
}

func (f *fakeRelWriter) RemoveRelations(_ context.Context, entryID id.EntryID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.owners, entryID)
	delete(f.viewers, entryID)
	return nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) EmbedPassage(_ context.Context, _ string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeScanner struct{}

func (fakeScanner) Scan(_ context.Context, _, _ string) (diary.ScanResult, error) {
	return diary.ScanResult{Risk: 0.05}, nil
}

type fakeKeyLookup struct {
	mu   sync.Mutex
	keys map[id.AgentID]string
}

func newFakeKeyLookup() *fakeKeyLookup {
	return &fakeKeyLookup{keys: make(map[id.AgentID]string)}
}

func (f *fakeKeyLookup) GetPublicKey(_ context.Context, agentID id.AgentID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keys[agentID], nil
}

func buildTestEngine(t *testing.T, opts ...engine.Option) (*engine.Engine, *fakeRelWriter, *fakeKeyLookup) {
	t.Helper()

	rels := newFakeRelWriter()
	keys := newFakeKeyLookup()
	base := []engine.Option{
		engine.WithLogger(testLogger()),
		engine.WithRelationshipWriter(rels),
		engine.WithEmbeddingService(fakeEmbedder{}),
		engine.WithRiskScanner(fakeScanner{}),
		engine.WithKeyLookup(keys),
		engine.WithoutMetrics(),
	}
	eng, err := engine.Build(memory.New(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return eng, rels, keys
}

func TestBuildRequiresStore(t *testing.T) {
	_, err := engine.Build(nil)
	if !errors.Is(err, moltnet.ErrNoStore) {
		t.Fatalf("expected ErrNoStore, got %v", err)
	}
}

func TestBuildRequiresDependencies(t *testing.T) {
	st := memory.New()

	_, err := engine.Build(st, engine.WithLogger(testLogger()))
	if !errors.Is(err, moltnet.ErrNoRelationshipWriter) {
		t.Fatalf("expected ErrNoRelationshipWriter, got %v", err)
	}

	_, err = engine.Build(st,
		engine.WithLogger(testLogger()),
		engine.WithRelationshipWriter(newFakeRelWriter()),
	)
	if !errors.Is(err, moltnet.ErrNoEmbeddingService) {
		t.Fatalf("expected ErrNoEmbeddingService, got %v", err)
	}

	_, err = engine.Build(st,
		engine.WithLogger(testLogger()),
		engine.WithRelationshipWriter(newFakeRelWriter()),
		engine.WithEmbeddingService(fakeEmbedder{}),
	)
	if !errors.Is(err, moltnet.ErrNoRiskScanner) {
		t.Fatalf("expected ErrNoRiskScanner, got %v", err)
	}

	_, err = engine.Build(st,
		engine.WithLogger(testLogger()),
		engine.WithRelationshipWriter(newFakeRelWriter()),
		engine.WithEmbeddingService(fakeEmbedder{}),
		engine.WithRiskScanner(fakeScanner{}),
	)
	if !errors.Is(err, moltnet.ErrNoKeyLookup) {
		t.Fatalf("expected ErrNoKeyLookup, got %v", err)
	}
}

func TestEngineStartStop(t *testing.T) {
	eng, _, _ := buildTestEngine(t)
	ctx := context.Background()

	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestEngineDiaryCreate(t *testing.T) {
	eng, rels, _ := buildTestEngine(t)
	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop(ctx)

	author := id.NewAgentID()
	run, err := engine.StartWorkflow(ctx, eng, diary.WorkflowCreate, diary.CreateInput{
		AuthorID: author,
		Title:    "first molt",
		Content:  "shed the old shell today",
		Tags:     []string{"molt"},
	})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if run.State != workflow.RunStateCompleted {
		t.Fatalf("run state = %q, want %q", run.State, workflow.RunStateCompleted)
	}

	var result diary.CreateResult
	if err := json.Unmarshal(run.Output, &result); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	entry, err := eng.Store().GetEntry(ctx, result.EntryID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if entry.AuthorID != author {
		t.Errorf("author = %v, want %v", entry.AuthorID, author)
	}
	if entry.Content != "shed the old shell today" {
		t.Errorf("content = %q", entry.Content)
	}
	if len(entry.Embedding) == 0 {
		t.Error("entry missing embedding")
	}

	rels.mu.Lock()
	owner := rels.owners[entry.ID]
	rels.mu.Unlock()
	if owner != author {
		t.Errorf("owner = %v, want %v", owner, author)
	}
}

func TestEngineDiaryCreateAsync(t *testing.T) {
	eng, _, _ := buildTestEngine(t)
	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop(ctx)

	h, err := engine.StartWorkflowAsync(ctx, eng, diary.WorkflowCreate, diary.CreateInput{
		AuthorID: id.NewAgentID(),
		Content:  "async shell notes",
	})
	if err != nil {
		t.Fatalf("StartWorkflowAsync: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := h.Result(waitCtx); err != nil {
		t.Fatalf("Result: %v", err)
	}

	run, err := eng.Store().GetRun(ctx, h.RunID())
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.State != workflow.RunStateCompleted {
		t.Fatalf("run state = %q, want %q", run.State, workflow.RunStateCompleted)
	}
}

func TestEngineSigningRoundTrip(t *testing.T) {
	eng, _, keys := buildTestEngine(t, engine.WithConfig(moltnet.Config{
		SigningTimeout: 5 * time.Second,
	}))
	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop(ctx)

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	requester := id.NewAgentID()
	keys.mu.Lock()
	keys.keys[requester] = hex.EncodeToString(pub)
	keys.mu.Unlock()

	req, err := eng.Signing().RequestSignature(ctx, requester, "prove-you-are-you")
	if err != nil {
		t.Fatalf("RequestSignature: %v", err)
	}
	if req.Status != signing.StatusPending {
		t.Fatalf("status = %q, want pending", req.Status)
	}

	// The envelope appears once the async workflow has published it.
	var env *signing.Envelope
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		env, err = eng.Signing().Envelope(ctx, req.ID)
		if err != nil {
			t.Fatalf("Envelope: %v", err)
		}
		if env != nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if env == nil {
		t.Fatal("envelope never published")
	}

	payload := env.Message + "." + env.Nonce
	sig := hex.EncodeToString(ed25519.Sign(priv, []byte(payload)))
	if err := eng.Signing().SubmitSignature(ctx, req.ID, sig); err != nil {
		t.Fatalf("SubmitSignature: %v", err)
	}

	var final *signing.Request
	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		final, err = eng.Signing().Request(ctx, req.ID)
		if err != nil {
			t.Fatalf("Request: %v", err)
		}
		if final.Status != signing.StatusPending {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if final.Status != signing.StatusCompleted {
		t.Fatalf("status = %q, want completed", final.Status)
	}
	if final.Valid == nil || !*final.Valid {
		t.Fatal("signature should verify")
	}
}

func TestEngineCustomWorkflow(t *testing.T) {
	eng, _, _ := buildTestEngine(t)
	ctx := context.Background()

	type greetInput struct {
		Name string `json:"name"`
	}
	var greeted string
	def := workflow.NewDefinition(workflow.Name("test.greet"),
		func(wf *workflow.Workflow, in greetInput) (any, error) {
			return nil, wf.Step("greet", workflow.NoRetry(), func(ctx context.Context) error {
				greeted = in.Name
				return nil
			})
		})
	engine.RegisterWorkflow(eng, def)

	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop(ctx)

	run, err := engine.StartWorkflow(ctx, eng, "test.greet", greetInput{Name: "molty"})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if run.State != workflow.RunStateCompleted {
		t.Fatalf("run state = %q", run.State)
	}
	if greeted != "molty" {
		t.Fatalf("greeted = %q", greeted)
	}
}
