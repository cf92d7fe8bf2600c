package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	moltnet "github.com/getlarge/themoltnet-sub004"
	"github.com/getlarge/themoltnet-sub004/diary"
	"github.com/getlarge/themoltnet-sub004/event"
	"github.com/getlarge/themoltnet-sub004/id"
	"github.com/getlarge/themoltnet-sub004/signing"
	"github.com/getlarge/themoltnet-sub004/workflow"
)

func newRun(name workflow.Name, state workflow.RunState) *workflow.Run {
	now := time.Now().UTC()
	return &workflow.Run{
		ID:        id.NewRunID(),
		Name:      name,
		State:     state,
		StartedAt: now,
		UpdatedAt: now,
	}
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()

	run := newRun("diary.create", workflow.RunStatePending)
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.CreateRun(ctx, run); !errors.Is(err, moltnet.ErrRunAlreadyExists) {
		t.Fatalf("duplicate CreateRun err = %v, want ErrRunAlreadyExists", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.State != workflow.RunStatePending {
		t.Errorf("state = %q, want pending", got.State)
	}

	run.State = workflow.RunStateCompleted
	run.Output = []byte(`{"ok":true}`)
	if err := s.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}
	got, err = s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun after update: %v", err)
	}
	if got.State != workflow.RunStateCompleted || string(got.Output) != `{"ok":true}` {
		t.Errorf("got state=%q output=%q after update", got.State, got.Output)
	}

	if _, err := s.GetRun(ctx, id.NewRunID()); !errors.Is(err, moltnet.ErrRunNotFound) {
		t.Errorf("GetRun(unknown) err = %v, want ErrRunNotFound", err)
	}
	if err := s.UpdateRun(ctx, newRun("x", workflow.RunStateRunning)); !errors.Is(err, moltnet.ErrRunNotFound) {
		t.Errorf("UpdateRun(unknown) err = %v, want ErrRunNotFound", err)
	}
}

func TestListRunsFilterAndPaging(t *testing.T) {
	ctx := context.Background()
	s := New()

	states := []workflow.RunState{
		workflow.RunStatePending,
		workflow.RunStateRunning,
		workflow.RunStateCompleted,
		workflow.RunStateFailed,
		workflow.RunStatePending,
	}
	for i, state := range states {
		run := newRun("diary.create", state)
		run.StartedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if err := s.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun[%d]: %v", i, err)
		}
	}

	open, err := s.ListRuns(ctx, workflow.ListOpts{
		States: []workflow.RunState{workflow.RunStatePending, workflow.RunStateRunning},
	})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(open) != 3 {
		t.Fatalf("len(open) = %d, want 3", len(open))
	}
	for i := 1; i < len(open); i++ {
		if open[i].StartedAt.Before(open[i-1].StartedAt) {
			t.Errorf("runs not ordered by start time")
		}
	}

	page, err := s.ListRuns(ctx, workflow.ListOpts{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("ListRuns paged: %v", err)
	}
	if len(page) != 2 {
		t.Errorf("len(page) = %d, want 2", len(page))
	}

	empty, err := s.ListRuns(ctx, workflow.ListOpts{Offset: 100})
	if err != nil {
		t.Fatalf("ListRuns offset past end: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("len = %d, want 0", len(empty))
	}
}

func TestCheckpointFirstWriteWins(t *testing.T) {
	ctx := context.Background()
	s := New()
	runID := id.NewRunID()

	got, err := s.GetCheckpoint(ctx, runID, "embed")
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil checkpoint before save, got %+v", got)
	}

	first := &workflow.Checkpoint{
		ID:        id.NewCheckpointID(),
		RunID:     runID,
		StepName:  "embed",
		Status:    workflow.StepSucceeded,
		Attempts:  1,
		Data:      []byte("first"),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.SaveCheckpoint(ctx, first); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	second := &workflow.Checkpoint{
		ID:        id.NewCheckpointID(),
		RunID:     runID,
		StepName:  "embed",
		Status:    workflow.StepFailed,
		Attempts:  3,
		Data:      []byte("second"),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.SaveCheckpoint(ctx, second); err != nil {
		t.Fatalf("SaveCheckpoint second: %v", err)
	}

	got, err = s.GetCheckpoint(ctx, runID, "embed")
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if string(got.Data) != "first" || got.Status != workflow.StepSucceeded {
		t.Errorf("checkpoint was overwritten: %+v", got)
	}
}

func TestListCheckpointsOrdered(t *testing.T) {
	ctx := context.Background()
	s := New()
	runID := id.NewRunID()

	base := time.Now().UTC()
	for i, name := range []string{"scan", "embed", "persist"} {
		ckpt := &workflow.Checkpoint{
			ID:        id.NewCheckpointID(),
			RunID:     runID,
			StepName:  name,
			Status:    workflow.StepSucceeded,
			Attempts:  1,
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := s.SaveCheckpoint(ctx, ckpt); err != nil {
			t.Fatalf("SaveCheckpoint %q: %v", name, err)
		}
	}
	// Different run, must not leak in.
	other := &workflow.Checkpoint{
		ID: id.NewCheckpointID(), RunID: id.NewRunID(),
		StepName: "scan", Status: workflow.StepSucceeded,
		Attempts: 1, CreatedAt: base,
	}
	if err := s.SaveCheckpoint(ctx, other); err != nil {
		t.Fatalf("SaveCheckpoint other: %v", err)
	}

	ckpts, err := s.ListCheckpoints(ctx, runID)
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	if len(ckpts) != 3 {
		t.Fatalf("len = %d, want 3", len(ckpts))
	}
	want := []string{"scan", "embed", "persist"}
	for i, ckpt := range ckpts {
		if ckpt.StepName != want[i] {
			t.Errorf("ckpts[%d] = %q, want %q", i, ckpt.StepName, want[i])
		}
	}
}

func TestBroadcastLastWriteWins(t *testing.T) {
	ctx := context.Background()
	s := New()
	runID := id.NewRunID()

	got, err := s.GetBroadcast(ctx, runID, event.KeyEnvelope)
	if err != nil {
		t.Fatalf("GetBroadcast: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for unset broadcast, got %+v", got)
	}

	for _, payload := range []string{"v1", "v2", "v3"} {
		b := &event.Broadcast{
			RunID:     runID,
			Key:       event.KeyEnvelope,
			Payload:   []byte(payload),
			UpdatedAt: time.Now().UTC(),
		}
		if err := s.SetBroadcast(ctx, b); err != nil {
			t.Fatalf("SetBroadcast %q: %v", payload, err)
		}
	}

	got, err = s.GetBroadcast(ctx, runID, event.KeyEnvelope)
	if err != nil {
		t.Fatalf("GetBroadcast: %v", err)
	}
	if string(got.Payload) != "v3" {
		t.Errorf("payload = %q, want v3", got.Payload)
	}
}

func TestDequeueMessageFIFO(t *testing.T) {
	ctx := context.Background()
	s := New()
	runID := id.NewRunID()

	for _, payload := range []string{"a", "b"} {
		msg := &event.Message{
			ID:         id.NewMessageID(),
			RunID:      runID,
			Topic:      event.TopicSignature,
			Payload:    []byte(payload),
			EnqueuedAt: time.Now().UTC(),
		}
		if err := s.EnqueueMessage(ctx, msg); err != nil {
			t.Fatalf("EnqueueMessage %q: %v", payload, err)
		}
	}

	for _, want := range []string{"a", "b"} {
		msg, err := s.DequeueMessage(ctx, runID, event.TopicSignature, time.Second)
		if err != nil {
			t.Fatalf("DequeueMessage: %v", err)
		}
		if msg == nil || string(msg.Payload) != want {
			t.Fatalf("got %v, want payload %q", msg, want)
		}
		if msg.ConsumedAt == nil {
			t.Errorf("ConsumedAt not set on claimed message")
		}
	}

	msg, err := s.DequeueMessage(ctx, runID, event.TopicSignature, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("DequeueMessage on empty queue: %v", err)
	}
	if msg != nil {
		t.Errorf("expected nil on timeout, got %+v", msg)
	}
}

func TestDequeueMessageBlocksUntilEnqueue(t *testing.T) {
	ctx := context.Background()
	s := New()
	runID := id.NewRunID()

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = s.EnqueueMessage(ctx, &event.Message{
			ID:         id.NewMessageID(),
			RunID:      runID,
			Topic:      event.TopicSignature,
			Payload:    []byte("late"),
			EnqueuedAt: time.Now().UTC(),
		})
	}()

	msg, err := s.DequeueMessage(ctx, runID, event.TopicSignature, time.Second)
	if err != nil {
		t.Fatalf("DequeueMessage: %v", err)
	}
	if msg == nil || string(msg.Payload) != "late" {
		t.Fatalf("got %v, want payload %q", msg, "late")
	}
}

func TestDequeueMessageSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := New()
	runID := id.NewRunID()

	if err := s.EnqueueMessage(ctx, &event.Message{
		ID:         id.NewMessageID(),
		RunID:      runID,
		Topic:      event.TopicSignature,
		Payload:    []byte("only"),
		EnqueuedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("EnqueueMessage: %v", err)
	}

	const receivers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < receivers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, err := s.DequeueMessage(ctx, runID, event.TopicSignature, 100*time.Millisecond)
			if err != nil {
				t.Errorf("DequeueMessage: %v", err)
				return
			}
			if msg != nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}
}

func TestDequeueMessageContextCancel(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := s.DequeueMessage(ctx, id.NewRunID(), event.TopicSignature, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestEntryCRUD(t *testing.T) {
	ctx := context.Background()
	s := New()

	entry := &diary.Entry{
		ID:        id.NewEntryID(),
		AuthorID:  id.NewAgentID(),
		Title:     "first contact",
		Content:   "met another agent on the relay",
		Tags:      []string{"contact"},
		Embedding: []float32{0.1, 0.2},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.CreateEntry(ctx, entry); err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}

	got, err := s.GetEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got.Title != entry.Title || len(got.Embedding) != 2 {
		t.Errorf("got %+v", got)
	}

	got.Content = "revised"
	if err := s.UpdateEntry(ctx, got); err != nil {
		t.Fatalf("UpdateEntry: %v", err)
	}
	got, err = s.GetEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetEntry after update: %v", err)
	}
	if got.Content != "revised" {
		t.Errorf("content = %q, want revised", got.Content)
	}

	if err := s.DeleteEntry(ctx, entry.ID); err != nil {
		t.Fatalf("DeleteEntry: %v", err)
	}
	if _, err := s.GetEntry(ctx, entry.ID); !errors.Is(err, moltnet.ErrEntryNotFound) {
		t.Errorf("GetEntry(deleted) err = %v, want ErrEntryNotFound", err)
	}
	// Deleting an absent entry is not an error.
	if err := s.DeleteEntry(ctx, entry.ID); err != nil {
		t.Errorf("DeleteEntry(absent): %v", err)
	}
}

func TestSigningRequestStatusUpdate(t *testing.T) {
	ctx := context.Background()
	s := New()

	req := &signing.Request{
		ID:          id.NewRequestID(),
		RequesterID: id.NewAgentID(),
		Message:     "prove key ownership",
		Nonce:       "abc123",
		Status:      signing.StatusPending,
		ExpiresAt:   time.Now().UTC().Add(time.Minute),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.CreateRequest(ctx, req); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	runID := id.NewRunID()
	if err := s.UpdateStatus(ctx, req.ID, signing.StatusUpdate{
		Status: signing.StatusPending,
		RunID:  &runID,
	}); err != nil {
		t.Fatalf("UpdateStatus link run: %v", err)
	}

	sig := "deadbeef"
	valid := true
	now := time.Now().UTC()
	if err := s.UpdateStatus(ctx, req.ID, signing.StatusUpdate{
		Status:      signing.StatusCompleted,
		Signature:   &sig,
		Valid:       &valid,
		CompletedAt: &now,
	}); err != nil {
		t.Fatalf("UpdateStatus complete: %v", err)
	}

	got, err := s.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if got.RunID != runID {
		t.Errorf("run link lost: %v", got.RunID)
	}
	if got.Status != signing.StatusCompleted || got.Signature != sig {
		t.Errorf("got status=%q sig=%q", got.Status, got.Signature)
	}
	if got.Valid == nil || !*got.Valid {
		t.Errorf("Valid = %v, want true", got.Valid)
	}
	if got.CompletedAt == nil {
		t.Errorf("CompletedAt not set")
	}

	if err := s.UpdateStatus(ctx, id.NewRequestID(), signing.StatusUpdate{Status: signing.StatusExpired}); !errors.Is(err, moltnet.ErrRequestNotFound) {
		t.Errorf("UpdateStatus(unknown) err = %v, want ErrRequestNotFound", err)
	}
}

func TestStoreDoesNotShareMemory(t *testing.T) {
	ctx := context.Background()
	s := New()

	run := newRun("diary.create", workflow.RunStatePending)
	run.Input = []byte("input")
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	// Mutating the caller's copy must not change what the store holds.
	run.State = workflow.RunStateFailed
	run.Input[0] = 'X'

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.State != workflow.RunStatePending || string(got.Input) != "input" {
		t.Errorf("store shares memory with caller: %+v", got)
	}
}
