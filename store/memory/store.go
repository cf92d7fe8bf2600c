// Package memory is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	moltnet "github.com/getlarge/themoltnet-sub004"
	"github.com/getlarge/themoltnet-sub004/diary"
	"github.com/getlarge/themoltnet-sub004/event"
	"github.com/getlarge/themoltnet-sub004/id"
	"github.com/getlarge/themoltnet-sub004/signing"
	"github.com/getlarge/themoltnet-sub004/workflow"
)

// dequeuePollInterval is how often DequeueMessage re-checks for a pending
// message while blocked.
const dequeuePollInterval = 10 * time.Millisecond

// Ensure Store implements every subsystem interface at compile time.
// We can't import store here (import cycle with the compile-time check
// pattern is avoided by checking each subsystem).
var (
	_ workflow.Store   = (*Store)(nil)
	_ event.Store      = (*Store)(nil)
	_ diary.EntryStore = (*Store)(nil)
	_ signing.Store    = (*Store)(nil)
)

// Store is an in-memory implementation of the composite store.
type Store struct {
	mu sync.RWMutex

	runs        map[string]*workflow.Run
	checkpoints map[string]*workflow.Checkpoint // key: "runID:stepName"
	broadcasts  map[string]*event.Broadcast     // key: "runID:key"
	messages    []*event.Message                // append-only, FIFO per (run, topic)
	entries     map[string]*diary.Entry
	requests    map[string]*signing.Request
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		runs:        make(map[string]*workflow.Run),
		checkpoints: make(map[string]*workflow.Checkpoint),
		broadcasts:  make(map[string]*event.Broadcast),
		entries:     make(map[string]*diary.Entry),
		requests:    make(map[string]*signing.Request),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Workflow Store
// ──────────────────────────────────────────────────

// CreateRun persists a new workflow run.
func (m *Store) CreateRun(_ context.Context, run *workflow.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := run.ID.String()
	if _, exists := m.runs[key]; exists {
		return moltnet.ErrRunAlreadyExists
	}
	m.runs[key] = cloneRun(run)
	return nil
}

// GetRun retrieves a workflow run by ID.
func (m *Store) GetRun(_ context.Context, runID id.RunID) (*workflow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[runID.String()]
	if !ok {
		return nil, moltnet.ErrRunNotFound
	}
	return cloneRun(run), nil
}

// UpdateRun persists changes to an existing workflow run.
func (m *Store) UpdateRun(_ context.Context, run *workflow.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := run.ID.String()
	if _, ok := m.runs[key]; !ok {
		return moltnet.ErrRunNotFound
	}
	m.runs[key] = cloneRun(run)
	return nil
}

// ListRuns returns workflow runs matching the given options, ordered by
// start time.
func (m *Store) ListRuns(_ context.Context, opts workflow.ListOpts) ([]*workflow.Run, error) {
	m.mu.RLock()
	var runs []*workflow.Run
	for _, run := range m.runs {
		if len(opts.States) > 0 && !stateMatches(run.State, opts.States) {
			continue
		}
		runs = append(runs, cloneRun(run))
	}
	m.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID.String() < runs[j].ID.String()
		}
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(runs) {
			return nil, nil
		}
		runs = runs[opts.Offset:]
	}
	if opts.Limit > 0 && len(runs) > opts.Limit {
		runs = runs[:opts.Limit]
	}
	return runs, nil
}

func stateMatches(state workflow.RunState, states []workflow.RunState) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

// SaveCheckpoint persists a step checkpoint. The first write wins:
// checkpoints are immutable.
func (m *Store) SaveCheckpoint(_ context.Context, ckpt *workflow.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ckpt.RunID.String() + ":" + ckpt.StepName
	if _, exists := m.checkpoints[key]; exists {
		return nil
	}
	m.checkpoints[key] = cloneCheckpoint(ckpt)
	return nil
}

// GetCheckpoint retrieves the checkpoint for a specific workflow step.
// Returns nil if no checkpoint exists.
func (m *Store) GetCheckpoint(_ context.Context, runID id.RunID, stepName string) (*workflow.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ckpt, ok := m.checkpoints[runID.String()+":"+stepName]
	if !ok {
		return nil, nil
	}
	return cloneCheckpoint(ckpt), nil
}

// ListCheckpoints returns all checkpoints for a workflow run in creation
// order.
func (m *Store) ListCheckpoints(_ context.Context, runID id.RunID) ([]*workflow.Checkpoint, error) {
	m.mu.RLock()
	var ckpts []*workflow.Checkpoint
	for _, ckpt := range m.checkpoints {
		if ckpt.RunID == runID {
			ckpts = append(ckpts, cloneCheckpoint(ckpt))
		}
	}
	m.mu.RUnlock()

	sort.Slice(ckpts, func(i, j int) bool {
		if ckpts[i].CreatedAt.Equal(ckpts[j].CreatedAt) {
			return ckpts[i].ID.String() < ckpts[j].ID.String()
		}
		return ckpts[i].CreatedAt.Before(ckpts[j].CreatedAt)
	})
	return ckpts, nil
}

// ──────────────────────────────────────────────────
// Event Store
// ──────────────────────────────────────────────────

// SetBroadcast upserts the broadcast slot for (RunID, Key) — last write wins.
func (m *Store) SetBroadcast(_ context.Context, b *event.Broadcast) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.broadcasts[b.RunID.String()+":"+string(b.Key)] = cloneBroadcast(b)
	return nil
}

// GetBroadcast returns the latest broadcast for (runID, key), or nil if the
// slot was never set.
func (m *Store) GetBroadcast(_ context.Context, runID id.RunID, key event.Key) (*event.Broadcast, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.broadcasts[runID.String()+":"+string(key)]
	if !ok {
		return nil, nil
	}
	return cloneBroadcast(b), nil
}

// EnqueueMessage appends a directed message.
func (m *Store) EnqueueMessage(_ context.Context, msg *event.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages = append(m.messages, cloneMessage(msg))
	return nil
}

// DequeueMessage claims and returns the oldest unconsumed message for
// (runID, topic), blocking until one is available or the timeout expires.
// Returns nil on timeout. The claim runs under the write lock, so exactly
// one concurrent caller wins each message.
func (m *Store) DequeueMessage(ctx context.Context, runID id.RunID, topic event.Topic, timeout time.Duration) (*event.Message, error) {
	deadline := time.Now().Add(timeout)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if msg := m.claimMessage(runID, topic); msg != nil {
			return msg, nil
		}

		if time.Now().After(deadline) {
			return nil, nil
		}

		// Brief sleep to avoid busy-waiting.
		time.Sleep(dequeuePollInterval)
	}
}

// claimMessage atomically marks the oldest unconsumed matching message as
// consumed and returns it, or nil if none is pending.
func (m *Store) claimMessage(runID id.RunID, topic event.Topic) *event.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range m.messages {
		if msg.RunID == runID && msg.Topic == topic && msg.ConsumedAt == nil {
			now := time.Now().UTC()
			msg.ConsumedAt = &now
			return cloneMessage(msg)
		}
	}
	return nil
}

// ──────────────────────────────────────────────────
// Diary Entry Store
// ──────────────────────────────────────────────────

// CreateEntry persists a new diary entry.
func (m *Store) CreateEntry(_ context.Context, e *diary.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[e.ID.String()] = cloneEntry(e)
	return nil
}

// GetEntry retrieves a diary entry by ID.
func (m *Store) GetEntry(_ context.Context, entryID id.EntryID) (*diary.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[entryID.String()]
	if !ok {
		return nil, moltnet.ErrEntryNotFound
	}
	return cloneEntry(e), nil
}

// UpdateEntry persists changes to an existing diary entry.
func (m *Store) UpdateEntry(_ context.Context, e *diary.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := e.ID.String()
	if _, ok := m.entries[key]; !ok {
		return moltnet.ErrEntryNotFound
	}
	m.entries[key] = cloneEntry(e)
	return nil
}

// DeleteEntry removes a diary entry. Deleting an absent entry succeeds.
func (m *Store) DeleteEntry(_ context.Context, entryID id.EntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, entryID.String())
	return nil
}

// ──────────────────────────────────────────────────
// Signing Request Store
// ──────────────────────────────────────────────────

// CreateRequest persists a new signing request.
func (m *Store) CreateRequest(_ context.Context, r *signing.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests[r.ID.String()] = cloneRequest(r)
	return nil
}

// GetRequest retrieves a signing request by ID.
func (m *Store) GetRequest(_ context.Context, requestID id.RequestID) (*signing.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.requests[requestID.String()]
	if !ok {
		return nil, moltnet.ErrRequestNotFound
	}
	return cloneRequest(r), nil
}

// UpdateStatus applies a status update to a signing request.
func (m *Store) UpdateStatus(_ context.Context, requestID id.RequestID, update signing.StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[requestID.String()]
	if !ok {
		return moltnet.ErrRequestNotFound
	}
	r.Status = update.Status
	if update.RunID != nil {
		r.RunID = *update.RunID
	}
	if update.Signature != nil {
		r.Signature = *update.Signature
	}
	if update.Valid != nil {
		v := *update.Valid
		r.Valid = &v
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		r.CompletedAt = &t
	}
	return nil
}

// ──────────────────────────────────────────────────
// Clone helpers — the store never shares pointers with callers.
// ──────────────────────────────────────────────────

func cloneRun(run *workflow.Run) *workflow.Run {
	c := *run
	c.Input = append([]byte(nil), run.Input...)
	c.Output = append([]byte(nil), run.Output...)
	if run.CompletedAt != nil {
		t := *run.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func cloneCheckpoint(ckpt *workflow.Checkpoint) *workflow.Checkpoint {
	c := *ckpt
	c.Data = append([]byte(nil), ckpt.Data...)
	return &c
}

func cloneBroadcast(b *event.Broadcast) *event.Broadcast {
	c := *b
	c.Payload = append([]byte(nil), b.Payload...)
	return &c
}

func cloneMessage(msg *event.Message) *event.Message {
	c := *msg
	c.Payload = append([]byte(nil), msg.Payload...)
	if msg.ConsumedAt != nil {
		t := *msg.ConsumedAt
		c.ConsumedAt = &t
	}
	return &c
}

func cloneEntry(e *diary.Entry) *diary.Entry {
	c := *e
	c.Tags = append([]string(nil), e.Tags...)
	c.Embedding = append([]float32(nil), e.Embedding...)
	return &c
}

func cloneRequest(r *signing.Request) *signing.Request {
	c := *r
	if r.Valid != nil {
		v := *r.Valid
		c.Valid = &v
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
