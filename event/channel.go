package event

import (
	"context"
	"time"

	"github.com/getlarge/themoltnet-sub004/id"
)

// Channel provides high-level broadcast and directed-message operations
// scoped to a single workflow run. Workflows use the Channel through their
// durable context; external code (the routing layer) uses it to read
// envelopes and hand submitted signatures back to a suspended workflow.
type Channel struct {
	store Store
	runID id.RunID
}

// NewChannel creates a channel over the given store, scoped to runID.
func NewChannel(store Store, runID id.RunID) *Channel {
	return &Channel{store: store, runID: runID}
}

// RunID returns the workflow run this channel is scoped to.
func (c *Channel) RunID() id.RunID { return c.runID }

// Publish sets the broadcast slot for key, overwriting any previous payload.
// Publishing is idempotent: re-publishing the same payload during replay is
// a no-op as far as readers can observe.
func (c *Channel) Publish(ctx context.Context, key Key, payload []byte) error {
	return c.store.SetBroadcast(ctx, &Broadcast{
		RunID:     c.runID,
		Key:       key,
		Payload:   payload,
		UpdatedAt: time.Now().UTC(),
	})
}

// Latest returns the most recent broadcast for key, or nil if the slot was
// never set.
func (c *Channel) Latest(ctx context.Context, key Key) (*Broadcast, error) {
	return c.store.GetBroadcast(ctx, c.runID, key)
}

// Send enqueues a directed message on topic for this run.
func (c *Channel) Send(ctx context.Context, topic Topic, payload []byte) (*Message, error) {
	m := &Message{
		ID:         id.NewMessageID(),
		RunID:      c.runID,
		Topic:      topic,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := c.store.EnqueueMessage(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Receive claims the oldest unconsumed message on topic, blocking until one
// arrives or the timeout expires. Returns nil on timeout. The claim is
// atomic: a message is delivered to at most one Receive call across all
// processes.
func (c *Channel) Receive(ctx context.Context, topic Topic, timeout time.Duration) (*Message, error) {
	return c.store.DequeueMessage(ctx, c.runID, topic, timeout)
}
