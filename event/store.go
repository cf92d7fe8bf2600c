package event

import (
	"context"
	"time"

	"github.com/getlarge/themoltnet-sub004/id"
)

// Store defines the persistence contract for broadcasts and directed
// messages. All writes are transactional; DequeueMessage's claim is a
// conditional update guarded by the unconsumed predicate so that concurrent
// dequeues on the same topic have exactly one winner.
type Store interface {
	// SetBroadcast upserts the broadcast slot for (RunID, Key),
	// overwriting any previous payload (last-write-wins).
	SetBroadcast(ctx context.Context, b *Broadcast) error

	// GetBroadcast returns the latest broadcast for (runID, key).
	// Returns nil if the slot was never set.
	GetBroadcast(ctx context.Context, runID id.RunID, key Key) (*Broadcast, error)

	// EnqueueMessage appends a directed message for (RunID, Topic).
	EnqueueMessage(ctx context.Context, m *Message) error

	// DequeueMessage claims and returns the oldest unconsumed message for
	// (runID, topic), blocking (store-polling on an interval) until one is
	// available or the timeout expires. Returns nil on timeout.
	DequeueMessage(ctx context.Context, runID id.RunID, topic Topic, timeout time.Duration) (*Message, error)
}
