// Package event provides the two cross-process signalling primitives used
// by workflows: last-write-wins broadcasts and single-consumer directed
// messages. Both live on the durable store, so a handoff survives process
// restarts on either side.
package event

import (
	"time"

	"github.com/getlarge/themoltnet-sub004/id"
)

// Key names a broadcast slot on a workflow run. Keys are a closed set so
// that an invalid slot name is a compile error, not a runtime surprise.
type Key string

const (
	// KeyEnvelope carries the signing payload handed to the external signer.
	KeyEnvelope Key = "envelope"
	// KeyResult carries the terminal outcome of a signing workflow.
	KeyResult Key = "result"
)

// Topic names a directed message queue on a workflow run. Like Key, topics
// are a closed set.
type Topic string

const (
	// TopicSignature carries signatures submitted by an external signer.
	TopicSignature Topic = "signature"
)

// Broadcast is a last-write-wins, many-reader signal scoped to a workflow
// run. Set overwrites; Get returns the latest payload or none. Broadcasts
// are never consumed.
type Broadcast struct {
	RunID     id.RunID  `json:"run_id"`
	Key       Key       `json:"key"`
	Payload   []byte    `json:"payload,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is a single-consumer, FIFO, directed signal scoped to a workflow
// run. Send appends; Receive atomically claims the oldest unconsumed message
// for its (run, topic). A message is delivered to at most one receiver.
type Message struct {
	ID         id.MessageID `json:"id"`
	RunID      id.RunID     `json:"run_id"`
	Topic      Topic        `json:"topic"`
	Payload    []byte       `json:"payload,omitempty"`
	ConsumedAt *time.Time   `json:"consumed_at,omitempty"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
}
