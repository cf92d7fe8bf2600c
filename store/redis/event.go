package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/getlarge/themoltnet-sub004/event"
	"github.com/getlarge/themoltnet-sub004/id"
)

// SetBroadcast upserts the broadcast slot for (RunID, Key) — last write wins.
func (s *Store) SetBroadcast(ctx context.Context, b *event.Broadcast) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("moltnet/redis: marshal broadcast: %w", err)
	}
	key := broadcastKey(b.RunID.String(), string(b.Key))
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("moltnet/redis: set broadcast: %w", err)
	}
	return nil
}

// GetBroadcast returns the latest broadcast for (runID, key), or nil if the
// slot was never set.
func (s *Store) GetBroadcast(ctx context.Context, runID id.RunID, key event.Key) (*event.Broadcast, error) {
	data, err := s.client.Get(ctx, broadcastKey(runID.String(), string(key))).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("moltnet/redis: get broadcast: %w", err)
	}

	var b event.Broadcast
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return nil, fmt.Errorf("moltnet/redis: unmarshal broadcast: %w", err)
	}
	return &b, nil
}

// EnqueueMessage appends a directed message to its (run, topic) queue.
func (s *Store) EnqueueMessage(ctx context.Context, msg *event.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("moltnet/redis: marshal message: %w", err)
	}
	key := messageQueueKey(msg.RunID.String(), string(msg.Topic))
	if err := s.client.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("moltnet/redis: enqueue message: %w", err)
	}
	return nil
}

// DequeueMessage claims and returns the oldest unconsumed message for
// (runID, topic), blocking until one is available or the timeout expires.
// Returns nil on timeout. BLPOP pops atomically, so each message reaches
// exactly one receiver even across processes.
func (s *Store) DequeueMessage(ctx context.Context, runID id.RunID, topic event.Topic, timeout time.Duration) (*event.Message, error) {
	key := messageQueueKey(runID.String(), string(topic))

	// BLPOP treats 0 as "block forever"; clamp tiny timeouts up instead.
	if timeout <= 0 {
		timeout = time.Millisecond
	}

	vals, err := s.client.BLPop(ctx, timeout, key).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil // timed out
		}
		return nil, fmt.Errorf("moltnet/redis: dequeue message: %w", err)
	}
	// BLPOP returns [key, value].
	if len(vals) < 2 {
		return nil, fmt.Errorf("moltnet/redis: dequeue message: unexpected reply %v", vals)
	}

	var msg event.Message
	if err := json.Unmarshal([]byte(vals[1]), &msg); err != nil {
		return nil, fmt.Errorf("moltnet/redis: unmarshal message: %w", err)
	}
	now := time.Now().UTC()
	msg.ConsumedAt = &now
	return &msg, nil
}
