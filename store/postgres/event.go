package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/getlarge/themoltnet-sub004/event"
	"github.com/getlarge/themoltnet-sub004/id"
)

// dequeuePollInterval is how often a blocked DequeueMessage re-checks for
// a pending message.
const dequeuePollInterval = 50 * time.Millisecond

// SetBroadcast upserts the broadcast slot for (RunID, Key) — last write wins.
func (s *Store) SetBroadcast(ctx context.Context, b *event.Broadcast) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO moltnet_broadcasts (run_id, key, payload, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id, key) DO UPDATE
		SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		b.RunID.String(), string(b.Key), b.Payload, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("moltnet/postgres: set broadcast: %w", err)
	}
	return nil
}

// GetBroadcast returns the latest broadcast for (runID, key), or nil if the
// slot was never set.
func (s *Store) GetBroadcast(ctx context.Context, runID id.RunID, key event.Key) (*event.Broadcast, error) {
	b := &event.Broadcast{RunID: runID, Key: key}
	err := s.pool.QueryRow(ctx, `
		SELECT payload, updated_at
		FROM moltnet_broadcasts
		WHERE run_id = $1 AND key = $2`,
		runID.String(), string(key),
	).Scan(&b.Payload, &b.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("moltnet/postgres: get broadcast: %w", err)
	}
	return b, nil
}

// EnqueueMessage appends a directed message.
func (s *Store) EnqueueMessage(ctx context.Context, msg *event.Message) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO moltnet_messages (
			id, run_id, topic, payload, consumed_at, enqueued_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID.String(), msg.RunID.String(), string(msg.Topic),
		msg.Payload, msg.ConsumedAt, msg.EnqueuedAt,
	)
	if err != nil {
		return fmt.Errorf("moltnet/postgres: enqueue message: %w", err)
	}
	return nil
}

// DequeueMessage claims and returns the oldest unconsumed message for
// (runID, topic), blocking until one is available or the timeout expires.
// Returns nil on timeout. The claim uses FOR UPDATE SKIP LOCKED so each
// message is delivered to exactly one receiver even across processes.
func (s *Store) DequeueMessage(ctx context.Context, runID id.RunID, topic event.Topic, timeout time.Duration) (*event.Message, error) {
	deadline := time.Now().Add(timeout)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		row := s.pool.QueryRow(ctx, `
			UPDATE moltnet_messages
			SET consumed_at = NOW()
			WHERE id = (
				SELECT id FROM moltnet_messages
				WHERE run_id = $1 AND topic = $2 AND consumed_at IS NULL
				ORDER BY enqueued_at ASC, id ASC
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, run_id, topic, payload, consumed_at, enqueued_at`,
			runID.String(), string(topic),
		)

		msg, err := scanMessage(row)
		if err != nil {
			if isNoRows(err) {
				if time.Now().After(deadline) {
					return nil, nil
				}
				sleepCtx(ctx, dequeuePollInterval)
				continue
			}
			return nil, fmt.Errorf("moltnet/postgres: dequeue message: %w", err)
		}
		return msg, nil
	}
}

// scanMessage scans a single message row.
func scanMessage(row pgx.Row) (*event.Message, error) {
	var (
		msg           event.Message
		idStr, runStr string
		topic         string
	)
	err := row.Scan(
		&idStr, &runStr, &topic, &msg.Payload,
		&msg.ConsumedAt, &msg.EnqueuedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseMessageID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("moltnet/postgres: parse message id %q: %w", idStr, parseErr)
	}
	parsedRun, parseErr := id.ParseRunID(runStr)
	if parseErr != nil {
		return nil, fmt.Errorf("moltnet/postgres: parse run id %q: %w", runStr, parseErr)
	}
	msg.ID = parsedID
	msg.RunID = parsedRun
	msg.Topic = event.Topic(topic)

	return &msg, nil
}
