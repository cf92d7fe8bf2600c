package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	moltnet "github.com/getlarge/themoltnet-sub004"
	"github.com/getlarge/themoltnet-sub004/id"
	"github.com/getlarge/themoltnet-sub004/signing"
)

// CreateRequest persists a new signing request.
func (s *Store) CreateRequest(ctx context.Context, r *signing.Request) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("moltnet/redis: marshal signing request: %w", err)
	}
	if err := s.client.Set(ctx, requestKey(r.ID.String()), data, 0).Err(); err != nil {
		return fmt.Errorf("moltnet/redis: create signing request: %w", err)
	}
	return nil
}

// GetRequest retrieves a signing request by ID.
func (s *Store) GetRequest(ctx context.Context, requestID id.RequestID) (*signing.Request, error) {
	data, err := s.client.Get(ctx, requestKey(requestID.String())).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, moltnet.ErrRequestNotFound
		}
		return nil, fmt.Errorf("moltnet/redis: get signing request: %w", err)
	}

	var r signing.Request
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("moltnet/redis: unmarshal signing request: %w", err)
	}
	return &r, nil
}

// UpdateStatus applies a status update to a signing request. Only the
// fields set on the update are changed. The signing workflow is the sole
// writer of a request after creation, so a read-modify-write is safe here.
func (s *Store) UpdateStatus(ctx context.Context, requestID id.RequestID, update signing.StatusUpdate) error {
	r, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}

	r.Status = update.Status
	if update.RunID != nil {
		r.RunID = *update.RunID
	}
	if update.Signature != nil {
		r.Signature = *update.Signature
	}
	if update.Valid != nil {
		r.Valid = update.Valid
	}
	if update.CompletedAt != nil {
		r.CompletedAt = update.CompletedAt
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("moltnet/redis: marshal signing request: %w", err)
	}
	if err := s.client.Set(ctx, requestKey(requestID.String()), data, 0).Err(); err != nil {
		return fmt.Errorf("moltnet/redis: update signing request: %w", err)
	}
	return nil
}
