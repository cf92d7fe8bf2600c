package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	moltnet "github.com/getlarge/themoltnet-sub004"
	"github.com/getlarge/themoltnet-sub004/diary"
	"github.com/getlarge/themoltnet-sub004/id"
)

// Diary entries are stored as JSON values; tags and embeddings don't
// flatten into hash fields.

// CreateEntry persists a new diary entry.
func (s *Store) CreateEntry(ctx context.Context, e *diary.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("moltnet/redis: marshal entry: %w", err)
	}
	if err := s.client.Set(ctx, entryKey(e.ID.String()), data, 0).Err(); err != nil {
		return fmt.Errorf("moltnet/redis: create entry: %w", err)
	}
	return nil
}

// GetEntry retrieves a diary entry by ID.
func (s *Store) GetEntry(ctx context.Context, entryID id.EntryID) (*diary.Entry, error) {
	data, err := s.client.Get(ctx, entryKey(entryID.String())).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, moltnet.ErrEntryNotFound
		}
		return nil, fmt.Errorf("moltnet/redis: get entry: %w", err)
	}

	var e diary.Entry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, fmt.Errorf("moltnet/redis: unmarshal entry: %w", err)
	}
	return &e, nil
}

// UpdateEntry persists changes to an existing diary entry.
func (s *Store) UpdateEntry(ctx context.Context, e *diary.Entry) error {
	key := entryKey(e.ID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("moltnet/redis: update entry exists: %w", err)
	}
	if exists == 0 {
		return moltnet.ErrEntryNotFound
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("moltnet/redis: marshal entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("moltnet/redis: update entry: %w", err)
	}
	return nil
}

// DeleteEntry removes a diary entry. Deleting an absent entry succeeds.
func (s *Store) DeleteEntry(ctx context.Context, entryID id.EntryID) error {
	if err := s.client.Del(ctx, entryKey(entryID.String())).Err(); err != nil {
		return fmt.Errorf("moltnet/redis: delete entry: %w", err)
	}
	return nil
}
