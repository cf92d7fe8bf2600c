package diary

import (
	"context"

	"github.com/getlarge/themoltnet-sub004/id"
)

// EntryStore defines the persistence contract for diary entries. Each write
// commits in its own local transaction; cross-store consistency with the
// relationship store is the sagas' job, not the store's.
type EntryStore interface {
	// CreateEntry persists a new entry.
	CreateEntry(ctx context.Context, e *Entry) error

	// GetEntry retrieves an entry by ID.
	GetEntry(ctx context.Context, entryID id.EntryID) (*Entry, error)

	// UpdateEntry persists changes to an existing entry.
	UpdateEntry(ctx context.Context, e *Entry) error

	// DeleteEntry removes an entry. Deleting an absent entry succeeds, so
	// compensations and step retries stay idempotent.
	DeleteEntry(ctx context.Context, entryID id.EntryID) error
}
