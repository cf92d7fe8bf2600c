package signing

import (
	"context"
	"time"

	"github.com/getlarge/themoltnet-sub004/id"
)

// StatusUpdate carries the fields a signing workflow persistence step may
// change on a request. Nil fields are left unchanged.
type StatusUpdate struct {
	Status      Status
	RunID       *id.RunID
	Signature   *string
	Valid       *bool
	CompletedAt *time.Time
}

// Store defines the persistence contract for signing requests. Requests
// live outside the workflow engine's own tables (they are a domain entity),
// but on the same durable backend.
type Store interface {
	// CreateRequest persists a new pending request.
	CreateRequest(ctx context.Context, r *Request) error

	// GetRequest retrieves a request by ID.
	GetRequest(ctx context.Context, requestID id.RequestID) (*Request, error)

	// UpdateStatus applies a status update to a request.
	UpdateStatus(ctx context.Context, requestID id.RequestID, update StatusUpdate) error
}
