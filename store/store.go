// Package store defines the composite persistence interface for MoltNet.
// Each subsystem (workflow, event, diary, signing) declares its own store
// contract; a single backend implements all of them.
package store

import (
	"context"

	"github.com/getlarge/themoltnet-sub004/diary"
	"github.com/getlarge/themoltnet-sub004/event"
	"github.com/getlarge/themoltnet-sub004/signing"
	"github.com/getlarge/themoltnet-sub004/workflow"
)

// Store is the composite persistence interface. Implementations must make
// every write transactional and the directed-message claim atomic.
type Store interface {
	workflow.Store
	event.Store
	diary.EntryStore
	signing.Store

	// Migrate brings the backend schema up to date.
	Migrate(ctx context.Context) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
