package diary

import (
	"context"

	"github.com/getlarge/themoltnet-sub004/id"
)

// RelationshipWriter mutates the external relationship-based authorization
// store. All operations are idempotent and retry-safe: granting an existing
// relation or removing an absent one succeeds.
type RelationshipWriter interface {
	// GrantOwnership records the agent as owner of the entry.
	GrantOwnership(ctx context.Context, entryID id.EntryID, agentID id.AgentID) error
	// GrantViewer records the agent as a viewer of the entry.
	GrantViewer(ctx context.Context, entryID id.EntryID, agentID id.AgentID) error
	// RemoveRelations removes every relation attached to the entry.
	RemoveRelations(ctx context.Context, entryID id.EntryID) error
}

// PermissionChecker answers authorization queries against the relationship
// store. Consulted by callers before mutating shared entries; the sagas
// themselves only write relations.
type PermissionChecker interface {
	// Check reports whether the agent holds the relation on the entry.
	Check(ctx context.Context, entryID id.EntryID, relation string, agentID id.AgentID) (bool, error)
}

// EmbeddingService computes a vector for passage text. Embeddings are
// best-effort: a failure never fails the calling workflow, it just leaves
// the entry without a vector.
type EmbeddingService interface {
	EmbedPassage(ctx context.Context, text string) ([]float32, error)
}

// ScanResult is the outcome of an injection-risk scan.
type ScanResult struct {
	// Risk is the scanner's score in [0, 1].
	Risk float64 `json:"risk"`
}

// RiskScanner scans entry content for prompt-injection risk. Scanning is a
// pure computation: it is never retried, since retrying cannot change the
// outcome.
type RiskScanner interface {
	Scan(ctx context.Context, content, title string) (ScanResult, error)
}
