package moltnet

import "errors"

var (
	// Configuration errors.
	ErrNoStore              = errors.New("moltnet: no store configured")
	ErrStoreClosed          = errors.New("moltnet: store closed")
	ErrNoRelationshipWriter = errors.New("moltnet: no relationship writer configured")
	ErrNoEmbeddingService   = errors.New("moltnet: no embedding service configured")
	ErrNoRiskScanner        = errors.New("moltnet: no risk scanner configured")
	ErrNoKeyLookup          = errors.New("moltnet: no key lookup configured")

	// Not found errors.
	ErrRunNotFound        = errors.New("moltnet: workflow run not found")
	ErrCheckpointNotFound = errors.New("moltnet: checkpoint not found")
	ErrBroadcastNotFound  = errors.New("moltnet: broadcast not found")
	ErrMessageNotFound    = errors.New("moltnet: message not found")
	ErrEntryNotFound      = errors.New("moltnet: diary entry not found")
	ErrRequestNotFound    = errors.New("moltnet: signing request not found")

	// Conflict errors.
	ErrRunAlreadyExists = errors.New("moltnet: workflow run already exists")

	// State errors.
	ErrInvalidState       = errors.New("moltnet: invalid state transition")
	ErrMaxRetriesExceeded = errors.New("moltnet: max retries exceeded")
	ErrCompensationFailed = errors.New("moltnet: saga compensation failed")
)
