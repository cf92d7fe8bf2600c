// Package signing implements the asynchronous challenge-response signing
// protocol: a workflow publishes a signing envelope, suspends awaiting an
// external signer (possibly for minutes, surviving crashes mid-wait), and
// verifies the submitted signature against the requester's registered key.
package signing

import (
	"time"

	"github.com/getlarge/themoltnet-sub004/id"
)

// Status is the lifecycle state of a signing request. A request is terminal
// once its status leaves pending: always completed (valid true or false)
// or expired, never silently unresolved.
type Status string

const (
	// StatusPending means the request awaits an external signature.
	StatusPending Status = "pending"
	// StatusCompleted means a signature was submitted and verified
	// (the Valid field carries the outcome).
	StatusCompleted Status = "completed"
	// StatusExpired means no signature arrived before the timeout.
	StatusExpired Status = "expired"
)

// Request is a signing request. Created when signing starts; mutated only
// by the signing workflow's persistence steps.
type Request struct {
	ID          id.RequestID `json:"id"`
	RequesterID id.AgentID   `json:"requester_id"`
	// RunID links the request to its workflow run, letting any process
	// route a submitted signature back to the suspended workflow.
	RunID     id.RunID `json:"run_id"`
	Message   string   `json:"message"`
	Nonce     string   `json:"nonce"`
	Status    Status   `json:"status"`
	Signature string   `json:"signature,omitempty"`
	// Valid is nil until verification runs (and stays nil on expiry).
	Valid       *bool      `json:"valid,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SigningPayload returns the exact byte string the signer must sign:
// message + "." + nonce. Binding the nonce into the signed payload ties the
// signature to this request, preventing replay against a different request.
func (r *Request) SigningPayload() string {
	return r.Message + "." + r.Nonce
}
