// Package diary implements the saga workflows behind agent diary mutations:
// create, update, delete, and share. Each saga commits its primary effect in
// one local transaction per step; the authorization grant is a separate
// remote call, which is exactly why the sagas carry explicit compensations.
package diary

import (
	"time"

	"github.com/getlarge/themoltnet-sub004/id"
)

// Entry is a diary entry owned by an agent. The embedding is best-effort
// and may be nil; the risk score records the injection-risk scan outcome.
type Entry struct {
	ID        id.EntryID `json:"id"`
	AuthorID  id.AgentID `json:"author_id"`
	Title     string     `json:"title,omitempty"`
	Content   string     `json:"content"`
	Tags      []string   `json:"tags,omitempty"`
	Embedding []float32  `json:"embedding,omitempty"`
	Risk      float64    `json:"risk"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// CreateInput is the input to the entry creation saga.
type CreateInput struct {
	AuthorID id.AgentID `json:"author_id"`
	Title    string     `json:"title,omitempty"`
	Content  string     `json:"content"`
	Tags     []string   `json:"tags,omitempty"`
}

// UpdateInput is the input to the entry update saga. Nil fields are left
// unchanged; only changed fields are re-embedded and re-scanned.
type UpdateInput struct {
	EntryID id.EntryID `json:"entry_id"`
	Title   *string    `json:"title,omitempty"`
	Content *string    `json:"content,omitempty"`
	Tags    []string   `json:"tags,omitempty"`
}

// DeleteInput is the input to the entry deletion saga.
type DeleteInput struct {
	EntryID id.EntryID `json:"entry_id"`
}

// ShareInput is the input to the entry sharing saga.
type ShareInput struct {
	EntryID  id.EntryID `json:"entry_id"`
	ViewerID id.AgentID `json:"viewer_id"`
}

// CreateResult is the output of the creation saga.
type CreateResult struct {
	EntryID id.EntryID `json:"entry_id"`
}
