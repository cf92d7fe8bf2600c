package postgres

import (
	"context"
	"fmt"
	"time"

	moltnet "github.com/getlarge/themoltnet-sub004"
	"github.com/getlarge/themoltnet-sub004/diary"
	"github.com/getlarge/themoltnet-sub004/id"
)

// CreateEntry persists a new diary entry.
func (s *Store) CreateEntry(ctx context.Context, e *diary.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO moltnet_diary_entries (
			id, author_id, title, content, tags, embedding, risk,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID.String(), e.AuthorID.String(), e.Title, e.Content,
		e.Tags, e.Embedding, e.Risk, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("moltnet/postgres: create entry: %w", err)
	}
	return nil
}

// GetEntry retrieves a diary entry by ID.
func (s *Store) GetEntry(ctx context.Context, entryID id.EntryID) (*diary.Entry, error) {
	var (
		e                entryRow
		idStr, authorStr string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, author_id, title, content, tags, embedding, risk,
		       created_at, updated_at
		FROM moltnet_diary_entries
		WHERE id = $1`,
		entryID.String(),
	).Scan(
		&idStr, &authorStr, &e.Title, &e.Content, &e.Tags,
		&e.Embedding, &e.Risk, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, moltnet.ErrEntryNotFound
		}
		return nil, fmt.Errorf("moltnet/postgres: get entry: %w", err)
	}

	parsedID, parseErr := id.ParseEntryID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("moltnet/postgres: parse entry id %q: %w", idStr, parseErr)
	}
	parsedAuthor, parseErr := id.ParseAgentID(authorStr)
	if parseErr != nil {
		return nil, fmt.Errorf("moltnet/postgres: parse agent id %q: %w", authorStr, parseErr)
	}

	return &diary.Entry{
		ID:        parsedID,
		AuthorID:  parsedAuthor,
		Title:     e.Title,
		Content:   e.Content,
		Tags:      e.Tags,
		Embedding: e.Embedding,
		Risk:      e.Risk,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}, nil
}

// UpdateEntry persists changes to an existing diary entry.
func (s *Store) UpdateEntry(ctx context.Context, e *diary.Entry) error {
	e.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE moltnet_diary_entries
		SET title = $2, content = $3, tags = $4, embedding = $5,
		    risk = $6, updated_at = $7
		WHERE id = $1`,
		e.ID.String(), e.Title, e.Content, e.Tags, e.Embedding,
		e.Risk, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("moltnet/postgres: update entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return moltnet.ErrEntryNotFound
	}
	return nil
}

// DeleteEntry removes a diary entry. Deleting an absent entry succeeds.
func (s *Store) DeleteEntry(ctx context.Context, entryID id.EntryID) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM moltnet_diary_entries WHERE id = $1`,
		entryID.String(),
	)
	if err != nil {
		return fmt.Errorf("moltnet/postgres: delete entry: %w", err)
	}
	return nil
}

// entryRow holds the scannable columns of a diary entry row.
type entryRow struct {
	Title     string
	Content   string
	Tags      []string
	Embedding []float32
	Risk      float64
	CreatedAt time.Time
	UpdatedAt time.Time
}
