package postgres

import (
	"context"
	"fmt"

	moltnet "github.com/getlarge/themoltnet-sub004"
	"github.com/getlarge/themoltnet-sub004/id"
	"github.com/getlarge/themoltnet-sub004/signing"
)

// CreateRequest persists a new signing request.
func (s *Store) CreateRequest(ctx context.Context, r *signing.Request) error {
	var runID *string
	if !r.RunID.IsNil() {
		v := r.RunID.String()
		runID = &v
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO moltnet_signing_requests (
			id, requester_id, run_id, message, nonce, status,
			signature, valid, expires_at, created_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID.String(), r.RequesterID.String(), runID,
		r.Message, r.Nonce, string(r.Status), r.Signature, r.Valid,
		r.ExpiresAt, r.CreatedAt, r.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("moltnet/postgres: create signing request: %w", err)
	}
	return nil
}

// GetRequest retrieves a signing request by ID.
func (s *Store) GetRequest(ctx context.Context, requestID id.RequestID) (*signing.Request, error) {
	var (
		r                    signing.Request
		idStr, requesterStr  string
		runStr               *string
		status               string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, requester_id, run_id, message, nonce, status,
		       signature, valid, expires_at, created_at, completed_at
		FROM moltnet_signing_requests
		WHERE id = $1`,
		requestID.String(),
	).Scan(
		&idStr, &requesterStr, &runStr, &r.Message, &r.Nonce, &status,
		&r.Signature, &r.Valid, &r.ExpiresAt, &r.CreatedAt, &r.CompletedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, moltnet.ErrRequestNotFound
		}
		return nil, fmt.Errorf("moltnet/postgres: get signing request: %w", err)
	}

	parsedID, parseErr := id.ParseRequestID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("moltnet/postgres: parse request id %q: %w", idStr, parseErr)
	}
	parsedRequester, parseErr := id.ParseAgentID(requesterStr)
	if parseErr != nil {
		return nil, fmt.Errorf("moltnet/postgres: parse agent id %q: %w", requesterStr, parseErr)
	}
	r.ID = parsedID
	r.RequesterID = parsedRequester
	r.Status = signing.Status(status)

	if runStr != nil {
		parsedRun, runErr := id.ParseRunID(*runStr)
		if runErr != nil {
			return nil, fmt.Errorf("moltnet/postgres: parse run id %q: %w", *runStr, runErr)
		}
		r.RunID = parsedRun
	}

	return &r, nil
}

// UpdateStatus applies a status update to a signing request. Only the
// fields set on the update are changed.
func (s *Store) UpdateStatus(ctx context.Context, requestID id.RequestID, update signing.StatusUpdate) error {
	var runID *string
	if update.RunID != nil {
		v := update.RunID.String()
		runID = &v
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE moltnet_signing_requests
		SET status = $2,
		    run_id = COALESCE($3, run_id),
		    signature = COALESCE($4, signature),
		    valid = COALESCE($5, valid),
		    completed_at = COALESCE($6, completed_at)
		WHERE id = $1`,
		requestID.String(), string(update.Status),
		runID, update.Signature, update.Valid, update.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("moltnet/postgres: update signing request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return moltnet.ErrRequestNotFound
	}
	return nil
}
