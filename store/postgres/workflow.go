package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	moltnet "github.com/getlarge/themoltnet-sub004"
	"github.com/getlarge/themoltnet-sub004/id"
	"github.com/getlarge/themoltnet-sub004/workflow"
)

// CreateRun persists a new workflow run.
func (s *Store) CreateRun(ctx context.Context, run *workflow.Run) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO moltnet_workflow_runs (
			id, name, state, input, output, error,
			started_at, updated_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID.String(), string(run.Name), string(run.State),
		run.Input, run.Output, run.Error,
		run.StartedAt, run.UpdatedAt, run.CompletedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return moltnet.ErrRunAlreadyExists
		}
		return fmt.Errorf("moltnet/postgres: create run: %w", err)
	}
	return nil
}

// GetRun retrieves a workflow run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*workflow.Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, state, input, output, error,
		       started_at, updated_at, completed_at
		FROM moltnet_workflow_runs
		WHERE id = $1`,
		runID.String(),
	)
	run, err := scanRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, moltnet.ErrRunNotFound
		}
		return nil, fmt.Errorf("moltnet/postgres: get run: %w", err)
	}
	return run, nil
}

// UpdateRun persists changes to an existing workflow run.
func (s *Store) UpdateRun(ctx context.Context, run *workflow.Run) error {
	run.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE moltnet_workflow_runs
		SET state = $2, output = $3, error = $4,
		    updated_at = $5, completed_at = $6
		WHERE id = $1`,
		run.ID.String(), string(run.State), run.Output, run.Error,
		run.UpdatedAt, run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("moltnet/postgres: update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return moltnet.ErrRunNotFound
	}
	return nil
}

// ListRuns returns workflow runs matching the given options, ordered by
// start time.
func (s *Store) ListRuns(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Run, error) {
	query := `
		SELECT id, name, state, input, output, error,
		       started_at, updated_at, completed_at
		FROM moltnet_workflow_runs`
	args := []any{}

	if len(opts.States) > 0 {
		states := make([]string, len(opts.States))
		for i, st := range opts.States {
			states[i] = string(st)
		}
		query += ` WHERE state = ANY($1)`
		args = append(args, states)
	}

	query += ` ORDER BY started_at ASC, id ASC`
	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, opts.Limit)
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(` OFFSET %d`, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("moltnet/postgres: list runs: %w", err)
	}
	defer rows.Close()

	var runs []*workflow.Run
	for rows.Next() {
		run, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("moltnet/postgres: list runs scan: %w", scanErr)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("moltnet/postgres: list runs: %w", err)
	}
	return runs, nil
}

// SaveCheckpoint persists a step checkpoint. Checkpoints are immutable:
// a conflicting insert for the same (run_id, step_name) is a no-op, so the
// first recorded outcome wins.
func (s *Store) SaveCheckpoint(ctx context.Context, ckpt *workflow.Checkpoint) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO moltnet_checkpoints (
			id, run_id, step_name, status, attempts, data, error, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id, step_name) DO NOTHING`,
		ckpt.ID.String(), ckpt.RunID.String(), ckpt.StepName,
		string(ckpt.Status), ckpt.Attempts, ckpt.Data, ckpt.Error,
		ckpt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("moltnet/postgres: save checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint retrieves the checkpoint for a specific workflow step.
// Returns nil if no checkpoint exists.
func (s *Store) GetCheckpoint(ctx context.Context, runID id.RunID, stepName string) (*workflow.Checkpoint, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, run_id, step_name, status, attempts, data, error, created_at
		FROM moltnet_checkpoints
		WHERE run_id = $1 AND step_name = $2`,
		runID.String(), stepName,
	)
	ckpt, err := scanCheckpoint(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil // no checkpoint is not an error
		}
		return nil, fmt.Errorf("moltnet/postgres: get checkpoint: %w", err)
	}
	return ckpt, nil
}

// ListCheckpoints returns all checkpoints for a workflow run in creation
// order.
func (s *Store) ListCheckpoints(ctx context.Context, runID id.RunID) ([]*workflow.Checkpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, step_name, status, attempts, data, error, created_at
		FROM moltnet_checkpoints
		WHERE run_id = $1
		ORDER BY created_at ASC, id ASC`,
		runID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("moltnet/postgres: list checkpoints: %w", err)
	}
	defer rows.Close()

	var ckpts []*workflow.Checkpoint
	for rows.Next() {
		ckpt, scanErr := scanCheckpoint(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("moltnet/postgres: list checkpoints scan: %w", scanErr)
		}
		ckpts = append(ckpts, ckpt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("moltnet/postgres: list checkpoints: %w", err)
	}
	return ckpts, nil
}

// scanRun scans a single workflow run row.
func scanRun(row pgx.Row) (*workflow.Run, error) {
	var (
		run         workflow.Run
		idStr       string
		name, state string
	)
	err := row.Scan(
		&idStr, &name, &state, &run.Input, &run.Output, &run.Error,
		&run.StartedAt, &run.UpdatedAt, &run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseRunID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("moltnet/postgres: parse run id %q: %w", idStr, parseErr)
	}
	run.ID = parsedID
	run.Name = workflow.Name(name)
	run.State = workflow.RunState(state)

	return &run, nil
}

// scanCheckpoint scans a single checkpoint row.
func scanCheckpoint(row pgx.Row) (*workflow.Checkpoint, error) {
	var (
		ckpt          workflow.Checkpoint
		idStr, runStr string
		status        string
	)
	err := row.Scan(
		&idStr, &runStr, &ckpt.StepName, &status, &ckpt.Attempts,
		&ckpt.Data, &ckpt.Error, &ckpt.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseCheckpointID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("moltnet/postgres: parse checkpoint id %q: %w", idStr, parseErr)
	}
	parsedRun, parseErr := id.ParseRunID(runStr)
	if parseErr != nil {
		return nil, fmt.Errorf("moltnet/postgres: parse run id %q: %w", runStr, parseErr)
	}
	ckpt.ID = parsedID
	ckpt.RunID = parsedRun
	ckpt.Status = workflow.StepStatus(status)

	return &ckpt, nil
}
