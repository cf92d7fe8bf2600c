package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	moltnet "github.com/getlarge/themoltnet-sub004"
	"github.com/getlarge/themoltnet-sub004/id"
	"github.com/getlarge/themoltnet-sub004/workflow"
)

// CreateRun persists a new workflow run.
func (s *Store) CreateRun(ctx context.Context, run *workflow.Run) error {
	rID := run.ID.String()
	key := runKey(rID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("moltnet/redis: create run exists: %w", err)
	}
	if exists > 0 {
		return moltnet.ErrRunAlreadyExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, runToMap(run))
	pipe.SAdd(ctx, runIDsKey, rID)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("moltnet/redis: create run: %w", err)
	}
	return nil
}

// GetRun retrieves a workflow run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*workflow.Run, error) {
	vals, err := s.client.HGetAll(ctx, runKey(runID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("moltnet/redis: get run: %w", err)
	}
	if len(vals) == 0 {
		return nil, moltnet.ErrRunNotFound
	}
	return mapToRun(vals)
}

// UpdateRun persists changes to an existing workflow run.
func (s *Store) UpdateRun(ctx context.Context, run *workflow.Run) error {
	key := runKey(run.ID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("moltnet/redis: update run exists: %w", err)
	}
	if exists == 0 {
		return moltnet.ErrRunNotFound
	}

	m := runToMap(run)
	m["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.client.HSet(ctx, key, m).Result()
	if err != nil {
		return fmt.Errorf("moltnet/redis: update run: %w", err)
	}
	return nil
}

// ListRuns returns workflow runs matching the given options, ordered by
// start time.
func (s *Store) ListRuns(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Run, error) {
	ids, err := s.client.SMembers(ctx, runIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("moltnet/redis: list runs smembers: %w", err)
	}

	var runs []*workflow.Run
	for _, rID := range ids {
		vals, getErr := s.client.HGetAll(ctx, runKey(rID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		r, convErr := mapToRun(vals)
		if convErr != nil {
			continue
		}
		if len(opts.States) > 0 && !stateMatches(r.State, opts.States) {
			continue
		}
		runs = append(runs, r)
	}

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID.String() < runs[j].ID.String()
		}
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(runs) {
			return nil, nil
		}
		runs = runs[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(runs) {
		runs = runs[:opts.Limit]
	}
	return runs, nil
}

func stateMatches(state workflow.RunState, states []workflow.RunState) bool {
	for _, st := range states {
		if st == state {
			return true
		}
	}
	return false
}

// SaveCheckpoint persists a step checkpoint. Checkpoints are immutable:
// SETNX makes the first recorded outcome win.
func (s *Store) SaveCheckpoint(ctx context.Context, ckpt *workflow.Checkpoint) error {
	data, err := json.Marshal(ckpt)
	if err != nil {
		return fmt.Errorf("moltnet/redis: marshal checkpoint: %w", err)
	}

	rID := ckpt.RunID.String()
	set, err := s.client.SetNX(ctx, checkpointKey(rID, ckpt.StepName), data, 0).Result()
	if err != nil {
		return fmt.Errorf("moltnet/redis: save checkpoint: %w", err)
	}
	if !set {
		return nil // already checkpointed, first write wins
	}

	if err := s.client.SAdd(ctx, checkpointIndexKey(rID), ckpt.StepName).Err(); err != nil {
		return fmt.Errorf("moltnet/redis: index checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint retrieves the checkpoint for a specific workflow step.
// Returns nil if no checkpoint exists.
func (s *Store) GetCheckpoint(ctx context.Context, runID id.RunID, stepName string) (*workflow.Checkpoint, error) {
	data, err := s.client.Get(ctx, checkpointKey(runID.String(), stepName)).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil // no checkpoint is not an error
		}
		return nil, fmt.Errorf("moltnet/redis: get checkpoint: %w", err)
	}

	var ckpt workflow.Checkpoint
	if err := json.Unmarshal([]byte(data), &ckpt); err != nil {
		return nil, fmt.Errorf("moltnet/redis: unmarshal checkpoint: %w", err)
	}
	return &ckpt, nil
}

// ListCheckpoints returns all checkpoints for a workflow run in creation
// order.
func (s *Store) ListCheckpoints(ctx context.Context, runID id.RunID) ([]*workflow.Checkpoint, error) {
	rID := runID.String()
	steps, err := s.client.SMembers(ctx, checkpointIndexKey(rID)).Result()
	if err != nil {
		return nil, fmt.Errorf("moltnet/redis: list checkpoints: %w", err)
	}

	var ckpts []*workflow.Checkpoint
	for _, step := range steps {
		ckpt, getErr := s.GetCheckpoint(ctx, runID, step)
		if getErr != nil || ckpt == nil {
			continue
		}
		ckpts = append(ckpts, ckpt)
	}

	sort.Slice(ckpts, func(i, j int) bool {
		if ckpts[i].CreatedAt.Equal(ckpts[j].CreatedAt) {
			return ckpts[i].ID.String() < ckpts[j].ID.String()
		}
		return ckpts[i].CreatedAt.Before(ckpts[j].CreatedAt)
	})
	return ckpts, nil
}

// ── helpers ──

func runToMap(r *workflow.Run) map[string]interface{} {
	m := map[string]interface{}{
		"id":         r.ID.String(),
		"name":       string(r.Name),
		"state":      string(r.State),
		"input":      string(r.Input),
		"output":     string(r.Output),
		"error":      r.Error,
		"started_at": r.StartedAt.Format(time.RFC3339Nano),
		"updated_at": r.UpdatedAt.Format(time.RFC3339Nano),
	}
	if r.CompletedAt != nil {
		m["completed_at"] = r.CompletedAt.Format(time.RFC3339Nano)
	}
	return m
}

func mapToRun(m map[string]string) (*workflow.Run, error) {
	rID, err := id.ParseRunID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("moltnet/redis: parse run id: %w", err)
	}

	startedAt, _ := time.Parse(time.RFC3339Nano, m["started_at"])
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"])

	r := &workflow.Run{
		ID:        rID,
		Name:      workflow.Name(m["name"]),
		State:     workflow.RunState(m["state"]),
		Error:     m["error"],
		StartedAt: startedAt,
		UpdatedAt: updatedAt,
	}
	if v := m["input"]; v != "" {
		r.Input = []byte(v)
	}
	if v := m["output"]; v != "" {
		r.Output = []byte(v)
	}
	if v := m["completed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v)
		r.CompletedAt = &t
	}
	return r, nil
}
