package diary

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/getlarge/themoltnet-sub004/id"
	"github.com/getlarge/themoltnet-sub004/workflow"
)

// Workflow names for the diary sagas.
const (
	WorkflowCreate workflow.Name = "diary.create"
	WorkflowUpdate workflow.Name = "diary.update"
	WorkflowDelete workflow.Name = "diary.delete"
	WorkflowShare  workflow.Name = "diary.share"
)

// Config controls per-step saga policy.
type Config struct {
	// EmbedBestEffort makes embedding failures non-fatal: the entry is
	// persisted without a vector instead of failing the workflow.
	EmbedBestEffort bool
	// EmbedPolicy is the retry policy for embedding steps.
	EmbedPolicy workflow.RetryPolicy
	// PersistPolicy is the retry policy for entry store writes.
	PersistPolicy workflow.RetryPolicy
	// GrantPolicy is the retry policy for relationship writes.
	GrantPolicy workflow.RetryPolicy
}

// DefaultConfig returns the default saga policy: best-effort embedding,
// standard retries everywhere else.
func DefaultConfig() Config {
	return Config{
		EmbedBestEffort: true,
		EmbedPolicy:     workflow.DefaultRetry(),
		PersistPolicy:   workflow.DefaultRetry(),
		GrantPolicy:     workflow.DefaultRetry(),
	}
}

// Workflows owns the diary entry sagas. Each saga keeps the entry store
// and the external relationship store consistent: on a terminal failure,
// compensations undo the local writes that already committed.
type Workflows struct {
	store         EntryStore
	relationships RelationshipWriter
	embedder      EmbeddingService
	scanner       RiskScanner
	cfg           Config
	logger        *slog.Logger
}

// NewWorkflows creates the diary saga set.
func NewWorkflows(
	store EntryStore,
	relationships RelationshipWriter,
	embedder EmbeddingService,
	scanner RiskScanner,
	cfg Config,
	logger *slog.Logger,
) *Workflows {
	return &Workflows{
		store:         store,
		relationships: relationships,
		embedder:      embedder,
		scanner:       scanner,
		cfg:           cfg,
		logger:        logger,
	}
}

// Register adds all diary sagas to the workflow registry.
func (w *Workflows) Register(reg *workflow.Registry) {
	workflow.RegisterDefinition(reg, workflow.NewDefinition(WorkflowCreate, w.create))
	workflow.RegisterDefinition(reg, workflow.NewDefinition(WorkflowUpdate, w.update))
	workflow.RegisterDefinition(reg, workflow.NewDefinition(WorkflowDelete, w.delete))
	workflow.RegisterDefinition(reg, workflow.NewDefinition(WorkflowShare, w.share))
}

// create is the entry creation saga:
// generate id → embed (best-effort) → risk scan → persist (compensated by
// delete) → grant ownership. If the grant exhausts its retries, the
// compensation removes the persisted row so no orphaned entry survives.
func (w *Workflows) create(wf *workflow.Workflow, in CreateInput) (any, error) {
	// TypeIDs checkpoint as strings; the raw type has no exported fields.
	entryIDStr, err := workflow.StepWithResult(wf, "generate-id", workflow.NoRetry(),
		func(_ context.Context) (string, error) {
			return id.NewEntryID().String(), nil
		})
	if err != nil {
		return nil, err
	}
	entryID, err := id.ParseEntryID(entryIDStr)
	if err != nil {
		return nil, fmt.Errorf("diary create: %w", err)
	}

	embedding, err := w.embedStep(wf, "embed", in.Content)
	if err != nil {
		return nil, err
	}

	scan, err := workflow.StepWithResult(wf, "scan", workflow.NoRetry(),
		func(ctx context.Context) (ScanResult, error) {
			return w.scanner.Scan(ctx, in.Content, in.Title)
		})
	if err != nil {
		return nil, err
	}

	err = wf.StepWithCompensation("persist", w.cfg.PersistPolicy,
		func(ctx context.Context) error {
			now := time.Now().UTC()
			return w.store.CreateEntry(ctx, &Entry{
				ID:        entryID,
				AuthorID:  in.AuthorID,
				Title:     in.Title,
				Content:   in.Content,
				Tags:      in.Tags,
				Embedding: embedding,
				Risk:      scan.Risk,
				CreatedAt: now,
				UpdatedAt: now,
			})
		},
		func(ctx context.Context) error {
			return w.store.DeleteEntry(ctx, entryID)
		})
	if err != nil {
		return nil, err
	}

	err = wf.Step("grant-ownership", w.cfg.GrantPolicy, func(ctx context.Context) error {
		return w.relationships.GrantOwnership(ctx, entryID, in.AuthorID)
	})
	if err != nil {
		return nil, err
	}

	return CreateResult{EntryID: entryID}, nil
}

// update is the entry update saga. Only changed fields are re-embedded and
// re-scanned; the persist step loads, applies, and writes in one retryable
// unit so a partial update never commits.
func (w *Workflows) update(wf *workflow.Workflow, in UpdateInput) (any, error) {
	var (
		embedding []float32
		scan      ScanResult
		err       error
	)

	if in.Content != nil {
		embedding, err = w.embedStep(wf, "re-embed", *in.Content)
		if err != nil {
			return nil, err
		}

		title := ""
		if in.Title != nil {
			title = *in.Title
		}
		scan, err = workflow.StepWithResult(wf, "re-scan", workflow.NoRetry(),
			func(ctx context.Context) (ScanResult, error) {
				return w.scanner.Scan(ctx, *in.Content, title)
			})
		if err != nil {
			return nil, err
		}
	}

	err = wf.Step("persist-update", w.cfg.PersistPolicy, func(ctx context.Context) error {
		entry, getErr := w.store.GetEntry(ctx, in.EntryID)
		if getErr != nil {
			return getErr
		}
		if in.Title != nil {
			entry.Title = *in.Title
		}
		if in.Tags != nil {
			entry.Tags = in.Tags
		}
		if in.Content != nil {
			entry.Content = *in.Content
			entry.Embedding = embedding
			entry.Risk = scan.Risk
		}
		return w.store.UpdateEntry(ctx, entry)
	})
	if err != nil {
		return nil, err
	}

	return nil, nil
}

// delete is the entry deletion saga. The row goes first: a crash between
// the two steps leaves an orphaned relation, never a dangling row pointing
// at permissions it no longer has.
func (w *Workflows) delete(wf *workflow.Workflow, in DeleteInput) (any, error) {
	err := wf.Step("delete-entry", w.cfg.PersistPolicy, func(ctx context.Context) error {
		return w.store.DeleteEntry(ctx, in.EntryID)
	})
	if err != nil {
		return nil, err
	}

	err = wf.Step("remove-relations", w.cfg.GrantPolicy, func(ctx context.Context) error {
		return w.relationships.RemoveRelations(ctx, in.EntryID)
	})
	if err != nil {
		return nil, err
	}

	return nil, nil
}

// share is the entry sharing saga: verify the entry exists, then grant the
// viewer relation.
func (w *Workflows) share(wf *workflow.Workflow, in ShareInput) (any, error) {
	err := wf.Step("verify-entry", w.cfg.PersistPolicy, func(ctx context.Context) error {
		_, getErr := w.store.GetEntry(ctx, in.EntryID)
		return getErr
	})
	if err != nil {
		return nil, err
	}

	err = wf.Step("grant-viewer", w.cfg.GrantPolicy, func(ctx context.Context) error {
		return w.relationships.GrantViewer(ctx, in.EntryID, in.ViewerID)
	})
	if err != nil {
		return nil, err
	}

	return nil, nil
}

// embedStep runs the embedding service as a checkpointed step. When
// embedding is best-effort, a failure is logged and the entry proceeds
// without a vector.
func (w *Workflows) embedStep(wf *workflow.Workflow, name, text string) ([]float32, error) {
	return workflow.StepWithResult(wf, name, w.cfg.EmbedPolicy,
		func(ctx context.Context) ([]float32, error) {
			vec, embErr := w.embedder.EmbedPassage(ctx, text)
			if embErr != nil {
				if w.cfg.EmbedBestEffort {
					w.logger.Warn("embedding failed, continuing without vector",
						slog.String("run_id", wf.RunID().String()),
						slog.String("error", embErr.Error()),
					)
					return nil, nil
				}
				return nil, embErr
			}
			return vec, nil
		})
}
