package engine

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	moltnet "github.com/getlarge/themoltnet-sub004"
	"github.com/getlarge/themoltnet-sub004/diary"
	"github.com/getlarge/themoltnet-sub004/ext"
	"github.com/getlarge/themoltnet-sub004/observability"
	"github.com/getlarge/themoltnet-sub004/signing"
	"github.com/getlarge/themoltnet-sub004/store"
	"github.com/getlarge/themoltnet-sub004/worker"
	"github.com/getlarge/themoltnet-sub004/workflow"
)

// Engine is the top-level MoltNet runtime: a workflow runner backed by a
// worker pool, the diary and signing workflow sets, the signing service,
// and an extension registry for lifecycle observability.
type Engine struct {
	cfg    moltnet.Config
	store  store.Store
	logger *slog.Logger

	extensions *ext.Registry
	wfRegistry *workflow.Registry
	wfRunner   *workflow.Runner
	pool       *worker.Pool

	diaryWorkflows   *diary.Workflows
	signingWorkflows *signing.Workflows
	signingService   *signing.Service
}

// Option configures an Engine during Build.
type Option func(*options)

type options struct {
	cfg      moltnet.Config
	logger   *slog.Logger
	exts     []ext.Extension
	diaryCfg diary.Config

	relationships diary.RelationshipWriter
	embedder      diary.EmbeddingService
	scanner       diary.RiskScanner
	keys          signing.KeyLookup
	verifier      signing.Verifier

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	noMetrics      bool
}

// WithConfig sets the engine configuration. Zero-valued fields fall back
// to their defaults.
func WithConfig(cfg moltnet.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithLogger sets the structured logger used by all subsystems.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithExtension registers a lifecycle extension. Extensions are notified
// in registration order.
func WithExtension(e ext.Extension) Option {
	return func(o *options) { o.exts = append(o.exts, e) }
}

// WithDiaryConfig sets the per-step retry policies for the diary sagas.
func WithDiaryConfig(cfg diary.Config) Option {
	return func(o *options) { o.diaryCfg = cfg }
}

// WithRelationshipWriter sets the relationship-based authorization store
// the diary sagas write ownership and viewer relations to. Required.
func WithRelationshipWriter(w diary.RelationshipWriter) Option {
	return func(o *options) { o.relationships = w }
}

// WithEmbeddingService sets the embedding backend for diary entries.
// Required; embedding failures are best-effort by default.
func WithEmbeddingService(e diary.EmbeddingService) Option {
	return func(o *options) { o.embedder = e }
}

// WithRiskScanner sets the injection-risk scanner for diary content.
// Required.
func WithRiskScanner(s diary.RiskScanner) Option {
	return func(o *options) { o.scanner = s }
}

// WithKeyLookup sets the public-key directory consulted by the signing
// workflow. Required.
func WithKeyLookup(k signing.KeyLookup) Option {
	return func(o *options) { o.keys = k }
}

// WithVerifier overrides the signature verifier. Defaults to
// [signing.Ed25519Verifier].
func WithVerifier(v signing.Verifier) Option {
	return func(o *options) { o.verifier = v }
}

// WithTracerProvider sets a custom OTel TracerProvider for workflow spans.
// If not set, the global provider is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for the built-in
// metrics extension.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// WithoutMetrics disables the built-in metrics extension.
func WithoutMetrics() Option {
	return func(o *options) { o.noMetrics = true }
}

// Build constructs an Engine over the given store. The store must
// implement the full composite [store.Store] contract; the diary and
// signing workflow sets are registered on the engine's workflow registry
// before Build returns.
func Build(st store.Store, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, moltnet.ErrNoStore
	}

	o := &options{
		cfg:      moltnet.DefaultConfig(),
		logger:   slog.Default(),
		diaryCfg: diary.DefaultConfig(),
		verifier: signing.Ed25519Verifier{},
	}
	for _, opt := range opts {
		opt(o)
	}
	applyConfigDefaults(&o.cfg)

	if o.relationships == nil {
		return nil, moltnet.ErrNoRelationshipWriter
	}
	if o.embedder == nil {
		return nil, moltnet.ErrNoEmbeddingService
	}
	if o.scanner == nil {
		return nil, moltnet.ErrNoRiskScanner
	}
	if o.keys == nil {
		return nil, moltnet.ErrNoKeyLookup
	}

	extensions := ext.NewRegistry(o.logger)
	for _, e := range o.exts {
		extensions.Register(e)
	}
	if !o.noMetrics {
		me, err := newMetricsExtension(o.meterProvider)
		if err != nil {
			o.logger.Warn("metrics extension unavailable",
				slog.String("error", err.Error()))
		} else {
			extensions.Register(me)
		}
	}

	poolOpts := []worker.PoolOption{
		worker.WithPoolConcurrency(o.cfg.Concurrency),
	}
	if o.cfg.StartRateLimit > 0 {
		poolOpts = append(poolOpts,
			worker.WithRateLimit(rate.Limit(o.cfg.StartRateLimit), o.cfg.Concurrency))
	}
	pool := worker.NewPool(o.logger, poolOpts...)

	wfRegistry := workflow.NewRegistry()

	runnerOpts := []workflow.RunnerOption{workflow.WithSubmitter(pool)}
	if o.tracerProvider != nil {
		runnerOpts = append(runnerOpts, workflow.WithTracerProvider(o.tracerProvider))
	}
	wfRunner := workflow.NewRunner(wfRegistry, st, st, extensions, o.logger, runnerOpts...)

	diaryWorkflows := diary.NewWorkflows(
		st, o.relationships, o.embedder, o.scanner, o.diaryCfg, o.logger)
	diaryWorkflows.Register(wfRegistry)

	signingWorkflows := signing.NewWorkflows(
		st, o.keys, o.verifier, o.cfg.SigningTimeout, extensions, o.logger)
	signingWorkflows.Register(wfRegistry)

	signingService := signing.NewService(
		st, st, wfRunner, o.cfg.SigningTimeout, extensions)

	return &Engine{
		cfg:              o.cfg,
		store:            st,
		logger:           o.logger,
		extensions:       extensions,
		wfRegistry:       wfRegistry,
		wfRunner:         wfRunner,
		pool:             pool,
		diaryWorkflows:   diaryWorkflows,
		signingWorkflows: signingWorkflows,
		signingService:   signingService,
	}, nil
}

func applyConfigDefaults(cfg *moltnet.Config) {
	def := moltnet.DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.SigningTimeout <= 0 {
		cfg.SigningTimeout = def.SigningTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
}

func newMetricsExtension(mp metric.MeterProvider) (*observability.MetricsExtension, error) {
	if mp != nil {
		return observability.NewMetricsExtensionWithProvider(mp)
	}
	return observability.NewMetricsExtension()
}

// Start brings the engine online: it starts the worker pool and resumes
// any workflow runs interrupted by a previous crash. Resume failures are
// logged, not fatal; an individual stuck run must not hold the engine down.
func (eng *Engine) Start(ctx context.Context) error {
	if err := eng.pool.Start(ctx); err != nil {
		return err
	}

	if err := eng.wfRunner.ResumeAll(ctx); err != nil {
		eng.logger.Warn("resume of interrupted runs incomplete",
			slog.String("error", err.Error()))
	}

	eng.logger.Info("engine started",
		slog.Int("concurrency", eng.cfg.Concurrency),
		slog.String("worker_id", eng.pool.WorkerID().String()),
	)
	return nil
}

// Stop gracefully shuts down the engine: the worker pool drains accepted
// work, extensions are notified, and the store is closed. The shutdown is
// bounded by Config.ShutdownTimeout unless ctx carries an earlier deadline.
func (eng *Engine) Stop(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, eng.cfg.ShutdownTimeout)
		defer cancel()
	}

	if err := eng.pool.Stop(ctx); err != nil {
		eng.logger.Error("worker pool stop error", slog.String("error", err.Error()))
	}

	eng.extensions.EmitShutdown(ctx)

	return eng.store.Close()
}

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Registry returns the workflow registry.
func (eng *Engine) Registry() *workflow.Registry { return eng.wfRegistry }

// Runner returns the workflow runner.
func (eng *Engine) Runner() *workflow.Runner { return eng.wfRunner }

// Pool returns the worker pool.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }

// Store returns the composite store the engine was built over.
func (eng *Engine) Store() store.Store { return eng.store }

// Signing returns the signing service, the external surface of the
// asynchronous signing protocol.
func (eng *Engine) Signing() *signing.Service { return eng.signingService }

// RegisterWorkflow registers a typed workflow definition with the engine.
func RegisterWorkflow[T any](eng *Engine, def *workflow.Definition[T]) {
	workflow.RegisterDefinition(eng.wfRegistry, def)
}

// StartWorkflow starts a workflow run with a typed input and executes it
// on the calling goroutine.
func StartWorkflow[T any](ctx context.Context, eng *Engine, name workflow.Name, input T) (*workflow.Run, error) {
	return workflow.Start(ctx, eng.wfRunner, name, input)
}

// StartWorkflowAsync starts a workflow run with a typed input and hands
// the execution to the worker pool. The returned handle polls for the
// terminal state.
func StartWorkflowAsync[T any](ctx context.Context, eng *Engine, name workflow.Name, input T) (*workflow.Handle, error) {
	return workflow.StartAsync(ctx, eng.wfRunner, name, input)
}
