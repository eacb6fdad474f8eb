// Package app is the composition root: it builds every long-lived
// component from configuration, wires them together, and runs the event
// loop that feeds gateway events into the pipeline.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	engram "github.com/nevindra/engram"
	"github.com/nevindra/engram/frontend/discord"
	"github.com/nevindra/engram/ingest"
	"github.com/nevindra/engram/internal/config"
	"github.com/nevindra/engram/observer"
	"github.com/nevindra/engram/provider/resolve"
	"github.com/nevindra/engram/store/postgres"
	"github.com/nevindra/engram/store/sqlite"
)

// Background task cadences. The offload cache keeps entries for an hour;
// everything else follows its own sweep interval.
const (
	flushInterval   = 5 * time.Second
	sweepInterval   = time.Minute
	curatorInterval = 10 * time.Minute
	statsInterval   = 30 * time.Second
	offloadTTL      = time.Hour
)

// App owns the assembled system. Build it with New, run it with Run.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	frontend engram.Frontend
	store    engram.Store
	pgPool   *pgxpool.Pool

	classifier   *engram.Classifier
	orchestrator *engram.Orchestrator
	engine       *engram.ContextEngine
	pipeline     *engram.Pipeline
	scheduler    *engram.Scheduler
	study        *engram.StudyAgent
	ingestor     *ingest.Ingestor
	sink         *observer.Sink

	shutdownObserver func(context.Context) error
}

// Option overrides a constructed dependency, mainly for tests.
type Option func(*App)

// WithFrontend replaces the Discord gateway.
func WithFrontend(f engram.Frontend) Option {
	return func(a *App) { a.frontend = f }
}

// New validates cfg and builds the full component graph. The store is
// connected and migrated before New returns; an unreachable store
// surfaces as ErrStoreUnavailable.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(a)
	}

	// Observability first so everything below can be instrumented. A
	// disabled observer leaves inst nil and every wrapper a passthrough.
	var inst *observer.Instruments
	var tracer engram.Tracer
	if cfg.Observer.Enabled {
		var err error
		var shutdown func(context.Context) error
		inst, shutdown, err = observer.Init(ctx, observer.Options{
			ServiceName: cfg.Observer.ServiceName,
			Endpoint:    cfg.Observer.Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("app: observer init: %w", err)
		}
		a.shutdownObserver = shutdown
		tracer = observer.NewTracer()
	}
	a.sink = observer.NewSink(inst)

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	chat, embedProvider, err := a.buildProviders(inst)
	if err != nil {
		return nil, err
	}

	counter := engram.HeuristicCounter{}
	embedder := engram.NewEmbedder(embedProvider, counter,
		engram.WithEmbedCacheSize(cfg.Embedding.CacheSize),
		engram.WithEmbedCacheTTL(time.Duration(cfg.Embedding.CacheTTLSec)*time.Second),
		engram.WithEmbedderLogger(logger),
	)

	core := engram.NewCoreMemory(a.store,
		engram.WithCoreMax(cfg.Limits.CoreMemoryMax),
		engram.WithCoreLogger(logger),
	)
	recall := engram.NewRecallMemory(a.store, embedder, engram.WithRecallLogger(logger))
	archival := engram.NewArchivalMemory(a.store,
		engram.WithSummarizer(chat),
		engram.WithArchivalLogger(logger),
	)
	graph := engram.NewKnowledgeGraph(a.store, embedder, engram.WithGraphLogger(logger))

	classifierOpts := []engram.ClassifierOption{
		engram.WithIntentThreshold(cfg.Intent.ConfidenceThreshold),
		engram.WithClassifierLogger(logger),
	}
	if cfg.Intent.ExamplesPath != "" {
		examples, err := loadIntentExamples(cfg.Intent.ExamplesPath)
		if err != nil {
			return nil, err
		}
		classifierOpts = append(classifierOpts, engram.WithIntentExamples(examples))
	}
	a.classifier = engram.NewClassifier(embedder, classifierOpts...)

	offload := engram.NewOffloadCache(engram.WithOffloadCapacity(cfg.Limits.OffloadCacheSize))
	a.engine = engram.NewContextEngine(counter, offload,
		engram.WithMaxContextTokens(cfg.Limits.MaxContextTokens),
		engram.WithSessionIdleTTL(time.Duration(cfg.Limits.SessionIdleTTLSec)*time.Second),
		engram.WithContextLogger(logger),
	)

	pool := engram.NewPool(logger)
	for _, variant := range []engram.AgentVariant{
		engram.AgentConversational,
		engram.AgentKnowledge,
		engram.AgentMemory,
		engram.AgentGraph,
	} {
		agent := engram.NewAgent(string(variant), variant, chat,
			engram.WithAgentLogger(logger),
			engram.WithAgentTracer(tracer),
		)
		if err := pool.Register(agent); err != nil {
			return nil, err
		}
	}

	a.orchestrator = engram.NewOrchestrator(
		a.classifier, pool, core, recall, graph, a.engine, a.store, counter,
		engram.WithPersistOutOfScope(cfg.Limits.PersistOutOfScope),
		engram.WithOrchestratorTracer(tracer),
		engram.WithOrchestratorLogger(logger),
	)

	limiter := engram.NewLimiter(
		engram.WithGlobalRate(float64(cfg.Limits.RateLimitGlobal)),
		engram.WithChannelRate(float64(cfg.Limits.RateLimitChannel)),
		engram.WithLimiterLogger(logger),
	)

	a.study = engram.NewStudyAgent(chat, recall, archival, engram.WithStudyLogger(logger))
	a.ingestor = ingest.NewIngestor(archival,
		ingest.WithCounter(counter),
		ingest.WithLogger(logger),
	)

	a.pipeline = engram.NewPipeline(limiter, engram.NewInputGuard(), a.orchestrator, embedder,
		engram.WithCommandPrefix(cfg.Discord.CommandPrefix),
		engram.WithRequestTimeout(time.Duration(cfg.Limits.RequestTimeoutSec)*time.Second),
		engram.WithStudyAgent(a.study),
		engram.WithMetricsSink(a.sink),
		engram.WithPipelineLogger(logger),
	)

	if a.frontend == nil {
		a.frontend = discord.NewClient(cfg.Discord.Token,
			discord.WithChannels(cfg.Discord.AllowedChannels...),
			discord.WithLogger(logger),
		)
	}

	curator := engram.NewCurator(a.store, core, archival, engram.WithCuratorLogger(logger))

	a.scheduler = engram.NewScheduler(logger)
	if err := a.registerTasks(core, recall, offload, curator); err != nil {
		return nil, err
	}

	return a, nil
}

// openStore connects and migrates the configured backend.
func (a *App) openStore(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case "postgres":
		pool, err := postgres.NewPool(ctx, a.cfg.Store.DSN)
		if err != nil {
			return &engram.ErrStoreUnavailable{Op: "connect", Err: err}
		}
		a.pgPool = pool
		a.store = postgres.New(pool, postgres.WithEmbeddingDimension(a.cfg.Embedding.Dimensions))
	case "sqlite":
		store, err := sqlite.New(a.cfg.Store.Path, sqlite.WithLogger(a.logger))
		if err != nil {
			return &engram.ErrStoreUnavailable{Op: "open", Err: err}
		}
		a.store = store
	}
	return a.store.Init(ctx)
}

// buildProviders resolves the chat and embedding providers and layers
// retry and observability middleware over them.
func (a *App) buildProviders(inst *observer.Instruments) (engram.Provider, engram.EmbeddingProvider, error) {
	chat, err := resolve.Provider(resolve.Config{
		Provider: a.cfg.LLM.Provider,
		APIKey:   a.cfg.LLM.APIKey,
		Model:    a.cfg.LLM.Model,
		BaseURL:  a.cfg.LLM.BaseURL,
	})
	if err != nil {
		return nil, nil, err
	}

	embed, err := resolve.EmbeddingProvider(resolve.EmbeddingConfig{
		Provider:   a.cfg.Embedding.Provider,
		APIKey:     a.cfg.LLM.APIKey,
		Model:      a.cfg.Embedding.Model,
		Dimensions: a.cfg.Embedding.Dimensions,
	})
	if err != nil {
		return nil, nil, err
	}

	var chatOut engram.Provider = engram.NewRetryProvider(chat)
	var embedOut engram.EmbeddingProvider = engram.NewRetryEmbedding(embed)
	if inst != nil {
		chatOut = observer.WrapProvider(chatOut, a.cfg.LLM.Model, inst)
		embedOut = observer.WrapEmbedding(embedOut, a.cfg.Embedding.Model, inst)
	}
	return chatOut, embedOut, nil
}

// registerTasks wires every background job. Nothing in the system spawns
// an unregistered goroutine loop.
func (a *App) registerTasks(core *engram.CoreMemory, recall *engram.RecallMemory, offload *engram.OffloadCache, curator *engram.Curator) error {
	tasks := []struct {
		name     string
		interval time.Duration
		run      engram.TaskFunc
	}{
		{"core-access-flush", flushInterval, core.FlushAccess},
		{"recall-access-flush", flushInterval, recall.FlushAccess},
		{"session-idle-sweep", sweepInterval, func(context.Context) error {
			a.engine.SweepIdle()
			return nil
		}},
		{"offload-ttl-sweep", sweepInterval, func(context.Context) error {
			offload.SweepExpired(offloadTTL)
			return nil
		}},
		{"pipeline-stats", statsInterval, func(ctx context.Context) error {
			a.sink.RecordStats(ctx, a.pipeline.Stats())
			return nil
		}},
		{"memory-curator", curatorInterval, curator.Sweep},
	}

	for _, t := range tasks {
		if err := a.scheduler.Register(t.name, t.interval, t.run, nil); err != nil {
			return err
		}
	}
	return nil
}

// Ingestor exposes document ingestion for the command line.
func (a *App) Ingestor() *ingest.Ingestor { return a.ingestor }

// Run initializes the live components, starts the scheduler, and
// consumes gateway events until ctx is cancelled. Each event is handled
// on its own goroutine; replies stream back through the gateway.
func (a *App) Run(ctx context.Context) error {
	if err := a.classifier.Init(ctx); err != nil {
		return fmt.Errorf("app: classifier init: %w", err)
	}
	if err := a.orchestrator.Init(ctx); err != nil {
		return fmt.Errorf("app: orchestrator init: %w", err)
	}
	if err := a.study.Start(ctx); err != nil {
		return fmt.Errorf("app: study agent start: %w", err)
	}

	go func() {
		if err := a.scheduler.Run(ctx); err != nil {
			a.logger.Error("scheduler stopped", "error", err)
		}
	}()

	events, err := a.frontend.Poll(ctx)
	if err != nil {
		return fmt.Errorf("app: poll: %w", err)
	}

	a.logger.Info("engram running",
		"store", a.cfg.Store.Driver,
		"provider", a.cfg.LLM.Provider,
		"channels", len(a.cfg.Discord.AllowedChannels),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			go a.handle(ctx, ev)
		}
	}
}

// handle runs one event through the pipeline. The full response is sent
// in one message when the stream completes; intermediate chunks only
// refresh the typing indicator.
func (a *App) handle(ctx context.Context, ev engram.InboundEvent) {
	if ev.IsBot {
		return
	}
	if err := a.frontend.Typing(ctx, ev.ChannelID); err != nil {
		a.logger.Debug("typing indicator failed", "channel", ev.ChannelID, "error", err)
	}

	reply := func(ctx context.Context, chunk string, done bool) error {
		if !done {
			return nil
		}
		if strings.TrimSpace(chunk) == "" {
			return nil
		}
		return a.frontend.Send(ctx, ev.ChannelID, chunk)
	}

	if err := a.pipeline.Handle(ctx, ev, reply); err != nil && !engram.IsCancelled(err) {
		a.logger.Error("event handling failed",
			"user", engram.HashID(ev.AuthorID), "error", err)
	}
}

// Close releases everything Run depends on. Safe to call after a failed
// New as long as the returned App is non-nil.
func (a *App) Close(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.orchestrator != nil {
		keep(a.orchestrator.Close(ctx))
	}
	if a.study != nil {
		keep(a.study.Stop(ctx))
	}
	if a.store != nil {
		keep(a.store.Close())
	}
	if a.pgPool != nil {
		a.pgPool.Close()
	}
	if a.shutdownObserver != nil {
		keep(a.shutdownObserver(ctx))
	}
	return firstErr
}
