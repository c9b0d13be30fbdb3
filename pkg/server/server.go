// Package server provides the public entry point for initializing the
// dispatcher service.
//
// This package exists in pkg/ (not internal/) so that other binaries can
// embed the dispatcher and wrap its handler with their own middleware.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	srv.Start(ctx)
//	http.ListenAndServe(":17280", srv.Handler)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/agentoven/dispatcher/internal/api"
	"github.com/agentoven/dispatcher/internal/api/handlers"
	"github.com/agentoven/dispatcher/internal/api/middleware"
	"github.com/agentoven/dispatcher/internal/catalog"
	"github.com/agentoven/dispatcher/internal/config"
	"github.com/agentoven/dispatcher/internal/executor"
	"github.com/agentoven/dispatcher/internal/metrics"
	"github.com/agentoven/dispatcher/internal/pattern"
	"github.com/agentoven/dispatcher/internal/pipeline"
	"github.com/agentoven/dispatcher/internal/process"
	"github.com/agentoven/dispatcher/internal/ratelimit"
	"github.com/agentoven/dispatcher/internal/retention"
	"github.com/agentoven/dispatcher/internal/router"
	"github.com/agentoven/dispatcher/internal/semantic"
	"github.com/agentoven/dispatcher/internal/store"
	"github.com/agentoven/dispatcher/internal/summarylock"
	"github.com/agentoven/dispatcher/internal/telemetry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
)

// Server holds the initialized dispatcher.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store (memory or SQLite).
	Store store.Store

	// Pipeline is the request pipeline behind the HTTP handlers.
	Pipeline *pipeline.Pipeline

	// Catalog applies the project catalog file to Store.
	Catalog *catalog.Loader

	// Janitor purges expired records; disabled when retention is 0.
	Janitor *retention.Janitor

	// Config is the server configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	closers []func(context.Context) error
}

// New initializes all components from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the dispatcher with an explicit configuration.
// The catalog is applied once before returning; call Start for the watcher
// and the retention janitor.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	srv := &Server{Config: cfg, Port: cfg.Port}
	if err := srv.init(ctx); err != nil {
		_ = srv.Shutdown(context.Background())
		return nil, err
	}
	return srv, nil
}

func (srv *Server) init(ctx context.Context) error {
	cfg := srv.Config

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	srv.closers = append(srv.closers, shutdownTracing)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	if err := os.MkdirAll(cfg.Executor.IsolatedDir, 0o755); err != nil {
		return fmt.Errorf("create isolated dir: %w", err)
	}

	dataStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	srv.Store = dataStore
	srv.closers = append(srv.closers, func(context.Context) error { return dataStore.Close() })

	lockBackend, closeLocks, err := openLockBackend(ctx, cfg.Lock, dataStore)
	if err != nil {
		return err
	}
	if closeLocks != nil {
		srv.closers = append(srv.closers, func(context.Context) error { return closeLocks() })
	}
	locker := summarylock.New(lockBackend, summarylock.WithTTL(cfg.Lock.TTL), summarylock.WithMetrics(m))

	runner := process.NewExecRunner()
	if _, ok := process.LookPath(cfg.Executor.Binary); !ok {
		log.Warn().Str("binary", cfg.Executor.Binary).Msg("Reasoning-model binary not found in PATH; executions will fail with spawn_failed")
	}
	dispatcher := executor.NewDispatcher(runner, executor.Config{
		Binary:                 cfg.Executor.Binary,
		DefaultTimeout:         cfg.Executor.Timeout,
		DefaultWorkingDir:      cfg.Executor.WorkingDir,
		DefaultDisallowedTools: cfg.Executor.DefaultDisallowedTools,
	}, m)

	backend, err := openSemantic(cfg.Semantic, runner)
	if err != nil {
		return err
	}

	tiers := []router.Tier{router.NewKeywordTier(pattern.NewCache(m))}
	if backend != nil {
		tiers = append(tiers, router.NewSemanticTier(backend))
	}
	tiers = append(tiers, router.NewModelTier(dispatcher, cfg.Executor.IsolatedDir))
	rt := router.New(m, tiers...)

	limiter := ratelimit.New(ratelimit.WithCapacity(cfg.RateLimit.Capacity), ratelimit.WithMetrics(m))

	var pipeOpts []pipeline.Option
	if backend != nil {
		pipeOpts = append(pipeOpts, pipeline.WithIndexer(backend))
	}
	srv.Pipeline = pipeline.New(dataStore, limiter, rt, dispatcher, locker, pipeline.Config{
		IsolatedDir:    cfg.Executor.IsolatedDir,
		BaseURL:        cfg.BaseURL,
		SummaryModel:   cfg.Summary.Model,
		SummaryTimeout: cfg.Summary.Timeout,
	}, pipeOpts...)
	srv.closers = append(srv.closers, srv.Pipeline.WaitContext)

	// The in-process index starts empty, so it is filled on every catalog
	// apply. The CLI index persists and is synced on demand.
	loaderOpts := []catalog.Option{catalog.WithDefaults(catalog.Defaults{
		FallbackAgent:   cfg.Classify.FallbackAgent,
		ClassifyModel:   cfg.Classify.Model,
		ClassifyTimeout: int(cfg.Classify.Timeout.Seconds()),
		AgentModel:      cfg.Agents.Model,
		AgentTimeout:    int(cfg.Agents.Timeout.Seconds()),
	})}
	if ix, ok := backend.(*semantic.IndexSearcher); ok {
		loaderOpts = append(loaderOpts, catalog.WithIndexer(ix))
	}
	srv.Catalog = catalog.NewLoader(cfg.Catalog.Path, dataStore, limiter, loaderOpts...)
	if err := srv.Catalog.Reload(ctx); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load catalog: %w", err)
		}
		log.Warn().Str("path", cfg.Catalog.Path).Msg("Catalog file not found; serving projects already in storage")
	}
	srv.closers = append(srv.closers, func(context.Context) error { return srv.Catalog.Close() })

	srv.Janitor = retention.NewJanitor(dataStore, cfg.Retention.Days, cfg.Retention.Interval)

	h := handlers.New(srv.Pipeline, dataStore)
	srv.Handler = api.NewRouter(cfg, api.Deps{
		Handlers: h,
		Auth:     middleware.NewAPIKeyAuth(cfg.Auth.APIKeys, cfg.Auth.APIKeyHeader),
		Store:    dataStore,
		Gatherer: reg,
	})

	log.Info().
		Str("store", cfg.Store.Kind).
		Str("lock_backend", cfg.Lock.Backend).
		Bool("semantic", backend != nil).
		Msg("✅ Dispatcher initialized")
	return nil
}

// Start launches the catalog watcher and the retention janitor. Both stop
// when ctx is canceled.
func (srv *Server) Start(ctx context.Context) {
	if srv.Config.Catalog.Watch {
		if err := srv.Catalog.Watch(ctx); err != nil {
			log.Warn().Err(err).Msg("Catalog watch disabled")
		}
	}
	go srv.Janitor.Start(ctx)
}

// Shutdown waits for background summarization and releases resources in
// reverse order of creation.
func (srv *Server) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(srv.closers) - 1; i >= 0; i-- {
		if err := srv.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	srv.closers = nil
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Kind {
	case "memory":
		s := store.NewMemoryStore(cfg.DataDir)
		log.Info().Str("data_dir", cfg.DataDir).Msg("✅ In-memory store initialized")
		return s, nil
	case "sqlite", "":
		s, err := store.NewSQLiteStore(ctx, cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		log.Info().Str("path", cfg.DBPath).Msg("✅ SQLite store initialized")
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store %q (want memory or sqlite)", cfg.Kind)
	}
}

// openLockBackend returns the lock backend and, for external backends, the
// function that closes it.
func openLockBackend(ctx context.Context, cfg config.LockConfig, st store.Store) (summarylock.Backend, func() error, error) {
	switch cfg.Backend {
	case "store", "":
		return st, nil, nil
	case "postgres":
		if cfg.PostgresURL == "" {
			return nil, nil, errors.New("DISPATCHER_POSTGRES_URL is required for the postgres lock backend")
		}
		b, err := summarylock.NewPostgresBackend(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres lock backend: %w", err)
		}
		return b, b.Close, nil
	case "redis":
		b, err := summarylock.NewRedisBackend(ctx, cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
		if err != nil {
			return nil, nil, fmt.Errorf("open redis lock backend: %w", err)
		}
		return b, b.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown lock backend %q (want store, postgres or redis)", cfg.Backend)
	}
}

func openSemantic(cfg config.SemanticConfig, runner process.Runner) (semantic.Backend, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	filter := semantic.Config{MinScore: cfg.MinScore, TopK: cfg.TopK}
	switch cfg.Backend {
	case "cli", "":
		return semantic.NewCLISearcher(runner, cfg.Binary, filter), nil
	case "index":
		emb, err := semantic.NewEmbedder(cfg.EmbeddingsProvider, cfg.EmbeddingsModel, cfg.EmbeddingsEndpoint, cfg.EmbeddingsAPIKey)
		if err != nil {
			return nil, fmt.Errorf("semantic embedder: %w", err)
		}
		return semantic.NewIndexSearcher(emb, filter), nil
	default:
		return nil, fmt.Errorf("unknown semantic backend %q (want cli or index)", cfg.Backend)
	}
}

// ShutdownTimeout bounds graceful shutdown in cmd/server.
const ShutdownTimeout = 15 * time.Second
