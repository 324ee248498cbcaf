// Package kiroku is the public API for embedding the kiroku ingestion server.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := kiroku.New(
//	    kiroku.WithVersion(version),
//	    kiroku.WithLogger(logger),
//	    kiroku.WithEventHook(myHook{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// kiroku (root) imports internal/*, but internal/* never imports the root.
// Public types are standalone structs; the adapters that convert between
// the two sides live in this file.
package kiroku

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/kiroku/internal/config"
	"github.com/ashita-ai/kiroku/internal/contentcache"
	"github.com/ashita-ai/kiroku/internal/ingest"
	"github.com/ashita-ai/kiroku/internal/mcp"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/otlp"
	"github.com/ashita-ai/kiroku/internal/projects"
	"github.com/ashita-ai/kiroku/internal/ratelimit"
	"github.com/ashita-ai/kiroku/internal/server"
	"github.com/ashita-ai/kiroku/internal/storage"
	"github.com/ashita-ai/kiroku/internal/storage/sqlite"
	"github.com/ashita-ai/kiroku/internal/telemetry"
	"github.com/ashita-ai/kiroku/migrations"
)

// runStore is what both store backends provide.
type runStore interface {
	ingest.Store
	ingest.ChatStore
	projects.Store
	mcp.RunReader
	server.HealthChecker
	Close(ctx context.Context) error
}

// App is the kiroku server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	store        runStore
	cache        contentcache.Cache
	resolver     *projects.Resolver
	limiter      ratelimit.Limiter
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the kiroku server. It opens the store, applies the schema,
// wires all subsystems and returns a ready-to-run App. It does not accept
// HTTP connections until Run is called.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	o.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kiroku starting", "version", version, "port", cfg.Port, "store", cfg.Store)

	ctx := context.Background()
	otelShutdown, err := telemetry.Init(ctx, telemetry.Settings{
		Endpoint:       cfg.OTELEndpoint,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		Insecure:       cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Resources opened so far are released in reverse order on failure.
	var cleanup []func()
	fail := func(err error) (*App, error) {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		_ = otelShutdown(context.Background())
		return nil, err
	}

	store, err := openStore(ctx, cfg, o.extraMigrations, logger)
	if err != nil {
		return fail(err)
	}
	cleanup = append(cleanup, func() { _ = store.Close(context.Background()) })

	cache, err := openContentCache(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	cleanup = append(cleanup, func() { _ = cache.Close() })

	resolver := projects.NewResolver(store, projects.DefaultCacheTTL, logger)
	cleanup = append(cleanup, resolver.Close)
	if cfg.FallbackProjectKey != "" {
		id, err := resolver.EnsureFallback(ctx, cfg.FallbackProjectKey)
		if err != nil {
			return fail(fmt.Errorf("fallback project: %w", err))
		}
		logger.Info("fallback project ready", "project_id", id)
	}

	var tokens ingest.TokenCounter = ingest.NewTiktoken()
	if o.tokenCounter != nil {
		tokens = o.tokenCounter
	}

	registrar := ingest.NewRegistrar(ingest.RegistrarConfig{
		Store:     store,
		ChatStore: store,
		Pricer:    ingest.NewPricer(toModelCosts(o.modelCosts)),
		Tokens:    tokens,
		Retry:     ingest.RetryPolicy{Attempts: cfg.ParentRetryAttempts, Delay: cfg.ParentRetryDelay},
		Logger:    logger,
	})

	hooks := make([]ingest.Hook, 0, len(o.eventHooks))
	for _, h := range o.eventHooks {
		hooks = append(hooks, &eventHookAdapter{hook: h, logger: logger})
	}
	svc := ingest.NewService(registrar, logger, hooks...)

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	mcpSrv := mcp.New(svc, store, logger, version)

	routes := make([]func(*http.ServeMux), 0, len(o.routeRegistrars))
	for _, fn := range o.routeRegistrars {
		routes = append(routes, func(mux *http.ServeMux) { fn(mux) })
	}
	middlewares := make([]func(http.Handler) http.Handler, 0, len(o.middlewares))
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, func(h http.Handler) http.Handler { return mw(h) })
	}

	srv := server.New(server.ServerConfig{
		Ingest:              svc,
		Translator:          otlp.New(cache, logger),
		Projects:            resolver,
		Store:               store,
		Logger:              logger,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Routes:              routes,
		Middlewares:         middlewares,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		FallbackProjectKey:  cfg.FallbackProjectKey,
	})

	return &App{
		cfg:          cfg,
		store:        store,
		cache:        cache,
		resolver:     resolver,
		limiter:      limiter,
		srv:          srv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

func openStore(ctx context.Context, cfg config.Config, extra []fs.FS, logger *slog.Logger) (runStore, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		if len(extra) > 0 {
			return nil, errors.New("extra migrations require the postgres store")
		}
		s, err := sqlite.New(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		logger.Info("store: sqlite", "path", cfg.SQLitePath)
		return s, nil

	default:
		db, err := storage.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		for i, m := range append([]fs.FS{migrations.FS}, extra...) {
			if err := db.RunMigrations(ctx, m); err != nil {
				_ = db.Close(ctx)
				return nil, fmt.Errorf("migrations[%d]: %w", i, err)
			}
		}
		logger.Info("store: postgres")
		return db, nil
	}
}

func openContentCache(ctx context.Context, cfg config.Config, logger *slog.Logger) (contentcache.Cache, error) {
	if cfg.ContentCache == config.CacheRedis {
		c, err := contentcache.NewRedis(ctx, cfg.RedisURL, cfg.ContentTTL)
		if err != nil {
			return nil, fmt.Errorf("content cache: %w", err)
		}
		logger.Info("content cache: redis", "ttl", cfg.ContentTTL)
		return c, nil
	}
	logger.Info("content cache: memory", "ttl", cfg.ContentTTL)
	return contentcache.NewMemory(cfg.ContentTTL), nil
}

// Handler returns the root HTTP handler, for tests and for embedding in
// another server.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the HTTP server and blocks until ctx is cancelled or the server
// fails. Shutdown is called on the way out; callers should not call it
// separately.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	if err := a.Shutdown(context.Background()); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// Shutdown drains in-flight HTTP requests, then releases the limiter, the
// project cache, the content cache, the store and the OTEL exporters.
// Ingest is synchronous, so no event is still buffered once HTTP has
// drained.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kiroku shutting down")

	httpCtx, cancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	defer cancel()
	var errs []error
	if err := a.srv.Shutdown(httpCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	if err := a.limiter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("rate limiter: %w", err))
	}
	a.resolver.Close()
	if err := a.cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("content cache: %w", err))
	}
	if err := a.store.Close(context.Background()); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	if err := a.otelShutdown(context.Background()); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	a.logger.Info("kiroku stopped")
	return errors.Join(errs...)
}

func contextWithOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// eventHookAdapter adapts the public EventHook to ingest.Hook.
type eventHookAdapter struct {
	hook   EventHook
	logger *slog.Logger
}

func (a *eventHookAdapter) OnEventIngested(ctx context.Context, projectID uuid.UUID, e model.Event, res model.IngestResult) {
	if err := a.hook.OnEventIngested(ctx, projectID, toPublicEvent(e), toPublicResult(res)); err != nil {
		a.logger.Warn("event hook failed", "error", err, "run_id", e.RunID, "kind", e.Kind)
	}
}

func toPublicEvent(e model.Event) Event {
	return Event{
		Kind:        string(e.Kind),
		Type:        string(e.Type),
		RunID:       e.RunID,
		ParentRunID: e.ParentRunID,
		Name:        e.Name,
		Timestamp:   e.Timestamp,
		UserID:      e.UserID,
		Tags:        e.Tags,
		Metadata:    e.Metadata,
	}
}

func toPublicResult(r model.IngestResult) Result {
	return Result{ID: r.ID, Success: r.Success, Error: r.Error}
}

func toModelCosts(costs []ModelCost) []ingest.ModelCost {
	if costs == nil {
		return nil
	}
	out := make([]ingest.ModelCost, len(costs))
	for i, c := range costs {
		out[i] = ingest.ModelCost{Models: c.Models, InputCost: c.InputCost, OutputCost: c.OutputCost}
	}
	return out
}
