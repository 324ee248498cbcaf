package kiroku

import (
	"io/fs"
	"log/slog"

	"github.com/ashita-ai/kiroku/internal/config"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
type resolvedOptions struct {
	port            int
	databaseURL     string
	sqlitePath      string
	logger          *slog.Logger
	version         string
	tokenCounter    TokenCounter
	modelCosts      []ModelCost
	eventHooks      []EventHook
	routeRegistrars []RouteRegistrar
	middlewares     []Middleware
	extraMigrations []fs.FS
}

// apply writes option overrides onto the loaded config.
func (o resolvedOptions) apply(cfg *config.Config) {
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.Store = config.StorePostgres
		cfg.DatabaseURL = o.databaseURL
	}
	if o.sqlitePath != "" {
		cfg.Store = config.StoreSQLite
		cfg.SQLitePath = o.sqlitePath
	}
}

// WithPort overrides the TCP port from config (KIROKU_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL selects the Postgres store at url, overriding
// KIROKU_STORE and DATABASE_URL.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithSQLitePath selects the single-file SQLite store at path. It wins over
// WithDatabaseURL.
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithTokenCounter replaces the tiktoken-based counter used to fill in
// missing LLM token usage.
func WithTokenCounter(tc TokenCounter) Option {
	return func(o *resolvedOptions) { o.tokenCounter = tc }
}

// WithModelCosts replaces the built-in price table. Entries are matched in
// order against the run name.
func WithModelCosts(costs []ModelCost) Option {
	return func(o *resolvedOptions) { o.modelCosts = costs }
}

// WithEventHook registers a hook notified after each ingested event.
// Multiple hooks may be registered; all receive every event.
func WithEventHook(hook EventHook) Option {
	return func(o *resolvedOptions) { o.eventHooks = append(o.eventHooks, hook) }
}

// WithExtraRoutes registers additional routes on the shared HTTP mux.
// Registrars are called in registration order.
func WithExtraRoutes(fn RouteRegistrar) Option {
	return func(o *resolvedOptions) { o.routeRegistrars = append(o.routeRegistrars, fn) }
}

// WithMiddleware registers an HTTP middleware inside the built-in chain.
// The first-registered middleware is outermost.
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}

// WithExtraMigrations adds a SQL migration filesystem applied after the
// built-in Postgres schema. Not supported with the SQLite store.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
