// Package app wires configuration, stores, transport and the fleet services
// into one Application the CLI drives.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/sumandas0/fleetadmin/config"
	"github.com/sumandas0/fleetadmin/internal/cache"
	"github.com/sumandas0/fleetadmin/internal/dashboard"
	"github.com/sumandas0/fleetadmin/internal/edge"
	"github.com/sumandas0/fleetadmin/internal/health"
	"github.com/sumandas0/fleetadmin/internal/kv"
	"github.com/sumandas0/fleetadmin/internal/location"
	"github.com/sumandas0/fleetadmin/internal/lock"
	"github.com/sumandas0/fleetadmin/internal/observability"
	"github.com/sumandas0/fleetadmin/internal/operation"
	"github.com/sumandas0/fleetadmin/internal/records"
	"github.com/sumandas0/fleetadmin/internal/reftypes"
	"github.com/sumandas0/fleetadmin/internal/resilience"
	"github.com/sumandas0/fleetadmin/internal/security"
	"github.com/sumandas0/fleetadmin/internal/session"
	"github.com/sumandas0/fleetadmin/internal/topic"
	"github.com/sumandas0/fleetadmin/internal/transport"
)

const healthTimeout = 5 * time.Second

type options struct {
	cacheStore   kv.Store
	sessionStore kv.Store
	httpClient   *http.Client
	logger       *zerolog.Logger
	notifier     operation.Notifier
	now          func() time.Time
}

type Option func(*options)

// WithStores replaces the bolt files with the given stores. The application
// still closes them.
func WithStores(cacheStore, sessionStore kv.Store) Option {
	return func(o *options) {
		o.cacheStore = cacheStore
		o.sessionStore = sessionStore
	}
}

// WithHTTPClient replaces the transport's HTTP client. The client is used as
// given; api.timeout does not override its Timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithLogger bypasses the configured log output.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = &logger
	}
}

func WithNotifier(n operation.Notifier) Option {
	return func(o *options) {
		o.notifier = n
	}
}

// WithClock sets the time source of the cache and the dashboard.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

type closer struct {
	name string
	fn   func() error
}

// Application holds every component of a fleetctl invocation.
type Application struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Metrics *observability.MetricsManager
	Tracing *observability.TracingManager

	Breakers *resilience.CircuitBreakerManager
	Client   *transport.Client
	Session  *session.StoreResolver
	Auth     *session.Authenticator
	Cache    *cache.Manager
	Locks    *lock.Manager

	Edges       *edge.Service
	Locations   *location.Service
	Things      *records.Service
	Clients     *records.Service
	Permissions *topic.PermissionService
	RefTypes    *reftypes.Store
	Dashboard   *dashboard.Dashboard
	Health      *health.Checker
	Runner      *operation.Runner

	services  map[string]*records.Service
	now       func() time.Time
	stopPrune context.CancelFunc
	closers   []closer
}

// New builds the application. On error everything opened so far is closed.
func New(cfg *config.Config, opts ...Option) (_ *Application, err error) {
	o := &options{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	app := &Application{Config: cfg, services: make(map[string]*records.Service), now: o.now}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	if err = app.initObservability(o); err != nil {
		return nil, err
	}

	cacheStore, sessionStore, err := app.openStores(o)
	if err != nil {
		return nil, err
	}

	app.Session = session.NewStoreResolver(sessionStore, app.Logger.With().Str("component", "session").Logger())

	if err = app.initTransport(o); err != nil {
		return nil, err
	}
	app.Auth = session.NewAuthenticator(app.Client, sessionStore, cfg.API.BasePath, cfg.Collections.Users,
		app.Logger.With().Str("component", "auth").Logger())

	app.initCache(o, cacheStore)
	app.initServices()
	app.Dashboard = app.NewDashboard()
	app.initHealth(cacheStore, sessionStore)

	notifier := o.notifier
	if notifier == nil {
		notifier = operation.NewLogNotifier(app.Logger)
	}
	app.Runner = operation.NewRunner(notifier, app.Logger)

	app.Logger.Debug().
		Str("base_url", cfg.APIBaseURL()).
		Bool("cache", cfg.IsCacheEnabled()).
		Str("environment", cfg.Environment).
		Msg("application initialized")

	return app, nil
}

func (app *Application) initObservability(o *options) error {
	cfg := app.Config

	if o.logger != nil {
		app.Logger = *o.logger
	} else {
		logging, err := observability.NewLogger(observability.LoggingConfig{
			Level:  observability.LogLevel(cfg.Logging.Level),
			Format: observability.LogFormat(cfg.Logging.Format),
			Output: cfg.Logging.Output,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		observability.SetGlobalLogger(logging)
		app.Logger = logging.Zerolog()
		app.closers = append(app.closers, closer{"logging", logging.Close})
	}

	app.Metrics = observability.NewMetricsManager(observability.MetricsConfig{
		Enabled:   cfg.Metrics.Enabled,
		Namespace: cfg.Metrics.Namespace,
	})

	tracing, err := observability.NewTracingManager(observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	app.Tracing = tracing
	app.closers = append(app.closers, closer{"tracing", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tracing.Shutdown(ctx)
	}})

	return nil
}

// openStores opens the session store and the persisted cache tier. Both live
// in one bolt file when their paths agree; a non-persistent cache is kept in
// memory.
func (app *Application) openStores(o *options) (cacheStore, sessionStore kv.Store, err error) {
	cfg := app.Config

	sessionStore = o.sessionStore
	if sessionStore == nil {
		sessionStore, err = kv.NewBoltStore(cfg.Session.Path)
		if err != nil {
			return nil, nil, err
		}
	}
	app.closers = append(app.closers, closer{"session store", sessionStore.Close})

	cacheStore = o.cacheStore
	switch {
	case cacheStore != nil:
	case !cfg.Cache.Persist:
		cacheStore = kv.NewMemoryStore()
	case cfg.Cache.Path == cfg.Session.Path && o.sessionStore == nil:
		return sessionStore, sessionStore, nil
	default:
		cacheStore, err = kv.NewBoltStore(cfg.Cache.Path)
		if err != nil {
			return nil, nil, err
		}
	}
	app.closers = append(app.closers, closer{"cache store", cacheStore.Close})

	return cacheStore, sessionStore, nil
}

func (app *Application) initTransport(o *options) error {
	cfg := app.Config

	app.Breakers = resilience.NewCircuitBreakerManager(cfg.Transport.CircuitBreaker,
		app.Logger.With().Str("component", "circuit_breaker").Logger())

	clientOpts := []transport.ClientOption{
		transport.WithTokenSource(app.Session),
		transport.WithCircuitBreaker(app.Breakers),
		transport.WithMetrics(app.Metrics),
		transport.WithTracing(app.Tracing),
		transport.WithLogger(app.Logger.With().Str("component", "transport").Logger()),
	}
	if o.httpClient != nil {
		clientOpts = append(clientOpts, transport.WithHTTPClient(o.httpClient))
	} else {
		clientOpts = append(clientOpts, transport.WithTimeout(cfg.API.Timeout))
	}
	if cfg.Transport.Retry.Enabled {
		clientOpts = append(clientOpts, transport.WithRetry(
			resilience.NewRetryManager(cfg.Transport.Retry, resilience.StrategyExponential)))
	}
	if cfg.Transport.RateLimit.Enabled {
		clientOpts = append(clientOpts, transport.WithRateLimiter(security.NewRateLimiter(cfg.Transport.RateLimit)))
	}

	client, err := transport.NewClient(cfg.APIBaseURL(), clientOpts...)
	if err != nil {
		return fmt.Errorf("failed to create transport client: %w", err)
	}
	app.Client = client
	return nil
}

func (app *Application) initCache(o *options, store kv.Store) {
	cfg := app.Config

	reactive := cache.NewReactive(cfg.Cache.DefaultTTL)
	app.closers = append(app.closers, closer{"reactive cache", func() error {
		reactive.Close()
		return nil
	}})

	app.Cache = cache.NewManager(cfg.Cache, store, reactive,
		cache.WithMetrics(app.Metrics),
		cache.WithLogger(app.Logger.With().Str("component", "cache").Logger()),
		cache.WithClock(o.now),
	)

	if cfg.IsCacheEnabled() && cfg.Cache.Persist {
		ctx, cancel := context.WithCancel(context.Background())
		app.stopPrune = cancel
		app.Cache.StartPruneRoutine(ctx, cfg.Cache.DefaultTTL)
	}
}

func (app *Application) initServices() {
	cfg := app.Config
	deps := records.Deps{
		Config:    cfg,
		Transport: app.Client,
		Cache:     app.Cache,
		Session:   app.Session,
		Sanitizer: security.NewInputSanitizer(security.DefaultSanitizerConfig()),
		Metrics:   app.Metrics,
		Tracing:   app.Tracing,
		Logger:    app.Logger,
	}
	service := func(desc records.Descriptor) *records.Service {
		s := records.NewService(desc, deps)
		app.services[desc.Collection] = s
		return s
	}

	app.Locks = lock.NewManager(cfg.API.Timeout, app.Logger)
	app.Edges = edge.NewService(service(edge.Descriptor(cfg.Collections.Edges)), app.Logger,
		edge.WithLocks(app.Locks))
	app.Locations = location.NewService(service(location.Descriptor(cfg.Collections.Locations)), app.Logger,
		location.WithLocks(app.Locks))
	app.Things = service(ThingsDescriptor(cfg.Collections.Things))
	app.Clients = service(ClientsDescriptor(cfg.Collections.Clients))
	app.Permissions = topic.NewPermissionService(
		service(topic.Descriptor(cfg.Collections.TopicPermissions)), app.Clients, app.Logger)

	refs := map[reftypes.Kind]*records.Service{
		reftypes.EdgeTypes:     service(reftypes.Descriptor(cfg.Collections.EdgeTypes)),
		reftypes.EdgeRegions:   service(reftypes.Descriptor(cfg.Collections.EdgeRegions)),
		reftypes.LocationTypes: service(reftypes.Descriptor(cfg.Collections.LocationTypes)),
		reftypes.ThingTypes:    service(reftypes.Descriptor(cfg.Collections.ThingTypes)),
	}
	app.RefTypes = reftypes.NewStore(refs, app.Logger)
}

// NewDashboard builds a dashboard over the fleet collections. opts follow
// the configured defaults.
func (app *Application) NewDashboard(opts ...dashboard.Option) *dashboard.Dashboard {
	counters := map[string]dashboard.Lister{
		"edges":     app.Edges.Records(),
		"locations": app.Locations.Records(),
		"things":    app.Things,
		"clients":   app.Clients,
	}
	defaults := []dashboard.Option{
		dashboard.WithClock(app.now),
		dashboard.WithGrafanaURL(app.Config.API.GrafanaURL),
	}
	return dashboard.New(counters, app.Client, app.Config.LogsEndpoint(), app.Logger, append(defaults, opts...)...)
}

func (app *Application) initHealth(cacheStore, sessionStore kv.Store) {
	app.Health = health.NewChecker(healthTimeout)
	app.Health.Register("backend", health.BackendCheck(app.Client, app.Config.HealthEndpoint()))
	app.Health.Register("session_store", health.StoreCheck(sessionStore))
	if cacheStore != sessionStore {
		app.Health.Register("cache_store", health.StoreCheck(cacheStore))
	}
	app.Health.Register("circuit_breakers", health.BreakerCheck(app.Breakers))
	app.Health.Register("cache", health.CacheCheck(app.Cache))
}

// Service returns the record service of a collection, or nil.
func (app *Application) Service(collection string) *records.Service {
	return app.services[collection]
}

// Collections lists every collection with a record service.
func (app *Application) Collections() []string {
	names := make([]string, 0, len(app.services))
	for name := range app.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases components in reverse order of creation and reports every
// failure.
func (app *Application) Close() error {
	if app.stopPrune != nil {
		app.stopPrune()
	}

	var result *multierror.Error
	for i := len(app.closers) - 1; i >= 0; i-- {
		c := app.closers[i]
		if err := c.fn(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s close failed: %w", c.name, err))
		}
	}
	app.closers = nil

	return result.ErrorOrNil()
}
