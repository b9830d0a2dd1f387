package testhelpers

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sumandas0/fleetadmin/config"
	"github.com/sumandas0/fleetadmin/internal/cache"
	"github.com/sumandas0/fleetadmin/internal/fakepb"
	"github.com/sumandas0/fleetadmin/internal/kv"
	"github.com/sumandas0/fleetadmin/internal/observability"
	"github.com/sumandas0/fleetadmin/internal/records"
	"github.com/sumandas0/fleetadmin/internal/security"
	"github.com/sumandas0/fleetadmin/internal/session"
	"github.com/sumandas0/fleetadmin/internal/transport"
)

// Clock is a settable time source shared by the cache and the fake backend.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Identity is a session.Provider tests can switch between users.
type Identity struct {
	mu sync.RWMutex
	id session.Identity
}

func (i *Identity) Identity(context.Context) session.Identity {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.id
}

func (i *Identity) Set(userID, orgID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.id = session.Identity{UserID: userID, OrgID: orgID}
}

// Environment is a fake record backend behind a real transport client, with
// both cache tiers in memory.
type Environment struct {
	Backend  *fakepb.Backend
	Server   *httptest.Server
	Config   *config.Config
	Client   *transport.Client
	Store    kv.Store
	Reactive *cache.Reactive
	Cache    *cache.Manager
	Session  *Identity
	Clock    *Clock
	Metrics  *observability.MetricsManager
}

type EnvOption func(*config.Config)

// WithoutCache disables both tiers.
func WithoutCache() EnvOption {
	return func(cfg *config.Config) {
		cfg.Cache.Enabled = false
	}
}

func WithPageSize(def, max int) EnvOption {
	return func(cfg *config.Config) {
		cfg.Pagination.DefaultPageSize = def
		cfg.Pagination.MaxPageSize = max
	}
}

func SetupTestEnvironment(t *testing.T, opts ...EnvOption) *Environment {
	t.Helper()

	cfg := config.Default()
	for _, opt := range opts {
		opt(cfg)
	}

	backend := fakepb.New(cfg.API.BasePath)
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)
	cfg.API.BaseURL = srv.URL

	client, err := transport.NewClient(srv.URL, transport.WithTimeout(5*time.Second))
	require.NoError(t, err)

	clock := NewClock()
	metrics := NewTestMetrics(t)
	store := kv.NewMemoryStore()
	reactive := cache.NewReactive(time.Minute)
	t.Cleanup(reactive.Close)

	identity := &Identity{}
	identity.Set("user-1", "org-1")

	return &Environment{
		Backend:  backend,
		Server:   srv,
		Config:   cfg,
		Client:   client,
		Store:    store,
		Reactive: reactive,
		Cache: cache.NewManager(cfg.Cache, store, reactive,
			cache.WithClock(clock.Now),
			cache.WithLogger(NewTestLogger()),
			cache.WithMetrics(metrics),
		),
		Session: identity,
		Clock:   clock,
		Metrics: metrics,
	}
}

// Deps wires the environment into record services.
func (e *Environment) Deps() records.Deps {
	return records.Deps{
		Config:    e.Config,
		Transport: e.Client,
		Cache:     e.Cache,
		Session:   e.Session,
		Sanitizer: security.NewInputSanitizer(security.DefaultSanitizerConfig()),
		Metrics:   e.Metrics,
		Logger:    NewTestLogger(),
	}
}

// Service builds a record service for desc over the environment.
func (e *Environment) Service(desc records.Descriptor) *records.Service {
	return records.NewService(desc, e.Deps())
}
