package health

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumandas0/fleetadmin/config"
	"github.com/sumandas0/fleetadmin/internal/kv"
	"github.com/sumandas0/fleetadmin/internal/resilience"
	"github.com/sumandas0/fleetadmin/internal/transport"
	"github.com/sumandas0/fleetadmin/tests/testhelpers"
)

func fixed(status Status) CheckFunc {
	return func(context.Context) ComponentHealth {
		return ComponentHealth{Status: status}
	}
}

func TestChecker_Aggregates(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{name: "all healthy", statuses: []Status{StatusHealthy, StatusHealthy}, want: StatusHealthy},
		{name: "one degraded", statuses: []Status{StatusHealthy, StatusDegraded}, want: StatusDegraded},
		{name: "unhealthy wins", statuses: []Status{StatusDegraded, StatusUnhealthy}, want: StatusUnhealthy},
		{name: "nothing registered", want: StatusHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(time.Second)
			for i, s := range tt.statuses {
				c.Register(string(rune('a'+i)), fixed(s))
			}

			report := c.Check(context.Background())
			assert.Equal(t, tt.want, report.Status)
			assert.Equal(t, len(tt.statuses), report.Summary.Total)
			assert.Equal(t, report.Status, c.Last().Status)
		})
	}
}

func TestChecker_Timeout(t *testing.T) {
	c := NewChecker(50 * time.Millisecond)
	c.Register("slow", func(ctx context.Context) ComponentHealth {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		return ComponentHealth{Status: StatusHealthy}
	})
	c.Register("fast", fixed(StatusHealthy))

	report := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, "health check timed out", report.Components["slow"].Message)
	assert.Equal(t, "slow", report.Components["slow"].Name)
	assert.Equal(t, StatusHealthy, report.Components["fast"].Status)
	assert.Equal(t, []string{"fast", "slow"}, c.Names())
}

func TestBackendCheck(t *testing.T) {
	env := testhelpers.SetupTestEnvironment(t)

	h := BackendCheck(env.Client, env.Config.HealthEndpoint())(context.Background())
	assert.Equal(t, StatusHealthy, h.Status)
	assert.Equal(t, "/pb/api/health", h.Details["endpoint"])

	h = BackendCheck(env.Client, "/pb/api/nowhere")(context.Background())
	assert.Equal(t, StatusUnhealthy, h.Status)
	assert.Contains(t, h.Message, "backend ping failed")
}

type brokenStore struct{ kv.Store }

func (brokenStore) Set(string, []byte) error { return errors.New("disk full") }

func TestStoreCheck(t *testing.T) {
	store := kv.NewMemoryStore()

	h := StoreCheck(store)(context.Background())
	assert.Equal(t, StatusHealthy, h.Status)
	_, ok, err := store.Get(probeKey)
	require.NoError(t, err)
	assert.False(t, ok, "the probe key is cleaned up")

	h = StoreCheck(brokenStore{store})(context.Background())
	assert.Equal(t, StatusDegraded, h.Status)
	assert.Contains(t, h.Message, "disk full")

	require.NoError(t, store.Close())
	h = StoreCheck(store)(context.Background())
	assert.Equal(t, StatusDegraded, h.Status)
}

func TestBreakerCheck(t *testing.T) {
	assert.Equal(t, StatusHealthy, BreakerCheck(nil)(context.Background()).Status)

	env := testhelpers.SetupTestEnvironment(t)
	breakers := resilience.NewCircuitBreakerManager(config.CircuitBreakerConfig{
		Enabled:          true,
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          time.Minute,
		FailureThreshold: 1,
	}, zerolog.Nop())
	client, err := transport.NewClient(env.Server.URL, transport.WithCircuitBreaker(breakers))
	require.NoError(t, err)

	_, err = client.GetList(context.Background(), env.Config.CollectionEndpoint("edges", ""), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, BreakerCheck(breakers)(context.Background()).Status)

	env.Backend.FailNext("edges", http.StatusServiceUnavailable, 1)
	_, err = client.GetList(context.Background(), env.Config.CollectionEndpoint("edges", ""), nil)
	require.Error(t, err)

	h := BreakerCheck(breakers)(context.Background())
	assert.Equal(t, StatusDegraded, h.Status)
	assert.Len(t, h.Details, 1)
}

func TestCacheCheck(t *testing.T) {
	env := testhelpers.SetupTestEnvironment(t)

	h := CacheCheck(env.Cache)(context.Background())
	assert.Equal(t, StatusHealthy, h.Status)
	assert.Equal(t, "0", h.Details["tier_failures"])

	assert.Equal(t, "cache disabled", CacheCheck(nil)(context.Background()).Message)
}
