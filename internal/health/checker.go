// Package health reports on the collaborators fleetctl depends on: the record
// backend, the local stores and the transport's circuit breakers.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sumandas0/fleetadmin/internal/cache"
	"github.com/sumandas0/fleetadmin/internal/kv"
	"github.com/sumandas0/fleetadmin/internal/resilience"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

const probeKey = "health:probe"

type ComponentHealth struct {
	Name      string            `json:"name" yaml:"name"`
	Status    Status            `json:"status" yaml:"status"`
	Message   string            `json:"message,omitempty" yaml:"message,omitempty"`
	LastCheck time.Time         `json:"last_check" yaml:"last_check"`
	Duration  time.Duration     `json:"duration_ms" yaml:"duration_ms"`
	Details   map[string]string `json:"details,omitempty" yaml:"details,omitempty"`
}

type Report struct {
	Status     Status                     `json:"status" yaml:"status"`
	Timestamp  time.Time                  `json:"timestamp" yaml:"timestamp"`
	Components map[string]ComponentHealth `json:"components" yaml:"components"`
	Summary    Summary                    `json:"summary" yaml:"summary"`
}

type Summary struct {
	Total     int `json:"total" yaml:"total"`
	Healthy   int `json:"healthy" yaml:"healthy"`
	Unhealthy int `json:"unhealthy" yaml:"unhealthy"`
	Degraded  int `json:"degraded" yaml:"degraded"`
}

// CheckFunc inspects one component. It should honour ctx.
type CheckFunc func(ctx context.Context) ComponentHealth

// Checker runs registered checks concurrently under one timeout.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	last    map[string]ComponentHealth
	timeout time.Duration
}

func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{
		checks:  make(map[string]CheckFunc),
		last:    make(map[string]ComponentHealth),
		timeout: timeout,
	}
}

func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Names lists registered components in order.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check runs every check. A check still running at the timeout is reported
// unhealthy.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		checks[name] = fn
	}
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]ComponentHealth, len(checks))
	)

	for name, fn := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()

			done := make(chan ComponentHealth, 1)
			go func() { done <- fn(ctx) }()

			var result ComponentHealth
			select {
			case result = <-done:
			case <-ctx.Done():
				result = ComponentHealth{
					Status:    StatusUnhealthy,
					Message:   "health check timed out",
					LastCheck: time.Now(),
					Duration:  c.timeout,
				}
			}
			result.Name = name

			mu.Lock()
			results[name] = result
			mu.Unlock()
		}()
	}
	wg.Wait()

	c.mu.Lock()
	c.last = results
	c.mu.Unlock()

	return summarize(results)
}

// Last returns the report of the previous Check.
func (c *Checker) Last() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return summarize(c.last)
}

func summarize(results map[string]ComponentHealth) Report {
	summary := Summary{Total: len(results)}
	for _, r := range results {
		switch r.Status {
		case StatusHealthy:
			summary.Healthy++
		case StatusUnhealthy:
			summary.Unhealthy++
		case StatusDegraded:
			summary.Degraded++
		}
	}

	status := StatusHealthy
	switch {
	case summary.Unhealthy > 0:
		status = StatusUnhealthy
	case summary.Degraded > 0:
		status = StatusDegraded
	}

	return Report{
		Status:     status,
		Timestamp:  time.Now(),
		Components: results,
		Summary:    summary,
	}
}

// Pinger is satisfied by the transport client.
type Pinger interface {
	Ping(ctx context.Context, endpoint string) error
}

// BackendCheck pings the record API's health endpoint.
func BackendCheck(p Pinger, endpoint string) CheckFunc {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		h := ComponentHealth{LastCheck: start, Details: map[string]string{"endpoint": endpoint}}

		if err := p.Ping(ctx, endpoint); err != nil {
			h.Status = StatusUnhealthy
			h.Message = fmt.Sprintf("backend ping failed: %v", err)
		} else {
			h.Status = StatusHealthy
			h.Message = "backend reachable"
		}

		h.Duration = time.Since(start)
		h.Details["response_time"] = h.Duration.String()
		return h
	}
}

// StoreCheck round-trips a probe key through a kv store. A broken store
// only degrades the tool: the cache and session fall back to the backend.
func StoreCheck(store kv.Store) CheckFunc {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		h := ComponentHealth{LastCheck: start}

		err := probe(store, start)
		h.Duration = time.Since(start)
		if err != nil {
			h.Status = StatusDegraded
			h.Message = err.Error()
			return h
		}

		h.Status = StatusHealthy
		h.Message = "store readable and writable"
		return h
	}
}

func probe(store kv.Store, now time.Time) error {
	want := []byte(now.UTC().Format(time.RFC3339Nano))
	if err := store.Set(probeKey, want); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	defer func() { _ = store.Delete(probeKey) }()

	got, ok, err := store.Get(probeKey)
	switch {
	case err != nil:
		return fmt.Errorf("read failed: %w", err)
	case !ok || string(got) != string(want):
		return fmt.Errorf("probe value not read back")
	}
	return nil
}

// BreakerCheck degrades when any circuit breaker is not closed.
func BreakerCheck(breakers *resilience.CircuitBreakerManager) CheckFunc {
	return func(ctx context.Context) ComponentHealth {
		h := ComponentHealth{LastCheck: time.Now(), Status: StatusHealthy, Details: map[string]string{}}

		if breakers == nil || !breakers.IsEnabled() {
			h.Message = "circuit breakers disabled"
			return h
		}

		var open []string
		for name, status := range breakers.Status() {
			fields, _ := status.(map[string]any)
			state, _ := fields["state"].(string)
			h.Details[name] = state
			if state != gobreaker.StateClosed.String() {
				open = append(open, name)
			}
		}
		sort.Strings(open)

		if len(open) > 0 {
			h.Status = StatusDegraded
			h.Message = fmt.Sprintf("circuit not closed for %v", open)
		} else {
			h.Message = "all circuits closed"
		}
		return h
	}
}

// CacheCheck degrades when the reactive tier has been failing.
func CacheCheck(m *cache.Manager) CheckFunc {
	return func(ctx context.Context) ComponentHealth {
		h := ComponentHealth{LastCheck: time.Now(), Status: StatusHealthy}

		if m == nil || !m.Enabled() {
			h.Message = "cache disabled"
			return h
		}

		stats := m.Stats()
		h.Details = map[string]string{
			"entries":       fmt.Sprint(stats.Entries),
			"hit_rate":      fmt.Sprintf("%.2f", stats.HitRate),
			"tier_failures": fmt.Sprint(stats.TierFailures),
		}
		if stats.TierFailures > 0 {
			h.Status = StatusDegraded
			h.Message = "reactive cache tier reported failures"
			return h
		}
		h.Message = "cache operational"
		return h
	}
}
