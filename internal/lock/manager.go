// Package lock serializes read-modify-write sequences against the backend
// inside one process, such as allocating the next edge code or rewriting a
// location subtree.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const DefaultMaxWait = 30 * time.Second

var (
	ErrTimeout = errors.New("timed out waiting for lock")
	ErrLocked  = errors.New("resource is locked")
)

// Manager hands out exclusive leases on named resources.
type Manager struct {
	maxWait time.Duration
	logger  zerolog.Logger

	mu    sync.Mutex
	locks map[string]*resourceLock
	stats Stats
}

// resourceLock is shared by the holder and every waiter of a resource and
// dropped from the map once none are left.
type resourceLock struct {
	sem  chan struct{}
	refs int
}

type Stats struct {
	ActiveLocks   int    `json:"active_locks" yaml:"active_locks"`
	TotalAcquired uint64 `json:"total_acquired" yaml:"total_acquired"`
	TotalReleased uint64 `json:"total_released" yaml:"total_released"`
	TotalTimeouts uint64 `json:"total_timeouts" yaml:"total_timeouts"`
}

// Lease is a held lock. Release is safe to call more than once.
type Lease struct {
	Resource string
	Holder   string
	Acquired time.Time

	once    sync.Once
	release func()
}

func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(l.release)
}

// NewManager returns a manager whose Lock gives up after maxWait; zero uses
// DefaultMaxWait.
func NewManager(maxWait time.Duration, logger zerolog.Logger) *Manager {
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	return &Manager{
		maxWait: maxWait,
		logger:  logger.With().Str("component", "lock").Logger(),
		locks:   make(map[string]*resourceLock),
	}
}

// Lock blocks until the resource is free, the context ends or the wait
// limit passes.
func (m *Manager) Lock(ctx context.Context, resource string) (*Lease, error) {
	l := m.ref(resource)

	timer := time.NewTimer(m.maxWait)
	defer timer.Stop()

	select {
	case l.sem <- struct{}{}:
		return m.lease(resource, l), nil
	case <-ctx.Done():
		m.unref(resource, l)
		return nil, ctx.Err()
	case <-timer.C:
		m.mu.Lock()
		m.stats.TotalTimeouts++
		m.unrefLocked(resource, l)
		m.mu.Unlock()
		m.logger.Warn().Str("resource", resource).Dur("waited", m.maxWait).Msg("lock wait timed out")
		return nil, fmt.Errorf("%w on %s", ErrTimeout, resource)
	}
}

// TryLock takes the resource only if it is free right now.
func (m *Manager) TryLock(resource string) (*Lease, error) {
	l := m.ref(resource)

	select {
	case l.sem <- struct{}{}:
		return m.lease(resource, l), nil
	default:
		m.unref(resource, l)
		return nil, fmt.Errorf("%w: %s", ErrLocked, resource)
	}
}

// WithLock runs fn while holding resource.
func (m *Manager) WithLock(ctx context.Context, resource string, fn func(ctx context.Context) error) error {
	lease, err := m.Lock(ctx, resource)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(ctx)
}

func (m *Manager) IsLocked(resource string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[resource]
	return ok && len(l.sem) == 1
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.stats
	for _, l := range m.locks {
		if len(l.sem) == 1 {
			stats.ActiveLocks++
		}
	}
	return stats
}

func (m *Manager) ref(resource string) *resourceLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[resource]
	if !ok {
		l = &resourceLock{sem: make(chan struct{}, 1)}
		m.locks[resource] = l
	}
	l.refs++
	return l
}

func (m *Manager) unref(resource string, l *resourceLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrefLocked(resource, l)
}

func (m *Manager) unrefLocked(resource string, l *resourceLock) {
	l.refs--
	if l.refs == 0 {
		delete(m.locks, resource)
	}
}

func (m *Manager) lease(resource string, l *resourceLock) *Lease {
	lease := &Lease{
		Resource: resource,
		Holder:   uuid.NewString(),
		Acquired: time.Now(),
	}

	m.mu.Lock()
	m.stats.TotalAcquired++
	m.mu.Unlock()

	lease.release = func() {
		m.mu.Lock()
		m.stats.TotalReleased++
		m.unrefLocked(resource, l)
		<-l.sem
		m.mu.Unlock()

		m.logger.Debug().
			Str("resource", resource).
			Str("holder", lease.Holder).
			Dur("held", time.Since(lease.Acquired)).
			Msg("lock released")
	}
	return lease
}
