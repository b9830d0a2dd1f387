package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sumandas0/fleetadmin/config"
	"github.com/sumandas0/fleetadmin/internal/kv"
	"github.com/sumandas0/fleetadmin/internal/observability"
)

// Manager coordinates the persisted and reactive tiers for the record
// services: read-through lookups, population and collection-wide
// invalidation.
type Manager struct {
	config    config.CacheConfig
	persisted *Persisted
	reactive  ReactiveTier

	metrics *observability.MetricsManager
	logger  zerolog.Logger

	// Statistics
	hits          uint64
	misses        uint64
	invalidations uint64
	tierFailures  uint64
	mu            sync.RWMutex
}

type Option func(*Manager)

func WithMetrics(metrics *observability.MetricsManager) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock replaces the clock used to stamp and expire persisted entries.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.persisted.now = now
	}
}

// NewManager builds a manager over store. reactive may be nil.
func NewManager(cfg config.CacheConfig, store kv.Store, reactive ReactiveTier, opts ...Option) *Manager {
	m := &Manager{
		config:    cfg,
		persisted: NewPersisted(store, cfg.TTL),
		reactive:  reactive,
		logger:    zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

func (m *Manager) Enabled() bool {
	return m.config.Enabled
}

// Lookup returns a valid persisted entry for key. skip forces a miss without
// touching the store; so does the global skip_cache flag. Store errors are
// logged and reported as misses.
func (m *Manager) Lookup(key Key, skip bool) (*Entry, bool) {
	if !m.config.Enabled || skip || m.config.SkipCache {
		return nil, false
	}

	entry, ok, err := m.persisted.Get(key)
	if err != nil {
		m.logger.Warn().Err(err).Str("key", key.String()).Msg("cache read failed")
	}

	if !ok {
		m.recordMiss(key)
		return nil, false
	}

	m.recordHit(key)
	return entry, true
}

// Store writes a fresh response for key. List pages are also published to
// the reactive tier. Returns the capture time, or zero when caching is off.
func (m *Manager) Store(key Key, data json.RawMessage) time.Time {
	if !m.config.Enabled {
		return time.Time{}
	}

	entry, err := m.persisted.Set(key, data)
	if err != nil {
		m.logger.Warn().Err(err).Str("key", key.String()).Msg("cache write failed")
		return time.Time{}
	}

	if key.Operation == config.OperationList {
		m.reactiveCall("publish", key.Collection, func(r ReactiveTier) error {
			return r.Publish(key.Collection, data)
		})
	}

	return entry.Timestamp
}

// InvalidateCollection drops every persisted entry of collection across all
// operations and users, then invalidates the reactive tier. Only a persisted
// tier failure is returned.
func (m *Manager) InvalidateCollection(collection string) error {
	removed, err := m.persisted.InvalidateCollection(collection)

	m.reactiveCall("invalidate", collection, func(r ReactiveTier) error {
		return r.Invalidate(collection)
	})

	m.mu.Lock()
	m.invalidations++
	m.mu.Unlock()
	m.metrics.RecordInvalidation(collection)

	if err != nil {
		m.logger.Error().Err(err).Str("collection", collection).Msg("cache invalidation failed")
		return err
	}

	m.logger.Debug().Str("collection", collection).Int("removed", removed).Msg("cache invalidated")
	return nil
}

// Clear removes every persisted entry and resets the statistics.
func (m *Manager) Clear() (int, error) {
	removed, err := m.persisted.Clear()
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	m.hits = 0
	m.misses = 0
	m.invalidations = 0
	m.tierFailures = 0
	m.mu.Unlock()

	return removed, nil
}

// Prune removes expired persisted entries.
func (m *Manager) Prune() (int, error) {
	return m.persisted.Prune()
}

// StartPruneRoutine prunes on interval until ctx is done.
func (m *Manager) StartPruneRoutine(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n, err := m.Prune(); err != nil {
					m.logger.Warn().Err(err).Msg("cache prune failed")
				} else if n > 0 {
					m.logger.Debug().Int("removed", n).Msg("pruned expired cache entries")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stats returns cache statistics
func (m *Manager) Stats() Stats {
	counts, err := m.persisted.Count()
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to count cache entries")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	total := m.hits + m.misses
	hitRate := float64(0)
	if total > 0 {
		hitRate = float64(m.hits) / float64(total)
	}

	entries := 0
	for _, n := range counts {
		entries += n
	}

	return Stats{
		Hits:          m.hits,
		Misses:        m.misses,
		HitRate:       hitRate,
		Invalidations: m.invalidations,
		TierFailures:  m.tierFailures,
		Entries:       entries,
		ByCollection:  counts,
	}
}

// Stats holds cache statistics
type Stats struct {
	Hits          uint64         `json:"hits" yaml:"hits"`
	Misses        uint64         `json:"misses" yaml:"misses"`
	HitRate       float64        `json:"hit_rate" yaml:"hit_rate"`
	Invalidations uint64         `json:"invalidations" yaml:"invalidations"`
	TierFailures  uint64         `json:"tier_failures" yaml:"tier_failures"`
	Entries       int            `json:"entries" yaml:"entries"`
	ByCollection  map[string]int `json:"by_collection" yaml:"by_collection"`
}

// reactiveCall runs fn against the reactive tier, absorbing any failure.
func (m *Manager) reactiveCall(op, collection string, fn func(ReactiveTier) error) {
	if m.reactive == nil {
		return
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &tierPanic{value: r}
			}
		}()
		return fn(m.reactive)
	}()
	if err == nil {
		return
	}

	m.mu.Lock()
	m.tierFailures++
	m.mu.Unlock()
	m.metrics.RecordTierFailure("reactive", op)

	m.logger.Warn().Err(err).
		Str("collection", collection).
		Str("operation", op).
		Msg("reactive cache update failed")
}

type tierPanic struct {
	value any
}

func (p *tierPanic) Error() string {
	return fmt.Sprintf("reactive tier panicked: %v", p.value)
}

func (m *Manager) recordHit(key Key) {
	m.mu.Lock()
	m.hits++
	m.mu.Unlock()
	m.metrics.RecordCacheHit(key.Collection, key.Operation)
}

func (m *Manager) recordMiss(key Key) {
	m.mu.Lock()
	m.misses++
	m.mu.Unlock()
	m.metrics.RecordCacheMiss(key.Collection, key.Operation)
}
