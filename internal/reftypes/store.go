// Package reftypes loads the small reference collections (edge types and
// regions, location and thing types) and resolves codes to display names.
package reftypes

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sumandas0/fleetadmin/internal/records"
)

type Kind string

const (
	EdgeTypes     Kind = "edge_types"
	EdgeRegions   Kind = "edge_regions"
	LocationTypes Kind = "location_types"
	ThingTypes    Kind = "thing_types"
)

// Kinds lists every reference kind in load order.
var Kinds = []Kind{EdgeTypes, EdgeRegions, LocationTypes, ThingTypes}

type Type struct {
	ID          string `json:"id" yaml:"id"`
	Code        string `json:"code" yaml:"code"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

func Descriptor(collection string) records.Descriptor {
	return records.Descriptor{
		Collection:     collection,
		SanitizeFields: []string{"name", "description"},
		FilterBuilder:  records.EqualityFilters("code"),
	}
}

// Store keeps the last loaded list of each kind. Reads go through the
// record services, whose cache holds reference collections for the long TTL.
type Store struct {
	services map[Kind]*records.Service
	logger   zerolog.Logger

	mu    sync.RWMutex
	types map[Kind][]Type
}

func NewStore(services map[Kind]*records.Service, logger zerolog.Logger) *Store {
	return &Store{
		services: services,
		logger:   logger.With().Str("component", "reftypes").Logger(),
		types:    make(map[Kind][]Type),
	}
}

// Load fetches one kind, sorted by name, and remembers it.
func (s *Store) Load(ctx context.Context, kind Kind) ([]Type, error) {
	svc, ok := s.services[kind]
	if !ok {
		return nil, fmt.Errorf("unknown reference kind %q", kind)
	}

	recs, err := svc.ListAll(ctx, records.ListParams{Sort: "name"})
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", kind, err)
	}

	types := make([]Type, 0, len(recs))
	for _, rec := range recs {
		types = append(types, Type{
			ID:          rec.ID(),
			Code:        rec.String("code"),
			Name:        rec.String("name"),
			Description: rec.String("description"),
		})
	}
	sort.SliceStable(types, func(i, j int) bool { return types[i].Name < types[j].Name })

	s.mu.Lock()
	s.types[kind] = types
	s.mu.Unlock()

	s.logger.Debug().Str("kind", string(kind)).Int("count", len(types)).Msg("loaded reference types")
	return types, nil
}

// LoadAll loads every configured kind concurrently.
func (s *Store) LoadAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, kind := range Kinds {
		if _, ok := s.services[kind]; !ok {
			continue
		}
		g.Go(func() error {
			_, err := s.Load(ctx, kind)
			return err
		})
	}
	return g.Wait()
}

// Types returns the last loaded list of kind.
func (s *Store) Types(kind Kind) []Type {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Type(nil), s.types[kind]...)
}

// Name resolves a code to its display name, falling back to the code itself.
func (s *Store) Name(kind Kind, code string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.types[kind] {
		if t.Code == code {
			return t.Name
		}
	}
	return code
}

// Invalidate drops the cached responses of kind so the next Load refetches.
func (s *Store) Invalidate(ctx context.Context, kind Kind) error {
	svc, ok := s.services[kind]
	if !ok {
		return fmt.Errorf("unknown reference kind %q", kind)
	}
	return svc.ClearCache(ctx)
}
