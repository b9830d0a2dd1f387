package reftypes

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumandas0/fleetadmin/internal/fakepb"
	"github.com/sumandas0/fleetadmin/internal/records"
	"github.com/sumandas0/fleetadmin/tests/testhelpers"
)

func newTestStore(t *testing.T) (*Store, *testhelpers.Environment) {
	t.Helper()
	env := testhelpers.SetupTestEnvironment(t)

	services := make(map[Kind]*records.Service, len(Kinds))
	for _, kind := range Kinds {
		services[kind] = env.Service(Descriptor(string(kind)))
	}
	return NewStore(services, testhelpers.NewTestLogger()), env
}

func TestStore_LoadAllAndName(t *testing.T) {
	store, env := newTestStore(t)
	env.Backend.Seed("edge_types",
		fakepb.Record{"code": "bld", "name": "Building"},
		fakepb.Record{"code": "cab", "name": "Cabinet"},
	)
	env.Backend.Seed("edge_regions", fakepb.Record{"code": "na", "name": "North America"})
	env.Backend.Seed("thing_types", fakepb.Record{"code": "cam", "name": "Camera"})

	require.NoError(t, store.LoadAll(context.Background()))

	edgeTypes := store.Types(EdgeTypes)
	require.Len(t, edgeTypes, 2)
	assert.Equal(t, "Building", edgeTypes[0].Name)
	assert.Equal(t, "Cabinet", edgeTypes[1].Name)

	assert.Equal(t, "North America", store.Name(EdgeRegions, "na"))
	assert.Equal(t, "Camera", store.Name(ThingTypes, "cam"))
	assert.Equal(t, "eu", store.Name(EdgeRegions, "eu"), "unknown codes resolve to themselves")
	assert.Empty(t, store.Types(LocationTypes))
}

func TestStore_UsesLongTTL(t *testing.T) {
	store, env := newTestStore(t)
	env.Backend.Seed("edge_regions", fakepb.Record{"code": "na", "name": "North America"})
	ctx := context.Background()

	_, err := store.Load(ctx, EdgeRegions)
	require.NoError(t, err)

	env.Backend.Seed("edge_regions", fakepb.Record{"code": "eu", "name": "Europe"})
	env.Clock.Advance(30 * time.Minute)
	env.Backend.ResetRequests()

	regions, err := store.Load(ctx, EdgeRegions)
	require.NoError(t, err)
	assert.Len(t, regions, 1)
	assert.Zero(t, env.Backend.RequestCount(http.MethodGet, "edge_regions"))

	require.NoError(t, store.Invalidate(ctx, EdgeRegions))
	regions, err = store.Load(ctx, EdgeRegions)
	require.NoError(t, err)
	assert.Len(t, regions, 2)
	assert.Equal(t, "Europe", store.Name(EdgeRegions, "eu"))
}

func TestStore_Errors(t *testing.T) {
	store, env := newTestStore(t)
	ctx := context.Background()

	_, err := store.Load(ctx, Kind("colors"))
	assert.Error(t, err)
	assert.Error(t, store.Invalidate(ctx, Kind("colors")))

	env.Backend.FailNext("thing_types", http.StatusInternalServerError, -1)
	assert.Error(t, store.LoadAll(ctx))
}
