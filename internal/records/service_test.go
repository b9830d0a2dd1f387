package records_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumandas0/fleetadmin/internal/cache"
	"github.com/sumandas0/fleetadmin/internal/fakepb"
	"github.com/sumandas0/fleetadmin/internal/kv"
	"github.com/sumandas0/fleetadmin/internal/records"
	"github.com/sumandas0/fleetadmin/internal/transport"
	"github.com/sumandas0/fleetadmin/pkg/utils"
	"github.com/sumandas0/fleetadmin/tests/testhelpers"
)

const edgesPath = "/collections/edges/records"

var edgeDescriptor = records.Descriptor{
	Collection:     "edges",
	JSONFields:     []string{"metadata"},
	SanitizeFields: []string{"name", "description"},
	FilterBuilder:  records.EqualityFilters("type", "region"),
}

func seedEdges(env *testhelpers.Environment) {
	env.Backend.Seed("edges",
		fakepb.Record{"id": "e1", "name": "North gateway", "type": "gateway", "region": "eu", "metadata": `{"rack":1}`},
		fakepb.Record{"id": "e2", "name": "South gateway", "type": "gateway", "region": "us", "metadata": `{"rack":2}`},
		fakepb.Record{"id": "e3", "name": "Lab sensor hub", "type": "hub", "region": "eu", "metadata": `not json`},
	)
}

func TestService_ListReadThrough(t *testing.T) {
	env := testhelpers.SetupTestEnvironment(t)
	seedEdges(env)
	svc := env.Service(edgeDescriptor)
	ctx := context.Background()

	first, err := svc.List(ctx, records.ListParams{})
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	assert.Equal(t, 3, first.TotalItems)
	assert.Equal(t, map[string]any{"rack": float64(1)}, first.Items[0]["metadata"])
	assert.Equal(t, map[string]any{}, first.Items[2]["metadata"], "malformed JSON degrades to an empty object")
	assert.Equal(t, env.Clock.Now(), first.Timestamp)

	second, err := svc.List(ctx, records.ListParams{})
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Items, second.Items)
	assert.Equal(t, 1, env.Backend.RequestCount(http.MethodGet, edgesPath))

	fresh, err := svc.List(ctx, records.ListParams{SkipCache: true})
	require.NoError(t, err)
	assert.False(t, fresh.FromCache)
	assert.Equal(t, 2, env.Backend.RequestCount(http.MethodGet, edgesPath))

	_, ok := env.Reactive.Get("edges")
	assert.True(t, ok, "list pages are published to the reactive tier")
}

func TestService_ListQuery(t *testing.T) {
	env := testhelpers.SetupTestEnvironment(t, testhelpers.WithPageSize(2, 3))
	seedEdges(env)
	svc := env.Service(records.Descriptor{
		Collection:    "edges",
		ExpandFields:  []string{"type", "region"},
		FilterBuilder: records.EqualityFilters("type"),
	})
	ctx := context.Background()

	resp, err := svc.List(ctx, records.ListParams{PerPage: 50, Sort: "-name"})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.PerPage, "page size is capped")

	reqs := env.Backend.Requests()
	query := reqs[len(reqs)-1].Query
	assert.Equal(t, []string{"1"}, query["page"])
	assert.Equal(t, []string{"-name"}, query["sort"])
	assert.Equal(t, []string{"type,region"}, query["expand"])
	assert.NotContains(t, query, "filter")

	resp, err = svc.List(ctx, records.ListParams{
		Filter: `name~"gateway"`,
		Where:  map[string]string{"type": "gateway"},
		Expand: "region",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.TotalItems)
	assert.Equal(t, 2, resp.PerPage)

	reqs = env.Backend.Requests()
	query = reqs[len(reqs)-1].Query
	assert.Equal(t, []string{`(name~"gateway") && type="gateway"`}, query["filter"])
	assert.Equal(t, []string{"region"}, query["expand"])
}

func TestService_ListPagesAreCachedSeparately(t *testing.T) {
	env := testhelpers.SetupTestEnvironment(t, testhelpers.WithPageSize(2, 2))
	seedEdges(env)
	svc := env.Service(edgeDescriptor)
	ctx := context.Background()

	page1, err := svc.List(ctx, records.ListParams{Page: 1})
	require.NoError(t, err)
	page2, err := svc.List(ctx, records.ListParams{Page: 2})
	require.NoError(t, err)

	assert.False(t, page2.FromCache)
	assert.NotEqual(t, page1.Items, page2.Items)
	require.Len(t, page2.Items, 1)
	assert.Equal(t, "e3", page2.Items[0].ID())

	all, err := svc.ListAll(ctx, records.ListParams{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestService_ReferenceCollectionTTL(t *testing.T) {
	env := testhelpers.SetupTestEnvironment(t)
	env.Backend.Seed("edge_types", fakepb.Record{"id": "t1", "code": "gateway", "name": "Gateway"})
	svc := env.Service(records.Descriptor{Collection: "edge_types"})
	ctx := context.Background()

	_, err := svc.List(ctx, records.ListParams{})
	require.NoError(t, err)

	env.Clock.Advance(59 * time.Minute)
	resp, err := svc.List(ctx, records.ListParams{})
	require.NoError(t, err)
	assert.True(t, resp.FromCache)

	env.Clock.Advance(2 * time.Minute)
	resp, err = svc.List(ctx, records.ListParams{})
	require.NoError(t, err)
	assert.False(t, resp.FromCache)
	assert.Equal(t, 2, env.Backend.RequestCount(http.MethodGet, "/collections/edge_types/records"))
}

func TestService_MutationsInvalidateEveryUser(t *testing.T) {
	env := testhelpers.SetupTestEnvironment(t)
	seedEdges(env)
	svc := env.Service(edgeDescriptor)
	ctx := context.Background()

	prime := func(t *testing.T) {
		t.Helper()
		for _, user := range []string{"user-1", "user-2"} {
			env.Session.Set(user, "org-1")
			_, err := svc.List(ctx, records.ListParams{})
			require.NoError(t, err)
			_, err = svc.GetByID(ctx, "e1")
			require.NoError(t, err)
		}
		env.Session.Set("user-1", "org-1")
	}

	assertFresh := func(t *testing.T) {
		t.Helper()
		for _, user := range []string{"user-1", "user-2"} {
			env.Session.Set(user, "org-1")
			resp, err := svc.List(ctx, records.ListParams{})
			require.NoError(t, err)
			assert.False(t, resp.FromCache, user)

			rec, err := svc.GetByID(ctx, "e1")
			require.NoError(t, err)
			assert.False(t, rec.FromCache, user)
		}
		env.Session.Set("user-1", "org-1")
	}

	mutations := []struct {
		name string
		run  func() error
	}{
		{name: "create", run: func() error {
			_, err := svc.Create(ctx, records.Record{"name": "New edge"})
			return err
		}},
		{name: "update", run: func() error {
			_, err := svc.Update(ctx, "e1", records.Record{"name": "Renamed"})
			return err
		}},
		{name: "delete", run: func() error {
			return svc.Delete(ctx, "e2")
		}},
	}

	for _, m := range mutations {
		t.Run(m.name, func(t *testing.T) {
			prime(t)

			events, cancel := env.Reactive.Subscribe("edges")
			defer cancel()

			require.NoError(t, m.run())

			select {
			case ev := <-events:
				assert.Equal(t, cache.EventInvalidated, ev.Type)
			case <-time.After(time.Second):
				t.Fatal("reactive tier was not invalidated")
			}
			assertFresh(t)
		})
	}
}

func TestService_FailedMutationLeavesCache(t *testing.T) {
	env := testhelpers.SetupTestEnvironment(t)
	seedEdges(env)
	svc := env.Service(edgeDescriptor)
	ctx := context.Background()

	_, err := svc.List(ctx, records.ListParams{})
	require.NoError(t, err)

	env.Backend.FailNext("edges", http.StatusInternalServerError, 1)
	_, err = svc.Create(ctx, records.Record{"name": "Doomed"})
	require.Error(t, err)

	var apiErr *transport.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.Code)

	resp, err := svc.List(ctx, records.ListParams{})
	require.NoError(t, err)
	assert.True(t, resp.FromCache)
	assert.Equal(t, uint64(0), env.Cache.Stats().Invalidations)
}

func TestService_CreateOrganizationAndID(t *testing.T) {
	env := testhelpers.SetupTestEnvironment(t)
	svc := env.Service(edgeDescriptor)
	ctx := context.Background()

	input := records.Record{"name": "Gateway"}
	created, err := svc.Create(ctx, input)
	require.NoError(t, err)

	id := created.Data.ID()
	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
	assert.Equal(t, "org-1", created.Data["organization_id"])
	assert.NotContains(t, input, "id", "caller's record is untouched")
	assert.NotContains(t, input, "organization_id")

	created, err = svc.Create(ctx, records.Record{"id": "fixed-id", "name": "Other", "organization_id": "org-9"})
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", created.Data.ID())
	assert.Equal(t, "org-9", created.Data["organization_id"], "supplied organization is never overwritten")

	env.Session.Set("user-1", "")
	created, err = svc.Create(ctx, records.Record{"name": "Orphan"})
	require.NoError(t, err)
	assert.NotContains(t, created.Data, "organization_id")
}

func TestService_JSONFieldsOnTheWire(t *testing.T) {
	env := testhelpers.SetupTestEnvironment(t)
	svc := env.Service(edgeDescriptor)
	ctx := context.Background()

	metadata := map[string]any{"coordinates": map[string]any{"x": 1.5, "y": float64(2)}}
	created, err := svc.Create(ctx, records.Record{"name": "<b>Roof</b> gateway", "metadata": metadata})
	require.NoError(t, err)

	stored := env.Backend.Record("edges", created.Data.ID())
	require.NotNil(t, stored)
	text, ok := stored["metadata"].(string)
	require.True(t, ok, "JSON fields travel as text")
	assert.JSONEq(t, `{"coordinates":{"x":1.5,"y":2}}`, text)
	assert.Equal(t, "Roof gateway", stored["name"], "markup is stripped before the write")

	assert.Equal(t, metadata, created.Data["metadata"])

	updated, err := svc.Update(ctx, created.Data.ID(), records.Record{"metadata": map[string]any{"floor": float64(3)}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"floor": float64(3)}, updated.Data["metadata"])
}

func TestService_GetByID(t *testing.T) {
	env := testhelpers.SetupTestEnvironment(t)
	seedEdges(env)
	svc := env.Service(records.Descriptor{Collection: "edges", JSONFields: []string{"metadata"}, ExpandFields: []string{"type"}})
	ctx := context.Background()

	rec, err := svc.GetByID(ctx, "e3")
	require.NoError(t, err)
	assert.False(t, rec.FromCache)
	assert.Equal(t, map[string]any{}, rec.Data["metadata"])

	reqs := env.Backend.Requests()
	assert.Equal(t, []string{"type"}, reqs[len(reqs)-1].Query["expand"])

	rec, err = svc.GetByID(ctx, "e3")
	require.NoError(t, err)
	assert.True(t, rec.FromCache)

	rec, err = svc.GetByID(ctx, "e3", records.SkipCache())
	require.NoError(t, err)
	assert.False(t, rec.FromCache)

	_, err = svc.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, utils.ErrNotFound)
}

func TestService_EmptyIDNeverReachesTheNetwork(t *testing.T) {
	env := testhelpers.SetupTestEnvironment(t)
	svc := env.Service(edgeDescriptor)
	ctx := context.Background()

	_, err := svc.GetByID(ctx, "")
	assert.ErrorIs(t, err, records.ErrInvalidID)
	assert.ErrorIs(t, err, utils.ErrInvalidInput)

	_, err = svc.Update(ctx, "", records.Record{"name": "x"})
	assert.ErrorIs(t, err, utils.ErrInvalidInput)

	assert.ErrorIs(t, svc.Delete(ctx, ""), utils.ErrInvalidInput)

	_, err = svc.Upload(ctx, "", nil)
	assert.ErrorIs(t, err, utils.ErrInvalidInput)

	assert.Empty(t, env.Backend.Requests())
}

type brokenTier struct{}

func (brokenTier) Publish(string, json.RawMessage) error { return errors.New("not loaded") }
func (brokenTier) Invalidate(string) error               { panic("not loaded") }

func TestService_ReactiveFailureDoesNotFailCRUD(t *testing.T) {
	env := testhelpers.SetupTestEnvironment(t)
	seedEdges(env)

	deps := env.Deps()
	deps.Cache = cache.NewManager(env.Config.Cache, kv.NewMemoryStore(), brokenTier{})
	svc := records.NewService(edgeDescriptor, deps)
	ctx := context.Background()

	_, err := svc.List(ctx, records.ListParams{})
	require.NoError(t, err)

	created, err := svc.Create(ctx, records.Record{"name": "Still works"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.Data.ID())

	require.NoError(t, svc.Delete(ctx, created.Data.ID()))
	assert.Equal(t, uint64(3), deps.Cache.Stats().TierFailures)
}

func TestService_WithoutCache(t *testing.T) {
	env := testhelpers.SetupTestEnvironment(t, testhelpers.WithoutCache())
	seedEdges(env)
	svc := env.Service(edgeDescriptor)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		resp, err := svc.List(ctx, records.ListParams{})
		require.NoError(t, err)
		assert.False(t, resp.FromCache)
	}
	assert.Equal(t, 2, env.Backend.RequestCount(http.MethodGet, edgesPath))
}

func TestService_Upload(t *testing.T) {
	env := testhelpers.SetupTestEnvironment(t)
	env.Backend.Seed("locations", fakepb.Record{"id": "l1", "name": "HQ"})
	svc := env.Service(records.Descriptor{Collection: "locations"})

	resp, err := svc.Upload(context.Background(), "l1",
		map[string]string{"name": "HQ"},
		transport.File{Field: "floor_plan", Name: "../../plan.png", Reader: bytes.NewReader([]byte("png"))},
	)
	require.NoError(t, err)
	assert.Equal(t, "plan.png", resp.Data["floor_plan"])
}

func TestService_UploadLeavesCallerFilesUntouched(t *testing.T) {
	env := testhelpers.SetupTestEnvironment(t)
	env.Backend.Seed("locations", fakepb.Record{"id": "l1", "name": "HQ"})
	svc := env.Service(records.Descriptor{Collection: "locations"})

	files := []transport.File{
		{Field: "floor_plan", Name: "../../plan.png", Reader: bytes.NewReader([]byte("png"))},
	}
	resp, err := svc.Upload(context.Background(), "l1", nil, files...)
	require.NoError(t, err)
	assert.Equal(t, "plan.png", resp.Data["floor_plan"])
	assert.Equal(t, "../../plan.png", files[0].Name)
}

func TestService_ClearCache(t *testing.T) {
	env := testhelpers.SetupTestEnvironment(t)
	seedEdges(env)
	svc := env.Service(edgeDescriptor)
	ctx := context.Background()

	_, err := svc.List(ctx, records.ListParams{})
	require.NoError(t, err)
	require.NoError(t, svc.ClearCache(ctx))

	resp, err := svc.List(ctx, records.ListParams{})
	require.NoError(t, err)
	assert.False(t, resp.FromCache)

	assert.Equal(t, "edges", svc.Collection())
	assert.Equal(t, "/pb/api/collections/edges/records/e1", svc.Endpoint("e1"))
}
