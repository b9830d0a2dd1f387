package edge

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumandas0/fleetadmin/internal/fakepb"
	"github.com/sumandas0/fleetadmin/internal/records"
	"github.com/sumandas0/fleetadmin/pkg/utils"
	"github.com/sumandas0/fleetadmin/tests/testhelpers"
)

func TestGenerateCode(t *testing.T) {
	assert.Equal(t, "bld-na-001", GenerateCode("bld", "na", 1))
	assert.Equal(t, "bld-eu-1234", GenerateCode("BLD", "EU", 1234))
	assert.Empty(t, GenerateCode("", "na", 1))
	assert.Empty(t, GenerateCode("bld", "", 1))
}

func TestValidateCode(t *testing.T) {
	tests := []struct {
		code  string
		valid bool
	}{
		{"bld-na-001", true},
		{"site-apac-1000", true},
		{"bld-na-01", false},
		{"bld-na", false},
		{"BLD-na-001", false},
		{"bld-n4-001", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidateCode(tt.code))
		})
	}

	edgeType, region, n, ok := ParseCode("bld-na-042")
	require.True(t, ok)
	assert.Equal(t, "bld", edgeType)
	assert.Equal(t, "na", region)
	assert.Equal(t, 42, n)

	_, _, _, ok = ParseCode("nope")
	assert.False(t, ok)
}

func newTestService(t *testing.T) (*Service, *testhelpers.Environment) {
	t.Helper()
	env := testhelpers.SetupTestEnvironment(t)
	return NewService(env.Service(Descriptor("edges")), testhelpers.NewTestLogger()), env
}

func TestService_Create(t *testing.T) {
	svc, env := newTestService(t)
	ctx := context.Background()

	resp, err := svc.Create(ctx, CreateInput{Type: "bld", Region: "na", Number: 7, Name: "HQ", Metadata: map[string]any{"floors": float64(3)}})
	require.NoError(t, err)
	assert.Equal(t, "bld-na-007", resp.Data[FieldCode])
	assert.Equal(t, true, resp.Data["active"])
	assert.Equal(t, map[string]any{"floors": float64(3)}, resp.Data.Map(FieldMetadata))
	assert.Equal(t, "org-1", resp.Data["organization_id"])

	stored := env.Backend.Record("edges", resp.Data.ID())
	assert.Equal(t, `{"floors":3}`, stored[FieldMetadata])

	inactive := false
	resp, err = svc.Create(ctx, CreateInput{Type: "bld", Region: "na", Code: "bld-na-100", Name: "Annex", Active: &inactive})
	require.NoError(t, err)
	assert.Equal(t, "bld-na-100", resp.Data[FieldCode])
	assert.Equal(t, false, resp.Data["active"])

	for name, in := range map[string]CreateInput{
		"bad code":       {Type: "bld", Region: "na", Code: "bld-na-1", Name: "X"},
		"upper type":     {Type: "BLD", Region: "na", Name: "X"},
		"missing name":   {Type: "bld", Region: "na"},
		"missing region": {Type: "bld", Name: "X"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Create(ctx, in)
			assert.True(t, utils.IsValidation(err), "%v", err)
		})
	}
}

func TestService_UpdateValidatesCode(t *testing.T) {
	svc, env := newTestService(t)
	env.Backend.Seed("edges", fakepb.Record{"id": "e1", "code": "bld-na-001", "name": "HQ"})
	ctx := context.Background()

	_, err := svc.Update(ctx, "e1", records.Record{FieldCode: "hq"})
	assert.True(t, utils.IsValidation(err))

	resp, err := svc.Update(ctx, "e1", records.Record{FieldCode: "bld-na-002"})
	require.NoError(t, err)
	assert.Equal(t, "bld-na-002", resp.Data[FieldCode])

	require.NoError(t, svc.Delete(ctx, "e1"))
	assert.Nil(t, env.Backend.Record("edges", "e1"))
}

func TestService_UpdateMetadata(t *testing.T) {
	svc, env := newTestService(t)
	env.Backend.Seed("edges", fakepb.Record{"id": "e1", "code": "bld-na-001", "metadata": `{"owner":"ops","floors":2}`})
	ctx := context.Background()

	resp, err := svc.UpdateMetadata(ctx, "e1", map[string]any{"floors": 3}, true)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"owner": "ops", "floors": float64(3)}, resp.Data.Map(FieldMetadata))

	resp, err = svc.UpdateMetadata(ctx, "e1", map[string]any{"fresh": true}, false)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"fresh": true}, resp.Data.Map(FieldMetadata))

	_, err = svc.UpdateMetadata(ctx, "", nil, true)
	assert.ErrorIs(t, err, utils.ErrInvalidInput)
}

func TestService_NextCode(t *testing.T) {
	svc, env := newTestService(t)
	ctx := context.Background()

	code, err := svc.NextCode(ctx, "bld", "na")
	require.NoError(t, err)
	assert.Equal(t, "bld-na-001", code)

	env.Backend.Seed("edges",
		fakepb.Record{"code": "bld-na-001", "type": "bld", "region": "na"},
		fakepb.Record{"code": "bld-na-009", "type": "bld", "region": "na"},
		fakepb.Record{"code": "bld-eu-050", "type": "bld", "region": "eu"},
		fakepb.Record{"code": "legacy", "type": "bld", "region": "na"},
	)

	code, err = svc.NextCode(ctx, "bld", "na")
	require.NoError(t, err)
	assert.Equal(t, "bld-na-010", code)

	_, err = svc.NextCode(ctx, "", "na")
	assert.ErrorIs(t, err, utils.ErrInvalidInput)
}

func TestService_CreateNextAllocatesUniqueCodes(t *testing.T) {
	svc, env := newTestService(t)
	env.Backend.Seed("edges", fakepb.Record{"code": "bld-na-003", "type": "bld", "region": "na"})

	const n = 5
	codes := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := svc.CreateNext(context.Background(), CreateInput{Type: "bld", Region: "na", Name: "Depot", Code: "ignored"})
			if assert.NoError(t, err) {
				codes <- resp.Data.String(FieldCode)
			}
		}()
	}
	wg.Wait()
	close(codes)

	var got []string
	for c := range codes {
		got = append(got, c)
	}
	assert.ElementsMatch(t, []string{"bld-na-004", "bld-na-005", "bld-na-006", "bld-na-007", "bld-na-008"}, got)
}
