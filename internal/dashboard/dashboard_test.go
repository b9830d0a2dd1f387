package dashboard

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

func TestClassify(t *testing.T) {
	tests := []struct {
		level   int
		message string
		want    string
	}{
		{LevelError, "anything", ActivityError},
		{LevelWarning, "slow request", ActivityWarning},
		{LevelInfo, "Record Created", ActivityCreate},
		{LevelInfo, "record updated", ActivityUpdate},
		{LevelInfo, "record deleted", ActivityDelete},
		{LevelInfo, "admin login", ActivityLogin},
		{LevelInfo, "GET /api/health", ActivityInfo},
		{LevelDebug, "created", ActivityInfo},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(LogEntry{Level: tt.level, Message: tt.message}))
		})
	}
}

func TestTitle(t *testing.T) {
	tests := []struct {
		name  string
		entry LogEntry
		want  string
	}{
		{
			name:  "create",
			entry: LogEntry{Message: "POST /api/collections/edges/records", Data: map[string]any{"url": "/api/collections/edges/records", "method": "POST"}},
			want:  "New edge created",
		},
		{
			name:  "update",
			entry: LogEntry{Message: "PATCH", Data: map[string]any{"url": "/api/collections/things/records/t1?expand=edge_id", "method": "PATCH"}},
			want:  "Thing updated",
		},
		{
			name:  "delete",
			entry: LogEntry{Message: "DELETE", Data: map[string]any{"url": "/api/collections/locations/records/l1", "method": "DELETE"}},
			want:  "Location deleted",
		},
		{
			name:  "login",
			entry: LogEntry{Message: "POST", Data: map[string]any{"url": "/api/collections/users/auth-with-password", "method": "POST"}},
			want:  "User logged in",
		},
		{
			name:  "prefix stripped",
			entry: LogEntry{Message: "[cron] backup finished"},
			want:  "backup finished",
		},
		{
			name:  "read left alone",
			entry: LogEntry{Message: "GET list", Data: map[string]any{"url": "/api/collections/edges/records", "method": "GET"}},
			want:  "GET list",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Title(tt.entry))
		})
	}
}

func TestWhen(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		ago  time.Duration
		want string
	}{
		{30 * time.Second, "Just now"},
		{time.Minute, "1 minute ago"},
		{45 * time.Minute, "45 minutes ago"},
		{time.Hour, "1 hour ago"},
		{5 * time.Hour, "5 hours ago"},
		{30 * time.Hour, "Yesterday"},
		{3 * 24 * time.Hour, "3 days ago"},
		{10 * 24 * time.Hour, "Feb 29, 12:00"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, When(now.Add(-tt.ago), now))
		})
	}
	assert.Empty(t, When(time.Time{}, now))
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 3, 1, 11, 55, 0, 0, time.UTC)

	got, ok := ParseTimestamp("2024-03-01 11:55:00.000Z")
	require.True(t, ok)
	assert.True(t, want.Equal(got))

	got, ok = ParseTimestamp("2024-03-01T11:55:00Z")
	require.True(t, ok)
	assert.True(t, want.Equal(got))

	_, ok = ParseTimestamp("yesterday")
	assert.False(t, ok)
}

func newTestDashboard(t *testing.T) (*Dashboard, *testhelpers.Environment) {
	t.Helper()
	env := testhelpers.SetupTestEnvironment(t)

	counters := map[string]Lister{}
	for _, name := range []string{"edges", "locations", "things", "clients"} {
		counters[name] = env.Service(records.Descriptor{Collection: name})
	}

	d := New(counters, env.Client, env.Config.LogsEndpoint(), testhelpers.NewTestLogger(),
		WithClock(env.Clock.Now),
		WithGrafanaURL(env.Config.API.GrafanaURL),
	)
	return d, env
}

func TestDashboard_Summary(t *testing.T) {
	d, env := newTestDashboard(t)

	env.Backend.Seed("edges", fakepb.Record{"code": "bld-na-001"}, fakepb.Record{"code": "bld-na-002"})
	env.Backend.Seed("locations", fakepb.Record{"code": "floor-1"})
	env.Backend.Seed("clients", fakepb.Record{"username": "a"}, fakepb.Record{"username": "b"}, fakepb.Record{"username": "c"})

	env.Backend.AddLog(fakepb.Record{"created": "2024-03-01 09:00:00.000Z", "level": 1, "message": "POST", "data": map[string]any{"url": "/api/collections/edges/records", "method": "POST"}})
	env.Backend.AddLog(fakepb.Record{"created": "2024-03-01 11:50:00.000Z", "level": 3, "message": "[api] Failed login attempt"})
	for i := 0; i < 5; i++ {
		env.Backend.AddLog(fakepb.Record{"created": "2024-02-01 00:00:00.000Z", "level": 0, "message": "old"})
	}

	summary, err := d.Summary(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"edges": 2, "locations": 1, "things": 0, "clients": 3}, summary.Counts)
	assert.Equal(t, "https://grafana.domain.com", summary.GrafanaURL)

	require.Len(t, summary.Activity, DefaultActivityLimit)
	latest := summary.Activity[0]
	assert.Equal(t, ActivityError, latest.Type)
	assert.Equal(t, "Failed login attempt", latest.Title)
	assert.True(t, time.Date(2024, 3, 1, 11, 50, 0, 0, time.UTC).Equal(latest.Timestamp))
	assert.Equal(t, "10 minutes ago", latest.When)

	assert.Equal(t, ActivityInfo, summary.Activity[1].Type, "the raw message carries no keyword")
	assert.Equal(t, "New edge created", summary.Activity[1].Title)
	assert.Equal(t, "3 hours ago", summary.Activity[1].When)
}

func TestDashboard_DegradesOnFailures(t *testing.T) {
	d, env := newTestDashboard(t)
	env.Backend.Seed("edges", fakepb.Record{"code": "bld-na-001"})
	env.Backend.FailNext("things", http.StatusInternalServerError, -1)

	summary, err := d.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Counts["edges"])
	assert.Equal(t, 0, summary.Counts["things"])
	assert.Empty(t, summary.Activity)

	noLogs := New(map[string]Lister{}, nil, "", testhelpers.NewTestLogger())
	summary, err = noLogs.Summary(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summary.Counts)
	assert.NotNil(t, summary.Activity)
}

func TestDashboard_CanceledContext(t *testing.T) {
	d, _ := newTestDashboard(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Summary(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
