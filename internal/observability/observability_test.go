package observability

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestMetricsManager_Disabled(t *testing.T) {
	for name, mm := range map[string]*MetricsManager{
		"nil":      nil,
		"disabled": NewMetricsManager(MetricsConfig{Enabled: false}),
	} {
		t.Run(name, func(t *testing.T) {
			assert.False(t, mm.IsEnabled())
			assert.NotPanics(t, func() {
				mm.RecordRequest(http.MethodGet, http.StatusOK, time.Millisecond)
				mm.RecordOperation("list", "edges", "success", time.Millisecond)
				mm.RecordCacheHit("edges", "list")
				mm.RecordCacheMiss("edges", "list")
				mm.RecordInvalidation("edges")
				mm.RecordTierFailure("reactive", "publish")
			})

			path := filepath.Join(t.TempDir(), "fleetctl.prom")
			require.NoError(t, mm.WriteTextfile(path))
			assert.NoFileExists(t, path)
		})
	}
}

func TestMetricsManager_Records(t *testing.T) {
	mm := NewMetricsManager(MetricsConfig{Enabled: true})

	mm.RecordCacheHit("edges", "list")
	mm.RecordCacheHit("edges", "list")
	mm.RecordCacheMiss("edges", "detail")
	mm.RecordInvalidation("locations")
	mm.RecordRequest(http.MethodGet, http.StatusNotFound, 5*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(mm.cacheHits.WithLabelValues("edges", "list")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mm.cacheMisses.WithLabelValues("edges", "detail")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mm.cacheInvalidations.WithLabelValues("locations")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mm.requestsTotal.WithLabelValues(http.MethodGet, "404")))

	path := filepath.Join(t.TempDir(), "fleetctl.prom")
	require.NoError(t, mm.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `fleetadmin_cache_hits_total{collection="edges",operation="list"} 2`)

	// Each manager has its own registry.
	other := NewMetricsManager(MetricsConfig{Enabled: true, Namespace: "other"})
	assert.NotSame(t, mm.Registry(), other.Registry())
}

func TestLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetctl.log")
	logger, err := NewLogger(LoggingConfig{Level: LogLevelWarn, Format: LogFormatJSON, Output: path})
	require.NoError(t, err)

	base := logger.Zerolog()
	base.Info().Msg("hidden")
	collection := logger.WithCollection("edges")
	collection.Warn().Msg("tier B publish failed")
	failed := logger.WithError(errors.New("boom"))
	failed.Error().Msg("create failed")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"collection":"edges"`)
	assert.Contains(t, out, `"error":"boom"`)
	assert.Contains(t, out, `"service":"fleetadmin"`)

	assert.NoError(t, NewNopLogger().Close())
}

func TestTracingManager_Spans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tm := &TracingManager{tracer: tp.Tracer("test"), provider: tp, config: TracingConfig{Enabled: true}}

	_, span := tm.StartRecordOperation(context.Background(), "get", "edges", "e1")
	SetSpanError(span, errors.New("not found"))
	span.End()

	req, err := http.NewRequest(http.MethodGet, "http://backend/pb/api/health", nil)
	require.NoError(t, err)
	req, reqSpan := tm.StartRequest(req)
	assert.True(t, trace.SpanFromContext(req.Context()).SpanContext().IsValid())
	reqSpan.End()

	ended := recorder.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "records.get", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "HTTP GET", ended[1].Name())
	assert.Equal(t, trace.SpanKindClient, ended[1].SpanKind())

	assert.True(t, tm.IsEnabled())
	require.NoError(t, tm.Shutdown(context.Background()))
}

func TestTracingManager_Disabled(t *testing.T) {
	tm, err := NewTracingManager(TracingConfig{Enabled: false})
	require.NoError(t, err)
	assert.False(t, tm.IsEnabled())

	var nilManager *TracingManager
	_, span := nilManager.StartRecordOperation(context.Background(), "list", "edges", "")
	SetSpanError(span, nil)
	span.End()
	assert.NoError(t, nilManager.Shutdown(context.Background()))
}
