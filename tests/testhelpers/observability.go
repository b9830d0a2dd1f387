package testhelpers

import (
	"bytes"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/sumandas0/fleetadmin/internal/observability"
)

// NewTestLogger creates a no-op logger for testing
func NewTestLogger() zerolog.Logger {
	return zerolog.Nop()
}

// LogBuffer captures JSON log lines so tests can assert on warnings.
type LogBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *LogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// NewCapturingLogger returns a debug-level logger writing into the returned
// buffer.
func NewCapturingLogger() (zerolog.Logger, *LogBuffer) {
	buf := &LogBuffer{}
	return zerolog.New(buf).Level(zerolog.DebugLevel), buf
}

// NewTestMetrics returns an enabled metrics manager on a private registry.
func NewTestMetrics(t *testing.T) *observability.MetricsManager {
	t.Helper()
	return observability.NewMetricsManager(observability.MetricsConfig{Enabled: true, Namespace: "test"})
}
