package fakepb

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// Log levels of the /logs feed.
const (
	LogLevelInfo  = 1
	LogLevelWarn  = 2
	LogLevelError = 3
)

// RecordActivity makes every write request served from now on append an
// entry to the /logs feed, the way the real backend's request log does.
func (b *Backend) RecordActivity(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.activity = enabled
}

func (b *Backend) activityLogger() func(http.Handler) http.Handler {
	return middleware.RequestLogger(&activityFormatter{backend: b})
}

type activityFormatter struct {
	backend *Backend
}

func (f *activityFormatter) NewLogEntry(r *http.Request) middleware.LogEntry {
	return &activityEntry{backend: f.backend, method: r.Method, url: r.URL.RequestURI()}
}

type activityEntry struct {
	backend *Backend
	method  string
	url     string
}

func (e *activityEntry) Write(status, bytes int, _ http.Header, elapsed time.Duration, _ interface{}) {
	if e.method == http.MethodGet || e.method == http.MethodHead {
		return
	}

	e.backend.mu.RLock()
	enabled := e.backend.activity
	e.backend.mu.RUnlock()
	if !enabled {
		return
	}

	level := LogLevelInfo
	switch {
	case status >= http.StatusInternalServerError:
		level = LogLevelError
	case status >= http.StatusBadRequest:
		level = LogLevelWarn
	}

	e.backend.AddLog(Record{
		"level":   level,
		"message": e.method + " " + e.url,
		"data": map[string]any{
			"method":    e.method,
			"url":       e.url,
			"status":    status,
			"execTime":  float64(elapsed.Microseconds()) / 1000,
			"sizeBytes": bytes,
		},
	})
}

func (e *activityEntry) Panic(v interface{}, _ []byte) {
	e.backend.AddLog(Record{
		"level":   LogLevelError,
		"message": "panic serving " + e.method + " " + e.url,
		"data":    map[string]any{"error": v},
	})
}
