package operation

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityInfo    Severity = "info"
	SeverityWarn    Severity = "warn"
	SeverityError   Severity = "error"
)

type Notification struct {
	Severity Severity
	Summary  string
	Detail   string
	Err      error
}

// Notifier delivers user-facing notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) {}

// LogNotifier writes notifications as log events, at a level matching their
// severity.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, note Notification) {
	var event *zerolog.Event
	switch note.Severity {
	case SeverityError:
		event = n.logger.Error().Err(note.Err)
	case SeverityWarn:
		event = n.logger.Warn()
	default:
		event = n.logger.Info()
	}
	event.Str("severity", string(note.Severity)).Str("summary", note.Summary).Msg(note.Detail)
}

// Recorder keeps every notification, for tests and for batch commands that
// report at the end.
type Recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *Recorder) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *Recorder) Notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notes...)
}
