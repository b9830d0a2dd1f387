package dashboard

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"
)

// Log levels of the backend's request log.
const (
	LevelDebug   = 0
	LevelInfo    = 1
	LevelWarning = 2
	LevelError   = 3
)

const (
	ActivityError   = "error"
	ActivityWarning = "warning"
	ActivityCreate  = "create"
	ActivityUpdate  = "update"
	ActivityDelete  = "delete"
	ActivityLogin   = "login"
	ActivityInfo    = "info"
)

var logPrefix = regexp.MustCompile(`^\[[^\]]+\]\s+`)

// LogEntry is one item of the backend's /logs feed.
type LogEntry struct {
	ID      string         `json:"id"`
	Created string         `json:"created"`
	Level   int            `json:"level"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

type Activity struct {
	Type      string    `json:"type" yaml:"type"`
	Title     string    `json:"title" yaml:"title"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	When      string    `json:"when" yaml:"when"`
}

// Classify maps a log entry to an activity type. Info entries are refined by
// keywords in their message.
func Classify(entry LogEntry) string {
	switch entry.Level {
	case LevelError:
		return ActivityError
	case LevelWarning:
		return ActivityWarning
	case LevelInfo:
		msg := strings.ToLower(entry.Message)
		switch {
		case strings.Contains(msg, "created"):
			return ActivityCreate
		case strings.Contains(msg, "updated"):
			return ActivityUpdate
		case strings.Contains(msg, "deleted"):
			return ActivityDelete
		case strings.Contains(msg, "login"):
			return ActivityLogin
		}
	}
	return ActivityInfo
}

// Title rewrites a log message for display. Record writes become
// "New edge created" or "Edge updated"; password logins become
// "User logged in".
func Title(entry LogEntry) string {
	message := logPrefix.ReplaceAllString(entry.Message, "")

	url, _ := entry.Data["url"].(string)
	if url == "" {
		return message
	}
	method, _ := entry.Data["method"].(string)

	if strings.Contains(url, "/api/collections/") {
		parts := strings.Split(strings.SplitN(url, "?", 2)[0], "/")
		for i, part := range parts {
			if part != "collections" || i+1 >= len(parts) {
				continue
			}
			entity := singular(parts[i+1])
			isRecord := slices.Contains(parts, "records")

			switch {
			case method == "POST" && isRecord:
				message = fmt.Sprintf("New %s created", entity)
			case method == "PATCH" && isRecord:
				message = capitalize(entity) + " updated"
			case method == "DELETE" && isRecord:
				message = capitalize(entity) + " deleted"
			}
			break
		}
	}

	if strings.Contains(url, "/auth-with-password") {
		message = "User logged in"
	}
	return message
}

// When renders t relative to now the way the activity feed shows it.
func When(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}

	diff := now.Sub(t)
	minutes := int(diff / time.Minute)
	hours := int(diff / time.Hour)
	days := int(diff / (24 * time.Hour))

	switch {
	case minutes < 1:
		return "Just now"
	case minutes < 60:
		return plural(minutes, "minute") + " ago"
	case hours < 24:
		return plural(hours, "hour") + " ago"
	case days < 2:
		return "Yesterday"
	case days < 7:
		return fmt.Sprintf("%d days ago", days)
	}
	return t.Format("Jan 2, 15:04")
}

// ParseTimestamp accepts the backend's "2006-01-02 15:04:05.000Z" stamps as
// well as RFC 3339.
func ParseTimestamp(s string) (time.Time, bool) {
	for _, layout := range []string{"2006-01-02 15:04:05.000Z", "2006-01-02 15:04:05Z", time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func singular(collection string) string {
	if len(collection) <= 1 {
		return collection
	}
	return collection[:len(collection)-1]
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
