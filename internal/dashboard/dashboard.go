// Package dashboard assembles the overview screen: record totals per
// collection and the latest backend activity.
package dashboard

import (
	"context"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sumandas0/fleetadmin/internal/records"
	"github.com/sumandas0/fleetadmin/internal/transport"
)

const DefaultActivityLimit = 5

// Lister is the part of a record service the dashboard needs.
type Lister interface {
	List(ctx context.Context, params records.ListParams) (*records.ListResponse, error)
}

// LogSource reads the backend's request log.
type LogSource interface {
	GetList(ctx context.Context, endpoint string, query url.Values) (*transport.Envelope, error)
}

type Summary struct {
	Counts     map[string]int `json:"counts" yaml:"counts"`
	Activity   []Activity     `json:"activity" yaml:"activity"`
	GrafanaURL string         `json:"grafanaUrl,omitempty" yaml:"grafanaUrl,omitempty"`
}

type Option func(*Dashboard)

func WithClock(now func() time.Time) Option {
	return func(d *Dashboard) {
		d.now = now
	}
}

func WithActivityLimit(n int) Option {
	return func(d *Dashboard) {
		if n > 0 {
			d.activityLimit = n
		}
	}
}

func WithGrafanaURL(u string) Option {
	return func(d *Dashboard) {
		d.grafanaURL = u
	}
}

type Dashboard struct {
	counters      map[string]Lister
	logs          LogSource
	logsEndpoint  string
	grafanaURL    string
	activityLimit int
	now           func() time.Time
	logger        zerolog.Logger
}

// New builds a dashboard counting each named collection. logs may be nil,
// in which case the activity feed stays empty.
func New(counters map[string]Lister, logs LogSource, logsEndpoint string, logger zerolog.Logger, opts ...Option) *Dashboard {
	d := &Dashboard{
		counters:      counters,
		logs:          logs,
		logsEndpoint:  logsEndpoint,
		activityLimit: DefaultActivityLimit,
		now:           time.Now,
		logger:        logger.With().Str("component", "dashboard").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Summary fetches every count concurrently, then the activity feed. A count
// that cannot be fetched is reported as zero and an unreadable feed as
// empty; neither fails the summary.
func (d *Dashboard) Summary(ctx context.Context) (*Summary, error) {
	counts := make(map[string]int, len(d.counters))
	var mu sync.Mutex

	var g errgroup.Group
	for name, lister := range d.counters {
		g.Go(func() error {
			n := d.count(ctx, name, lister)
			mu.Lock()
			counts[name] = n
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &Summary{
		Counts:     counts,
		Activity:   d.Activity(ctx),
		GrafanaURL: d.grafanaURL,
	}, nil
}

func (d *Dashboard) count(ctx context.Context, name string, lister Lister) int {
	resp, err := lister.List(ctx, records.ListParams{PerPage: 1})
	if err != nil {
		d.logger.Warn().Err(err).Str("collection", name).Msg("failed to count records")
		return 0
	}
	return resp.TotalItems
}

// Activity returns the latest log entries, newest first.
func (d *Dashboard) Activity(ctx context.Context) []Activity {
	if d.logs == nil {
		return []Activity{}
	}

	query := url.Values{}
	query.Set("sort", "-created")
	query.Set("perPage", strconv.Itoa(d.activityLimit))

	env, err := d.logs.GetList(ctx, d.logsEndpoint, query)
	if err != nil {
		d.logger.Warn().Err(err).Msg("failed to fetch activity")
		return []Activity{}
	}

	var page struct {
		Items []LogEntry `json:"items"`
	}
	if err := env.Decode(&page); err != nil {
		d.logger.Warn().Err(err).Msg("failed to decode activity")
		return []Activity{}
	}

	now := d.now()
	activity := make([]Activity, 0, len(page.Items))
	for _, entry := range page.Items {
		ts, _ := ParseTimestamp(entry.Created)
		activity = append(activity, Activity{
			Type:      Classify(entry),
			Title:     Title(entry),
			Timestamp: ts,
			When:      When(ts, now),
		})
	}
	return activity
}
