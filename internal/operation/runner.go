// Package operation wraps service calls with the loading, error and
// notification handling every command shares.
package operation

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

const (
	DefaultErrorMessage = "Operation failed"
	DefaultEntityName   = "item"
)

// Options configures one Perform call. An empty SuccessMessage sends no
// success notification.
type Options struct {
	ErrorMessage   string
	SuccessMessage string
}

// EntityOptions names the entity for the create, update and delete helpers.
type EntityOptions struct {
	Entity       string
	Identifier   string
	ErrorMessage string
}

// cacheAware is implemented by responses that know whether they came from
// the cache.
type cacheAware interface {
	Cached() bool
}

// Runner tracks whether operations are in flight and the message of the last
// failure. It is safe for concurrent use.
type Runner struct {
	notifier Notifier
	logger   zerolog.Logger

	mu       sync.Mutex
	inFlight int
	lastErr  string
}

func NewRunner(notifier Notifier, logger zerolog.Logger) *Runner {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Runner{
		notifier: notifier,
		logger:   logger,
	}
}

// Loading reports whether any operation is running.
func (r *Runner) Loading() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight > 0
}

// Err returns the error message of the last failed operation, cleared when
// the next operation starts.
func (r *Runner) Err() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

func (r *Runner) begin() {
	r.mu.Lock()
	r.inFlight++
	r.lastErr = ""
	r.mu.Unlock()
}

func (r *Runner) end(errMessage string) {
	r.mu.Lock()
	r.inFlight--
	if errMessage != "" {
		r.lastErr = errMessage
	}
	r.mu.Unlock()
}

// Perform runs fn. A failure is logged, recorded and notified once, then
// returned. A success is notified when opts carries a message and the result
// did not come from the cache.
func Perform[T any](ctx context.Context, r *Runner, fn func(context.Context) (T, error), opts Options) (T, error) {
	errMessage := opts.ErrorMessage
	if errMessage == "" {
		errMessage = DefaultErrorMessage
	}

	r.begin()
	result, err := fn(ctx)
	if err != nil {
		r.end(errMessage)
		r.logger.Error().Err(err).Msg(errMessage)
		r.notifier.Notify(ctx, Notification{
			Severity: SeverityError,
			Summary:  "Error",
			Detail:   errMessage,
			Err:      err,
		})
		var zero T
		return zero, err
	}
	r.end("")

	if opts.SuccessMessage != "" && !fromCache(result) {
		r.notifier.Notify(ctx, Notification{
			Severity: SeveritySuccess,
			Summary:  "Success",
			Detail:   opts.SuccessMessage,
		})
	}
	return result, nil
}

func PerformCreate[T any](ctx context.Context, r *Runner, fn func(context.Context) (T, error), opts EntityOptions) (T, error) {
	return Perform(ctx, r, fn, Options{
		ErrorMessage:   opts.ErrorMessage,
		SuccessMessage: opts.message("created"),
	})
}

func PerformUpdate[T any](ctx context.Context, r *Runner, fn func(context.Context) (T, error), opts EntityOptions) (T, error) {
	return Perform(ctx, r, fn, Options{
		ErrorMessage:   opts.ErrorMessage,
		SuccessMessage: opts.message("updated"),
	})
}

// PerformDelete reports true once fn succeeds.
func PerformDelete(ctx context.Context, r *Runner, fn func(context.Context) error, opts EntityOptions) (bool, error) {
	return Perform(ctx, r, func(ctx context.Context) (bool, error) {
		if err := fn(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, Options{
		ErrorMessage:   opts.ErrorMessage,
		SuccessMessage: opts.message("deleted"),
	})
}

func (o EntityOptions) message(verb string) string {
	entity := o.Entity
	if entity == "" {
		entity = DefaultEntityName
	}
	if o.Identifier == "" {
		return entity + " has been " + verb
	}
	return entity + " " + o.Identifier + " has been " + verb
}

func fromCache(v any) bool {
	c, ok := v.(cacheAware)
	return ok && c.Cached()
}
