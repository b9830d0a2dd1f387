package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/sumandas0/fleetadmin/config"
)

type RetryStrategy string

const (
	StrategyExponential RetryStrategy = "exponential"
	StrategyLinear      RetryStrategy = "linear"
	StrategyFixed       RetryStrategy = "fixed"
)

const jitterFactor = 0.1

type RetryManager struct {
	config   config.RetryConfig
	strategy RetryStrategy
	jitter   bool
}

func NewRetryManager(cfg config.RetryConfig, strategy RetryStrategy) *RetryManager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2
	}
	return &RetryManager{
		config:   cfg,
		strategy: strategy,
		jitter:   true,
	}
}

// WithoutJitter makes delays deterministic.
func (rm *RetryManager) WithoutJitter() *RetryManager {
	rm.jitter = false
	return rm
}

type IsRetryableError func(error) bool

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// TransportRetryableErrors retries network failures, 429 and 5xx responses.
// Anything the backend rejected on its merits is returned immediately.
func TransportRetryableErrors(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		return code == 429 || code >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := err.Error()
	for _, fragment := range []string{"connection refused", "connection reset", "timeout", "temporary failure", "EOF"} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}

	return false
}

func (rm *RetryManager) Execute(ctx context.Context, fn func() error, isRetryable IsRetryableError) error {
	if !rm.config.Enabled {
		return fn()
	}

	var lastErr error

	for attempt := 1; attempt <= rm.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if !isRetryable(err) {
			return err
		}

		if attempt == rm.config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rm.calculateDelay(attempt)):
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", rm.config.MaxAttempts, lastErr)
}

func (rm *RetryManager) calculateDelay(attempt int) time.Duration {
	var delay time.Duration

	switch rm.strategy {
	case StrategyLinear:
		delay = time.Duration(int64(rm.config.InitialDelay) * int64(attempt))
	case StrategyFixed:
		delay = rm.config.InitialDelay
	default:
		multiplier := math.Pow(rm.config.Multiplier, float64(attempt-1))
		delay = time.Duration(float64(rm.config.InitialDelay) * multiplier)
	}

	if rm.jitter {
		jitter := jitterFactor * float64(delay)
		delay = time.Duration(float64(delay) + (rand.Float64()*2-1)*jitter)
	}

	if rm.config.MaxDelay > 0 && delay > rm.config.MaxDelay {
		delay = rm.config.MaxDelay
	}

	return delay
}

func (rm *RetryManager) IsEnabled() bool {
	return rm.config.Enabled
}

func (rm *RetryManager) MaxAttempts() int {
	return rm.config.MaxAttempts
}
