package resilience

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/sumandas0/fleetadmin/config"
)

// CircuitBreakerManager keeps one breaker per backend host. Counting only
// failures the caller classifies as backend faults keeps a run of 404s from
// opening the circuit.
type CircuitBreakerManager struct {
	config    config.CircuitBreakerConfig
	breakers  map[string]*gobreaker.CircuitBreaker
	isFailure func(error) bool
	logger    zerolog.Logger
	mutex     sync.RWMutex
}

func NewCircuitBreakerManager(cfg config.CircuitBreakerConfig, logger zerolog.Logger) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		config:    cfg,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		isFailure: TransportRetryableErrors,
		logger:    logger,
	}
}

func (cbm *CircuitBreakerManager) GetBreaker(serviceName string) *gobreaker.CircuitBreaker {
	if !cbm.config.Enabled {
		return nil
	}

	cbm.mutex.RLock()
	breaker, exists := cbm.breakers[serviceName]
	cbm.mutex.RUnlock()

	if exists {
		return breaker
	}

	cbm.mutex.Lock()
	defer cbm.mutex.Unlock()

	if breaker, exists := cbm.breakers[serviceName]; exists {
		return breaker
	}

	settings := gobreaker.Settings{
		Name:        serviceName,
		MaxRequests: cbm.config.MaxRequests,
		Interval:    cbm.config.Interval,
		Timeout:     cbm.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cbm.config.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			cbm.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !cbm.isFailure(err)
		},
	}

	breaker = gobreaker.NewCircuitBreaker(settings)
	cbm.breakers[serviceName] = breaker

	return breaker
}

func (cbm *CircuitBreakerManager) ExecuteWithContext(ctx context.Context, serviceName string, fn func(context.Context) (any, error)) (any, error) {
	breaker := cbm.GetBreaker(serviceName)
	if breaker == nil {
		return fn(ctx)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	return breaker.Execute(func() (any, error) {
		return fn(ctx)
	})
}

func (cbm *CircuitBreakerManager) GetState(serviceName string) gobreaker.State {
	cbm.mutex.RLock()
	defer cbm.mutex.RUnlock()

	if breaker, exists := cbm.breakers[serviceName]; exists {
		return breaker.State()
	}

	return gobreaker.StateClosed
}

func (cbm *CircuitBreakerManager) IsEnabled() bool {
	return cbm.config.Enabled
}

func IsCircuitBreakerError(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Status reports every breaker's state and counts, for health output.
func (cbm *CircuitBreakerManager) Status() map[string]any {
	cbm.mutex.RLock()
	defer cbm.mutex.RUnlock()

	status := make(map[string]any, len(cbm.breakers))
	for name, breaker := range cbm.breakers {
		counts := breaker.Counts()
		status[name] = map[string]any{
			"state":                breaker.State().String(),
			"requests":             counts.Requests,
			"total_failures":       counts.TotalFailures,
			"consecutive_failures": counts.ConsecutiveFailures,
		}
	}

	return status
}
