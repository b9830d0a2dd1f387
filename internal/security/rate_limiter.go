package security

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/sumandas0/fleetadmin/config"
)

// RateLimiter throttles outbound requests. Every request draws from the
// global bucket; endpoints with their own limit also draw from theirs.
type RateLimiter struct {
	config         config.RateLimitConfig
	globalLimiter  *rate.Limiter
	endpointLimits map[string]*rate.Limiter
	mutex          sync.RWMutex
}

func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		config:         cfg,
		endpointLimits: make(map[string]*rate.Limiter),
	}

	if cfg.Enabled {
		burst := cfg.BurstSize
		if burst <= 0 {
			burst = 1
		}
		rl.globalLimiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return rl
}

// SetEndpointLimit installs a dedicated bucket for one endpoint.
func (rl *RateLimiter) SetEndpointLimit(endpoint string, requestsPerSecond float64, burst int) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	rl.endpointLimits[endpoint] = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

func (rl *RateLimiter) Allow(endpoint string) bool {
	if !rl.IsEnabled() {
		return true
	}

	if limiter := rl.endpointLimiter(endpoint); limiter != nil && !limiter.Allow() {
		return false
	}
	return rl.globalLimiter.Allow()
}

// Wait blocks until the request may proceed or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context, endpoint string) error {
	if !rl.IsEnabled() {
		return nil
	}

	if limiter := rl.endpointLimiter(endpoint); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return rl.globalLimiter.Wait(ctx)
}

func (rl *RateLimiter) endpointLimiter(endpoint string) *rate.Limiter {
	rl.mutex.RLock()
	defer rl.mutex.RUnlock()
	return rl.endpointLimits[endpoint]
}

func (rl *RateLimiter) IsEnabled() bool {
	return rl != nil && rl.config.Enabled && rl.globalLimiter != nil
}
