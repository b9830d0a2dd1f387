package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
}

// MetricsManager owns the client-side metrics. A nil or disabled manager
// accepts every call and records nothing.
type MetricsManager struct {
	config   MetricsConfig
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	recordOperations        *prometheus.CounterVec
	recordOperationDuration *prometheus.HistogramVec

	cacheHits          *prometheus.CounterVec
	cacheMisses        *prometheus.CounterVec
	cacheInvalidations *prometheus.CounterVec
	cacheTierFailures  *prometheus.CounterVec
}

func NewMetricsManager(config MetricsConfig) *MetricsManager {
	if !config.Enabled {
		return &MetricsManager{config: config}
	}

	registry := prometheus.NewRegistry()

	namespace := config.Namespace
	if namespace == "" {
		namespace = "fleetadmin"
	}

	mm := &MetricsManager{
		config:   config,
		registry: registry,
	}

	mm.requestsTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "requests_total",
			Help:      "Total number of backend requests",
		},
		[]string{"method", "status_code"},
	)

	mm.requestDuration = promauto.With(registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "request_duration_seconds",
			Help:      "Backend request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	mm.recordOperations = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "records",
			Name:      "operations_total",
			Help:      "Total number of record operations",
		},
		[]string{"operation", "collection", "status"},
	)

	mm.recordOperationDuration = promauto.With(registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "records",
			Name:      "operation_duration_seconds",
			Help:      "Record operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "collection"},
	)

	mm.cacheHits = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"collection", "operation"},
	)

	mm.cacheMisses = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"collection", "operation"},
	)

	mm.cacheInvalidations = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "invalidations_total",
			Help:      "Total number of collection invalidations",
		},
		[]string{"collection"},
	)

	mm.cacheTierFailures = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "tier_failures_total",
			Help:      "Total number of swallowed cache tier failures",
		},
		[]string{"tier", "operation"},
	)

	return mm
}

func (mm *MetricsManager) IsEnabled() bool {
	return mm != nil && mm.config.Enabled
}

func (mm *MetricsManager) RecordRequest(method string, statusCode int, duration time.Duration) {
	if !mm.IsEnabled() {
		return
	}
	mm.requestsTotal.WithLabelValues(method, strconv.Itoa(statusCode)).Inc()
	mm.requestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func (mm *MetricsManager) RecordOperation(operation, collection, status string, duration time.Duration) {
	if !mm.IsEnabled() {
		return
	}
	mm.recordOperations.WithLabelValues(operation, collection, status).Inc()
	mm.recordOperationDuration.WithLabelValues(operation, collection).Observe(duration.Seconds())
}

func (mm *MetricsManager) RecordCacheHit(collection, operation string) {
	if !mm.IsEnabled() {
		return
	}
	mm.cacheHits.WithLabelValues(collection, operation).Inc()
}

func (mm *MetricsManager) RecordCacheMiss(collection, operation string) {
	if !mm.IsEnabled() {
		return
	}
	mm.cacheMisses.WithLabelValues(collection, operation).Inc()
}

func (mm *MetricsManager) RecordInvalidation(collection string) {
	if !mm.IsEnabled() {
		return
	}
	mm.cacheInvalidations.WithLabelValues(collection).Inc()
}

func (mm *MetricsManager) RecordTierFailure(tier, operation string) {
	if !mm.IsEnabled() {
		return
	}
	mm.cacheTierFailures.WithLabelValues(tier, operation).Inc()
}

func (mm *MetricsManager) Registry() *prometheus.Registry {
	if mm == nil {
		return nil
	}
	return mm.registry
}

// WriteTextfile dumps the registry in the text exposition format, for the
// node_exporter textfile collector. A disabled manager writes nothing.
func (mm *MetricsManager) WriteTextfile(path string) error {
	if !mm.IsEnabled() {
		return nil
	}
	return prometheus.WriteToTextfile(path, mm.registry)
}
