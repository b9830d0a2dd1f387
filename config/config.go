package config

import (
	"fmt"
	"net/url"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	OperationList   = "list"
	OperationDetail = "detail"
)

type Config struct {
	API         APIConfig         `mapstructure:"api"`
	Collections CollectionsConfig `mapstructure:"collections"`
	Pagination  PaginationConfig  `mapstructure:"pagination"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Session     SessionConfig     `mapstructure:"session"`
	Transport   TransportConfig   `mapstructure:"transport"`
	Features    FeaturesConfig    `mapstructure:"features"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Environment string            `mapstructure:"environment"`
}

type APIConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	BasePath   string        `mapstructure:"base_path"`
	Timeout    time.Duration `mapstructure:"timeout"`
	GrafanaURL string        `mapstructure:"grafana_url"`
	MQTTHost   string        `mapstructure:"mqtt_host"`
}

type CollectionsConfig struct {
	Edges            string `mapstructure:"edges"`
	Locations        string `mapstructure:"locations"`
	Things           string `mapstructure:"things"`
	Clients          string `mapstructure:"clients"`
	TopicPermissions string `mapstructure:"topic_permissions"`
	Users            string `mapstructure:"users"`
	EdgeTypes        string `mapstructure:"edge_types"`
	EdgeRegions      string `mapstructure:"edge_regions"`
	LocationTypes    string `mapstructure:"location_types"`
	ThingTypes       string `mapstructure:"thing_types"`
}

type PaginationConfig struct {
	DefaultPageSize int `mapstructure:"default_page_size"`
	MaxPageSize     int `mapstructure:"max_page_size"`
}

type CacheConfig struct {
	Enabled            bool                     `mapstructure:"enabled"`
	Persist            bool                     `mapstructure:"persist"`
	Path               string                   `mapstructure:"path"`
	DefaultTTL         time.Duration            `mapstructure:"default_ttl"`
	LongTTL            time.Duration            `mapstructure:"long_ttl"`
	LongTTLCollections []string                 `mapstructure:"long_ttl_collections"`
	TTLOverrides       map[string]time.Duration `mapstructure:"ttl_overrides"`
	SkipCache          bool                     `mapstructure:"skip_cache"`
}

type SessionConfig struct {
	Path string `mapstructure:"path"`
}

type TransportConfig struct {
	Retry          RetryConfig          `mapstructure:"retry"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	RateLimit      RateLimitConfig      `mapstructure:"rate_limit"`
}

type RetryConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
}

type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size"`
}

type FeaturesConfig struct {
	EnableMapFeatures bool `mapstructure:"enable_map_features"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	JaegerURL  string  `mapstructure:"jaeger_url"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("fleetadmin")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/fleetadmin/")
		v.AddConfigPath("$HOME/.fleetadmin/")
	}

	v.SetEnvPrefix("FLEETADMIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns the configuration built from hard-coded defaults only.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		panic(fmt.Sprintf("default configuration does not decode: %v", err))
	}
	return &config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:8080")
	v.SetDefault("api.base_path", "/pb/api")
	v.SetDefault("api.timeout", "30s")
	v.SetDefault("api.grafana_url", "https://grafana.domain.com")
	v.SetDefault("api.mqtt_host", "mqtt://localhost:1883")

	v.SetDefault("collections.edges", "edges")
	v.SetDefault("collections.locations", "locations")
	v.SetDefault("collections.things", "things")
	v.SetDefault("collections.clients", "clients")
	v.SetDefault("collections.topic_permissions", "topic_permissions")
	v.SetDefault("collections.users", "users")
	v.SetDefault("collections.edge_types", "edge_types")
	v.SetDefault("collections.edge_regions", "edge_regions")
	v.SetDefault("collections.location_types", "location_types")
	v.SetDefault("collections.thing_types", "thing_types")

	v.SetDefault("pagination.default_page_size", 10)
	v.SetDefault("pagination.max_page_size", 100)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.persist", true)
	v.SetDefault("cache.path", "fleetadmin-cache.db")
	v.SetDefault("cache.default_ttl", "5m")
	v.SetDefault("cache.long_ttl", "60m")
	v.SetDefault("cache.long_ttl_collections", []string{"edge_types", "edge_regions", "location_types", "thing_types"})
	v.SetDefault("cache.ttl_overrides", map[string]any{
		"audit_logs": "2m",
		"dashboard":  "1m",
	})
	v.SetDefault("cache.skip_cache", false)

	v.SetDefault("session.path", "fleetadmin-session.db")

	v.SetDefault("transport.retry.enabled", true)
	v.SetDefault("transport.retry.max_attempts", 3)
	v.SetDefault("transport.retry.initial_delay", "100ms")
	v.SetDefault("transport.retry.max_delay", "2s")
	v.SetDefault("transport.retry.multiplier", 2.0)
	v.SetDefault("transport.circuit_breaker.enabled", true)
	v.SetDefault("transport.circuit_breaker.max_requests", 1)
	v.SetDefault("transport.circuit_breaker.interval", "60s")
	v.SetDefault("transport.circuit_breaker.timeout", "30s")
	v.SetDefault("transport.circuit_breaker.failure_threshold", 5)
	v.SetDefault("transport.rate_limit.enabled", false)
	v.SetDefault("transport.rate_limit.requests_per_second", 20.0)
	v.SetDefault("transport.rate_limit.burst_size", 10)

	v.SetDefault("features.enable_map_features", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "fleetadmin")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.jaeger_url", "http://localhost:14268/api/traces")
	v.SetDefault("tracing.sample_rate", 1.0)

	v.SetDefault("environment", "development")
}

func validateConfig(config *Config) error {
	u, err := url.Parse(config.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid api base URL: %q", config.API.BaseURL)
	}

	if !strings.HasPrefix(config.API.BasePath, "/") {
		return fmt.Errorf("api base path must start with '/': %q", config.API.BasePath)
	}

	if config.Pagination.DefaultPageSize <= 0 {
		return fmt.Errorf("invalid default page size: %d", config.Pagination.DefaultPageSize)
	}
	if config.Pagination.MaxPageSize < config.Pagination.DefaultPageSize {
		return fmt.Errorf("max page size %d is below default page size %d",
			config.Pagination.MaxPageSize, config.Pagination.DefaultPageSize)
	}

	if config.Cache.DefaultTTL <= 0 || config.Cache.LongTTL <= 0 {
		return fmt.Errorf("cache TTLs must be positive")
	}
	for name, ttl := range config.Cache.TTLOverrides {
		if ttl <= 0 {
			return fmt.Errorf("invalid TTL override for %s: %s", name, ttl)
		}
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLevels, config.Logging.Level) {
		return fmt.Errorf("invalid logging level: %s", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid logging format: %s", config.Logging.Format)
	}

	return nil
}

// APIBaseURL returns the configured backend origin.
func (c *Config) APIBaseURL() string {
	return strings.TrimRight(c.API.BaseURL, "/")
}

// PocketBaseURL joins a record API path onto the base URL and base path.
func (c *Config) PocketBaseURL(path string) string {
	return c.APIBaseURL() + c.API.BasePath + path
}

// CollectionEndpoint returns the records endpoint of a collection, or of a
// single record when recordID is set. The result is relative to the base URL.
func (c *Config) CollectionEndpoint(collection, recordID string) string {
	base := fmt.Sprintf("%s/collections/%s/records", c.API.BasePath, collection)
	if recordID != "" {
		return base + "/" + recordID
	}
	return base
}

func (c *Config) HealthEndpoint() string {
	return c.API.BasePath + "/health"
}

// LogsEndpoint is the request log feed, relative to the base URL.
func (c *Config) LogsEndpoint() string {
	return c.API.BasePath + "/logs"
}

func (c *Config) FileURL(collection, recordID, filename string) string {
	return c.PocketBaseURL(fmt.Sprintf("/files/%s/%s/%s", collection, recordID, url.PathEscape(filename)))
}

// GrafanaDashboardURL builds a dashboard link, mapping params to var-* query
// parameters in key order.
func (c *Config) GrafanaDashboardURL(dashboard string, params map[string]string) string {
	base := strings.TrimRight(c.API.GrafanaURL, "/")

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("var-%s=%s", k, url.QueryEscape(params[k])))
	}

	link := fmt.Sprintf("%s/d/%s/%s", base, dashboard, dashboard)
	if len(parts) > 0 {
		link += "?" + strings.Join(parts, "&")
	}
	return link
}

func (c *Config) IsCacheEnabled() bool {
	return c.Cache.Enabled
}

// TTL resolves how long an entry for collection/operation stays valid.
// Reference collections win over overrides, overrides win over the detail
// multiplier.
func (c *Config) TTL(collection, operation string) time.Duration {
	return c.Cache.TTL(collection, operation)
}

func (cc CacheConfig) TTL(collection, operation string) time.Duration {
	if slices.Contains(cc.LongTTLCollections, collection) {
		return cc.LongTTL
	}

	if ttl, ok := cc.TTLOverrides[collection]; ok && ttl > 0 {
		return ttl
	}

	if operation == OperationDetail {
		return cc.DefaultTTL * 2
	}

	return cc.DefaultTTL
}
