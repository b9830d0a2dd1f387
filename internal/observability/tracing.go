package observability

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	ServiceName    = "fleetadmin"
	ServiceVersion = "1.0.0"
)

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" mapstructure:"enabled"`
	JaegerURL   string  `yaml:"jaeger_url" mapstructure:"jaeger_url"`
	Environment string  `yaml:"environment" mapstructure:"environment"`
	SampleRate  float64 `yaml:"sample_rate" mapstructure:"sample_rate"`
}

// TracingManager manages OpenTelemetry tracing setup and span creation.
// A nil manager falls back to the global tracer.
type TracingManager struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
	config   TracingConfig
}

func NewTracingManager(config TracingConfig) (*TracingManager, error) {
	if !config.Enabled {
		return &TracingManager{
			tracer: otel.Tracer(ServiceName),
			config: config,
		}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(config.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SampleRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracingManager{
		tracer:   tp.Tracer(ServiceName),
		provider: tp,
		config:   config,
	}, nil
}

func (tm *TracingManager) getTracer() trace.Tracer {
	if tm == nil || tm.tracer == nil {
		return otel.Tracer(ServiceName)
	}
	return tm.tracer
}

// StartRecordOperation starts a span for a CRUD call against a collection.
func (tm *TracingManager) StartRecordOperation(ctx context.Context, operation, collection, recordID string) (context.Context, trace.Span) {
	return tm.getTracer().Start(ctx, "records."+operation,
		trace.WithAttributes(
			attribute.String("collection", collection),
			attribute.String("record.id", recordID),
			attribute.String("operation", operation),
		),
	)
}

// StartRequest starts a client span for an outbound request and injects the
// propagation headers into it.
func (tm *TracingManager) StartRequest(req *http.Request) (*http.Request, trace.Span) {
	ctx, span := tm.getTracer().Start(req.Context(), fmt.Sprintf("HTTP %s", req.Method),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.HTTPMethod(req.Method),
			attribute.String("http.url", req.URL.String()),
		),
	)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	return req.WithContext(ctx), span
}

func SetSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err)
}

func (tm *TracingManager) Shutdown(ctx context.Context) error {
	if tm != nil && tm.provider != nil {
		return tm.provider.Shutdown(ctx)
	}
	return nil
}

func (tm *TracingManager) IsEnabled() bool {
	return tm != nil && tm.config.Enabled
}
