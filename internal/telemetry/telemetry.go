package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers.
// A nil *Telemetry is valid and records nothing.
type Telemetry struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	meter          metric.Meter
	exporter       *prometheus.Exporter

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Fetch metrics
	fetchesTotal   metric.Int64Counter
	fetchesActive  metric.Int64UpDownCounter
	fetchDuration  metric.Float64Histogram
	fetchAttempts  metric.Int64Counter
	fetchRetries   metric.Int64Counter
	fetchBytes     metric.Int64Counter
	cacheHits      metric.Int64Counter
	cacheEvictions metric.Int64Counter
	evictedBytes   metric.Int64Counter

	dbOperationsTotal   metric.Int64Counter
	dbOperationDuration metric.Float64Histogram
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string

	// OTLPEndpoint, when set, pushes metrics over OTLP/gRPC in addition to
	// serving them on /metrics.
	OTLPEndpoint string

	// Reader replaces the Prometheus exporter. Used by tests.
	Reader sdkmetric.Reader
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	t := &Telemetry{}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if cfg.Reader != nil {
		opts = append(opts, sdkmetric.WithReader(cfg.Reader))
	} else {
		exporter, err := prometheus.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}

		t.exporter = exporter
		opts = append(opts, sdkmetric.WithReader(exporter))
	}

	if cfg.OTLPEndpoint != "" {
		otlp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlp)))
	}

	t.meterProvider = sdkmetric.NewMeterProvider(opts...)
	t.tracerProvider = sdktrace.NewTracerProvider(sdktrace.WithResource(res))

	otel.SetMeterProvider(t.meterProvider)
	otel.SetTracerProvider(t.tracerProvider)

	t.tracer = t.tracerProvider.Tracer(cfg.ServiceName)
	t.meter = t.meterProvider.Meter(cfg.ServiceName)

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if err := runtime.Start(runtime.WithMeterProvider(t.meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime metrics: %w", err)
	}

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil {
		return otel.Tracer("")
	}

	return t.tracer
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(ctx context.Context, method, route, status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status", status),
	)

	t.httpRequestsTotal.Add(ctx, 1, attrs)
	t.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

func (t *Telemetry) addHTTPInFlight(ctx context.Context, delta int64) {
	if t == nil {
		return
	}

	t.httpRequestsInFlight.Add(ctx, delta)
}

// RecordFetch records the outcome of one Fetch call ("file", "buffer", "hit", "canceled", "error").
func (t *Telemetry) RecordFetch(ctx context.Context, outcome string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))

	t.fetchesTotal.Add(ctx, 1, attrs)
	t.fetchDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordFetchAttempt records a single network attempt ("success", "transient", "error", "canceled").
func (t *Telemetry) RecordFetchAttempt(ctx context.Context, result string) {
	if t == nil {
		return
	}

	t.fetchAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordRetry counts retries caused by transient failures.
func (t *Telemetry) RecordRetry(ctx context.Context) {
	if t == nil {
		return
	}

	t.fetchRetries.Add(ctx, 1)
}

// RecordBytes counts body bytes written in "durable" or "buffered" mode.
func (t *Telemetry) RecordBytes(ctx context.Context, mode string, n int64) {
	if t == nil {
		return
	}

	t.fetchBytes.Add(ctx, n, metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordCacheHit counts fetches answered by an existing cache file.
func (t *Telemetry) RecordCacheHit(ctx context.Context) {
	if t == nil {
		return
	}

	t.cacheHits.Add(ctx, 1)
}

// RecordEviction counts a cache file removed to make room or because it expired.
func (t *Telemetry) RecordEviction(ctx context.Context, reason string, size int64) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("reason", reason))

	t.cacheEvictions.Add(ctx, 1, attrs)
	t.evictedBytes.Add(ctx, size, attrs)
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(ctx context.Context, operation, status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.dbOperationsTotal.Add(ctx, 1, attrs)
	t.dbOperationDuration.Record(ctx, duration.Seconds(), attrs)
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	return errors.Join(
		t.meterProvider.Shutdown(ctx),
		t.tracerProvider.Shutdown(ctx),
	)
}

// initializeMetrics creates all metric instruments.
func (t *Telemetry) initializeMetrics() error {
	if err := t.initializeREDMetrics(); err != nil {
		return err
	}

	if err := t.initializeFetchMetrics(); err != nil {
		return err
	}

	return t.initializeDBMetrics()
}

func (t *Telemetry) initializeREDMetrics() error {
	var err error

	t.httpRequestsTotal, err = t.meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	t.httpRequestDuration, err = t.meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_request_duration histogram: %w", err)
	}

	t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter(
		"http_requests_in_flight",
		metric.WithDescription("Number of HTTP requests currently being processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_in_flight counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeFetchMetrics() error {
	var err error

	t.fetchesTotal, err = t.meter.Int64Counter(
		"fetches_total",
		metric.WithDescription("Total number of fetches by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create fetches_total counter: %w", err)
	}

	t.fetchesActive, err = t.meter.Int64UpDownCounter(
		"fetches_active",
		metric.WithDescription("Number of fetches in progress, including those waiting for a resource lock"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create fetches_active counter: %w", err)
	}

	t.fetchDuration, err = t.meter.Float64Histogram(
		"fetch_duration_seconds",
		metric.WithDescription("Fetch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create fetch_duration histogram: %w", err)
	}

	t.fetchAttempts, err = t.meter.Int64Counter(
		"fetch_attempts_total",
		metric.WithDescription("Total number of network attempts by result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create fetch_attempts_total counter: %w", err)
	}

	t.fetchRetries, err = t.meter.Int64Counter(
		"fetch_retries_total",
		metric.WithDescription("Total number of retries after transient failures"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create fetch_retries_total counter: %w", err)
	}

	t.fetchBytes, err = t.meter.Int64Counter(
		"fetch_bytes_total",
		metric.WithDescription("Total body bytes fetched by sink mode"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("failed to create fetch_bytes_total counter: %w", err)
	}

	t.cacheHits, err = t.meter.Int64Counter(
		"cache_hits_total",
		metric.WithDescription("Total number of fetches served from a complete cache file"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create cache_hits_total counter: %w", err)
	}

	t.cacheEvictions, err = t.meter.Int64Counter(
		"cache_evictions_total",
		metric.WithDescription("Total number of cache files removed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create cache_evictions_total counter: %w", err)
	}

	t.evictedBytes, err = t.meter.Int64Counter(
		"cache_evicted_bytes_total",
		metric.WithDescription("Total bytes of cache files removed"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("failed to create cache_evicted_bytes_total counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeDBMetrics() error {
	var err error

	t.dbOperationsTotal, err = t.meter.Int64Counter(
		"db_operations_total",
		metric.WithDescription("Total number of database operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create db_operations_total counter: %w", err)
	}

	t.dbOperationDuration, err = t.meter.Float64Histogram(
		"db_operation_duration_seconds",
		metric.WithDescription("Database operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create db_operation_duration histogram: %w", err)
	}

	return nil
}
