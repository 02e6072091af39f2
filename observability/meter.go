package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MeterConfig configures the OpenTelemetry meter provider.
type MeterConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// Endpoint is the OTLP HTTP endpoint host:port (e.g., "localhost:4318").
	Endpoint string
	// Insecure allows plain HTTP to the collector.
	Insecure bool
	// Interval is the metric export interval.
	Interval time.Duration
}

// InitMeter installs a periodic OTLP/HTTP meter provider as the global
// provider. Shut the returned provider down on exit.
func InitMeter(ctx context.Context, cfg MeterConfig) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}

	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	res, err := newResource(cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	var readerOpts []sdkmetric.PeriodicReaderOption
	if cfg.Interval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.Interval))
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOpts...)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	return mp, nil
}

// Meter returns a named meter from the global provider.
func Meter(name string) metric.Meter {
	return otel.Meter(name)
}

// Cache lookup results recorded by MeshMetrics.RecordCache.
const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheStale = "stale"
)

// MeshMetrics holds the instruments for registry and discovery traffic.
// A nil *MeshMetrics records nothing.
type MeshMetrics struct {
	registryRequests metric.Int64Counter
	registryDuration metric.Float64Histogram
	cacheLookups     metric.Int64Counter
	callAttempts     metric.Int64Counter
	callsInFlight    metric.Int64UpDownCounter
	registerRetries  metric.Int64Counter
}

// NewMeshMetrics creates the instruments on meter.
func NewMeshMetrics(meter metric.Meter) (*MeshMetrics, error) {
	m := &MeshMetrics{}
	var err error

	if m.registryRequests, err = meter.Int64Counter("mesh.registry.requests",
		metric.WithDescription("Registry API requests by operation and outcome"),
	); err != nil {
		return nil, fmt.Errorf("creating mesh.registry.requests counter: %w", err)
	}
	if m.registryDuration, err = meter.Float64Histogram("mesh.registry.duration",
		metric.WithDescription("Registry API request duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("creating mesh.registry.duration histogram: %w", err)
	}
	if m.cacheLookups, err = meter.Int64Counter("mesh.discovery.cache",
		metric.WithDescription("Discovery cache lookups by result"),
	); err != nil {
		return nil, fmt.Errorf("creating mesh.discovery.cache counter: %w", err)
	}
	if m.callAttempts, err = meter.Int64Counter("mesh.call.attempts",
		metric.WithDescription("Service call attempts by outcome"),
	); err != nil {
		return nil, fmt.Errorf("creating mesh.call.attempts counter: %w", err)
	}
	if m.callsInFlight, err = meter.Int64UpDownCounter("mesh.call.in_flight",
		metric.WithDescription("Service calls currently in flight"),
	); err != nil {
		return nil, fmt.Errorf("creating mesh.call.in_flight counter: %w", err)
	}
	if m.registerRetries, err = meter.Int64Counter("mesh.registration.retries",
		metric.WithDescription("Scheduled registration retry attempts"),
	); err != nil {
		return nil, fmt.Errorf("creating mesh.registration.retries counter: %w", err)
	}
	return m, nil
}

// DefaultMeshMetrics builds MeshMetrics on the global meter provider. Until
// InitMeter runs the global provider is a no-op, so this never fails in
// practice; on error it returns nil, which records nothing.
func DefaultMeshMetrics() *MeshMetrics {
	m, err := NewMeshMetrics(Meter(InstrumentationName))
	if err != nil {
		return nil
	}
	return m
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordRegistry records one registry API request.
func (m *MeshMetrics) RecordRegistry(ctx context.Context, op string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.registryRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", outcome(err)),
	))
	m.registryDuration.Record(ctx, time.Since(started).Seconds(), metric.WithAttributes(
		attribute.String("operation", op),
	))
}

// RecordCache records a discovery cache lookup result (CacheHit, CacheMiss, CacheStale).
func (m *MeshMetrics) RecordCache(ctx context.Context, service, result string) {
	if m == nil {
		return
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("result", result),
	))
}

// RecordCallAttempt records one outbound call attempt. An empty reason is a
// successful attempt; otherwise it names the failure class.
func (m *MeshMetrics) RecordCallAttempt(ctx context.Context, service, reason string) {
	if m == nil {
		return
	}
	out := "ok"
	if reason != "" {
		out = "error"
	}
	m.callAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("outcome", out),
		attribute.String("reason", reason),
	))
}

// AddInFlight adjusts the in-flight call gauge by delta.
func (m *MeshMetrics) AddInFlight(ctx context.Context, service string, delta int64) {
	if m == nil {
		return
	}
	m.callsInFlight.Add(ctx, delta, metric.WithAttributes(attribute.String("service", service)))
}

// RecordRegistrationRetry records one scheduled registration retry.
func (m *MeshMetrics) RecordRegistrationRetry(ctx context.Context, serviceID string, err error) {
	if m == nil {
		return
	}
	m.registerRetries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("service_id", serviceID),
		attribute.String("outcome", outcome(err)),
	))
}
