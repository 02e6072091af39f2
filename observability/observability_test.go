package observability

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/kbukum/meshkit/logger"
)

func withRecorder(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return exporter
}

func TestStartSpan_RecordsAttributes(t *testing.T) {
	exporter := withRecorder(t)

	_, span := StartSpan(context.Background(), SpanServiceCall, attribute.String(AttrServiceName, "orders"))
	EndSpan(span, nil)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != SpanServiceCall {
		t.Errorf("span name = %q", spans[0].Name)
	}
	found := false
	for _, kv := range spans[0].Attributes {
		if string(kv.Key) == AttrServiceName && kv.Value.AsString() == "orders" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected %s attribute, got %v", AttrServiceName, spans[0].Attributes)
	}
}

func TestEndSpan_RecordsError(t *testing.T) {
	exporter := withRecorder(t)

	_, span := StartSpan(context.Background(), SpanRegistryRequest)
	EndSpan(span, fmt.Errorf("agent down"))

	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Status.Code != codes.Error {
		t.Fatalf("expected errored span, got %+v", spans)
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected an exception event")
	}
}

func TestMeshMetrics_Records(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewMeshMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMeshMetrics: %v", err)
	}
	ctx := context.Background()
	m.RecordRegistry(ctx, "register", time.Now(), nil)
	m.RecordCache(ctx, "orders", CacheHit)
	m.RecordCache(ctx, "orders", CacheStale)
	m.RecordCallAttempt(ctx, "orders", "timeout")
	m.AddInFlight(ctx, "orders", 1)
	m.AddInFlight(ctx, "orders", -1)
	m.RecordRegistrationRetry(ctx, "orders-1", nil)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			names[md.Name] = true
		}
	}
	for _, want := range []string{
		"mesh.registry.requests", "mesh.registry.duration", "mesh.discovery.cache",
		"mesh.call.attempts", "mesh.call.in_flight", "mesh.registration.retries",
	} {
		if !names[want] {
			t.Errorf("missing metric %s", want)
		}
	}
}

func TestMeshMetrics_NilSafe(t *testing.T) {
	var m *MeshMetrics
	ctx := context.Background()
	m.RecordRegistry(ctx, "x", time.Now(), nil)
	m.RecordCache(ctx, "x", CacheMiss)
	m.RecordCallAttempt(ctx, "x", "")
	m.AddInFlight(ctx, "x", 1)
	m.RecordRegistrationRetry(ctx, "x", nil)
}

func TestNewMeshMetrics_Noop(t *testing.T) {
	if _, err := NewMeshMetrics(noop.NewMeterProvider().Meter("test")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if DefaultMeshMetrics() == nil {
		t.Error("expected metrics on the global provider")
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1.0, "AlwaysOnSampler"},
		{0, "AlwaysOffSampler"},
		{0.5, "ParentBased"},
	}
	for _, tc := range tests {
		if got := sampler(tc.rate).Description(); !strings.HasPrefix(got, tc.want) {
			t.Errorf("sampler(%v) = %q, want prefix %q", tc.rate, got, tc.want)
		}
	}
}

func TestConfig(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()
	if cfg.Endpoint != "localhost:4318" || cfg.SampleRate != 1.0 || cfg.MetricsInterval != 15*time.Second {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if err := (&Config{SampleRate: 2}).Validate(); err == nil {
		t.Error("expected error for sample rate > 1")
	}
}

func TestComponent_DisabledIsNoop(t *testing.T) {
	c := NewComponent(Config{}, "meshagent", "1.0.0", "test", logger.Nop())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if c.tp != nil || c.mp != nil {
		t.Error("disabled component must not install providers")
	}
	if h := c.Health(context.Background()); h.Message != "disabled" {
		t.Errorf("unexpected health %+v", h)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestComponent_EnabledExportsToCollector(t *testing.T) {
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer collector.Close()

	prevTP, prevMP := otel.GetTracerProvider(), otel.GetMeterProvider()
	defer func() {
		otel.SetTracerProvider(prevTP)
		otel.SetMeterProvider(prevMP)
	}()

	c := NewComponent(Config{
		Enabled:  true,
		Endpoint: strings.TrimPrefix(collector.URL, "http://"),
		Insecure: true,
	}, "meshagent", "1.0.0", "test", logger.Nop())

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if c.tp == nil || c.mp == nil {
		t.Fatal("expected providers to be installed")
	}
	if !strings.HasPrefix(c.Describe().Details, "otlp ") {
		t.Errorf("unexpected description %q", c.Describe().Details)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestMeshMetrics_CallAttemptReason(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewMeshMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMeshMetrics: %v", err)
	}
	ctx := context.Background()
	m.RecordCallAttempt(ctx, "orders", "connection")
	m.RecordCallAttempt(ctx, "orders", "connection")
	m.RecordCallAttempt(ctx, "orders", "")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "mesh.call.attempts" {
				continue
			}
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", md.Data)
			}
			for _, dp := range sum.DataPoints {
				reason, _ := dp.Attributes.Value(attribute.Key("reason"))
				out, _ := dp.Attributes.Value(attribute.Key("outcome"))
				got[out.AsString()+"/"+reason.AsString()] += dp.Value
			}
		}
	}
	if got["error/connection"] != 2 || got["ok/"] != 1 {
		t.Errorf("unexpected attempt counts: %v", got)
	}
}
