// Package observability wires OpenTelemetry tracing and metrics.
//
// The mesh packages always create spans and record MeshMetrics through the
// global providers, which are no-ops until the Component (or InitTracer and
// InitMeter) installs OTLP exporters:
//
//	ctx, span := observability.StartSpan(ctx, observability.SpanServiceCall,
//	    attribute.String(observability.AttrServiceName, "orders"))
//	defer func() { observability.EndSpan(span, err) }()
package observability
