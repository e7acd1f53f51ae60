package telemetry

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/OrlandoBitencourt/fliptengine/internal/circuit"
	"github.com/OrlandoBitencourt/fliptengine/internal/refresh"
)

const (
	meterName  = "github.com/OrlandoBitencourt/fliptengine"
	tracerName = "github.com/OrlandoBitencourt/fliptengine"
)

// OTelProvider implements Provider using OpenTelemetry
type OTelProvider struct {
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	evaluations        metric.Int64Counter
	evaluationDuration metric.Float64Histogram
	batchSize          metric.Int64Histogram
	notReady           metric.Int64Counter
	refreshes          metric.Int64Counter
	refreshDuration    metric.Float64Histogram
	streamConnections  metric.Int64UpDownCounter
	streamDisconnects  metric.Int64Counter
	snapshotFlags      metric.Int64ObservableGauge
	circuitState       metric.Int64ObservableGauge
	schedulerState     metric.Int64ObservableGauge

	// Values read by the observable gauges
	currentFlags     atomic.Int64
	currentCircuit   atomic.Int64
	currentScheduler atomic.Int64
	namespace        atomic.Value
	streamOpen       atomic.Bool
}

// Option configures an OTelProvider
type Option func(*otelConfig)

type otelConfig struct {
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
}

// WithMeterProvider uses mp instead of the global meter provider
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *otelConfig) {
		c.meterProvider = mp
	}
}

// WithTracerProvider uses tp instead of the global tracer provider
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *otelConfig) {
		c.tracerProvider = tp
	}
}

// NewOTel creates a new OpenTelemetry provider
func NewOTel(opts ...Option) (*OTelProvider, error) {
	cfg := &otelConfig{
		meterProvider:  otel.GetMeterProvider(),
		tracerProvider: otel.GetTracerProvider(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	provider := &OTelProvider{
		tracer: cfg.tracerProvider.Tracer(tracerName),
		meter:  cfg.meterProvider.Meter(meterName),
	}
	provider.namespace.Store("")

	if err := provider.initMetrics(); err != nil {
		return nil, err
	}

	return provider, nil
}

// initMetrics initializes all metrics
func (o *OTelProvider) initMetrics() error {
	var err error

	// Evaluation metrics
	o.evaluations, err = o.meter.Int64Counter(
		"fliptengine.evaluations",
		metric.WithDescription("Number of flag evaluations by reason"),
		metric.WithUnit("{evaluation}"),
	)
	if err != nil {
		return err
	}

	o.evaluationDuration, err = o.meter.Float64Histogram(
		"fliptengine.evaluation.duration",
		metric.WithDescription("Duration of single flag evaluations"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	o.batchSize, err = o.meter.Int64Histogram(
		"fliptengine.evaluation.batch.size",
		metric.WithDescription("Number of requests per batch evaluation"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	o.notReady, err = o.meter.Int64Counter(
		"fliptengine.evaluation.not_ready",
		metric.WithDescription("Evaluations rejected before the first snapshot"),
		metric.WithUnit("{evaluation}"),
	)
	if err != nil {
		return err
	}

	// Refresh metrics
	o.refreshes, err = o.meter.Int64Counter(
		"fliptengine.refresh",
		metric.WithDescription("Number of snapshot refreshes by trigger and outcome"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return err
	}

	o.refreshDuration, err = o.meter.Float64Histogram(
		"fliptengine.refresh.duration",
		metric.WithDescription("Duration of snapshot refreshes"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	o.streamConnections, err = o.meter.Int64UpDownCounter(
		"fliptengine.stream.connections",
		metric.WithDescription("Open snapshot stream connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return err
	}

	o.streamDisconnects, err = o.meter.Int64Counter(
		"fliptengine.stream.disconnects",
		metric.WithDescription("Number of snapshot stream disconnects"),
		metric.WithUnit("{disconnect}"),
	)
	if err != nil {
		return err
	}

	// Gauges
	o.snapshotFlags, err = o.meter.Int64ObservableGauge(
		"fliptengine.snapshot.flags",
		metric.WithDescription("Number of flags in the serving snapshot"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			observer.Observe(o.currentFlags.Load(), o.namespaceAttr())
			return nil
		}),
	)
	if err != nil {
		return err
	}

	o.circuitState, err = o.meter.Int64ObservableGauge(
		"fliptengine.circuit.state",
		metric.WithDescription("Circuit breaker state (0=closed, 1=open, 2=half-open)"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			observer.Observe(o.currentCircuit.Load(), o.namespaceAttr())
			return nil
		}),
	)
	if err != nil {
		return err
	}

	o.schedulerState, err = o.meter.Int64ObservableGauge(
		"fliptengine.refresh.state",
		metric.WithDescription("Refresh scheduler state (0=idle, 1=fetching, 2=committing, 3=backoff, 4=stopped)"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			observer.Observe(o.currentScheduler.Load(), o.namespaceAttr())
			return nil
		}),
	)
	if err != nil {
		return err
	}

	return nil
}

func (o *OTelProvider) namespaceAttr() metric.ObserveOption {
	ns, _ := o.namespace.Load().(string)
	return metric.WithAttributes(attribute.String("namespace", ns))
}

// circuitStateValue maps a circuit state onto the gauge's encoding
func circuitStateValue(s circuit.State) int64 {
	switch s {
	case circuit.StateOpen:
		return 1
	case circuit.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// StartSpan creates a new trace span
func (o *OTelProvider) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, Span) {
	config := &SpanConfig{}
	for _, opt := range opts {
		opt(config)
	}

	ctx, otelSpan := o.tracer.Start(ctx, name,
		trace.WithAttributes(convertAttributes(config.Attributes)...))

	return ctx, &OTelSpan{span: otelSpan}
}

// convertAttribute converts our Attribute to OTel attribute
func convertAttribute(attr Attribute) attribute.KeyValue {
	switch v := attr.Value.(type) {
	case string:
		return attribute.String(attr.Key, v)
	case int:
		return attribute.Int(attr.Key, v)
	case int64:
		return attribute.Int64(attr.Key, v)
	case bool:
		return attribute.Bool(attr.Key, v)
	case float64:
		return attribute.Float64(attr.Key, v)
	default:
		return attribute.String(attr.Key, "")
	}
}

func convertAttributes(attrs []Attribute) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(attrs))
	for i, attr := range attrs {
		out[i] = convertAttribute(attr)
	}
	return out
}

// RecordEvaluation records one flag evaluation
func (o *OTelProvider) RecordEvaluation(ctx context.Context, namespace, flagKey, reason string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("namespace", namespace),
		attribute.String("flag.key", flagKey),
		attribute.String("reason", reason),
	)
	o.evaluations.Add(ctx, 1, attrs)
	o.evaluationDuration.Record(ctx, msec(duration), attrs)
}

// RecordBatch records a batch evaluation
func (o *OTelProvider) RecordBatch(ctx context.Context, namespace string, size int, duration time.Duration) {
	o.batchSize.Record(ctx, int64(size), metric.WithAttributes(
		attribute.String("namespace", namespace),
	))
}

// RecordNotReady records an evaluation rejected before the first snapshot
func (o *OTelProvider) RecordNotReady(ctx context.Context, namespace string) {
	o.notReady.Add(ctx, 1, metric.WithAttributes(
		attribute.String("namespace", namespace),
	))
}

// RefreshCompleted records a refresh outcome
func (o *OTelProvider) RefreshCompleted(ctx context.Context, ev refresh.Event) {
	o.namespace.Store(ev.Namespace)

	attrs := metric.WithAttributes(
		attribute.String("namespace", ev.Namespace),
		attribute.String("trigger", string(ev.Trigger)),
		attribute.String("outcome", string(ev.Outcome)),
	)
	o.refreshes.Add(ctx, 1, attrs)
	o.refreshDuration.Record(ctx, msec(ev.Duration), attrs)

	if ev.Outcome == refresh.OutcomeCommitted {
		o.currentFlags.Store(int64(ev.Flags))
	}
}

// StateChanged tracks the scheduler state for the gauge
func (o *OTelProvider) StateChanged(_, to refresh.State) {
	o.currentScheduler.Store(int64(to))
}

// CircuitChanged tracks the circuit state for the gauge
func (o *OTelProvider) CircuitChanged(_, to circuit.State) {
	o.currentCircuit.Store(circuitStateValue(to))
}

// StreamConnected records an opened stream connection
func (o *OTelProvider) StreamConnected() {
	if o.streamOpen.CompareAndSwap(false, true) {
		o.streamConnections.Add(context.Background(), 1)
	}
}

// StreamDisconnected records a dropped stream connection
func (o *OTelProvider) StreamDisconnected(err error) {
	ctx := context.Background()
	// failed dials report a disconnect without a prior connect
	if o.streamOpen.CompareAndSwap(true, false) {
		o.streamConnections.Add(ctx, -1)
	}
	o.streamDisconnects.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("error", err != nil),
	))
}

// Shutdown shuts down the provider
func (o *OTelProvider) Shutdown(ctx context.Context) error {
	// SDK providers are owned and shut down by the caller
	return nil
}

func msec(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// OTelSpan wraps an OpenTelemetry span
type OTelSpan struct {
	span trace.Span
}

// End completes the span
func (s *OTelSpan) End() {
	s.span.End()
}

// SetAttributes sets attributes on the span
func (s *OTelSpan) SetAttributes(attrs ...Attribute) {
	s.span.SetAttributes(convertAttributes(attrs)...)
}

// RecordError records an error on the span
func (s *OTelSpan) RecordError(err error) {
	s.span.RecordError(err)
}

// AddEvent adds an event to the span
func (s *OTelSpan) AddEvent(name string, attrs ...Attribute) {
	s.span.AddEvent(name, trace.WithAttributes(convertAttributes(attrs)...))
}
