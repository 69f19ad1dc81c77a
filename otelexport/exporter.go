package otelexport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zoobzio/agentz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultInstrumentationName = "github.com/zoobzio/agentz/otelexport"

	metricDuration   = "agentz.metric.duration"
	metricTraceTotal = "agentz.trace.total"
)

// Attribute keys set on exported spans and measurements.
const (
	AttrTraceID  = attribute.Key("agentz.trace.id")
	AttrCategory = attribute.Key("category")
	AttrError    = attribute.Key("error")
	AttrMetric   = attribute.Key("metric")
	AttrActive   = attribute.Key("agentz.span.active")
	attrDetail   = "agentz.detail."
)

type exportConfig struct {
	instrumentationName string
	tracerProvider      trace.TracerProvider
	meterProvider       metric.MeterProvider
}

// Option configures an Exporter.
type Option func(*exportConfig)

// WithInstrumentationName sets the instrumentation scope name.
func WithInstrumentationName(name string) Option {
	return func(cfg *exportConfig) {
		if name != "" {
			cfg.instrumentationName = name
		}
	}
}

// WithTracerProvider sets the tracer provider. The global provider is used
// otherwise.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(cfg *exportConfig) {
		if provider != nil {
			cfg.tracerProvider = provider
		}
	}
}

// WithMeterProvider sets the meter provider. The global provider is used
// otherwise.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(cfg *exportConfig) {
		if provider != nil {
			cfg.meterProvider = provider
		}
	}
}

// Exporter writes trace snapshots to OpenTelemetry.
type Exporter struct {
	tracer   trace.Tracer
	duration metric.Float64Histogram
	total    metric.Int64Counter
}

// New creates an Exporter.
func New(opts ...Option) (*Exporter, error) {
	cfg := &exportConfig{
		instrumentationName: defaultInstrumentationName,
		tracerProvider:      otel.GetTracerProvider(),
		meterProvider:       otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	meter := cfg.meterProvider.Meter(cfg.instrumentationName)
	duration, err := meter.Float64Histogram(
		metricDuration,
		metric.WithDescription("time spent in agentz metric timers per trace"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("otelexport: create histogram failed: %w", err)
	}
	total, err := meter.Int64Counter(
		metricTraceTotal,
		metric.WithDescription("completed agentz traces"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("otelexport: create counter failed: %w", err)
	}

	return &Exporter{
		tracer:   cfg.tracerProvider.Tracer(cfg.instrumentationName),
		duration: duration,
		total:    total,
	}, nil
}

// Handler adapts the exporter to a trace completion handler.
func (e *Exporter) Handler() agentz.TraceHandler {
	return func(snap agentz.TraceSnapshot) {
		e.Export(context.Background(), snap)
	}
}

// Export replays snap. Spans keep their recorded timestamps; the root span
// is parented on any span already in ctx.
func (e *Exporter) Export(ctx context.Context, snap agentz.TraceSnapshot) {
	e.exportSpans(ctx, snap)
	e.recordMetrics(ctx, snap.Metrics)
	e.total.Add(ctx, 1, metric.WithAttributes(
		AttrCategory.String(snap.Category),
		AttrError.Bool(snap.Errored()),
	))
}

func (e *Exporter) exportSpans(ctx context.Context, snap agentz.TraceSnapshot) {
	ctxs := make([]context.Context, len(snap.Spans))
	for i, s := range snap.Spans {
		parent := ctx
		if s.Parent >= 0 && s.Parent < i {
			parent = ctxs[s.Parent]
		}

		name := s.Message.Text
		attrs := []attribute.KeyValue{AttrTraceID.String(snap.ID)}
		if s.Index == 0 {
			name = snap.Name
			attrs = append(attrs, AttrCategory.String(snap.Category))
		}
		if name == "" {
			name = "span"
		}
		for k, v := range s.Message.Detail {
			attrs = append(attrs, attribute.String(attrDetail+k, v))
		}
		if s.Active {
			attrs = append(attrs, AttrActive.Bool(true))
		}

		spanCtx, span := e.tracer.Start(parent, name,
			trace.WithTimestamp(s.Start),
			trace.WithAttributes(attrs...),
		)
		ctxs[i] = spanCtx

		end := s.Start.Add(s.Duration)
		if len(s.StackTrace) > 0 {
			span.AddEvent("stack trace", trace.WithTimestamp(end), trace.WithAttributes(
				attribute.String("stack", formatStack(s.StackTrace)),
			))
		}
		switch {
		case s.Error != nil:
			recordError(span, *s.Error, end)
		case s.Index == 0 && snap.Error != nil:
			span.SetStatus(codes.Error, snap.Error.Text)
		}
		span.End(trace.WithTimestamp(end))
	}
}

func recordError(span trace.Span, msg agentz.ErrorMessage, at time.Time) {
	attrs := []attribute.KeyValue{attribute.String("exception.message", msg.String())}
	if msg.HasStack() {
		attrs = append(attrs, attribute.String("exception.stacktrace", formatStack(msg.Stack)))
	}
	span.AddEvent("exception", trace.WithTimestamp(at), trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, msg.Text)
}

func (e *Exporter) recordMetrics(ctx context.Context, m agentz.MetricSnapshot) {
	if m.Name == "" {
		return
	}
	if m.Count > 0 {
		e.duration.Record(ctx, m.Total.Seconds(), metric.WithAttributes(AttrMetric.String(m.Name)))
	}
	for _, c := range m.Children {
		e.recordMetrics(ctx, c)
	}
}

func formatStack(frames []agentz.StackFrame) string {
	var b strings.Builder
	for i, f := range frames {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(f.String())
	}
	return b.String()
}
