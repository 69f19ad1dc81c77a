package otelexport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/agentz"
	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type fixture struct {
	exporter *Exporter
	spans    *tracetest.InMemoryExporter
	reader   *sdkmetric.ManualReader
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	spans := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(spans))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		_ = mp.Shutdown(context.Background())
	})

	exp, err := New(WithTracerProvider(tp), WithMeterProvider(mp), WithInstrumentationName("agentz-test"))
	require.NoError(t, err)
	return &fixture{exporter: exp, spans: spans, reader: reader}
}

func (f *fixture) collect(t *testing.T) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, f.reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestExport_ReplaysSpanTree(t *testing.T) {
	f := newFixture(t)
	clock := clockz.NewFakeClock()
	agent := agentz.New().WithClock(clock)
	defer agent.Close()
	agent.OnTraceComplete(f.exporter.Handler())

	start := clock.Now()
	ctx, root := agent.StartTrace(context.Background(), "Web", "GET /orders",
		agentz.Messagef("GET /orders"), agent.MetricName("http request"))
	clock.Advance(10 * time.Millisecond)
	child := agent.StartSpan(ctx, func() agentz.Message {
		return agentz.Message{Text: "select orders", Detail: map[string]string{"rows": "3"}}
	}, agent.MetricName("sql execute"))
	clock.Advance(20 * time.Millisecond)
	child.EndWithError(agentz.ErrorFrom(errors.New("deadlock")))
	clock.Advance(5 * time.Millisecond)
	root.End()

	spans := f.spans.GetSpans()
	require.Len(t, spans, 2)

	rootSpan, childSpan := spans[0], spans[1]
	assert.Equal(t, "GET /orders", rootSpan.Name)
	assert.Equal(t, "select orders", childSpan.Name)
	assert.Equal(t, rootSpan.SpanContext.TraceID(), childSpan.SpanContext.TraceID())
	assert.Equal(t, rootSpan.SpanContext.SpanID(), childSpan.Parent.SpanID())

	assert.True(t, rootSpan.StartTime.Equal(start))
	assert.True(t, rootSpan.EndTime.Equal(start.Add(35*time.Millisecond)))
	assert.True(t, childSpan.StartTime.Equal(start.Add(10*time.Millisecond)))
	assert.True(t, childSpan.EndTime.Equal(start.Add(30*time.Millisecond)))

	assert.Equal(t, codes.Error, childSpan.Status.Code)
	assert.Equal(t, "deadlock", childSpan.Status.Description)
	require.Len(t, childSpan.Events, 1)
	assert.Equal(t, "exception", childSpan.Events[0].Name)
	assert.Contains(t, childSpan.Attributes, attribute.String("agentz.detail.rows", "3"))
	assert.Equal(t, codes.Unset, rootSpan.Status.Code)
	assert.Contains(t, rootSpan.Attributes, AttrCategory.String("Web"))
}

func TestExport_TraceErrorMarksRoot(t *testing.T) {
	f := newFixture(t)
	agent := agentz.New()
	defer agent.Close()
	agent.OnTraceComplete(f.exporter.Handler())

	ctx, root := agent.StartTrace(context.Background(), "Web", "GET /", agentz.Messagef("GET /"), nil)
	agent.SetTraceError(ctx, "HTTP 500")
	root.End()

	spans := f.spans.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "HTTP 500", spans[0].Status.Description)
}

func TestExport_SlowSpanStackEvent(t *testing.T) {
	f := newFixture(t)
	agent := agentz.New()
	defer agent.Close()
	agent.OnTraceComplete(f.exporter.Handler())

	ctx, root := agent.StartTrace(context.Background(), "Job", "nightly", agentz.Messagef("nightly"), nil)
	agent.StartSpan(ctx, agentz.Messagef("slow"), nil).EndWithStackTrace(0)
	root.End()

	spans := f.spans.GetSpans()
	require.Len(t, spans, 2)
	require.Len(t, spans[1].Events, 1)
	assert.Equal(t, "stack trace", spans[1].Events[0].Name)
	assert.Equal(t, codes.Unset, spans[1].Status.Code)
}

func TestExport_ActiveSpans(t *testing.T) {
	f := newFixture(t)
	agent := agentz.New()
	defer agent.Close()

	ctx, root := agent.StartTrace(context.Background(), "Job", "running", agentz.Messagef("running"), nil)
	defer root.End()

	f.exporter.Export(context.Background(), agentz.CurrentTrace(ctx).Snapshot())

	spans := f.spans.GetSpans()
	require.Len(t, spans, 1)
	assert.Contains(t, spans[0].Attributes, AttrActive.Bool(true))
}

func TestExport_RecordsMetrics(t *testing.T) {
	f := newFixture(t)
	clock := clockz.NewFakeClock()
	agent := agentz.New().WithClock(clock)
	defer agent.Close()
	agent.OnTraceComplete(f.exporter.Handler())

	for _, failed := range []bool{false, true} {
		ctx, root := agent.StartTrace(context.Background(), "Web", "GET /", agentz.Messagef("GET /"), agent.MetricName("http request"))
		timer := agent.StartMetric(ctx, agent.MetricName("render"))
		clock.Advance(250 * time.Millisecond)
		timer.Stop()
		if failed {
			agent.SetTraceError(ctx, "boom")
		}
		root.End()
	}

	metrics := f.collect(t)

	total, ok := metrics[metricTraceTotal].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, total.DataPoints, 2)
	for _, dp := range total.DataPoints {
		assert.Equal(t, int64(1), dp.Value)
		category, _ := dp.Attributes.Value(AttrCategory)
		assert.Equal(t, "Web", category.AsString())
	}

	duration, ok := metrics[metricDuration].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, duration.DataPoints, 2)
	for _, dp := range duration.DataPoints {
		assert.Equal(t, uint64(2), dp.Count)
		name, _ := dp.Attributes.Value(AttrMetric)
		if name.AsString() == "render" {
			assert.InDelta(t, 0.5, dp.Sum, 1e-9)
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	exp, err := New(WithTracerProvider(nil), WithMeterProvider(nil), WithInstrumentationName(""))
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		exp.Export(context.Background(), agentz.TraceSnapshot{Name: "empty"})
	})
}
