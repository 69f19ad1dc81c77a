package integration

import (
	"context"
	"errors"
	"testing"

	"github.com/zoobzio/agentz"
)

// TestParentChildBasic validates the span tree of one unit of work.
func TestParentChildBasic(t *testing.T) {
	agent := agentz.New()
	defer agent.Close()
	collector := NewMockCollector(t, agent, "basic")

	ctx, root := agent.StartTrace(context.Background(), "Web", "GET /orders", agentz.Messagef("GET /orders"), agent.MetricName("http request"))
	service := agent.StartSpan(ctx, agentz.Messagef("load orders"), agent.MetricName("service"))
	query := agent.StartSpan(ctx, agentz.Messagef("select orders"), agent.MetricName("sql execute"))
	query.End()
	service.End()
	render := agent.StartSpan(ctx, agentz.Messagef("render"), agent.MetricName("render"))
	render.End()
	root.End()

	snap := collector.AssertTraceCount(1)[0]
	AssertParentChild(t, snap, "GET /orders", "load orders")
	AssertParentChild(t, snap, "load orders", "select orders")
	AssertParentChild(t, snap, "GET /orders", "render")

	if _, ok := snap.Metrics.Find("sql execute"); !ok {
		t.Errorf("Expected sql execute metric in:\n%s", PrintSpanTree(snap))
	}
}

// TestParentChildDeepNesting validates depth bookkeeping across many levels.
func TestParentChildDeepNesting(t *testing.T) {
	agent := agentz.New()
	defer agent.Close()
	collector := NewMockCollector(t, agent, "deep")

	const depth = 20
	ctx, root := agent.StartTrace(context.Background(), "Job", "deep", agentz.Messagef("level 0"), nil)
	spans := make([]*agentz.Span, 0, depth)
	for i := 1; i <= depth; i++ {
		spans = append(spans, agent.StartSpan(ctx, agentz.Messagef("level %d", i), nil))
	}
	for i := len(spans) - 1; i >= 0; i-- {
		spans[i].End()
	}
	root.End()

	snap := collector.AssertTraceCount(1)[0]
	if len(snap.Spans) != depth+1 {
		t.Fatalf("Expected %d spans, got %d", depth+1, len(snap.Spans))
	}
	for i, s := range snap.Spans {
		if s.Depth != i || s.Parent != i-1 {
			t.Errorf("span %d: depth %d parent %d", i, s.Depth, s.Parent)
		}
	}
}

// TestAdviceBracketsNest validates that nested advice invocations on one
// context produce nested spans.
func TestAdviceBracketsNest(t *testing.T) {
	agent := agentz.New()
	defer agent.Close()
	collector := NewMockCollector(t, agent, "advice")
	plugin := agent.Plugin("orders")

	spanAdvice := func(name string) *agentz.Advice[string, struct{}, *agentz.Span] {
		metric := plugin.MetricName(name)
		return &agentz.Advice[string, struct{}, *agentz.Span]{
			Name: name,
			Before: func(ctx context.Context, arg string) agentz.Traveler[*agentz.Span] {
				return agentz.Some(plugin.StartSpan(ctx, agentz.Messagef("%s %s", name, arg), metric))
			},
			OnReturn: func(_ context.Context, _ string, _ struct{}, tr agentz.Traveler[*agentz.Span]) {
				span, _ := tr.Get()
				span.End()
			},
			OnThrow: func(_ context.Context, _ string, err error, tr agentz.Traveler[*agentz.Span]) {
				span, _ := tr.Get()
				span.EndWithError(agentz.ErrorFrom(err))
			},
		}
	}
	outer := spanAdvice("handle")
	inner := spanAdvice("validate")
	errInvalid := errors.New("invalid order")

	ctx, root := agent.StartTrace(context.Background(), "Job", "orders", agentz.Messagef("orders"), nil)
	err := agentz.Run(ctx, outer, "order-1", func(ctx context.Context, id string) error {
		return agentz.Run(ctx, inner, id, func(context.Context, string) error {
			return errInvalid
		})
	})
	root.End()

	if !errors.Is(err, errInvalid) {
		t.Fatalf("Expected operation error to pass through, got %v", err)
	}
	snap := collector.AssertTraceCount(1)[0]
	AssertParentChild(t, snap, "handle order-1", "validate order-1")
	if s := FindSpan(t, snap, "validate"); s.Status != agentz.StatusErrorWithStack {
		t.Errorf("Expected failed validate span, got %s", s.Status)
	}
	if s := FindSpan(t, snap, "handle"); s.Status != agentz.StatusErrorWithStack {
		t.Errorf("Expected failed handle span, got %s", s.Status)
	}
}
