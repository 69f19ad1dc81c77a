package agentz

import (
	"context"
	"testing"
)

func BenchmarkNoTrace(b *testing.B) {
	agent := New()
	defer agent.Close()

	ctx := context.Background()
	msg := Messagef("select 1")
	metric := agent.MetricName("sql execute")

	b.Run("span", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			agent.StartSpan(ctx, msg, metric).End()
		}
	})

	b.Run("metric", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			agent.StartMetric(ctx, metric).Stop()
		}
	})
}

func BenchmarkTracedSpan(b *testing.B) {
	agent := New()
	defer agent.Close()
	agent.OnTraceComplete(func(TraceSnapshot) {})

	msg := Messagef("select 1")
	metric := agent.MetricName("sql execute")
	ctx, root := agent.StartTrace(context.Background(), "Bench", "spans", Messagef("root"), agent.MetricName("bench"))
	defer root.End()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		agent.StartSpan(ctx, msg, metric).End()
	}
}

func BenchmarkInvoke(b *testing.B) {
	a := &Advice[int, int, struct{}]{
		IsEnabled: func(context.Context) bool { return true },
	}
	op := func(_ context.Context, n int) (int, error) { return n, nil }
	ctx := context.Background()

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = Invoke(ctx, a, i, op)
	}
}

func TestNoTraceDoesNotAllocate(t *testing.T) {
	agent := New()
	defer agent.Close()

	ctx := context.Background()
	msg := Messagef("select 1")
	metric := agent.MetricName("sql execute")

	allocs := testing.AllocsPerRun(1000, func() {
		agent.StartSpan(ctx, msg, metric).End()
		agent.StartMetric(ctx, metric).Stop()
	})
	if allocs != 0 {
		t.Errorf("Expected no allocations without a trace, got %.1f per run", allocs)
	}
}
