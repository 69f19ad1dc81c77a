package agentz

import (
	"context"
	"testing"
	"time"
)

func TestMetricReentrantStartCountsOnce(t *testing.T) {
	agent, clock, rec := newRecordedAgent(t)
	request := agent.MetricName("request")
	execute := agent.MetricName("execute")

	ctx, root := agent.StartTrace(context.Background(), "Job", "reentrant", Messagef("root"), request)
	outer := agent.StartMetric(ctx, execute)
	clock.Advance(10 * time.Millisecond)
	inner := agent.StartMetric(ctx, execute)
	clock.Advance(10 * time.Millisecond)
	inner.Stop()
	clock.Advance(10 * time.Millisecond)
	outer.Stop()
	root.End()

	metrics := rec.all()[0].Metrics
	if metrics.Name != "request" {
		t.Fatalf("Expected root metric 'request', got %s", metrics.Name)
	}
	if len(metrics.Children) != 1 {
		t.Fatalf("Expected a single child metric, got %d", len(metrics.Children))
	}
	exec := metrics.Children[0]
	if exec.Name != "execute" || exec.Count != 1 || exec.Total != 30*time.Millisecond {
		t.Errorf("Expected execute counted once for 30ms, got %+v", exec)
	}
	if len(exec.Children) != 0 {
		t.Errorf("Expected no nested execute node, got %+v", exec.Children)
	}
}

func TestMetricSequentialStartsAccumulate(t *testing.T) {
	agent, clock, rec := newRecordedAgent(t)
	step := agent.MetricName("step")

	ctx, root := agent.StartTrace(context.Background(), "Job", "sequential", Messagef("root"), agent.MetricName("job"))
	for i := 0; i < 3; i++ {
		timer := agent.StartMetric(ctx, step)
		clock.Advance(5 * time.Millisecond)
		timer.Stop()
	}
	root.End()

	found, ok := rec.all()[0].Metrics.Find("step")
	if !ok {
		t.Fatal("Expected step metric")
	}
	if found.Count != 3 || found.Total != 15*time.Millisecond {
		t.Errorf("Expected 3 intervals totalling 15ms, got %+v", found)
	}
}

func TestMetricTreeNesting(t *testing.T) {
	agent, clock, rec := newRecordedAgent(t)

	ctx, root := agent.StartTrace(context.Background(), "Job", "tree", Messagef("root"), agent.MetricName("job"))
	parse := agent.StartMetric(ctx, agent.MetricName("parse"))
	clock.Advance(time.Millisecond)
	read := agent.StartMetric(ctx, agent.MetricName("read"))
	clock.Advance(2 * time.Millisecond)
	read.Stop()
	parse.Stop()
	write := agent.StartMetric(ctx, agent.MetricName("write"))
	clock.Advance(4 * time.Millisecond)
	write.Stop()
	root.End()

	m := rec.all()[0].Metrics
	if m.Total != 7*time.Millisecond {
		t.Errorf("Expected job total 7ms, got %v", m.Total)
	}
	if len(m.Children) != 2 || m.Children[0].Name != "parse" || m.Children[1].Name != "write" {
		t.Fatalf("Unexpected children: %+v", m.Children)
	}
	if len(m.Children[0].Children) != 1 || m.Children[0].Children[0].Name != "read" {
		t.Fatalf("Expected read nested under parse, got %+v", m.Children[0].Children)
	}
	if m.Children[0].Total != 3*time.Millisecond {
		t.Errorf("Expected parse total 3ms, got %v", m.Children[0].Total)
	}
}

func TestSpanMetricStoppedWithSpan(t *testing.T) {
	agent, clock, rec := newRecordedAgent(t)

	ctx, root := agent.StartTrace(context.Background(), "Job", "span-metric", Messagef("root"), agent.MetricName("job"))
	span := agent.StartSpan(ctx, Messagef("query"), agent.MetricName("sql execute"))
	clock.Advance(12 * time.Millisecond)
	span.End()
	root.End()

	exec, ok := rec.all()[0].Metrics.Find("sql execute")
	if !ok || exec.Count != 1 || exec.Total != 12*time.Millisecond {
		t.Errorf("Expected span metric 12ms, got %+v", exec)
	}
}

func TestMetricActiveInSnapshot(t *testing.T) {
	agent, clock, _ := newRecordedAgent(t)

	ctx, root := agent.StartTrace(context.Background(), "Job", "active", Messagef("root"), agent.MetricName("job"))
	defer root.End()
	timer := agent.StartMetric(ctx, agent.MetricName("wait"))
	defer timer.Stop()
	clock.Advance(8 * time.Millisecond)

	snap := CurrentTrace(ctx).Snapshot()
	wait, ok := snap.Metrics.Find("wait")
	if !ok {
		t.Fatal("Expected wait metric")
	}
	if !wait.Active || wait.Count != 1 || wait.Total != 8*time.Millisecond {
		t.Errorf("Expected one active 8ms interval, got %+v", wait)
	}
	if snap.Completed {
		t.Error("Expected in-flight snapshot to be incomplete")
	}
}

func TestTimerDoubleStopPanics(t *testing.T) {
	agent, _, _ := newRecordedAgent(t)

	ctx, root := agent.StartTrace(context.Background(), "Job", "double", Messagef("root"), nil)
	defer root.End()
	timer := agent.StartMetric(ctx, agent.MetricName("once"))
	timer.Stop()

	defer func() {
		if r := recover(); r != ErrTimerAlreadyStopped {
			t.Errorf("Expected ErrTimerAlreadyStopped panic, got %v", r)
		}
	}()
	timer.Stop()
}

func TestNopTimerStopsRepeatedly(_ *testing.T) {
	NopTimer.Stop()
	NopTimer.Stop()
}

func TestMetricSnapshotFindMissing(t *testing.T) {
	if _, ok := (MetricSnapshot{Name: "root"}).Find("missing"); ok {
		t.Error("Expected missing metric not to be found")
	}
}
