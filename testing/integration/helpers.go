package integration

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/zoobzio/agentz"
)

// MockCollector wraps a real collector with test utilities.
// Collection is synchronous so assertions need no sleeps.
//
//nolint:govet // Field alignment optimized for test helper readability
type MockCollector struct {
	exported []agentz.TraceSnapshot
	*agentz.Collector
	t  *testing.T
	mu sync.Mutex
}

// NewMockCollector creates a collector registered on agent.
func NewMockCollector(t *testing.T, agent *agentz.Agent, name string) *MockCollector {
	t.Helper()
	collector := agentz.NewCollector(name, 1000)
	collector.SetSyncMode(true)
	agent.AddCollector(name, collector)
	t.Cleanup(collector.Close)
	return &MockCollector{Collector: collector, t: t}
}

// Export returns collected traces and clears the buffer.
func (m *MockCollector) Export() []agentz.TraceSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	traces := m.Collector.Export()
	m.exported = append(m.exported, traces...)
	return traces
}

// GetAll returns every trace collected so far.
func (m *MockCollector) GetAll() []agentz.TraceSnapshot {
	m.Export()
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]agentz.TraceSnapshot(nil), m.exported...)
}

// AssertTraceCount verifies the exact number of collected traces.
func (m *MockCollector) AssertTraceCount(expected int) []agentz.TraceSnapshot {
	m.t.Helper()
	all := m.GetAll()
	if len(all) != expected {
		m.t.Errorf("Expected %d traces, got %d", expected, len(all))
	}
	return all
}

// FindSpan returns the first span of snap whose message starts with prefix.
func FindSpan(t *testing.T, snap agentz.TraceSnapshot, prefix string) agentz.SpanSnapshot {
	t.Helper()
	for _, s := range snap.Spans {
		if strings.HasPrefix(s.Message.Text, prefix) {
			return s
		}
	}
	t.Fatalf("No span starting with %q in:\n%s", prefix, PrintSpanTree(snap))
	return agentz.SpanSnapshot{}
}

// AssertParentChild verifies that child is nested directly under parent.
func AssertParentChild(t *testing.T, snap agentz.TraceSnapshot, parent, child string) {
	t.Helper()
	p := FindSpan(t, snap, parent)
	c := FindSpan(t, snap, child)
	if c.Parent != p.Index {
		t.Errorf("Parent-child relationship broken: %q is under span %d, not %q (%d)",
			child, c.Parent, parent, p.Index)
	}
	if c.Depth != p.Depth+1 {
		t.Errorf("Depth mismatch: parent %d, child %d", p.Depth, c.Depth)
	}
}

// PrintSpanTree formats the spans of snap for debugging.
func PrintSpanTree(snap agentz.TraceSnapshot) string {
	var sb strings.Builder
	for _, s := range snap.Spans {
		fmt.Fprintf(&sb, "%s%s (%.2fms, %s)\n",
			strings.Repeat("  ", s.Depth), s.Message.Text, s.Duration.Seconds()*1000, s.Status)
	}
	return sb.String()
}
