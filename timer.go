package agentz

import (
	"time"
)

// Timer is a handle on a running metric timer.
type Timer interface {
	// Stop ends the interval started by the handle.
	// Stopping the same handle twice panics with ErrTimerAlreadyStopped.
	Stop()
}

type nopTimer struct{}

func (nopTimer) Stop() {}

// NopTimer is the inert timer returned when no trace is active.
var NopTimer Timer = nopTimer{}

// TraceMetric is one node of a trace's metric timer tree.
// Nodes are created lazily the first time a name is started under a parent.
type TraceMetric struct {
	name      *MetricName
	parent    *TraceMetric
	children  map[*MetricName]*TraceMetric
	order     []*TraceMetric
	startedAt time.Time
	total     time.Duration
	count     int64
	reuse     int
	depth     int
	active    bool
}

func newTraceMetric(name *MetricName, parent *TraceMetric) *TraceMetric {
	m := &TraceMetric{name: name, parent: parent}
	if parent != nil {
		m.depth = parent.depth + 1
	}
	return m
}

func (m *TraceMetric) child(name *MetricName) *TraceMetric {
	if c, ok := m.children[name]; ok {
		return c
	}
	if m.children == nil {
		m.children = make(map[*MetricName]*TraceMetric)
	}
	c := newTraceMetric(name, m)
	m.children[name] = c
	m.order = append(m.order, c)
	return c
}

// activeAncestor returns the nearest active node named name on the path from
// m to the root, or nil.
func (m *TraceMetric) activeAncestor(name *MetricName) *TraceMetric {
	for n := m; n != nil; n = n.parent {
		if n.active && n.name == name {
			return n
		}
	}
	return nil
}

func (m *TraceMetric) nearestActive() *TraceMetric {
	for n := m; n != nil; n = n.parent {
		if n.active {
			return n
		}
	}
	return nil
}

// MetricSnapshot is the reported state of a metric timer node.
//
//nolint:govet // Field order follows JSON output
type MetricSnapshot struct {
	Name     string           `json:"name"`
	Total    time.Duration    `json:"total"`
	Count    int64            `json:"count"`
	Active   bool             `json:"active,omitempty"`
	Children []MetricSnapshot `json:"children,omitempty"`
}

// Find returns the first node named name in depth-first order.
func (s MetricSnapshot) Find(name string) (MetricSnapshot, bool) {
	if s.Name == name {
		return s, true
	}
	for _, c := range s.Children {
		if found, ok := c.Find(name); ok {
			return found, true
		}
	}
	return MetricSnapshot{}, false
}

func (m *TraceMetric) snapshot(now time.Time) MetricSnapshot {
	s := MetricSnapshot{
		Name:   m.name.String(),
		Total:  m.total,
		Count:  m.count,
		Active: m.active,
	}
	if m.active {
		s.Total += now.Sub(m.startedAt)
		s.Count++
	}
	if len(m.order) > 0 {
		s.Children = make([]MetricSnapshot, len(m.order))
		for i, c := range m.order {
			s.Children[i] = c.snapshot(now)
		}
	}
	return s
}

// metricTimer is the Timer handed out for a live trace.
type metricTimer struct {
	trace   *Trace
	node    *TraceMetric
	reused  bool
	stopped bool
}

func (tm *metricTimer) Stop() {
	t := tm.trace
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopMetricLocked(tm, now)
}

// startMetricLocked starts name under the current metric node.
func (t *Trace) startMetricLocked(name *MetricName, now time.Time) *metricTimer {
	if t.current != nil {
		if n := t.current.activeAncestor(name); n != nil {
			n.reuse++
			return &metricTimer{trace: t, node: n, reused: true}
		}
	}

	var node *TraceMetric
	switch {
	case t.rootMetric == nil:
		t.rootMetric = newTraceMetric(name, nil)
		node = t.rootMetric
	case t.current != nil:
		node = t.current.child(name)
	case t.rootMetric.name == name:
		node = t.rootMetric
	default:
		node = t.rootMetric.child(name)
	}

	node.active = true
	node.startedAt = now
	t.current = node
	return &metricTimer{trace: t, node: node}
}

func (t *Trace) stopMetricLocked(tm *metricTimer, now time.Time) {
	if tm.stopped {
		panic(ErrTimerAlreadyStopped)
	}
	tm.stopped = true

	node := tm.node
	if tm.reused {
		node.reuse--
		return
	}

	node.total += now.Sub(node.startedAt)
	node.count++
	node.active = false

	if t.current == node {
		t.current = node.parent.nearestActive()
		return
	}
	t.agent.logger().Debug().
		Str("metric", node.name.String()).
		Str("current", t.current.nameOrEmpty()).
		Msg("metric timer stopped out of order")
}

// discardMetricLocked abandons the interval of tm without recording it.
// A node created for that interval alone is removed from the tree.
func (t *Trace) discardMetricLocked(tm *metricTimer) {
	if tm.stopped {
		panic(ErrTimerAlreadyStopped)
	}
	tm.stopped = true

	node := tm.node
	if tm.reused {
		node.reuse--
		return
	}
	node.active = false
	if t.current == node {
		t.current = node.parent.nearestActive()
	}
	if node.count == 0 && len(node.order) == 0 && node.parent != nil {
		node.parent.remove(node)
	}
}

func (m *TraceMetric) remove(c *TraceMetric) {
	delete(m.children, c.name)
	for i, o := range m.order {
		if o == c {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

func (m *TraceMetric) nameOrEmpty() string {
	if m == nil {
		return ""
	}
	return m.name.String()
}
