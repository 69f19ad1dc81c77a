// Package agentz provides the runtime core of an application performance
// monitoring agent.
//
// agentz turns intercepted operation boundaries (entry, normal return,
// failure) into one trace per unit of work. A trace holds a nested span tree
// and a nested metric timer tree. Auxiliary "shadow" state can be attached to
// long-lived objects the agent did not create, such as prepared statements.
//
// Core Components:
//   - Agent: Owns the clock, config source, trace delivery and plugins.
//   - Advice: isEnabled/before/onReturn/onThrow/after hooks around an operation.
//   - Trace: The spans and metric timers of one unit of work.
//   - Span: One recorded operation with a lazily produced message.
//   - Timer: A named, re-entrant, nestable elapsed time accumulator.
//   - ShadowRegistry: Identity keyed, weakly attached per-object state.
//   - Collector: Buffers finished traces for export.
//
// Basic Usage:
//
//	agent := agentz.New()
//	defer agent.Close()
//
//	sqlPlugin := agent.Plugin("sql")
//	execute := sqlPlugin.MetricName("sql execute")
//
//	ctx, root := agent.StartTrace(ctx, "Web", "GET /users",
//	    agentz.Messagef("GET /users"), agent.MetricName("http request"))
//	defer root.End()
//
//	span := sqlPlugin.StartSpan(ctx, agentz.Messagef("select * from users"), execute)
//	// ... run the query
//	span.EndWithStackTrace(time.Second)
//
// Context Propagation:
//
// The current trace travels in context.Context. Nested calls receive the
// context of their caller and append to the same trace. There is no
// goroutine-local state.
//
// Thread Safety:
//
// Agent, PluginServices, ShadowRegistry and Collector are safe for concurrent
// use. A Trace is written by one unit of work at a time; it guards its state
// with a mutex but interleaving spans from several goroutines produces an
// unspecified nesting.
//
// Failure Containment:
//
// Hooks run by Invoke never change the outcome of the guarded operation. A
// panicking hook is recovered and logged.
package agentz

import "sync"

// Category groups traces for reporting, e.g. "Web" or "Startup".
type Category = string

// MetricName is an interned metric timer name.
// Two MetricName values with the same text are the same pointer.
type MetricName struct {
	name string
}

// String returns the metric text.
func (m *MetricName) String() string {
	if m == nil {
		return ""
	}
	return m.name
}

var metricNames sync.Map // map[string]*MetricName

// NewMetricName returns the interned MetricName for name.
func NewMetricName(name string) *MetricName {
	if m, ok := metricNames.Load(name); ok {
		return m.(*MetricName)
	}
	m, _ := metricNames.LoadOrStore(name, &MetricName{name: name})
	return m.(*MetricName)
}
