package agentz

import (
	"context"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// bundleKeyType is a private type for context keys to avoid collisions.
type bundleKeyType string

const (
	bundleKey bundleKeyType = "agentz"
)

// Trace collects the spans and metric timers of one unit of work.
// A trace is finalized when its root span ends; after that it no longer
// accepts spans, timers or errors.
//
//nolint:govet // Field order groups identity before mutable state
type Trace struct {
	agent    *Agent
	clock    clockz.Clock
	id       string
	category Category
	name     string
	start    time.Time

	mu         sync.Mutex
	spans      []*Span
	open       []*Span
	rootMetric *TraceMetric
	current    *TraceMetric
	err        *ErrorMessage
	end        time.Time
	completed  bool
}

func newTrace(agent *Agent, id string, category Category, name string) *Trace {
	return &Trace{
		agent:    agent,
		clock:    agent.clock,
		id:       id,
		category: category,
		name:     name,
		start:    agent.clock.Now(),
	}
}

// CurrentTrace extracts the trace bound to ctx.
// Returns nil if no trace is present.
func CurrentTrace(ctx context.Context) *Trace {
	if ctx == nil {
		return nil
	}
	if t, ok := ctx.Value(bundleKey).(*Trace); ok {
		return t
	}
	return nil
}

// withTrace binds t to ctx.
func withTrace(ctx context.Context, t *Trace) context.Context {
	return context.WithValue(ctx, bundleKey, t)
}

// ID returns the trace id.
func (t *Trace) ID() string {
	return t.id
}

// Category returns the trace category.
func (t *Trace) Category() Category {
	return t.category
}

// Name returns the transaction name of the trace.
func (t *Trace) Name() string {
	return t.name
}

// Completed reports whether the root span has ended.
func (t *Trace) Completed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed
}

// SpanCount returns the number of spans recorded so far.
func (t *Trace) SpanCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.spans)
}

// startSpan appends an open span under the innermost open span.
// Returns nil once the trace is completed.
func (t *Trace) startSpan(supplier MessageSupplier, metric *MetricName) *Span {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.completed {
		return nil
	}

	span := &Span{
		trace:    t,
		index:    len(t.spans),
		parent:   -1,
		start:    now,
		supplier: supplier,
	}
	if n := len(t.open); n > 0 {
		parent := t.open[n-1]
		span.parent = parent.index
		span.depth = parent.depth + 1
	}
	if metric != nil {
		span.timer = t.startMetricLocked(metric, now)
	}

	t.spans = append(t.spans, span)
	t.open = append(t.open, span)
	return span
}

// startMetric starts a timer under the current metric node.
func (t *Trace) startMetric(name *MetricName) Timer {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.completed {
		return NopTimer
	}
	return t.startMetricLocked(name, now)
}

// setError flags the trace as errored. The first message wins.
func (t *Trace) setError(msg ErrorMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.completed || t.err != nil {
		return
	}
	t.err = &msg
}

func (t *Trace) endSpan(s *Span, now time.Time, status Status, msg *ErrorMessage, stack []StackFrame) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endSpanLocked(s, now, status, msg, stack)
}

// endSpanLocked closes s. It reports true when s is the root span and the
// trace has just been completed.
func (t *Trace) endSpanLocked(s *Span, now time.Time, status Status, msg *ErrorMessage, stack []StackFrame) bool {
	if s.ended {
		panic(ErrSpanAlreadyEnded)
	}
	s.ended = true

	if t.completed {
		// Late close of a child after the root ended; the snapshot is already out.
		return false
	}

	s.closed = true
	s.end = now
	s.status = status
	s.err = msg
	s.stack = stack
	if s.timer != nil {
		t.stopMetricLocked(s.timer, now)
	}

	for i := len(t.open) - 1; i >= 0; i-- {
		if t.open[i] == s {
			t.open = append(t.open[:i], t.open[i+1:]...)
			break
		}
	}

	if s.index != 0 {
		return false
	}

	if t.err == nil && msg != nil {
		t.err = msg
	}
	t.end = now
	t.completed = true
	return true
}

// discardSpan removes s when it is the last span of the trace and still
// open. It reports false when s must be ended instead.
func (t *Trace) discardSpan(s *Span) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s.ended {
		panic(ErrSpanAlreadyEnded)
	}
	if t.completed {
		s.ended = true
		return true
	}
	n, m := len(t.spans), len(t.open)
	if n == 0 || t.spans[n-1] != s || m == 0 || t.open[m-1] != s {
		return false
	}

	s.ended = true
	if s.timer != nil {
		t.discardMetricLocked(s.timer)
	}
	t.spans[n-1] = nil
	t.spans = t.spans[:n-1]
	t.open = t.open[:m-1]
	return true
}

// TraceSnapshot is the immutable report of a trace.
//
//nolint:govet // Field order follows JSON output
type TraceSnapshot struct {
	ID        string         `json:"id"`
	Category  Category       `json:"category"`
	Name      string         `json:"name"`
	Start     time.Time      `json:"start"`
	Duration  time.Duration  `json:"duration"`
	Completed bool           `json:"completed"`
	Error     *ErrorMessage  `json:"error,omitempty"`
	Spans     []SpanSnapshot `json:"spans"`
	Metrics   MetricSnapshot `json:"metrics"`
}

// SpanSnapshot is the immutable report of a span.
//
//nolint:govet // Field order follows JSON output
type SpanSnapshot struct {
	Index      int           `json:"index"`
	Parent     int           `json:"parent"`
	Depth      int           `json:"depth"`
	Message    Message       `json:"message"`
	Start      time.Time     `json:"start"`
	Offset     time.Duration `json:"offset"`
	Duration   time.Duration `json:"duration"`
	Active     bool          `json:"active,omitempty"`
	Status     Status        `json:"status"`
	Error      *ErrorMessage `json:"error,omitempty"`
	StackTrace []StackFrame  `json:"stack_trace,omitempty"`
}

// Errored reports whether the trace was flagged as failed.
func (s TraceSnapshot) Errored() bool {
	return s.Error != nil
}

// Snapshot renders the trace. Message suppliers are invoked here.
func (t *Trace) Snapshot() TraceSnapshot {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	end := now
	if t.completed {
		end = t.end
	}

	snap := TraceSnapshot{
		ID:        t.id,
		Category:  t.category,
		Name:      t.name,
		Start:     t.start,
		Duration:  end.Sub(t.start),
		Completed: t.completed,
		Spans:     make([]SpanSnapshot, len(t.spans)),
	}
	if t.err != nil {
		e := *t.err
		snap.Error = &e
	}
	if t.rootMetric != nil {
		snap.Metrics = t.rootMetric.snapshot(end)
	}

	for i, s := range t.spans {
		ss := SpanSnapshot{
			Index:      s.index,
			Parent:     s.parent,
			Depth:      s.depth,
			Message:    s.supplier.resolve(),
			Start:      s.start,
			Offset:     s.start.Sub(t.start),
			Status:     s.status,
			StackTrace: s.stack,
		}
		if s.err != nil {
			e := *s.err
			ss.Error = &e
		}
		if !s.closed {
			ss.Active = true
			ss.Duration = end.Sub(s.start)
		} else {
			ss.Duration = s.end.Sub(s.start)
		}
		snap.Spans[i] = ss
	}
	return snap
}
