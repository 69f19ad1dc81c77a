package agentz

import (
	"strconv"
	"time"
)

// Status is the terminal state of a span.
type Status uint8

const (
	// StatusOpen marks a span that has not ended.
	StatusOpen Status = iota
	// StatusNormal marks a span that ended without error.
	StatusNormal
	// StatusError marks a span that ended with an error message.
	StatusError
	// StatusErrorWithStack marks a span that ended with an error and a captured stack.
	StatusErrorWithStack
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusNormal:
		return "normal"
	case StatusError:
		return "error"
	case StatusErrorWithStack:
		return "error_with_stack"
	default:
		return "Status(" + strconv.Itoa(int(s)) + ")"
	}
}

// MarshalText renders the status for JSON reports.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Span is one recorded operation of a trace.
// A nil *Span is the absent span returned when no trace is active; all of
// its methods are no-ops.
//
// Spans are owned by their trace and must be ended exactly once. Ending a
// span twice panics with ErrSpanAlreadyEnded.
type Span struct {
	trace    *Trace
	supplier MessageSupplier
	timer    *metricTimer
	err      *ErrorMessage
	start    time.Time
	end      time.Time
	stack    []StackFrame
	index    int
	parent   int
	depth    int
	status   Status
	ended    bool
	closed   bool
}

// Trace returns the trace owning the span.
func (s *Span) Trace() *Trace {
	if s == nil {
		return nil
	}
	return s.trace
}

// IsRoot reports whether the span is the root span of its trace.
func (s *Span) IsRoot() bool {
	return s != nil && s.index == 0
}

// End closes the span with a normal status.
func (s *Span) End() {
	if s == nil {
		return
	}
	s.finish(s.trace.clock.Now(), StatusNormal, nil, nil)
}

// EndWithError closes the span with msg as its failure.
// The status is StatusErrorWithStack when msg carries a stack.
func (s *Span) EndWithError(msg ErrorMessage) {
	if s == nil {
		return
	}
	status := StatusError
	if msg.HasStack() {
		status = StatusErrorWithStack
	}
	s.finish(s.trace.clock.Now(), status, &msg, nil)
}

// EndWithStackTrace closes the span with a normal status, capturing the
// caller's stack when the span lasted at least threshold.
func (s *Span) EndWithStackTrace(threshold time.Duration) {
	if s == nil {
		return
	}
	now := s.trace.clock.Now()
	var stack []StackFrame
	if now.Sub(s.start) >= threshold {
		stack = captureStack(1)
	}
	s.finish(now, StatusNormal, nil, stack)
}

// Discard drops an open span that never did any work, such as an attempt
// the underlying driver refused before executing. The span is removed from
// its trace together with its metric timer interval when it is still the
// most recently started span; otherwise, and for a root span, it is ended
// normally. Discarding an ended span panics with ErrSpanAlreadyEnded.
func (s *Span) Discard() {
	if s == nil {
		return
	}
	if s.index == 0 || !s.trace.discardSpan(s) {
		s.End()
	}
}

func (s *Span) finish(now time.Time, status Status, msg *ErrorMessage, stack []StackFrame) {
	t := s.trace
	if t.endSpan(s, now, status, msg, stack) {
		t.agent.complete(t)
	}
}
