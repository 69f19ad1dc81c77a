package agentz

import (
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

var (
	// ErrSpanAlreadyEnded is the panic value raised when a span is closed twice.
	ErrSpanAlreadyEnded = errors.New("agentz: span already ended")

	// ErrTimerAlreadyStopped is the panic value raised when a timer handle is stopped twice.
	ErrTimerAlreadyStopped = errors.New("agentz: timer already stopped")

	// ErrWorkerPoolEnabled is returned by EnableWorkerPool when called twice.
	ErrWorkerPoolEnabled = errors.New("agentz: worker pool already enabled")

	errWorkers   = errors.New("agentz: workers must be > 0")
	errQueueSize = errors.New("agentz: queueSize must be > 0")
)

// PanicError wraps a value recovered from a panicking operation so that
// OnThrow hooks can observe it as an error.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// StackFrame is one frame of a captured call stack.
type StackFrame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

func (f StackFrame) String() string {
	return f.Function + " (" + f.File + ":" + strconv.Itoa(f.Line) + ")"
}

const maxStackDepth = 64

// captureStack records the calling goroutine's stack, skipping skip frames
// above the caller of captureStack.
func captureStack(skip int) []StackFrame {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return nil
	}
	frames := runtime.CallersFrames(pcs[:n])
	stack := make([]StackFrame, 0, n)
	for {
		frame, more := frames.Next()
		stack = append(stack, StackFrame{
			Function: frame.Function,
			File:     frame.File,
			Line:     frame.Line,
		})
		if !more {
			break
		}
	}
	return stack
}

// ErrorMessage describes the failure recorded on a span.
//
//nolint:govet // Field order follows JSON output
type ErrorMessage struct {
	Text   string       `json:"text"`
	Causes []string     `json:"causes,omitempty"`
	Stack  []StackFrame `json:"stack,omitempty"`
}

// HasStack reports whether a call stack was captured with the message.
func (m ErrorMessage) HasStack() bool {
	return len(m.Stack) > 0
}

func (m ErrorMessage) String() string {
	if len(m.Causes) == 0 {
		return m.Text
	}
	return m.Text + " (caused by: " + strings.Join(m.Causes, "; ") + ")"
}

// ErrorText builds an ErrorMessage carrying only text.
func ErrorText(text string) ErrorMessage {
	return ErrorMessage{Text: text}
}

// ErrorFrom builds an ErrorMessage from err, recording the chain of wrapped
// causes and the stack of the calling goroutine.
func ErrorFrom(err error) ErrorMessage {
	return errorFrom(err.Error(), err)
}

// ErrorFromText is ErrorFrom with a replacement top-level text.
func ErrorFromText(text string, err error) ErrorMessage {
	return errorFrom(text, err)
}

func errorFrom(text string, err error) ErrorMessage {
	msg := ErrorMessage{Text: text, Stack: captureStack(2)}
	if err == nil {
		return msg
	}
	for cause := errors.Unwrap(err); cause != nil; cause = errors.Unwrap(cause) {
		msg.Causes = append(msg.Causes, cause.Error())
	}
	return msg
}
