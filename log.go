package agentz

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var globalLogger atomic.Pointer[zerolog.Logger]

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
	l := zerolog.New(os.Stderr).With().Timestamp().Str("component", "agentz").Logger()
	globalLogger.Store(&l)
}

// SetLogger replaces the package logger used for hook faults and internal
// diagnostics.
func SetLogger(l zerolog.Logger) {
	globalLogger.Store(&l)
}

// Logger returns the package logger.
func Logger() *zerolog.Logger {
	return globalLogger.Load()
}

// WarnOnce is a process-wide single-assignment flag for diagnostics that
// should be logged the first time a condition is seen.
type WarnOnce struct {
	done atomic.Bool
}

// First reports true for exactly one caller, even under concurrent calls.
func (w *WarnOnce) First() bool {
	return w.done.CompareAndSwap(false, true)
}

// Done reports whether First has already returned true.
func (w *WarnOnce) Done() bool {
	return w.done.Load()
}
