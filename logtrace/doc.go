// Package logtrace reports warnings and errors written through a zerolog
// logger as spans of the current trace.
//
// Every Warn or Error call made with a traced context becomes a span named
// "log <level>: <message>" under the "logging" metric. The span always ends
// with an error. Whether the whole trace is flagged as failed depends on
// two plugin properties of the "logger" plugin:
//
//	plugins:
//	  logger:
//	    properties:
//	      traceErrorOnWarn: false
//	      traceErrorOnErrorWithoutCause: false
//
// An error entry carrying an error value flags the trace. A warning flags it
// only when traceErrorOnWarn is set, and an entry without an error value
// only when traceErrorOnErrorWithoutCause is set.
//
// Log calls made while another log call of the same Logger is in progress on
// the same context, for example from a zerolog hook reading the event
// context, are written but not spanned.
package logtrace
