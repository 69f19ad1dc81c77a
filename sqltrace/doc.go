// Package sqltrace traces database/sql drivers with agentz.
//
// Connections opened through a Tracer report one span per statement
// execution, named by the SQL text and, when the captureBindParameters
// property is on, the bound arguments:
//
//	tracer := sqltrace.New(agent)
//	db := tracer.OpenDB(tracer.Connector(drv, dsn))
//
// Properties of the "sql" plugin:
//
//	captureBindParameters        include bound arguments in span messages
//	displayBinaryParametersAsHex render []byte arguments as hex instead of their length
//	stackTraceThresholdMillis    capture a stack for executions at least this slow (default 1000)
//
// Every prepared statement carries a PreparedMirror: its SQL text, its
// current arguments and the message rows are counted into. Mirrors are
// kept up to date even while the plugin is disabled.
package sqltrace
