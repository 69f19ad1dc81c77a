// Package otelexport replays completed agentz traces into OpenTelemetry.
//
//	exp, err := otelexport.New(
//	    otelexport.WithTracerProvider(tp),
//	    otelexport.WithMeterProvider(mp),
//	)
//	if err != nil {
//	    return err
//	}
//	agent.OnTraceCompleteAsync(exp.Handler())
//
// Every span of a trace becomes an OpenTelemetry span with its original
// start and end time and its parent link. Every node of the metric timer
// tree is recorded into the agentz.metric.duration histogram, and every
// trace increments agentz.trace.total.
package otelexport
