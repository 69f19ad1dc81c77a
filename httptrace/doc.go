// Package httptrace starts a trace for every HTTP request served through
// its middleware, and optionally for application startup steps.
//
//	agent := agentz.New().WithConfig(gate)
//	tracer := httptrace.New(agent)
//	http.ListenAndServe(":8080", tracer.Middleware(mux))
//
// Requests are traced under the "Web" category with the "http request"
// metric. A response status of 500 or above flags the trace as failed. A
// panicking handler ends the request span with the panic and the panic
// continues up the stack.
//
// Startup steps run through Startup are traced under the "Startup" category
// when the captureStartup property of the "http" plugin is set.
package httptrace
