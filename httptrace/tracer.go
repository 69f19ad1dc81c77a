package httptrace

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/zoobzio/agentz"
)

// PluginName is the config key of the plugin.
const PluginName = "http"

// PropCaptureStartup enables tracing of Startup steps.
const PropCaptureStartup = "captureStartup"

// Trace categories.
const (
	CategoryWeb     agentz.Category = "Web"
	CategoryStartup agentz.Category = "Startup"
)

type exchange struct {
	w      *statusWriter
	r      *http.Request
	status atomic.Int32
}

type startup struct {
	kind string
	name string
	fn   func(context.Context) error
}

// Tracer traces HTTP requests and startup steps.
type Tracer struct {
	plugin        *agentz.PluginServices
	requestMetric *agentz.MetricName
	startupMetric *agentz.MetricName
	wrapperMetric *agentz.MetricName

	requestAdvice *agentz.Advice[*exchange, struct{}, *agentz.Span]
	startupAdvice *agentz.Advice[*startup, struct{}, *agentz.Span]
}

// New returns a tracer reporting to agent under PluginName.
func New(agent *agentz.Agent) *Tracer {
	p := agent.Plugin(PluginName)
	t := &Tracer{
		plugin:        p,
		requestMetric: p.MetricName("http request"),
		startupMetric: p.MetricName("startup"),
		wrapperMetric: p.MetricName("http server"),
	}

	t.requestAdvice = &agentz.Advice[*exchange, struct{}, *agentz.Span]{
		Name:             "http request",
		IgnoreSelfNested: true,
		IsEnabled: func(context.Context) bool {
			return p.IsEnabled()
		},
		Before:   t.beforeRequest,
		OnReturn: t.requestReturned,
		OnThrow:  failRoot[*exchange],
		Wrap:     t.wrap,
	}
	t.startupAdvice = &agentz.Advice[*startup, struct{}, *agentz.Span]{
		Name: "startup",
		IsEnabled: func(context.Context) bool {
			return p.IsEnabled() && p.BooleanProperty(PropCaptureStartup)
		},
		Before:   t.beforeStartup,
		OnReturn: endRoot[*startup],
		OnThrow:  failRoot[*startup],
	}
	return t
}

// Middleware returns a middleware tracing requests with a new Tracer.
func Middleware(agent *agentz.Agent) func(http.Handler) http.Handler {
	return New(agent).Middleware
}

// Middleware wraps next so that every request runs inside a trace.
func (t *Tracer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ex := &exchange{
			w: &statusWriter{ResponseWriter: w, status: http.StatusOK},
			r: r,
		}
		_ = agentz.Run(r.Context(), t.requestAdvice, ex, func(ctx context.Context, ex *exchange) error {
			next.ServeHTTP(ex.w, ex.r.WithContext(ctx))
			return nil
		})
	})
}

// Startup runs fn as a startup step named name of the given kind, for
// example "listener initialized" or "cache warmup". The step is traced when
// the captureStartup property is set.
func (t *Tracer) Startup(ctx context.Context, kind, name string, fn func(context.Context) error) error {
	s := &startup{kind: kind, name: name, fn: fn}
	return agentz.Run(ctx, t.startupAdvice, s, func(ctx context.Context, s *startup) error {
		return s.fn(ctx)
	})
}

// Startup runs fn through a new Tracer for agent.
func Startup(ctx context.Context, agent *agentz.Agent, kind, name string, fn func(context.Context) error) error {
	return New(agent).Startup(ctx, kind, name, fn)
}

func (t *Tracer) wrap(ctx context.Context) agentz.Timer {
	return t.plugin.StartWrapperMetric(ctx, t.wrapperMetric)
}

func (t *Tracer) beforeRequest(ctx context.Context, ex *exchange) agentz.Traveler[*agentz.Span] {
	r := ex.r
	method := r.Method
	uri := r.URL.RequestURI()
	msg := func() agentz.Message {
		detail := map[string]string{"method": method, "uri": uri}
		if status := ex.status.Load(); status != 0 {
			detail["status"] = strconv.Itoa(int(status))
		}
		return agentz.Message{Text: method + " " + uri, Detail: detail}
	}
	tctx, span := t.plugin.StartTrace(ctx, CategoryWeb, method+" "+r.URL.Path, msg, t.requestMetric)
	return agentz.Some(span).WithContext(tctx)
}

func (t *Tracer) requestReturned(ctx context.Context, ex *exchange, _ struct{}, traveler agentz.Traveler[*agentz.Span]) {
	status := ex.w.status
	ex.status.Store(int32(status))
	if status >= http.StatusInternalServerError {
		t.plugin.SetTraceError(ctx, fmt.Sprintf("HTTP %d %s", status, http.StatusText(status)))
	}
	endRoot(ctx, ex, struct{}{}, traveler)
}

func (t *Tracer) beforeStartup(ctx context.Context, s *startup) agentz.Traveler[*agentz.Span] {
	kind, name := s.kind, s.name
	tctx, span := t.plugin.StartTrace(ctx, CategoryStartup, kind+" / "+name,
		agentz.Messagef("%s: %s", kind, name), t.startupMetric)
	return agentz.Some(span).WithContext(tctx)
}

func endRoot[A any](_ context.Context, _ A, _ struct{}, traveler agentz.Traveler[*agentz.Span]) {
	if span, ok := traveler.Get(); ok {
		span.End()
	}
}

func failRoot[A any](_ context.Context, _ A, err error, traveler agentz.Traveler[*agentz.Span]) {
	if span, ok := traveler.Get(); ok {
		span.EndWithError(agentz.ErrorFrom(err))
	}
}
