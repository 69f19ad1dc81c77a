package logtrace

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/zoobzio/agentz"
)

// PluginName is the config key of the plugin.
const PluginName = "logger"

// Plugin properties.
const (
	PropTraceErrorOnWarn              = "traceErrorOnWarn"
	PropTraceErrorOnErrorWithoutCause = "traceErrorOnErrorWithoutCause"
)

type entry struct {
	err     error
	message string
	level   zerolog.Level
}

type logTraveler struct {
	span    *agentz.Span
	err     error
	message string
}

// Logger writes through a zerolog logger and traces what it writes.
type Logger struct {
	log    zerolog.Logger
	plugin *agentz.PluginServices
	metric *agentz.MetricName
	advice *agentz.Advice[entry, struct{}, logTraveler]
}

// New returns a logger writing to log and reporting to agent.
func New(agent *agentz.Agent, log zerolog.Logger) *Logger {
	p := agent.Plugin(PluginName)
	l := &Logger{
		log:    log,
		plugin: p,
		metric: p.MetricName("logging"),
	}
	l.advice = &agentz.Advice[entry, struct{}, logTraveler]{
		Name:             "log",
		IgnoreSelfNested: true,
		IsEnabled: func(context.Context) bool {
			return p.IsEnabled()
		},
		Before: l.before,
		After:  l.after,
	}
	return l
}

// Zerolog returns the underlying logger, for entries that are not traced.
func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.log
}

// Warn writes a warning. err may be nil.
func (l *Logger) Warn(ctx context.Context, err error, format string, args ...any) {
	l.write(ctx, zerolog.WarnLevel, err, format, args)
}

// Error writes an error entry. err may be nil.
func (l *Logger) Error(ctx context.Context, err error, format string, args ...any) {
	l.write(ctx, zerolog.ErrorLevel, err, format, args)
}

func (l *Logger) write(ctx context.Context, level zerolog.Level, err error, format string, args []any) {
	message := format
	if len(args) > 0 {
		message = fmt.Sprintf(format, args...)
	}
	_ = agentz.Run(ctx, l.advice, entry{level: level, message: message, err: err},
		func(ctx context.Context, e entry) error {
			ev := l.log.WithLevel(e.level).Ctx(ctx)
			if e.err != nil {
				ev = ev.Err(e.err)
			}
			ev.Msg(e.message)
			return nil
		})
}

func (l *Logger) markTraceAsError(warn, hasErr bool) bool {
	return (!warn || l.plugin.BooleanProperty(PropTraceErrorOnWarn)) &&
		(hasErr || l.plugin.BooleanProperty(PropTraceErrorOnErrorWithoutCause))
}

func (l *Logger) before(ctx context.Context, e entry) agentz.Traveler[logTraveler] {
	if l.markTraceAsError(e.level == zerolog.WarnLevel, e.err != nil) {
		l.plugin.SetTraceError(ctx, e.message)
	}
	span := l.plugin.StartSpan(ctx, agentz.Messagef("log %s: %s", e.level, e.message), l.metric)
	if span == nil {
		return agentz.None[logTraveler]()
	}
	return agentz.Some(logTraveler{span: span, err: e.err, message: e.message})
}

func (*Logger) after(_ context.Context, _ entry, traveler agentz.Traveler[logTraveler]) {
	tr, ok := traveler.Get()
	if !ok {
		return
	}
	if tr.err == nil {
		tr.span.EndWithError(agentz.ErrorText(tr.message))
		return
	}
	tr.span.EndWithError(agentz.ErrorFrom(tr.err))
}
