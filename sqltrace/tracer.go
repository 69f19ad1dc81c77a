package sqltrace

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync/atomic"
	"time"

	"github.com/zoobzio/agentz"
)

// PluginName is the config key of the plugin.
const PluginName = "sql"

// Plugin properties.
const (
	PropCaptureBindParameters        = "captureBindParameters"
	PropDisplayBinaryParametersAsHex = "displayBinaryParametersAsHex"
	PropStackTraceThresholdMillis    = "stackTraceThresholdMillis"
)

const defaultStackTraceThreshold = time.Second

const outsidePrepareSQL = "/* prepared statement generated outside of the Conn.Prepare API, no sql text available */"

var noSQLTextWarning agentz.WarnOnce

// ErrNotTraced is returned by ExecBatch and ExecScript for connections not
// opened through a Tracer.
var ErrNotTraced = errors.New("sqltrace: connection is not traced")

type originKey struct{}

// WithInternalOrigin marks ctx as running inside the internal helper name,
// for example a schema inspection routine. Executions under such a context
// are not spanned, and statements first seen there are described as
// generated by name.
func WithInternalOrigin(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, originKey{}, name)
}

func internalOrigin(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(originKey{}).(string)
	return name, ok
}

func notInternal(ctx context.Context) bool {
	_, internal := internalOrigin(ctx)
	return !internal
}

type prepareCall struct {
	conn  *conn
	query string
}

type stmtCall struct {
	stmt *stmt
	args []driver.NamedValue
}

type connCall struct {
	conn  *conn
	query string
	args  []driver.NamedValue
}

type batchCall struct {
	stmt   *stmt
	mirror *PreparedMirror
	rows   [][]driver.NamedValue
}

type scriptCall struct {
	conn    *conn
	queries []string
}

// Tracer instruments database/sql drivers.
//
// Statement shadow state is tracked whether or not tracing is enabled, so
// a statement prepared while the plugin was off is still described
// correctly once it is switched on. Only span and timer creation follow
// the config gate.
//
//nolint:govet // Field order groups config before advice
type Tracer struct {
	plugin     *agentz.PluginServices
	prepared   agentz.ShadowRegistry[stmt, *PreparedMirror]
	statements agentz.ShadowRegistry[conn, *StatementMirror]
	cancel     func()

	captureBindParameters atomic.Bool
	displayHex            atomic.Bool
	threshold             atomic.Int64

	prepareMetric *agentz.MetricName
	executeMetric *agentz.MetricName
	closeMetric   *agentz.MetricName
	wrapperMetric *agentz.MetricName

	prepareAdvice   *agentz.Advice[prepareCall, *stmt, agentz.Timer]
	stmtExecAdvice  *agentz.Advice[stmtCall, driver.Result, *agentz.Span]
	stmtQueryAdvice *agentz.Advice[stmtCall, driver.Rows, *agentz.Span]
	connExecAdvice  *agentz.Advice[connCall, driver.Result, *agentz.Span]
	connQueryAdvice *agentz.Advice[connCall, driver.Rows, *agentz.Span]
	batchAdvice     *agentz.Advice[batchCall, int64, *agentz.Span]
	scriptAdvice    *agentz.Advice[scriptCall, int64, *agentz.Span]
	closeAdvice     *agentz.Advice[*stmt, struct{}, agentz.Timer]
}

// New returns a tracer reporting to agent under PluginName.
func New(agent *agentz.Agent) *Tracer {
	p := agent.Plugin(PluginName)
	t := &Tracer{
		plugin:        p,
		prepareMetric: p.MetricName("sql prepare"),
		executeMetric: p.MetricName("sql execute"),
		closeMetric:   p.MetricName("sql statement close"),
		wrapperMetric: p.MetricName("sql driver"),
	}
	t.refresh()
	t.cancel = p.RegisterConfigListener(t.refresh)
	t.buildAdvice()
	return t
}

// Close stops following config changes.
func (t *Tracer) Close() {
	t.cancel()
}

func (t *Tracer) refresh() {
	t.captureBindParameters.Store(t.plugin.BooleanProperty(PropCaptureBindParameters))
	t.displayHex.Store(t.plugin.BooleanProperty(PropDisplayBinaryParametersAsHex))

	threshold := defaultStackTraceThreshold
	if t.plugin.StringProperty(PropStackTraceThresholdMillis) != "" {
		threshold = time.Duration(t.plugin.FloatProperty(PropStackTraceThresholdMillis) * float64(time.Millisecond))
	}
	t.threshold.Store(int64(threshold))
}

func (t *Tracer) stackTraceThreshold() time.Duration {
	return time.Duration(t.threshold.Load())
}

func (t *Tracer) wrap(ctx context.Context) agentz.Timer {
	return t.plugin.StartWrapperMetric(ctx, t.wrapperMetric)
}

func (t *Tracer) buildAdvice() {
	t.prepareAdvice = &agentz.Advice[prepareCall, *stmt, agentz.Timer]{
		Name:             "sql prepare",
		IgnoreSelfNested: true,
		Before: func(ctx context.Context, _ prepareCall) agentz.Traveler[agentz.Timer] {
			if t.plugin.IsEnabled() && notInternal(ctx) {
				return agentz.Some(t.plugin.StartMetric(ctx, t.prepareMetric))
			}
			return agentz.None[agentz.Timer]()
		},
		OnReturn: func(_ context.Context, call prepareCall, s *stmt, _ agentz.Traveler[agentz.Timer]) {
			t.prepared.Attach(s, NewPreparedMirror(call.query))
		},
		After: stopTimer[prepareCall],
		Wrap:  t.wrap,
	}

	t.stmtExecAdvice = &agentz.Advice[stmtCall, driver.Result, *agentz.Span]{
		Name:             "sql stmt exec",
		IgnoreSelfNested: true,
		IsEnabled:        notInternal,
		Before:           t.beforeStmt,
		OnReturn:         endSpan[stmtCall, driver.Result](t),
		OnThrow:          failSpan[stmtCall](),
		Wrap:             t.wrap,
	}
	t.stmtQueryAdvice = &agentz.Advice[stmtCall, driver.Rows, *agentz.Span]{
		Name:             "sql stmt query",
		IgnoreSelfNested: true,
		IsEnabled:        notInternal,
		Before:           t.beforeStmt,
		OnReturn:         endSpan[stmtCall, driver.Rows](t),
		OnThrow:          failSpan[stmtCall](),
		Wrap:             t.wrap,
	}
	t.connExecAdvice = &agentz.Advice[connCall, driver.Result, *agentz.Span]{
		Name:             "sql exec",
		IgnoreSelfNested: true,
		IsEnabled:        notInternal,
		Before:           t.beforeConn,
		OnReturn:         endSpan[connCall, driver.Result](t),
		OnThrow:          failSpan[connCall](),
		Wrap:             t.wrap,
	}
	t.connQueryAdvice = &agentz.Advice[connCall, driver.Rows, *agentz.Span]{
		Name:             "sql query",
		IgnoreSelfNested: true,
		IsEnabled:        notInternal,
		Before:           t.beforeConn,
		OnReturn:         endSpan[connCall, driver.Rows](t),
		OnThrow:          failSpan[connCall](),
		Wrap:             t.wrap,
	}
	t.batchAdvice = &agentz.Advice[batchCall, int64, *agentz.Span]{
		Name:             "sql batch",
		IgnoreSelfNested: true,
		IsEnabled:        notInternal,
		Before:           t.beforeBatch,
		OnReturn:         endSpan[batchCall, int64](t),
		OnThrow:          failSpan[batchCall](),
		After: func(_ context.Context, call batchCall, _ agentz.Traveler[*agentz.Span]) {
			call.mirror.ClearBatch()
		},
	}
	t.scriptAdvice = &agentz.Advice[scriptCall, int64, *agentz.Span]{
		Name:             "sql script",
		IgnoreSelfNested: true,
		IsEnabled:        notInternal,
		Before:           t.beforeScript,
		OnReturn:         endSpan[scriptCall, int64](t),
		OnThrow:          failSpan[scriptCall](),
		After: func(_ context.Context, call scriptCall, _ agentz.Traveler[*agentz.Span]) {
			t.statements.GetOrCreate(call.conn, NewStatementMirror).ClearBatch()
		},
	}

	t.closeAdvice = &agentz.Advice[*stmt, struct{}, agentz.Timer]{
		Name:             "sql statement close",
		IgnoreSelfNested: true,
		IsEnabled: func(ctx context.Context) bool {
			return t.plugin.IsEnabled() && notInternal(ctx)
		},
		Before: func(ctx context.Context, _ *stmt) agentz.Traveler[agentz.Timer] {
			return agentz.Some(t.plugin.StartMetric(ctx, t.closeMetric))
		},
		After: stopTimer[*stmt],
	}
}

func stopTimer[A any](_ context.Context, _ A, tr agentz.Traveler[agentz.Timer]) {
	if timer, ok := tr.Get(); ok {
		timer.Stop()
	}
}

func endSpan[A, R any](t *Tracer) func(context.Context, A, R, agentz.Traveler[*agentz.Span]) {
	return func(_ context.Context, _ A, _ R, tr agentz.Traveler[*agentz.Span]) {
		if span, ok := tr.Get(); ok {
			span.EndWithStackTrace(t.stackTraceThreshold())
		}
	}
}

func failSpan[A any]() func(context.Context, A, error, agentz.Traveler[*agentz.Span]) {
	return func(_ context.Context, _ A, err error, tr agentz.Traveler[*agentz.Span]) {
		span, ok := tr.Get()
		if !ok {
			return
		}
		if errors.Is(err, driver.ErrSkip) {
			// database/sql retries through another path, which is traced on its own.
			span.Discard()
			return
		}
		span.EndWithError(agentz.ErrorFrom(err))
	}
}

// preparedMirror resolves the mirror of s, synthesizing a placeholder for
// statements whose preparation was not observed.
func (t *Tracer) preparedMirror(ctx context.Context, s *stmt) *PreparedMirror {
	return t.prepared.GetOrCreate(s, func() *PreparedMirror {
		if name, ok := internalOrigin(ctx); ok {
			return NewPreparedMirror("/* internal prepared statement generated by " + name + "() */")
		}
		if noSQLTextWarning.First() {
			agentz.Logger().Warn().
				Str("plugin", PluginName).
				Msg("prepared statement generated outside of the Conn.Prepare API, no sql text available")
		}
		return NewPreparedMirror(outsidePrepareSQL)
	})
}

// Mirror returns the shadow state of a statement created by this tracer.
func (t *Tracer) Mirror(s driver.Stmt) (*PreparedMirror, bool) {
	ts, ok := s.(*stmt)
	if !ok {
		return nil, false
	}
	return t.prepared.Get(ts)
}

// bind tracks the arguments of an execution on the statement's mirror.
func (t *Tracer) bind(ctx context.Context, s *stmt, args []driver.NamedValue) *PreparedMirror {
	mirror := t.preparedMirror(ctx, s)
	if t.captureBindParameters.Load() {
		mirror.Bind(args, t.displayHex.Load())
	}
	return mirror
}

func (t *Tracer) beforeStmt(ctx context.Context, call stmtCall) agentz.Traveler[*agentz.Span] {
	mirror := t.preparedMirror(ctx, call.stmt)
	if !t.plugin.IsEnabled() {
		// Rows of a later result must not be counted into a stale message.
		mirror.SetLast(nil)
		return agentz.None[*agentz.Span]()
	}
	var msg *ExecMessage
	if t.captureBindParameters.Load() {
		msg = NewExecMessage(mirror.SQL(), mirror.Params())
	} else {
		msg = NewExecMessage(mirror.SQL(), nil)
	}
	mirror.SetLast(msg)
	return spanTraveler(t.plugin.StartSpan(ctx, msg.Supplier(), t.executeMetric))
}

func (t *Tracer) beforeConn(ctx context.Context, call connCall) agentz.Traveler[*agentz.Span] {
	mirror := t.statements.GetOrCreate(call.conn, NewStatementMirror)
	if !t.plugin.IsEnabled() {
		mirror.SetLast(nil)
		return agentz.None[*agentz.Span]()
	}
	var params []BindValue
	if t.captureBindParameters.Load() && len(call.args) > 0 {
		hexOn := t.displayHex.Load()
		params = make([]BindValue, len(call.args))
		for i, a := range call.args {
			params[i] = NewBindValue(a.Value, hexOn)
		}
	}
	msg := NewExecMessage(call.query, params)
	mirror.SetLast(msg)
	return spanTraveler(t.plugin.StartSpan(ctx, msg.Supplier(), t.executeMetric))
}

func (t *Tracer) beforeBatch(ctx context.Context, call batchCall) agentz.Traveler[*agentz.Span] {
	if !t.plugin.IsEnabled() {
		call.mirror.SetLast(nil)
		return agentz.None[*agentz.Span]()
	}
	var msg *ExecMessage
	if t.captureBindParameters.Load() {
		msg = NewBatchMessage(call.mirror.SQL(), call.mirror.Batches())
	} else {
		msg = NewExecMessage(call.mirror.SQL(), nil)
	}
	call.mirror.SetLast(msg)
	return spanTraveler(t.plugin.StartSpan(ctx, msg.Supplier(), t.executeMetric))
}

func (t *Tracer) beforeScript(ctx context.Context, call scriptCall) agentz.Traveler[*agentz.Span] {
	mirror := t.statements.GetOrCreate(call.conn, NewStatementMirror)
	if !t.plugin.IsEnabled() {
		mirror.SetLast(nil)
		return agentz.None[*agentz.Span]()
	}
	msg := NewScriptMessage(mirror.Batch())
	mirror.SetLast(msg)
	return spanTraveler(t.plugin.StartSpan(ctx, msg.Supplier(), t.executeMetric))
}

func spanTraveler(span *agentz.Span) agentz.Traveler[*agentz.Span] {
	if span == nil {
		return agentz.None[*agentz.Span]()
	}
	return agentz.Some(span)
}

// Wrap returns a connector whose connections are traced. A connector
// already wrapped by t is returned unchanged.
func (t *Tracer) Wrap(c driver.Connector) driver.Connector {
	if tc, ok := c.(*connector); ok && tc.tracer == t {
		return tc
	}
	return &connector{base: c, tracer: t}
}

// Connector returns a traced connector opening dsn with d.
func (t *Tracer) Connector(d driver.Driver, dsn string) driver.Connector {
	if dc, ok := d.(driver.DriverContext); ok {
		if c, err := dc.OpenConnector(dsn); err == nil {
			return t.Wrap(c)
		}
	}
	return t.Wrap(&dsnConnector{driver: d, dsn: dsn})
}

// OpenDB opens a database whose connections are traced. c may be a plain
// driver connector or one already returned by Wrap or Connector; the latter
// is used as is.
func (t *Tracer) OpenDB(c driver.Connector) *sql.DB {
	return sql.OpenDB(t.Wrap(c))
}

// WrapStmt traces a statement obtained outside Conn.Prepare, for example
// from a driver specific API. Its SQL text is unknown until described by
// Attach.
func (t *Tracer) WrapStmt(base driver.Stmt) driver.Stmt {
	return &stmt{base: base, tracer: t}
}

// Attach records query as the text of a statement returned by WrapStmt.
func (t *Tracer) Attach(s driver.Stmt, query string) {
	if ts, ok := s.(*stmt); ok {
		t.prepared.Attach(ts, NewPreparedMirror(query))
	}
}

type dsnConnector struct {
	driver driver.Driver
	dsn    string
}

func (c *dsnConnector) Connect(context.Context) (driver.Conn, error) {
	return c.driver.Open(c.dsn)
}

func (c *dsnConnector) Driver() driver.Driver {
	return c.driver
}

type connector struct {
	base   driver.Connector
	tracer *Tracer
}

func (c *connector) Connect(ctx context.Context) (driver.Conn, error) {
	base, err := c.base.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &conn{base: base, tracer: c.tracer}, nil
}

func (c *connector) Driver() driver.Driver {
	return c.base.Driver()
}
