package agentz

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/zoobzio/clockz"
)

// TraceHandler is called when a trace completes.
type TraceHandler func(trace TraceSnapshot)

type handlerEntry struct {
	handler TraceHandler
	id      uint64
	async   bool
}

// Agent owns trace creation and delivery of completed traces.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type Agent struct {
	handlers       []handlerEntry
	collectors     map[string]*Collector
	panicHook      func(handlerID uint64, r interface{})
	workers        *workerPool
	idPool         *IDPool
	clock          clockz.Clock
	config         ConfigSource
	log            *zerolog.Logger
	plugins        sync.Map // map[string]*PluginServices
	handlersLock   sync.RWMutex
	collectorsLock sync.RWMutex
	idPoolOnce     sync.Once
	nextID         atomic.Uint64
	droppedTraces  atomic.Uint64
}

// New creates a new agent.
// Uses the real clock and a config source with every plugin enabled.
func New() *Agent {
	return &Agent{
		handlers:   make([]handlerEntry, 0),
		collectors: make(map[string]*Collector),
		clock:      clockz.RealClock,
		config:     staticConfig{},
	}
}

// WithClock sets the clock used for all timings and returns the agent.
// Enables clock injection for deterministic testing. Call before use.
func (a *Agent) WithClock(clock clockz.Clock) *Agent {
	a.clock = clock
	return a
}

// WithConfig sets the config source consulted by plugins and returns the
// agent. Call before use.
func (a *Agent) WithConfig(config ConfigSource) *Agent {
	if config == nil {
		config = staticConfig{}
	}
	a.config = config
	return a
}

// WithLogger sets a logger for this agent instead of the package logger.
func (a *Agent) WithLogger(l zerolog.Logger) *Agent {
	a.log = &l
	return a
}

func (a *Agent) logger() *zerolog.Logger {
	if a.log != nil {
		return a.log
	}
	return Logger()
}

// Config returns the agent's config source.
func (a *Agent) Config() ConfigSource {
	return a.config
}

// Enabled reports whether the agent as a whole is enabled.
func (a *Agent) Enabled() bool {
	return a.config.Enabled()
}

// Plugin returns the services for the named plugin.
// The same value is returned for every call with the same name.
func (a *Agent) Plugin(name string) *PluginServices {
	if p, ok := a.plugins.Load(name); ok {
		return p.(*PluginServices)
	}
	p, _ := a.plugins.LoadOrStore(name, &PluginServices{agent: a, name: name})
	return p.(*PluginServices)
}

// MetricName returns the interned metric name for name.
func (*Agent) MetricName(name string) *MetricName {
	return NewMetricName(name)
}

// ensureIDPool initializes the ID pool if not already created.
func (a *Agent) ensureIDPool() {
	a.idPoolOnce.Do(func() {
		// Pool size based on number of CPUs for optimal contention balance.
		a.idPool = NewIDPool(runtime.NumCPU()*16, newTraceID(a.clock))
	})
}

// generateTraceID takes a trace ID from the pool.
func (a *Agent) generateTraceID() string {
	a.ensureIDPool()
	return a.idPool.Get()
}

// StartTrace starts a trace rooted at a new span and binds it to the
// returned context. When ctx already carries a live trace, the span is
// appended to it instead and ctx is returned unchanged.
func (a *Agent) StartTrace(ctx context.Context, category Category, name string, msg MessageSupplier, metric *MetricName) (context.Context, *Span) {
	// Handle nil context by creating a new one.
	if ctx == nil {
		ctx = context.Background()
	}

	if t := CurrentTrace(ctx); t != nil {
		if span := t.startSpan(msg, metric); span != nil {
			return ctx, span
		}
	}

	t := newTrace(a, a.generateTraceID(), category, name)
	span := t.startSpan(msg, metric)
	return withTrace(ctx, t), span
}

// StartSpan appends a span to the trace carried by ctx.
// Returns nil (the absent span) when there is no live trace.
func (*Agent) StartSpan(ctx context.Context, msg MessageSupplier, metric *MetricName) *Span {
	t := CurrentTrace(ctx)
	if t == nil {
		return nil
	}
	return t.startSpan(msg, metric)
}

// StartMetric starts a metric timer on the trace carried by ctx.
// Returns NopTimer when there is no live trace.
func (*Agent) StartMetric(ctx context.Context, metric *MetricName) Timer {
	t := CurrentTrace(ctx)
	if t == nil {
		return NopTimer
	}
	return t.startMetric(metric)
}

// SetTraceError flags the trace carried by ctx as failed without closing
// any span. The first message wins.
func (*Agent) SetTraceError(ctx context.Context, message string) {
	if t := CurrentTrace(ctx); t != nil {
		t.setError(ErrorText(message))
	}
}

// OnTraceComplete registers a synchronous handler called when traces complete.
func (a *Agent) OnTraceComplete(handler TraceHandler) uint64 {
	return a.registerHandler(handler, false)
}

// OnTraceCompleteAsync registers an asynchronous handler called when traces complete.
func (a *Agent) OnTraceCompleteAsync(handler TraceHandler) uint64 {
	return a.registerHandler(handler, true)
}

func (a *Agent) registerHandler(handler TraceHandler, async bool) uint64 {
	if handler == nil {
		return 0
	}

	id := a.nextID.Add(1)

	a.handlersLock.Lock()
	defer a.handlersLock.Unlock()

	a.handlers = append(a.handlers, handlerEntry{
		id:      id,
		handler: handler,
		async:   async,
	})

	return id
}

// RemoveHandler removes a handler by ID.
func (a *Agent) RemoveHandler(id uint64) {
	a.handlersLock.Lock()
	defer a.handlersLock.Unlock()

	// Preserve order
	for i, h := range a.handlers {
		if h.id == id {
			copy(a.handlers[i:], a.handlers[i+1:])
			a.handlers = a.handlers[:len(a.handlers)-1]
			return
		}
	}
}

// HasHandlers reports whether any handler or collector receives traces.
func (a *Agent) HasHandlers() bool {
	a.handlersLock.RLock()
	n := len(a.handlers)
	a.handlersLock.RUnlock()

	a.collectorsLock.RLock()
	defer a.collectorsLock.RUnlock()
	return n > 0 || len(a.collectors) > 0
}

// SetPanicHook sets a function to be called when a handler panics.
func (a *Agent) SetPanicHook(hook func(handlerID uint64, r interface{})) {
	a.panicHook = hook
}

// AddCollector registers a collector under name. Completed traces are
// offered to every collector.
func (a *Agent) AddCollector(name string, collector *Collector) {
	if collector == nil {
		return
	}
	a.collectorsLock.Lock()
	defer a.collectorsLock.Unlock()
	a.collectors[name] = collector
}

// Reset clears all registered collectors' buffers.
func (a *Agent) Reset() {
	a.collectorsLock.RLock()
	defer a.collectorsLock.RUnlock()
	for _, c := range a.collectors {
		c.Reset()
	}
}

// complete renders a finished trace and delivers it.
func (a *Agent) complete(t *Trace) {
	if !a.HasHandlers() {
		return
	}
	snap := t.Snapshot()

	a.collectorsLock.RLock()
	for _, c := range a.collectors {
		c.Collect(&snap)
	}
	a.collectorsLock.RUnlock()

	a.executeHandlers(snap)
}

// executeHandlers calls all registered handlers with the completed trace.
func (a *Agent) executeHandlers(snap TraceSnapshot) {
	a.handlersLock.RLock()
	if len(a.handlers) == 0 {
		a.handlersLock.RUnlock()
		return
	}

	handlers := make([]handlerEntry, len(a.handlers))
	copy(handlers, a.handlers)
	a.handlersLock.RUnlock()

	for _, h := range handlers {
		if h.async {
			// Make a copy of h for closure
			entry := h
			if a.workers != nil {
				a.workers.submit(func() {
					a.safeCall(entry, snap)
				})
			} else {
				go a.safeCall(entry, snap)
			}
		} else {
			a.safeCall(h, snap)
		}
	}
}

func (a *Agent) safeCall(entry handlerEntry, snap TraceSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			if a.panicHook != nil {
				a.panicHook(entry.id, r)
				return
			}
			a.logger().Error().
				Uint64("handler", entry.id).
				Str("trace", snap.ID).
				Interface("panic", r).
				Msg("trace handler panicked")
		}
	}()
	entry.handler(snap)
}

// EnableWorkerPool creates a bounded worker pool for async handlers.
func (a *Agent) EnableWorkerPool(workers, queueSize int) error {
	if a.workers != nil {
		return ErrWorkerPoolEnabled
	}
	if workers <= 0 {
		return errWorkers
	}
	if queueSize <= 0 {
		return errQueueSize
	}

	a.workers = &workerPool{
		tasks:   make(chan func(), queueSize),
		stop:    make(chan struct{}),
		dropped: &a.droppedTraces,
	}

	a.workers.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go a.workers.run()
	}

	return nil
}

// DroppedTraces returns the number of traces dropped due to full worker queue.
func (a *Agent) DroppedTraces() uint64 {
	return a.droppedTraces.Load()
}

// Close shuts down the agent gracefully and cleans up resources.
// This should be called when the agent is no longer needed.
func (a *Agent) Close() {
	// Stop new handler executions
	a.handlersLock.Lock()
	a.handlers = nil
	a.handlersLock.Unlock()

	// Wait for in-flight async tasks
	if a.workers != nil {
		a.workers.shutdown()
		a.workers = nil
	}

	if a.idPool != nil {
		a.idPool.Close()
	}
}

// workerPool manages a fixed number of workers for processing async handlers.
//
//nolint:govet // Field order optimized for functionality over memory
type workerPool struct {
	tasks   chan func()
	stop    chan struct{}
	dropped *atomic.Uint64
	wg      sync.WaitGroup
}

func (w *workerPool) run() {
	defer w.wg.Done()
	for {
		select {
		case task := <-w.tasks:
			task()
		case <-w.stop:
			return
		}
	}
}

func (w *workerPool) submit(task func()) {
	select {
	case w.tasks <- task:
	default:
		w.dropped.Add(1)
	}
}

func (w *workerPool) shutdown() {
	close(w.stop)
	w.wg.Wait()
}
