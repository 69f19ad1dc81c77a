package agentz

import (
	"sync"
	"sync/atomic"
	"time"
)

// Collector buffers completed traces for batch export.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field alignment optimized for readability over memory efficiency
type Collector struct {
	traces       []TraceSnapshot
	tracesCh     chan TraceSnapshot
	stopCh       chan struct{}
	done         chan struct{}
	droppedCount atomic.Int64
	name         string
	mu           sync.Mutex
	closeOnce    sync.Once
	closed       atomic.Bool
	syncMode     atomic.Bool
}

// NewCollector creates a new collector with the specified name and buffer size.
func NewCollector(name string, bufferSize int) *Collector {
	c := &Collector{
		name:     name,
		traces:   make([]TraceSnapshot, 0, 8),
		tracesCh: make(chan TraceSnapshot, bufferSize),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.start()
	return c
}

// Name returns the collector name.
func (c *Collector) Name() string {
	return c.name
}

// start runs the collector's main loop, receiving traces from the channel.
func (c *Collector) start() {
	defer close(c.done)

	for {
		select {
		case <-c.stopCh:
			// Drain remaining traces before shutdown.
			for {
				select {
				case snap := <-c.tracesCh:
					c.buffer(snap)
				default:
					return
				}
			}
		case snap := <-c.tracesCh:
			c.buffer(snap)
		}
	}
}

// Close shuts down the collector gracefully. Buffered traces stay
// available to Export.
func (c *Collector) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.stopCh)
		select {
		case <-c.done:
		case <-time.After(100 * time.Millisecond):
			Logger().Warn().Str("collector", c.name).Msg("collector drain timed out")
		}
	})
}

// Collect attempts to buffer a trace with backpressure protection.
// If the internal channel is full, the trace is dropped and the drop counter
// is incremented. In sync mode, traces are buffered directly.
func (c *Collector) Collect(snap *TraceSnapshot) {
	if snap == nil || c.closed.Load() {
		c.droppedCount.Add(1)
		return
	}

	if c.syncMode.Load() {
		c.buffer(*snap)
		return
	}

	select {
	case c.tracesCh <- *snap:
	default:
		// Channel full - drop trace to prevent blocking.
		c.droppedCount.Add(1)
	}
}

func (c *Collector) buffer(snap TraceSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.traces) >= cap(c.traces) {
		currentCap := cap(c.traces)
		var newCap int
		if currentCap < 1024 {
			newCap = currentCap * 2
		} else {
			// Grow by 50% for large buffers to avoid excessive memory usage.
			newCap = currentCap + currentCap/2
		}
		if newCap < 32 {
			newCap = 32
		}
		grown := make([]TraceSnapshot, len(c.traces), newCap)
		copy(grown, c.traces)
		c.traces = grown
	}
	c.traces = append(c.traces, snap)
}

// Export returns all buffered traces and clears the internal buffer.
// Snapshots are immutable so the returned slice shares no state with the
// collector.
func (c *Collector) Export() []TraceSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.traces) == 0 {
		return nil
	}

	result := make([]TraceSnapshot, len(c.traces))
	copy(result, c.traces)

	if cap(c.traces) > 256 && len(c.traces) < cap(c.traces)/8 {
		newCap := cap(c.traces) / 4
		if newCap < 32 {
			newCap = 32
		}
		c.traces = make([]TraceSnapshot, 0, newCap)
	} else {
		clear(c.traces)
		c.traces = c.traces[:0]
	}

	return result
}

// Count returns the current number of buffered traces.
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.traces)
}

// DroppedCount returns the total number of traces dropped due to backpressure.
func (c *Collector) DroppedCount() int64 {
	return c.droppedCount.Load()
}

// SetSyncMode enables synchronous collection for testing.
// When enabled, traces are buffered directly without using the channel.
func (c *Collector) SetSyncMode(sync bool) {
	c.syncMode.Store(sync)
}

// Reset clears all buffered traces and resets the drop counter.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.traces)
	c.traces = c.traces[:0]
	c.droppedCount.Store(0)
}
