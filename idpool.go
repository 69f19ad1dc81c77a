package agentz

import (
	"encoding/hex"
	"sync"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"
)

// IDPool manages a pool of pre-generated trace IDs to amortize random
// source overhead.
type IDPool struct {
	factory func() string
	ids     chan string
	stopCh  chan struct{}
	mu      sync.Mutex
	closed  bool
}

// NewIDPool creates a new ID pool with the specified capacity.
func NewIDPool(capacity int, factory func() string) *IDPool {
	pool := &IDPool{
		ids:     make(chan string, capacity),
		factory: factory,
		stopCh:  make(chan struct{}),
	}
	// Start background refill goroutine.
	go pool.refill()
	return pool
}

// newTraceID returns a factory producing random UUIDs.
func newTraceID(clock clockz.Clock) func() string {
	return func() string {
		id, err := uuid.NewRandom()
		if err != nil {
			// Fallback to time-based ID if the random source fails.
			return hex.EncodeToString([]byte(clock.Now().Format("20060102150405.000000000")))
		}
		return id.String()
	}
}

// Get retrieves an ID from the pool or generates one if pool is empty.
func (p *IDPool) Get() string {
	select {
	case id := <-p.ids:
		return id
	default:
		// Pool empty, generate directly (fallback for burst load).
		return p.factory()
	}
}

// refill maintains the pool by generating IDs in background.
func (p *IDPool) refill() {
	for {
		select {
		case <-p.stopCh:
			return
		default:
			// Only generate if pool has capacity.
			select {
			case p.ids <- p.factory():
				// Successfully added ID to pool.
			case <-p.stopCh:
				return
			}
		}
	}
}

// Close shuts down the ID pool gracefully.
func (p *IDPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		close(p.stopCh)
		p.closed = true
	}
}
