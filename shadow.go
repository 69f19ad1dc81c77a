package agentz

import (
	"encoding/binary"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"
	"weak"

	"github.com/cespare/xxhash/v2"
)

// Clearable is implemented by shadow state payloads. Clear releases the
// captured payload while keeping the value usable.
type Clearable interface {
	Clear()
}

const shadowShards = 32

// ShadowRegistry associates state of type S with objects of type K that the
// agent did not construct, such as driver statements.
//
// Entries are keyed by object identity and hold the object weakly: an entry
// never keeps its object alive, and is evicted once the object has been
// garbage collected. The zero value is ready to use.
type ShadowRegistry[K any, S Clearable] struct {
	shards [shadowShards]shadowShard[K, S]
	size   atomic.Int64
}

type shadowShard[K any, S Clearable] struct {
	mu      sync.Mutex
	entries map[weak.Pointer[K]]S
}

type shadowKey[K any] struct {
	ptr   weak.Pointer[K]
	shard uint64
}

// NewShadowRegistry returns an empty registry.
func NewShadowRegistry[K any, S Clearable]() *ShadowRegistry[K, S] {
	return &ShadowRegistry[K, S]{}
}

func shardOf[K any](obj *K) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(uintptr(unsafe.Pointer(obj))))
	return xxhash.Sum64(buf[:]) % shadowShards
}

// GetOrCreate returns the entry of obj, creating it with factory on first
// touch. Concurrent first touches of the same object store exactly one entry
// and all callers observe it. A nil obj gets a fresh, unstored entry.
func (r *ShadowRegistry[K, S]) GetOrCreate(obj *K, factory func() S) S {
	if obj == nil {
		return factory()
	}
	idx := shardOf(obj)
	ptr := weak.Make(obj)
	sh := &r.shards[idx]

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if s, ok := sh.entries[ptr]; ok {
		return s
	}
	s := factory()
	r.storeLocked(sh, obj, shadowKey[K]{ptr: ptr, shard: idx}, s)
	return s
}

// Attach sets the entry of obj to s, replacing any previous entry. It is
// called where the construction of obj is observed.
func (r *ShadowRegistry[K, S]) Attach(obj *K, s S) {
	if obj == nil {
		return
	}
	idx := shardOf(obj)
	ptr := weak.Make(obj)
	sh := &r.shards[idx]

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.entries[ptr]; ok {
		sh.entries[ptr] = s
		return
	}
	r.storeLocked(sh, obj, shadowKey[K]{ptr: ptr, shard: idx}, s)
}

func (r *ShadowRegistry[K, S]) storeLocked(sh *shadowShard[K, S], obj *K, key shadowKey[K], s S) {
	if sh.entries == nil {
		sh.entries = make(map[weak.Pointer[K]]S)
	}
	sh.entries[key.ptr] = s
	r.size.Add(1)
	runtime.AddCleanup(obj, r.evict, key)
}

func (r *ShadowRegistry[K, S]) evict(key shadowKey[K]) {
	sh := &r.shards[key.shard]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.entries[key.ptr]; ok {
		delete(sh.entries, key.ptr)
		r.size.Add(-1)
	}
}

// Get returns the entry of obj without creating one.
func (r *ShadowRegistry[K, S]) Get(obj *K) (S, bool) {
	var zero S
	if obj == nil {
		return zero, false
	}
	sh := &r.shards[shardOf(obj)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.entries[weak.Make(obj)]
	return s, ok
}

// Clear empties the payload of obj's entry. The association is kept, so a
// later GetOrCreate returns the same entry. Reports whether obj had one.
func (r *ShadowRegistry[K, S]) Clear(obj *K) bool {
	s, ok := r.Get(obj)
	if !ok {
		return false
	}
	s.Clear()
	return true
}

// Len returns the number of live entries.
func (r *ShadowRegistry[K, S]) Len() int {
	return int(r.size.Load())
}
