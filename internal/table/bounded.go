// Package table implements the fixed-capacity correlation tables and counter
// stores shared by the hook handlers.
//
// All tables preallocate their slots and refuse insertions past capacity
// instead of growing or evicting. A refused insertion is counted and
// otherwise silent; the matching lookup later misses.
package table

import (
	"math/bits"
	"sync"

	"go.uber.org/atomic"
)

const (
	DefaultConnections     = 10240
	DefaultPendingSyscalls = 10240
	DefaultProcessCounters = 1024
	DefaultSyscallCounters = 1024
	DefaultShards          = 16
)

const hashMul = 0x9E3779B97F4A7C15

type shard struct {
	mu    sync.RWMutex
	index map[uint64]int32
	_     [32]byte
}

// bounded maps uint64 keys to preallocated slots of V. Every operation takes
// exactly one shard lock for a constant-time map access.
type bounded[V any] struct {
	shards []shard
	shift  uint
	slots  []V
	free   chan int32

	insertFailures atomic.Uint64
}

func newBounded[V any](capacity, shards int) *bounded[V] {
	if capacity < 1 {
		capacity = 1
	}
	if shards < 1 {
		shards = 1
	}
	// Round up to a power of two so the shard is the top bits of the hash.
	n := 1 << bits.Len(uint(shards-1))

	b := &bounded[V]{
		shards: make([]shard, n),
		shift:  uint(64 - bits.TrailingZeros(uint(n))),
		slots:  make([]V, capacity),
		free:   make(chan int32, capacity),
	}
	// Any one shard may end up holding every entry. Sizing each index for
	// the full capacity keeps inserts from growing a map under skew.
	for i := range b.shards {
		b.shards[i].index = make(map[uint64]int32, capacity)
	}
	for i := 0; i < capacity; i++ {
		b.free <- int32(i)
	}
	return b
}

func (b *bounded[V]) shardFor(key uint64) *shard {
	return &b.shards[(key*hashMul)>>b.shift]
}

// insert stores key, calling fn on its slot with existed reporting whether the
// key was already present. It returns false when the key is new and no free
// slot is left.
func (b *bounded[V]) insert(key uint64, fn func(v *V, existed bool)) bool {
	s := b.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if i, ok := s.index[key]; ok {
		fn(&b.slots[i], true)
		return true
	}

	var i int32
	select {
	case i = <-b.free:
	default:
		b.insertFailures.Inc()
		return false
	}
	s.index[key] = i
	fn(&b.slots[i], false)
	return true
}

// with calls fn on the slot of an existing key under the shard read lock.
func (b *bounded[V]) with(key uint64, fn func(v *V)) bool {
	s := b.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[key]
	if !ok {
		return false
	}
	fn(&b.slots[i])
	return true
}

// take calls fn (if non-nil) on the slot of key and removes it.
func (b *bounded[V]) take(key uint64, fn func(v *V)) bool {
	s := b.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[key]
	if !ok {
		return false
	}
	if fn != nil {
		fn(&b.slots[i])
	}
	delete(s.index, key)
	// The free list holds at most capacity indices, so this never blocks.
	b.free <- i
	return true
}

// rangeAll visits every entry shard by shard. Entries inserted or removed
// concurrently may or may not be seen.
func (b *bounded[V]) rangeAll(fn func(key uint64, v *V)) {
	for si := range b.shards {
		s := &b.shards[si]
		s.mu.RLock()
		for k, i := range s.index {
			fn(k, &b.slots[i])
		}
		s.mu.RUnlock()
	}
}

func (b *bounded[V]) len() int {
	return cap(b.free) - len(b.free)
}

func (b *bounded[V]) capacity() int {
	return cap(b.free)
}
