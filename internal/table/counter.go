package table

import (
	"runtime"

	"go.uber.org/atomic"
)

type lane struct {
	atomic.Uint64
	_ [56]byte
}

// Counters is a bounded store of monotonic counters. Each key owns a fixed
// set of padded lanes; writers pick a lane by hint and readers sum lazily.
type Counters struct {
	b     *bounded[[]lane]
	lanes uint32
}

// NewCounters creates a store for up to capacity keys. lanes <= 0 uses one
// lane per CPU.
func NewCounters(capacity, shards, lanes int) *Counters {
	if lanes <= 0 {
		lanes = runtime.NumCPU()
	}
	c := &Counters{b: newBounded[[]lane](capacity, shards), lanes: uint32(lanes)}

	cells := make([]lane, len(c.b.slots)*lanes)
	for i := range c.b.slots {
		c.b.slots[i] = cells[i*lanes : (i+1)*lanes : (i+1)*lanes]
	}
	return c
}

// Increment adds one to key. The add on an existing entry is tried first;
// only a confirmed miss falls through to the insert, which itself adds to
// the entry if another caller created it in the meantime.
func (c *Counters) Increment(key uint64, hint uint32) bool {
	l := hint % c.lanes
	if c.b.with(key, func(v *[]lane) { (*v)[l].Inc() }) {
		return true
	}
	return c.b.insert(key, func(v *[]lane, existed bool) {
		if !existed {
			for i := range *v {
				(*v)[i].Store(0)
			}
		}
		(*v)[l].Inc()
	})
}

func sum(v []lane) uint64 {
	var n uint64
	for i := range v {
		n += v[i].Load()
	}
	return n
}

func (c *Counters) Value(key uint64) (uint64, bool) {
	var n uint64
	ok := c.b.with(key, func(v *[]lane) { n = sum(*v) })
	return n, ok
}

// Range visits an eventually consistent snapshot of every counter.
func (c *Counters) Range(fn func(key, value uint64)) {
	c.b.rangeAll(func(key uint64, v *[]lane) { fn(key, sum(*v)) })
}

func (c *Counters) Len() int               { return c.b.len() }
func (c *Counters) Capacity() int          { return c.b.capacity() }
func (c *Counters) InsertFailures() uint64 { return c.b.insertFailures.Load() }
