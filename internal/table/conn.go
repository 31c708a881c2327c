package table

import (
	"go.uber.org/atomic"

	"github.com/your-org/ebpf-tracer/internal/model"
)

// ConnState is a snapshot of one in-flight connection.
type ConnState struct {
	Start     uint64
	BytesSent uint64
	BytesRecv uint64
	Endpoints model.Endpoints
}

type connSlot struct {
	start uint64
	ep    model.Endpoints
	sent  atomic.Uint64
	recv  atomic.Uint64
}

func (s *connSlot) snapshot() ConnState {
	return ConnState{
		Start:     s.start,
		BytesSent: s.sent.Load(),
		BytesRecv: s.recv.Load(),
		Endpoints: s.ep,
	}
}

// Connections is the connection correlation table, keyed by connection id.
type Connections struct {
	b *bounded[connSlot]
}

func NewConnections(capacity, shards int) *Connections {
	return &Connections{b: newBounded[connSlot](capacity, shards)}
}

// Put inserts or overwrites the entry for id. Overwriting resets the byte
// counters to those of state.
func (c *Connections) Put(id uint64, state ConnState) bool {
	return c.b.insert(id, func(s *connSlot, _ bool) {
		s.start = state.Start
		s.ep = state.Endpoints
		s.sent.Store(state.BytesSent)
		s.recv.Store(state.BytesRecv)
	})
}

// IncrementSent adds n to the sent counter of an existing entry.
func (c *Connections) IncrementSent(id, n uint64) bool {
	return c.b.with(id, func(s *connSlot) { s.sent.Add(n) })
}

// IncrementReceived adds n to the received counter of an existing entry.
func (c *Connections) IncrementReceived(id, n uint64) bool {
	return c.b.with(id, func(s *connSlot) { s.recv.Add(n) })
}

// Get returns a snapshot without removing the entry.
func (c *Connections) Get(id uint64) (ConnState, bool) {
	var st ConnState
	ok := c.b.with(id, func(s *connSlot) { st = s.snapshot() })
	return st, ok
}

// TakeAndRemove reads and removes the entry in one step.
func (c *Connections) TakeAndRemove(id uint64) (ConnState, bool) {
	var st ConnState
	ok := c.b.take(id, func(s *connSlot) { st = s.snapshot() })
	return st, ok
}

func (c *Connections) Delete(id uint64) bool {
	return c.b.take(id, nil)
}

func (c *Connections) Len() int               { return c.b.len() }
func (c *Connections) Capacity() int          { return c.b.capacity() }
func (c *Connections) InsertFailures() uint64 { return c.b.insertFailures.Load() }
