package tracer

import (
	"github.com/your-org/ebpf-tracer/internal/model"
	"github.com/your-org/ebpf-tracer/internal/table"
)

// Emitter publishes a record without blocking and reports whether it was
// accepted.
type Emitter[T any] interface {
	Emit(rec T) bool
}

// TCP holds the connection lifecycle hooks. A connection moves
// absent -> pending (connect) -> established -> absent (close).
type TCP struct {
	clock         Clock
	conns         *table.Connections
	perProcess    *table.Counters
	out           Emitter[model.TCPEvent]
	trackAccepted bool
}

func NewTCP(clock Clock, conns *table.Connections, perProcess *table.Counters, out Emitter[model.TCPEvent], trackAccepted bool) *TCP {
	return &TCP{
		clock:         clock,
		conns:         conns,
		perProcess:    perProcess,
		out:           out,
		trackAccepted: trackAccepted,
	}
}

func (t *TCP) header(h Hook, ts uint64, kind model.EventKind) model.TCPEvent {
	return model.TCPEvent{
		Timestamp: ts,
		Pid:       h.Pid(),
		Tid:       h.Tid(),
		Kind:      kind,
	}
}

// Connect fires on an outbound connect attempt.
func (t *TCP) Connect(h Hook, id uint64, ep model.Endpoints) {
	ts := t.clock.Now()
	t.conns.Put(id, table.ConnState{Start: ts, Endpoints: ep})
	t.out.Emit(t.header(h, ts, model.KindConnect))
	t.perProcess.Increment(uint64(h.Pid()), h.Tid())
}

// ConnectReturn drops the pending entry of a failed connect so that a later
// close on a reused id cannot match it.
func (t *TCP) ConnectReturn(_ Hook, id uint64, ret int64) {
	if ret != 0 {
		t.conns.Delete(id)
	}
}

// Accept fires on an inbound connection. Accepted connections are only
// tracked for duration and bytes when trackAccepted is set.
func (t *TCP) Accept(h Hook, id uint64, ep model.Endpoints) {
	ts := t.clock.Now()
	if t.trackAccepted {
		t.conns.Put(id, table.ConnState{Start: ts, Endpoints: ep})
	}
	t.out.Emit(t.header(h, ts, model.KindAccept))
}

func (t *TCP) Send(_ Hook, id uint64, size int64) {
	if size < 0 {
		return
	}
	t.conns.IncrementSent(id, uint64(size))
}

// Receive is the entry side of a receive. Nothing is recorded until the
// return reports how many bytes arrived.
func (t *TCP) Receive(Hook, uint64) {}

func (t *TCP) ReceiveReturn(_ Hook, id uint64, ret int64) {
	if ret <= 0 {
		return
	}
	t.conns.IncrementReceived(id, uint64(ret))
}

// Close emits exactly one close event. Without a correlation entry the
// derived fields stay zero.
func (t *TCP) Close(h Hook, id uint64) {
	ts := t.clock.Now()
	ev := t.header(h, ts, model.KindClose)
	if st, ok := t.conns.TakeAndRemove(id); ok {
		ev.Duration = elapsed(ts, st.Start)
		ev.BytesSent = st.BytesSent
		ev.BytesRecv = st.BytesRecv
		ev.Endpoints = st.Endpoints
	}
	t.out.Emit(ev)
}
