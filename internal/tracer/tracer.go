// Package tracer implements the TCP and syscall hook handlers. Handlers run
// synchronously on the caller, touch at most one correlation entry and one
// counter, never block and never return errors: misses and full tables
// degrade to zero-filled or missing events.
package tracer

import (
	"github.com/your-org/ebpf-tracer/internal/emit"
	"github.com/your-org/ebpf-tracer/internal/model"
	"github.com/your-org/ebpf-tracer/internal/table"
)

// Config sizes the tables and rings owned by a Tracer.
type Config struct {
	Connections     int
	PendingSyscalls int
	ProcessCounters int
	SyscallCounters int
	Shards          int
	CounterLanes    int
	TCPQueue        int
	SyscallQueue    int
	TrackAccepted   bool
}

func DefaultConfig() Config {
	return Config{
		Connections:     table.DefaultConnections,
		PendingSyscalls: table.DefaultPendingSyscalls,
		ProcessCounters: table.DefaultProcessCounters,
		SyscallCounters: table.DefaultSyscallCounters,
		Shards:          table.DefaultShards,
		TCPQueue:        emit.DefaultSize,
		SyscallQueue:    emit.DefaultSize,
	}
}

// Tracer owns every piece of shared state of one observation session.
type Tracer struct {
	TCP      *TCP
	Syscalls *Syscalls

	conns      *table.Connections
	pending    *table.Pending
	perProcess *table.Counters
	perSyscall *table.Counters
	tcpOut     *emit.Ring[model.TCPEvent]
	sysOut     *emit.Ring[model.SyscallEvent]
}

func New(cfg Config, clock Clock) *Tracer {
	if clock == nil {
		clock = MonotonicClock{}
	}
	t := &Tracer{
		conns:      table.NewConnections(cfg.Connections, cfg.Shards),
		pending:    table.NewPending(cfg.PendingSyscalls, cfg.Shards),
		perProcess: table.NewCounters(cfg.ProcessCounters, cfg.Shards, cfg.CounterLanes),
		perSyscall: table.NewCounters(cfg.SyscallCounters, cfg.Shards, cfg.CounterLanes),
		tcpOut:     emit.NewRing[model.TCPEvent](cfg.TCPQueue),
		sysOut:     emit.NewRing[model.SyscallEvent](cfg.SyscallQueue),
	}
	t.TCP = NewTCP(clock, t.conns, t.perProcess, t.tcpOut, cfg.TrackAccepted)
	t.Syscalls = NewSyscalls(clock, t.pending, t.perSyscall, t.sysOut)
	return t
}

func (t *Tracer) TCPEvents() *emit.Ring[model.TCPEvent]         { return t.tcpOut }
func (t *Tracer) SyscallEvents() *emit.Ring[model.SyscallEvent] { return t.sysOut }

// ProcessConnections is the pid -> connect count store.
func (t *Tracer) ProcessConnections() *table.Counters { return t.perProcess }

// ActiveConnections is the number of connections opened and not yet closed
// or failed.
func (t *Tracer) ActiveConnections() int { return t.conns.Len() }

// SyscallInvocations is the syscall number -> completed call count store.
func (t *Tracer) SyscallInvocations() *table.Counters { return t.perSyscall }

// Stats is a point-in-time view of loss and occupancy.
type Stats struct {
	TCPEmitted     uint64
	TCPDropped     uint64
	SyscallEmitted uint64
	SyscallDropped uint64

	ConnEntries    int
	PendingEntries int

	ConnInsertFailures           uint64
	PendingInsertFailures        uint64
	ProcessCounterInsertFailures uint64
	SyscallCounterInsertFailures uint64
}

func (t *Tracer) Stats() Stats {
	return Stats{
		TCPEmitted:                   t.tcpOut.Emitted(),
		TCPDropped:                   t.tcpOut.Dropped(),
		SyscallEmitted:               t.sysOut.Emitted(),
		SyscallDropped:               t.sysOut.Dropped(),
		ConnEntries:                  t.conns.Len(),
		PendingEntries:               t.pending.Len(),
		ConnInsertFailures:           t.conns.InsertFailures(),
		PendingInsertFailures:        t.pending.InsertFailures(),
		ProcessCounterInsertFailures: t.perProcess.InsertFailures(),
		SyscallCounterInsertFailures: t.perSyscall.InsertFailures(),
	}
}
