package tracer

import (
	"github.com/your-org/ebpf-tracer/internal/model"
	"github.com/your-org/ebpf-tracer/internal/table"
)

// Syscalls holds the raw syscall enter/exit hooks.
type Syscalls struct {
	clock   Clock
	pending *table.Pending
	perNr   *table.Counters
	out     Emitter[model.SyscallEvent]
}

func NewSyscalls(clock Clock, pending *table.Pending, perNr *table.Counters, out Emitter[model.SyscallEvent]) *Syscalls {
	return &Syscalls{clock: clock, pending: pending, perNr: perNr, out: out}
}

func (s *Syscalls) Enter(h Hook, _ uint64) {
	s.pending.Begin(h.Tid(), s.clock.Now())
}

// Exit emits a syscall event only when the matching Enter was seen.
func (s *Syscalls) Exit(h Hook, nr uint64, ret int64) {
	start, ok := s.pending.EndAndRemove(h.Tid())
	if !ok {
		return
	}
	ts := s.clock.Now()
	s.out.Emit(model.SyscallEvent{
		Timestamp: ts,
		Pid:       h.Pid(),
		Tid:       h.Tid(),
		Syscall:   nr,
		Duration:  elapsed(ts, start),
		RetVal:    ret,
	})
	s.perNr.Increment(nr, h.Tid())
}
