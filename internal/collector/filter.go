package collector

import (
	"github.com/your-org/ebpf-tracer/internal/config"
	"github.com/your-org/ebpf-tracer/internal/model"
)

// Filter decides which records the collector consumes. The kernel source
// applies the same switches when choosing which probes to attach.
type Filter struct {
	TargetPID uint32 // 0 accepts every process
	Network   bool
	Syscalls  bool
	Inbound   bool
	Outbound  bool
}

// AcceptAll is the filter of an unrestricted session.
func AcceptAll() Filter {
	return Filter{Network: true, Syscalls: true, Inbound: true, Outbound: true}
}

func FilterFrom(t config.Tracer) Filter {
	return Filter{
		TargetPID: t.TargetPID,
		Network:   t.EnableNetwork,
		Syscalls:  t.EnableSyscalls,
		Inbound:   t.TrackInbound,
		Outbound:  t.TrackOutbound,
	}
}

func (f Filter) pid(pid uint32) bool {
	return f.TargetPID == 0 || f.TargetPID == pid
}

func (f Filter) TCP(re model.TCPEvent) bool {
	if !f.Network || !f.pid(re.Pid) {
		return false
	}
	switch re.Kind {
	case model.KindConnect:
		return f.Outbound
	case model.KindAccept:
		return f.Inbound
	}
	return true
}

func (f Filter) Syscall(re model.SyscallEvent) bool {
	return f.Syscalls && f.pid(re.Pid)
}
