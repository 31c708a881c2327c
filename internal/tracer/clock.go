package tracer

import (
	"golang.org/x/sys/unix"
)

// Clock returns monotonic nanoseconds.
type Clock interface {
	Now() uint64
}

// MonotonicClock reads CLOCK_MONOTONIC, the clock bpf_ktime_get_ns uses, so
// in-process and kernel-produced timestamps share an epoch.
type MonotonicClock struct{}

func (MonotonicClock) Now() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return uint64(ts.Nano())
}

// Hook identifies the invoking task: process id in the high 32 bits, thread
// id in the low 32 bits.
type Hook struct {
	PidTgid uint64
}

func NewHook(pid, tid uint32) Hook {
	return Hook{PidTgid: uint64(pid)<<32 | uint64(tid)}
}

func (h Hook) Pid() uint32 { return uint32(h.PidTgid >> 32) }
func (h Hook) Tid() uint32 { return uint32(h.PidTgid) }

func elapsed(now, start uint64) uint64 {
	if now < start {
		return 0
	}
	return now - start
}
