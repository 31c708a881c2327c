// Package timesync maps CLOCK_MONOTONIC nanoseconds, as stamped on every
// record, to wall-clock time.
package timesync

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Converter handles conversion from monotonic timestamps to wall-clock time.
type Converter struct {
	bootTime time.Time
}

// NewConverter derives the monotonic epoch by sampling CLOCK_MONOTONIC and
// the wall clock back to back.
func NewConverter() (*Converter, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return nil, fmt.Errorf("clock_gettime(CLOCK_MONOTONIC): %w", err)
	}
	now := time.Now()
	return &Converter{bootTime: now.Add(-time.Duration(ts.Nano()))}, nil
}

// NewConverterAt uses a fixed epoch.
func NewConverterAt(bootTime time.Time) *Converter {
	return &Converter{bootTime: bootTime}
}

func (c *Converter) MonotonicToWallClock(monotonicNanos uint64) time.Time {
	return c.bootTime.Add(time.Duration(monotonicNanos))
}

func (c *Converter) BootTime() time.Time {
	return c.bootTime
}
