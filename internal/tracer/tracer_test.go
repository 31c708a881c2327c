package tracer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/your-org/ebpf-tracer/internal/model"
)

type manualClock struct {
	ns atomic.Uint64
}

func (c *manualClock) Now() uint64   { return c.ns.Load() }
func (c *manualClock) Set(ns uint64) { c.ns.Store(ns) }

func newTestTracer(t *testing.T, mutate func(*Config)) (*Tracer, *manualClock) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Connections = 64
	cfg.PendingSyscalls = 64
	cfg.ProcessCounters = 16
	cfg.SyscallCounters = 16
	cfg.Shards = 4
	cfg.CounterLanes = 4
	cfg.TCPQueue = 1024
	cfg.SyscallQueue = 1024
	if mutate != nil {
		mutate(&cfg)
	}
	clk := &manualClock{}
	return New(cfg, clk), clk
}

func drainTCP(tr *Tracer) []model.TCPEvent {
	var out []model.TCPEvent
	for {
		select {
		case ev := <-tr.TCPEvents().C():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func drainSyscalls(tr *Tracer) []model.SyscallEvent {
	var out []model.SyscallEvent
	for {
		select {
		case ev := <-tr.SyscallEvents().C():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestHookIDs(t *testing.T) {
	h := NewHook(1234, 5678)
	assert.Equal(t, uint32(1234), h.Pid())
	assert.Equal(t, uint32(5678), h.Tid())
	assert.Equal(t, uint64(1234)<<32|5678, h.PidTgid)
}

func TestConnectSendClose(t *testing.T) {
	tr, clk := newTestTracer(t, nil)
	h := NewHook(10, 11)
	ep := model.Endpoints{SrcAddr: [4]byte{10, 0, 0, 1}, DstAddr: [4]byte{1, 1, 1, 1}, SrcPort: 40000, DstPort: 443}

	clk.Set(100)
	tr.TCP.Connect(h, 7, ep)
	tr.TCP.Send(h, 7, 500)
	tr.TCP.Send(h, 7, 300)
	clk.Set(250)
	tr.TCP.Close(h, 7)

	evs := drainTCP(tr)
	require.Len(t, evs, 2)

	assert.Equal(t, model.TCPEvent{Timestamp: 100, Pid: 10, Tid: 11, Kind: model.KindConnect}, evs[0])
	assert.Equal(t, model.TCPEvent{
		Timestamp: 250,
		Pid:       10,
		Tid:       11,
		Kind:      model.KindClose,
		Endpoints: ep,
		BytesSent: 800,
		BytesRecv: 0,
		Duration:  150,
	}, evs[1])

	n, ok := tr.ProcessConnections().Value(10)
	require.True(t, ok)
	assert.Equal(t, uint64(1), n)
	assert.Equal(t, 0, tr.Stats().ConnEntries)
}

func TestReceiveReturnCountsPositiveOnly(t *testing.T) {
	tr, clk := newTestTracer(t, nil)
	h := NewHook(1, 1)

	clk.Set(10)
	tr.TCP.Connect(h, 3, model.Endpoints{})
	tr.TCP.Receive(h, 3)
	tr.TCP.ReceiveReturn(h, 3, 120)
	tr.TCP.ReceiveReturn(h, 3, 0)
	tr.TCP.ReceiveReturn(h, 3, -11)
	tr.TCP.Send(h, 3, -5)
	clk.Set(20)
	tr.TCP.Close(h, 3)

	evs := drainTCP(tr)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(120), evs[1].BytesRecv)
	assert.Zero(t, evs[1].BytesSent)
}

func TestFailedConnectLeavesNoState(t *testing.T) {
	tr, clk := newTestTracer(t, nil)
	h := NewHook(1, 2)

	clk.Set(100)
	tr.TCP.Connect(h, 9, model.Endpoints{DstPort: 80})
	tr.TCP.ConnectReturn(h, 9, -111)
	tr.TCP.Send(h, 9, 50)
	clk.Set(400)
	tr.TCP.Close(h, 9)

	evs := drainTCP(tr)
	require.Len(t, evs, 2)
	closeEv := evs[1]
	assert.Equal(t, model.KindClose, closeEv.Kind)
	assert.Zero(t, closeEv.Duration)
	assert.Zero(t, closeEv.BytesSent)
	assert.Zero(t, closeEv.BytesRecv)
	assert.True(t, closeEv.Endpoints.IsZero())
}

func TestSuccessfulConnectReturnKeepsState(t *testing.T) {
	tr, clk := newTestTracer(t, nil)
	h := NewHook(1, 2)

	clk.Set(5)
	tr.TCP.Connect(h, 9, model.Endpoints{})
	tr.TCP.ConnectReturn(h, 9, 0)
	clk.Set(8)
	tr.TCP.Close(h, 9)

	evs := drainTCP(tr)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(3), evs[1].Duration)
}

func TestCloseWithoutConnectStillEmits(t *testing.T) {
	tr, clk := newTestTracer(t, nil)
	clk.Set(77)
	tr.TCP.Close(NewHook(4, 5), 1234)

	evs := drainTCP(tr)
	require.Len(t, evs, 1)
	assert.Equal(t, model.TCPEvent{Timestamp: 77, Pid: 4, Tid: 5, Kind: model.KindClose}, evs[0])
}

func TestAcceptAsymmetry(t *testing.T) {
	ep := model.Endpoints{SrcAddr: [4]byte{192, 168, 0, 1}, SrcPort: 8080}

	t.Run("untracked by default", func(t *testing.T) {
		tr, clk := newTestTracer(t, nil)
		h := NewHook(2, 2)
		clk.Set(10)
		tr.TCP.Accept(h, 5, ep)
		tr.TCP.Send(h, 5, 10)
		clk.Set(30)
		tr.TCP.Close(h, 5)

		evs := drainTCP(tr)
		require.Len(t, evs, 2)
		assert.Equal(t, model.KindAccept, evs[0].Kind)
		assert.Zero(t, evs[1].Duration)
		assert.Zero(t, evs[1].BytesSent)
		_, ok := tr.ProcessConnections().Value(2)
		assert.False(t, ok, "accept does not count as an outbound connection")
	})

	t.Run("tracked when enabled", func(t *testing.T) {
		tr, clk := newTestTracer(t, func(c *Config) { c.TrackAccepted = true })
		h := NewHook(2, 2)
		clk.Set(10)
		tr.TCP.Accept(h, 5, ep)
		tr.TCP.Send(h, 5, 10)
		clk.Set(30)
		tr.TCP.Close(h, 5)

		evs := drainTCP(tr)
		require.Len(t, evs, 2)
		assert.Equal(t, uint64(20), evs[1].Duration)
		assert.Equal(t, uint64(10), evs[1].BytesSent)
		assert.Equal(t, ep, evs[1].Endpoints)
	})
}

func TestConcurrentSendsSum(t *testing.T) {
	tr, clk := newTestTracer(t, nil)
	clk.Set(1)
	tr.TCP.Connect(NewHook(1, 1), 7, model.Endpoints{})

	const workers, per = 16, 500
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			h := NewHook(1, uint32(w))
			for i := 0; i < per; i++ {
				tr.TCP.Send(h, 7, 2)
				tr.TCP.ReceiveReturn(h, 7, 1)
			}
		}(w)
	}
	wg.Wait()
	tr.TCP.Close(NewHook(1, 1), 7)

	evs := drainTCP(tr)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(workers*per*2), evs[1].BytesSent)
	assert.Equal(t, uint64(workers*per), evs[1].BytesRecv)
}

func TestConnectionTableFullDegrades(t *testing.T) {
	tr, clk := newTestTracer(t, func(c *Config) { c.Connections = 1 })
	h := NewHook(1, 1)

	clk.Set(1)
	tr.TCP.Connect(h, 1, model.Endpoints{})
	tr.TCP.Connect(h, 2, model.Endpoints{})
	clk.Set(9)
	tr.TCP.Close(h, 2)
	tr.TCP.Close(h, 1)

	evs := drainTCP(tr)
	require.Len(t, evs, 4)
	assert.Zero(t, evs[2].Duration, "refused insert surfaces as a lookup miss")
	assert.Equal(t, uint64(8), evs[3].Duration)
	assert.Equal(t, uint64(1), tr.Stats().ConnInsertFailures)

	n, _ := tr.ProcessConnections().Value(1)
	assert.Equal(t, uint64(2), n)
}

func TestEmitDropIsCounted(t *testing.T) {
	tr, _ := newTestTracer(t, func(c *Config) { c.TCPQueue = 1 })
	h := NewHook(1, 1)

	tr.TCP.Close(h, 1)
	tr.TCP.Close(h, 2)

	st := tr.Stats()
	assert.Equal(t, uint64(1), st.TCPEmitted)
	assert.Equal(t, uint64(1), st.TCPDropped)
}

func TestSyscallEnterExit(t *testing.T) {
	tr, clk := newTestTracer(t, nil)
	h := NewHook(100, 101)

	clk.Set(1000)
	tr.Syscalls.Enter(h, 0)
	clk.Set(1600)
	tr.Syscalls.Exit(h, 0, 4096)

	evs := drainSyscalls(tr)
	require.Len(t, evs, 1)
	assert.Equal(t, model.SyscallEvent{Timestamp: 1600, Pid: 100, Tid: 101, Syscall: 0, Duration: 600, RetVal: 4096}, evs[0])

	n, ok := tr.SyscallInvocations().Value(0)
	require.True(t, ok)
	assert.Equal(t, uint64(1), n)
	assert.Equal(t, 0, tr.Stats().PendingEntries)
}

func TestSyscallExitWithoutEnter(t *testing.T) {
	tr, clk := newTestTracer(t, nil)
	clk.Set(50)
	tr.Syscalls.Exit(NewHook(1, 2), 59, -2)

	assert.Empty(t, drainSyscalls(tr))
	assert.Equal(t, 0, tr.SyscallInvocations().Len())
	assert.Zero(t, tr.Stats().SyscallEmitted)
}

func TestSyscallNegativeReturnAndLastEnterWins(t *testing.T) {
	tr, clk := newTestTracer(t, nil)
	h := NewHook(1, 2)

	clk.Set(10)
	tr.Syscalls.Enter(h, 1)
	clk.Set(40)
	tr.Syscalls.Enter(h, 1)
	clk.Set(45)
	tr.Syscalls.Exit(h, 1, -13)
	tr.Syscalls.Exit(h, 1, 0)

	evs := drainSyscalls(tr)
	require.Len(t, evs, 1)
	assert.Equal(t, uint64(5), evs[0].Duration)
	assert.Equal(t, int64(-13), evs[0].RetVal)
}

func TestSyscallCountersUnderConcurrency(t *testing.T) {
	tr, clk := newTestTracer(t, func(c *Config) { c.SyscallQueue = 1 })
	clk.Set(1)

	const workers, per = 16, 1000
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			h := NewHook(9, uint32(1000+w))
			for i := 0; i < per; i++ {
				tr.Syscalls.Enter(h, 3)
				tr.Syscalls.Exit(h, 3, 0)
			}
		}(w)
	}
	wg.Wait()

	n, ok := tr.SyscallInvocations().Value(3)
	require.True(t, ok)
	assert.Equal(t, uint64(workers*per), n, "counter updates do not depend on emission")
	st := tr.Stats()
	assert.Equal(t, uint64(workers*per), st.SyscallEmitted+st.SyscallDropped)
}

func TestMonotonicClockAdvances(t *testing.T) {
	var c MonotonicClock
	a := c.Now()
	b := c.Now()
	assert.NotZero(t, a)
	assert.GreaterOrEqual(t, b, a)
}
