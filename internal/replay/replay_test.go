package replay

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/your-org/ebpf-tracer/internal/config"
	"github.com/your-org/ebpf-tracer/internal/model"
	"github.com/your-org/ebpf-tracer/internal/tracer"
)

func newDriver(t *testing.T) (*Driver, *tracer.Tracer) {
	t.Helper()
	clock := &Clock{}
	tr := tracer.New(tracer.DefaultConfig(), clock)
	return NewDriver(tr, clock, zaptest.NewLogger(t)), tr
}

func drainTCP(tr *tracer.Tracer) []model.TCPEvent {
	var out []model.TCPEvent
	for tr.TCPEvents().Len() > 0 {
		out = append(out, <-tr.TCPEvents().C())
	}
	return out
}

func TestReplayConnectionLifecycle(t *testing.T) {
	d, tr := newDriver(t)
	script := `
# one outbound connection
{"ts":100,"pid":9,"tid":9,"hook":"connect","conn":7,"src":"10.0.0.1:40000","dst":"93.184.216.34:443"}
{"ts":110,"pid":9,"tid":9,"hook":"connect_return","conn":7,"ret":0}
{"ts":120,"pid":9,"tid":9,"hook":"send","conn":7,"size":500}
{"ts":130,"pid":9,"tid":9,"hook":"send","conn":7,"size":300}
{"ts":140,"pid":9,"tid":9,"hook":"recv","conn":7}
{"ts":141,"pid":9,"tid":9,"hook":"recv_return","conn":7,"ret":-11}
{"ts":250,"pid":9,"tid":9,"hook":"close","conn":7}
`
	n, err := d.Run(context.Background(), strings.NewReader(script))
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	events := drainTCP(tr)
	require.Len(t, events, 2)
	assert.Equal(t, model.KindConnect, events[0].Kind)
	assert.Equal(t, uint64(100), events[0].Timestamp)
	assert.True(t, events[0].Endpoints.IsZero())

	closed := events[1]
	assert.Equal(t, model.KindClose, closed.Kind)
	assert.Equal(t, uint64(250), closed.Timestamp)
	assert.Equal(t, uint64(150), closed.Duration)
	assert.Equal(t, uint64(800), closed.BytesSent)
	assert.Zero(t, closed.BytesRecv)
	assert.Equal(t, "93.184.216.34:443", closed.Dst().String())

	v, ok := tr.ProcessConnections().Value(9)
	require.True(t, ok)
	assert.Equal(t, uint64(1), v)
	assert.Zero(t, tr.Stats().ConnEntries)
}

func TestReplaySyscalls(t *testing.T) {
	d, tr := newDriver(t)
	script := `{"ts":10,"pid":1,"tid":2,"hook":"sys_enter","nr":0}
{"ts":15,"pid":1,"tid":2,"hook":"sys_exit","nr":0,"ret":-4}
{"ts":20,"pid":1,"tid":3,"hook":"sys_exit","nr":1,"ret":0}`

	n, err := d.Run(context.Background(), strings.NewReader(script))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.Equal(t, 1, tr.SyscallEvents().Len())
	ev := <-tr.SyscallEvents().C()
	assert.Equal(t, uint64(5), ev.Duration)
	assert.Equal(t, int64(-4), ev.RetVal)
	assert.Equal(t, uint32(2), ev.Tid)

	v, ok := tr.SyscallInvocations().Value(0)
	require.True(t, ok)
	assert.Equal(t, uint64(1), v)
	_, ok = tr.SyscallInvocations().Value(1)
	assert.False(t, ok)
}

func TestReplayErrors(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   string
	}{
		{"malformed json", `{"ts":1,`, "line 1: decode step"},
		{"unknown hook", "\n{\"ts\":1,\"hook\":\"fork\"}", `line 2: unknown hook "fork"`},
		{"bad address", `{"ts":1,"hook":"connect","conn":1,"dst":"nowhere"}`, "parse address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := newDriver(t)
			_, err := d.Run(context.Background(), strings.NewReader(tt.script))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestReplayStopsOnCancel(t *testing.T) {
	d, _ := newDriver(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := d.Run(ctx, strings.NewReader(`{"ts":1,"hook":"close","conn":1}`))
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)
}

func TestReplayExampleSession(t *testing.T) {
	f, err := os.Open("../../config/session.example.jsonl")
	require.NoError(t, err)
	defer f.Close()

	d, tr := newDriver(t)
	n, err := d.Run(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	events := drainTCP(tr)
	require.Len(t, events, 4)
	assert.Equal(t, uint64(800), events[1].BytesSent)
	assert.Equal(t, uint64(1200), events[1].BytesRecv)
	// The failed connect was forgotten, so its close carries nothing.
	assert.True(t, events[3].Endpoints.IsZero())
	assert.Zero(t, events[3].Duration)

	require.Equal(t, 1, tr.SyscallEvents().Len())
	ev := <-tr.SyscallEvents().C()
	assert.Equal(t, uint64(40), ev.Duration)
	assert.Equal(t, int64(-2), ev.RetVal)
}

func TestDetachedHooks(t *testing.T) {
	tc := config.Default().Tracer
	assert.Empty(t, DetachedBy(tc))

	tc.TrackOutbound = false
	tc.EnableSyscalls = false
	assert.ElementsMatch(t, []string{HookConnect, HookConnectReturn, HookSysEnter, HookSysExit}, DetachedBy(tc))

	d, tr := newDriver(t)
	d.Detach(DetachedBy(tc)...)
	script := `{"ts":100,"pid":1,"tid":1,"hook":"connect","conn":7}
{"ts":120,"pid":1,"tid":1,"hook":"send","conn":7,"size":500}
{"ts":130,"pid":1,"tid":1,"hook":"sys_enter","nr":0}
{"ts":140,"pid":1,"tid":1,"hook":"sys_exit","nr":0}
{"ts":250,"pid":1,"tid":1,"hook":"close","conn":7}`
	_, err := d.Run(context.Background(), strings.NewReader(script))
	require.NoError(t, err)

	events := drainTCP(tr)
	require.Len(t, events, 1)
	assert.Equal(t, model.KindClose, events[0].Kind)
	assert.Zero(t, events[0].BytesSent)
	assert.Zero(t, tr.SyscallEvents().Len())
}
