// Package replay drives the hook handlers from a recorded script of hook
// invocations, one JSON object per line:
//
//	{"ts":100,"pid":1,"tid":1,"hook":"connect","conn":7,"dst":"10.0.0.2:443"}
//	{"ts":120,"pid":1,"tid":1,"hook":"send","conn":7,"size":500}
//	{"ts":250,"pid":1,"tid":1,"hook":"close","conn":7}
//
// Timestamps are monotonic nanoseconds and drive the tracer clock, so a
// replay is deterministic.
package replay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/netip"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/your-org/ebpf-tracer/internal/config"
	"github.com/your-org/ebpf-tracer/internal/model"
	"github.com/your-org/ebpf-tracer/internal/tracer"
)

// Hook names accepted in a script.
const (
	HookConnect       = "connect"
	HookConnectReturn = "connect_return"
	HookAccept        = "accept"
	HookSend          = "send"
	HookRecv          = "recv"
	HookRecvReturn    = "recv_return"
	HookClose         = "close"
	HookSysEnter      = "sys_enter"
	HookSysExit       = "sys_exit"
)

// Clock is set by the driver before each hook fires.
type Clock struct {
	ns atomic.Uint64
}

func (c *Clock) Now() uint64   { return c.ns.Load() }
func (c *Clock) Set(ns uint64) { c.ns.Store(ns) }

type Step struct {
	TS   uint64 `json:"ts"`
	Pid  uint32 `json:"pid"`
	Tid  uint32 `json:"tid"`
	Hook string `json:"hook"`

	Conn uint64 `json:"conn,omitempty"`
	Src  string `json:"src,omitempty"`
	Dst  string `json:"dst,omitempty"`
	Size int64  `json:"size,omitempty"`
	Ret  int64  `json:"ret,omitempty"`
	Nr   uint64 `json:"nr,omitempty"`
}

type Driver struct {
	tr       *tracer.Tracer
	clock    *Clock
	logger   *zap.Logger
	detached map[string]bool
}

// NewDriver expects tr to have been built with clock.
func NewDriver(tr *tracer.Tracer, clock *Clock, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{tr: tr, clock: clock, logger: logger, detached: map[string]bool{}}
}

// Detach makes steps for the named hooks no-ops, as if their probes were
// never attached.
func (d *Driver) Detach(hooks ...string) {
	for _, h := range hooks {
		d.detached[h] = true
	}
}

// DetachedBy lists the hooks a tracer config leaves unattached.
func DetachedBy(t config.Tracer) []string {
	var hooks []string
	if !t.EnableNetwork {
		hooks = append(hooks, HookConnect, HookConnectReturn, HookAccept,
			HookSend, HookRecv, HookRecvReturn, HookClose)
	} else {
		if !t.TrackOutbound {
			hooks = append(hooks, HookConnect, HookConnectReturn)
		}
		if !t.TrackInbound {
			hooks = append(hooks, HookAccept)
		}
	}
	if !t.EnableSyscalls {
		hooks = append(hooks, HookSysEnter, HookSysExit)
	}
	return hooks
}

// Run replays every step from r and returns how many hooks fired. Blank
// lines and lines starting with '#' are skipped.
func (d *Driver) Run(ctx context.Context, r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	n, line := 0, 0
	for sc.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return n, err
		}
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 || raw[0] == '#' {
			continue
		}

		var s Step
		if err := json.Unmarshal(raw, &s); err != nil {
			return n, fmt.Errorf("line %d: decode step: %w", line, err)
		}
		if err := d.Apply(s); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return n, fmt.Errorf("read script: %w", err)
	}
	d.logger.Info("replay finished", zap.Int("hooks", n))
	return n, nil
}

// Apply advances the clock to s.TS and fires one hook.
func (d *Driver) Apply(s Step) error {
	h := tracer.NewHook(s.Pid, s.Tid)

	var ep model.Endpoints
	if s.Hook == HookConnect || s.Hook == HookAccept {
		var err error
		if ep, err = endpoints(s.Src, s.Dst); err != nil {
			return err
		}
	}

	if d.detached[s.Hook] {
		return nil
	}
	d.clock.Set(s.TS)
	switch s.Hook {
	case HookConnect:
		d.tr.TCP.Connect(h, s.Conn, ep)
	case HookConnectReturn:
		d.tr.TCP.ConnectReturn(h, s.Conn, s.Ret)
	case HookAccept:
		d.tr.TCP.Accept(h, s.Conn, ep)
	case HookSend:
		d.tr.TCP.Send(h, s.Conn, s.Size)
	case HookRecv:
		d.tr.TCP.Receive(h, s.Conn)
	case HookRecvReturn:
		d.tr.TCP.ReceiveReturn(h, s.Conn, s.Ret)
	case HookClose:
		d.tr.TCP.Close(h, s.Conn)
	case HookSysEnter:
		d.tr.Syscalls.Enter(h, s.Nr)
	case HookSysExit:
		d.tr.Syscalls.Exit(h, s.Nr, s.Ret)
	default:
		return fmt.Errorf("unknown hook %q", s.Hook)
	}
	return nil
}

func endpoints(src, dst string) (model.Endpoints, error) {
	parse := func(s string) (netip.AddrPort, error) {
		if s == "" {
			return netip.AddrPort{}, nil
		}
		ap, err := netip.ParseAddrPort(s)
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("parse address %q: %w", s, err)
		}
		return ap, nil
	}
	s, err := parse(src)
	if err != nil {
		return model.Endpoints{}, err
	}
	d, err := parse(dst)
	if err != nil {
		return model.Endpoints{}, err
	}
	return model.EndpointsFrom(s, d), nil
}
