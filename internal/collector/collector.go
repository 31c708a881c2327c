package collector

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/your-org/ebpf-tracer/internal/detect"
	"github.com/your-org/ebpf-tracer/internal/metrics"
	"github.com/your-org/ebpf-tracer/internal/model"
	"github.com/your-org/ebpf-tracer/internal/timesync"
)

// AlertWriter persists alerts raised while consuming events.
type AlertWriter interface {
	Write(a detect.Alert) error
}

// Collector is the single consumer of the TCP and syscall rings. It turns
// records into events, counts them and runs them through the rule engine.
type Collector struct {
	logger *zap.Logger
	eng    *detect.Engine
	writer AlertWriter
	conv   *timesync.Converter
	filter Filter
}

func New(logger *zap.Logger, eng *detect.Engine, writer AlertWriter, conv *timesync.Converter, filter Filter) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{logger: logger, eng: eng, writer: writer, conv: conv, filter: filter}
}

// Run consumes until ctx is cancelled, then drains whatever is already
// queued and returns.
func (c *Collector) Run(ctx context.Context, tcp <-chan model.TCPEvent, sys <-chan model.SyscallEvent) error {
	c.logger.Info("collector started")
	for {
		select {
		case <-ctx.Done():
			n := c.drain(tcp, sys)
			c.logger.Info("collector stopped", zap.Int("drained", n))
			return nil
		case re := <-tcp:
			c.HandleTCP(re)
		case re := <-sys:
			c.HandleSyscall(re)
		}
	}
}

func (c *Collector) drain(tcp <-chan model.TCPEvent, sys <-chan model.SyscallEvent) int {
	n := 0
	for {
		select {
		case re := <-tcp:
			c.HandleTCP(re)
		case re := <-sys:
			c.HandleSyscall(re)
		default:
			return n
		}
		n++
	}
}

func (c *Collector) HandleTCP(re model.TCPEvent) {
	if !c.filter.TCP(re) {
		return
	}
	ev := model.FromTCP(re, c.conv.MonotonicToWallClock(re.Timestamp))
	if re.Kind == model.KindClose {
		metrics.ObserveClose(re.Pid, re.BytesSent, re.BytesRecv, ev.Duration)
	}
	c.handle(ev)
}

func (c *Collector) HandleSyscall(re model.SyscallEvent) {
	if !c.filter.Syscall(re) {
		return
	}
	ev := model.FromSyscall(re, c.conv.MonotonicToWallClock(re.Timestamp))
	metrics.ObserveSyscall(re.Syscall, ev.Duration)
	c.handle(ev)
}

func (c *Collector) handle(ev model.Event) {
	metrics.IncEvent(ev.Type)
	if ce := c.logger.Check(zap.DebugLevel, "event"); ce != nil {
		ce.Write(
			zap.String("type", string(ev.Type)),
			zap.Uint32("pid", ev.Pid),
			zap.Uint32("tid", ev.Tid),
			zap.String("dst", ev.Dst),
			zap.Uint64("bytes_sent", ev.BytesSent),
			zap.Uint64("bytes_recv", ev.BytesRecv),
			zap.Duration("duration", ev.Duration),
			zap.Uint64("syscall", ev.Syscall),
			zap.Int64("ret", ev.RetVal),
		)
	}

	for _, a := range c.eng.Evaluate(ev) {
		metrics.IncAlert(a.RuleID)
		if err := c.writer.Write(a); err != nil {
			c.logger.Warn("write alert", zap.String("rule", a.RuleID), zap.Error(err))
		}
	}
}

func WithSignalCancel(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(ch)
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
