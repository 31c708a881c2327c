package collector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"
	"github.com/cilium/ebpf/ringbuf"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/your-org/ebpf-tracer/internal/config"
	"github.com/your-org/ebpf-tracer/internal/metrics"
	"github.com/your-org/ebpf-tracer/internal/model"
	"github.com/your-org/ebpf-tracer/internal/tracer"
)

// Names the kernel-side object must use for its maps.
const (
	MapTCPEvents      = "tcp_events"
	MapSyscallEvents  = "syscall_events"
	MapTCPConnections = "tcp_connections"
	MapSyscallStart   = "syscall_start"
	MapTCPStats       = "tcp_stats"
	MapSyscallStats   = "syscall_stats"
)

type probeKind int

const (
	kprobe probeKind = iota
	kretprobe
	tracepoint
)

type probe struct {
	program  string
	kind     probeKind
	group    string // tracepoints only
	symbol   string
	required bool
}

var tcpProbes = []probe{
	{program: "trace_tcp_connect", kind: kprobe, symbol: "tcp_connect", required: true},
	{program: "trace_tcp_connect_return", kind: kretprobe, symbol: "tcp_v4_connect", required: true},
	{program: "trace_tcp_accept", kind: kprobe, symbol: "inet_csk_accept"},
	{program: "trace_tcp_close", kind: kprobe, symbol: "tcp_close", required: true},
	{program: "trace_tcp_sendmsg", kind: kprobe, symbol: "tcp_sendmsg"},
	{program: "trace_tcp_recvmsg", kind: kprobe, symbol: "tcp_recvmsg"},
	{program: "trace_tcp_recvmsg_return", kind: kretprobe, symbol: "tcp_recvmsg"},
}

var syscallProbes = []probe{
	{program: "trace_syscall_enter", kind: tracepoint, group: "raw_syscalls", symbol: "sys_enter"},
	{program: "trace_syscall_exit", kind: tracepoint, group: "raw_syscalls", symbol: "sys_exit"},
}

// KernelSource runs the kernel-side programs and feeds their records into
// the same rings the in-process tracer writes to.
type KernelSource struct {
	bpfObjectPath string
	cfg           config.Tracer
	logger        *zap.Logger

	coll    *ebpf.Collection
	links   []link.Link
	readers []interface{ Close() error }

	done     chan struct{}
	doneOnce sync.Once
	watchers sync.WaitGroup
}

// TargetPIDConstant is the read-only global an object may declare to filter
// by process in the kernel.
const TargetPIDConstant = "target_pid"

func NewKernelSource(bpfObjectPath string, cfg config.Tracer, logger *zap.Logger) *KernelSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KernelSource{
		bpfObjectPath: bpfObjectPath,
		cfg:           cfg,
		logger:        logger,
		done:          make(chan struct{}),
	}
}

// probes returns the TCP and syscall probes enabled by the config.
func (k *KernelSource) probes() (tcp, sys []probe) {
	if k.cfg.EnableNetwork {
		for _, p := range tcpProbes {
			switch p.program {
			case "trace_tcp_connect", "trace_tcp_connect_return":
				if !k.cfg.TrackOutbound {
					continue
				}
			case "trace_tcp_accept":
				if !k.cfg.TrackInbound {
					continue
				}
			}
			tcp = append(tcp, p)
		}
	}
	if k.cfg.EnableSyscalls {
		sys = syscallProbes
	}
	return tcp, sys
}

// Start loads and attaches the object and begins reading both event maps.
// Readers stop when ctx is cancelled or Close is called.
func (k *KernelSource) Start(ctx context.Context, tcpOut tracer.Emitter[model.TCPEvent], sysOut tracer.Emitter[model.SyscallEvent]) error {
	if err := raiseRlimit(); err != nil {
		return err
	}

	bpfPath, err := resolvePath(k.bpfObjectPath)
	if err != nil {
		return err
	}

	spec, err := ebpf.LoadCollectionSpec(bpfPath)
	if err != nil {
		return fmt.Errorf("load BPF spec from %s: %w", bpfPath, err)
	}
	k.applyCapacities(spec)
	k.applyTargetPID(spec)

	k.coll, err = ebpf.NewCollection(spec)
	if err != nil {
		return fmt.Errorf("create BPF collection: %w", err)
	}

	tcp, sys := k.probes()
	if _, ok := k.coll.Maps[MapSyscallEvents]; !ok {
		sys = nil
	}

	if err := k.attach(tcp); err != nil {
		return multierr.Append(err, k.Close())
	}
	if err := k.attach(sys); err != nil {
		return multierr.Append(err, k.Close())
	}

	if len(tcp) > 0 {
		if err := k.read(ctx, MapTCPEvents, "tcp", func(raw []byte) error {
			ev, err := model.DecodeTCPEvent(raw)
			if err == nil {
				tcpOut.Emit(ev)
			}
			return err
		}); err != nil {
			return multierr.Append(err, k.Close())
		}
	}
	if len(sys) > 0 {
		if err := k.read(ctx, MapSyscallEvents, "syscall", func(raw []byte) error {
			ev, err := model.DecodeSyscallEvent(raw)
			if err == nil {
				sysOut.Emit(ev)
			}
			return err
		}); err != nil {
			return multierr.Append(err, k.Close())
		}
	}

	k.logger.Info("kernel source started",
		zap.String("object", bpfPath),
		zap.Int("links", len(k.links)),
	)
	return nil
}

// applyTargetPID pushes the pid filter into the object when it declares the
// constant. Otherwise only the collector filters.
func (k *KernelSource) applyTargetPID(spec *ebpf.CollectionSpec) {
	if k.cfg.TargetPID == 0 {
		return
	}
	if err := spec.RewriteConstants(map[string]interface{}{TargetPIDConstant: k.cfg.TargetPID}); err != nil {
		k.logger.Info("object has no pid filter, filtering in the collector",
			zap.Uint32("target_pid", k.cfg.TargetPID), zap.Error(err))
	}
}

// applyCapacities sizes the kernel maps from config before they are created.
func (k *KernelSource) applyCapacities(spec *ebpf.CollectionSpec) {
	for name, size := range map[string]int{
		MapTCPConnections: k.cfg.ConnectionTableSize,
		MapSyscallStart:   k.cfg.SyscallTableSize,
		MapTCPStats:       k.cfg.ProcessCounterSize,
		MapSyscallStats:   k.cfg.SyscallCounterSize,
	} {
		if ms, ok := spec.Maps[name]; ok && size > 0 {
			ms.MaxEntries = uint32(size)
		}
	}
}

func (k *KernelSource) attach(probes []probe) error {
	for _, p := range probes {
		prog, ok := k.coll.Programs[p.program]
		if !ok {
			if p.required {
				return fmt.Errorf("BPF program '%s' not found", p.program)
			}
			k.logger.Warn("optional BPF program missing", zap.String("program", p.program))
			continue
		}

		var l link.Link
		var err error
		switch p.kind {
		case kprobe:
			l, err = link.Kprobe(p.symbol, prog, nil)
		case kretprobe:
			l, err = link.Kretprobe(p.symbol, prog, nil)
		case tracepoint:
			l, err = link.Tracepoint(p.group, p.symbol, prog, nil)
		}
		if err != nil {
			return fmt.Errorf("attach %s to %s: %w", p.program, p.symbol, err)
		}
		k.links = append(k.links, l)
	}
	return nil
}

type sample struct {
	raw  []byte
	lost uint64
}

// read starts a reader goroutine on an event map, which may be either a ring
// buffer or a perf event array.
func (k *KernelSource) read(ctx context.Context, mapName, stream string, handle func([]byte) error) error {
	m, ok := k.coll.Maps[mapName]
	if !ok {
		return fmt.Errorf("BPF map '%s' not found", mapName)
	}

	var next func() (sample, error)
	var closer interface{ Close() error }
	switch m.Type() {
	case ebpf.RingBuf:
		rd, err := ringbuf.NewReader(m)
		if err != nil {
			return fmt.Errorf("create ringbuf reader for %s: %w", mapName, err)
		}
		next = func() (sample, error) {
			rec, err := rd.Read()
			return sample{raw: rec.RawSample}, err
		}
		closer = rd
	case ebpf.PerfEventArray:
		rd, err := perf.NewReader(m, k.cfg.PerfBufferPages*os.Getpagesize())
		if err != nil {
			return fmt.Errorf("create perf reader for %s: %w", mapName, err)
		}
		next = func() (sample, error) {
			rec, err := rd.Read()
			return sample{raw: rec.RawSample, lost: rec.LostSamples}, err
		}
		closer = rd
	default:
		return fmt.Errorf("BPF map '%s' has unsupported type %s", mapName, m.Type())
	}
	k.readers = append(k.readers, closer)
	k.closeOnDone(ctx, closer)

	go func() {
		for {
			s, err := next()
			if err != nil {
				if ctx.Err() != nil || isClosed(err) {
					return
				}
				k.logger.Warn("event read error", zap.String("stream", stream), zap.Error(err))
				continue
			}
			if s.lost > 0 {
				metrics.AddLost(stream, s.lost)
				continue
			}
			if err := handle(s.raw); err != nil {
				metrics.IncDecodeError(stream)
				k.logger.Debug("decode raw event", zap.String("stream", stream), zap.Error(err))
			}
		}
	}()
	return nil
}

// closeOnDone closes c once ctx is cancelled or the source is closed.
func (k *KernelSource) closeOnDone(ctx context.Context, c interface{ Close() error }) {
	k.watchers.Add(1)
	go func() {
		defer k.watchers.Done()
		select {
		case <-ctx.Done():
		case <-k.done:
		}
		c.Close()
	}()
}

func isClosed(err error) bool {
	return errors.Is(err, os.ErrClosed) || errors.Is(err, ringbuf.ErrClosed) || errors.Is(err, perf.ErrClosed)
}

// Counters exposes the kernel counter maps to the exporter. Either value is
// nil when the object does not define the map.
func (k *KernelSource) Counters() (processes, syscalls metrics.CounterSource) {
	if k.coll == nil {
		return nil, nil
	}
	if m, ok := k.coll.Maps[MapTCPStats]; ok {
		processes = MapCounters{m: m, logger: k.logger}
	}
	if m, ok := k.coll.Maps[MapSyscallStats]; ok {
		syscalls = MapCounters{m: m, logger: k.logger}
	}
	return processes, syscalls
}

// Occupancy counts the live entries of the kernel correlation maps. A map
// the object does not define reads as zero.
func (k *KernelSource) Occupancy() (connections, pending int) {
	if k.coll == nil {
		return 0, 0
	}
	return k.mapLen(MapTCPConnections), k.mapLen(MapSyscallStart)
}

func (k *KernelSource) mapLen(name string) int {
	m, ok := k.coll.Maps[name]
	if !ok {
		return 0
	}
	return countEntries(m, k.logger)
}

func countEntries(m *ebpf.Map, logger *zap.Logger) int {
	key := make([]byte, m.KeySize())
	value := make([]byte, m.ValueSize())
	n := 0
	it := m.Iterate()
	for it.Next(key, value) {
		n++
	}
	if err := it.Err(); err != nil {
		logger.Debug("iterate map", zap.String("map", m.String()), zap.Error(err))
	}
	return n
}

// Close detaches every probe, stops the readers and unloads the object.
func (k *KernelSource) Close() error {
	k.doneOnce.Do(func() { close(k.done) })
	k.watchers.Wait()

	var err error
	for _, r := range k.readers {
		if cerr := r.Close(); cerr != nil && !isClosed(cerr) {
			err = multierr.Append(err, fmt.Errorf("close reader: %w", cerr))
		}
	}
	k.readers = nil
	for _, l := range k.links {
		if cerr := l.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close link: %w", cerr))
		}
	}
	k.links = nil
	if k.coll != nil {
		k.coll.Close()
		k.coll = nil
	}
	return err
}

// MapCounters reads a BPF hash map of u32 or u64 keys to u64 counts.
type MapCounters struct {
	m      *ebpf.Map
	logger *zap.Logger
}

func (c MapCounters) Range(fn func(key, value uint64)) {
	var value uint64
	it := c.m.Iterate()
	if c.m.KeySize() == 4 {
		var key uint32
		for it.Next(&key, &value) {
			fn(uint64(key), value)
		}
	} else {
		var key uint64
		for it.Next(&key, &value) {
			fn(key, value)
		}
	}
	if err := it.Err(); err != nil {
		c.logger.Debug("iterate counter map", zap.Error(err))
	}
}

func resolvePath(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	if _, err := os.Stat(p); err == nil {
		return p, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	return filepath.Join(filepath.Dir(exe), p), nil
}

func raiseRlimit() error {
	var r unix.Rlimit
	r.Cur = 1 << 30
	r.Max = 1 << 30
	if err := unix.Setrlimit(unix.RLIMIT_MEMLOCK, &r); err != nil {
		return fmt.Errorf("setrlimit RLIMIT_MEMLOCK: %w", err)
	}
	return nil
}
