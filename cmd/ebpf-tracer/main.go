package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/your-org/ebpf-tracer/internal/alerts"
	"github.com/your-org/ebpf-tracer/internal/collector"
	"github.com/your-org/ebpf-tracer/internal/config"
	"github.com/your-org/ebpf-tracer/internal/detect"
	"github.com/your-org/ebpf-tracer/internal/metrics"
	"github.com/your-org/ebpf-tracer/internal/replay"
	"github.com/your-org/ebpf-tracer/internal/timesync"
	"github.com/your-org/ebpf-tracer/internal/tracer"
)

type options struct {
	bpfObject  string
	configPath string
	promAddr   string
	alertFile  string
	replayPath string
	logLevel   string
}

func main() {
	var opts options

	rootCmd := &cobra.Command{
		Use:   "ebpf-tracer",
		Short: "Trace TCP connection lifecycles and syscall latency",
		Long: `ebpf-tracer correlates TCP connect, send, receive and close hooks into
connection records, times syscalls from entry to exit, keeps per-process and
per-syscall counters, and raises alerts from YAML rules.

Without --replay it loads the kernel object given by --bpf-object. With
--replay it drives the same handlers from a JSON-lines hook script.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&opts.bpfObject, "bpf-object", "./bpf/tracer.bpf.o", "Path to compiled eBPF object file")
	flags.StringVar(&opts.configPath, "config", "", "Path to YAML configuration (defaults apply when empty)")
	flags.StringVar(&opts.promAddr, "prom-addr", ":9100", "Address for Prometheus metrics (empty disables)")
	flags.StringVar(&opts.alertFile, "alert-file", "./alerts.jsonl", "Path to JSON lines alert file")
	flags.StringVar(&opts.replayPath, "replay", "", "Replay a JSON-lines hook script instead of loading the kernel object")
	flags.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	ctx, cancel := collector.WithSignalCancel(context.Background())
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func run(ctx context.Context, opts options) error {
	logger, err := newLogger(opts.logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	eng, err := detect.NewEngine(cfg)
	if err != nil {
		return fmt.Errorf("init detect engine: %w", err)
	}

	writer, err := alerts.NewFileWriter(opts.alertFile, logger)
	if err != nil {
		return fmt.Errorf("init alerts writer: %w", err)
	}
	defer writer.Close()

	var (
		clock    tracer.Clock
		scripted *replay.Clock
		conv     *timesync.Converter
	)
	if opts.replayPath != "" {
		scripted = &replay.Clock{}
		clock = scripted
		conv = timesync.NewConverterAt(time.Now())
	} else {
		if conv, err = timesync.NewConverter(); err != nil {
			return err
		}
	}
	tr := tracer.New(cfg.TracerConfig(), clock)

	src := metrics.Sources{
		Processes: tr.ProcessConnections(),
		Syscalls:  tr.SyscallInvocations(),
		Stats:     tr.Stats,
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	if opts.replayPath == "" {
		ks := collector.NewKernelSource(opts.bpfObject, cfg.Tracer, logger)
		if err := ks.Start(runCtx, tr.TCPEvents(), tr.SyscallEvents()); err != nil {
			return fmt.Errorf("start kernel source: %w", err)
		}
		defer func() {
			if err := ks.Close(); err != nil {
				logger.Warn("close kernel source", zap.Error(err))
			}
		}()
		// Kernel handlers count into BPF maps; the in-process stores stay empty.
		p, s := ks.Counters()
		if p != nil {
			src.Processes = p
		}
		if s != nil {
			src.Syscalls = s
		}
		src.Occupancy = ks.Occupancy
	}

	reg := prometheus.NewRegistry()
	metrics.Register(reg)
	reg.MustRegister(metrics.NewExporter(src))

	if opts.promAddr != "" {
		srv := serveMetrics(opts.promAddr, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx) //nolint:errcheck
		}()
	}

	coll := collector.New(logger, eng, writer, conv, collector.FilterFrom(cfg.Tracer))
	done := make(chan error, 1)
	go func() { done <- coll.Run(runCtx, tr.TCPEvents().C(), tr.SyscallEvents().C()) }()

	if opts.replayPath != "" {
		err := replayFile(runCtx, opts.replayPath, tr, scripted, cfg.Tracer, logger)
		stop()
		if cerr := <-done; cerr != nil {
			return cerr
		}
		logStats(logger, tr.Stats())
		return err
	}

	err = <-done
	logStats(logger, tr.Stats())
	return err
}

func replayFile(ctx context.Context, path string, tr *tracer.Tracer, clock *replay.Clock, tc config.Tracer, logger *zap.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open replay script: %w", err)
	}
	defer f.Close()

	d := replay.NewDriver(tr, clock, logger)
	d.Detach(replay.DetachedBy(tc)...)
	_, err = d.Run(ctx, f)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("prometheus metrics listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics HTTP server", zap.Error(err))
		}
	}()
	return srv
}

func logStats(logger *zap.Logger, s tracer.Stats) {
	logger.Info("tracer stats",
		zap.Uint64("tcp_emitted", s.TCPEmitted),
		zap.Uint64("tcp_dropped", s.TCPDropped),
		zap.Uint64("syscall_emitted", s.SyscallEmitted),
		zap.Uint64("syscall_dropped", s.SyscallDropped),
		zap.Int("conn_entries", s.ConnEntries),
		zap.Int("pending_entries", s.PendingEntries),
		zap.Uint64("conn_insert_failures", s.ConnInsertFailures),
		zap.Uint64("pending_insert_failures", s.PendingInsertFailures),
	)
}
