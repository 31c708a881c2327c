package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/your-org/ebpf-tracer/internal/tracer"
)

// CounterSource is a keyed counter store that can be read at any time
// without coordinating with its writers.
type CounterSource interface {
	Range(fn func(key, value uint64))
}

// StatsFunc returns the current loss and occupancy figures.
type StatsFunc func() tracer.Stats

// OccupancyFunc returns the live entries of the connection and pending
// syscall tables when they are held outside the process.
type OccupancyFunc func() (connections, pending int)

// Sources feeds an Exporter. Any field may be nil.
type Sources struct {
	Processes CounterSource
	Syscalls  CounterSource
	Stats     StatsFunc

	// Occupancy replaces the table figures of Stats. Insert failures are not
	// observable then and are not exported.
	Occupancy OccupancyFunc
}

// Exporter is a prometheus.Collector over the tracer counter stores. Every
// scrape takes a fresh, eventually consistent snapshot.
type Exporter struct {
	src Sources

	processConnections *prometheus.Desc
	syscallInvocations *prometheus.Desc
	emitDropped        *prometheus.Desc
	emitted            *prometheus.Desc
	insertFailures     *prometheus.Desc
	tableEntries       *prometheus.Desc
	activeConnections  *prometheus.Desc
}

func NewExporter(src Sources) *Exporter {
	return &Exporter{
		src: src,

		processConnections: prometheus.NewDesc(
			"ebpf_tracer_process_connections",
			"Outbound TCP connect attempts observed per process.",
			[]string{"pid"}, nil,
		),
		syscallInvocations: prometheus.NewDesc(
			"ebpf_tracer_syscall_invocations",
			"Completed syscalls observed per syscall number.",
			[]string{"nr"}, nil,
		),
		emitDropped: prometheus.NewDesc(
			"ebpf_tracer_emit_dropped_total",
			"Records dropped because the output queue was full.",
			[]string{"stream"}, nil,
		),
		emitted: prometheus.NewDesc(
			"ebpf_tracer_emitted_total",
			"Records accepted by the output queue.",
			[]string{"stream"}, nil,
		),
		insertFailures: prometheus.NewDesc(
			"ebpf_tracer_table_insert_failures_total",
			"Insertions refused because a table was full.",
			[]string{"table"}, nil,
		),
		tableEntries: prometheus.NewDesc(
			"ebpf_tracer_table_entries",
			"Entries currently held by a correlation table.",
			[]string{"table"}, nil,
		),
		activeConnections: prometheus.NewDesc(
			"ebpf_tracer_active_connections",
			"Connections opened and not yet closed.",
			nil, nil,
		),
	}
}

func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.processConnections
	ch <- e.syscallInvocations
	ch <- e.emitDropped
	ch <- e.emitted
	ch <- e.insertFailures
	ch <- e.tableEntries
	ch <- e.activeConnections
}

type sample struct{ key, value uint64 }

// snapshot copies a source out before anything is sent on the scrape
// channel, so table locks are never held while the registry is reading.
func snapshot(src CounterSource) []sample {
	if src == nil {
		return nil
	}
	var out []sample
	src.Range(func(key, value uint64) {
		out = append(out, sample{key, value})
	})
	return out
}

func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	for _, s := range snapshot(e.src.Processes) {
		ch <- prometheus.MustNewConstMetric(e.processConnections, prometheus.CounterValue,
			float64(s.value), strconv.FormatUint(s.key, 10))
	}
	for _, s := range snapshot(e.src.Syscalls) {
		ch <- prometheus.MustNewConstMetric(e.syscallInvocations, prometheus.CounterValue,
			float64(s.value), strconv.FormatUint(s.key, 10))
	}

	counter := func(d *prometheus.Desc, v uint64, label string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), label)
	}
	gauge := func(d *prometheus.Desc, v int, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), labels...)
	}

	var s tracer.Stats
	if e.src.Stats != nil {
		s = e.src.Stats()
		counter(e.emitDropped, s.TCPDropped, "tcp")
		counter(e.emitDropped, s.SyscallDropped, "syscall")
		counter(e.emitted, s.TCPEmitted, "tcp")
		counter(e.emitted, s.SyscallEmitted, "syscall")
	}

	switch {
	case e.src.Occupancy != nil:
		s.ConnEntries, s.PendingEntries = e.src.Occupancy()
	case e.src.Stats != nil:
		counter(e.insertFailures, s.ConnInsertFailures, "connections")
		counter(e.insertFailures, s.PendingInsertFailures, "pending_syscalls")
		counter(e.insertFailures, s.ProcessCounterInsertFailures, "process_counters")
		counter(e.insertFailures, s.SyscallCounterInsertFailures, "syscall_counters")
	default:
		return
	}

	gauge(e.tableEntries, s.ConnEntries, "connections")
	gauge(e.tableEntries, s.PendingEntries, "pending_syscalls")
	gauge(e.activeConnections, s.ConnEntries)
}
