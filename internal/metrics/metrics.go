package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/your-org/ebpf-tracer/internal/model"
)

var (
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ebpf_tracer_events_total",
			Help: "Number of events consumed by the collector, labelled by type.",
		},
		[]string{"type"},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ebpf_tracer_alerts_total",
			Help: "Number of alerts raised, labelled by rule id.",
		},
		[]string{"rule_id"},
	)

	lostSamplesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ebpf_tracer_lost_samples_total",
			Help: "Samples lost between the kernel and the collector, labelled by stream.",
		},
		[]string{"stream"},
	)

	tcpBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ebpf_tracer_tcp_bytes_total",
			Help: "Bytes carried by closed TCP connections, labelled by pid and direction.",
		},
		[]string{"pid", "direction"},
	)

	tcpConnectionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ebpf_tracer_tcp_connection_duration_seconds",
			Help:    "Lifetime of closed TCP connections.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
	)

	syscallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ebpf_tracer_syscall_duration_seconds",
			Help:    "Time from syscall entry to exit, labelled by syscall number.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
		},
		[]string{"nr"},
	)

	decodeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ebpf_tracer_decode_errors_total",
			Help: "Raw samples that could not be decoded, labelled by stream.",
		},
		[]string{"stream"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		eventsTotal,
		alertsTotal,
		lostSamplesTotal,
		decodeErrorsTotal,
		tcpBytesTotal,
		tcpConnectionDuration,
		syscallDuration,
	)
}

func IncEvent(eventType model.EventType) {
	eventsTotal.WithLabelValues(string(eventType)).Inc()
}

func IncAlert(ruleID string) {
	alertsTotal.WithLabelValues(ruleID).Inc()
}

func AddLost(stream string, n uint64) {
	lostSamplesTotal.WithLabelValues(stream).Add(float64(n))
}

func IncDecodeError(stream string) {
	decodeErrorsTotal.WithLabelValues(stream).Inc()
}

// ObserveClose records the byte totals and lifetime of a closed connection.
// Closes without a correlation entry carry zero duration and are not
// observed in the histogram.
func ObserveClose(pid uint32, sent, recv uint64, d time.Duration) {
	p := strconv.FormatUint(uint64(pid), 10)
	if sent > 0 {
		tcpBytesTotal.WithLabelValues(p, "sent").Add(float64(sent))
	}
	if recv > 0 {
		tcpBytesTotal.WithLabelValues(p, "recv").Add(float64(recv))
	}
	if d > 0 {
		tcpConnectionDuration.Observe(d.Seconds())
	}
}

// TCPBytes is the byte counter of one pid and direction ("sent" or "recv").
func TCPBytes(pid uint32, direction string) prometheus.Counter {
	return tcpBytesTotal.WithLabelValues(strconv.FormatUint(uint64(pid), 10), direction)
}

func ObserveSyscall(nr uint64, d time.Duration) {
	syscallDuration.WithLabelValues(strconv.FormatUint(nr, 10)).Observe(d.Seconds())
}
