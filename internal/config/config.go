package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/your-org/ebpf-tracer/internal/emit"
	"github.com/your-org/ebpf-tracer/internal/table"
	"github.com/your-org/ebpf-tracer/internal/tracer"
)

type Rule struct {
	ID          string   `yaml:"id"`
	Description string   `yaml:"description"`
	EventTypes  []string `yaml:"event_types"`

	MinDuration time.Duration `yaml:"min_duration,omitempty"`
	MinDestPort *int          `yaml:"min_dest_port,omitempty"`
	MaxDestPort *int          `yaml:"max_dest_port,omitempty"`

	Syscalls   []uint64 `yaml:"syscalls,omitempty"`
	FailedOnly bool     `yaml:"failed_only,omitempty"`
}

// Tracer holds table capacities and queue sizes. The same capacities are
// applied to the kernel maps when a BPF object is loaded.
type Tracer struct {
	ConnectionTableSize int  `yaml:"connection_table_size"`
	SyscallTableSize    int  `yaml:"syscall_table_size"`
	ProcessCounterSize  int  `yaml:"process_counter_size"`
	SyscallCounterSize  int  `yaml:"syscall_counter_size"`
	Shards              int  `yaml:"shards"`
	CounterLanes        int  `yaml:"counter_lanes"`
	TCPQueueSize        int  `yaml:"tcp_queue_size"`
	SyscallQueueSize    int  `yaml:"syscall_queue_size"`
	TrackAccepted       bool `yaml:"track_accepted"`
	PerfBufferPages     int  `yaml:"perf_buffer_pages"`

	// TargetPID limits tracing to one process; 0 traces every process.
	TargetPID      uint32 `yaml:"target_pid"`
	EnableNetwork  bool   `yaml:"enable_network"`
	EnableSyscalls bool   `yaml:"enable_syscalls"`
	TrackInbound   bool   `yaml:"track_inbound"`
	TrackOutbound  bool   `yaml:"track_outbound"`
}

type Config struct {
	Tracer Tracer `yaml:"tracer"`
	Rules  []Rule `yaml:"rules"`
}

func Default() *Config {
	return &Config{
		Tracer: Tracer{
			ConnectionTableSize: table.DefaultConnections,
			SyscallTableSize:    table.DefaultPendingSyscalls,
			ProcessCounterSize:  table.DefaultProcessCounters,
			SyscallCounterSize:  table.DefaultSyscallCounters,
			Shards:              table.DefaultShards,
			TCPQueueSize:        emit.DefaultSize,
			SyscallQueueSize:    emit.DefaultSize,
			PerfBufferPages:     64,
			EnableNetwork:       true,
			EnableSyscalls:      true,
			TrackInbound:        true,
			TrackOutbound:       true,
		},
	}
}

// Load reads a YAML file on top of Default. Fields missing from the file
// keep their default value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	t := c.Tracer
	sizes := []struct {
		name  string
		value int
	}{
		{"connection_table_size", t.ConnectionTableSize},
		{"syscall_table_size", t.SyscallTableSize},
		{"process_counter_size", t.ProcessCounterSize},
		{"syscall_counter_size", t.SyscallCounterSize},
		{"shards", t.Shards},
		{"tcp_queue_size", t.TCPQueueSize},
		{"syscall_queue_size", t.SyscallQueueSize},
		{"perf_buffer_pages", t.PerfBufferPages},
	}
	for _, s := range sizes {
		if s.value <= 0 {
			return fmt.Errorf("tracer.%s must be positive, got %d", s.name, s.value)
		}
	}
	if t.CounterLanes < 0 {
		return fmt.Errorf("tracer.counter_lanes must not be negative, got %d", t.CounterLanes)
	}
	if !t.EnableNetwork && !t.EnableSyscalls {
		return fmt.Errorf("tracer: enable_network and enable_syscalls are both false")
	}
	for i := range c.Rules {
		if err := c.Rules[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the port bounds of a rule.
func (r *Rule) Validate() error {
	for _, p := range []struct {
		name string
		port *int
	}{
		{"min_dest_port", r.MinDestPort},
		{"max_dest_port", r.MaxDestPort},
	} {
		if p.port != nil && (*p.port < 0 || *p.port > math.MaxUint16) {
			return fmt.Errorf("rule %s: %s must be within 0-65535, got %d", r.ID, p.name, *p.port)
		}
	}
	if r.MinDestPort != nil && r.MaxDestPort != nil && *r.MinDestPort > *r.MaxDestPort {
		return fmt.Errorf("rule %s: min_dest_port %d is above max_dest_port %d", r.ID, *r.MinDestPort, *r.MaxDestPort)
	}
	return nil
}

// TracerConfig maps the file settings onto the in-process tracer.
func (c *Config) TracerConfig() tracer.Config {
	t := c.Tracer
	return tracer.Config{
		Connections:     t.ConnectionTableSize,
		PendingSyscalls: t.SyscallTableSize,
		ProcessCounters: t.ProcessCounterSize,
		SyscallCounters: t.SyscallCounterSize,
		Shards:          t.Shards,
		CounterLanes:    t.CounterLanes,
		TCPQueue:        t.TCPQueueSize,
		SyscallQueue:    t.SyscallQueueSize,
		TrackAccepted:   t.TrackAccepted,
	}
}
