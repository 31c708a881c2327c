package model

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"
)

// EventKind is the kind tag carried by TCP records. Values must stay in sync
// with the kernel-side program.
type EventKind uint32

const (
	KindConnect EventKind = 0
	KindAccept  EventKind = 1
	KindClose   EventKind = 2
)

func (k EventKind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindAccept:
		return "accept"
	case KindClose:
		return "close"
	default:
		return "unknown"
	}
}

// Sizes of the fixed-layout records as they appear on the wire.
const (
	TCPEventSize     = 56
	SyscallEventSize = 40
)

// Endpoints holds the IPv4 address/port pair of a connection.
type Endpoints struct {
	SrcAddr [4]byte
	DstAddr [4]byte
	SrcPort uint16
	DstPort uint16
}

// EndpointsFrom builds Endpoints from two IPv4 address/port pairs. Non-IPv4
// addresses are left zeroed.
func EndpointsFrom(src, dst netip.AddrPort) Endpoints {
	var ep Endpoints
	if a := src.Addr().Unmap(); a.Is4() {
		ep.SrcAddr = a.As4()
		ep.SrcPort = src.Port()
	}
	if a := dst.Addr().Unmap(); a.Is4() {
		ep.DstAddr = a.As4()
		ep.DstPort = dst.Port()
	}
	return ep
}

func (e Endpoints) Src() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4(e.SrcAddr), e.SrcPort)
}

func (e Endpoints) Dst() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4(e.DstAddr), e.DstPort)
}

func (e Endpoints) IsZero() bool {
	return e == Endpoints{}
}

// TCPEvent is the fixed 56-byte TCP record.
type TCPEvent struct {
	Timestamp uint64
	Pid       uint32
	Tid       uint32
	Kind      EventKind
	Endpoints
	BytesSent uint64
	BytesRecv uint64
	Duration  uint64
}

// SyscallEvent is the fixed 40-byte syscall record.
type SyscallEvent struct {
	Timestamp uint64
	Pid       uint32
	Tid       uint32
	Syscall   uint64
	Duration  uint64
	RetVal    int64
}

func (e TCPEvent) MarshalBinary() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, TCPEventSize))
	if err := binary.Write(buf, binary.LittleEndian, e); err != nil {
		return nil, fmt.Errorf("encode tcp event: %w", err)
	}
	return buf.Bytes(), nil
}

func (e SyscallEvent) MarshalBinary() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, SyscallEventSize))
	if err := binary.Write(buf, binary.LittleEndian, e); err != nil {
		return nil, fmt.Errorf("encode syscall event: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeTCPEvent parses a raw ring buffer sample.
func DecodeTCPEvent(raw []byte) (TCPEvent, error) {
	var ev TCPEvent
	if len(raw) < TCPEventSize {
		return ev, fmt.Errorf("tcp event: short sample (%d < %d bytes)", len(raw), TCPEventSize)
	}
	if err := binary.Read(bytes.NewReader(raw[:TCPEventSize]), binary.LittleEndian, &ev); err != nil {
		return ev, fmt.Errorf("decode tcp event: %w", err)
	}
	return ev, nil
}

// DecodeSyscallEvent parses a raw ring buffer sample.
func DecodeSyscallEvent(raw []byte) (SyscallEvent, error) {
	var ev SyscallEvent
	if len(raw) < SyscallEventSize {
		return ev, fmt.Errorf("syscall event: short sample (%d < %d bytes)", len(raw), SyscallEventSize)
	}
	if err := binary.Read(bytes.NewReader(raw[:SyscallEventSize]), binary.LittleEndian, &ev); err != nil {
		return ev, fmt.Errorf("decode syscall event: %w", err)
	}
	return ev, nil
}

// EventType names a consumer-facing event.
type EventType string

const (
	EventConnect EventType = "connect"
	EventAccept  EventType = "accept"
	EventClose   EventType = "close"
	EventSyscall EventType = "syscall"
)

// Event is the decoded, consumer-facing form of a record.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Pid       uint32    `json:"pid"`
	Tid       uint32    `json:"tid"`
	Type      EventType `json:"type"`

	Src       string        `json:"src,omitempty"`
	Dst       string        `json:"dst,omitempty"`
	DestPort  uint16        `json:"dest_port,omitempty"`
	BytesSent uint64        `json:"bytes_sent,omitempty"`
	BytesRecv uint64        `json:"bytes_recv,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`

	Syscall uint64 `json:"syscall,omitempty"`
	RetVal  int64  `json:"ret,omitempty"`
}

func tcpType(k EventKind) EventType {
	switch k {
	case KindConnect:
		return EventConnect
	case KindAccept:
		return EventAccept
	case KindClose:
		return EventClose
	default:
		return EventType("unknown")
	}
}

// FromTCP converts a TCP record; ts is the record timestamp already mapped to
// wall-clock time.
func FromTCP(re TCPEvent, ts time.Time) Event {
	ev := Event{
		Timestamp: ts,
		Pid:       re.Pid,
		Tid:       re.Tid,
		Type:      tcpType(re.Kind),
		BytesSent: re.BytesSent,
		BytesRecv: re.BytesRecv,
		Duration:  time.Duration(re.Duration),
	}
	if !re.Endpoints.IsZero() {
		ev.Src = re.Src().String()
		ev.Dst = re.Dst().String()
		ev.DestPort = re.DstPort
	}
	return ev
}

// FromSyscall converts a syscall record.
func FromSyscall(re SyscallEvent, ts time.Time) Event {
	return Event{
		Timestamp: ts,
		Pid:       re.Pid,
		Tid:       re.Tid,
		Type:      EventSyscall,
		Duration:  time.Duration(re.Duration),
		Syscall:   re.Syscall,
		RetVal:    re.RetVal,
	}
}
