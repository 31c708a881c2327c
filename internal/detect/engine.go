package detect

import (
	"fmt"
	"strings"
	"time"

	"github.com/your-org/ebpf-tracer/internal/config"
	"github.com/your-org/ebpf-tracer/internal/model"
)

type Alert struct {
	Timestamp   time.Time       `json:"timestamp"`
	RuleID      string          `json:"rule_id"`
	Description string          `json:"description"`
	EventType   model.EventType `json:"event_type"`
	Event       model.Event     `json:"event"`
}

type compiledRule struct {
	id          string
	description string
	eventTypes  map[model.EventType]struct{}

	minDuration time.Duration
	minDestPort *int
	maxDestPort *int

	syscalls   map[uint64]struct{}
	failedOnly bool
}

type Engine struct {
	rules []*compiledRule
}

func NewEngine(cfg *config.Config) (*Engine, error) {
	var compiled []*compiledRule
	for _, r := range cfg.Rules {
		cr := &compiledRule{
			id:          r.ID,
			description: r.Description,
			eventTypes:  map[model.EventType]struct{}{},
			minDuration: r.MinDuration,
			minDestPort: r.MinDestPort,
			maxDestPort: r.MaxDestPort,
			failedOnly:  r.FailedOnly,
		}
		if cr.id == "" {
			return nil, fmt.Errorf("rule without id")
		}
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if len(r.EventTypes) == 0 {
			return nil, fmt.Errorf("rule %s has no event_types", r.ID)
		}
		for _, et := range r.EventTypes {
			switch t := model.EventType(strings.ToLower(et)); t {
			case model.EventConnect, model.EventAccept, model.EventClose, model.EventSyscall:
				cr.eventTypes[t] = struct{}{}
			default:
				return nil, fmt.Errorf("rule %s has unknown event_type %q", r.ID, et)
			}
		}
		if len(r.Syscalls) > 0 {
			cr.syscalls = make(map[uint64]struct{}, len(r.Syscalls))
			for _, nr := range r.Syscalls {
				cr.syscalls[nr] = struct{}{}
			}
		}
		compiled = append(compiled, cr)
	}
	return &Engine{rules: compiled}, nil
}

func (e *Engine) Evaluate(ev model.Event) []Alert {
	var alerts []Alert

	// Built-in heuristics
	alerts = append(alerts, builtinHeuristics(ev)...)

	// Configured rules
	for _, r := range e.rules {
		if _, ok := r.eventTypes[ev.Type]; !ok {
			continue
		}
		if ev.Duration < r.minDuration {
			continue
		}
		if r.minDestPort != nil && ev.DestPort < uint16(*r.minDestPort) {
			continue
		}
		if r.maxDestPort != nil && ev.DestPort > uint16(*r.maxDestPort) {
			continue
		}
		if r.syscalls != nil {
			if _, ok := r.syscalls[ev.Syscall]; !ok || ev.Type != model.EventSyscall {
				continue
			}
		}
		if r.failedOnly && ev.RetVal >= 0 {
			continue
		}

		alerts = append(alerts, newAlert(r.id, r.description, ev))
	}

	return alerts
}

func newAlert(id, description string, ev model.Event) Alert {
	return Alert{
		Timestamp:   time.Now().UTC(),
		RuleID:      id,
		Description: description,
		EventType:   ev.Type,
		Event:       ev,
	}
}

func builtinHeuristics(ev model.Event) []Alert {
	var alerts []Alert

	// Only close events carry addresses.
	if ev.Type == model.EventClose {
		switch ev.DestPort {
		case 3333, 4444, 5555, 7777:
			alerts = append(alerts, newAlert(
				"builtin_crypto_port",
				"Connection to a common crypto-miner port",
				ev,
			))
		}
	}

	return alerts
}
