package bus

import (
	"context"
	"sync"

	"github.com/zmlAEQ/Aequa-fhevm/pkg/metrics"
)

type Kind string

const (
	// KindTransition is published on every operation state change.
	KindTransition Kind = "transition"
	// KindTick carries the remaining permission-sync countdown.
	KindTick Kind = "tick"
	// KindOutcome is published once an operation reaches Completed or Failed.
	KindOutcome Kind = "outcome"
)

type Event struct {
	Kind    Kind
	OpID    string
	Seq     uint64
	Body    any
	TraceID string
}

type Subscriber <-chan Event

// Bus is a single-consumer event channel. Publishing never blocks; events are
// dropped when the buffer is full.
type Bus struct {
	pub       chan Event
	closeOnce sync.Once
}

func New(size int) *Bus {
	if size <= 0 {
		size = 128
	}
	return &Bus{pub: make(chan Event, size)}
}

func (b *Bus) Publish(_ context.Context, ev Event) {
	if b == nil {
		return
	}
	defer func() { _ = recover() }() // publish after Close
	select {
	case b.pub <- ev:
	default:
		metrics.Inc("bus_dropped_total", map[string]string{"kind": string(ev.Kind)})
	}
}

func (b *Bus) Subscribe() Subscriber { return b.pub }

// Close ends the subscription channel. Later publishes are ignored.
func (b *Bus) Close() { b.closeOnce.Do(func() { close(b.pub) }) }
