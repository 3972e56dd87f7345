package eventbus

import (
	"errors"
	"slices"

	"github.com/VanDung-dev/eventnet/network"
)

// ErrInjectorFull is returned by Inject when the queue has no room left
// before the next Dispatch.
var ErrInjectorFull = errors.New("injector queue is full")

// DefaultInjectorCapacity is used when NewInjector gets a non-positive capacity.
const DefaultInjectorCapacity = 1024

type injection struct {
	meta    network.Metadata
	publish func(*network.Metadata)
}

// Injector is the narrow handle background network workers use to hand
// remote events to the bus. It can decode and enqueue, nothing else.
type Injector struct {
	bus   *Bus
	queue chan injection
}

// NewInjector registers a bounded injection queue drained by Dispatch.
func (b *Bus) NewInjector(capacity int) *Injector {
	if capacity <= 0 {
		capacity = DefaultInjectorCapacity
	}
	in := &Injector{bus: b, queue: make(chan injection, capacity)}

	b.netMu.Lock()
	b.injectors = append(b.injectors, in)
	b.netMu.Unlock()
	return in
}

// Inject resolves raw.TypeName, decodes the payload and queues the value for
// the next Dispatch. Resolution and decode failures return a
// *network.DeserializeError and leave the queue untouched.
func (in *Injector) Inject(raw network.RawEvent) error {
	b := in.bus

	b.netMu.RLock()
	nt, ok := b.netNames[raw.TypeName]
	b.netMu.RUnlock()
	if !ok {
		return &network.DeserializeError{TypeName: raw.TypeName, Err: network.ErrUnknownType}
	}

	publish, err := nt.decode(raw.Payload)
	if err != nil {
		return &network.DeserializeError{TypeName: raw.TypeName, Err: err}
	}

	select {
	case in.queue <- injection{meta: raw.Metadata, publish: publish}:
		return nil
	default:
		return ErrInjectorFull
	}
}

// Pending returns the number of injections waiting for Dispatch.
func (in *Injector) Pending() int {
	return len(in.queue)
}

// Close unregisters the injector. Queued injections are discarded.
func (in *Injector) Close() {
	b := in.bus
	b.netMu.Lock()
	b.injectors = slices.DeleteFunc(b.injectors, func(x *Injector) bool { return x == in })
	b.netMu.Unlock()
}
