package eventbus

import (
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/VanDung-dev/eventnet/logging"
	"github.com/VanDung-dev/eventnet/metrics"
	"github.com/VanDung-dev/eventnet/network"
)

// channel is the type-erased capability the bus needs from every per-type
// channel. Element access happens only through typedChannel[E].
type channel interface {
	swap()
	pending() int
}

type buffered[E any] struct {
	event  E
	origin *network.Metadata
}

type typedChannel[E any] struct {
	mu    sync.Mutex
	front []buffered[E]
	back  []buffered[E]
}

func (c *typedChannel[E]) push(event E, origin *network.Metadata) {
	c.mu.Lock()
	c.front = append(c.front, buffered[E]{event: event, origin: origin})
	c.mu.Unlock()
}

// swap makes the front readable and recycles the old back as the new front.
func (c *typedChannel[E]) swap() {
	c.mu.Lock()
	clear(c.back)
	c.front, c.back = c.back[:0], c.front
	c.mu.Unlock()
}

func (c *typedChannel[E]) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.front)
}

func (c *typedChannel[E]) readable() []buffered[E] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.back[:len(c.back):len(c.back)]
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(log zerolog.Logger) Option {
	return func(b *Bus) { b.log = log }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithCodec sets the payload codec used for networked types.
func WithCodec(c network.Codec) Option {
	return func(b *Bus) { b.codec = c }
}

// Bus maps each event type to its double-buffered channel.
type Bus struct {
	mu       sync.RWMutex
	channels map[reflect.Type]channel

	netMu     sync.RWMutex
	netTypes  map[reflect.Type]*netType
	netNames  map[string]*netType
	outbox    Outbox
	injectors []*Injector

	codec       network.Codec
	remote      atomic.Pointer[network.Metadata]
	dispatching atomic.Bool
	tick        atomic.Uint64

	log     zerolog.Logger
	metrics *metrics.Metrics
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		channels: make(map[reflect.Type]channel),
		netTypes: make(map[reflect.Type]*netType),
		netNames: make(map[string]*netType),
		codec:    network.DefaultCodec,
		log:      logging.Component("eventbus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.metrics = metrics.Or(b.metrics)
	return b
}

func channelFor[E any](b *Bus) *typedChannel[E] {
	key := reflect.TypeFor[E]()

	b.mu.RLock()
	ch, ok := b.channels[key]
	b.mu.RUnlock()
	if ok {
		return ch.(*typedChannel[E])
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok = b.channels[key]; !ok {
		ch = &typedChannel[E]{}
		b.channels[key] = ch
	}
	return ch.(*typedChannel[E])
}

// Publish appends event to the front buffer of its type. It never fails.
func Publish[E any](b *Bus, event E) {
	channelFor[E](b).push(event, nil)
	b.metrics.EventsPublished.Inc()
}

// PendingOf returns how many events of type E are waiting for the next Dispatch.
func PendingOf[E any](b *Bus) int {
	return channelFor[E](b).pending()
}

// Dispatch injects queued remote events, then swaps every channel. It must
// be called exactly once per tick by the control loop.
func (b *Bus) Dispatch() {
	if !b.dispatching.CompareAndSwap(false, true) {
		panic("eventbus: overlapping Dispatch calls")
	}
	defer b.dispatching.Store(false)

	b.drainInjectors()

	b.mu.RLock()
	for _, ch := range b.channels {
		ch.swap()
	}
	b.mu.RUnlock()

	b.tick.Add(1)
	b.metrics.Dispatches.Inc()
}

// Tick returns the number of completed dispatches.
func (b *Bus) Tick() uint64 {
	return b.tick.Load()
}

// Channels returns the number of event types touched so far.
func (b *Bus) Channels() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels)
}

// RemoteMetadata returns the metadata of the remote event currently being
// injected. It is only set while Dispatch runs the injection publish path.
func (b *Bus) RemoteMetadata() (network.Metadata, bool) {
	md := b.remote.Load()
	if md == nil {
		return network.Metadata{}, false
	}
	return *md, true
}

func (b *Bus) drainInjectors() {
	b.netMu.RLock()
	injectors := slices.Clone(b.injectors)
	b.netMu.RUnlock()

	for _, in := range injectors {
		for n := len(in.queue); n > 0; n-- {
			inj := <-in.queue
			md := inj.meta
			b.remote.Store(&md)
			inj.publish(&md)
			b.remote.Store(nil)
			b.metrics.EventsInjected.Inc()
		}
	}
}
