package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/VanDung-dev/eventnet/eventbus"
	"github.com/VanDung-dev/eventnet/logging"
	"github.com/VanDung-dev/eventnet/metrics"
	"github.com/VanDung-dev/eventnet/network"
)

// Config sizes the bridge queues.
type Config struct {
	OutboundQueue      int           `yaml:"outbound_queue" env:"OUTBOUND_QUEUE"`
	InboundQueue       int           `yaml:"inbound_queue" env:"INBOUND_QUEUE"`
	ClockSkewTolerance time.Duration `yaml:"clock_skew_tolerance" env:"CLOCK_SKEW_TOLERANCE"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		OutboundQueue:      1024,
		InboundQueue:       eventbus.DefaultInjectorCapacity,
		ClockSkewTolerance: time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = def.OutboundQueue
	}
	if c.InboundQueue <= 0 {
		c.InboundQueue = def.InboundQueue
	}
	if c.ClockSkewTolerance <= 0 {
		c.ClockSkewTolerance = def.ClockSkewTolerance
	}
	return c
}

// Option configures a Bridge or a Service.
type Option func(*settings)

type settings struct {
	log     *zerolog.Logger
	metrics *metrics.Metrics
}

// WithLogger overrides the component logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *settings) { s.log = &log }
}

// WithMetrics records into m instead of the default registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

func applyOptions(component string, opts []Option) (zerolog.Logger, *metrics.Metrics) {
	var s settings
	for _, opt := range opts {
		opt(&s)
	}
	log := logging.Component(component)
	if s.log != nil {
		log = *s.log
	}
	return log, metrics.Or(s.metrics)
}

type pending struct {
	out  eventbus.Outbound
	meta network.Metadata
}

// Bridge moves networked events between a bus and a backend.
type Bridge struct {
	cfg      Config
	bus      *eventbus.Bus
	backend  network.Backend
	injector *eventbus.Injector
	queue    chan pending

	seq     atomic.Uint64
	running atomic.Bool
	closed  atomic.Bool

	seqMu    sync.Mutex
	lastSeen map[network.NodeID]uint64

	log     zerolog.Logger
	metrics *metrics.Metrics
}

var _ eventbus.Outbox = (*Bridge)(nil)

// New creates a bridge and attaches it to bus as its outbox. Workers do not
// run until Run is called.
func New(bus *eventbus.Bus, backend network.Backend, cfg Config, opts ...Option) *Bridge {
	cfg = cfg.withDefaults()
	log, m := applyOptions("bridge", opts)

	b := &Bridge{
		cfg:      cfg,
		bus:      bus,
		backend:  backend,
		injector: bus.NewInjector(cfg.InboundQueue),
		queue:    make(chan pending, cfg.OutboundQueue),
		lastSeen: make(map[network.NodeID]uint64),
		log:      log.With().Stringer("node", backend.NodeID()).Logger(),
		metrics:  m,
	}
	bus.Attach(b)
	return b
}

// Backend returns the backend the bridge forwards to.
func (b *Bridge) Backend() network.Backend { return b.backend }

// Submit stamps out and queues it for the outbound worker without blocking.
// A rejected submission still consumes a sequence number, so receivers see
// it as a gap.
func (b *Bridge) Submit(out eventbus.Outbound) error {
	if b.closed.Load() {
		b.metrics.RecordDrop(metrics.ReasonNoBackend)
		return &network.SendError{TypeName: out.TypeName, Err: network.ErrNoBackend}
	}

	meta := network.NewMetadata(b.backend.NodeID(), b.seq.Add(1))

	if b.backend.State() != network.StateConnected {
		b.metrics.RecordDrop(metrics.ReasonDisconnected)
		return &network.SendError{TypeName: out.TypeName, Err: network.ErrDisconnected}
	}

	select {
	case b.queue <- pending{out: out, meta: meta}:
		b.metrics.NetSubmitted.Inc()
		b.metrics.OutboundQueue.Set(float64(len(b.queue)))
		return nil
	default:
		b.metrics.RecordDrop(metrics.ReasonQueueFull)
		return &network.SendError{TypeName: out.TypeName, Err: network.ErrQueueFull}
	}
}

// Run drives the outbound and inbound workers until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return network.ErrAlreadyRunning
	}
	defer b.running.Store(false)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.outboundLoop(gctx) })
	g.Go(func() error { return b.inboundLoop(gctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Running reports whether Run is active.
func (b *Bridge) Running() bool { return b.running.Load() }

// Close detaches the bridge from the bus. Later networked publishes are
// delivered locally only; queued events are discarded.
func (b *Bridge) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.bus.Attach(nil)
	b.injector.Close()
}

func (b *Bridge) outboundLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p := <-b.queue:
			b.metrics.OutboundQueue.Set(float64(len(b.queue)))
			b.forward(p)
		}
	}
}

func (b *Bridge) forward(p pending) {
	payload, err := p.out.Encode()
	if err != nil {
		b.metrics.RecordDrop(metrics.ReasonEncode)
		b.log.Warn().Err(err).Str("type", p.out.TypeName).Msg("dropping event that failed to encode")
		return
	}

	raw := network.RawEvent{
		Metadata: p.meta,
		Scope:    p.out.Scope,
		TypeName: p.out.TypeName,
		Payload:  payload,
	}
	if err := b.backend.Send(raw); err != nil {
		reason := metrics.ReasonSendFailed
		switch {
		case errors.Is(err, network.ErrQueueFull):
			reason = metrics.ReasonQueueFull
		case errors.Is(err, network.ErrDisconnected):
			reason = metrics.ReasonDisconnected
		}
		b.metrics.RecordDrop(reason)
		b.log.Debug().
			Err(err).
			Str("type", raw.TypeName).
			Uint64("seq", raw.Metadata.Sequence).
			Msg("backend refused event")
	}
}

func (b *Bridge) inboundLoop(ctx context.Context) error {
	recv := b.backend.Receive()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-recv:
			if !ok {
				return nil
			}
			b.deliver(raw)
		}
	}
}

func (b *Bridge) deliver(raw network.RawEvent) {
	b.metrics.NetReceived.Inc()
	b.trackSequence(raw.Metadata)

	if skew := raw.Metadata.Skew(time.Now()); skew > b.cfg.ClockSkewTolerance || -skew > b.cfg.ClockSkewTolerance {
		b.log.Warn().
			Stringer("sender", raw.Metadata.Sender).
			Dur("skew", skew).
			Msg("sender clock outside tolerance")
	}

	err := b.injector.Inject(raw)
	if err == nil {
		return
	}

	var de *network.DeserializeError
	switch {
	case errors.As(err, &de):
		reason := metrics.ReasonDecode
		if errors.Is(err, network.ErrUnknownType) {
			reason = metrics.ReasonUnknownType
		}
		b.metrics.RecordDrop(reason)
		b.log.Warn().
			Err(err).
			Stringer("sender", raw.Metadata.Sender).
			Uint64("seq", raw.Metadata.Sequence).
			Msg("dropping inbound event")
	case errors.Is(err, eventbus.ErrInjectorFull):
		b.metrics.RecordDrop(metrics.ReasonInboundFull)
		b.log.Debug().Str("type", raw.TypeName).Msg("injector full, inbound event dropped")
	default:
		b.log.Error().Err(err).Msg("inject failed")
	}
}

// trackSequence counts missing sequence numbers per sender. A sequence at or
// below the last one seen means the sender restarted; tracking starts over.
func (b *Bridge) trackSequence(meta network.Metadata) {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()

	last, seen := b.lastSeen[meta.Sender]
	b.lastSeen[meta.Sender] = meta.Sequence
	switch {
	case !seen:
	case meta.Sequence > last+1:
		missing := meta.Sequence - last - 1
		b.metrics.SequenceGaps.Add(float64(missing))
		b.log.Debug().
			Stringer("sender", meta.Sender).
			Uint64("expected", last+1).
			Uint64("got", meta.Sequence).
			Msg("sequence gap")
	case meta.Sequence <= last:
		b.log.Debug().
			Stringer("sender", meta.Sender).
			Uint64("seq", meta.Sequence).
			Msg("sender sequence restarted")
	}
}

// LastSequence returns the last sequence number received from sender.
func (b *Bridge) LastSequence(sender network.NodeID) (uint64, bool) {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	seq, ok := b.lastSeen[sender]
	return seq, ok
}
