package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/VanDung-dev/eventnet/logging"
	"github.com/VanDung-dev/eventnet/metrics"
	"github.com/VanDung-dev/eventnet/network"
	"github.com/VanDung-dev/eventnet/transport"
	"github.com/VanDung-dev/eventnet/wire"
)

// ServerTopic is the watermill topic carrying to-server events.
const ServerTopic = "server"

// ErrNotRunning is returned by operations that need a started server.
var ErrNotRunning = errors.New("relay is not running")

const tracerName = "github.com/VanDung-dev/eventnet/relay"

// Config holds relay server configuration.
type Config struct {
	Listen           []string      `yaml:"listen" env:"LISTEN" envSeparator:","`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`
	Heartbeat        time.Duration `yaml:"heartbeat" env:"HEARTBEAT"`
	StaleTimeout     time.Duration `yaml:"stale_timeout" env:"STALE_TIMEOUT"`
	PruneInterval    time.Duration `yaml:"prune_interval" env:"PRUNE_INTERVAL"`
	PeerQueueSize    int           `yaml:"peer_queue_size" env:"PEER_QUEUE_SIZE"`
	MaxFrameSize     int           `yaml:"max_frame_size" env:"MAX_FRAME_SIZE"`
	ServerBuffer     int           `yaml:"server_buffer" env:"SERVER_BUFFER"`
	Auth             AuthConfig    `yaml:"auth" envPrefix:"AUTH_"`

	// TLS is used by tls, wss and grpcs listeners.
	TLS *tls.Config `yaml:"-" env:"-"`
}

// DefaultConfig returns a relay configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Listen:           []string{"tcp://0.0.0.0:7400"},
		HandshakeTimeout: 5 * time.Second,
		Heartbeat:        5 * time.Second,
		StaleTimeout:     30 * time.Second,
		PruneInterval:    10 * time.Second,
		PeerQueueSize:    1024,
		MaxFrameSize:     wire.MaxFrameSize,
		ServerBuffer:     1024,
	}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(log zerolog.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// Server routes event batches between registered sessions.
type Server struct {
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Metrics
	auth    *Authenticator
	table   *table
	batch   *wire.BatchCodec
	pubsub  *gochannel.GoChannel
	tracer  trace.Tracer

	mu        sync.Mutex
	running   bool
	listeners []transport.Listener
	cancel    context.CancelFunc
	group     *errgroup.Group
	conns     sync.WaitGroup
}

// NewServer creates a relay server. Call Start or Serve to begin listening.
func NewServer(cfg Config, opts ...ServerOption) *Server {
	def := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = def.Heartbeat
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = def.StaleTimeout
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = def.PruneInterval
	}
	if cfg.PeerQueueSize <= 0 {
		cfg.PeerQueueSize = def.PeerQueueSize
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = def.MaxFrameSize
	}
	if cfg.ServerBuffer <= 0 {
		cfg.ServerBuffer = def.ServerBuffer
	}

	s := &Server{
		cfg:    cfg,
		log:    logging.Component("relay"),
		auth:   NewAuthenticator(cfg.Auth),
		table:  newTable(),
		batch:  wire.NewBatchCodec(),
		tracer: otel.Tracer(tracerName),
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: int64(cfg.ServerBuffer),
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = metrics.Or(s.metrics)
	return s
}

// Start binds every configured address and begins accepting sessions.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("relay already running")
	}
	if len(s.cfg.Listen) == 0 {
		return errors.New("relay: no listen addresses configured")
	}

	opts := transport.Options{TLS: s.cfg.TLS, MaxFrameSize: s.cfg.MaxFrameSize}
	listeners := make([]transport.Listener, 0, len(s.cfg.Listen))
	for _, addr := range s.cfg.Listen {
		ln, err := transport.Listen(addr, opts)
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return &network.ConnectionError{Op: "listen", Address: addr, Err: err}
		}
		listeners = append(listeners, ln)
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	for _, ln := range listeners {
		g.Go(func() error {
			s.acceptLoop(gctx, ln)
			return nil
		})
	}
	g.Go(func() error {
		s.pruneLoop(gctx)
		return nil
	})

	s.listeners = listeners
	s.cancel = cancel
	s.group = g
	s.running = true

	s.log.Info().
		Strs("listen", s.addrs()).
		Bool("auth", s.auth.Enabled()).
		Msg("relay started")
	return nil
}

// Serve starts the server and blocks until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Stop closes all listeners and sessions and waits for their goroutines.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	listeners := s.listeners
	s.listeners = nil
	cancel := s.cancel
	g := s.group
	s.mu.Unlock()

	for _, ln := range listeners {
		if err := ln.Close(); err != nil {
			_ = err // G104: explicitly acknowledge during cleanup
		}
	}
	// Byes are flushed concurrently; each peer closes within byeGrace.
	peers := s.table.snapshot()
	for _, p := range peers {
		s.sendBye(p, wire.RejectShutdown)
	}
	for _, p := range peers {
		<-p.done
	}
	cancel()

	err := g.Wait()
	s.conns.Wait()
	s.log.Info().Msg("relay stopped")
	return err
}

// Close stops the server and releases the to-server pub/sub.
func (s *Server) Close() error {
	err := s.Stop()
	return errors.Join(err, s.pubsub.Close())
}

// Addrs returns the bound listener addresses.
func (s *Server) Addrs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addrs()
}

func (s *Server) addrs() []string {
	out := make([]string, 0, len(s.listeners))
	for _, ln := range s.listeners {
		out = append(out, ln.Addr())
	}
	return out
}

// Running reports whether the server has been started and not stopped.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Peers returns a snapshot of the registered sessions.
func (s *Server) Peers() []PeerInfo {
	peers := s.table.snapshot()
	out := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.info())
	}
	return out
}

// PeerCount returns the number of registered sessions.
func (s *Server) PeerCount() int {
	return s.table.len()
}

// ServerEvents subscribes to events sent with the to-server scope. The
// channel closes when ctx is done or the server is closed.
func (s *Server) ServerEvents(ctx context.Context) (<-chan network.RawEvent, error) {
	msgs, err := s.pubsub.Subscribe(ctx, ServerTopic)
	if err != nil {
		return nil, err
	}

	out := make(chan network.RawEvent, s.cfg.ServerBuffer)
	go func() {
		defer close(out)
		for msg := range msgs {
			events, err := s.batch.Decode(msg.Payload)
			msg.Ack()
			if err != nil {
				s.log.Error().Err(err).Msg("corrupt to-server message")
				continue
			}
			for _, ev := range events {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *Server) acceptLoop(ctx context.Context, ln transport.Listener) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, transport.ErrClosed) {
				s.log.Error().Err(err).Str("listener", ln.Addr()).Msg("accept failed")
			}
			return
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn runs one session from handshake to removal.
func (s *Server) handleConn(ctx context.Context, conn transport.Conn) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	p, err := s.handshake(ctx, conn)
	if err != nil {
		s.log.Debug().Err(err).Str("remote", conn.RemoteAddr()).Msg("handshake failed")
		_ = conn.Close()
		return
	}

	log := s.log.With().Stringer("node", p.id).Str("session", p.session).Logger()
	log.Info().Str("remote", conn.RemoteAddr()).Msg("peer registered")

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- p.writeLoop()
		p.close()
	}()

	s.readLoop(p)
	p.close()
	if err := <-writeErr; err != nil {
		log.Debug().Err(err).Msg("peer write failed")
	}

	if s.table.remove(p) {
		s.metrics.RelayConnections.Set(float64(s.table.len()))
	}
	p.setState(StateRemoved)
	log.Info().Msg("peer removed")
}

func (s *Server) handshake(ctx context.Context, conn transport.Conn) (*peer, error) {
	_, span := s.tracer.Start(ctx, "relay.handshake",
		trace.WithAttributes(attribute.String("remote", conn.RemoteAddr())))
	defer span.End()

	fail := func(reason string, err error) (*peer, error) {
		s.metrics.RecordHandshake(reason)
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		if frame, ferr := wire.ControlFrame(wire.KindReject, wire.Reject{Reason: reason, Message: err.Error()}); ferr == nil {
			_ = conn.Send(frame)
		}
		return nil, fmt.Errorf("%w: %v", network.ErrHandshake, err)
	}

	timer := time.AfterFunc(s.cfg.HandshakeTimeout, func() { _ = conn.Close() })
	frame, err := conn.Recv()
	if !timer.Stop() {
		s.metrics.RecordHandshake("timeout")
		return nil, fmt.Errorf("%w: timed out", network.ErrHandshake)
	}
	if err != nil {
		s.metrics.RecordHandshake("io")
		return nil, fmt.Errorf("%w: %v", network.ErrHandshake, err)
	}

	kind, body, err := wire.Unpack(frame)
	if err != nil {
		return fail(wire.RejectProtocol, err)
	}
	if kind != wire.KindHello {
		return fail(wire.RejectProtocol, fmt.Errorf("expected hello, got %s", kind))
	}
	var hello wire.Hello
	if err := wire.DecodeControl(kind, body, &hello); err != nil {
		return fail(wire.RejectProtocol, err)
	}
	if hello.Version != wire.ProtocolVersion {
		return fail(wire.RejectVersion, fmt.Errorf("unsupported protocol version %d", hello.Version))
	}
	if !hello.NodeID.Valid() {
		return fail(wire.RejectInvalidNode, network.ErrInvalidNodeID)
	}
	if err := s.auth.Validate(hello.Token, hello.NodeID); err != nil {
		return fail(wire.RejectAuth, err)
	}

	p := newPeer(hello.NodeID, conn, s.cfg.PeerQueueSize)
	span.SetAttributes(
		attribute.String("node.id", p.id.String()),
		attribute.String("session", p.session),
	)

	welcome, err := wire.ControlFrame(wire.KindWelcome, wire.Welcome{
		NodeID:    p.id,
		Session:   p.session,
		Heartbeat: s.cfg.Heartbeat.Milliseconds(),
	})
	if err != nil {
		return fail(wire.RejectProtocol, err)
	}

	// Registered before Welcome goes out, so anything routed to the peer
	// after the client sees Welcome is already queued behind it.
	prev := s.table.register(p)
	if err := conn.Send(welcome); err != nil {
		s.table.remove(p)
		if prev != nil {
			prev.close()
		}
		s.metrics.RecordHandshake("io")
		return nil, fmt.Errorf("%w: %v", network.ErrHandshake, err)
	}

	if prev != nil {
		s.log.Info().
			Stringer("node", p.id).
			Str("old_session", prev.session).
			Str("session", p.session).
			Msg("session replaced")
		s.sendBye(prev, wire.NoticeReplaced)
	}
	s.metrics.RelayConnections.Set(float64(s.table.len()))
	s.metrics.RecordHandshake("ok")
	return p, nil
}

func (s *Server) readLoop(p *peer) {
	for {
		frame, err := p.conn.Recv()
		if err != nil {
			return
		}
		p.touch()

		kind, body, err := wire.Unpack(frame)
		if err != nil {
			s.notify(p, wire.Notice{Code: wire.NoticeMalformed, Message: err.Error()})
			continue
		}

		switch kind {
		case wire.KindEvents:
			s.route(p, body)
		case wire.KindPing:
		case wire.KindBye:
			return
		default:
			s.notify(p, wire.Notice{Code: wire.NoticeMalformed, Message: "unexpected " + kind.String()})
		}
	}
}

// route fans one inbound batch out by scope. Each recipient gets its events
// in the order the sender submitted them.
func (s *Server) route(from *peer, body []byte) {
	start := time.Now()

	events, err := s.batch.Decode(body)
	if err != nil {
		s.metrics.RelayDropped.WithLabelValues(metrics.ReasonDecode).Inc()
		s.notify(from, wire.Notice{Code: wire.NoticeMalformed, Message: err.Error()})
		return
	}
	s.metrics.RelayBatchSize.Observe(float64(len(events)))

	var (
		perPeer      = make(map[*peer][]network.RawEvent)
		order        []*peer
		toServer     []network.RawEvent
		allBroadcast = true
		counts       = make(map[network.ScopeKind]int)
	)
	add := func(p *peer, ev network.RawEvent) {
		if _, ok := perPeer[p]; !ok {
			order = append(order, p)
		}
		perPeer[p] = append(perPeer[p], ev)
	}

	var others []*peer
	for _, p := range s.table.snapshot() {
		if p != from {
			others = append(others, p)
		}
	}

	for _, ev := range events {
		// The session identity is authoritative for the sender.
		ev.Metadata.Sender = from.id

		if err := ev.Scope.Validate(); err != nil {
			s.metrics.RelayDropped.WithLabelValues("invalid_scope").Inc()
			s.notify(from, wire.Notice{Code: wire.NoticeMalformed, Sequence: ev.Metadata.Sequence, Message: err.Error()})
			continue
		}
		counts[ev.Scope.Kind]++

		switch ev.Scope.Kind {
		case network.ScopeBroadcast:
			for _, p := range others {
				add(p, ev)
			}
		case network.ScopeTargeted:
			allBroadcast = false
			target := s.table.get(ev.Scope.Target)
			if target == nil {
				rerr := &network.RoutingError{Target: ev.Scope.Target, Sequence: ev.Metadata.Sequence, Err: network.ErrTargetUnknown}
				s.log.Debug().Err(rerr).Stringer("node", from.id).Msg("targeted event dropped")
				s.metrics.RelayDropped.WithLabelValues(metrics.ReasonTargetAbsent).Inc()
				s.notify(from, wire.Notice{
					Code:     wire.NoticeTargetUnknown,
					Target:   ev.Scope.Target,
					Sequence: ev.Metadata.Sequence,
					Message:  rerr.Error(),
				})
				continue
			}
			add(target, ev)
		case network.ScopeToServer:
			allBroadcast = false
			toServer = append(toServer, ev)
		}
	}

	var shared []byte
	for _, p := range order {
		frame := shared
		if frame == nil || !allBroadcast {
			frame, err = s.batch.EventsFrame(perPeer[p])
			if err != nil {
				s.log.Error().Err(err).Msg("encode routed batch")
				return
			}
			if allBroadcast {
				shared = frame
			}
		}
		if !p.enqueue(frame) {
			s.metrics.RelayDropped.WithLabelValues(metrics.ReasonQueueFull).Add(float64(len(perPeer[p])))
			s.log.Warn().Stringer("node", p.id).Int("events", len(perPeer[p])).Msg("peer queue full, dropping")
		}
	}

	if len(toServer) > 0 {
		s.publishToServer(from, toServer)
	}

	elapsed := time.Since(start)
	for kind, n := range counts {
		s.metrics.RecordRoute(kind.String(), n, elapsed)
	}
}

func (s *Server) publishToServer(from *peer, events []network.RawEvent) {
	payload, err := s.batch.Encode(events)
	if err != nil {
		s.log.Error().Err(err).Msg("encode to-server batch")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("sender", from.id.String())
	msg.Metadata.Set("session", from.session)
	msg.Metadata.Set("events", strconv.Itoa(len(events)))
	if err := s.pubsub.Publish(ServerTopic, msg); err != nil {
		s.log.Error().Err(err).Msg("publish to-server batch")
	}
}

func (s *Server) notify(p *peer, n wire.Notice) {
	frame, err := wire.ControlFrame(wire.KindNotice, n)
	if err != nil {
		return
	}
	p.enqueue(frame)
}

// sendBye ends p's session with a Bye written by its own writer.
func (s *Server) sendBye(p *peer, reason string) {
	frame, err := wire.ControlFrame(wire.KindBye, wire.Bye{Reason: reason})
	if err != nil {
		p.close()
		return
	}
	p.shutdown(frame)
}

// PruneStale closes registered sessions that have been silent for longer
// than StaleTimeout and returns how many were closed.
func (s *Server) PruneStale() int {
	cutoff := time.Now().Add(-s.cfg.StaleTimeout)
	stale := s.table.stale(cutoff)
	for _, p := range stale {
		s.log.Info().
			Stringer("node", p.id).
			Str("session", p.session).
			Time("last_seen", p.LastSeen()).
			Msg("pruning stale peer")
		s.sendBye(p, "stale")
		s.metrics.RelayPruned.Inc()
	}
	return len(stale)
}

// pruneLoop periodically removes stale peers.
func (s *Server) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.PruneStale()
		}
	}
}
