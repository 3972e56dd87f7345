package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

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

// ClientConfig configures the CentralRelay backend.
type ClientConfig struct {
	Token             string        `yaml:"token" env:"TOKEN"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	SendQueueSize     int           `yaml:"send_queue_size" env:"SEND_QUEUE_SIZE"`
	ReceiveQueueSize  int           `yaml:"receive_queue_size" env:"RECEIVE_QUEUE_SIZE"`
	MaxBatch          int           `yaml:"max_batch" env:"MAX_BATCH"`

	Transport transport.Options `yaml:"-" env:"-"`
}

// DefaultClientConfig returns client defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout:  5 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		SendQueueSize:     1024,
		ReceiveQueueSize:  4096,
		MaxBatch:          256,
	}
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the client logger.
func WithClientLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithClientMetrics sets the metrics sink.
func WithClientMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// Client is the CentralRelay network.Backend: every Send goes through one
// relay session. Delivery is at-most-once; nothing is resent.
type Client struct {
	id      network.NodeID
	cfg     ClientConfig
	log     zerolog.Logger
	metrics *metrics.Metrics
	batch   *wire.BatchCodec
	tracer  trace.Tracer

	recv    chan network.RawEvent
	notices chan wire.Notice

	state atomic.Int32

	mu   sync.Mutex
	sess *clientSession
}

var _ network.Backend = (*Client)(nil)

type clientSession struct {
	conn    transport.Conn
	address string
	send    chan network.RawEvent
	welcome wire.Welcome
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	once    sync.Once
	// closing is set by Disconnect; errors after it are expected.
	closing atomic.Bool
}

// NewClient creates a disconnected client with identity id.
func NewClient(id network.NodeID, cfg ClientConfig, opts ...ClientOption) *Client {
	def := DefaultClientConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	if cfg.ReceiveQueueSize <= 0 {
		cfg.ReceiveQueueSize = def.ReceiveQueueSize
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = def.MaxBatch
	}

	c := &Client{
		id:      id,
		cfg:     cfg,
		log:     logging.Component("relay.client").With().Stringer("node", id).Logger(),
		batch:   wire.NewBatchCodec(),
		tracer:  otel.Tracer(tracerName),
		recv:    make(chan network.RawEvent, cfg.ReceiveQueueSize),
		notices: make(chan wire.Notice, 64),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics = metrics.Or(c.metrics)
	return c
}

func (c *Client) NodeID() network.NodeID { return c.id }

func (c *Client) State() network.ConnState { return network.ConnState(c.state.Load()) }

func (c *Client) setState(s network.ConnState) {
	c.state.Store(int32(s))
	c.metrics.BackendState.Set(float64(s))
}

// Receive returns the inbound stream. It stays open across sessions.
func (c *Client) Receive() <-chan network.RawEvent { return c.recv }

// Notices returns non-fatal reports from the relay, such as unknown targets.
func (c *Client) Notices() <-chan wire.Notice { return c.notices }

// Session returns the relay-assigned id of the current session.
func (c *Client) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.welcome.Session
}

// Done returns a channel closed when the current session ends. With no
// session the channel is already closed.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.sess.done
}

// Err returns why the last session ended, or nil after a clean Disconnect.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil
	}
	select {
	case <-c.sess.done:
		return c.sess.err
	default:
		return nil
	}
}

// Connect dials address, sends Hello and waits for Welcome. On failure the
// client is left Disconnected and the error is a *network.ConnectionError.
func (c *Client) Connect(ctx context.Context, address string) (err error) {
	if !c.state.CompareAndSwap(int32(network.StateDisconnected), int32(network.StateConnecting)) {
		return &network.ConnectionError{Op: "connect", Address: address, Err: network.ErrAlreadyRunning}
	}
	c.metrics.BackendState.Set(float64(network.StateConnecting))

	ctx, span := c.tracer.Start(ctx, "relay.connect", trace.WithAttributes(
		attribute.String("address", address),
		attribute.String("node.id", c.id.String()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "connect failed")
			c.setState(network.StateDisconnected)
		}
		span.End()
	}()

	conn, err := transport.Dial(ctx, address, c.cfg.Transport)
	if err != nil {
		return &network.ConnectionError{Op: "dial", Address: address, Err: err}
	}

	welcome, err := c.handshake(conn)
	if err != nil {
		_ = conn.Close()
		return &network.ConnectionError{Op: "handshake", Address: address, Err: err}
	}
	span.SetAttributes(attribute.String("session", welcome.Session))

	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &clientSession{
		conn:    conn,
		address: address,
		send:    make(chan network.RawEvent, c.cfg.SendQueueSize),
		welcome: welcome,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	heartbeat := c.cfg.HeartbeatInterval
	if hb := time.Duration(welcome.Heartbeat) * time.Millisecond; hb > 0 && hb < heartbeat {
		heartbeat = hb
	}

	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
	c.setState(network.StateConnected)

	g, gctx := errgroup.WithContext(sessCtx)
	g.Go(func() error { return c.writeLoop(gctx, sess) })
	g.Go(func() error { return c.readLoop(sess) })
	g.Go(func() error { return c.heartbeatLoop(gctx, sess, heartbeat) })
	g.Go(func() error {
		<-gctx.Done()
		_ = conn.Close()
		return nil
	})

	go func() {
		werr := g.Wait()
		c.endSession(sess, werr)
	}()

	c.log.Info().
		Str("address", address).
		Str("session", welcome.Session).
		Msg("connected to relay")
	return nil
}

func (c *Client) handshake(conn transport.Conn) (wire.Welcome, error) {
	hello, err := wire.ControlFrame(wire.KindHello, wire.Hello{
		Version: wire.ProtocolVersion,
		NodeID:  c.id,
		Token:   c.cfg.Token,
	})
	if err != nil {
		return wire.Welcome{}, err
	}
	if err := conn.Send(hello); err != nil {
		return wire.Welcome{}, err
	}

	timer := time.AfterFunc(c.cfg.HandshakeTimeout, func() { _ = conn.Close() })
	defer timer.Stop()

	frame, err := conn.Recv()
	if err != nil {
		return wire.Welcome{}, fmt.Errorf("%w: %v", network.ErrHandshake, err)
	}
	kind, body, err := wire.Unpack(frame)
	if err != nil {
		return wire.Welcome{}, fmt.Errorf("%w: %v", network.ErrHandshake, err)
	}

	switch kind {
	case wire.KindWelcome:
		var w wire.Welcome
		if err := wire.DecodeControl(kind, body, &w); err != nil {
			return wire.Welcome{}, fmt.Errorf("%w: %v", network.ErrHandshake, err)
		}
		return w, nil
	case wire.KindReject:
		var r wire.Reject
		if err := wire.DecodeControl(kind, body, &r); err != nil {
			return wire.Welcome{}, fmt.Errorf("%w: %v", network.ErrHandshake, err)
		}
		return wire.Welcome{}, &RejectError{Reason: r.Reason, Message: r.Message}
	default:
		return wire.Welcome{}, fmt.Errorf("%w: unexpected %s frame", network.ErrHandshake, kind)
	}
}

// RejectError is returned when the relay refuses the handshake.
type RejectError struct {
	Reason  string
	Message string
}

func (e *RejectError) Error() string {
	if e.Message == "" {
		return "relay rejected session: " + e.Reason
	}
	return fmt.Sprintf("relay rejected session: %s: %s", e.Reason, e.Message)
}

func (e *RejectError) Unwrap() error { return network.ErrHandshake }

// ByeError ends a session the relay closed on its side.
type ByeError struct {
	Reason string
}

func (e *ByeError) Error() string {
	return fmt.Sprintf("%v: relay closed session (%s)", network.ErrDisconnected, e.Reason)
}

func (e *ByeError) Unwrap() error { return network.ErrDisconnected }

// Disconnect ends the current session. Queued sends are abandoned.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		c.setState(network.StateDisconnected)
		return nil
	}

	select {
	case <-sess.done:
	default:
		sess.closing.Store(true)
		if frame, err := wire.ControlFrame(wire.KindBye, wire.Bye{Reason: "disconnect"}); err == nil {
			_ = sess.conn.Send(frame)
		}
		sess.cancel()
		<-sess.done
	}
	return nil
}

// Send queues ev for the current session without blocking.
func (c *Client) Send(ev network.RawEvent) error {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()

	if sess == nil || c.State() != network.StateConnected {
		return network.ErrDisconnected
	}
	select {
	case <-sess.done:
		return network.ErrDisconnected
	default:
	}

	select {
	case sess.send <- ev:
		return nil
	default:
		return network.ErrQueueFull
	}
}

func (c *Client) endSession(sess *clientSession, err error) {
	sess.once.Do(func() {
		sess.cancel()
		_ = sess.conn.Close()
		if sess.closing.Load() || errors.Is(err, context.Canceled) {
			err = nil
		}
		sess.err = err

		c.mu.Lock()
		current := c.sess == sess
		c.mu.Unlock()
		if current {
			c.setState(network.StateDisconnected)
		}
		close(sess.done)

		if err != nil {
			c.log.Warn().Err(err).Str("session", sess.welcome.Session).Msg("relay session ended")
		} else {
			c.log.Info().Str("session", sess.welcome.Session).Msg("relay session closed")
		}
	})
}

// Per-event and per-frame allowances for Arrow IPC framing around payload
// bytes when sizing a batch.
const (
	eventOverhead = 64
	batchOverhead = 4 << 10
)

func eventSize(ev network.RawEvent) int {
	return len(ev.Payload) + len(ev.TypeName) + eventOverhead
}

func (c *Client) frameLimit() int {
	if c.cfg.Transport.MaxFrameSize > 0 {
		return c.cfg.Transport.MaxFrameSize
	}
	return wire.MaxFrameSize
}

// writeLoop batches whatever is queued into Events frames that stay under
// the frame limit. An event that does not fit is held for the next batch.
func (c *Client) writeLoop(ctx context.Context, sess *clientSession) error {
	limit := c.frameLimit()
	batch := make([]network.RawEvent, 0, c.cfg.MaxBatch)
	var (
		held    network.RawEvent
		holding bool
	)
	for {
		if holding {
			batch = append(batch[:0], held)
			holding = false
		} else {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-sess.send:
				batch = append(batch[:0], ev)
			}
		}
		size := batchOverhead + eventSize(batch[0])
	drain:
		for len(batch) < c.cfg.MaxBatch {
			select {
			case ev := <-sess.send:
				if size+eventSize(ev) > limit {
					held, holding = ev, true
					break drain
				}
				batch = append(batch, ev)
				size += eventSize(ev)
			default:
				break drain
			}
		}

		if err := c.sendBatch(sess, batch, limit); err != nil {
			return err
		}
	}
}

// sendBatch encodes and writes batch, halving it while the encoded frame is
// over limit. A single event over limit is dropped; only a failed write ends
// the session.
func (c *Client) sendBatch(sess *clientSession, batch []network.RawEvent, limit int) error {
	frame, err := c.batch.EventsFrame(batch)
	if err != nil {
		c.log.Error().Err(err).Int("events", len(batch)).Msg("encode batch")
		c.metrics.NetDropped.WithLabelValues(metrics.ReasonSendFailed).Add(float64(len(batch)))
		return nil
	}
	if len(frame) > limit {
		if len(batch) == 1 {
			c.log.Warn().
				Str("type", batch[0].TypeName).
				Uint64("seq", batch[0].Metadata.Sequence).
				Int("bytes", len(frame)).
				Int("max", limit).
				Msg("dropping event larger than the frame limit")
			c.metrics.RecordDrop(metrics.ReasonSendFailed)
			return nil
		}
		half := len(batch) / 2
		if err := c.sendBatch(sess, batch[:half], limit); err != nil {
			return err
		}
		return c.sendBatch(sess, batch[half:], limit)
	}
	if err := sess.conn.Send(frame); err != nil {
		c.metrics.NetDropped.WithLabelValues(metrics.ReasonSendFailed).Add(float64(len(batch)))
		return fmt.Errorf("send batch: %w", err)
	}
	c.metrics.NetSent.Add(float64(len(batch)))
	return nil
}

func (c *Client) readLoop(sess *clientSession) error {
	for {
		frame, err := sess.conn.Recv()
		if err != nil {
			return err
		}
		kind, body, err := wire.Unpack(frame)
		if err != nil {
			c.log.Debug().Err(err).Msg("ignoring malformed frame")
			continue
		}

		switch kind {
		case wire.KindEvents:
			events, err := c.batch.Decode(body)
			if err != nil {
				c.metrics.RecordDrop(metrics.ReasonDecode)
				c.log.Warn().Err(err).Msg("dropping undecodable batch")
				continue
			}
			for _, ev := range events {
				select {
				case c.recv <- ev:
				default:
					c.metrics.RecordDrop(metrics.ReasonInboundFull)
				}
			}
		case wire.KindNotice:
			var n wire.Notice
			if err := wire.DecodeControl(kind, body, &n); err != nil {
				continue
			}
			c.log.Debug().Str("code", n.Code).Stringer("target", n.Target).Uint64("seq", n.Sequence).Msg("relay notice")
			select {
			case c.notices <- n:
			default:
			}
		case wire.KindBye, wire.KindReject:
			var b wire.Bye
			_ = wire.DecodeControl(kind, body, &b)
			return &ByeError{Reason: b.Reason}
		case wire.KindPing:
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, sess *clientSession, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-ticker.C:
			frame, err := wire.ControlFrame(wire.KindPing, wire.Ping{SentAt: t.UnixMilli()})
			if err != nil {
				return err
			}
			if err := sess.conn.Send(frame); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}
