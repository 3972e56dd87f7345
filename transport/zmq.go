package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-zeromq/zmq4"
	"github.com/oklog/ulid/v2"

	"github.com/VanDung-dev/eventnet/logging"
)

// ZeroMQ has no connection events. The relay side binds one ROUTER socket
// and demultiplexes by peer identity into virtual connections; a virtual
// connection exists from the first frame of an identity until it is closed.

type zmqDealerConn struct {
	sock    zmq4.Socket
	cancel  context.CancelFunc
	remote  string
	maxSize int
	once    sync.Once
	sendMu  sync.Mutex
}

func dialZmq(ctx context.Context, ep Endpoint, opts Options) (Conn, error) {
	sockCtx, cancel := context.WithCancel(context.Background())
	id := ulid.Make().String()
	sock := zmq4.NewDealer(sockCtx, zmq4.WithID(zmq4.SocketIdentity(id)))

	errc := make(chan error, 1)
	go func() { errc <- sock.Dial("tcp://" + ep.Host) }()

	select {
	case err := <-errc:
		if err != nil {
			cancel()
			_ = sock.Close()
			return nil, fmt.Errorf("failed to connect to %s: %w", ep, err)
		}
	case <-ctx.Done():
		cancel()
		_ = sock.Close()
		return nil, ctx.Err()
	}

	return &zmqDealerConn{sock: sock, cancel: cancel, remote: ep.Host, maxSize: opts.MaxFrameSize}, nil
}

func (c *zmqDealerConn) Send(frame []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.sock.Send(zmq4.NewMsg(frame)); err != nil {
		return zmqErr(err)
	}
	return nil
}

func (c *zmqDealerConn) Recv() ([]byte, error) {
	for {
		msg, err := c.sock.Recv()
		if err != nil {
			return nil, zmqErr(err)
		}
		if len(msg.Frames) == 0 {
			continue
		}
		frame := msg.Frames[len(msg.Frames)-1]
		if len(frame) > c.maxSize {
			continue
		}
		return frame, nil
	}
}

func (c *zmqDealerConn) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = c.sock.Close()
	})
	return err
}

func (c *zmqDealerConn) RemoteAddr() string { return c.remote }

func zmqErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return ErrClosed
	}
	return err
}

type zmqRouterListener struct {
	sock    zmq4.Socket
	cancel  context.CancelFunc
	addr    string
	maxSize int
	queue   *acceptQueue

	mu    sync.Mutex
	conns map[string]*zmqVirtualConn

	sendMu sync.Mutex
	once   sync.Once
}

func listenZmq(ep Endpoint, opts Options) (Listener, error) {
	ctx, cancel := context.WithCancel(context.Background())
	sock := zmq4.NewRouter(ctx, zmq4.WithID(zmq4.SocketIdentity("relay")))
	if err := sock.Listen("tcp://" + ep.Host); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to bind router: %w", err)
	}

	addr := ep.Host
	if a := sock.Addr(); a != nil {
		addr = a.String()
	}

	l := &zmqRouterListener{
		sock:    sock,
		cancel:  cancel,
		addr:    addr,
		maxSize: opts.MaxFrameSize,
		queue:   newAcceptQueue(),
		conns:   make(map[string]*zmqVirtualConn),
	}
	go l.receiverLoop()
	return l, nil
}

// receiverLoop continuously receives messages from the ROUTER socket and
// routes them to the virtual connection of their identity.
func (l *zmqRouterListener) receiverLoop() {
	log := logging.Component("transport.zmq")
	for {
		msg, err := l.sock.Recv()
		if err != nil {
			select {
			case <-l.queue.closed:
				return
			default:
			}
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Debug().Err(err).Msg("router receive failed")
			continue
		}
		if len(msg.Frames) < 2 {
			continue
		}
		identity := string(msg.Frames[0])
		frame := msg.Frames[len(msg.Frames)-1]
		if len(frame) > l.maxSize {
			log.Warn().Str("identity", identity).Int("size", len(frame)).Msg("dropping oversized frame")
			continue
		}

		l.mu.Lock()
		vc, ok := l.conns[identity]
		if !ok {
			vc = newZmqVirtualConn(l, identity)
			l.conns[identity] = vc
		}
		l.mu.Unlock()

		if !ok && !l.queue.push(vc) {
			return
		}
		vc.deliver(frame)
	}
}

func (l *zmqRouterListener) send(identity string, frame []byte) error {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	return zmqErr(l.sock.Send(zmq4.NewMsgFrom([]byte(identity), frame)))
}

func (l *zmqRouterListener) forget(vc *zmqVirtualConn) {
	l.mu.Lock()
	if l.conns[vc.identity] == vc {
		delete(l.conns, vc.identity)
	}
	l.mu.Unlock()
}

func (l *zmqRouterListener) Accept(ctx context.Context) (Conn, error) {
	return l.queue.accept(ctx)
}

func (l *zmqRouterListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.queue.closed)
		l.cancel()
		err = l.sock.Close()

		l.mu.Lock()
		conns := l.conns
		l.conns = make(map[string]*zmqVirtualConn)
		l.mu.Unlock()
		for _, vc := range conns {
			vc.shutdown()
		}
	})
	return err
}

func (l *zmqRouterListener) Addr() string {
	return "zmq://" + l.addr
}

// zmqVirtualInbox bounds frames buffered for one identity before the relay reads them.
const zmqVirtualInbox = 256

type zmqVirtualConn struct {
	l        *zmqRouterListener
	identity string
	inbox    chan []byte
	done     chan struct{}
	once     sync.Once
}

func newZmqVirtualConn(l *zmqRouterListener, identity string) *zmqVirtualConn {
	return &zmqVirtualConn{
		l:        l,
		identity: identity,
		inbox:    make(chan []byte, zmqVirtualInbox),
		done:     make(chan struct{}),
	}
}

func (c *zmqVirtualConn) deliver(frame []byte) {
	select {
	case c.inbox <- frame:
	case <-c.done:
	default:
		// Reader is stalled; drop rather than block every other identity.
	}
}

func (c *zmqVirtualConn) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.l.send(c.identity, frame)
}

func (c *zmqVirtualConn) Recv() ([]byte, error) {
	select {
	case frame := <-c.inbox:
		return frame, nil
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *zmqVirtualConn) shutdown() {
	c.once.Do(func() { close(c.done) })
}

func (c *zmqVirtualConn) Close() error {
	c.shutdown()
	c.l.forget(c)
	return nil
}

func (c *zmqVirtualConn) RemoteAddr() string {
	return "zmq:" + c.identity
}
