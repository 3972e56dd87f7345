package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/VanDung-dev/eventnet/wire"
)

// streamConn frames a net.Conn with wire length prefixes.
type streamConn struct {
	conn    net.Conn
	reader  *bufio.Reader
	maxSize int
	timeout time.Duration

	writeMu sync.Mutex
}

func newStreamConn(conn net.Conn, opts Options) *streamConn {
	return &streamConn{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		maxSize: opts.MaxFrameSize,
		timeout: opts.WriteTimeout,
	}
}

func (c *streamConn) Send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return mapNetErr(err)
	}
	return mapNetErr(wire.WriteFrame(c.conn, frame, c.maxSize))
}

func (c *streamConn) Recv() ([]byte, error) {
	frame, err := wire.ReadFrame(c.reader, c.maxSize)
	return frame, mapNetErr(err)
}

func (c *streamConn) Close() error {
	return c.conn.Close()
}

func (c *streamConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func mapNetErr(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return err
}

func dialStream(ctx context.Context, ep Endpoint, opts Options) (Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", ep.Host)
	if err != nil {
		return nil, err
	}
	if ep.Scheme == "tls" {
		tlsConn := tls.Client(conn, clientTLS(ep, opts.TLS))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
		conn = tlsConn
	}
	return newStreamConn(conn, opts), nil
}

type streamListener struct {
	ln     net.Listener
	scheme string
	opts   Options
	queue  *acceptQueue
	once   sync.Once
}

func listenStream(ep Endpoint, opts Options) (Listener, error) {
	ln, err := net.Listen("tcp", ep.Host)
	if err != nil {
		return nil, err
	}
	if ep.Scheme == "tls" {
		ln = tls.NewListener(ln, opts.TLS)
	}
	l := &streamListener{ln: ln, scheme: ep.Scheme, opts: opts, queue: newAcceptQueue()}
	go l.serve()
	return l, nil
}

func (l *streamListener) serve() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			_ = l.Close()
			return
		}
		if tc, ok := conn.(*tls.Conn); ok {
			go l.handshake(tc)
			continue
		}
		if !l.queue.push(newStreamConn(conn, l.opts)) {
			_ = conn.Close()
			return
		}
	}
}

// handshake completes TLS before the connection is handed to Accept, so a
// dialer never waits on a server that has not started reading yet.
func (l *streamListener) handshake(tc *tls.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), l.opts.DialTimeout)
	defer cancel()
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = tc.Close()
		return
	}
	if !l.queue.push(newStreamConn(tc, l.opts)) {
		_ = tc.Close()
	}
}

func (l *streamListener) Accept(ctx context.Context) (Conn, error) {
	return l.queue.accept(ctx)
}

func (l *streamListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.queue.closed)
		err = l.ln.Close()
	})
	return err
}

func (l *streamListener) Addr() string {
	return l.scheme + "://" + l.ln.Addr().String()
}
