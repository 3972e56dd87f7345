// Package transport provides reliable, ordered, message-framed connections
// between relay clients and the relay server.
//
// The address scheme selects the implementation:
//
//	tcp://host:port    length-prefixed frames over TCP
//	tls://host:port    length-prefixed frames over TLS
//	ws://host:port     WebSocket binary messages
//	wss://host:port    WebSocket over TLS
//	zmq://host:port    ZeroMQ ROUTER (relay) / DEALER (client)
//	grpc://host:port   gRPC bidirectional stream
//	grpcs://host:port  gRPC over TLS
//
// A bare host:port is treated as tcp.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/VanDung-dev/eventnet/wire"
)

var (
	ErrClosed            = errors.New("transport closed")
	ErrUnsupportedScheme = errors.New("unsupported address scheme")
)

// Conn carries whole frames in both directions. Send is safe for concurrent
// use; Recv must be called from one goroutine. Close unblocks both.
type Conn interface {
	Send(frame []byte) error
	Recv() ([]byte, error)
	Close() error
	RemoteAddr() string
}

// Listener accepts inbound Conns.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
	// Addr returns the bound address in the same scheme://host:port form
	// accepted by Dial.
	Addr() string
}

// Options tune dialing and listening.
type Options struct {
	// TLS is required by tls, wss and grpcs. Clients may leave it nil to use
	// a default config.
	TLS          *tls.Config
	MaxFrameSize int
	WriteTimeout time.Duration
	DialTimeout  time.Duration
	// Path is the HTTP path for WebSocket endpoints.
	Path string
}

func (o Options) withDefaults() Options {
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = wire.MaxFrameSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.Path == "" {
		o.Path = "/relay"
	}
	return o
}

// Endpoint is a parsed transport address.
type Endpoint struct {
	Scheme string
	Host   string // host:port
}

func (e Endpoint) String() string {
	return e.Scheme + "://" + e.Host
}

// Secure reports whether the scheme requires TLS.
func (e Endpoint) Secure() bool {
	switch e.Scheme {
	case "tls", "wss", "grpcs":
		return true
	}
	return false
}

// ParseEndpoint splits an address into scheme and host:port.
func ParseEndpoint(address string) (Endpoint, error) {
	if !strings.Contains(address, "://") {
		address = "tcp://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse address %q: %w", address, err)
	}
	if u.Host == "" {
		return Endpoint{}, fmt.Errorf("parse address %q: missing host", address)
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "tcp", "tls", "ws", "wss", "zmq", "grpc", "grpcs":
	default:
		return Endpoint{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return Endpoint{Scheme: scheme, Host: u.Host}, nil
}

// Dial connects to address.
func Dial(ctx context.Context, address string, opts Options) (Conn, error) {
	ep, err := ParseEndpoint(address)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	switch ep.Scheme {
	case "tcp", "tls":
		return dialStream(dialCtx, ep, opts)
	case "ws", "wss":
		return dialWebSocket(dialCtx, ep, opts)
	case "zmq":
		return dialZmq(dialCtx, ep, opts)
	case "grpc", "grpcs":
		return dialGRPC(dialCtx, ep, opts)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, ep.Scheme)
}

// Listen binds address.
func Listen(address string, opts Options) (Listener, error) {
	ep, err := ParseEndpoint(address)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	if ep.Secure() && opts.TLS == nil {
		return nil, fmt.Errorf("listen %s: tls config required", ep)
	}

	switch ep.Scheme {
	case "tcp", "tls":
		return listenStream(ep, opts)
	case "ws", "wss":
		return listenWebSocket(ep, opts)
	case "zmq":
		return listenZmq(ep, opts)
	case "grpc", "grpcs":
		return listenGRPC(ep, opts)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, ep.Scheme)
}

func clientTLS(ep Endpoint, cfg *tls.Config) *tls.Config {
	host := ep.Host
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	if cfg == nil {
		return &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	}
	cfg = cfg.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	return cfg
}

// acceptQueue hands connections from a server goroutine to Accept.
type acceptQueue struct {
	conns  chan Conn
	closed chan struct{}
}

func newAcceptQueue() *acceptQueue {
	return &acceptQueue{conns: make(chan Conn, 16), closed: make(chan struct{})}
}

func (q *acceptQueue) push(c Conn) bool {
	select {
	case q.conns <- c:
		return true
	case <-q.closed:
		return false
	}
}

func (q *acceptQueue) accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-q.conns:
		return c, nil
	case <-q.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
