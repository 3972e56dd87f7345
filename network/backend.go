package network

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/VanDung-dev/eventnet/logging"
)

// ConnState is the connection state of a backend.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Backend is the uniform send/receive surface between the bridge and a
// network transport.
type Backend interface {
	// NodeID returns the local identity.
	NodeID() NodeID
	// Connect performs the handshake exchanging the local NodeID before any
	// event traffic flows.
	Connect(ctx context.Context, address string) error
	// Disconnect tears down the session and cancels background work.
	Disconnect() error
	// Send enqueues without blocking. It fails with ErrQueueFull or
	// ErrDisconnected.
	Send(ev RawEvent) error
	// Receive exposes the continuous inbound stream.
	Receive() <-chan RawEvent
	// State reports the current connection state.
	State() ConnState
}

// LocalOnly is a backend that never leaves the process. Networked events
// degrade to local-only delivery.
type LocalOnly struct {
	id   NodeID
	recv chan RawEvent
	log  zerolog.Logger

	mu        sync.Mutex
	connected bool
}

// NewLocalOnly creates a LocalOnly backend with the given identity.
func NewLocalOnly(id NodeID) *LocalOnly {
	return &LocalOnly{
		id:   id,
		recv: make(chan RawEvent),
		log:  logging.Component("network.local"),
	}
}

func (l *LocalOnly) NodeID() NodeID { return l.id }

// Connect always succeeds; there is no peer to handshake with.
func (l *LocalOnly) Connect(ctx context.Context, address string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = true
	return nil
}

func (l *LocalOnly) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = false
	return nil
}

// Send drops the event.
func (l *LocalOnly) Send(ev RawEvent) error {
	l.log.Debug().
		Str("type", ev.TypeName).
		Stringer("scope", ev.Scope).
		Uint64("seq", ev.Metadata.Sequence).
		Msg("local-only backend, networked event not sent")
	return nil
}

// Receive returns a stream that never yields.
func (l *LocalOnly) Receive() <-chan RawEvent { return l.recv }

func (l *LocalOnly) State() ConnState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connected {
		return StateConnected
	}
	return StateDisconnected
}
