package network

import (
	"errors"
	"fmt"
)

// Common errors for network operations
var (
	ErrNoBackend      = errors.New("no network backend attached")
	ErrQueueFull      = errors.New("outbound queue is full")
	ErrDisconnected   = errors.New("backend is disconnected")
	ErrUnknownType    = errors.New("unknown event type")
	ErrTargetUnknown  = errors.New("target node unknown")
	ErrInvalidScope   = errors.New("invalid scope")
	ErrInvalidNodeID  = errors.New("invalid node id")
	ErrHandshake      = errors.New("handshake failed")
	ErrAlreadyRunning = errors.New("already connected")
)

// SendError reports a networked publish that could not be queued or sent.
// Local delivery of the same event is never affected.
type SendError struct {
	TypeName string
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s: %v", e.TypeName, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// DeserializeError reports an inbound event that could not be resolved or decoded.
type DeserializeError struct {
	TypeName string
	Err      error
}

func (e *DeserializeError) Error() string {
	return fmt.Sprintf("deserialize %s: %v", e.TypeName, e.Err)
}

func (e *DeserializeError) Unwrap() error { return e.Err }

// RoutingError reports a relay that could not deliver a targeted event.
type RoutingError struct {
	Target   NodeID
	Sequence uint64
	Err      error
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("route seq %d to %s: %v", e.Sequence, e.Target, e.Err)
}

func (e *RoutingError) Unwrap() error { return e.Err }

// ConnectionError reports a handshake, dial or teardown failure. The backend
// is left disconnected and reconnecting is up to the caller.
type ConnectionError struct {
	Op      string
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
