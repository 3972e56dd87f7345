package network

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// NodeID identifies one connected participant for the lifetime of a session.
// Zero is reserved and never assigned to a node.
type NodeID uint64

// NewNodeID draws a random non-zero NodeID.
func NewNodeID() NodeID {
	for {
		u := uuid.New()
		if id := NodeID(binary.BigEndian.Uint64(u[:8])); id != 0 {
			return id
		}
	}
}

// ParseNodeID parses the decimal form produced by String.
func ParseNodeID(s string) (NodeID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid node id %q: %w", s, err)
	}
	if v == 0 {
		return 0, fmt.Errorf("invalid node id %q: zero is reserved", s)
	}
	return NodeID(v), nil
}

func (id NodeID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Valid reports whether the id may be used by a node.
func (id NodeID) Valid() bool {
	return id != 0
}

// Metadata is stamped once when a networked event is submitted for sending.
type Metadata struct {
	Sender    NodeID    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  uint64    `json:"sequence"`
}

// NewMetadata captures the current wall clock at millisecond precision,
// which is the precision carried on the wire.
func NewMetadata(sender NodeID, sequence uint64) Metadata {
	return Metadata{
		Sender:    sender,
		Timestamp: time.UnixMilli(time.Now().UnixMilli()),
		Sequence:  sequence,
	}
}

// Skew returns how far the sender's clock appears ahead of now.
// Timestamps are advisory; the result is only good for diagnostics.
func (m Metadata) Skew(now time.Time) time.Duration {
	return m.Timestamp.Sub(now)
}

// ScopeKind selects how the relay fans out an event.
type ScopeKind uint8

const (
	ScopeBroadcast ScopeKind = iota
	ScopeToServer
	ScopeTargeted
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeBroadcast:
		return "broadcast"
	case ScopeToServer:
		return "to_server"
	case ScopeTargeted:
		return "targeted"
	default:
		return "unknown"
	}
}

// Scope is the routing instruction attached to a networked event.
type Scope struct {
	Kind   ScopeKind
	Target NodeID
}

// Broadcast delivers to every registered peer except the sender.
func Broadcast() Scope { return Scope{Kind: ScopeBroadcast} }

// ToServer delivers only to the relay's server-side handling point.
func ToServer() Scope { return Scope{Kind: ScopeToServer} }

// Targeted delivers to exactly one peer.
func Targeted(node NodeID) Scope { return Scope{Kind: ScopeTargeted, Target: node} }

// Validate rejects kinds outside the known set and targeted scopes without a target.
func (s Scope) Validate() error {
	switch s.Kind {
	case ScopeBroadcast, ScopeToServer:
		return nil
	case ScopeTargeted:
		if !s.Target.Valid() {
			return fmt.Errorf("%w: targeted scope without target", ErrInvalidScope)
		}
		return nil
	default:
		return fmt.Errorf("%w: kind %d", ErrInvalidScope, s.Kind)
	}
}

func (s Scope) String() string {
	if s.Kind == ScopeTargeted {
		return "targeted(" + s.Target.String() + ")"
	}
	return s.Kind.String()
}

// NetworkedEvent is a typed payload wrapped for the network boundary.
type NetworkedEvent[T any] struct {
	Metadata Metadata
	Scope    Scope
	Payload  T
}

// RawEvent is the type-erased form of a networked event once its payload
// has left process memory.
type RawEvent struct {
	Metadata Metadata
	Scope    Scope
	TypeName string
	Payload  []byte
}

// Encode serializes the payload of a typed event into its raw form.
func Encode[T any](codec Codec, typeName string, ev NetworkedEvent[T]) (RawEvent, error) {
	data, err := codec.Marshal(ev.Payload)
	if err != nil {
		return RawEvent{}, fmt.Errorf("encode %s: %w", typeName, err)
	}
	return RawEvent{
		Metadata: ev.Metadata,
		Scope:    ev.Scope,
		TypeName: typeName,
		Payload:  data,
	}, nil
}

// Decode restores a typed event from its raw form.
func Decode[T any](codec Codec, raw RawEvent) (NetworkedEvent[T], error) {
	var payload T
	if err := codec.Unmarshal(raw.Payload, &payload); err != nil {
		return NetworkedEvent[T]{}, &DeserializeError{TypeName: raw.TypeName, Err: err}
	}
	return NetworkedEvent[T]{
		Metadata: raw.Metadata,
		Scope:    raw.Scope,
		Payload:  payload,
	}, nil
}
