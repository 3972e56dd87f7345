package wire

import (
	"errors"
	"fmt"
)

// Kind identifies the body of a frame.
type Kind byte

const (
	KindHello Kind = iota + 1
	KindWelcome
	KindReject
	KindEvents
	KindNotice
	KindPing
	KindBye
)

// ProtocolVersion is sent in Hello and checked by the relay.
const ProtocolVersion = 1

var (
	ErrEmptyFrame  = errors.New("empty frame")
	ErrUnknownKind = errors.New("unknown frame kind")
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindWelcome:
		return "welcome"
	case KindReject:
		return "reject"
	case KindEvents:
		return "events"
	case KindNotice:
		return "notice"
	case KindPing:
		return "ping"
	case KindBye:
		return "bye"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

func (k Kind) valid() bool {
	return k >= KindHello && k <= KindBye
}

// Pack prepends the kind byte to body.
func Pack(kind Kind, body []byte) []byte {
	frame := make([]byte, 1+len(body))
	frame[0] = byte(kind)
	copy(frame[1:], body)
	return frame
}

// Unpack splits a frame into its kind and body. The body aliases frame.
func Unpack(frame []byte) (Kind, []byte, error) {
	if len(frame) == 0 {
		return 0, nil, ErrEmptyFrame
	}
	kind := Kind(frame[0])
	if !kind.valid() {
		return 0, nil, fmt.Errorf("%w: %d", ErrUnknownKind, frame[0])
	}
	return kind, frame[1:], nil
}
