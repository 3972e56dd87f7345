package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/VanDung-dev/eventnet/network"
)

// Hello is the first frame a client sends on a fresh session.
type Hello struct {
	Version int            `cbor:"1,keyasint"`
	NodeID  network.NodeID `cbor:"2,keyasint"`
	Token   string         `cbor:"3,keyasint,omitempty"`
}

// Welcome confirms registration.
type Welcome struct {
	NodeID    network.NodeID `cbor:"1,keyasint"`
	Session   string         `cbor:"2,keyasint"`
	Heartbeat int64          `cbor:"3,keyasint"` // milliseconds
}

// Reject reasons.
const (
	RejectInvalidNode = "invalid_node"
	RejectAuth        = "unauthorized"
	RejectVersion     = "version"
	RejectProtocol    = "protocol"
	RejectShutdown    = "shutdown"
)

// Reject refuses a handshake. The relay closes the connection after it.
type Reject struct {
	Reason  string `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint,omitempty"`
}

// Notice codes.
const (
	NoticeTargetUnknown = "target_unknown"
	NoticeMalformed     = "malformed"
	NoticeReplaced      = "replaced"
)

// Notice reports a non-fatal condition to a client.
type Notice struct {
	Code     string         `cbor:"1,keyasint"`
	Target   network.NodeID `cbor:"2,keyasint,omitempty"`
	Sequence uint64         `cbor:"3,keyasint,omitempty"`
	Message  string         `cbor:"4,keyasint,omitempty"`
}

// Ping is a heartbeat. The relay only uses it to refresh last-seen.
type Ping struct {
	SentAt int64 `cbor:"1,keyasint"` // Unix milliseconds
}

// Bye announces an orderly close.
type Bye struct {
	Reason string `cbor:"1,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{
		MaxArrayElements: 1024,
		MaxMapPairs:      64,
		MaxNestedLevels:  8,
	}).DecMode(); err != nil {
		panic(err)
	}
}

// ControlFrame encodes v as the CBOR body of a frame of the given kind.
func ControlFrame(kind Kind, v any) ([]byte, error) {
	if kind == KindEvents || !kind.valid() {
		return nil, fmt.Errorf("%w: %s is not a control frame", ErrUnknownKind, kind)
	}
	body, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	return Pack(kind, body), nil
}

// DecodeControl decodes a control frame body into v.
func DecodeControl(kind Kind, body []byte, v any) error {
	if err := decMode.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s: %w", kind, err)
	}
	return nil
}
