package network

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type position struct {
	Entity uint32
	X, Y   float64
	Tags   []string
}

func TestNewNodeID(t *testing.T) {
	seen := make(map[NodeID]bool)
	for i := 0; i < 100; i++ {
		id := NewNodeID()
		require.True(t, id.Valid())
		require.False(t, seen[id], "duplicate node id %s", id)
		seen[id] = true
	}
}

func TestParseNodeID(t *testing.T) {
	id, err := ParseNodeID("42")
	require.NoError(t, err)
	assert.Equal(t, NodeID(42), id)
	assert.Equal(t, "42", id.String())

	_, err = ParseNodeID("0")
	assert.Error(t, err)

	_, err = ParseNodeID("node-1")
	assert.Error(t, err)
}

func TestScopeValidate(t *testing.T) {
	assert.NoError(t, Broadcast().Validate())
	assert.NoError(t, ToServer().Validate())
	assert.NoError(t, Targeted(3).Validate())

	err := Targeted(0).Validate()
	assert.ErrorIs(t, err, ErrInvalidScope)

	err = Scope{Kind: 9}.Validate()
	assert.ErrorIs(t, err, ErrInvalidScope)
}

func TestScopeString(t *testing.T) {
	assert.Equal(t, "broadcast", Broadcast().String())
	assert.Equal(t, "to_server", ToServer().String())
	assert.Equal(t, "targeted(7)", Targeted(7).String())
}

func TestMetadataMillisecondPrecision(t *testing.T) {
	md := NewMetadata(1, 5)
	assert.Equal(t, NodeID(1), md.Sender)
	assert.Equal(t, uint64(5), md.Sequence)
	assert.Equal(t, md.Timestamp, time.UnixMilli(md.Timestamp.UnixMilli()))
	assert.Less(t, md.Skew(time.Now()), time.Second)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	codec := NewCBORCodec()
	in := NetworkedEvent[position]{
		Metadata: NewMetadata(1, 9),
		Scope:    Targeted(3),
		Payload:  position{Entity: 12, X: 1.5, Y: -2.25, Tags: []string{"unit", "flying"}},
	}

	raw, err := Encode(codec, "game.position", in)
	require.NoError(t, err)
	assert.Equal(t, "game.position", raw.TypeName)
	assert.NotEmpty(t, raw.Payload)

	out, err := Decode[position](codec, raw)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeMalformedPayload(t *testing.T) {
	raw := RawEvent{TypeName: "game.position", Payload: []byte{0xff, 0x00, 0x13}}

	_, err := Decode[position](NewCBORCodec(), raw)
	require.Error(t, err)

	var de *DeserializeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "game.position", de.TypeName)
}

func TestCodecIsDeterministic(t *testing.T) {
	codec := NewCBORCodec()
	v := map[string]int{"b": 2, "a": 1, "c": 3}

	first, err := codec.Marshal(v)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := codec.Marshal(v)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestLocalOnlyBackend(t *testing.T) {
	backend := NewLocalOnly(5)
	assert.Equal(t, NodeID(5), backend.NodeID())
	assert.Equal(t, StateDisconnected, backend.State())

	require.NoError(t, backend.Connect(context.Background(), "ignored"))
	assert.Equal(t, StateConnected, backend.State())

	assert.NoError(t, backend.Send(RawEvent{TypeName: "x", Scope: Broadcast()}))

	select {
	case ev := <-backend.Receive():
		t.Fatalf("local-only backend should never receive, got %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, backend.Disconnect())
	assert.Equal(t, StateDisconnected, backend.State())
}

func TestErrorWrapping(t *testing.T) {
	err := error(&SendError{TypeName: "chat", Err: ErrQueueFull})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Contains(t, err.Error(), "chat")

	err = &RoutingError{Target: 3, Sequence: 4, Err: ErrTargetUnknown}
	assert.ErrorIs(t, err, ErrTargetUnknown)

	err = &ConnectionError{Op: "dial", Address: "tcp://x", Err: ErrHandshake}
	assert.ErrorIs(t, err, ErrHandshake)
}
