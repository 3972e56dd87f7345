package network

import (
	"github.com/fxamacker/cbor/v2"
)

// Codec serializes networked event payloads.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// CBORCodec encodes payloads as deterministic CBOR.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec creates a codec using core deterministic encoding, so equal
// values always serialize to equal bytes.
func NewCBORCodec() *CBORCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dec, err := cbor.DecOptions{
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 20,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return &CBORCodec{enc: enc, dec: dec}
}

func (c *CBORCodec) Marshal(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c *CBORCodec) Unmarshal(data []byte, v any) error {
	return c.dec.Unmarshal(data, v)
}

// DefaultCodec is used when no codec is configured.
var DefaultCodec Codec = NewCBORCodec()
