package wire

import (
	"bytes"
	"testing"
)

// FuzzDecodeBatch feeds random bytes to the event batch decoder.
// Run with: go test -fuzz=FuzzDecodeBatch -fuzztime=30s ./wire/
func FuzzDecodeBatch(f *testing.F) {
	codec := NewBatchCodec()
	valid, err := codec.Encode(sampleEvents())
	if err != nil {
		f.Fatal(err)
	}
	f.Add(valid)
	f.Add(valid[:len(valid)/2])
	f.Add([]byte{})
	f.Add([]byte{0xff, 0xff, 0xff, 0xff})

	f.Fuzz(func(t *testing.T, data []byte) {
		// Must not panic; errors are fine.
		events, err := codec.Decode(data)
		if err == nil {
			for _, ev := range events {
				_ = ev.Scope.Validate()
			}
		}
	})
}

// FuzzReadFrame checks the length-prefixed reader against arbitrary streams.
func FuzzReadFrame(f *testing.F) {
	f.Add([]byte{0, 0, 0, 3, 'a', 'b', 'c'})
	f.Add([]byte{0xff, 0xff, 0xff, 0xff})
	f.Add([]byte{0, 0})

	f.Fuzz(func(t *testing.T, data []byte) {
		frame, err := ReadFrame(bytes.NewReader(data), 1024)
		if err == nil && len(frame) > 1024 {
			t.Fatalf("frame of %d bytes passed a 1024 byte cap", len(frame))
		}
	})
}

// FuzzUnpackControl decodes arbitrary control bodies.
func FuzzUnpackControl(f *testing.F) {
	hello, _ := ControlFrame(KindHello, Hello{Version: ProtocolVersion, NodeID: 1})
	f.Add(hello)
	f.Add([]byte{byte(KindNotice), 0xa0})
	f.Add([]byte{byte(KindBye)})

	f.Fuzz(func(t *testing.T, data []byte) {
		kind, body, err := Unpack(data)
		if err != nil {
			return
		}
		switch kind {
		case KindHello:
			var v Hello
			_ = DecodeControl(kind, body, &v)
		case KindNotice:
			var v Notice
			_ = DecodeControl(kind, body, &v)
		default:
			var v Bye
			_ = DecodeControl(kind, body, &v)
		}
	})
}
