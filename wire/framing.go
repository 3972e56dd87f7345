package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// MaxFrameSize is the default cap on one frame (16 MiB).
const MaxFrameSize = 16 * 1024 * 1024

// ErrFrameTooLarge is returned when a frame exceeds the configured maximum.
var ErrFrameTooLarge = errors.New("frame size exceeds maximum allowed size")

// ReadFrame reads a length-prefixed frame from r.
// Format: [4 bytes length (BigEndian)] [N bytes frame]
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = MaxFrameSize
	}

	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])

	if uint64(length) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d bytes (max: %d)", ErrFrameTooLarge, length, maxSize)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	return buf, nil
}

// WriteFrame writes data to w with a length prefix. Header and body go out
// in one Write call.
func WriteFrame(w io.Writer, data []byte, maxSize int) error {
	if maxSize <= 0 {
		maxSize = MaxFrameSize
	}
	if len(data) > math.MaxUint32 || len(data) > maxSize {
		return fmt.Errorf("%w: %d bytes (max: %d)", ErrFrameTooLarge, len(data), maxSize)
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data))) // #nosec G115 - bounds checked above
	copy(buf[4:], data)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}
