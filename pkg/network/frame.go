package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single transport frame. Anything larger is a
// protocol violation and kills the connection.
const MaxFrameSize = 1 << 20

// ErrFrameTooLarge is returned when a frame length prefix exceeds
// MaxFrameSize.
var ErrFrameTooLarge = errors.New("network: frame exceeds maximum size")

// readFrame reads one length-prefixed frame: a 4-byte little-endian
// length followed by that many bytes.
func readFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(prefix[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeFrame writes one length-prefixed frame. The prefix and body go
// out as a single Write so concurrent writers never interleave.
func writeFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	buf := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	_, err := w.Write(buf)
	return err
}
