// Package tl implements the wire-level serialization primitives of the
// protocol: little-endian fixed-width integers, 4-byte aligned
// length-prefixed byte strings, and vectors of primitive elements.
package tl

import (
	"encoding/binary"
	"errors"
)

var (
	ErrTruncated         = errors.New("tl: truncated input")
	ErrInvalidLength     = errors.New("tl: invalid length field")
	ErrUnknownVectorType = errors.New("tl: unknown vector element type")
)

// VectorTag is the constructor tag written ahead of encoded vectors.
const VectorTag uint32 = 0x1cb5c415

// Reader decodes primitives sequentially from a byte buffer.
// It never mutates the buffer; only the cursor advances.
type Reader struct {
	buf []byte
	off int
}

// NewReader creates a reader over buf. The reader does not copy buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

// Offset returns the current cursor position.
func (r *Reader) Offset() int {
	return r.off
}

// ReadUint32 reads a little-endian 32-bit word.
func (r *Reader) ReadUint32() (uint32, error) {
	if r.Remaining() < 4 {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

// ReadInt32 reads a little-endian signed 32-bit word.
func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

// ReadUint64 reads a little-endian 64-bit value composed of two 32-bit
// words, low word first. The value is unsigned; identifiers on the wire
// must never be sign-extended.
func (r *Reader) ReadUint64() (uint64, error) {
	lo, err := r.ReadUint32()
	if err != nil {
		return 0, err
	}
	hi, err := r.ReadUint32()
	if err != nil {
		return 0, err
	}
	return uint64(hi)<<32 | uint64(lo), nil
}

// ReadInt64 reads a little-endian 64-bit word, reinterpreted as signed.
func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

// ReadBytes returns a copy of the next n bytes.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, ErrInvalidLength
	}
	if r.Remaining() < n {
		return nil, ErrTruncated
	}
	out := make([]byte, n)
	copy(out, r.buf[r.off:r.off+n])
	r.off += n
	return out, nil
}

// ReadString reads a 32-bit length, the payload, then skips padding so
// that 4 + length + padding is a multiple of 4. Padding content is not
// validated.
func (r *Reader) ReadString() ([]byte, error) {
	n, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, ErrInvalidLength
	}
	s, err := r.ReadBytes(int(n))
	if err != nil {
		return nil, err
	}
	pad := padLen(int(n))
	if r.Remaining() < pad {
		return nil, ErrTruncated
	}
	r.off += pad
	return s, nil
}

// VectorType identifies the element type of an encoded vector.
type VectorType int

const (
	VectorInt32 VectorType = iota
	VectorInt64
)

// ReadVector reads a 32-bit element count followed by count elements of
// the given primitive type. The constructor tag, when present on the
// wire, must be consumed by the caller beforehand. The declared count
// is checked against the bytes actually present before anything is
// allocated, so a hostile count cannot force a huge allocation.
func (r *Reader) ReadVector(elem VectorType) ([]uint64, error) {
	var elemSize int
	switch elem {
	case VectorInt32:
		elemSize = 4
	case VectorInt64:
		elemSize = 8
	default:
		return nil, ErrUnknownVectorType
	}

	count, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, ErrInvalidLength
	}
	if int64(count)*int64(elemSize) > int64(r.Remaining()) {
		return nil, ErrTruncated
	}

	out := make([]uint64, 0, count)
	for i := int32(0); i < count; i++ {
		if elem == VectorInt32 {
			v, err := r.ReadUint32()
			if err != nil {
				return nil, err
			}
			out = append(out, uint64(v))
			continue
		}
		v, err := r.ReadUint64()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// padLen returns the number of zero bytes needed after an n-byte string
// so the encoded form (4-byte length + payload + padding) stays 4-aligned.
func padLen(n int) int {
	return (4 - n%4) % 4
}
