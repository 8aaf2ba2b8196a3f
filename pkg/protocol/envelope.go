package protocol

import (
	"errors"
	"fmt"

	"github.com/openmtp/dcgate/pkg/tl"
)

var (
	ErrMessageTooShort = errors.New("protocol: message shorter than minimum frame")
	ErrInvalidLength   = errors.New("protocol: length field exceeds buffer")
)

// OuterMinSize is the smallest valid outer frame: auth_key_id(8) +
// message_id(8) + length(4).
const OuterMinSize = 20

// InnerHeaderSize covers salt(8) + session_id(8) + message_id(8) +
// seq_no(4) + length(4).
const InnerHeaderSize = 32

// OuterMessage is the unencrypted outer envelope of every frame.
type OuterMessage struct {
	AuthKeyID uint64 // 0 for handshake (plaintext) frames
	MessageID uint64
	Body      []byte
}

// IsEncrypted reports whether the body is ciphertext.
func (m *OuterMessage) IsEncrypted() bool {
	return m.AuthKeyID != 0
}

// Encode serializes the outer envelope. The length field is always
// computed from the actual body size.
func (m *OuterMessage) Encode() []byte {
	w := tl.NewWriter()
	w.WriteUint64(m.AuthKeyID)
	w.WriteUint64(m.MessageID)
	w.WriteInt32(int32(len(m.Body)))
	w.WriteBytes(m.Body)
	return w.Bytes()
}

// DecodeOuter parses an outer envelope. Frames shorter than OuterMinSize
// or with a length field disagreeing with the transmitted bytes are
// rejected outright.
func DecodeOuter(buf []byte) (*OuterMessage, error) {
	if len(buf) < OuterMinSize {
		return nil, ErrMessageTooShort
	}
	r := tl.NewReader(buf)
	m := &OuterMessage{}
	m.AuthKeyID, _ = r.ReadUint64()
	m.MessageID, _ = r.ReadUint64()
	n, _ := r.ReadInt32()
	if n < 0 || int(n) != r.Remaining() {
		return nil, fmt.Errorf("%w: declared %d, have %d", ErrInvalidLength, n, r.Remaining())
	}
	body, err := r.ReadBytes(int(n))
	if err != nil {
		return nil, err
	}
	m.Body = body
	return m, nil
}

// InnerMessage is the envelope revealed after decryption. It is owned by
// exactly one OuterMessage and never shared across frames.
type InnerMessage struct {
	Salt      uint64
	SessionID uint64
	MessageID uint64
	SeqNo     int32
	Opcode    uint32
	Payload   []byte
}

// Encode serializes the inner envelope. The length field is recomputed
// as 4 (opcode) + len(payload); a stale caller-supplied value is never
// trusted.
func (m *InnerMessage) Encode() []byte {
	w := tl.NewWriter()
	w.WriteUint64(m.Salt)
	w.WriteUint64(m.SessionID)
	w.WriteUint64(m.MessageID)
	w.WriteInt32(m.SeqNo)
	w.WriteInt32(int32(4 + len(m.Payload)))
	w.WriteUint32(m.Opcode)
	w.WriteBytes(m.Payload)
	return w.Bytes()
}

// DecodeInner parses a decrypted inner envelope. The length field covers
// the opcode plus payload, so the payload is length-4 bytes; decrypted
// buffers may carry trailing block padding past the declared length,
// which is ignored.
func DecodeInner(buf []byte) (*InnerMessage, error) {
	if len(buf) < InnerHeaderSize+4 {
		return nil, ErrMessageTooShort
	}
	r := tl.NewReader(buf)
	m := &InnerMessage{}
	m.Salt, _ = r.ReadUint64()
	m.SessionID, _ = r.ReadUint64()
	m.MessageID, _ = r.ReadUint64()
	m.SeqNo, _ = r.ReadInt32()
	n, _ := r.ReadInt32()
	if n < 4 || int(n) > r.Remaining() {
		return nil, fmt.Errorf("%w: inner length %d with %d bytes left", ErrInvalidLength, n, r.Remaining())
	}
	m.Opcode, _ = r.ReadUint32()
	payload, err := r.ReadBytes(int(n) - 4)
	if err != nil {
		return nil, err
	}
	m.Payload = payload
	return m, nil
}
