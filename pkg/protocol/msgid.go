package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// ErrStaleMessageID marks a message whose embedded timestamp falls
// outside the freshness window. The message is rejected without any
// state change; callers may log it as a possible replay.
var ErrStaleMessageID = errors.New("protocol: message id outside freshness window")

// MessageIDWindow is the accepted clock skew, inclusive on both sides.
const MessageIDWindow = 300 * time.Second

// GenerateMessageID returns a fresh message id: unix seconds in the high
// 32 bits, crypto-random low 32 bits. IDs are a coarse ordering key only;
// rapid calls are not strictly increasing.
func GenerateMessageID() uint64 {
	return MessageIDAt(time.Now())
}

// MessageIDAt builds a message id for the given instant.
func MessageIDAt(t time.Time) uint64 {
	var low [4]byte
	if _, err := rand.Read(low[:]); err != nil {
		// crypto/rand failing is unrecoverable for key material, but for
		// an id the nanosecond clock is an acceptable uniqueness source.
		binary.LittleEndian.PutUint32(low[:], uint32(t.UnixNano()))
	}
	return uint64(t.Unix())<<32 | uint64(binary.LittleEndian.Uint32(low[:]))
}

// ValidateMessageID checks the id's embedded timestamp against now.
// A skew of exactly MessageIDWindow is still accepted.
func ValidateMessageID(id uint64, now time.Time) error {
	ts := int64(id >> 32)
	skew := ts - now.Unix()
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(MessageIDWindow/time.Second) {
		return ErrStaleMessageID
	}
	return nil
}
