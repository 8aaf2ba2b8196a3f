// Package protocol implements the two framing layers of the data-center
// RPC protocol.
//
// The outer envelope carries routing and decryption metadata and travels
// on the wire as-is:
//
//	auth_key_id:int64 | message_id:int64 | length:int32 | body:bytes[length]
//
// An auth_key_id of zero marks an unencrypted (handshake) frame. For
// encrypted frames the body holds a 16-byte message key followed by the
// AES-IGE ciphertext of the inner envelope:
//
//	salt:int64 | session_id:int64 | message_id:int64 |
//	seq_no:int32 | length:int32 | opcode:int32 | payload:bytes[length-4]
//
// The inner length field covers the opcode and payload only, not the
// envelope header. All integers are little-endian.
//
// Message identifiers pack a unix-seconds timestamp into the high 32 bits
// and random bits into the low 32; receivers accept a message only when
// its embedded timestamp lies within ±300 seconds of their own clock.
package protocol
