package crypto

import "errors"

// ErrInvalidAuthKey marks key material of the wrong size; fatal to the
// session that supplied it.
var ErrInvalidAuthKey = errors.New("crypto: auth key must be 256 bytes")

// AuthKeySize is the byte length of the long-lived shared secret.
const AuthKeySize = 256

// MessageKeySize is the byte length of the per-message key travelling
// ahead of the ciphertext.
const MessageKeySize = 16

// Direction selects which auth-key byte ranges feed the key schedule.
// Each direction gets an independent key stream from the same auth key.
type Direction int

const (
	DirectionOutgoing Direction = 0
	DirectionIncoming Direction = 8
)

func (d Direction) offset() int { return int(d) }

// MessageKey derives the 16-byte per-message key from the auth key and
// the padded plaintext:
//
//	msg_key = SHA256(auth_key[88+x : 120+x] || plaintext)[8:24]
//
// Binding the plaintext into the key is what ties ciphertext integrity
// to both the message content and the shared secret.
func MessageKey(authKey, paddedPlaintext []byte, dir Direction) ([]byte, error) {
	if len(authKey) != AuthKeySize {
		return nil, ErrInvalidAuthKey
	}
	x := dir.offset()
	h := SHA256(authKey[88+x:120+x], paddedPlaintext)
	return h[8:24], nil
}

// DeriveKeys computes the per-message AES-256 key and IGE IV pair from
// the auth key and a message key. The byte ranges and concatenation
// order are a wire-compatibility contract:
//
//	a       = SHA256(msg_key || auth_key[x : x+36])
//	b       = SHA256(auth_key[40+x : 76+x] || msg_key)
//	aes_key = a[0:8] || b[8:24] || a[24:32]
//	aes_iv  = b[0:8] || a[8:24] || b[24:32]
func DeriveKeys(authKey, msgKey []byte, dir Direction) (aesKey, aesIV []byte, err error) {
	if len(authKey) != AuthKeySize {
		return nil, nil, ErrInvalidAuthKey
	}
	if len(msgKey) != MessageKeySize {
		return nil, nil, ErrInvalidKeySize
	}
	x := dir.offset()

	a := SHA256(msgKey, authKey[x:x+36])
	b := SHA256(authKey[40+x:76+x], msgKey)

	aesKey = make([]byte, 0, 32)
	aesKey = append(aesKey, a[0:8]...)
	aesKey = append(aesKey, b[8:24]...)
	aesKey = append(aesKey, a[24:32]...)

	aesIV = make([]byte, 0, 32)
	aesIV = append(aesIV, b[0:8]...)
	aesIV = append(aesIV, a[8:24]...)
	aesIV = append(aesIV, b[24:32]...)

	return aesKey, aesIV, nil
}

// TempKeys derives the transient AES key and IV protecting the server
// DH parameters in handshake step 2, before any auth key exists. Both
// sides can compute them from new_nonce (32 bytes, from the RSA inner
// payload) and server_nonce (16 bytes):
//
//	tmp_key = SHA1(nn || sn) || SHA1(sn || nn)[0:12]
//	tmp_iv  = SHA1(sn || nn)[12:20] || SHA1(nn || nn) || nn[0:4]
func TempKeys(newNonce, serverNonce []byte) (aesKey, aesIV []byte) {
	nnsn := SHA1(newNonce, serverNonce)
	snnn := SHA1(serverNonce, newNonce)
	nnnn := SHA1(newNonce, newNonce)

	aesKey = make([]byte, 0, 32)
	aesKey = append(aesKey, nnsn...)
	aesKey = append(aesKey, snnn[0:12]...)

	aesIV = make([]byte, 0, 32)
	aesIV = append(aesIV, snnn[12:20]...)
	aesIV = append(aesIV, nnnn...)
	aesIV = append(aesIV, newNonce[0:4]...)
	return aesKey, aesIV
}

// AuthKeyID returns the 8-byte identifier of an auth key: the last 8
// bytes of its SHA-1 digest, interpreted little-endian.
func AuthKeyID(authKey []byte) uint64 {
	h := SHA1(authKey)
	tail := h[12:20]
	var id uint64
	for i := 7; i >= 0; i-- {
		id = id<<8 | uint64(tail[i])
	}
	return id
}
