package crypto

import (
	"crypto/aes"
	"crypto/rand"
	"errors"
)

var (
	ErrInvalidBlockAlignment = errors.New("crypto: input not a multiple of the block size")
	ErrInvalidKeySize        = errors.New("crypto: invalid key size")
	ErrInvalidIVSize         = errors.New("crypto: IGE needs a 32-byte IV pair")
)

// IGEBlockSize is the AES block size the IGE mode chains over.
const IGEBlockSize = 16

// EncryptIGE encrypts plaintext with AES-256 in infinite garble extension
// mode. The 32-byte iv is the pair (iv1, iv2): iv1 seeds the ciphertext
// chain, iv2 the plaintext chain. Each output block is
//
//	c[i] = AES(p[i] XOR c[i-1]) XOR p[i-1]
//
// so a single corrupted block garbles everything after it. The input
// must already be padded to a 16-byte boundary; no padding is applied
// here.
func EncryptIGE(key, iv, plaintext []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKeySize
	}
	if len(iv) != 2*IGEBlockSize {
		return nil, ErrInvalidIVSize
	}
	if len(plaintext)%IGEBlockSize != 0 {
		return nil, ErrInvalidBlockAlignment
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	ciphertext := make([]byte, len(plaintext))
	var prevCipher, prevPlain [IGEBlockSize]byte
	copy(prevCipher[:], iv[:IGEBlockSize])
	copy(prevPlain[:], iv[IGEBlockSize:])

	var x [IGEBlockSize]byte
	for off := 0; off < len(plaintext); off += IGEBlockSize {
		p := plaintext[off : off+IGEBlockSize]
		c := ciphertext[off : off+IGEBlockSize]

		for i := 0; i < IGEBlockSize; i++ {
			x[i] = p[i] ^ prevCipher[i]
		}
		block.Encrypt(c, x[:])
		for i := 0; i < IGEBlockSize; i++ {
			c[i] ^= prevPlain[i]
		}

		copy(prevCipher[:], c)
		copy(prevPlain[:], p)
	}
	return ciphertext, nil
}

// DecryptIGE inverts EncryptIGE under the same key and IV pair:
//
//	p[i] = AES_dec(c[i] XOR p[i-1]) XOR c[i-1]
func DecryptIGE(key, iv, ciphertext []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKeySize
	}
	if len(iv) != 2*IGEBlockSize {
		return nil, ErrInvalidIVSize
	}
	if len(ciphertext)%IGEBlockSize != 0 {
		return nil, ErrInvalidBlockAlignment
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	plaintext := make([]byte, len(ciphertext))
	var prevCipher, prevPlain [IGEBlockSize]byte
	copy(prevCipher[:], iv[:IGEBlockSize])
	copy(prevPlain[:], iv[IGEBlockSize:])

	var x [IGEBlockSize]byte
	for off := 0; off < len(ciphertext); off += IGEBlockSize {
		c := ciphertext[off : off+IGEBlockSize]
		p := plaintext[off : off+IGEBlockSize]

		for i := 0; i < IGEBlockSize; i++ {
			x[i] = c[i] ^ prevPlain[i]
		}
		block.Decrypt(p, x[:])
		for i := 0; i < IGEBlockSize; i++ {
			p[i] ^= prevCipher[i]
		}

		copy(prevCipher[:], c)
		copy(prevPlain[:], p)
	}
	return plaintext, nil
}

// PadToBlock appends random bytes so len(result) is a multiple of the
// IGE block size. Already-aligned input is returned unchanged.
func PadToBlock(b []byte) ([]byte, error) {
	rem := len(b) % IGEBlockSize
	if rem == 0 {
		return b, nil
	}
	pad := make([]byte, IGEBlockSize-rem)
	if _, err := rand.Read(pad); err != nil {
		return nil, err
	}
	return append(b, pad...), nil
}
