package crypto

import (
	"crypto/rand"
	"errors"
	"math/big"
)

var (
	ErrInvalidModulus   = errors.New("crypto: modulus must be positive")
	ErrNegativeExponent = errors.New("crypto: negative exponent")
	ErrInvalidPublicKey = errors.New("crypto: DH public value out of range")
)

// dhPrimeHex is the 2048-bit MODP group prime (RFC 3526 group 14), a
// safe prime with generator 2. Hardcoded: the group is a fixed protocol
// parameter, not negotiated.
const dhPrimeHex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
	"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
	"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D" +
	"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F" +
	"83655D23DCA3AD961C62F356208552BB9ED529077096966D" +
	"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
	"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9" +
	"DE2BCBF6955817183995497CEA956AE515D2261898FA0510" +
	"15728E5A8AACAA68FFFFFFFFFFFFFFFF"

// DHKeySize is the byte length of the DH modulus, public values and the
// resulting shared secret.
const DHKeySize = 256

var (
	dhPrime     *big.Int
	dhGenerator = big.NewInt(2)
)

func init() {
	p, ok := new(big.Int).SetString(dhPrimeHex, 16)
	if !ok {
		panic("crypto: bad DH prime constant")
	}
	dhPrime = p
}

// DHPrime returns a copy of the group modulus.
func DHPrime() *big.Int {
	return new(big.Int).Set(dhPrime)
}

// DHGenerator returns the group generator.
func DHGenerator() *big.Int {
	return new(big.Int).Set(dhGenerator)
}

// ModPow computes base^exp mod mod. mod == 1 yields 0 and a zero
// exponent yields 1 mod mod, matching ordinary modular arithmetic.
func ModPow(base, exp, mod *big.Int) (*big.Int, error) {
	if mod == nil || mod.Sign() <= 0 {
		return nil, ErrInvalidModulus
	}
	if exp.Sign() < 0 {
		return nil, ErrNegativeExponent
	}
	return new(big.Int).Exp(base, exp, mod), nil
}

// DHKeyPair holds one side's ephemeral DH key.
type DHKeyPair struct {
	Private *big.Int
	Public  *big.Int
}

// GenerateDHKeyPair draws a 256-bit private exponent and computes the
// matching public value g^priv mod p. The exponent size bounds the
// modular exponentiation cost per handshake.
func GenerateDHKeyPair() (*DHKeyPair, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	private := new(big.Int).SetBytes(raw)
	public, err := ModPow(dhGenerator, private, dhPrime)
	if err != nil {
		return nil, err
	}
	return &DHKeyPair{Private: private, Public: public}, nil
}

// DHSharedSecret computes theirPublic^ourPrivate mod p, left-padded to
// DHKeySize bytes. Public values outside (1, p-1) are rejected before
// any exponentiation.
func DHSharedSecret(theirPublic, ourPrivate *big.Int) ([]byte, error) {
	one := big.NewInt(1)
	pMinusOne := new(big.Int).Sub(dhPrime, one)
	if theirPublic.Cmp(one) <= 0 || theirPublic.Cmp(pMinusOne) >= 0 {
		return nil, ErrInvalidPublicKey
	}
	s, err := ModPow(theirPublic, ourPrivate, dhPrime)
	if err != nil {
		return nil, err
	}
	return leftPad(s.Bytes(), DHKeySize), nil
}

// leftPad zero-extends b on the left to exactly size bytes.
func leftPad(b []byte, size int) []byte {
	if len(b) >= size {
		return b[len(b)-size:]
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}
