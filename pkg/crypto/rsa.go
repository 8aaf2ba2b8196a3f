package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"math/big"
	"os"

	"github.com/openmtp/dcgate/pkg/tl"
)

var (
	ErrInvalidKey       = errors.New("crypto: invalid key")
	ErrCiphertextLength = errors.New("crypto: RSA ciphertext longer than modulus")
)

// ServerKey is an RSA key used to protect handshake step-2/3 payloads.
// The protocol applies the plain RSA permutation to a hash-framed block
// rather than a standard padding scheme, so encryption and decryption
// work on raw big integers.
type ServerKey struct {
	key *rsa.PrivateKey
}

// GenerateServerKey creates a 2048-bit handshake RSA key.
func GenerateServerKey() (*ServerKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	return &ServerKey{key: key}, nil
}

// Fingerprint identifies the key on the wire: the low 8 bytes of
// SHA1(string(n) || string(e)) with n and e encoded as length-prefixed
// padded strings, read little-endian.
func (k *ServerKey) Fingerprint() uint64 {
	w := tl.NewWriter()
	w.WriteString(k.key.N.Bytes())
	w.WriteString(big.NewInt(int64(k.key.E)).Bytes())
	h := SHA1(w.Bytes())
	return binary.LittleEndian.Uint64(h[12:20])
}

// DecryptRaw applies the private RSA permutation: c^d mod n, left-padded
// to the modulus size. No padding scheme is removed here; the handshake
// layer validates the framed plaintext itself.
func (k *ServerKey) DecryptRaw(ciphertext []byte) ([]byte, error) {
	c := new(big.Int).SetBytes(ciphertext)
	if c.Cmp(k.key.N) >= 0 {
		return nil, ErrCiphertextLength
	}
	m := new(big.Int).Exp(c, k.key.D, k.key.N)
	return leftPad(m.Bytes(), k.key.Size()), nil
}

// EncryptRaw applies the public RSA permutation: m^e mod n. Provided for
// the client side of tests; real clients ship the public key baked in.
func (k *ServerKey) EncryptRaw(plaintext []byte) ([]byte, error) {
	m := new(big.Int).SetBytes(plaintext)
	if m.Cmp(k.key.N) >= 0 {
		return nil, ErrCiphertextLength
	}
	c := new(big.Int).Exp(m, big.NewInt(int64(k.key.E)), k.key.N)
	return leftPad(c.Bytes(), k.key.Size()), nil
}

// ExportPEM serializes the private key in PKCS#1 PEM form.
func (k *ServerKey) ExportPEM() []byte {
	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(k.key),
	}
	return pem.EncodeToMemory(block)
}

// ImportPEM parses a PKCS#1 PEM private key.
func ImportPEM(pemData []byte) (*ServerKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, ErrInvalidKey
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	return &ServerKey{key: key}, nil
}

// LoadServerKey reads a PEM key file from disk.
func LoadServerKey(path string) (*ServerKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ImportPEM(data)
}

// SaveServerKey writes the key to disk, private-readable only.
func SaveServerKey(path string, k *ServerKey) error {
	return os.WriteFile(path, k.ExportPEM(), 0600)
}
