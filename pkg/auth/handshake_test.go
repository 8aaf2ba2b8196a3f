package auth

import (
	"crypto/rand"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openmtp/dcgate/pkg/crypto"
	"github.com/openmtp/dcgate/pkg/protocol"
	"github.com/openmtp/dcgate/pkg/tl"
)

var sharedRSAKey *crypto.ServerKey

func newTestHandshake(t *testing.T) (*Handshake, *MemorySessionStore, *MemoryKeyStore, *crypto.ServerKey) {
	t.Helper()
	if sharedRSAKey == nil {
		key, err := crypto.GenerateServerKey()
		require.NoError(t, err)
		sharedRSAKey = key
	}
	sessions := NewMemorySessionStore(0, 0)
	keys := NewMemoryKeyStore()
	h := NewHandshake(sessions, keys, []*crypto.ServerKey{sharedRSAKey})
	return h, sessions, keys, sharedRSAKey
}

// testClient drives the client side of the handshake in tests.
type testClient struct {
	t *testing.T

	nonce       [16]byte
	serverNonce [16]byte
	newNonce    [32]byte

	pq   uint64
	p, q uint64

	dhPrime *big.Int
	g       int32
	gA      *big.Int
	pair    *crypto.DHKeyPair
}

func newTestClient(t *testing.T) *testClient {
	c := &testClient{t: t}
	_, err := rand.Read(c.nonce[:])
	require.NoError(t, err)
	_, err = rand.Read(c.newNonce[:])
	require.NoError(t, err)
	return c
}

func (c *testClient) reqPQ() []byte {
	w := tl.NewWriter()
	w.WriteUint32(protocol.OpReqPQ)
	w.WriteBytes(c.nonce[:])
	return w.Bytes()
}

func (c *testClient) readResPQ(body []byte) []uint64 {
	r := tl.NewReader(body)
	opcode, err := r.ReadUint32()
	require.NoError(c.t, err)
	require.Equal(c.t, protocol.OpResPQ, opcode)

	nonce, err := r.ReadBytes(16)
	require.NoError(c.t, err)
	require.Equal(c.t, c.nonce[:], nonce)

	sn, err := r.ReadBytes(16)
	require.NoError(c.t, err)
	copy(c.serverNonce[:], sn)

	pqBytes, err := r.ReadString()
	require.NoError(c.t, err)
	c.pq = new(big.Int).SetBytes(pqBytes).Uint64()

	tag, err := r.ReadUint32()
	require.NoError(c.t, err)
	require.Equal(c.t, tl.VectorTag, tag)
	fps, err := r.ReadVector(tl.VectorInt64)
	require.NoError(c.t, err)
	require.NotEmpty(c.t, fps)

	// Solve the factorization puzzle the way a real client must.
	c.p, c.q, err = crypto.Factorize(c.pq)
	require.NoError(c.t, err)
	return fps
}

// rsaFrame builds SHA1(data) | data | random padding to 255 bytes.
func rsaFrame(t *testing.T, data []byte) []byte {
	framed := append(crypto.SHA1(data), data...)
	require.LessOrEqual(t, len(framed), 255)
	pad := make([]byte, 255-len(framed))
	_, err := rand.Read(pad)
	require.NoError(t, err)
	return append(framed, pad...)
}

func (c *testClient) reqDHParams(key *crypto.ServerKey, fingerprint uint64) []byte {
	pBytes := new(big.Int).SetUint64(c.p).Bytes()
	qBytes := new(big.Int).SetUint64(c.q).Bytes()

	inner := tl.NewWriter()
	inner.WriteString(pBytes)
	inner.WriteString(qBytes)
	inner.WriteBytes(c.nonce[:])
	inner.WriteBytes(c.serverNonce[:])
	inner.WriteBytes(c.newNonce[:])

	encrypted, err := key.EncryptRaw(rsaFrame(c.t, inner.Bytes()))
	require.NoError(c.t, err)

	w := tl.NewWriter()
	w.WriteUint32(protocol.OpReqDHParams)
	w.WriteBytes(c.nonce[:])
	w.WriteBytes(c.serverNonce[:])
	w.WriteString(pBytes)
	w.WriteString(qBytes)
	w.WriteUint64(fingerprint)
	w.WriteString(encrypted)
	return w.Bytes()
}

func (c *testClient) readDHParamsOK(body []byte) {
	r := tl.NewReader(body)
	opcode, err := r.ReadUint32()
	require.NoError(c.t, err)
	require.Equal(c.t, protocol.OpServerDHParamsOK, opcode)

	nonce, err := r.ReadBytes(16)
	require.NoError(c.t, err)
	require.Equal(c.t, c.nonce[:], nonce)
	sn, err := r.ReadBytes(16)
	require.NoError(c.t, err)
	require.Equal(c.t, c.serverNonce[:], sn)

	encrypted, err := r.ReadString()
	require.NoError(c.t, err)

	tmpKey, tmpIV := crypto.TempKeys(c.newNonce[:], c.serverNonce[:])
	plain, err := crypto.DecryptIGE(tmpKey, tmpIV, encrypted)
	require.NoError(c.t, err)

	digest, data := plain[:20], plain[20:]
	ir := tl.NewReader(data)
	n, err := ir.ReadBytes(16)
	require.NoError(c.t, err)
	require.Equal(c.t, c.nonce[:], n)
	_, err = ir.ReadBytes(16)
	require.NoError(c.t, err)
	c.g, err = ir.ReadInt32()
	require.NoError(c.t, err)
	primeBytes, err := ir.ReadString()
	require.NoError(c.t, err)
	c.dhPrime = new(big.Int).SetBytes(primeBytes)
	gABytes, err := ir.ReadString()
	require.NoError(c.t, err)
	c.gA = new(big.Int).SetBytes(gABytes)
	_, err = ir.ReadInt32() // server_time
	require.NoError(c.t, err)

	require.Equal(c.t, digest, crypto.SHA1(data[:ir.Offset()]))
	require.Equal(c.t, int32(2), c.g)
	require.Zero(c.t, c.dhPrime.Cmp(crypto.DHPrime()))
}

func (c *testClient) setClientDHParams() []byte {
	pair, err := crypto.GenerateDHKeyPair()
	require.NoError(c.t, err)
	c.pair = pair

	inner := tl.NewWriter()
	inner.WriteBytes(c.nonce[:])
	inner.WriteBytes(c.serverNonce[:])
	inner.WriteUint64(0) // retry_id
	inner.WriteString(pair.Public.Bytes())
	innerBytes := inner.Bytes()

	framed := append(crypto.SHA1(innerBytes), innerBytes...)
	padded, err := crypto.PadToBlock(framed)
	require.NoError(c.t, err)

	tmpKey, tmpIV := crypto.TempKeys(c.newNonce[:], c.serverNonce[:])
	encrypted, err := crypto.EncryptIGE(tmpKey, tmpIV, padded)
	require.NoError(c.t, err)

	w := tl.NewWriter()
	w.WriteUint32(protocol.OpSetClientDHParams)
	w.WriteBytes(c.nonce[:])
	w.WriteBytes(c.serverNonce[:])
	w.WriteString(encrypted)
	return w.Bytes()
}

// authKey computes the client-side shared secret for comparison.
func (c *testClient) authKey() []byte {
	secret, err := crypto.DHSharedSecret(c.gA, c.pair.Private)
	require.NoError(c.t, err)
	return secret
}

func TestHandshakeFullFlow(t *testing.T) {
	h, sessions, keys, rsaKey := newTestHandshake(t)
	c := newTestClient(t)

	// Step 1
	resp, err := h.Handle(c.reqPQ())
	require.NoError(t, err)
	fps := c.readResPQ(resp)
	require.Contains(t, fps, rsaKey.Fingerprint())
	require.Equal(t, 1, sessions.Len())

	// Step 2
	resp, err = h.Handle(c.reqDHParams(rsaKey, rsaKey.Fingerprint()))
	require.NoError(t, err)
	c.readDHParamsOK(resp)

	// Step 3
	resp, err = h.Handle(c.setClientDHParams())
	require.NoError(t, err)

	r := tl.NewReader(resp)
	opcode, err := r.ReadUint32()
	require.NoError(t, err)
	require.Equal(t, protocol.OpDHGenOK, opcode)
	nonce, _ := r.ReadBytes(16)
	require.Equal(t, c.nonce[:], nonce)
	sn, _ := r.ReadBytes(16)
	require.Equal(t, c.serverNonce[:], sn)
	hash, err := r.ReadBytes(16)
	require.NoError(t, err)

	// Both sides must land on the same 2048-bit key.
	clientKey := c.authKey()
	require.Len(t, clientKey, crypto.AuthKeySize)

	keyID := crypto.AuthKeyID(clientKey)
	serverKey, err := keys.GetKey(keyID)
	require.NoError(t, err)
	require.Equal(t, clientKey, serverKey)

	// The binding hash must verify against the client's new_nonce.
	aux := crypto.SHA1(clientKey)[:8]
	want := crypto.SHA1(c.newNonce[:], []byte{0x01}, aux)[4:20]
	require.Equal(t, want, hash)

	// The handshake record is single-use.
	require.Equal(t, 0, sessions.Len())
}

func TestHandshakeNonceMismatchLeavesSession(t *testing.T) {
	h, sessions, _, rsaKey := newTestHandshake(t)
	c := newTestClient(t)

	resp, err := h.Handle(c.reqPQ())
	require.NoError(t, err)
	c.readResPQ(resp)

	// Step 2 with a corrupted server nonce: rejected, session intact.
	good := c.serverNonce
	c.serverNonce[0] ^= 0xff
	_, err = h.Handle(c.reqDHParams(rsaKey, rsaKey.Fingerprint()))
	require.ErrorIs(t, err, ErrNonceMismatch)
	require.Equal(t, 1, sessions.Len())

	// The untouched session still completes.
	c.serverNonce = good
	resp, err = h.Handle(c.reqDHParams(rsaKey, rsaKey.Fingerprint()))
	require.NoError(t, err)
	c.readDHParamsOK(resp)
}

func TestHandshakeUnknownNonce(t *testing.T) {
	h, _, _, rsaKey := newTestHandshake(t)
	c := newTestClient(t)

	resp, err := h.Handle(c.reqPQ())
	require.NoError(t, err)
	c.readResPQ(resp)

	// A request keyed by a nonce that was never registered.
	other := newTestClient(t)
	other.serverNonce = c.serverNonce
	other.p, other.q = c.p, c.q
	_, err = h.Handle(other.reqDHParams(rsaKey, rsaKey.Fingerprint()))
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestHandshakeUnknownFingerprint(t *testing.T) {
	h, sessions, _, rsaKey := newTestHandshake(t)
	c := newTestClient(t)

	resp, err := h.Handle(c.reqPQ())
	require.NoError(t, err)
	c.readResPQ(resp)

	_, err = h.Handle(c.reqDHParams(rsaKey, 0xdeadbeef))
	require.ErrorIs(t, err, ErrUnknownKeyFingerprint)
	// Unknown key aborts the handshake outright.
	require.Equal(t, 0, sessions.Len())
}

func TestHandshakeOutOfOrderStep(t *testing.T) {
	h, sessions, _, _ := newTestHandshake(t)
	c := newTestClient(t)

	resp, err := h.Handle(c.reqPQ())
	require.NoError(t, err)
	c.readResPQ(resp)

	// Step 3 before step 2: there is no DH state yet, and the session
	// must be discarded.
	c.pair = nil
	w := tl.NewWriter()
	w.WriteUint32(protocol.OpSetClientDHParams)
	w.WriteBytes(c.nonce[:])
	w.WriteBytes(c.serverNonce[:])
	w.WriteString(make([]byte, 16))
	_, err = h.Handle(w.Bytes())
	require.ErrorIs(t, err, ErrWrongState)
	require.Equal(t, 0, sessions.Len())
}

func TestHandshakeTamperedRSAPayload(t *testing.T) {
	h, sessions, _, rsaKey := newTestHandshake(t)
	c := newTestClient(t)

	resp, err := h.Handle(c.reqPQ())
	require.NoError(t, err)
	c.readResPQ(resp)

	body := c.reqDHParams(rsaKey, rsaKey.Fingerprint())
	body[len(body)-1] ^= 0x01 // corrupt the RSA ciphertext
	_, err = h.Handle(body)
	require.ErrorIs(t, err, ErrBadEncryptedPayload)
	require.Equal(t, 0, sessions.Len())
}

func TestHandshakeWrongPQFactors(t *testing.T) {
	h, _, _, rsaKey := newTestHandshake(t)
	c := newTestClient(t)

	resp, err := h.Handle(c.reqPQ())
	require.NoError(t, err)
	c.readResPQ(resp)

	c.p, c.q = 17, 19 // not the issued factors
	_, err = h.Handle(c.reqDHParams(rsaKey, rsaKey.Fingerprint()))
	require.ErrorIs(t, err, ErrPQMismatch)
}

func TestHandshakeUnexpectedOpcode(t *testing.T) {
	h, _, _, _ := newTestHandshake(t)

	w := tl.NewWriter()
	w.WriteUint32(protocol.OpPing)
	w.WriteUint64(1)
	_, err := h.Handle(w.Bytes())
	require.ErrorIs(t, err, ErrUnexpectedOpcode)
}

func TestHandshakeExpiredSession(t *testing.T) {
	h, sessions, _, rsaKey := newTestHandshake(t)
	c := newTestClient(t)

	resp, err := h.Handle(c.reqPQ())
	require.NoError(t, err)
	c.readResPQ(resp)

	// Age the clock past the TTL instead of sleeping.
	sessions.now = func() time.Time { return time.Now().Add(SessionTTL + time.Second) }
	_, err = h.Handle(c.reqDHParams(rsaKey, rsaKey.Fingerprint()))
	require.ErrorIs(t, err, ErrSessionExpired)
	require.Equal(t, 0, sessions.Len())
}
