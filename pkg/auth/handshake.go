package auth

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/openmtp/dcgate/pkg/crypto"
	"github.com/openmtp/dcgate/pkg/protocol"
	"github.com/openmtp/dcgate/pkg/tl"
)

var (
	ErrUnknownKeyFingerprint = errors.New("auth: no RSA key with that fingerprint")
	ErrBadEncryptedPayload   = errors.New("auth: encrypted payload failed validation")
	ErrPQMismatch            = errors.New("auth: p/q do not match the issued pq")
	ErrUnexpectedOpcode      = errors.New("auth: not a handshake constructor")
)

// Handshake runs the server side of the three-step key exchange. It is
// safe for concurrent use; all mutable state lives in the injected
// stores.
type Handshake struct {
	sessions SessionStore
	keys     KeyStore

	rsaKeys      map[uint64]*crypto.ServerKey
	fingerprints []uint64

	now func() time.Time
}

// NewHandshake wires the handshake to its stores and the server RSA
// keys clients may address by fingerprint.
func NewHandshake(sessions SessionStore, keys KeyStore, serverKeys []*crypto.ServerKey) *Handshake {
	h := &Handshake{
		sessions: sessions,
		keys:     keys,
		rsaKeys:  make(map[uint64]*crypto.ServerKey, len(serverKeys)),
		now:      time.Now,
	}
	for _, k := range serverKeys {
		fp := k.Fingerprint()
		h.rsaKeys[fp] = k
		h.fingerprints = append(h.fingerprints, fp)
	}
	return h
}

// Handle processes one plaintext handshake frame body (opcode followed
// by the constructor fields) and returns the reply body. Any error is
// fatal to the in-progress handshake; the caller replies nothing and
// the client must restart from step 1.
func (h *Handshake) Handle(body []byte) ([]byte, error) {
	r := tl.NewReader(body)
	opcode, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}

	switch opcode {
	case protocol.OpReqPQ:
		return h.handleReqPQ(r)
	case protocol.OpReqDHParams:
		return h.handleReqDHParams(r)
	case protocol.OpSetClientDHParams:
		return h.handleSetClientDHParams(r)
	default:
		return nil, fmt.Errorf("%w: %s (0x%08x)", ErrUnexpectedOpcode, protocol.ConstructorName(opcode), opcode)
	}
}

// handleReqPQ is step 1: register a session under the client nonce and
// hand out the factorization puzzle plus our key fingerprints.
func (h *Handshake) handleReqPQ(r *tl.Reader) ([]byte, error) {
	var nonce Nonce
	raw, err := r.ReadBytes(16)
	if err != nil {
		return nil, err
	}
	copy(nonce[:], raw)

	var serverNonce [16]byte
	if _, err := rand.Read(serverNonce[:]); err != nil {
		return nil, err
	}

	p, q, pq, err := crypto.GeneratePQ()
	if err != nil {
		return nil, err
	}

	h.sessions.Put(&Session{
		Nonce:       nonce,
		ServerNonce: serverNonce,
		P:           p,
		Q:           q,
		PQ:          pq,
		State:       StateAwaitingDHParamsRequest,
		CreatedAt:   h.now(),
	})

	w := tl.NewWriter()
	w.WriteUint32(protocol.OpResPQ)
	w.WriteBytes(nonce[:])
	w.WriteBytes(serverNonce[:])
	w.WriteString(beBytes(pq))
	w.WriteVectorInt64(h.fingerprints)
	return w.Bytes(), nil
}

// handleReqDHParams is step 2: bind the client to the session, decrypt
// the RSA payload, check the factorization, and send our DH half
// encrypted under the nonce-derived temporary key.
func (h *Handshake) handleReqDHParams(r *tl.Reader) ([]byte, error) {
	nonce, serverNonce, err := readNoncePair(r)
	if err != nil {
		return nil, err
	}
	pBytes, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	qBytes, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	fingerprint, err := r.ReadUint64()
	if err != nil {
		return nil, err
	}
	encrypted, err := r.ReadString()
	if err != nil {
		return nil, err
	}

	key, ok := h.rsaKeys[fingerprint]
	if !ok {
		h.sessions.Delete(nonce)
		return nil, fmt.Errorf("%w: %016x", ErrUnknownKeyFingerprint, fingerprint)
	}

	var reply []byte
	err = h.sessions.Mutate(nonce, func(s *Session) error {
		if s.State != StateAwaitingDHParamsRequest {
			return fmt.Errorf("%w: got req_DH_params in %s", ErrWrongState, s.State)
		}
		if !bytes.Equal(serverNonce[:], s.ServerNonce[:]) {
			return ErrNonceMismatch
		}

		inner, err := key.DecryptRaw(encrypted)
		if err != nil {
			return err
		}
		// Frames are one byte shorter than the modulus so the RSA input
		// stays below it; DecryptRaw left-pads back to modulus size.
		if len(inner) > 0 {
			inner = inner[1:]
		}
		newNonce, err := h.verifyDHParamsInner(s, inner, pBytes, qBytes)
		if err != nil {
			return err
		}
		s.NewNonce = newNonce

		pair, err := crypto.GenerateDHKeyPair()
		if err != nil {
			return err
		}
		s.DHPrivate = pair.Private
		s.DHPublic = pair.Public
		s.State = StateAwaitingClientConfirmation

		reply, err = h.encodeDHParamsOK(s)
		return err
	})
	if err != nil {
		// A mismatched nonce identifies a request that was never bound to
		// this session; the stored record stays untouched. Anything else
		// is unrecoverable for this handshake and the client restarts
		// from step 1 with a fresh nonce.
		if !errors.Is(err, ErrNonceMismatch) {
			h.sessions.Delete(nonce)
		}
		return nil, err
	}
	return reply, nil
}

// verifyDHParamsInner validates the hash-framed RSA plaintext:
// SHA1(data) | data, with data = p | q | nonce | server_nonce | new_nonce.
// The p/q echoed in the clear must match the encrypted copy and the pq
// issued in step 1.
func (h *Handshake) verifyDHParamsInner(s *Session, inner, clearP, clearQ []byte) ([32]byte, error) {
	var newNonce [32]byte
	if len(inner) < 20 {
		return newNonce, ErrBadEncryptedPayload
	}
	digest, data := inner[:20], inner[20:]

	r := tl.NewReader(data)
	p, err := r.ReadString()
	if err != nil {
		return newNonce, ErrBadEncryptedPayload
	}
	q, err := r.ReadString()
	if err != nil {
		return newNonce, ErrBadEncryptedPayload
	}
	nb, err := r.ReadBytes(16)
	if err != nil {
		return newNonce, ErrBadEncryptedPayload
	}
	snb, err := r.ReadBytes(16)
	if err != nil {
		return newNonce, ErrBadEncryptedPayload
	}
	nnb, err := r.ReadBytes(32)
	if err != nil {
		return newNonce, ErrBadEncryptedPayload
	}

	// The digest covers exactly the fields consumed above; the RSA block
	// is padded past them with random bytes.
	if !bytes.Equal(digest, crypto.SHA1(data[:r.Offset()])) {
		return newNonce, ErrBadEncryptedPayload
	}
	if !bytes.Equal(nb, s.Nonce[:]) || !bytes.Equal(snb, s.ServerNonce[:]) {
		return newNonce, ErrNonceMismatch
	}
	if !bytes.Equal(p, clearP) || !bytes.Equal(q, clearQ) {
		return newNonce, ErrPQMismatch
	}
	if beUint64(p) != s.P || beUint64(q) != s.Q || beUint64(p)*beUint64(q) != s.PQ {
		return newNonce, ErrPQMismatch
	}

	copy(newNonce[:], nnb)
	return newNonce, nil
}

// encodeDHParamsOK builds server_DH_params_ok with the group parameters
// encrypted under the temporary key both sides derive from
// new_nonce/server_nonce.
func (h *Handshake) encodeDHParamsOK(s *Session) ([]byte, error) {
	inner := tl.NewWriter()
	inner.WriteBytes(s.Nonce[:])
	inner.WriteBytes(s.ServerNonce[:])
	inner.WriteInt32(int32(crypto.DHGenerator().Int64()))
	inner.WriteString(crypto.DHPrime().Bytes())
	inner.WriteString(s.DHPublic.Bytes())
	inner.WriteInt32(int32(h.now().Unix()))
	innerBytes := inner.Bytes()

	framed := append(crypto.SHA1(innerBytes), innerBytes...)
	padded, err := crypto.PadToBlock(framed)
	if err != nil {
		return nil, err
	}
	tmpKey, tmpIV := crypto.TempKeys(s.NewNonce[:], s.ServerNonce[:])
	encrypted, err := crypto.EncryptIGE(tmpKey, tmpIV, padded)
	if err != nil {
		return nil, err
	}

	w := tl.NewWriter()
	w.WriteUint32(protocol.OpServerDHParamsOK)
	w.WriteBytes(s.Nonce[:])
	w.WriteBytes(s.ServerNonce[:])
	w.WriteString(encrypted)
	return w.Bytes(), nil
}

// handleSetClientDHParams is step 3: decrypt the client's DH half,
// derive the auth key as the genuine shared secret, persist it, and
// confirm with the new_nonce binding hash.
func (h *Handshake) handleSetClientDHParams(r *tl.Reader) ([]byte, error) {
	nonce, serverNonce, err := readNoncePair(r)
	if err != nil {
		return nil, err
	}
	encrypted, err := r.ReadString()
	if err != nil {
		return nil, err
	}

	var reply []byte
	err = h.sessions.Mutate(nonce, func(s *Session) error {
		if s.State != StateAwaitingClientConfirmation {
			return fmt.Errorf("%w: got set_client_DH_params in %s", ErrWrongState, s.State)
		}
		if !bytes.Equal(serverNonce[:], s.ServerNonce[:]) {
			return ErrNonceMismatch
		}

		tmpKey, tmpIV := crypto.TempKeys(s.NewNonce[:], s.ServerNonce[:])
		inner, err := crypto.DecryptIGE(tmpKey, tmpIV, encrypted)
		if err != nil {
			return err
		}
		gB, err := h.verifyClientDHInner(s, inner)
		if err != nil {
			return err
		}

		authKey, err := crypto.DHSharedSecret(gB, s.DHPrivate)
		if err != nil {
			return err
		}
		keyID := crypto.AuthKeyID(authKey)
		if err := h.keys.PutKey(keyID, authKey); err != nil {
			return err
		}
		s.State = StateEstablished

		w := tl.NewWriter()
		w.WriteUint32(protocol.OpDHGenOK)
		w.WriteBytes(s.Nonce[:])
		w.WriteBytes(s.ServerNonce[:])
		w.WriteBytes(newNonceHash1(s.NewNonce[:], authKey))
		reply = w.Bytes()
		return nil
	})

	// The handshake record is single-use: gone on failure so the client
	// restarts cleanly, gone on success because the auth key is now the
	// durable artifact.
	h.sessions.Delete(nonce)
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// verifyClientDHInner validates the hash-framed step-3 plaintext:
// SHA1(data) | data, data = nonce | server_nonce | retry_id | g_b.
func (h *Handshake) verifyClientDHInner(s *Session, inner []byte) (*big.Int, error) {
	if len(inner) < 20 {
		return nil, ErrBadEncryptedPayload
	}
	digest, data := inner[:20], inner[20:]

	r := tl.NewReader(data)
	nb, err := r.ReadBytes(16)
	if err != nil {
		return nil, ErrBadEncryptedPayload
	}
	snb, err := r.ReadBytes(16)
	if err != nil {
		return nil, ErrBadEncryptedPayload
	}
	if _, err := r.ReadUint64(); err != nil { // retry_id, unused
		return nil, ErrBadEncryptedPayload
	}
	gBBytes, err := r.ReadString()
	if err != nil {
		return nil, ErrBadEncryptedPayload
	}

	if !bytes.Equal(digest, crypto.SHA1(data[:r.Offset()])) {
		return nil, ErrBadEncryptedPayload
	}
	if !bytes.Equal(nb, s.Nonce[:]) || !bytes.Equal(snb, s.ServerNonce[:]) {
		return nil, ErrNonceMismatch
	}
	return new(big.Int).SetBytes(gBBytes), nil
}

// newNonceHash1 is the dh_gen_ok binding value: the low 16 bytes of
// SHA1(new_nonce | 0x01 | SHA1(auth_key)[0:8]).
func newNonceHash1(newNonce, authKey []byte) []byte {
	aux := crypto.SHA1(authKey)[:8]
	h := crypto.SHA1(newNonce, []byte{0x01}, aux)
	return h[4:20]
}

func readNoncePair(r *tl.Reader) (Nonce, [16]byte, error) {
	var nonce Nonce
	var serverNonce [16]byte
	nb, err := r.ReadBytes(16)
	if err != nil {
		return nonce, serverNonce, err
	}
	snb, err := r.ReadBytes(16)
	if err != nil {
		return nonce, serverNonce, err
	}
	copy(nonce[:], nb)
	copy(serverNonce[:], snb)
	return nonce, serverNonce, nil
}

// beBytes encodes v big-endian with leading zeros stripped, the way
// pq/p/q travel inside length-prefixed strings.
func beBytes(v uint64) []byte {
	return new(big.Int).SetUint64(v).Bytes()
}

func beUint64(b []byte) uint64 {
	if len(b) > 8 {
		return 0
	}
	return new(big.Int).SetBytes(b).Uint64()
}
