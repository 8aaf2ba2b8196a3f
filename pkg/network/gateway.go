package network

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/openmtp/dcgate/pkg/auth"
	"github.com/openmtp/dcgate/pkg/crypto"
	"github.com/openmtp/dcgate/pkg/protocol"
	"github.com/openmtp/dcgate/pkg/router"
)

var (
	// ErrUnknownAuthKey is returned for an encrypted frame whose
	// auth_key_id has no registered key.
	ErrUnknownAuthKey = errors.New("network: unknown auth key id")

	// ErrMessageKeyMismatch is returned when the decrypted plaintext
	// does not reproduce the message key from the frame. The frame was
	// corrupted or forged.
	ErrMessageKeyMismatch = errors.New("network: message key mismatch")

	// ErrBadCiphertext is returned for an encrypted body too short to
	// carry a message key and at least one cipher block.
	ErrBadCiphertext = errors.New("network: malformed encrypted body")
)

// Gateway terminates the session layer for one connection's frames:
// plaintext frames feed the key-exchange state machine, encrypted
// frames are authenticated, decrypted, and routed.
type Gateway struct {
	handshake *auth.Handshake
	keys      auth.KeyStore
	router    *router.Router
	metrics   Metrics

	now func() time.Time
}

// NewGateway wires the handshake state machine, the key store backing
// encrypted traffic, and the opcode router.
func NewGateway(handshake *auth.Handshake, keys auth.KeyStore, r *router.Router, metrics Metrics) *Gateway {
	return &Gateway{
		handshake: handshake,
		keys:      keys,
		router:    r,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Process handles one inbound frame and returns the encoded reply
// frame, or nil when the message needs no response. An error means the
// frame could not be answered; the caller decides whether the
// connection survives.
func (g *Gateway) Process(ctx *router.RequestContext, frame []byte) ([]byte, error) {
	outer, err := protocol.DecodeOuter(frame)
	if err != nil {
		return nil, err
	}
	if err := protocol.ValidateMessageID(outer.MessageID, g.now()); err != nil {
		return nil, err
	}

	if !outer.IsEncrypted() {
		return g.processPlaintext(outer)
	}
	return g.processEncrypted(ctx, outer)
}

// processPlaintext feeds a key-exchange step to the handshake machine
// and wraps its reply in a plaintext envelope.
func (g *Gateway) processPlaintext(outer *protocol.OuterMessage) ([]byte, error) {
	reply, err := g.handshake.Handle(outer.Body)
	if err != nil {
		return nil, err
	}
	g.metrics.HandshakeReply()

	out := &protocol.OuterMessage{
		AuthKeyID: 0,
		MessageID: protocol.GenerateMessageID(),
		Body:      reply,
	}
	return out.Encode(), nil
}

// processEncrypted authenticates and decrypts the frame, routes the
// inner message, and encrypts the reply under the same key.
func (g *Gateway) processEncrypted(ctx *router.RequestContext, outer *protocol.OuterMessage) ([]byte, error) {
	authKey, err := g.keys.GetKey(outer.AuthKeyID)
	if err != nil {
		if errors.Is(err, auth.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %016x", ErrUnknownAuthKey, outer.AuthKeyID)
		}
		return nil, err
	}

	inner, err := g.decrypt(authKey, outer.Body)
	if err != nil {
		g.metrics.DecryptFailure()
		return nil, err
	}
	if err := protocol.ValidateMessageID(inner.MessageID, g.now()); err != nil {
		return nil, err
	}

	reply, err := g.router.Dispatch(ctx, inner)
	if err != nil {
		return nil, err
	}
	g.metrics.MessageRouted()
	if reply == nil {
		return nil, nil
	}

	body, err := g.encrypt(authKey, reply)
	if err != nil {
		return nil, err
	}
	out := &protocol.OuterMessage{
		AuthKeyID: outer.AuthKeyID,
		MessageID: reply.MessageID,
		Body:      body,
	}
	return out.Encode(), nil
}

// decrypt opens an encrypted body laid out as msg_key(16) followed by
// the IGE ciphertext, and verifies the message key against the
// recovered plaintext.
func (g *Gateway) decrypt(authKey, body []byte) (*protocol.InnerMessage, error) {
	if len(body) < crypto.MessageKeySize+crypto.IGEBlockSize {
		return nil, ErrBadCiphertext
	}
	msgKey := body[:crypto.MessageKeySize]
	ciphertext := body[crypto.MessageKeySize:]

	aesKey, aesIV, err := crypto.DeriveKeys(authKey, msgKey, crypto.DirectionIncoming)
	if err != nil {
		return nil, err
	}
	plaintext, err := crypto.DecryptIGE(aesKey, aesIV, ciphertext)
	if err != nil {
		return nil, err
	}

	check, err := crypto.MessageKey(authKey, plaintext, crypto.DirectionIncoming)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(check, msgKey) {
		return nil, ErrMessageKeyMismatch
	}

	return protocol.DecodeInner(plaintext)
}

// encrypt seals an inner message for the client: pad to the cipher
// block size, derive per-message keys, and prepend the message key.
func (g *Gateway) encrypt(authKey []byte, msg *protocol.InnerMessage) ([]byte, error) {
	padded, err := crypto.PadToBlock(msg.Encode())
	if err != nil {
		return nil, err
	}
	msgKey, err := crypto.MessageKey(authKey, padded, crypto.DirectionOutgoing)
	if err != nil {
		return nil, err
	}
	aesKey, aesIV, err := crypto.DeriveKeys(authKey, msgKey, crypto.DirectionOutgoing)
	if err != nil {
		return nil, err
	}
	ciphertext, err := crypto.EncryptIGE(aesKey, aesIV, padded)
	if err != nil {
		return nil, err
	}

	body := make([]byte, 0, len(msgKey)+len(ciphertext))
	body = append(body, msgKey...)
	body = append(body, ciphertext...)
	return body, nil
}
