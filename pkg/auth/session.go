// Package auth implements the three-step key-exchange handshake that
// gives every client a long-lived 2048-bit auth key, plus the stores
// those keys and in-progress handshake sessions live in.
package auth

import (
	"errors"
	"math/big"
	"time"
)

var (
	ErrSessionNotFound = errors.New("auth: handshake session not found")
	ErrSessionExpired  = errors.New("auth: handshake session expired")
	ErrNonceMismatch   = errors.New("auth: nonce does not match session")
	ErrWrongState      = errors.New("auth: request out of handshake order")
	ErrKeyNotFound     = errors.New("auth: auth key not found")
)

// SessionTTL is the default lifetime of an in-progress handshake.
// Sessions older than the store's TTL are purged whether or not they
// completed, which keeps abandoned handshakes from growing the table
// without bound.
const SessionTTL = 5 * time.Minute

// State tracks handshake progress. The name describes the request the
// server expects next.
type State int

const (
	StateAwaitingPQRequest State = iota
	StateAwaitingDHParamsRequest
	StateAwaitingClientConfirmation
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateAwaitingPQRequest:
		return "awaiting-pq-request"
	case StateAwaitingDHParamsRequest:
		return "awaiting-dh-params-request"
	case StateAwaitingClientConfirmation:
		return "awaiting-client-confirmation"
	case StateEstablished:
		return "established"
	default:
		return "invalid"
	}
}

// Nonce is the 16-byte client nonce that keys a handshake session.
type Nonce [16]byte

// Session is the per-handshake record, populated incrementally across
// the three steps. It is only ever replaced whole in the store, so a
// concurrent reader never observes a half-updated record.
type Session struct {
	Nonce       Nonce
	ServerNonce [16]byte
	NewNonce    [32]byte // from the step-2 RSA payload

	P, Q uint64
	PQ   uint64

	DHPrivate *big.Int // server's ephemeral exponent a
	DHPublic  *big.Int // g^a mod p

	State     State
	CreatedAt time.Time
}

// Expired reports whether the session has outlived ttl at now.
func (s *Session) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.CreatedAt) > ttl
}

// clone returns a shallow copy safe to mutate before swapping back in.
// The big.Int fields are never mutated in place after being set, so
// sharing them is fine.
func (s *Session) clone() *Session {
	c := *s
	return &c
}
