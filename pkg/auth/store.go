package auth

import (
	"sync"
	"time"
)

// SessionStore holds in-progress handshake sessions keyed by client
// nonce. Implementations must serialize operations per nonce: two
// concurrent steps for the same nonce never interleave, while different
// nonces proceed in parallel.
type SessionStore interface {
	// Put inserts or replaces the session for s.Nonce.
	Put(s *Session)
	// Mutate runs fn against a copy of the named session and swaps the
	// copy in if fn succeeds. A failed fn leaves the stored record
	// untouched. Missing or expired sessions yield ErrSessionNotFound /
	// ErrSessionExpired without invoking fn.
	Mutate(nonce Nonce, fn func(*Session) error) error
	// Delete removes the session if present.
	Delete(nonce Nonce)
	// Len reports the number of live sessions.
	Len() int
}

// KeyStore holds established auth keys by their 8-byte identifier.
type KeyStore interface {
	GetKey(id uint64) ([]byte, error)
	PutKey(id uint64, key []byte) error
	DeleteKey(id uint64) error
	CountKeys() (int, error)
}

// sessionEntry.mu serializes all access to s and deleted. Lock order is
// always entry.mu before store.mu; the store mutex is never held while
// taking an entry mutex.
type sessionEntry struct {
	mu      sync.Mutex
	s       *Session
	deleted bool
}

// MemorySessionStore is the in-process SessionStore. A read-write mutex
// guards the map itself; each entry carries its own mutex so steps for
// one nonce serialize without blocking other handshakes.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[Nonce]*sessionEntry

	ttl  time.Duration
	now  func() time.Time
	done chan struct{}
	once sync.Once
}

// NewMemorySessionStore creates a store whose sessions expire ttl after
// creation (a ttl of zero means the SessionTTL default) and starts a
// background sweep that purges expired sessions every sweepInterval (a
// sweepInterval of zero disables the sweep, for tests). Close stops the
// sweep.
func NewMemorySessionStore(ttl, sweepInterval time.Duration) *MemorySessionStore {
	if ttl <= 0 {
		ttl = SessionTTL
	}
	st := &MemorySessionStore{
		sessions: make(map[Nonce]*sessionEntry),
		ttl:      ttl,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	if sweepInterval > 0 {
		go st.sweepLoop(sweepInterval)
	}
	return st
}

// Put inserts or replaces a session. A client restarting its handshake
// with the same nonce gets a fresh record; any step still in flight
// against the old record mutates an orphan and is lost with it.
func (st *MemorySessionStore) Put(s *Session) {
	entry := &sessionEntry{s: s.clone()}
	st.mu.Lock()
	st.sessions[s.Nonce] = entry
	st.mu.Unlock()
}

// Mutate implements SessionStore.
func (st *MemorySessionStore) Mutate(nonce Nonce, fn func(*Session) error) error {
	st.mu.RLock()
	entry, ok := st.sessions[nonce]
	st.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.deleted {
		return ErrSessionNotFound
	}
	if entry.s.Expired(st.now(), st.ttl) {
		entry.deleted = true
		st.remove(nonce, entry)
		return ErrSessionExpired
	}

	next := entry.s.clone()
	if err := fn(next); err != nil {
		return err
	}
	entry.s = next
	return nil
}

// Delete implements SessionStore.
func (st *MemorySessionStore) Delete(nonce Nonce) {
	st.mu.RLock()
	entry, ok := st.sessions[nonce]
	st.mu.RUnlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	entry.deleted = true
	st.remove(nonce, entry)
	entry.mu.Unlock()
}

// remove drops the map slot if it still points at entry. Callers hold
// entry.mu.
func (st *MemorySessionStore) remove(nonce Nonce, entry *sessionEntry) {
	st.mu.Lock()
	if st.sessions[nonce] == entry {
		delete(st.sessions, nonce)
	}
	st.mu.Unlock()
}

// Len implements SessionStore.
func (st *MemorySessionStore) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Close stops the background sweep.
func (st *MemorySessionStore) Close() {
	st.once.Do(func() { close(st.done) })
}

func (st *MemorySessionStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			st.sweep()
		case <-st.done:
			return
		}
	}
}

func (st *MemorySessionStore) sweep() {
	now := st.now()

	st.mu.RLock()
	snapshot := make(map[Nonce]*sessionEntry, len(st.sessions))
	for nonce, entry := range st.sessions {
		snapshot[nonce] = entry
	}
	st.mu.RUnlock()

	for nonce, entry := range snapshot {
		entry.mu.Lock()
		if !entry.deleted && entry.s.Expired(now, st.ttl) {
			entry.deleted = true
			st.remove(nonce, entry)
		}
		entry.mu.Unlock()
	}
}

// MemoryKeyStore is the in-process KeyStore, used by tests and
// ephemeral runs. Production runs persist keys in sqlite via
// pkg/storage.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[uint64][]byte
}

// NewMemoryKeyStore creates an empty key store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[uint64][]byte)}
}

// GetKey implements KeyStore.
func (st *MemoryKeyStore) GetKey(id uint64) ([]byte, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	key, ok := st.keys[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(key))
	copy(out, key)
	return out, nil
}

// PutKey implements KeyStore.
func (st *MemoryKeyStore) PutKey(id uint64, key []byte) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	stored := make([]byte, len(key))
	copy(stored, key)
	st.keys[id] = stored
	return nil
}

// DeleteKey implements KeyStore.
func (st *MemoryKeyStore) DeleteKey(id uint64) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.keys, id)
	return nil
}

// CountKeys implements KeyStore.
func (st *MemoryKeyStore) CountKeys() (int, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.keys), nil
}
