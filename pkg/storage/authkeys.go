// Package storage persists established auth keys in SQLite so clients
// survive server restarts without redoing the handshake.
package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/openmtp/dcgate/pkg/auth"
)

// SQLiteKeyStore implements auth.KeyStore on a local SQLite database.
type SQLiteKeyStore struct {
	db *sql.DB

	retention time.Duration
	done      chan struct{}
}

// NewSQLiteKeyStore opens (creating if needed) the key database at
// dbPath. Keys unused for longer than retention are purged hourly; a
// zero retention keeps keys forever.
func NewSQLiteKeyStore(dbPath string, retention time.Duration) (*SQLiteKeyStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open key database: %w", err)
	}

	// WAL mode for concurrent readers during writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	st := &SQLiteKeyStore{
		db:        db,
		retention: retention,
		done:      make(chan struct{}),
	}
	if err := st.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if retention > 0 {
		go st.purgeLoop()
	}
	return st, nil
}

func (st *SQLiteKeyStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS auth_keys (
		key_id     INTEGER PRIMARY KEY,
		key        BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		last_used  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_auth_keys_last_used ON auth_keys(last_used);
	`
	if _, err := st.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// GetKey implements auth.KeyStore. Lookups stamp last_used so the purge
// only removes genuinely idle keys.
func (st *SQLiteKeyStore) GetKey(id uint64) ([]byte, error) {
	var key []byte
	err := st.db.QueryRow(
		"SELECT key FROM auth_keys WHERE key_id = ?", int64(id),
	).Scan(&key)
	if err == sql.ErrNoRows {
		return nil, auth.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load auth key: %w", err)
	}

	_, err = st.db.Exec(
		"UPDATE auth_keys SET last_used = ? WHERE key_id = ?",
		time.Now().Unix(), int64(id),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to stamp auth key: %w", err)
	}
	return key, nil
}

// PutKey implements auth.KeyStore.
func (st *SQLiteKeyStore) PutKey(id uint64, key []byte) error {
	now := time.Now().Unix()
	_, err := st.db.Exec(
		`INSERT INTO auth_keys (key_id, key, created_at, last_used)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(key_id) DO UPDATE SET key = excluded.key, last_used = excluded.last_used`,
		int64(id), key, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to store auth key: %w", err)
	}
	return nil
}

// DeleteKey implements auth.KeyStore.
func (st *SQLiteKeyStore) DeleteKey(id uint64) error {
	if _, err := st.db.Exec("DELETE FROM auth_keys WHERE key_id = ?", int64(id)); err != nil {
		return fmt.Errorf("failed to delete auth key: %w", err)
	}
	return nil
}

// CountKeys implements auth.KeyStore.
func (st *SQLiteKeyStore) CountKeys() (int, error) {
	var n int
	if err := st.db.QueryRow("SELECT COUNT(*) FROM auth_keys").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count auth keys: %w", err)
	}
	return n, nil
}

// Close stops the purge loop and closes the database.
func (st *SQLiteKeyStore) Close() error {
	select {
	case <-st.done:
	default:
		close(st.done)
	}
	return st.db.Close()
}

func (st *SQLiteKeyStore) purgeLoop() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			st.purgeIdle()
		case <-st.done:
			return
		}
	}
}

func (st *SQLiteKeyStore) purgeIdle() {
	cutoff := time.Now().Add(-st.retention).Unix()
	// Best effort; a failed purge retries next tick.
	st.db.Exec("DELETE FROM auth_keys WHERE last_used < ?", cutoff)
}
