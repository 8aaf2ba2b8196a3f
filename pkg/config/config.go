// Package config provides the gateway configuration, loaded from a
// TOML file. Every section is optional; missing sections get defaults
// suitable for a single-node development setup.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/multiformats/go-multiaddr"
)

const (
	defaultListen      = ":8443"
	defaultAPIListen   = ":8080"
	defaultLogLevel    = "INFO"
	defaultIdleTimeout = 90 // seconds
	defaultSessionTTL  = 300
	defaultRetention   = 720 // hours of auth-key idleness before purge

	// BackendMemory keeps auth keys in process memory only.
	BackendMemory = "memory"
	// BackendSQLite persists auth keys to a SQLite database.
	BackendSQLite = "sqlite"
)

// Server holds the frame transport settings.
type Server struct {
	// Listen is the TCP listen address for client connections.
	Listen string

	// IdleTimeoutSec closes a connection without a complete frame for
	// this many seconds. Zero disables the deadline.
	IdleTimeoutSec int
}

func (s *Server) applyDefaults() {
	if s.Listen == "" {
		s.Listen = defaultListen
	}
	if s.IdleTimeoutSec == 0 {
		s.IdleTimeoutSec = defaultIdleTimeout
	}
}

// IdleTimeout returns the configured idle deadline as a duration.
func (s *Server) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSec) * time.Second
}

// API holds the HTTP status API settings.
type API struct {
	// Enabled turns the status API on.
	Enabled bool

	// Listen is the HTTP listen address.
	Listen string
}

func (a *API) applyDefaults() {
	if a.Listen == "" {
		a.Listen = defaultAPIListen
	}
}

// Logging holds the log backend settings.
type Logging struct {
	// File is the log destination; empty means stdout.
	File string

	// Level is one of ERROR, WARNING, NOTICE, INFO, DEBUG.
	Level string
}

func (l *Logging) applyDefaults() {
	if l.Level == "" {
		l.Level = defaultLogLevel
	}
}

// Handshake holds the key-exchange settings.
type Handshake struct {
	// RSAKeyFiles are PEM files of the server RSA keys published via
	// fingerprints. At least one is required to serve handshakes.
	RSAKeyFiles []string

	// SessionTTLSec bounds how long a half-finished key exchange stays
	// valid; older sessions are rejected and swept.
	SessionTTLSec int
}

func (h *Handshake) applyDefaults() {
	if h.SessionTTLSec == 0 {
		h.SessionTTLSec = defaultSessionTTL
	}
}

// SessionTTL returns the handshake session lifetime as a duration.
func (h *Handshake) SessionTTL() time.Duration {
	return time.Duration(h.SessionTTLSec) * time.Second
}

// Storage holds the auth-key persistence settings.
type Storage struct {
	// Backend selects the key store: "memory" or "sqlite".
	Backend string

	// Path is the SQLite database file, required for the sqlite
	// backend.
	Path string

	// RetentionHours purges auth keys idle for this long. Zero takes
	// the default.
	RetentionHours int
}

func (s *Storage) applyDefaults() {
	if s.Backend == "" {
		s.Backend = BackendMemory
	}
	if s.RetentionHours == 0 {
		s.RetentionHours = defaultRetention
	}
}

func (s *Storage) validate() error {
	switch s.Backend {
	case BackendMemory:
		return nil
	case BackendSQLite:
		if s.Path == "" {
			return errors.New("config: sqlite backend requires Storage.Path")
		}
		return nil
	default:
		return fmt.Errorf("config: unknown storage backend %q", s.Backend)
	}
}

// Retention returns the auth-key idle retention as a duration.
func (s *Storage) Retention() time.Duration {
	return time.Duration(s.RetentionHours) * time.Hour
}

// DC describes one data center published in config replies.
type DC struct {
	// ID is the numeric data center id.
	ID int32

	// Address is the DC endpoint in multiaddr form, e.g.
	// "/ip4/10.0.0.1/tcp/443".
	Address string
}

// Multiaddr parses the DC address.
func (d *DC) Multiaddr() (multiaddr.Multiaddr, error) {
	return multiaddr.NewMultiaddr(d.Address)
}

// Config is the top-level gateway configuration.
type Config struct {
	Server    *Server
	API       *API
	Logging   *Logging
	Handshake *Handshake
	Storage   *Storage

	// ThisDC is the id this gateway answers as.
	ThisDC int32

	// DCs is the full data center table served to clients.
	DCs []DC `toml:"dc"`
}

// FixupAndValidate fills defaults and rejects inconsistent settings.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Server == nil {
		cfg.Server = &Server{}
	}
	cfg.Server.applyDefaults()

	if cfg.API == nil {
		cfg.API = &API{}
	}
	cfg.API.applyDefaults()

	if cfg.Logging == nil {
		cfg.Logging = &Logging{}
	}
	cfg.Logging.applyDefaults()

	if cfg.Handshake == nil {
		cfg.Handshake = &Handshake{}
	}
	cfg.Handshake.applyDefaults()

	if cfg.Storage == nil {
		cfg.Storage = &Storage{}
	}
	cfg.Storage.applyDefaults()
	if err := cfg.Storage.validate(); err != nil {
		return err
	}

	if cfg.ThisDC == 0 {
		cfg.ThisDC = 1
	}
	if len(cfg.DCs) == 0 {
		cfg.DCs = []DC{{ID: cfg.ThisDC, Address: "/ip4/127.0.0.1/tcp/8443"}}
	}

	seen := make(map[int32]bool)
	ownListed := false
	for i := range cfg.DCs {
		dc := &cfg.DCs[i]
		if dc.ID == 0 {
			return fmt.Errorf("config: dc entry %d has no id", i)
		}
		if seen[dc.ID] {
			return fmt.Errorf("config: duplicate dc id %d", dc.ID)
		}
		seen[dc.ID] = true
		if dc.ID == cfg.ThisDC {
			ownListed = true
		}
		if _, err := dc.Multiaddr(); err != nil {
			return fmt.Errorf("config: dc %d address: %w", dc.ID, err)
		}
	}
	if !ownListed {
		return fmt.Errorf("config: ThisDC %d missing from dc table", cfg.ThisDC)
	}
	return nil
}

// Load parses and validates a config file body.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the given config file.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
