package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/openmtp/dcgate/pkg/api"
	"github.com/openmtp/dcgate/pkg/auth"
	"github.com/openmtp/dcgate/pkg/config"
	"github.com/openmtp/dcgate/pkg/crypto"
	"github.com/openmtp/dcgate/pkg/logging"
	"github.com/openmtp/dcgate/pkg/network"
	"github.com/openmtp/dcgate/pkg/router"
	"github.com/openmtp/dcgate/pkg/storage"
)

var (
	configFile = flag.String("config", "dcgate.toml", "Path to the config file")
	listenAddr = flag.String("listen", "", "Override the configured listen address")
	genKeys    = flag.Int("genkeys", 0, "Generate N RSA server keys into -keydir and exit")
	keyDir     = flag.String("keydir", "./keys", "Directory for generated RSA keys")
)

func main() {
	flag.Parse()

	if *genKeys > 0 {
		if err := generateKeys(*genKeys, *keyDir); err != nil {
			fmt.Fprintf(os.Stderr, "genkeys: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.LoadFile(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Server.Listen = *listenAddr
	}

	logBackend, err := logging.New(cfg.Logging.File, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	log := logBackend.GetLogger("dcgate")

	if err := run(cfg, logBackend); err != nil {
		log.Critical("%v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logBackend *logging.Backend) error {
	log := logBackend.GetLogger("dcgate")

	serverKeys, err := loadServerKeys(cfg.Handshake.RSAKeyFiles)
	if err != nil {
		return err
	}
	for _, key := range serverKeys {
		log.Noticef("serving RSA fingerprint %016x", key.Fingerprint())
	}

	sessions := auth.NewMemorySessionStore(cfg.Handshake.SessionTTL(), time.Minute)
	defer sessions.Close()

	keys, closeKeys, err := openKeyStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer closeKeys()

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	handshake := auth.NewHandshake(sessions, keys, serverKeys)
	metrics := network.NewCounters()
	gateway := network.NewGateway(handshake, keys, router.New(registry), metrics)

	server := network.NewServer(gateway, metrics, logBackend.GetLogger("transport"), cfg.Server.IdleTimeout())
	if err := server.Start(cfg.Server.Listen); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	defer server.Stop()

	var statusAPI *api.Server
	if cfg.API.Enabled {
		statusAPI = api.NewServer(cfg.ThisDC, metrics, sessions, keys, logBackend.GetLogger("api"))
		statusAPI.Start(cfg.API.Listen)
		defer statusAPI.Stop()
	}

	log.Noticef("dc %d up on %s", cfg.ThisDC, cfg.Server.Listen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			if err := logBackend.Rotate(); err != nil {
				log.Errorf("log rotate: %v", err)
			}
			continue
		}
		log.Noticef("received %v, shutting down", sig)
		return nil
	}
	return nil
}

// loadServerKeys reads the configured RSA key files. With none
// configured an ephemeral key is generated; handshakes then only work
// against clients that learn the fingerprint at runtime.
func loadServerKeys(files []string) ([]*crypto.ServerKey, error) {
	if len(files) == 0 {
		key, err := crypto.GenerateServerKey()
		if err != nil {
			return nil, fmt.Errorf("generate ephemeral RSA key: %w", err)
		}
		return []*crypto.ServerKey{key}, nil
	}

	keys := make([]*crypto.ServerKey, 0, len(files))
	for _, f := range files {
		key, err := crypto.LoadServerKey(f)
		if err != nil {
			return nil, fmt.Errorf("load RSA key %s: %w", f, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func openKeyStore(cfg *config.Storage) (auth.KeyStore, func(), error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		store, err := storage.NewSQLiteKeyStore(cfg.Path, cfg.Retention())
		if err != nil {
			return nil, nil, fmt.Errorf("open key store: %w", err)
		}
		return store, func() { store.Close() }, nil
	default:
		return auth.NewMemoryKeyStore(), func() {}, nil
	}
}

func buildRegistry(cfg *config.Config) (*router.DCRegistry, error) {
	options := make([]router.DCOption, 0, len(cfg.DCs))
	for _, dc := range cfg.DCs {
		addr, err := dc.Multiaddr()
		if err != nil {
			return nil, err
		}
		options = append(options, router.DCOption{ID: dc.ID, Addr: addr})
	}
	return &router.DCRegistry{ThisDC: cfg.ThisDC, Options: options}, nil
}

func generateKeys(n int, dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		key, err := crypto.GenerateServerKey()
		if err != nil {
			return err
		}
		path := filepath.Join(dir, fmt.Sprintf("rsa%d.pem", i+1))
		if err := crypto.SaveServerKey(path, key); err != nil {
			return err
		}
		fmt.Printf("%s fingerprint %016x\n", path, key.Fingerprint())
	}
	return nil
}
