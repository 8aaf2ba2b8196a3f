package network

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/openmtp/dcgate/pkg/auth"
	"github.com/openmtp/dcgate/pkg/protocol"
	"github.com/openmtp/dcgate/pkg/router"
)

// Server accepts client connections and runs each one through the
// Gateway, one frame at a time.
type Server struct {
	gateway     *Gateway
	metrics     Metrics
	log         *logging.Logger
	idleTimeout time.Duration

	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	closing  bool
	wg       sync.WaitGroup
}

// NewServer builds a server over the given gateway. idleTimeout bounds
// how long a connection may sit without a complete frame; zero disables
// the deadline.
func NewServer(gateway *Gateway, metrics Metrics, log *logging.Logger, idleTimeout time.Duration) *Server {
	return &Server{
		gateway:     gateway,
		metrics:     metrics,
		log:         log,
		idleTimeout: idleTimeout,
		conns:       make(map[net.Conn]struct{}),
	}
}

// Start begins listening on addr and serving connections in the
// background.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.log.Noticef("listening on %s", listener.Addr())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and all live connections, then waits for
// the connection handlers to drain.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.closing = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if !closing {
				s.log.Errorf("accept: %v", err)
			}
			return
		}
		if !s.track(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// handleConnection reads frames sequentially until the peer hangs up or
// a fatal protocol error occurs. Frames within one connection are never
// processed concurrently; ordering is part of the session contract.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	s.metrics.ConnOpened()
	defer s.metrics.ConnClosed()

	peer := conn.RemoteAddr().String()
	s.log.Debugf("connection from %s", peer)

	ctx := &router.RequestContext{PeerAddr: peer}

	for {
		if s.idleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}

		frame, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debugf("%s: read: %v", peer, err)
			}
			return
		}
		s.metrics.FrameIn()

		reply, err := s.gateway.Process(ctx, frame)
		if err != nil {
			s.logFrameError(peer, err)
			if fatalFrameError(err) {
				return
			}
			continue
		}
		if reply == nil {
			continue
		}

		if err := writeFrame(conn, reply); err != nil {
			s.log.Debugf("%s: write: %v", peer, err)
			return
		}
		s.metrics.FrameOut()
	}
}

func (s *Server) logFrameError(peer string, err error) {
	switch {
	case errors.Is(err, protocol.ErrStaleMessageID):
		s.log.Debugf("%s: %v", peer, err)
	case errors.Is(err, auth.ErrNonceMismatch):
		s.log.Warningf("%s: %v", peer, err)
	default:
		s.log.Infof("%s: %v", peer, err)
	}
}

// fatalFrameError decides whether an error ends the connection. Frame
// and envelope corruption desynchronizes the stream, so the connection
// dies; per-message failures (stale ids, handshake state errors) only
// drop the offending message.
func fatalFrameError(err error) bool {
	switch {
	case errors.Is(err, protocol.ErrMessageTooShort),
		errors.Is(err, protocol.ErrInvalidLength),
		errors.Is(err, ErrBadCiphertext),
		errors.Is(err, ErrMessageKeyMismatch),
		errors.Is(err, ErrUnknownAuthKey):
		return true
	}
	return false
}
