// Package api provides the HTTP status API for the gateway.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gopkg.in/op/go-logging.v1"

	"github.com/openmtp/dcgate/pkg/auth"
	"github.com/openmtp/dcgate/pkg/network"
)

// Server exposes read-only operational state over HTTP.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	log        *logging.Logger

	dcID      int32
	startTime time.Time
	metrics   network.Metrics
	sessions  *auth.MemorySessionStore
	keys      auth.KeyStore
}

// NewServer wires the status API over the gateway's live state.
func NewServer(dcID int32, metrics network.Metrics, sessions *auth.MemorySessionStore, keys auth.KeyStore, log *logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:    router,
		log:       log,
		dcID:      dcID,
		startTime: time.Now(),
		metrics:   metrics,
		sessions:  sessions,
		keys:      keys,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/sessions", s.handleSessions)
	}
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the API on addr in the background.
func (s *Server) Start(addr string) {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		s.log.Noticef("status API listening on %s", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("status API: %v", err)
		}
	}()
}

// Stop shuts the API down gracefully.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
