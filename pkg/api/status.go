package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openmtp/dcgate/pkg/network"
)

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	DC        int32                   `json:"dc"`
	UptimeSec int64                   `json:"uptime_sec"`
	AuthKeys  int                     `json:"auth_keys"`
	Transport network.MetricsSnapshot `json:"transport"`
}

// SessionsResponse is the body of GET /api/v1/sessions.
type SessionsResponse struct {
	PendingHandshakes int `json:"pending_handshakes"`
	AuthKeys          int `json:"auth_keys"`
}

// ErrorResponse is the body of any failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"dc":     s.dcID,
	})
}

// handleStatus handles GET /api/v1/status.
func (s *Server) handleStatus(c *gin.Context) {
	keyCount, err := s.keys.CountKeys()
	if err != nil {
		s.log.Errorf("status: count keys: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "key store unavailable"})
		return
	}

	c.JSON(http.StatusOK, StatusResponse{
		DC:        s.dcID,
		UptimeSec: int64(time.Since(s.startTime).Seconds()),
		AuthKeys:  keyCount,
		Transport: s.metrics.Snapshot(),
	})
}

// handleSessions handles GET /api/v1/sessions.
func (s *Server) handleSessions(c *gin.Context) {
	keyCount, err := s.keys.CountKeys()
	if err != nil {
		s.log.Errorf("sessions: count keys: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "key store unavailable"})
		return
	}

	c.JSON(http.StatusOK, SessionsResponse{
		PendingHandshakes: s.sessions.Len(),
		AuthKeys:          keyCount,
	})
}
