package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/osbornesec/ccobservatory/pkg/auth"
)

// wsHandler handles GET /ws?token=...
//
// The upgrade happens before authentication so failures can be reported
// with a proper WebSocket close frame instead of an opaque HTTP error:
// 1008 (policy violation) for missing or invalid credentials, 1011 for a
// validator malfunction.
func (s *Server) wsHandler(c *gin.Context) {
	if s.connManager == nil || s.validator == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "WebSocket not available"})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		// Dashboards are served from arbitrary local origins.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("WebSocket accept failed", "error", err)
		return
	}

	token := c.Query("token")
	if token == "" {
		_ = conn.Close(websocket.StatusPolicyViolation, "Authentication required")
		return
	}

	user, err := s.validator.Validate(token)
	if err != nil {
		if errors.Is(err, auth.ErrAuthentication) {
			_ = conn.Close(websocket.StatusPolicyViolation, "Authentication failed")
		} else {
			slog.Error("Token validation error", "error", err)
			_ = conn.Close(websocket.StatusInternalError, "Authentication service error")
		}
		return
	}

	id := s.connManager.Accept(c.Request.Context(), conn, user)
	// Blocks until the peer disconnects.
	s.connManager.HandleSession(id)
}
