package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/yurtcord/realtime/internal/v1/types"
)

// Server accepts websocket upgrades and hands established connections to the
// dispatcher. One Server fronts every hub endpoint; the hub name is a path
// parameter so a single connection registry serves them all.
type Server struct {
	dispatcher      Dispatcher
	allowedOrigins  []string
	maxMessageBytes int64
}

// NewServer creates a Server.
func NewServer(dispatcher Dispatcher, allowedOrigins []string, maxMessageBytes int64) *Server {
	return &Server{
		dispatcher:      dispatcher,
		allowedOrigins:  allowedOrigins,
		maxMessageBytes: maxMessageBytes,
	}
}

// validateOrigin checks the Origin header against the allowlist. An empty
// origin is allowed for non-browser clients.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return errors.New("unparseable origin")
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}
	return errors.New("origin not allowed")
}

// ServeWS upgrades an HTTP request to a persistent connection.
//
// Authentication happens after the upgrade via the Authenticate invocation,
// so the only gate here is the origin check. The hub name comes from the
// :hub path parameter.
//
// Responses:
//   - 403 Forbidden if the origin is not allowed.
//   - Upgrades to WebSocket on success.
func (s *Server) ServeWS(c *gin.Context) {
	if err := validateOrigin(c.Request, s.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, s.allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				// Pre-allocate 4KB buffers
				return make([]byte, 4096)
			},
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection", "error", err)
		return
	}

	hub := c.Param("hub")
	if hub == "" {
		hub = "chat"
	}

	// The request context dies when the handler returns; the connection
	// outlives it.
	client := NewClient(conn, s.dispatcher, types.ConnID(uuid.NewString()), hub, s.maxMessageBytes)
	client.Start(context.Background())
}
