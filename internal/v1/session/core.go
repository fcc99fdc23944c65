// Package session implements the auth/session core: the three-phase
// connection handshake (connect → authenticate → authenticated), the
// invocation dispatcher shared by every hub, and the ordered disconnect
// cleanup chain.
//
// Dispatch Gate:
// A connection in handshake state may invoke only Authenticate or Ping.
// Everything else fails with PreconditionFailed and leaves the connection's
// state unchanged.
//
// Cleanup Ordering:
// Hubs register cleanup hooks in two phases. Pre-unbind hooks run while the
// user binding still exists (voice teardown: shares, channels, rooms,
// calls). Then the registry unbinds the connection and reports whether it
// was the user's last. Post-unbind hooks handle the announce phase
// (presence offline, leave messages). Each hook must tolerate a connection
// that never authenticated.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yurtcord/realtime/internal/v1/config"
	"github.com/yurtcord/realtime/internal/v1/metrics"
	"github.com/yurtcord/realtime/internal/v1/registry"
	"github.com/yurtcord/realtime/internal/v1/router"
	"github.com/yurtcord/realtime/internal/v1/transport"
	"github.com/yurtcord/realtime/internal/v1/types"

	authpkg "github.com/yurtcord/realtime/internal/v1/auth"
)

// Event names owned by the session core.
const (
	EventConnectionHandshake   = "ConnectionHandshake"
	EventAuthenticationSuccess = "AuthenticationSuccess"
	EventAuthenticationFailed  = "AuthenticationFailed"
	EventPong                  = "Pong"
	EventPreconditionFailed    = "PreconditionFailed"
	EventServerError           = "ServerError"
)

// AuthenticationFailed kinds.
const (
	FailInvalidToken      = "InvalidToken"
	FailInvalidHandshake  = "InvalidHandshake"
	FailConnectionExpired = "ConnectionExpired"
)

// Handler is one hub method. Handlers emit their own typed error events;
// a returned error is logged and surfaced to the caller as ServerError.
type Handler func(ctx context.Context, c types.ClientConn, args transport.Args) error

// AuthHook runs after a successful authentication. firstConn is true when
// this is the user's first live connection.
type AuthHook func(ctx context.Context, c types.ClientConn, snapshot types.UserSnapshot, firstConn bool)

// CleanupHook runs during disconnect while the user binding still exists.
type CleanupHook func(ctx context.Context, c types.ClientConn)

// OfflineHook runs after the registry unbind. snapshot carries the last
// cached profile; wasLast is true when no connections of the user remain.
type OfflineHook func(ctx context.Context, c types.ClientConn, snapshot types.UserSnapshot, wasLast bool)

// UserStore is the slice of the repository the core itself needs: keeping
// the searchable user table current on every authentication.
type UserStore interface {
	UpsertUser(ctx context.Context, u types.UserSnapshot) error
}

// Core wires the transport to the hubs. It implements transport.Dispatcher.
type Core struct {
	auth     authpkg.Authenticator
	registry *registry.Registry
	router   *router.Router
	cfg      *config.Config
	users    UserStore // optional

	mu      sync.RWMutex
	methods map[string]Handler

	onAuth     []AuthHook
	preUnbind  []CleanupHook
	postUnbind []OfflineHook
}

// New creates the session core. users may be nil.
func New(a authpkg.Authenticator, reg *registry.Registry, rt *router.Router, cfg *config.Config, users UserStore) *Core {
	return &Core{
		auth:     a,
		registry: reg,
		router:   rt,
		cfg:      cfg,
		users:    users,
		methods:  make(map[string]Handler),
	}
}

// Register adds a hub method to the dispatch table. Registration happens at
// wiring time, before the server accepts connections.
func (s *Core) Register(name string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.methods[name]; exists {
		panic(fmt.Sprintf("session: duplicate method registration: %s", name))
	}
	s.methods[name] = h
}

// OnAuthenticated registers a hub enrolment hook. Hooks run in registration
// order.
func (s *Core) OnAuthenticated(h AuthHook) {
	s.onAuth = append(s.onAuth, h)
}

// OnDisconnectCleanup registers a pre-unbind cleanup hook.
func (s *Core) OnDisconnectCleanup(h CleanupHook) {
	s.preUnbind = append(s.preUnbind, h)
}

// OnUserOffline registers a post-unbind hook.
func (s *Core) OnUserOffline(h OfflineHook) {
	s.postUnbind = append(s.postUnbind, h)
}

// --- transport.Dispatcher ---

// HandleConnect records the connection and pushes the handshake event.
func (s *Core) HandleConnect(ctx context.Context, c types.ClientConn) {
	s.registry.Track(c)
	hub := ""
	if named, ok := c.(interface{ Hub() string }); ok {
		hub = named.Hub()
	}
	c.SendEvent(EventConnectionHandshake, map[string]any{
		"connectionId": c.ID(),
		"serverTime":   time.Now().UTC(),
		"hub":          hub,
	})
}

// Dispatch routes one invocation through the handshake gate to its handler.
func (s *Core) Dispatch(ctx context.Context, c types.ClientConn, inv transport.Invocation) {
	start := time.Now()
	status := "ok"
	defer func() {
		metrics.Invocations.WithLabelValues(inv.Method, status).Inc()
		metrics.DispatchDuration.WithLabelValues(inv.Method).Observe(time.Since(start).Seconds())
	}()

	switch inv.Method {
	case "Ping":
		s.handlePing(c)
		return
	case "Authenticate":
		if err := s.handleAuthenticate(ctx, c, inv.Args); err != nil {
			status = "error"
		}
		return
	}

	if !c.Authenticated() {
		status = "precondition_failed"
		c.SendEvent(EventPreconditionFailed, map[string]any{
			"method":  inv.Method,
			"message": "not authenticated",
		})
		return
	}

	s.mu.RLock()
	handler, ok := s.methods[inv.Method]
	s.mu.RUnlock()
	if !ok {
		status = "unknown_method"
		c.SendEvent(EventPreconditionFailed, map[string]any{
			"method":  inv.Method,
			"message": "unknown method",
		})
		return
	}

	defer func() {
		if r := recover(); r != nil {
			status = "panic"
			slog.Error("Handler panicked", "method", inv.Method, "connId", c.ID(), "panic", r)
			c.SendEvent(EventServerError, map[string]any{"method": inv.Method})
		}
	}()

	if err := handler(ctx, c, inv.Args); err != nil {
		status = "error"
		slog.Warn("Handler failed", "method", inv.Method, "connId", c.ID(), "error", err)
		c.SendEvent(EventServerError, map[string]any{"method": inv.Method})
	}
}

// HandleDisconnect runs the cleanup chain. Transport guarantees exactly one
// call per connection.
func (s *Core) HandleDisconnect(ctx context.Context, c types.ClientConn) {
	for _, hook := range s.preUnbind {
		hook(ctx, c)
	}

	snapshot, wasLast := s.registry.Unbind(c)
	s.router.LeaveAll(c.ID())

	for _, hook := range s.postUnbind {
		hook(ctx, c, snapshot, wasLast)
	}

	if wasLast && snapshot.ID != "" {
		s.auth.SetUserOnlineStatus(ctx, snapshot.ID, false)
	}
}

// --- Built-in methods ---

func (s *Core) handlePing(c types.ClientConn) {
	c.Touch()
	c.SendEvent(EventPong, map[string]any{
		"serverTime":   time.Now().UTC(),
		"connectionId": c.ID(),
	})
}

func (s *Core) handleAuthenticate(ctx context.Context, c types.ClientConn, args transport.Args) error {
	if c.Authenticated() {
		c.SendEvent(EventAuthenticationFailed, map[string]any{
			"kind":    FailInvalidHandshake,
			"message": "connection already authenticated",
		})
		return nil
	}

	if time.Since(c.HandshakeAt()) > s.cfg.HandshakeTimeout {
		c.SendEvent(EventAuthenticationFailed, map[string]any{
			"kind":    FailConnectionExpired,
			"message": "handshake expired, reconnect and authenticate again",
		})
		return nil
	}

	token, err := args.String(0)
	if err != nil || token == "" {
		c.SendEvent(EventAuthenticationFailed, map[string]any{
			"kind":    FailInvalidToken,
			"message": "token not provided",
		})
		return nil
	}

	user, err := s.auth.ValidateToken(ctx, token)
	if err != nil {
		slog.Info("Authentication rejected", "connId", c.ID(), "error", err)
		c.SendEvent(EventAuthenticationFailed, map[string]any{
			"kind":    FailInvalidToken,
			"message": "invalid token",
		})
		return nil
	}

	if !c.BindUser(user.ID) {
		c.SendEvent(EventAuthenticationFailed, map[string]any{
			"kind":    FailInvalidHandshake,
			"message": "connection already bound",
		})
		return nil
	}

	snapshot := s.auth.MapToDto(user)
	firstConn := s.registry.Bind(c, snapshot)
	c.SetSessionID(uuid.NewString())
	s.router.Join(router.User(user.ID), c)

	if s.users != nil {
		if err := s.users.UpsertUser(ctx, snapshot); err != nil {
			slog.Warn("Failed to refresh user table", "userId", user.ID, "error", err)
		}
	}
	if firstConn {
		s.auth.SetUserOnlineStatus(ctx, user.ID, true)
	}

	authenticatedAt := time.Now().UTC()

	// Hub enrolments and initial state pushes come first; the success event
	// closes the handshake exchange.
	for _, hook := range s.onAuth {
		hook(ctx, c, snapshot, firstConn)
	}

	c.SendEvent(EventAuthenticationSuccess, map[string]any{
		"user":            snapshot,
		"connectionId":    c.ID(),
		"authenticatedAt": authenticatedAt,
		"sessionId":       c.SessionID(),
	})

	slog.Info("Connection authenticated",
		"connId", c.ID(),
		"userId", user.ID,
		"firstConn", firstConn,
	)
	return nil
}

// StartIdleSweeper launches the background task that disconnects expired
// handshakes and, when an idle threshold is configured, idle authenticated
// connections. Returns a stop function.
func (s *Core) StartIdleSweeper(ctx context.Context) func() {
	sweepCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				s.SweepOnce()
			}
		}
	}()
	return cancel
}

// SweepOnce runs one pass of the idle/handshake expiry sweep.
func (s *Core) SweepOnce() {
	now := time.Now().UTC()
	for _, c := range s.registry.AllConns() {
		if !c.Authenticated() {
			if now.Sub(c.HandshakeAt()) > s.cfg.HandshakeTimeout {
				c.Close("handshake expired")
			}
			continue
		}
		if s.cfg.IdleThreshold > 0 && now.Sub(c.LastSeen()) > s.cfg.IdleThreshold {
			c.Close("idle")
		}
	}
}
