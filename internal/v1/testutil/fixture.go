package testutil

import (
	"context"
	"sync"
	"testing"

	"github.com/yurtcord/realtime/internal/v1/auth"
	"github.com/yurtcord/realtime/internal/v1/config"
	"github.com/yurtcord/realtime/internal/v1/registry"
	"github.com/yurtcord/realtime/internal/v1/repository"
	"github.com/yurtcord/realtime/internal/v1/router"
	"github.com/yurtcord/realtime/internal/v1/session"
	"github.com/yurtcord/realtime/internal/v1/transport"
	"github.com/yurtcord/realtime/internal/v1/types"
)

// FakeAuth is a programmable auth.Authenticator keyed by token.
type FakeAuth struct {
	mu     sync.Mutex
	tokens map[string]*auth.User
}

func NewFakeAuth() *FakeAuth {
	return &FakeAuth{tokens: make(map[string]*auth.User)}
}

// AddUser registers a token → user mapping and returns the user.
func (f *FakeAuth) AddUser(token string, u *auth.User) *auth.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u.Role == "" {
		u.Role = types.RoleUser
	}
	f.tokens[token] = u
	return u
}

func (f *FakeAuth) ValidateToken(ctx context.Context, token string) (*auth.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.tokens[token]; ok {
		return u, nil
	}
	return nil, auth.ErrInvalidToken
}

func (f *FakeAuth) GetUserByID(ctx context.Context, id types.UserID) (*auth.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.tokens {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, types.ErrNotFound
}

func (f *FakeAuth) SetUserOnlineStatus(ctx context.Context, id types.UserID, online bool) {}

func (f *FakeAuth) MapToDto(u *auth.User) types.UserSnapshot {
	return auth.MapToDto(u)
}

// Fixture assembles a session core over the in-memory repository. Hubs are
// attached by the caller before the first connection.
type Fixture struct {
	T        *testing.T
	Core     *session.Core
	Router   *router.Router
	Registry *registry.Registry
	Repo     *repository.Memory
	Auth     *FakeAuth
	Cfg      *config.Config
}

func NewFixture(t *testing.T) *Fixture {
	t.Helper()
	cfg := config.Default()
	reg := registry.New()
	rt := router.New()
	repo := repository.NewMemory()
	fakeAuth := NewFakeAuth()
	core := session.New(fakeAuth, reg, rt, cfg, repo)
	return &Fixture{
		T:        t,
		Core:     core,
		Router:   rt,
		Registry: reg,
		Repo:     repo,
		Auth:     fakeAuth,
		Cfg:      cfg,
	}
}

// Connect opens a mock connection in handshake state.
func (f *Fixture) Connect(id string) *MockConn {
	c := NewMockConn(id)
	f.Core.HandleConnect(context.Background(), c)
	return c
}

// Login opens a connection and authenticates it as the given user.
// Recorded setup events are cleared so tests assert only what they cause.
func (f *Fixture) Login(connID string, user *auth.User) *MockConn {
	f.T.Helper()
	token := "token-" + connID
	f.Auth.AddUser(token, user)

	c := f.Connect(connID)
	f.Core.Dispatch(context.Background(), c, transport.Invocation{
		Method: "Authenticate",
		Args:   MustArgs(token),
	})
	if !c.Authenticated() {
		f.T.Fatalf("login failed for conn %s", connID)
	}
	c.ClearEvents()
	return c
}

// Invoke dispatches a method invocation on an established connection.
func (f *Fixture) Invoke(c *MockConn, method string, args ...any) {
	f.T.Helper()
	f.Core.Dispatch(context.Background(), c, transport.Invocation{
		Method: method,
		Args:   MustArgs(args...),
	})
}

// Disconnect runs the disconnect cleanup chain for a connection.
func (f *Fixture) Disconnect(c *MockConn) {
	f.Core.HandleDisconnect(context.Background(), c)
	c.Close("disconnected")
}
