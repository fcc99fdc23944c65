package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yurtcord/realtime/internal/v1/auth"
	"github.com/yurtcord/realtime/internal/v1/session"
	"github.com/yurtcord/realtime/internal/v1/testutil"
	"github.com/yurtcord/realtime/internal/v1/transport"
	"github.com/yurtcord/realtime/internal/v1/types"
)

func TestHandshakeSendsConnectionHandshake(t *testing.T) {
	f := testutil.NewFixture(t)
	c := f.Connect("c1")

	events := c.EventsNamed(session.EventConnectionHandshake)
	require.Len(t, events, 1)

	var payload map[string]any
	require.NoError(t, events[0].DecodeArg(0, &payload))
	assert.Equal(t, "c1", payload["connectionId"])
}

func TestHandshakeGateRejectsEverythingButAuthenticateAndPing(t *testing.T) {
	f := testutil.NewFixture(t)
	f.Core.Register("SendMessage", func(ctx context.Context, c types.ClientConn, args transport.Args) error {
		t.Fatal("handler must not run before authentication")
		return nil
	})

	c := f.Connect("c1")
	c.ClearEvents()

	f.Invoke(c, "SendMessage", "hello")

	assert.Equal(t, 1, c.CountNamed(session.EventPreconditionFailed))
	assert.False(t, c.Authenticated())

	// Ping is always allowed.
	f.Invoke(c, "Ping")
	assert.Equal(t, 1, c.CountNamed(session.EventPong))
}

func TestAuthenticateInvalidToken(t *testing.T) {
	f := testutil.NewFixture(t)
	c := f.Connect("c1")
	c.ClearEvents()

	f.Invoke(c, "Authenticate", "bogus")

	ev, ok := c.LastNamed(session.EventAuthenticationFailed)
	require.True(t, ok)
	var payload map[string]string
	require.NoError(t, ev.DecodeArg(0, &payload))
	assert.Equal(t, session.FailInvalidToken, payload["kind"])
	assert.False(t, c.Authenticated())
}

func TestAuthenticateExpiredHandshake(t *testing.T) {
	f := testutil.NewFixture(t)
	f.Auth.AddUser("tok", &auth.User{ID: "u1", Username: "alice"})

	c := f.Connect("c1")
	c.SetHandshakeAt(time.Now().Add(-10 * time.Minute))
	c.ClearEvents()

	f.Invoke(c, "Authenticate", "tok")

	ev, ok := c.LastNamed(session.EventAuthenticationFailed)
	require.True(t, ok)
	var payload map[string]string
	require.NoError(t, ev.DecodeArg(0, &payload))
	assert.Equal(t, session.FailConnectionExpired, payload["kind"])
}

func TestAuthenticateSuccess(t *testing.T) {
	f := testutil.NewFixture(t)
	f.Auth.AddUser("tok", &auth.User{ID: "u1", Username: "alice"})

	hookCalls := 0
	f.Core.OnAuthenticated(func(ctx context.Context, c types.ClientConn, snapshot types.UserSnapshot, firstConn bool) {
		hookCalls++
		assert.Equal(t, types.UserID("u1"), snapshot.ID)
		assert.True(t, firstConn)
	})

	c := f.Connect("c1")
	c.ClearEvents()
	f.Invoke(c, "Authenticate", "tok")

	require.True(t, c.Authenticated())
	assert.Equal(t, types.UserID("u1"), c.UserID())
	assert.NotEmpty(t, c.SessionID())
	assert.Equal(t, 1, hookCalls)

	ev, ok := c.LastNamed(session.EventAuthenticationSuccess)
	require.True(t, ok)
	var payload struct {
		User      types.UserSnapshot `json:"user"`
		SessionID string             `json:"sessionId"`
	}
	require.NoError(t, ev.DecodeArg(0, &payload))
	assert.Equal(t, "alice", payload.User.Username)
	assert.Equal(t, c.SessionID(), payload.SessionID)

	// The user is now online and in their personal group.
	assert.True(t, f.Registry.IsOnline("u1"))
	assert.Equal(t, 1, f.Router.Count("user_u1"))
}

func TestSessionIDFreshPerAuthentication(t *testing.T) {
	f := testutil.NewFixture(t)
	c1 := f.Login("c1", &auth.User{ID: "u1", Username: "alice"})
	c2 := f.Login("c2", &auth.User{ID: "u1", Username: "alice"})

	assert.NotEmpty(t, c1.SessionID())
	assert.NotEmpty(t, c2.SessionID())
	assert.NotEqual(t, c1.SessionID(), c2.SessionID())
}

func TestAuthenticateTwiceFails(t *testing.T) {
	f := testutil.NewFixture(t)
	c := f.Login("c1", &auth.User{ID: "u1", Username: "alice"})

	f.Invoke(c, "Authenticate", "token-c1")
	assert.Equal(t, 1, c.CountNamed(session.EventAuthenticationFailed))
}

func TestUnknownMethodYieldsPreconditionFailed(t *testing.T) {
	f := testutil.NewFixture(t)
	c := f.Login("c1", &auth.User{ID: "u1", Username: "alice"})

	f.Invoke(c, "NoSuchMethod")
	assert.Equal(t, 1, c.CountNamed(session.EventPreconditionFailed))
}

func TestHandlerErrorSurfacesAsServerError(t *testing.T) {
	f := testutil.NewFixture(t)
	f.Core.Register("Boom", func(ctx context.Context, c types.ClientConn, args transport.Args) error {
		return assert.AnError
	})
	c := f.Login("c1", &auth.User{ID: "u1", Username: "alice"})

	f.Invoke(c, "Boom")
	assert.Equal(t, 1, c.CountNamed(session.EventServerError))

	// The connection survives the failure.
	closed, _ := c.Closed()
	assert.False(t, closed)
}

func TestDisconnectChainOrderingAndLastFlag(t *testing.T) {
	f := testutil.NewFixture(t)

	var order []string
	f.Core.OnDisconnectCleanup(func(ctx context.Context, c types.ClientConn) {
		order = append(order, "pre")
	})
	var lastFlags []bool
	f.Core.OnUserOffline(func(ctx context.Context, c types.ClientConn, snapshot types.UserSnapshot, wasLast bool) {
		order = append(order, "post")
		lastFlags = append(lastFlags, wasLast)
	})

	c1 := f.Login("c1", &auth.User{ID: "u1", Username: "alice"})
	c2 := f.Login("c2", &auth.User{ID: "u1", Username: "alice"})

	f.Disconnect(c1)
	require.Equal(t, []string{"pre", "post"}, order)
	assert.Equal(t, []bool{false}, lastFlags)
	assert.True(t, f.Registry.IsOnline("u1"))

	f.Disconnect(c2)
	assert.Equal(t, []bool{false, true}, lastFlags)
	assert.False(t, f.Registry.IsOnline("u1"))
}

func TestDisconnectNeverAuthenticated(t *testing.T) {
	f := testutil.NewFixture(t)
	called := false
	f.Core.OnUserOffline(func(ctx context.Context, c types.ClientConn, snapshot types.UserSnapshot, wasLast bool) {
		called = true
		assert.False(t, wasLast)
		assert.Empty(t, snapshot.ID)
	})

	c := f.Connect("c1")
	f.Disconnect(c)
	assert.True(t, called)
}
