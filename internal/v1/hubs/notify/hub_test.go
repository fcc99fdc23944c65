package notify_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yurtcord/realtime/internal/v1/auth"
	"github.com/yurtcord/realtime/internal/v1/hubs/notify"
	"github.com/yurtcord/realtime/internal/v1/testutil"
	"github.com/yurtcord/realtime/internal/v1/types"
)

func newNotifyFixture(t *testing.T) (*testutil.Fixture, *notify.Hub) {
	f := testutil.NewFixture(t)
	h := notify.New(f.Core, f.Router, f.Repo)
	return f, h
}

func unreadOf(t *testing.T, c *testutil.MockConn) int {
	t.Helper()
	ev, ok := c.LastNamed(notify.EventUnreadCount)
	require.True(t, ok, "no UnreadCount pushed")
	var count int
	require.NoError(t, ev.DecodeArg(0, &count))
	return count
}

func TestUnreadCountPushedOnAuth(t *testing.T) {
	f, h := newNotifyFixture(t)
	ctx := context.Background()

	_, err := h.SendNotificationToUser(ctx, "u1", "system", "hi", "welcome", "", "")
	require.NoError(t, err)

	c := testutil.NewMockConn("c1")
	f.Core.HandleConnect(ctx, c)
	f.Auth.AddUser("tok", &auth.User{ID: "u1", Username: "alice"})
	f.Invoke(c, "Authenticate", "tok")

	assert.Equal(t, 1, unreadOf(t, c))
}

func TestSendNotificationDeliversAndIncrements(t *testing.T) {
	f, h := newNotifyFixture(t)
	c1 := f.Login("c1", &auth.User{ID: "u1", Username: "alice"})
	c1b := f.Login("c1b", &auth.User{ID: "u1", Username: "alice"})
	c2 := f.Login("c2", &auth.User{ID: "u2", Username: "bob"})

	n, err := h.SendNotificationToUser(context.Background(), "u1", "friend_request", "New request", "bob wants to be friends", "icon.png", "/friends")
	require.NoError(t, err)
	assert.NotEmpty(t, n.ID)

	// Every connection of the recipient gets both events; others none.
	for _, c := range []*testutil.MockConn{c1, c1b} {
		assert.Equal(t, 1, c.CountNamed(notify.EventNewNotification), "conn %s", c.ConnID)
		assert.Equal(t, 1, c.CountNamed(notify.EventUnreadCountIncremented), "conn %s", c.ConnID)
	}
	assert.Equal(t, 0, c2.CountNamed(notify.EventNewNotification))
}

func TestGetNotificationsPaging(t *testing.T) {
	f, h := newNotifyFixture(t)
	c := f.Login("c1", &auth.User{ID: "u1", Username: "alice"})

	for i := 0; i < 5; i++ {
		_, err := h.SendNotificationToUser(context.Background(), "u1", "system", "t", "m", "", "")
		require.NoError(t, err)
	}

	f.Invoke(c, "GetNotifications", false, 1, 3)
	ev, ok := c.LastNamed(notify.EventNotifications)
	require.True(t, ok)
	var page []types.Notification
	require.NoError(t, ev.DecodeArg(0, &page))
	assert.Len(t, page, 3)
}

func TestMarkAsReadAndCounter(t *testing.T) {
	f, h := newNotifyFixture(t)
	c := f.Login("c1", &auth.User{ID: "u1", Username: "alice"})

	n1, _ := h.SendNotificationToUser(context.Background(), "u1", "system", "t", "m", "", "")
	h.SendNotificationToUser(context.Background(), "u1", "system", "t", "m", "", "")

	f.Invoke(c, "MarkAsRead", n1.ID)
	assert.Equal(t, 1, unreadOf(t, c))

	f.Invoke(c, "MarkAllAsRead")
	assert.Equal(t, 0, unreadOf(t, c))

	// Unknown ids produce a typed error.
	f.Invoke(c, "MarkAsRead", "missing")
	assert.Equal(t, 1, c.CountNamed(notify.EventNotificationError))
}

func TestDeleteNotification(t *testing.T) {
	f, h := newNotifyFixture(t)
	c := f.Login("c1", &auth.User{ID: "u1", Username: "alice"})
	other := f.Login("c2", &auth.User{ID: "u2", Username: "bob"})

	n, _ := h.SendNotificationToUser(context.Background(), "u1", "system", "t", "m", "", "")

	// Only the recipient can delete.
	f.Invoke(other, "DeleteNotification", n.ID)
	assert.Equal(t, 1, other.CountNamed(notify.EventNotificationError))

	f.Invoke(c, "DeleteNotification", n.ID)
	assert.Equal(t, 0, unreadOf(t, c))

	f.Invoke(c, "GetNotifications", false, 1, 10)
	ev, _ := c.LastNamed(notify.EventNotifications)
	var page []types.Notification
	require.NoError(t, ev.DecodeArg(0, &page))
	assert.Empty(t, page)
}
