package friends_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yurtcord/realtime/internal/v1/auth"
	"github.com/yurtcord/realtime/internal/v1/hubs/friends"
	"github.com/yurtcord/realtime/internal/v1/testutil"
	"github.com/yurtcord/realtime/internal/v1/types"
)

func newFriendsFixture(t *testing.T) *testutil.Fixture {
	f := testutil.NewFixture(t)
	friends.New(f.Core, f.Router, f.Registry, f.Repo, f.Auth)
	return f
}

func alice() *auth.User { return &auth.User{ID: "u1", Username: "alice"} }
func bob() *auth.User   { return &auth.User{ID: "u2", Username: "bob"} }

type friendRow struct {
	UserID   types.UserID `json:"userId"`
	Username string       `json:"username"`
	Online   bool         `json:"online"`
}

func friendsListOf(t *testing.T, c *testutil.MockConn) []friendRow {
	t.Helper()
	ev, ok := c.LastNamed(friends.EventFriendsList)
	require.True(t, ok, "no FriendsList pushed to %s", c.ConnID)
	var rows []friendRow
	require.NoError(t, ev.DecodeArg(0, &rows))
	return rows
}

func sendAndAccept(t *testing.T, f *testutil.Fixture, from, to *testutil.MockConn) {
	t.Helper()
	f.Invoke(from, "SendFriendRequestById", string(to.UserID()))
	ev, ok := to.LastNamed(friends.EventNewFriendRequest)
	require.True(t, ok)
	var fr types.Friendship
	require.NoError(t, ev.DecodeArg(0, &fr))
	f.Invoke(to, "RespondToFriendRequest", fr.ID, true)
}

func TestFriendRequestLifecycleAccept(t *testing.T) {
	f := newFriendsFixture(t)
	c1 := f.Login("c1", alice())
	c2 := f.Login("c2", bob())

	f.Invoke(c1, "SendFriendRequestById", "u2")

	assert.Equal(t, 1, c1.CountNamed(friends.EventFriendRequestSent))
	require.Equal(t, 1, c2.CountNamed(friends.EventNewFriendRequest))

	ev, _ := c2.LastNamed(friends.EventNewFriendRequest)
	var fr types.Friendship
	require.NoError(t, ev.DecodeArg(0, &fr))
	assert.Equal(t, types.FriendshipPending, fr.Status)

	f.Invoke(c2, "RespondToFriendRequest", fr.ID, true)

	// Requester is told and both lists now contain the counter-party.
	assert.Equal(t, 1, c1.CountNamed(friends.EventFriendRequestAccepted))
	rows1 := friendsListOf(t, c1)
	require.Len(t, rows1, 1)
	assert.Equal(t, types.UserID("u2"), rows1[0].UserID)
	assert.True(t, rows1[0].Online)

	rows2 := friendsListOf(t, c2)
	require.Len(t, rows2, 1)
	assert.Equal(t, types.UserID("u1"), rows2[0].UserID)
}

func TestFriendRequestDecline(t *testing.T) {
	f := newFriendsFixture(t)
	c1 := f.Login("c1", alice())
	c2 := f.Login("c2", bob())

	f.Invoke(c1, "SendFriendRequestById", "u2")
	ev, _ := c2.LastNamed(friends.EventNewFriendRequest)
	var fr types.Friendship
	require.NoError(t, ev.DecodeArg(0, &fr))

	f.Invoke(c2, "RespondToFriendRequest", fr.ID, false)

	assert.Equal(t, 1, c1.CountNamed(friends.EventFriendRequestDeclined))
	assert.Empty(t, friendsListOf(t, c1))

	// A declined pair can try again.
	f.Invoke(c1, "SendFriendRequestById", "u2")
	assert.Equal(t, 2, c1.CountNamed(friends.EventFriendRequestSent))
}

func TestFriendRequestInvariants(t *testing.T) {
	f := newFriendsFixture(t)
	c1 := f.Login("c1", alice())
	c2 := f.Login("c2", bob())

	// Self-request is rejected.
	f.Invoke(c1, "SendFriendRequestById", "u1")
	assert.Equal(t, 1, c1.CountNamed(friends.EventFriendError))

	// A second request for the same unordered pair fails.
	f.Invoke(c1, "SendFriendRequestById", "u2")
	f.Invoke(c2, "SendFriendRequestById", "u1")
	assert.Equal(t, 1, c2.CountNamed(friends.EventFriendError))

	// Only the addressee can respond.
	ev, _ := c2.LastNamed(friends.EventNewFriendRequest)
	var fr types.Friendship
	require.NoError(t, ev.DecodeArg(0, &fr))
	f.Invoke(c1, "RespondToFriendRequest", fr.ID, true)
	assert.Equal(t, 2, c1.CountNamed(friends.EventFriendError))
}

func TestCancelFriendRequest(t *testing.T) {
	f := newFriendsFixture(t)
	c1 := f.Login("c1", alice())
	c2 := f.Login("c2", bob())

	f.Invoke(c1, "SendFriendRequestById", "u2")
	ev, _ := c1.LastNamed(friends.EventFriendRequestSent)
	var fr types.Friendship
	require.NoError(t, ev.DecodeArg(0, &fr))

	// Only the requester can cancel.
	f.Invoke(c2, "CancelFriendRequest", fr.ID)
	assert.Equal(t, 1, c2.CountNamed(friends.EventFriendError))

	f.Invoke(c1, "CancelFriendRequest", fr.ID)

	var pending []friendRow
	pendingEv, ok := c2.LastNamed(friends.EventPendingRequests)
	require.True(t, ok)
	require.NoError(t, pendingEv.DecodeArg(0, &pending))
	assert.Empty(t, pending)
}

func TestRemoveFriend(t *testing.T) {
	f := newFriendsFixture(t)
	c1 := f.Login("c1", alice())
	c2 := f.Login("c2", bob())
	sendAndAccept(t, f, c1, c2)

	f.Invoke(c1, "RemoveFriend", "u2")

	assert.Empty(t, friendsListOf(t, c1))
	assert.Empty(t, friendsListOf(t, c2))
}

func TestBlockSupersedesFriendshipSilently(t *testing.T) {
	f := newFriendsFixture(t)
	c1 := f.Login("c1", alice())
	c2 := f.Login("c2", bob())
	sendAndAccept(t, f, c1, c2)
	c2.ClearEvents()

	f.Invoke(c1, "BlockUser", "u2", "spam")

	// Both lists drop the pair; the blocked user gets a plain list refresh
	// and no dedicated "you were blocked" event.
	assert.Empty(t, friendsListOf(t, c1))
	assert.Empty(t, friendsListOf(t, c2))
	for _, ev := range c2.Events() {
		assert.NotContains(t, ev.Name, "Block")
	}

	// DMs from the blocker echo to the blocker only.
	f.Invoke(c1, "SendDirectMessage", "u2", "hidden")
	assert.Equal(t, 1, c1.CountNamed(friends.EventReceiveDirectMessage))
	assert.Equal(t, 0, c2.CountNamed(friends.EventReceiveDirectMessage))
}

func TestUnblockRestoresNothing(t *testing.T) {
	f := newFriendsFixture(t)
	c1 := f.Login("c1", alice())
	f.Login("c2", bob())

	f.Invoke(c1, "BlockUser", "u2", "")
	f.Invoke(c1, "UnblockUser", "u2")

	assert.Empty(t, friendsListOf(t, c1))

	// Only the blocker can unblock, and only while a block exists.
	f.Invoke(c1, "UnblockUser", "u2")
	assert.Equal(t, 1, c1.CountNamed(friends.EventBlockError))
}

func TestSearchUsersAnnotatesAndExcludesCaller(t *testing.T) {
	f := newFriendsFixture(t)
	c1 := f.Login("c1", alice())
	c2 := f.Login("c2", bob())
	f.Login("c3", &auth.User{ID: "u3", Username: "bobby"})
	sendAndAccept(t, f, c1, c2)
	c1.ClearEvents()

	f.Invoke(c1, "SearchUsers", "bob")

	ev, ok := c1.LastNamed(friends.EventUserSearchResults)
	require.True(t, ok)
	var results []struct {
		ID       types.UserID `json:"id"`
		IsFriend bool         `json:"isFriend"`
	}
	require.NoError(t, ev.DecodeArg(0, &results))
	require.Len(t, results, 2)

	byID := map[types.UserID]bool{}
	for _, r := range results {
		byID[r.ID] = r.IsFriend
	}
	assert.True(t, byID["u2"])
	assert.False(t, byID["u3"])

	// The caller never appears in their own results.
	f.Invoke(c1, "SearchUsers", "alice")
	ev, _ = c1.LastNamed(friends.EventUserSearchResults)
	require.NoError(t, ev.DecodeArg(0, &results))
	assert.Empty(t, results)
}

func TestDirectMessagesFlow(t *testing.T) {
	f := newFriendsFixture(t)
	c1 := f.Login("c1", alice())
	c2 := f.Login("c2", bob())

	f.Invoke(c1, "SendDirectMessage", "u2", "hey bob")

	for _, c := range []*testutil.MockConn{c1, c2} {
		events := c.EventsNamed(friends.EventReceiveDirectMessage)
		require.Len(t, events, 1, "conn %s", c.ConnID)
	}

	// Unread counter visible in recipient's conversation push.
	ev, ok := c2.LastNamed(friends.EventConversations)
	require.True(t, ok)
	var convs []types.Conversation
	require.NoError(t, ev.DecodeArg(0, &convs))
	require.Len(t, convs, 1)
	assert.Equal(t, 1, convs[0].Unread)

	// History fetch marks the thread read.
	f.Invoke(c2, "GetDMHistory", "u1")
	assert.Equal(t, 1, c2.CountNamed(friends.EventDMHistory))
	ev, _ = c2.LastNamed(friends.EventConversations)
	require.NoError(t, ev.DecodeArg(0, &convs))
	assert.Equal(t, 0, convs[0].Unread)
}

func TestMarkMessagesReadSendsReceipt(t *testing.T) {
	f := newFriendsFixture(t)
	c1 := f.Login("c1", alice())
	c2 := f.Login("c2", bob())

	f.Invoke(c1, "SendDirectMessage", "u2", "one")
	f.Invoke(c1, "SendDirectMessage", "u2", "two")
	f.Invoke(c2, "MarkMessagesRead", "u1")

	ev, ok := c1.LastNamed(friends.EventMessagesRead)
	require.True(t, ok)
	var marked int
	require.NoError(t, ev.DecodeArg(1, &marked))
	assert.Equal(t, 2, marked)
}

func TestDMTypingIndicators(t *testing.T) {
	f := newFriendsFixture(t)
	c1 := f.Login("c1", alice())
	c2 := f.Login("c2", bob())

	f.Invoke(c1, "StartTypingDM", "u2")
	assert.Equal(t, 1, c2.CountNamed(friends.EventDMTyping))
	f.Invoke(c1, "StopTypingDM", "u2")
	assert.Equal(t, 1, c2.CountNamed(friends.EventDMStoppedTyping))
	assert.Equal(t, 0, c1.CountNamed(friends.EventDMTyping))
}

func TestPresenceFanOutToFriends(t *testing.T) {
	f := newFriendsFixture(t)
	c1 := f.Login("c1", alice())
	c2 := f.Login("c2", bob())
	sendAndAccept(t, f, c1, c2)
	c2.ClearEvents()

	// A second device does not re-announce online.
	f.Login("c1b", alice())
	assert.Equal(t, 0, c2.CountNamed(friends.EventFriendOnline))

	// Going fully offline announces FriendOffline once.
	conns := f.Registry.Connections("u1")
	require.Len(t, conns, 2)
	for _, conn := range conns {
		f.Disconnect(conn.(*testutil.MockConn))
	}
	assert.Equal(t, 1, c2.CountNamed(friends.EventFriendOffline))
}

func TestFriendOnlineAnnouncedOnLogin(t *testing.T) {
	f := newFriendsFixture(t)
	c1 := f.Login("c1", alice())
	c2 := f.Login("c2", bob())
	sendAndAccept(t, f, c1, c2)

	f.Disconnect(c2)
	c1.ClearEvents()

	// Bob comes back: alice hears FriendOnline.
	f.Login("c2-new", bob())
	events := c1.EventsNamed(friends.EventFriendOnline)
	require.Len(t, events, 1)
	var uid types.UserID
	require.NoError(t, events[0].DecodeArg(0, &uid))
	assert.Equal(t, types.UserID("u2"), uid)
}
