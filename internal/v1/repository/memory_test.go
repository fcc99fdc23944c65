package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yurtcord/realtime/internal/v1/types"
)

func newMessage(channel string, sender types.UserID, content string) *types.ChatMessage {
	return &types.ChatMessage{
		ID:        types.MessageID(uuid.NewString()),
		Channel:   channel,
		SenderID:  sender,
		Content:   content,
		Type:      types.ChatMessageText,
		Timestamp: time.Now().UTC(),
	}
}

func TestMessageLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	msg := newMessage("general", "u1", "hello")
	require.NoError(t, m.SaveMessage(ctx, msg))

	got, err := m.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Content)

	got.Content = "edited"
	now := time.Now().UTC()
	got.EditedAt = &now
	require.NoError(t, m.UpdateMessage(ctx, got))

	got2, err := m.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "edited", got2.Content)
	assert.NotNil(t, got2.EditedAt)

	require.NoError(t, m.DeleteMessage(ctx, msg.ID))
	_, err = m.GetMessage(ctx, msg.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestChannelHistoryOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for i := 0; i < 5; i++ {
		msg := newMessage("general", "u1", string(rune('a'+i)))
		msg.Timestamp = time.Now().UTC().Add(time.Duration(i) * time.Second)
		require.NoError(t, m.SaveMessage(ctx, msg))
	}

	history, err := m.ChannelHistory(ctx, "general", 3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	// Most recent three in ascending order.
	assert.Equal(t, "c", history[0].Content)
	assert.Equal(t, "e", history[2].Content)
}

func TestReactionIdempotence(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	msg := newMessage("general", "u1", "hello")
	require.NoError(t, m.SaveMessage(ctx, msg))

	// Adding twice has the same effect as once.
	_, err := m.AddReaction(ctx, msg.ID, "👍", "u2")
	require.NoError(t, err)
	got, err := m.AddReaction(ctx, msg.ID, "👍", "u2")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Reactions["👍"].Count)

	_, err = m.AddReaction(ctx, msg.ID, "👍", "u3")
	require.NoError(t, err)

	// Remove cancels exactly one prior add.
	got, err = m.RemoveReaction(ctx, msg.ID, "👍", "u2")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Reactions["👍"].Count)
	assert.Equal(t, []types.UserID{"u3"}, got.Reactions["👍"].UserIDs)

	// Removing the last reaction clears the emoji entry.
	got, err = m.RemoveReaction(ctx, msg.ID, "👍", "u3")
	require.NoError(t, err)
	_, exists := got.Reactions["👍"]
	assert.False(t, exists)
}

func TestFriendshipDuplicatePair(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	f1 := &types.Friendship{
		ID: "f1", RequesterID: "a", AddresseeID: "b",
		Status: types.FriendshipPending, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, m.CreateFriendship(ctx, f1))

	// Same unordered pair, either direction, must fail while non-terminal.
	f2 := &types.Friendship{
		ID: "f2", RequesterID: "b", AddresseeID: "a",
		Status: types.FriendshipPending, CreatedAt: time.Now().UTC(),
	}
	assert.ErrorIs(t, m.CreateFriendship(ctx, f2), types.ErrDuplicate)

	// A terminal state frees the pair.
	f1.Status = types.FriendshipDeclined
	require.NoError(t, m.UpdateFriendship(ctx, f1))
	assert.NoError(t, m.CreateFriendship(ctx, f2))
}

func TestFriendshipBetweenAndBlockList(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	f := &types.Friendship{
		ID: "f1", RequesterID: "a", AddresseeID: "b",
		Status: types.FriendshipBlocked, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, m.CreateFriendship(ctx, f))

	got, err := m.FriendshipBetween(ctx, "b", "a")
	require.NoError(t, err)
	assert.Equal(t, types.FriendshipBlocked, got.Status)

	blocked, err := m.BlockedUserIDs(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []types.UserID{"b"}, blocked)

	blocked, err = m.BlockedUserIDs(ctx, "b")
	require.NoError(t, err)
	assert.Empty(t, blocked)
}

func TestDMConversationsAndUnread(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for i := 0; i < 3; i++ {
		require.NoError(t, m.SaveDirectMessage(ctx, &types.DirectMessage{
			ID: types.MessageID(uuid.NewString()), SenderID: "a", RecipientID: "b",
			Content: "hey", Timestamp: time.Now().UTC().Add(time.Duration(i) * time.Second),
		}))
	}

	convs, err := m.Conversations(ctx, "b")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, types.UserID("a"), convs[0].PartnerID)
	assert.Equal(t, 3, convs[0].Unread)

	marked, err := m.MarkRead(ctx, "b", "a")
	require.NoError(t, err)
	assert.Equal(t, 3, marked)

	convs, err = m.Conversations(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 0, convs[0].Unread)

	// Sender's view has no unread.
	convs, err = m.Conversations(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 0, convs[0].Unread)
}

func TestNotificationsPagingAndUnread(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for i := 0; i < 25; i++ {
		require.NoError(t, m.SaveNotification(ctx, &types.Notification{
			ID: types.NotificationID(uuid.NewString()), RecipientID: "u1",
			Type: "system", Title: "t", Message: "m",
			CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Second),
		}))
	}

	page1, err := m.Notifications(ctx, "u1", false, 1, 20)
	require.NoError(t, err)
	assert.Len(t, page1, 20)
	page2, err := m.Notifications(ctx, "u1", false, 2, 20)
	require.NoError(t, err)
	assert.Len(t, page2, 5)

	count, err := m.UnreadNotificationCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 25, count)

	require.NoError(t, m.MarkNotificationRead(ctx, "u1", page1[0].ID))
	count, _ = m.UnreadNotificationCount(ctx, "u1")
	assert.Equal(t, 24, count)

	marked, err := m.MarkAllNotificationsRead(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 24, marked)

	unread, err := m.Notifications(ctx, "u1", true, 1, 50)
	require.NoError(t, err)
	assert.Empty(t, unread)
}

func TestSearchUsers(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.UpsertUser(ctx, types.UserSnapshot{ID: "u1", Username: "Alice"}))
	require.NoError(t, m.UpsertUser(ctx, types.UserSnapshot{ID: "u2", Username: "alicia"}))
	require.NoError(t, m.UpsertUser(ctx, types.UserSnapshot{ID: "u3", Username: "bob"}))

	// Substring match, case-insensitive.
	hits, err := m.SearchUsers(ctx, "ali", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	// Exact id match.
	hits, err = m.SearchUsers(ctx, "u3", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "bob", hits[0].Username)
}

func TestBreakerPassesThroughDomainErrors(t *testing.T) {
	ctx := context.Background()
	b := NewBreaker(NewMemory())

	_, err := b.GetMessage(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)

	// Domain errors never trip the breaker: the next call still works.
	msg := newMessage("general", "u1", "hello")
	require.NoError(t, b.SaveMessage(ctx, msg))
	got, err := b.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Content)
}
