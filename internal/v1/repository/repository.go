// Package repository defines the persistence collaborator consumed by the
// hubs, plus its implementations: postgres for production, an in-memory
// store for development and tests, and a circuit-breaker decorator.
//
// Every call is idempotent from the hubs' point of view and may fail with a
// typed error. The hubs treat transient failures as ServerError events and
// never let them terminate a connection.
package repository

import (
	"context"

	"github.com/yurtcord/realtime/internal/v1/types"
)

// Messages persists chat messages and their reaction maps.
type Messages interface {
	SaveMessage(ctx context.Context, m *types.ChatMessage) error
	GetMessage(ctx context.Context, id types.MessageID) (*types.ChatMessage, error)
	UpdateMessage(ctx context.Context, m *types.ChatMessage) error
	DeleteMessage(ctx context.Context, id types.MessageID) error

	// ChannelHistory returns the most recent messages of a channel in
	// ascending timestamp order.
	ChannelHistory(ctx context.Context, channel string, limit int) ([]types.ChatMessage, error)

	// AddReaction records at most one (user, message, emoji) reaction and
	// returns the updated message. Adding twice is a no-op.
	AddReaction(ctx context.Context, id types.MessageID, emoji string, user types.UserID) (*types.ChatMessage, error)

	// RemoveReaction cancels exactly one prior add.
	RemoveReaction(ctx context.Context, id types.MessageID, emoji string, user types.UserID) (*types.ChatMessage, error)
}

// Friendships persists the friendship state machine.
type Friendships interface {
	// CreateFriendship fails with types.ErrDuplicate when a non-terminal
	// friendship already exists for the unordered pair.
	CreateFriendship(ctx context.Context, f *types.Friendship) error
	GetFriendship(ctx context.Context, id types.FriendshipID) (*types.Friendship, error)
	UpdateFriendship(ctx context.Context, f *types.Friendship) error
	DeleteFriendship(ctx context.Context, id types.FriendshipID) error

	// FriendshipsOf returns every friendship record involving the user,
	// terminal ones excluded.
	FriendshipsOf(ctx context.Context, user types.UserID) ([]types.Friendship, error)

	// FriendshipBetween returns the non-terminal friendship for the
	// unordered pair, or types.ErrNotFound.
	FriendshipBetween(ctx context.Context, a, b types.UserID) (*types.Friendship, error)

	// BlockedUserIDs returns the ids the user has blocked.
	BlockedUserIDs(ctx context.Context, user types.UserID) ([]types.UserID, error)
}

// DirectMessages persists 1:1 conversations.
type DirectMessages interface {
	SaveDirectMessage(ctx context.Context, m *types.DirectMessage) error

	// DMHistory returns the conversation between two users in ascending
	// timestamp order.
	DMHistory(ctx context.Context, a, b types.UserID, limit int) ([]types.DirectMessage, error)

	// Conversations summarises every DM thread of a user, most recent first.
	Conversations(ctx context.Context, user types.UserID) ([]types.Conversation, error)

	// MarkRead marks every message from partner to reader as read and
	// returns the number of messages affected.
	MarkRead(ctx context.Context, reader, partner types.UserID) (int, error)
}

// Notifications persists per-user notifications.
type Notifications interface {
	SaveNotification(ctx context.Context, n *types.Notification) error
	Notifications(ctx context.Context, user types.UserID, unreadOnly bool, page, pageSize int) ([]types.Notification, error)
	MarkNotificationRead(ctx context.Context, user types.UserID, id types.NotificationID) error
	MarkAllNotificationsRead(ctx context.Context, user types.UserID) (int, error)
	DeleteNotification(ctx context.Context, user types.UserID, id types.NotificationID) error
	UnreadNotificationCount(ctx context.Context, user types.UserID) (int, error)
}

// Users mirrors the slice of the user store the hubs need: fuzzy search and
// the snapshot upsert that keeps it current.
type Users interface {
	UpsertUser(ctx context.Context, u types.UserSnapshot) error

	// SearchUsers matches on exact id or username substring.
	SearchUsers(ctx context.Context, query string, limit int) ([]types.UserSnapshot, error)
}

// Catalog is the thin marketplace lookup surface the content hub routes by.
type Catalog interface {
	// AuctionOwner resolves the seller of an auction.
	AuctionOwner(ctx context.Context, auctionID string) (types.UserID, error)
}

// Repository aggregates every persistence concern of the hub fabric.
type Repository interface {
	Messages
	Friendships
	DirectMessages
	Notifications
	Users
	Catalog
}
